package streams

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/taskgraph/internal/taskgraph"
)

const (
	// StreamTasks carries accepted Tasks to pipeline workers.
	StreamTasks = "taskgraph.tasks"
	// StreamStatus carries Task status transitions.
	StreamStatus = "taskgraph.status"

	EventTaskEnqueued = "task.enqueued"
	EventTaskStatus   = "task.status"

	payloadVersion = "v1"
)

// TaskEnqueued is the payload of task.enqueued.
type TaskEnqueued struct {
	TaskID     string    `json:"task_id"`
	TaskType   string    `json:"task_type"`
	TargetURL  string    `json:"target_url"`
	Priority   string    `json:"priority,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// TaskStatusChanged is the payload of task.status.
type TaskStatusChanged struct {
	TaskID     string    `json:"task_id"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// DecodeEnqueued extracts a task.enqueued payload.
func DecodeEnqueued(env Envelope) (TaskEnqueued, error) {
	var out TaskEnqueued
	if env.EventType != EventTaskEnqueued {
		return out, fmt.Errorf("unexpected event type %q", env.EventType)
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return out, fmt.Errorf("decode %s: %w", env.EventType, err)
	}
	return out, nil
}

// TaskQueue publishes accepted Tasks for workers to run.
type TaskQueue struct {
	pub *Publisher
}

func NewTaskQueue(pub *Publisher) *TaskQueue { return &TaskQueue{pub: pub} }

// Launch enqueues task. The worker that consumes it runs the pipeline.
func (q *TaskQueue) Launch(ctx context.Context, task taskgraph.Task) error {
	_, err := q.pub.publishEvent(ctx, StreamTasks, EventTaskEnqueued, TaskEnqueued{
		TaskID:     task.ID,
		TaskType:   task.Type,
		TargetURL:  task.TargetURL,
		Priority:   task.Priority,
		EnqueuedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}
	return nil
}

// StatusPublisher emits Task status transitions to StreamStatus.
type StatusPublisher struct {
	pub *Publisher
}

func NewStatusPublisher(pub *Publisher) *StatusPublisher { return &StatusPublisher{pub: pub} }

func (s *StatusPublisher) TaskStatus(ctx context.Context, taskID string, status taskgraph.Status, reason string) error {
	_, err := s.pub.publishEvent(ctx, StreamStatus, EventTaskStatus, TaskStatusChanged{
		TaskID:     taskID,
		Status:     string(status),
		Reason:     reason,
		OccurredAt: time.Now().UTC(),
	})
	return err
}
