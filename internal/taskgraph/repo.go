package taskgraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/taskgraph/internal/graph"
)

// Repo persists the task graph through a graph.Store.
type Repo struct {
	store graph.Store
	now   func() time.Time
}

// NewRepo returns a Repo backed by store.
func NewRepo(store graph.Store) *Repo {
	return &Repo{store: store, now: time.Now}
}

// WithClock overrides the time source.
func (r *Repo) WithClock(now func() time.Time) *Repo {
	cp := *r
	cp.now = now
	return &cp
}

func (r *Repo) with(store graph.Store) *Repo {
	return &Repo{store: store, now: r.now}
}

// Store exposes the underlying graph store.
func (r *Repo) Store() graph.Store { return r.store }

// CreateTask persists a pending Task and links the coordination agent to it.
func (r *Repo) CreateTask(ctx context.Context, in NewTask) (Task, error) {
	if in.Priority == "" {
		in.Priority = "medium"
	}
	scope := in.AnalysisScope
	if scope == nil {
		scope = []string{}
	}
	now := graph.Timestamp(r.now())
	var out Task
	err := r.store.InTx(ctx, func(tx graph.Store) error {
		n, err := tx.CreateNode(ctx, LabelTask, graph.Props{
			"type":           in.Type,
			"status":         string(StatusPending),
			"priority":       in.Priority,
			"target_url":     in.TargetURL,
			"analysis_scope": scope,
			"created_at":     now,
			"updated_at":     now,
		})
		if err != nil {
			return err
		}
		coord := graph.Ref{Label: LabelAgent, ID: AgentID(CoordinationType)}
		if err := tx.CreateEdge(ctx, RelAssignedTo, coord, n.Ref()); err != nil {
			return err
		}
		out = taskFromNode(n)
		return nil
	})
	if err != nil {
		return Task{}, fmt.Errorf("create task: %w", err)
	}
	return out, nil
}

// GetTask loads a Task by id.
func (r *Repo) GetTask(ctx context.Context, id string) (Task, error) {
	n, ok, err := r.store.MatchOne(ctx, graph.Pattern{Label: LabelTask, ID: id})
	if err != nil {
		return Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	if !ok {
		return Task{}, fmt.Errorf("get task %s: %w", id, ErrTaskNotFound)
	}
	return taskFromNode(n), nil
}

// ListTasks returns every Task in the given status, oldest first.
func (r *Repo) ListTasks(ctx context.Context, status Status) ([]Task, error) {
	p := graph.Pattern{Label: LabelTask}
	if status != "" {
		p.Where = graph.Props{"status": string(status)}
	}
	nodes, err := r.store.MatchAll(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	out := make([]Task, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, taskFromNode(n))
	}
	return out, nil
}

// TaskView loads a Task and its SubTasks.
func (r *Repo) TaskView(ctx context.Context, id string) (TaskView, error) {
	t, err := r.GetTask(ctx, id)
	if err != nil {
		return TaskView{}, err
	}
	subs, err := r.SubTasks(ctx, id)
	if err != nil {
		return TaskView{}, err
	}
	return TaskView{Task: t, SubTasks: subs}, nil
}

// SubTasks returns the SubTasks contained in a Task in creation order.
func (r *Repo) SubTasks(ctx context.Context, taskID string) ([]SubTask, error) {
	nodes, err := r.store.MatchAll(ctx, graph.Pattern{
		Label: LabelSubTask,
		Via:   &graph.Hop{Rel: RelContains, From: graph.Ref{Label: LabelTask, ID: taskID}},
	})
	if err != nil {
		return nil, fmt.Errorf("list subtasks of %s: %w", taskID, err)
	}
	out := make([]SubTask, 0, len(nodes))
	for _, n := range nodes {
		st, err := subTaskFromNode(n)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// SetTaskStatus moves a Task forward. Setting the current status again is a
// no-op; moving backwards or out of a terminal state is ErrInvalidTransition.
func (r *Repo) SetTaskStatus(ctx context.Context, id string, to Status, reason string) (Task, error) {
	n, err := r.store.UpdateNode(ctx, LabelTask, id, func(cur graph.Props, exists bool) (graph.Props, error) {
		if !exists {
			return nil, ErrTaskNotFound
		}
		from := Status(cur.String("status"))
		if from == to {
			return nil, nil
		}
		if !CanTransition(from, to) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}
		next := cur.Clone()
		next["status"] = string(to)
		next["updated_at"] = graph.Timestamp(r.now())
		if reason != "" {
			next["error"] = reason
		}
		return next, nil
	})
	if err != nil {
		return Task{}, fmt.Errorf("set task %s status: %w", id, err)
	}
	return taskFromNode(n), nil
}

// ClaimTask takes or renews the coordination lease on a Task. A live lease
// held by another owner yields ErrTaskClaimed.
func (r *Repo) ClaimTask(ctx context.Context, id, owner string, ttl time.Duration) (Task, error) {
	now := r.now()
	n, err := r.store.UpdateNode(ctx, LabelTask, id, func(cur graph.Props, exists bool) (graph.Props, error) {
		if !exists {
			return nil, ErrTaskNotFound
		}
		holder := cur.String("claimed_by")
		if holder != "" && holder != owner && cur.Time("claim_expires_at").After(now) {
			return nil, fmt.Errorf("%w: held by %s", ErrTaskClaimed, holder)
		}
		next := cur.Clone()
		next["claimed_by"] = owner
		next["claim_expires_at"] = graph.Timestamp(now.Add(ttl))
		return next, nil
	})
	if err != nil {
		return Task{}, fmt.Errorf("claim task %s: %w", id, err)
	}
	return taskFromNode(n), nil
}

// ReleaseTask drops the lease if owner still holds it.
func (r *Repo) ReleaseTask(ctx context.Context, id, owner string) error {
	_, err := r.store.UpdateNode(ctx, LabelTask, id, func(cur graph.Props, exists bool) (graph.Props, error) {
		if !exists || cur.String("claimed_by") != owner {
			return nil, nil
		}
		next := cur.Clone()
		delete(next, "claimed_by")
		delete(next, "claim_expires_at")
		return next, nil
	})
	if err != nil {
		return fmt.Errorf("release task %s: %w", id, err)
	}
	return nil
}

// CreateSubTask persists a pending SubTask for stage and links it to its Task
// and to the stage agent in one transaction.
func (r *Repo) CreateSubTask(ctx context.Context, taskID string, stage StageDef, params Parameters) (SubTask, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return SubTask{}, fmt.Errorf("create subtask: encode parameters: %w", err)
	}
	agentID := AgentID(stage.AgentType)
	var out SubTask
	err = r.store.InTx(ctx, func(tx graph.Store) error {
		repo := r.with(tx)
		if _, err := repo.GetTask(ctx, taskID); err != nil {
			return err
		}
		existing, err := tx.MatchAll(ctx, graph.Pattern{
			Label: LabelSubTask,
			Where: graph.Props{"type": stage.Name},
			Via:   &graph.Hop{Rel: RelContains, From: graph.Ref{Label: LabelTask, ID: taskID}},
		})
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return fmt.Errorf("%w: %s", ErrStageExists, stage.Name)
		}
		n, err := tx.CreateNode(ctx, LabelSubTask, graph.Props{
			"task_id":    taskID,
			"type":       stage.Name,
			"task_type":  stage.TaskType,
			"agent_id":   agentID,
			"status":     string(StatusPending),
			"parameters": string(raw),
			"created_at": graph.Timestamp(r.now()),
		})
		if err != nil {
			return err
		}
		if err := tx.CreateEdge(ctx, RelContains, graph.Ref{Label: LabelTask, ID: taskID}, n.Ref()); err != nil {
			return err
		}
		if err := tx.CreateEdge(ctx, RelAssignedTo, graph.Ref{Label: LabelAgent, ID: agentID}, n.Ref()); err != nil {
			return err
		}
		out, err = subTaskFromNode(n)
		return err
	})
	if err != nil {
		return SubTask{}, fmt.Errorf("create %s subtask for %s: %w", stage.Name, taskID, err)
	}
	return out, nil
}

// GetSubTask loads a SubTask by id.
func (r *Repo) GetSubTask(ctx context.Context, id string) (SubTask, error) {
	n, ok, err := r.store.MatchOne(ctx, graph.Pattern{Label: LabelSubTask, ID: id})
	if err != nil {
		return SubTask{}, fmt.Errorf("get subtask %s: %w", id, err)
	}
	if !ok {
		return SubTask{}, fmt.Errorf("get subtask %s: %w", id, ErrSubTaskNotFound)
	}
	return subTaskFromNode(n)
}

// MarkSubTaskRunning moves a pending SubTask to running.
func (r *Repo) MarkSubTaskRunning(ctx context.Context, id string) error {
	_, err := r.transitionSubTask(ctx, id, StatusRunning, "", StatusPending)
	if err != nil {
		return fmt.Errorf("mark subtask %s running: %w", id, err)
	}
	return nil
}

// FailSubTask marks an active SubTask failed. Failing an already failed
// SubTask is a no-op; a completed one yields ErrStaleSubTask.
func (r *Repo) FailSubTask(ctx context.Context, id, reason string) error {
	_, err := r.transitionSubTask(ctx, id, StatusFailed, reason, StatusPending, StatusRunning)
	if err != nil {
		return fmt.Errorf("fail subtask %s: %w", id, err)
	}
	return nil
}

func (r *Repo) transitionSubTask(ctx context.Context, id string, to Status, reason string, from ...Status) (graph.Node, error) {
	return r.store.UpdateNode(ctx, LabelSubTask, id, func(cur graph.Props, exists bool) (graph.Props, error) {
		if !exists {
			return nil, ErrSubTaskNotFound
		}
		status := Status(cur.String("status"))
		if status == to {
			return nil, nil
		}
		allowed := false
		for _, f := range from {
			if status == f {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, fmt.Errorf("%w: status %s", ErrStaleSubTask, status)
		}
		next := cur.Clone()
		next["status"] = string(to)
		next["updated_at"] = graph.Timestamp(r.now())
		if reason != "" {
			next["error"] = reason
		}
		return next, nil
	})
}

// CompleteSubTask records the single Result of an active SubTask. A SubTask
// that is no longer pending or running (failed after a timeout, or already
// completed) yields ErrStaleSubTask and no Result is written.
func (r *Repo) CompleteSubTask(ctx context.Context, id string, content Content) (Result, error) {
	if content == nil {
		content = Content{}
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return Result{}, fmt.Errorf("complete subtask %s: encode content: %w", id, err)
	}
	now := graph.Timestamp(r.now())
	var out Result
	err = r.store.InTx(ctx, func(tx graph.Store) error {
		_, err := tx.UpdateNode(ctx, LabelSubTask, id, func(cur graph.Props, exists bool) (graph.Props, error) {
			if !exists {
				return nil, ErrSubTaskNotFound
			}
			status := Status(cur.String("status"))
			if status != StatusPending && status != StatusRunning {
				return nil, fmt.Errorf("%w: status %s", ErrStaleSubTask, status)
			}
			next := cur.Clone()
			next["status"] = string(StatusCompleted)
			next["updated_at"] = now
			return next, nil
		})
		if err != nil {
			return err
		}
		from := graph.Ref{Label: LabelSubTask, ID: id}
		if _, ok, err := tx.MatchOne(ctx, graph.Pattern{Label: LabelResult, Via: &graph.Hop{Rel: RelProduces, From: from}}); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("%w: result already recorded", ErrStaleSubTask)
		}
		n, err := tx.CreateNode(ctx, LabelResult, graph.Props{
			"subtask_id": id,
			"content":    string(raw),
			"created_at": now,
		})
		if err != nil {
			return err
		}
		if err := tx.CreateEdge(ctx, RelProduces, from, n.Ref()); err != nil {
			return err
		}
		out, err = resultFromNode(n)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("complete subtask %s: %w", id, err)
	}
	return out, nil
}

// ResultFor reads the Result produced by a SubTask.
func (r *Repo) ResultFor(ctx context.Context, subtaskID string) (Result, error) {
	n, ok, err := r.store.MatchOne(ctx, graph.Pattern{
		Label: LabelResult,
		Via:   &graph.Hop{Rel: RelProduces, From: graph.Ref{Label: LabelSubTask, ID: subtaskID}},
	})
	if err != nil {
		return Result{}, fmt.Errorf("result for %s: %w", subtaskID, err)
	}
	if !ok {
		return Result{}, fmt.Errorf("result for %s: %w", subtaskID, ErrResultNotFound)
	}
	return resultFromNode(n)
}

// IsNotFound reports whether err means a task-graph entity is missing.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTaskNotFound) || errors.Is(err, ErrSubTaskNotFound) ||
		errors.Is(err, ErrResultNotFound) || errors.Is(err, graph.ErrNotFound)
}
