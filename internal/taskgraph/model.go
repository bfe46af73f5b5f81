// Package taskgraph models Tasks, SubTasks and Results as graph nodes and
// owns every state transition on them.
package taskgraph

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/taskgraph/internal/graph"
)

// Node labels and relationship types.
const (
	LabelAgent   = "Agent"
	LabelTask    = "Task"
	LabelSubTask = "SubTask"
	LabelResult  = "Result"

	RelCoordinates = "COORDINATES"
	RelAssignedTo  = "ASSIGNED_TO"
	RelContains    = "CONTAINS"
	RelProduces    = "PRODUCES"
)

// CoordinationType is the agent type of the orchestrating role.
const CoordinationType = "coordination"

// AgentID derives the stable agent id for an agent type.
func AgentID(agentType string) string { return agentType + "_agent" }

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrSubTaskNotFound   = errors.New("subtask not found")
	ErrResultNotFound    = errors.New("result not found")
	ErrStaleSubTask      = errors.New("subtask is no longer active")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrTaskClaimed       = errors.New("task is claimed by another coordinator")
	ErrStageExists       = errors.New("stage already created for task")
)

// Status is the lifecycle state shared by Task and SubTask.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// CanTransition reports whether from -> to moves the lifecycle forward.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	}
	return false
}

// StageDef is one step of the pipeline.
type StageDef struct {
	Name      string // also the agent type serving the stage
	TaskType  string
	AgentType string
}

// Pipeline is the fixed stage order.
var Pipeline = []StageDef{
	{Name: "research", TaskType: "web_scraping", AgentType: "research"},
	{Name: "analysis", TaskType: "data_analysis", AgentType: "analysis"},
	{Name: "strategy", TaskType: "strategy_formulation", AgentType: "strategy"},
	{Name: "report", TaskType: "report_generation", AgentType: "report"},
}

// StageFor looks a stage up by name.
func StageFor(name string) (StageDef, bool) {
	for _, s := range Pipeline {
		if s.Name == name {
			return s, true
		}
	}
	return StageDef{}, false
}

// WorkerTypes lists the agent types serving pipeline stages.
func WorkerTypes() []string {
	out := make([]string, 0, len(Pipeline))
	for _, s := range Pipeline {
		out = append(out, s.AgentType)
	}
	return out
}

// Parameters is the serialized input of a SubTask.
type Parameters struct {
	DependsOn string   `json:"depends_on"`
	Scope     []string `json:"scope,omitempty"`
	TargetURL string   `json:"target_url,omitempty"`
	Priority  string   `json:"priority,omitempty"`
}

// ParseParameters decodes a parameters document.
func ParseParameters(raw []byte) (Parameters, error) {
	var p Parameters
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return Parameters{}, fmt.Errorf("parse parameters: %w", err)
	}
	return p, nil
}

// Content is the stage-specific payload of a Result.
type Content map[string]any

type Task struct {
	ID             string    `json:"task_id"`
	Type           string    `json:"type"`
	Status         Status    `json:"status"`
	Priority       string    `json:"priority"`
	TargetURL      string    `json:"target_url"`
	AnalysisScope  []string  `json:"analysis_scope"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`
	Error          string    `json:"error,omitempty"`
	ClaimedBy      string    `json:"-"`
	ClaimExpiresAt time.Time `json:"-"`
}

type SubTask struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"task_id"`
	Type       string     `json:"type"`
	TaskType   string     `json:"task_type"`
	AgentID    string     `json:"agent_id"`
	Status     Status     `json:"status"`
	Parameters Parameters `json:"parameters"`
	CreatedAt  time.Time  `json:"created_at"`
	Error      string     `json:"error,omitempty"`
}

type Result struct {
	ID        string    `json:"id"`
	SubTaskID string    `json:"subtask_id"`
	Content   Content   `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskView is a Task with its SubTasks in pipeline order.
type TaskView struct {
	Task
	SubTasks []SubTask `json:"subtasks"`
}

// NewTask is the client input for a pipeline run.
type NewTask struct {
	Type          string
	TargetURL     string
	AnalysisScope []string
	Priority      string
}

func taskFromNode(n graph.Node) Task {
	p := n.Props
	return Task{
		ID:             n.ID,
		Type:           p.String("type"),
		Status:         Status(p.String("status")),
		Priority:       p.String("priority"),
		TargetURL:      p.String("target_url"),
		AnalysisScope:  p.Strings("analysis_scope"),
		CreatedAt:      p.Time("created_at"),
		UpdatedAt:      p.Time("updated_at"),
		Error:          p.String("error"),
		ClaimedBy:      p.String("claimed_by"),
		ClaimExpiresAt: p.Time("claim_expires_at"),
	}
}

func subTaskFromNode(n graph.Node) (SubTask, error) {
	p := n.Props
	params, err := ParseParameters([]byte(p.String("parameters")))
	if err != nil {
		return SubTask{}, fmt.Errorf("subtask %s: %w", n.ID, err)
	}
	return SubTask{
		ID:         n.ID,
		TaskID:     p.String("task_id"),
		Type:       p.String("type"),
		TaskType:   p.String("task_type"),
		AgentID:    p.String("agent_id"),
		Status:     Status(p.String("status")),
		Parameters: params,
		CreatedAt:  p.Time("created_at"),
		Error:      p.String("error"),
	}, nil
}

func resultFromNode(n graph.Node) (Result, error) {
	content := Content{}
	if raw := n.Props.String("content"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &content); err != nil {
			return Result{}, fmt.Errorf("result %s: decode content: %w", n.ID, err)
		}
	}
	return Result{
		ID:        n.ID,
		SubTaskID: n.Props.String("subtask_id"),
		Content:   content,
		CreatedAt: n.Props.Time("created_at"),
	}, nil
}
