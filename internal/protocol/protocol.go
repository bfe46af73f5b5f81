// Package protocol holds the wire contract between the coordinator and the
// worker agents.
package protocol

import "encoding/json"

// Stage response statuses.
const (
	StatusCompleted = "completed"
	StatusError     = "error"
)

// StageRequest is the generic stage payload.
type StageRequest struct {
	SubTaskID  string          `json:"subtask_id"`
	TaskType   string          `json:"task_type"`
	Parameters json.RawMessage `json:"parameters"`
}

// StageResponse is returned by every agent for a generic stage request.
type StageResponse struct {
	SubTaskID string         `json:"subtask_id"`
	Status    string         `json:"status"`
	Result    map[string]any `json:"result"`
	Message   string         `json:"message"`
}

// ResearchRequest is the research stage payload. TaskID carries the SubTask id.
type ResearchRequest struct {
	TaskID        string   `json:"task_id"`
	TargetURL     string   `json:"target_url"`
	AnalysisScope []string `json:"analysis_scope"`
	Priority      string   `json:"priority"`
}

// ResearchResponse is returned by the research agent.
type ResearchResponse struct {
	TaskID  string         `json:"task_id"`
	Status  string         `json:"status"`
	Results map[string]any `json:"results"`
	Message string         `json:"message"`
}

// CreateTaskRequest is the client input of the coordinator API.
type CreateTaskRequest struct {
	TaskType      string   `json:"task_type"`
	TargetURL     string   `json:"target_url"`
	AnalysisScope []string `json:"analysis_scope"`
	Priority      string   `json:"priority,omitempty"`
}

// CreateTaskResponse acknowledges a submitted task.
type CreateTaskResponse struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// SubTaskSummary is one entry of TaskStatusResponse.
type SubTaskSummary struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Status string `json:"status"`
}

// TaskStatusResponse is the status view of one task.
type TaskStatusResponse struct {
	TaskID    string           `json:"task_id"`
	Status    string           `json:"status"`
	Type      string           `json:"type"`
	CreatedAt string           `json:"created_at"`
	Error     string           `json:"error,omitempty"`
	SubTasks  []SubTaskSummary `json:"subtasks"`
}

// Outcome is the normalised reply of either stage shape.
type Outcome struct {
	SubTaskID string
	Status    string
	Result    map[string]any
	Message   string
}

// Outcome converts a generic response.
func (r StageResponse) Outcome() Outcome {
	return Outcome{SubTaskID: r.SubTaskID, Status: r.Status, Result: r.Result, Message: r.Message}
}

// Outcome converts a research response.
func (r ResearchResponse) Outcome() Outcome {
	return Outcome{SubTaskID: r.TaskID, Status: r.Status, Result: r.Results, Message: r.Message}
}
