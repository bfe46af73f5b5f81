// Package agent is the worker side of the pipeline: an HTTP service that
// executes one stage per request and records its Result in the graph.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/mohammad-safakhou/taskgraph/internal/agent/stages"
	"github.com/mohammad-safakhou/taskgraph/internal/backoff"
	"github.com/mohammad-safakhou/taskgraph/internal/protocol"
	"github.com/mohammad-safakhou/taskgraph/internal/registry"
	"github.com/mohammad-safakhou/taskgraph/internal/taskgraph"
)

// DefaultPolicy is the agent-side store connect policy: 2s, x1.5, 10 attempts.
func DefaultPolicy() backoff.Exponential {
	return backoff.Exponential{Initial: 2 * time.Second, Multiplier: 1.5, MaxAttempts: 10}
}

// Service handles stage requests for one agent type.
type Service struct {
	agentType string
	agentID   string
	repo      *taskgraph.Repo
	agents    *registry.Registry
	proc      stages.Processor
	logger    *log.Logger
	processed otelmetric.Int64Counter
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l *log.Logger) Option { return func(s *Service) { s.logger = l } }

func WithMeter(m otelmetric.Meter) Option {
	return func(s *Service) {
		if m == nil {
			return
		}
		ctr, err := m.Int64Counter("agent_subtasks_total")
		if err != nil {
			if s.logger != nil {
				s.logger.Printf("warn: create subtask counter failed: %v", err)
			}
			return
		}
		s.processed = ctr
	}
}

func New(agentType string, repo *taskgraph.Repo, agents *registry.Registry, proc stages.Processor, opts ...Option) *Service {
	s := &Service{
		agentType: agentType,
		agentID:   taskgraph.AgentID(agentType),
		repo:      repo,
		agents:    agents,
		proc:      proc,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.New(io.Discard, "", 0)
	}
	return s
}

// AgentID returns the id of the agent node this service owns.
func (s *Service) AgentID() string { return s.agentID }

// Start registers the agent and clears any assignment a previous process
// left behind.
func (s *Service) Start(ctx context.Context) error {
	if err := s.agents.Register(ctx, s.agentType, registry.CapabilitiesFor(s.agentType)); err != nil {
		return err
	}
	if err := s.agents.Reset(ctx, s.agentID); err != nil {
		return err
	}
	s.logger.Printf("%s registered", s.agentID)
	return nil
}

// Register mounts the agent routes.
func (s *Service) Register(e *echo.Echo) {
	e.POST("/task", s.handleTask)
	e.GET("/health", s.handleHealth)
	e.GET("/", s.handleInfo)
}

func (s *Service) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "healthy",
		"agent_id":  s.agentID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Service) handleInfo(c echo.Context) error {
	status := registry.StatusUnknown
	if st, ok, err := s.agents.Get(c.Request().Context(), s.agentID); err == nil && ok {
		status = st.Status
	}
	return c.JSON(http.StatusOK, map[string]any{"agent_id": s.agentID, "type": s.agentType, "status": status})
}

// stageCall is a decoded request of either wire shape.
type stageCall struct {
	subtaskID string
	taskType  string
	params    taskgraph.Parameters
}

func (s *Service) decode(c echo.Context) (stageCall, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, 4<<20))
	if err != nil {
		return stageCall{}, fmt.Errorf("read request: %w", err)
	}
	if s.agentType == "research" {
		var req protocol.ResearchRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return stageCall{}, fmt.Errorf("malformed research request: %w", err)
		}
		return stageCall{
			subtaskID: req.TaskID,
			taskType:  "web_scraping",
			params:    taskgraph.Parameters{TargetURL: req.TargetURL, Scope: req.AnalysisScope, Priority: req.Priority},
		}, nil
	}
	var req protocol.StageRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return stageCall{}, fmt.Errorf("malformed stage request: %w", err)
	}
	call := stageCall{subtaskID: req.SubTaskID, taskType: req.TaskType}
	if len(req.Parameters) > 0 && string(req.Parameters) != "null" {
		if call.params, err = taskgraph.ParseParameters(req.Parameters); err != nil {
			return call, err
		}
	}
	return call, nil
}

func (s *Service) handleTask(c echo.Context) error {
	ctx := c.Request().Context()
	call, err := s.decode(c)
	if err != nil {
		return s.reply(c, http.StatusBadRequest, call.subtaskID, nil, err.Error())
	}
	if call.subtaskID == "" {
		return s.reply(c, http.StatusBadRequest, "", nil, "subtask id is required")
	}

	if code, err := s.admit(ctx, call.subtaskID); err != nil {
		return s.fail(c, code, call.subtaskID, err)
	}

	lease := s.agents.Acquire(ctx, s.agentID, call.subtaskID)
	defer func() { _ = lease.Release(ctx) }()

	code, content, err := s.execute(ctx, call)
	if err != nil {
		return s.fail(c, code, call.subtaskID, err)
	}
	s.count(ctx, "completed")
	s.logger.Printf("subtask %s completed", call.subtaskID)
	return s.reply(c, http.StatusOK, call.subtaskID, content, fmt.Sprintf("%s stage completed successfully", s.agentType))
}

func (s *Service) fail(c echo.Context, code int, subtaskID string, err error) error {
	s.logger.Printf("subtask %s failed (%d): %v", subtaskID, code, err)
	s.count(c.Request().Context(), "error")
	return s.reply(c, code, subtaskID, nil, err.Error())
}

// admit checks that the SubTask exists, belongs to this agent and is still
// runnable. The agent lease is only taken for admitted SubTasks so a bad id
// never displaces the current assignment.
func (s *Service) admit(ctx context.Context, subtaskID string) (int, error) {
	sub, err := s.repo.GetSubTask(ctx, subtaskID)
	switch {
	case errors.Is(err, taskgraph.ErrSubTaskNotFound):
		return http.StatusNotFound, err
	case err != nil:
		return http.StatusInternalServerError, err
	}
	if sub.AgentID != "" && sub.AgentID != s.agentID {
		return http.StatusConflict, fmt.Errorf("subtask %s is assigned to %s", sub.ID, sub.AgentID)
	}
	if sub.Status.Terminal() {
		return http.StatusConflict, fmt.Errorf("%w: status %s", taskgraph.ErrStaleSubTask, sub.Status)
	}
	return http.StatusOK, nil
}

// execute runs an admitted stage and returns the HTTP code to report on failure.
func (s *Service) execute(ctx context.Context, call stageCall) (int, taskgraph.Content, error) {
	in := stages.Input{SubTaskID: call.subtaskID, TaskType: call.taskType, Params: call.params}
	if dep := call.params.DependsOn; dep != "" {
		res, err := s.repo.ResultFor(ctx, dep)
		switch {
		case errors.Is(err, taskgraph.ErrResultNotFound):
			return http.StatusUnprocessableEntity, nil, fmt.Errorf("missing dependency result for %s: %w", dep, err)
		case err != nil:
			return http.StatusInternalServerError, nil, err
		}
		in.Upstream = &res
	}

	content, err := s.proc.Process(ctx, in)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, stages.ErrInvalidInput) {
			code = http.StatusBadRequest
		}
		if ferr := s.repo.FailSubTask(context.WithoutCancel(ctx), call.subtaskID, err.Error()); ferr != nil {
			s.logger.Printf("warn: %v", ferr)
		}
		return code, nil, err
	}

	if _, err := s.repo.CompleteSubTask(ctx, call.subtaskID, content); err != nil {
		if errors.Is(err, taskgraph.ErrStaleSubTask) {
			return http.StatusConflict, nil, err
		}
		return http.StatusInternalServerError, nil, err
	}
	return http.StatusOK, content, nil
}

func (s *Service) reply(c echo.Context, code int, subtaskID string, result map[string]any, msg string) error {
	status := protocol.StatusCompleted
	if code >= 300 {
		status = protocol.StatusError
	}
	if result == nil {
		result = map[string]any{}
	}
	if s.agentType == "research" {
		return c.JSON(code, protocol.ResearchResponse{TaskID: subtaskID, Status: status, Results: result, Message: msg})
	}
	return c.JSON(code, protocol.StageResponse{SubTaskID: subtaskID, Status: status, Result: result, Message: msg})
}

func (s *Service) count(ctx context.Context, status string) {
	if s.processed == nil {
		return
	}
	s.processed.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("agent_type", s.agentType),
		attribute.String("status", status),
	))
}
