// Package coordinator runs the research -> analysis -> strategy -> report
// pipeline for one Task at a time per goroutine.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/mohammad-safakhou/taskgraph/internal/dispatch"
	"github.com/mohammad-safakhou/taskgraph/internal/protocol"
	"github.com/mohammad-safakhou/taskgraph/internal/registry"
	"github.com/mohammad-safakhou/taskgraph/internal/taskgraph"
)

// ErrInvalidRequest marks client input that cannot start a pipeline.
var ErrInvalidRequest = errors.New("invalid task request")

// Events receives task status transitions.
type Events interface {
	TaskStatus(ctx context.Context, taskID string, status taskgraph.Status, reason string) error
}

// Archive receives every Result the pipeline produces.
type Archive interface {
	AddResult(ctx context.Context, task taskgraph.Task, stage taskgraph.StageDef, res taskgraph.Result) error
}

// Coordinator owns Task and SubTask creation and dispatch.
type Coordinator struct {
	repo     *taskgraph.Repo
	agents   *registry.Registry
	sender   dispatch.Sender
	logger   *log.Logger
	owner    string
	claimTTL time.Duration
	events   Events
	archive  Archive
	tracer   trace.Tracer

	active sync.Map

	pipelinesStarted   otelmetric.Int64Counter
	pipelinesCompleted otelmetric.Int64Counter
	pipelinesFailed    otelmetric.Int64Counter
	stagesDispatched   otelmetric.Int64Counter
	stagesFailed       otelmetric.Int64Counter
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(l *log.Logger) Option { return func(c *Coordinator) { c.logger = l } }

// WithOwner sets the claim owner id; it must be unique per process.
func WithOwner(owner string) Option { return func(c *Coordinator) { c.owner = owner } }

// WithClaimTTL sets the Task lease length. It must exceed one stage timeout.
func WithClaimTTL(d time.Duration) Option { return func(c *Coordinator) { c.claimTTL = d } }

func WithEvents(e Events) Option { return func(c *Coordinator) { c.events = e } }

func WithArchive(a Archive) Option { return func(c *Coordinator) { c.archive = a } }

func WithTracer(t trace.Tracer) Option { return func(c *Coordinator) { c.tracer = t } }

func WithMeter(m otelmetric.Meter) Option {
	return func(c *Coordinator) {
		if m == nil {
			return
		}
		counter := func(name string) otelmetric.Int64Counter {
			ctr, err := m.Int64Counter(name)
			if err != nil && c.logger != nil {
				c.logger.Printf("warn: create %s counter failed: %v", name, err)
			}
			return ctr
		}
		c.pipelinesStarted = counter("pipelines_started_total")
		c.pipelinesCompleted = counter("pipelines_completed_total")
		c.pipelinesFailed = counter("pipelines_failed_total")
		c.stagesDispatched = counter("stages_dispatched_total")
		c.stagesFailed = counter("stages_failed_total")
	}
}

func New(repo *taskgraph.Repo, agents *registry.Registry, sender dispatch.Sender, opts ...Option) *Coordinator {
	c := &Coordinator{
		repo:     repo,
		agents:   agents,
		sender:   sender,
		claimTTL: dispatch.DefaultTimeout + time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.New(io.Discard, "", 0)
	}
	if c.owner == "" {
		c.owner = DefaultOwner()
	}
	if c.tracer == nil {
		c.tracer = noop.NewTracerProvider().Tracer("coordinator")
	}
	return c
}

// DefaultOwner builds a claim owner id from host, pid and a random suffix.
func DefaultOwner() string {
	host, _ := os.Hostname()
	if host == "" {
		host = "coordinator"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Owner returns the claim owner id.
func (c *Coordinator) Owner() string { return c.owner }

// Bootstrap registers the coordination agent and every worker agent.
func (c *Coordinator) Bootstrap(ctx context.Context) error {
	return c.agents.RegisterCoordination(ctx, taskgraph.WorkerTypes())
}

// Submit validates and persists a new pending Task.
func (c *Coordinator) Submit(ctx context.Context, in protocol.CreateTaskRequest) (taskgraph.Task, error) {
	in.TaskType = strings.TrimSpace(in.TaskType)
	in.TargetURL = strings.TrimSpace(in.TargetURL)
	if in.TaskType == "" {
		return taskgraph.Task{}, fmt.Errorf("%w: task_type is required", ErrInvalidRequest)
	}
	u, err := url.Parse(in.TargetURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return taskgraph.Task{}, fmt.Errorf("%w: target_url must be an absolute http(s) url", ErrInvalidRequest)
	}
	task, err := c.repo.CreateTask(ctx, taskgraph.NewTask{
		Type:          in.TaskType,
		TargetURL:     in.TargetURL,
		AnalysisScope: in.AnalysisScope,
		Priority:      in.Priority,
	})
	if err != nil {
		return taskgraph.Task{}, err
	}
	c.logger.Printf("task %s created (%s %s)", task.ID, task.Type, task.TargetURL)
	c.emit(ctx, task.ID, taskgraph.StatusPending, "")
	return task, nil
}

// Run drives one Task to a terminal state. Tasks that are already terminal
// are left alone; a running Task whose previous owner lost its claim is
// marked failed rather than resumed.
func (c *Coordinator) Run(ctx context.Context, taskID string) error {
	if _, loaded := c.active.LoadOrStore(taskID, struct{}{}); loaded {
		return fmt.Errorf("run task %s: %w", taskID, taskgraph.ErrTaskClaimed)
	}
	defer c.active.Delete(taskID)

	task, err := c.repo.ClaimTask(ctx, taskID, c.owner, c.claimTTL)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.repo.ReleaseTask(context.WithoutCancel(ctx), taskID, c.owner); err != nil {
			c.logger.Printf("warn: %v", err)
		}
	}()

	switch task.Status {
	case taskgraph.StatusCompleted, taskgraph.StatusFailed:
		c.logger.Printf("task %s already %s", taskID, task.Status)
		return nil
	case taskgraph.StatusRunning:
		c.abandon(ctx, task)
		return nil
	}

	ctx, span := c.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(attribute.String("task_id", taskID)))
	defer span.End()

	if _, err := c.repo.SetTaskStatus(ctx, taskID, taskgraph.StatusRunning, ""); err != nil {
		return err
	}
	c.add(ctx, c.pipelinesStarted)
	c.emit(ctx, taskID, taskgraph.StatusRunning, "")

	dependsOn := ""
	for _, stage := range taskgraph.Pipeline {
		if _, err := c.repo.ClaimTask(ctx, taskID, c.owner, c.claimTTL); err != nil {
			c.failTask(ctx, taskID, fmt.Sprintf("%s: lost claim: %v", stage.Name, err))
			return err
		}
		sub, err := c.runStage(ctx, task, stage, dependsOn)
		if err != nil {
			span.RecordError(err)
			c.failTask(ctx, taskID, fmt.Sprintf("%s: %v", stage.Name, err))
			return err
		}
		dependsOn = sub.ID
	}

	if _, err := c.repo.SetTaskStatus(ctx, taskID, taskgraph.StatusCompleted, ""); err != nil {
		return err
	}
	c.add(ctx, c.pipelinesCompleted)
	c.emit(ctx, taskID, taskgraph.StatusCompleted, "")
	c.logger.Printf("task %s completed", taskID)
	return nil
}

func (c *Coordinator) runStage(ctx context.Context, task taskgraph.Task, stage taskgraph.StageDef, dependsOn string) (taskgraph.SubTask, error) {
	ctx, span := c.tracer.Start(ctx, "pipeline.stage", trace.WithAttributes(
		attribute.String("task_id", task.ID),
		attribute.String("stage", stage.Name),
	))
	defer span.End()

	params := taskgraph.Parameters{DependsOn: dependsOn, Scope: task.AnalysisScope, Priority: task.Priority}
	if stage.Name == taskgraph.Pipeline[0].Name {
		params.TargetURL = task.TargetURL
	}
	sub, err := c.repo.CreateSubTask(ctx, task.ID, stage, params)
	if err != nil {
		return taskgraph.SubTask{}, err
	}

	lease := c.agents.Acquire(ctx, sub.AgentID, sub.ID)
	defer func() { _ = lease.Release(ctx) }()

	if err := c.repo.MarkSubTaskRunning(ctx, sub.ID); err != nil {
		c.failSubTask(ctx, sub.ID, err)
		return sub, err
	}
	c.add(ctx, c.stagesDispatched, attribute.String("stage", stage.Name))
	c.logger.Printf("task %s: dispatching %s subtask %s", task.ID, stage.Name, sub.ID)

	if _, err := c.sender.Send(ctx, dispatch.Request{
		AgentType: stage.AgentType,
		SubTaskID: sub.ID,
		TaskType:  stage.TaskType,
		Params:    params,
	}); err != nil {
		c.failSubTask(ctx, sub.ID, err)
		return sub, err
	}

	res, err := c.repo.ResultFor(ctx, sub.ID)
	if err != nil {
		err = fmt.Errorf("agent reported success without a result: %w", err)
		c.failSubTask(ctx, sub.ID, err)
		return sub, err
	}
	if c.archive != nil {
		if err := c.archive.AddResult(ctx, task, stage, res); err != nil {
			c.logger.Printf("warn: archive result %s: %v", res.ID, err)
		}
	}
	return sub, nil
}

// abandon fails a Task left running by a coordinator whose claim expired,
// along with its unfinished SubTasks.
func (c *Coordinator) abandon(ctx context.Context, task taskgraph.Task) {
	c.logger.Printf("warn: task %s was abandoned while running; marking failed", task.ID)
	subs, err := c.repo.SubTasks(ctx, task.ID)
	if err != nil {
		c.logger.Printf("warn: list subtasks of %s: %v", task.ID, err)
	}
	for _, s := range subs {
		if !s.Status.Terminal() {
			c.failSubTask(ctx, s.ID, errors.New("abandoned"))
		}
	}
	c.failTask(ctx, task.ID, "abandoned by previous coordinator")
}

func (c *Coordinator) failSubTask(ctx context.Context, id string, cause error) {
	c.add(ctx, c.stagesFailed)
	if err := c.repo.FailSubTask(context.WithoutCancel(ctx), id, cause.Error()); err != nil {
		c.logger.Printf("warn: %v", err)
	}
}

func (c *Coordinator) failTask(ctx context.Context, id, reason string) {
	ctx = context.WithoutCancel(ctx)
	c.logger.Printf("task %s failed: %s", id, reason)
	if _, err := c.repo.SetTaskStatus(ctx, id, taskgraph.StatusFailed, reason); err != nil {
		c.logger.Printf("warn: %v", err)
		return
	}
	c.add(ctx, c.pipelinesFailed)
	c.emit(ctx, id, taskgraph.StatusFailed, reason)
}

// Recover fails running Tasks whose claim has lapsed and returns the ids of
// Tasks that were accepted but never started.
func (c *Coordinator) Recover(ctx context.Context) ([]string, error) {
	running, err := c.repo.ListTasks(ctx, taskgraph.StatusRunning)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for _, t := range running {
		if t.ClaimedBy != "" && t.ClaimExpiresAt.After(now) {
			continue
		}
		if err := c.Run(ctx, t.ID); err != nil && !errors.Is(err, taskgraph.ErrTaskClaimed) {
			c.logger.Printf("warn: recover task %s: %v", t.ID, err)
		}
	}
	pending, err := c.repo.ListTasks(ctx, taskgraph.StatusPending)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(pending))
	for _, t := range pending {
		ids = append(ids, t.ID)
	}
	return ids, nil
}

// Status returns the client view of a Task.
func (c *Coordinator) Status(ctx context.Context, taskID string) (protocol.TaskStatusResponse, error) {
	view, err := c.repo.TaskView(ctx, taskID)
	if err != nil {
		return protocol.TaskStatusResponse{}, err
	}
	out := protocol.TaskStatusResponse{
		TaskID:   view.ID,
		Status:   string(view.Status),
		Type:     view.Type,
		Error:    view.Error,
		SubTasks: make([]protocol.SubTaskSummary, 0, len(view.SubTasks)),
	}
	if !view.CreatedAt.IsZero() {
		out.CreatedAt = view.CreatedAt.UTC().Format(time.RFC3339)
	}
	for _, s := range view.SubTasks {
		out.SubTasks = append(out.SubTasks, protocol.SubTaskSummary{ID: s.ID, Type: s.Type, Status: string(s.Status)})
	}
	return out, nil
}

// Agents lists every registered agent.
func (c *Coordinator) Agents(ctx context.Context) ([]registry.AgentStatus, error) {
	return c.agents.ListStatus(ctx)
}

func (c *Coordinator) emit(ctx context.Context, taskID string, status taskgraph.Status, reason string) {
	if c.events == nil {
		return
	}
	if err := c.events.TaskStatus(context.WithoutCancel(ctx), taskID, status, reason); err != nil {
		c.logger.Printf("warn: publish task %s status: %v", taskID, err)
	}
}

func (c *Coordinator) add(ctx context.Context, ctr otelmetric.Int64Counter, attrs ...attribute.KeyValue) {
	if ctr == nil {
		return
	}
	ctr.Add(ctx, 1, otelmetric.WithAttributes(attrs...))
}
