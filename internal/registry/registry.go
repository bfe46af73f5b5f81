// Package registry is the store-backed record of worker agents, their
// capabilities and availability.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/mohammad-safakhou/taskgraph/internal/backoff"
	"github.com/mohammad-safakhou/taskgraph/internal/graph"
	"github.com/mohammad-safakhou/taskgraph/internal/taskgraph"
)

const (
	StatusAvailable = "available"
	StatusBusy      = "busy"
	StatusUnknown   = "unknown"
)

// DefaultCapabilities maps agent types to the capability tags they advertise.
var DefaultCapabilities = map[string][]string{
	"research":                  {"web_scraping", "data_collection", "market_research"},
	"analysis":                  {"data_processing", "pattern_recognition", "insights_generation"},
	"strategy":                  {"strategy_formulation", "competitive_analysis", "recommendations"},
	"report":                    {"report_generation", "markdown_formatting", "visualization"},
	taskgraph.CoordinationType: {"task_distribution", "workflow_management"},
}

// CapabilitiesFor returns the default capability set of an agent type.
func CapabilitiesFor(agentType string) []string {
	return append([]string(nil), DefaultCapabilities[agentType]...)
}

// AgentStatus is the externally visible snapshot of one agent.
type AgentStatus struct {
	AgentID      string   `json:"agent_id"`
	AgentType    string   `json:"agent_type"`
	Status       string   `json:"status"`
	CurrentTask  string   `json:"current_task"`
	Capabilities []string `json:"capabilities"`
}

// Registry reads and writes Agent nodes.
type Registry struct {
	store  graph.Store
	cache  Cache
	policy backoff.Policy
	logger *log.Logger
	now    func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithCache enables a read-through cache for ListStatus.
func WithCache(c Cache) Option { return func(r *Registry) { r.cache = c } }

// WithPolicy sets the retry policy used by Register.
func WithPolicy(p backoff.Policy) Option { return func(r *Registry) { r.policy = p } }

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option { return func(r *Registry) { r.logger = l } }

func New(store graph.Store, opts ...Option) *Registry {
	r := &Registry{store: store, policy: backoff.Default(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = log.New(io.Discard, "", 0)
	}
	return r
}

// Register upserts the agent of agentType. Type and capabilities are
// overwritten; status fields are only initialised on first registration so
// a restart of one process does not clobber a live assignment. Store
// unavailability is retried with the configured policy.
func (r *Registry) Register(ctx context.Context, agentType string, capabilities []string) error {
	if agentType == "" {
		return fmt.Errorf("register agent: type is required")
	}
	if capabilities == nil {
		capabilities = CapabilitiesFor(agentType)
	}
	id := taskgraph.AgentID(agentType)
	err := backoff.Retry(ctx, r.policy, func(ctx context.Context) error {
		_, err := r.store.UpdateNode(ctx, taskgraph.LabelAgent, id, func(cur graph.Props, exists bool) (graph.Props, error) {
			next := graph.Props{}
			if exists {
				next = cur.Clone()
			}
			next["type"] = agentType
			next["capabilities"] = capabilities
			if next.String("status") == "" {
				next["status"] = StatusAvailable
				next["current_task"] = ""
			}
			next["registered_at"] = graph.Timestamp(r.now())
			return next, nil
		})
		if err != nil && !errors.Is(err, graph.ErrUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}, func(err error, attempt int, next time.Duration) {
		r.logger.Printf("warn: register %s (attempt %d): %v; retrying in %s", id, attempt, err, next)
	})
	if err != nil {
		return fmt.Errorf("register agent %s: %w", id, err)
	}
	r.invalidate(ctx)
	return nil
}

// RegisterCoordination registers the coordination agent and links it to
// every worker type with COORDINATES. Workers are registered first.
func (r *Registry) RegisterCoordination(ctx context.Context, workerTypes []string) error {
	for _, t := range workerTypes {
		if err := r.Register(ctx, t, nil); err != nil {
			return err
		}
	}
	if err := r.Register(ctx, taskgraph.CoordinationType, nil); err != nil {
		return err
	}
	coord := graph.Ref{Label: taskgraph.LabelAgent, ID: taskgraph.AgentID(taskgraph.CoordinationType)}
	for _, t := range workerTypes {
		to := graph.Ref{Label: taskgraph.LabelAgent, ID: taskgraph.AgentID(t)}
		if err := r.store.CreateEdge(ctx, taskgraph.RelCoordinates, coord, to); err != nil {
			return fmt.Errorf("link coordination agent to %s: %w", to.ID, err)
		}
	}
	return nil
}

// SetStatus overwrites the agent's status fields. An available agent never
// keeps a current task.
func (r *Registry) SetStatus(ctx context.Context, agentID, status, currentTask string) error {
	if status == StatusAvailable {
		currentTask = ""
	}
	err := r.store.MergeNode(ctx, taskgraph.LabelAgent, agentID, graph.Props{
		"status":       status,
		"current_task": currentTask,
		"updated_at":   graph.Timestamp(r.now()),
	})
	r.invalidate(ctx)
	if err != nil {
		return fmt.Errorf("set agent %s status: %w", agentID, err)
	}
	return nil
}

// Reset marks the agent available. Called when an agent process starts.
func (r *Registry) Reset(ctx context.Context, agentID string) error {
	return r.SetStatus(ctx, agentID, StatusAvailable, "")
}

// Get returns one agent snapshot.
func (r *Registry) Get(ctx context.Context, agentID string) (AgentStatus, bool, error) {
	n, ok, err := r.store.MatchOne(ctx, graph.Pattern{Label: taskgraph.LabelAgent, ID: agentID})
	if err != nil || !ok {
		return AgentStatus{}, ok, err
	}
	return statusFromNode(n), true, nil
}

// ListStatus returns every agent. Missing fields are defaulted rather than
// failing the listing.
func (r *Registry) ListStatus(ctx context.Context) ([]AgentStatus, error) {
	var gen int64
	cacheable := false
	if r.cache != nil {
		if cached, ok, err := r.cache.Get(ctx); err != nil {
			r.logger.Printf("warn: agent cache read: %v", err)
		} else if ok {
			return cached, nil
		}
		// the generation is read before the store so a write that lands
		// during the listing stops it from being cached
		if g, err := r.cache.Generation(ctx); err != nil {
			r.logger.Printf("warn: agent cache generation: %v", err)
		} else {
			gen, cacheable = g, true
		}
	}
	nodes, err := r.store.MatchAll(ctx, graph.Pattern{Label: taskgraph.LabelAgent})
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	out := make([]AgentStatus, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, statusFromNode(n))
	}
	if cacheable {
		if err := r.cache.Set(ctx, gen, out); err != nil {
			r.logger.Printf("warn: agent cache write: %v", err)
		}
	}
	return out, nil
}

func (r *Registry) invalidate(ctx context.Context) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Invalidate(context.WithoutCancel(ctx)); err != nil {
		r.logger.Printf("warn: agent cache invalidate: %v", err)
	}
}

func statusFromNode(n graph.Node) AgentStatus {
	p := n.Props
	orUnknown := func(s string) string {
		if s == "" {
			return StatusUnknown
		}
		return s
	}
	caps := p.Strings("capabilities")
	if caps == nil {
		caps = []string{}
	}
	return AgentStatus{
		AgentID:      orUnknown(n.ID),
		AgentType:    orUnknown(p.String("type")),
		Status:       orUnknown(p.String("status")),
		CurrentTask:  p.String("current_task"),
		Capabilities: caps,
	}
}

// Lease marks an agent busy with one subtask until released.
type Lease struct {
	AgentID   string
	SubTaskID string

	reg  *Registry
	once sync.Once
	err  error
}

// Acquire marks agentID busy with subtaskID. A failed status write is logged
// and the returned lease is still usable; availability is eventually
// consistent rather than tied to the stage outcome.
func (r *Registry) Acquire(ctx context.Context, agentID, subtaskID string) *Lease {
	if err := r.SetStatus(ctx, agentID, StatusBusy, subtaskID); err != nil {
		r.logger.Printf("warn: acquire %s for %s: %v", agentID, subtaskID, err)
	}
	return &Lease{AgentID: agentID, SubTaskID: subtaskID, reg: r}
}

// Release returns the agent to available if it is still busy with this
// lease's subtask. It is safe to call more than once and runs even when ctx
// is already cancelled.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	l.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		r := l.reg
		_, err := r.store.UpdateNode(ctx, taskgraph.LabelAgent, l.AgentID, func(cur graph.Props, exists bool) (graph.Props, error) {
			if !exists || cur.String("status") != StatusBusy || cur.String("current_task") != l.SubTaskID {
				return nil, nil
			}
			next := cur.Clone()
			next["status"] = StatusAvailable
			next["current_task"] = ""
			next["updated_at"] = graph.Timestamp(r.now())
			return next, nil
		})
		r.invalidate(ctx)
		if err != nil {
			l.err = fmt.Errorf("release %s: %w", l.AgentID, err)
			r.logger.Printf("warn: %v", l.err)
		}
	})
	return l.err
}
