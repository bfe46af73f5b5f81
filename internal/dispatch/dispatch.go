// Package dispatch delivers SubTasks to remote worker agents.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/mohammad-safakhou/taskgraph/internal/protocol"
	"github.com/mohammad-safakhou/taskgraph/internal/taskgraph"
)

const (
	// DefaultTimeout bounds one stage call; stages are LLM backed.
	DefaultTimeout = 120 * time.Second
	// DefaultTemplate resolves an agent type to its service address.
	DefaultTemplate = "http://marketing_analysis_%s_agent:8000"

	researchType = "research"
)

var (
	ErrTimeout     = errors.New("agent call timed out")
	ErrUnreachable = errors.New("agent unreachable")
)

// StageError is a reply the agent produced but that does not report success.
type StageError struct {
	AgentType  string
	SubTaskID  string
	StatusCode int
	Message    string
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s agent rejected subtask %s (http %d): %s", e.AgentType, e.SubTaskID, e.StatusCode, e.Message)
}

// Endpoints maps an agent type to its base URL.
type Endpoints struct {
	Template  string            // fmt template with one %s for the agent type
	Overrides map[string]string // agent type -> base URL
}

// Resolve returns the task URL of agentType.
func (e Endpoints) Resolve(agentType string) (string, error) {
	if agentType == "" {
		return "", fmt.Errorf("resolve endpoint: agent type is required")
	}
	base := e.Overrides[agentType]
	if base == "" {
		tpl := e.Template
		if tpl == "" {
			tpl = DefaultTemplate
		}
		if strings.Contains(tpl, "%s") {
			base = fmt.Sprintf(tpl, agentType)
		} else {
			base = tpl
		}
	}
	return strings.TrimRight(base, "/") + "/task", nil
}

// Request is one stage invocation.
type Request struct {
	AgentType string
	SubTaskID string
	TaskType  string
	Params    taskgraph.Parameters
}

// Sender is what the coordinator needs from a dispatcher.
type Sender interface {
	Send(ctx context.Context, req Request) (protocol.Outcome, error)
}

// Dispatcher sends each request once. It never retries: a stage may already
// have written its Result.
type Dispatcher struct {
	client    *http.Client
	endpoints Endpoints
	timeout   time.Duration
	logger    *log.Logger

	latency  otelmetric.Float64Histogram
	failures otelmetric.Int64Counter
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithTimeout(d time.Duration) Option { return func(x *Dispatcher) { x.timeout = d } }

func WithHTTPClient(c *http.Client) Option { return func(x *Dispatcher) { x.client = c } }

func WithLogger(l *log.Logger) Option { return func(x *Dispatcher) { x.logger = l } }

// WithMeter records dispatch latency and failures.
func WithMeter(m otelmetric.Meter) Option {
	return func(x *Dispatcher) {
		if m == nil {
			return
		}
		var err error
		if x.latency, err = m.Float64Histogram("dispatch_latency_seconds"); err != nil && x.logger != nil {
			x.logger.Printf("warn: create dispatch latency histogram failed: %v", err)
		}
		if x.failures, err = m.Int64Counter("dispatch_failures_total"); err != nil && x.logger != nil {
			x.logger.Printf("warn: create dispatch failure counter failed: %v", err)
		}
	}
}

func New(endpoints Endpoints, opts ...Option) *Dispatcher {
	d := &Dispatcher{endpoints: endpoints, timeout: DefaultTimeout, logger: log.Default()}
	for _, opt := range opts {
		opt(d)
	}
	if d.client == nil {
		d.client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if d.timeout <= 0 {
		d.timeout = DefaultTimeout
	}
	return d
}

// Send delivers req and interprets the reply. Failures are ErrTimeout,
// ErrUnreachable or *StageError.
func (d *Dispatcher) Send(ctx context.Context, req Request) (protocol.Outcome, error) {
	start := time.Now()
	out, err := d.send(ctx, req)
	attrs := otelmetric.WithAttributes(attribute.String("agent_type", req.AgentType))
	if d.latency != nil {
		d.latency.Record(ctx, time.Since(start).Seconds(), attrs)
	}
	if err != nil {
		if d.failures != nil {
			d.failures.Add(ctx, 1, attrs)
		}
		return protocol.Outcome{}, fmt.Errorf("dispatch %s to %s: %w", req.SubTaskID, req.AgentType, err)
	}
	return out, nil
}

func (d *Dispatcher) send(ctx context.Context, req Request) (protocol.Outcome, error) {
	url, err := d.endpoints.Resolve(req.AgentType)
	if err != nil {
		return protocol.Outcome{}, err
	}
	body, err := payloadFor(req)
	if err != nil {
		return protocol.Outcome{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return protocol.Outcome{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return protocol.Outcome{}, classify(ctx, callCtx, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return protocol.Outcome{}, classify(ctx, callCtx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return protocol.Outcome{}, &StageError{
			AgentType:  req.AgentType,
			SubTaskID:  req.SubTaskID,
			StatusCode: resp.StatusCode,
			Message:    messageOf(raw, resp.Status),
		}
	}

	out, err := decodeOutcome(req.AgentType, raw)
	if err != nil {
		return protocol.Outcome{}, &StageError{AgentType: req.AgentType, SubTaskID: req.SubTaskID, StatusCode: resp.StatusCode, Message: err.Error()}
	}
	if out.Status != protocol.StatusCompleted {
		msg := out.Message
		if msg == "" {
			msg = "status " + out.Status
		}
		return protocol.Outcome{}, &StageError{AgentType: req.AgentType, SubTaskID: req.SubTaskID, StatusCode: resp.StatusCode, Message: msg}
	}
	if out.SubTaskID != "" && out.SubTaskID != req.SubTaskID {
		return protocol.Outcome{}, &StageError{
			AgentType:  req.AgentType,
			SubTaskID:  req.SubTaskID,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("reply names subtask %s", out.SubTaskID),
		}
	}
	d.logger.Printf("subtask %s accepted by %s agent: %s", req.SubTaskID, req.AgentType, out.Message)
	return out, nil
}

func payloadFor(req Request) ([]byte, error) {
	if req.AgentType == researchType {
		scope := req.Params.Scope
		if scope == nil {
			scope = []string{}
		}
		priority := req.Params.Priority
		if priority == "" {
			priority = "medium"
		}
		return json.Marshal(protocol.ResearchRequest{
			TaskID:        req.SubTaskID,
			TargetURL:     req.Params.TargetURL,
			AnalysisScope: scope,
			Priority:      priority,
		})
	}
	params, err := json.Marshal(req.Params)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}
	return json.Marshal(protocol.StageRequest{SubTaskID: req.SubTaskID, TaskType: req.TaskType, Parameters: params})
}

func decodeOutcome(agentType string, raw []byte) (protocol.Outcome, error) {
	if agentType == researchType {
		var r protocol.ResearchResponse
		if err := json.Unmarshal(raw, &r); err != nil {
			return protocol.Outcome{}, fmt.Errorf("decode research reply: %w", err)
		}
		return r.Outcome(), nil
	}
	var r protocol.StageResponse
	if err := json.Unmarshal(raw, &r); err != nil {
		return protocol.Outcome{}, fmt.Errorf("decode stage reply: %w", err)
	}
	return r.Outcome(), nil
}

// messageOf extracts a human readable reason from an error body of any shape.
func messageOf(raw []byte, fallback string) string {
	if gjson.ValidBytes(raw) {
		for _, path := range []string{"message", "error", "detail"} {
			if v := gjson.GetBytes(raw, path); v.Exists() && v.String() != "" {
				return v.String()
			}
		}
	}
	if s := strings.TrimSpace(string(raw)); s != "" {
		if len(s) > 512 {
			s = s[:512]
		}
		return s
	}
	return fallback
}

// classify maps transport failures onto ErrTimeout and ErrUnreachable. A
// cancelled parent context is returned as is.
func classify(parent, call context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	var netErr net.Error
	if errors.Is(call.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}
