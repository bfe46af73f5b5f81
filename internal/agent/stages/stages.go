// Package stages holds the domain work of each pipeline stage. Every
// processor turns its parameters and the upstream Result into the content of
// its own Result.
package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/mohammad-safakhou/taskgraph/internal/llm"
	"github.com/mohammad-safakhou/taskgraph/internal/taskgraph"
)

// ErrInvalidInput marks parameters or upstream content a stage cannot use.
var ErrInvalidInput = errors.New("invalid stage input")

// Input is what a processor receives.
type Input struct {
	SubTaskID string
	TaskType  string
	Params    taskgraph.Parameters
	Upstream  *taskgraph.Result
}

// upstream returns the upstream content as a gjson document.
func (in Input) upstream() (gjson.Result, error) {
	if in.Upstream == nil {
		return gjson.Result{}, fmt.Errorf("%w: stage requires an upstream result", ErrInvalidInput)
	}
	raw, err := json.Marshal(in.Upstream.Content)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%w: encode upstream: %v", ErrInvalidInput, err)
	}
	return gjson.ParseBytes(raw), nil
}

// Processor performs one stage.
type Processor interface {
	Process(ctx context.Context, in Input) (taskgraph.Content, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, in Input) (taskgraph.Content, error)

func (f ProcessorFunc) Process(ctx context.Context, in Input) (taskgraph.Content, error) {
	return f(ctx, in)
}

// Deps are the collaborators stage processors may use.
type Deps struct {
	HTTPClient   *http.Client
	FetchTimeout time.Duration
	LLM          llm.Provider // optional
	MaxTextChars int
}

// New returns the processor for agentType.
func New(agentType string, deps Deps) (Processor, error) {
	switch agentType {
	case "research":
		return NewResearch(deps), nil
	case "analysis":
		return &Analysis{LLM: deps.LLM}, nil
	case "strategy":
		return &Strategy{LLM: deps.LLM}, nil
	case "report":
		return &Report{}, nil
	}
	return nil, fmt.Errorf("no stage processor for agent type %q", agentType)
}

func now() string { return time.Now().UTC().Format(time.RFC3339) }

func stringsOf(r gjson.Result) []string {
	var out []string
	for _, v := range r.Array() {
		if s := v.String(); s != "" {
			out = append(out, s)
		}
	}
	return out
}
