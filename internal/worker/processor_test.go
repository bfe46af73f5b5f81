package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mohammad-safakhou/taskgraph/internal/graph"
	"github.com/mohammad-safakhou/taskgraph/internal/queue/streams"
	"github.com/mohammad-safakhou/taskgraph/internal/taskgraph"
)

type fakeRunner struct {
	mu      sync.Mutex
	runs    []string
	errs    map[string]error
	pending []string
}

func (f *fakeRunner) Run(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, id)
	return f.errs[id]
}

func (f *fakeRunner) Recover(context.Context) ([]string, error) { return f.pending, nil }

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

type fakeSource struct {
	mu      sync.Mutex
	batches [][]streams.Message
	acked   []string
}

func (f *fakeSource) Read(ctx context.Context) ([]streams.Message, error) {
	f.mu.Lock()
	if len(f.batches) > 0 {
		b := f.batches[0]
		f.batches = f.batches[1:]
		f.mu.Unlock()
		return b, nil
	}
	f.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return nil, nil
	}
}

func (f *fakeSource) Ack(_ context.Context, ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, ids...)
	return nil
}

func (f *fakeSource) Reclaim(context.Context, time.Duration, string) ([]streams.Message, string, error) {
	return nil, "0-0", nil
}

func (f *fakeSource) Pending(context.Context) (int64, error) { return 0, nil }

type fakeSink struct{ published []streams.Envelope }

func (f *fakeSink) Publish(_ context.Context, _ string, env streams.Envelope) (string, error) {
	f.published = append(f.published, env)
	return "1-0", nil
}

func enqueued(t *testing.T, id string, attempt int) streams.Message {
	t.Helper()
	data, err := json.Marshal(streams.TaskEnqueued{TaskID: id, TaskType: "competitor_analysis", TargetURL: "https://example.com"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return streams.Message{ID: "m-" + id, Envelope: streams.Envelope{
		EventID: "e-" + id, EventType: streams.EventTaskEnqueued, PayloadVersion: "v1", Attempt: attempt, Data: data,
	}}
}

func TestHandleRequeuesTransientFailure(t *testing.T) {
	runner := &fakeRunner{errs: map[string]error{
		"t-1": fmt.Errorf("claim task t-1: %w", graph.ErrUnavailable),
	}}
	sink := &fakeSink{}
	p := NewProcessor(runner, &fakeSource{}, sink, WithMaxAttempts(3))

	p.Handle(context.Background(), enqueued(t, "t-1", 0))
	if len(sink.published) != 1 || sink.published[0].Attempt != 1 {
		t.Fatalf("expected one redelivery at attempt 1, got %+v", sink.published)
	}
	p.Handle(context.Background(), enqueued(t, "t-1", 2))
	if len(sink.published) != 1 {
		t.Fatalf("attempts exhausted; no further redelivery expected, got %d", len(sink.published))
	}
}

func TestHandleFinalErrors(t *testing.T) {
	runner := &fakeRunner{errs: map[string]error{
		"claimed": taskgraph.ErrTaskClaimed,
		"failed":  errors.New("research: agent call timed out"),
	}}
	sink := &fakeSink{}
	p := NewProcessor(runner, &fakeSource{}, sink)
	for _, id := range []string{"claimed", "failed"} {
		p.Handle(context.Background(), enqueued(t, id, 0))
	}
	bad := enqueued(t, "x", 0)
	bad.Envelope.EventType = streams.EventTaskStatus
	p.Handle(context.Background(), bad)

	if len(sink.published) != 0 {
		t.Fatalf("final errors must not be requeued: %+v", sink.published)
	}
	if runner.count() != 2 {
		t.Fatalf("undecodable message must not run, got %v", runner.runs)
	}
}

func TestStartProcessesAndAcks(t *testing.T) {
	runner := &fakeRunner{pending: []string{"resumed"}}
	src := &fakeSource{batches: [][]streams.Message{{enqueued(t, "t-1", 0), enqueued(t, "t-2", 0)}}}
	p := NewProcessor(runner, src, &fakeSink{}, WithConcurrency(2))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Start(ctx) }()

	deadline := time.After(2 * time.Second)
	for runner.count() < 3 {
		select {
		case <-deadline:
			t.Fatalf("timed out; runs so far %v", runner.runs)
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("start: %v", err)
	}
	src.mu.Lock()
	defer src.mu.Unlock()
	if len(src.acked) != 2 {
		t.Fatalf("expected both messages acked, got %v", src.acked)
	}
}
