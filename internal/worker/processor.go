// Package worker consumes task.enqueued events and runs each pipeline.
package worker

import (
	"context"
	"errors"
	"io"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/mohammad-safakhou/taskgraph/internal/graph"
	"github.com/mohammad-safakhou/taskgraph/internal/queue"
	"github.com/mohammad-safakhou/taskgraph/internal/queue/streams"
	"github.com/mohammad-safakhou/taskgraph/internal/taskgraph"
)

const (
	defaultMaxAttempts = 5
	defaultReclaimIdle = 5 * time.Minute
	drainTimeout       = 30 * time.Second
)

// Runner is the part of the coordinator the worker drives.
type Runner interface {
	Run(ctx context.Context, taskID string) error
	Recover(ctx context.Context) ([]string, error)
}

// Source is the consumer group member reading task.enqueued entries.
type Source interface {
	Read(ctx context.Context) ([]streams.Message, error)
	Ack(ctx context.Context, ids ...string) error
	Reclaim(ctx context.Context, minIdle time.Duration, start string) ([]streams.Message, string, error)
	Pending(ctx context.Context) (int64, error)
}

// Sink republishes envelopes that hit a transient failure.
type Sink interface {
	Publish(ctx context.Context, stream string, envelope streams.Envelope) (string, error)
}

// Processor runs one pipeline per task.enqueued event on a bounded pool.
type Processor struct {
	logger      *log.Logger
	runner      Runner
	source      Source
	sink        Sink
	stream      string
	pool        *queue.Pool
	tracer      trace.Tracer
	maxAttempts int
	reclaimIdle time.Duration

	runCounter   otelmetric.Int64Counter
	retryCounter otelmetric.Int64Counter
	dropCounter  otelmetric.Int64Counter
}

// Option configures a Processor.
type Option func(*Processor)

func WithLogger(l *log.Logger) Option { return func(p *Processor) { p.logger = l } }

func WithConcurrency(n int) Option { return func(p *Processor) { p.pool = queue.NewPool(n) } }

func WithMaxAttempts(n int) Option { return func(p *Processor) { p.maxAttempts = n } }

// WithReclaimIdle sets how long an unacked entry of a dead consumer waits
// before this worker claims it.
func WithReclaimIdle(d time.Duration) Option { return func(p *Processor) { p.reclaimIdle = d } }

func WithTracer(t trace.Tracer) Option { return func(p *Processor) { p.tracer = t } }

func WithMeter(m otelmetric.Meter) Option {
	return func(p *Processor) {
		if m == nil {
			return
		}
		var err error
		if p.runCounter, err = m.Int64Counter("worker_runs_processed"); err != nil && p.logger != nil {
			p.logger.Printf("warn: create run counter failed: %v", err)
		}
		if p.retryCounter, err = m.Int64Counter("worker_run_retries"); err != nil && p.logger != nil {
			p.logger.Printf("warn: create retry counter failed: %v", err)
		}
		if p.dropCounter, err = m.Int64Counter("worker_runs_dropped"); err != nil && p.logger != nil {
			p.logger.Printf("warn: create drop counter failed: %v", err)
		}
	}
}

func NewProcessor(runner Runner, source Source, sink Sink, opts ...Option) *Processor {
	p := &Processor{
		runner:      runner,
		source:      source,
		sink:        sink,
		stream:      streams.StreamTasks,
		maxAttempts: defaultMaxAttempts,
		reclaimIdle: defaultReclaimIdle,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = log.New(io.Discard, "", 0)
	}
	if p.pool == nil {
		p.pool = queue.NewPool(4)
	}
	if p.tracer == nil {
		p.tracer = noop.NewTracerProvider().Tracer("worker")
	}
	return p
}

// Start blocks, processing task.enqueued events until ctx is cancelled, then
// waits for running pipelines.
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Printf("worker processor starting; consuming stream %s", p.stream)
	p.resume(ctx)
	p.reclaim(ctx)
	if n, err := p.source.Pending(ctx); err != nil {
		p.logger.Printf("warn: count pending entries: %v", err)
	} else if n > 0 {
		p.logger.Printf("%d entries delivered but not yet acked", n)
	}

	for ctx.Err() == nil {
		msgs, err := p.source.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			p.logger.Printf("error reading stream: %v", err)
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range msgs {
			p.submit(ctx, msg)
		}
	}
	p.logger.Printf("worker processor stopping: %v", ctx.Err())
	drain, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := p.pool.Close(drain); err != nil {
		p.logger.Printf("warn: pipelines still running at shutdown: %v", err)
	}
	return nil
}

func (p *Processor) submit(ctx context.Context, msg streams.Message) {
	err := p.pool.Go(ctx, func(runCtx context.Context) {
		p.Handle(runCtx, msg)
		if err := p.source.Ack(context.WithoutCancel(runCtx), msg.ID); err != nil {
			p.logger.Printf("warn: failed to ack message %s: %v", msg.ID, err)
		}
	})
	if err != nil {
		// left unacked; reclaim picks it up on the next start
		p.logger.Printf("warn: message %s not started: %v", msg.ID, err)
	}
}

// Handle runs the pipeline of one message. Transient store failures are
// republished with a bumped attempt; everything else is final.
func (p *Processor) Handle(ctx context.Context, msg streams.Message) {
	ctx, span := p.tracer.Start(ctx, "worker.handle_task", trace.WithAttributes(attribute.Int("attempt", msg.Envelope.Attempt)))
	defer span.End()

	ev, err := streams.DecodeEnqueued(msg.Envelope)
	if err != nil {
		p.logger.Printf("drop message %s: %v", msg.ID, err)
		p.add(ctx, p.dropCounter)
		return
	}
	span.SetAttributes(attribute.String("task_id", ev.TaskID))

	err = p.runner.Run(ctx, ev.TaskID)
	switch {
	case err == nil:
		p.add(ctx, p.runCounter)
	case errors.Is(err, taskgraph.ErrTaskClaimed):
		p.logger.Printf("skip task %s: %v", ev.TaskID, err)
	case errors.Is(err, graph.ErrUnavailable) && msg.Envelope.Attempt+1 < p.maxAttempts:
		span.RecordError(err)
		next := msg.Envelope.Redelivery()
		if _, perr := p.sink.Publish(context.WithoutCancel(ctx), p.stream, next); perr != nil {
			p.logger.Printf("error: requeue task %s: %v (run error: %v)", ev.TaskID, perr, err)
			return
		}
		p.add(ctx, p.retryCounter)
		p.logger.Printf("task %s requeued (attempt %d): %v", ev.TaskID, next.Attempt, err)
	default:
		span.RecordError(err)
		p.logger.Printf("task %s: %v", ev.TaskID, err)
	}
}

// resume restarts Tasks that were accepted but never started and fails the
// ones abandoned mid-run.
func (p *Processor) resume(ctx context.Context) {
	ids, err := p.runner.Recover(ctx)
	if err != nil {
		p.logger.Printf("warn: recover tasks failed: %v", err)
		return
	}
	for _, id := range ids {
		id := id
		if err := p.pool.Go(ctx, func(runCtx context.Context) {
			if err := p.runner.Run(runCtx, id); err != nil && !errors.Is(err, taskgraph.ErrTaskClaimed) {
				p.logger.Printf("task %s: %v", id, err)
			}
		}); err != nil {
			return
		}
	}
	if len(ids) > 0 {
		p.logger.Printf("resumed %d pending tasks", len(ids))
	}
}

// reclaim takes over entries a dead consumer read but never acked.
func (p *Processor) reclaim(ctx context.Context) {
	start := "0-0"
	for ctx.Err() == nil {
		msgs, next, err := p.source.Reclaim(ctx, p.reclaimIdle, start)
		if err != nil {
			p.logger.Printf("warn: reclaim pending entries: %v", err)
			return
		}
		for _, msg := range msgs {
			p.submit(ctx, msg)
		}
		if next == "" || next == "0-0" || len(msgs) == 0 {
			return
		}
		start = next
	}
}

func (p *Processor) add(ctx context.Context, ctr otelmetric.Int64Counter) {
	if ctr != nil {
		ctr.Add(ctx, 1)
	}
}
