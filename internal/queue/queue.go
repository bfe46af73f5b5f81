// Package queue starts pipeline runs in the background, either in-process
// or through Redis streams (see package streams).
package queue

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mohammad-safakhou/taskgraph/internal/taskgraph"
)

// ErrFull is returned when every pool slot is taken.
var ErrFull = errors.New("run queue is full")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("run queue is closed")

// Launcher starts the pipeline for an accepted Task without waiting for it.
type Launcher interface {
	Launch(ctx context.Context, task taskgraph.Task) error
}

// Runner drives one Task to completion.
type Runner interface {
	Run(ctx context.Context, taskID string) error
}

// slotPoll is how often a blocked Go retries for a free slot.
const slotPoll = 25 * time.Millisecond

// Pool runs functions on a bounded errgroup. Work outlives the caller's
// context and is cancelled only by Close.
type Pool struct {
	group  errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{ctx: ctx, cancel: cancel}
	p.group.SetLimit(size)
	return p
}

// TryGo runs fn if a slot is free and returns ErrFull otherwise.
func (p *Pool) TryGo(fn func(ctx context.Context)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if !p.group.TryGo(func() error {
		fn(p.ctx)
		return nil
	}) {
		return ErrFull
	}
	return nil
}

// Go waits for a free slot, or for ctx, then runs fn. errgroup.Group.Go
// cannot be abandoned, so the wait retries TryGo.
func (p *Pool) Go(ctx context.Context, fn func(ctx context.Context)) error {
	tick := time.NewTicker(slotPoll)
	defer tick.Stop()
	for {
		err := p.TryGo(fn)
		if !errors.Is(err, ErrFull) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.ctx.Done():
			return ErrClosed
		case <-tick.C:
		}
	}
}

// Close stops accepting work and waits for running work. When ctx ends
// first, running work is cancelled and Close returns ctx.Err().
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = p.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

// Inline runs pipelines in this process.
type Inline struct {
	runner Runner
	pool   *Pool
	logger *log.Logger
}

func NewInline(runner Runner, size int, logger *log.Logger) *Inline {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Inline{runner: runner, pool: NewPool(size), logger: logger}
}

func (q *Inline) Launch(_ context.Context, task taskgraph.Task) error {
	return q.pool.TryGo(func(ctx context.Context) {
		if err := q.runner.Run(ctx, task.ID); err != nil {
			q.logger.Printf("task %s: %v", task.ID, err)
		}
	})
}

// Close waits for in-flight pipelines.
func (q *Inline) Close(ctx context.Context) error { return q.pool.Close(ctx) }
