// Package async provides bounded worker pool utilities.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/coachpo/paywatch/errs"
)

// Task represents a unit of work executed by the pool workers.
type Task func(context.Context) error

// ErrorHandler receives task errors and recovered panics.
type ErrorHandler func(error)

// Option customises a Pool.
type Option func(*Pool)

// WithErrorHandler routes task failures to fn instead of dropping them.
func WithErrorHandler(fn ErrorHandler) Option {
	return func(p *Pool) {
		if fn != nil {
			p.onError = fn
		}
	}
}

// Pool defines a bounded worker pool enforcing backpressure when saturated.
// Tasks run under a context that is canceled when their submit context is
// done or when Shutdown gives up waiting.
type Pool struct {
	ctx     context.Context
	cancel  context.CancelFunc
	jobs    chan job
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	onError ErrorHandler
}

type job struct {
	ctx context.Context
	fn  Task
}

// NewPool creates a worker pool with the given concurrency and queue depth.
func NewPool(workers, queue int, opts ...Option) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(chan job, queue),
		onError: func(error) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit schedules the provided task for execution respecting pool backpressure.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("submit context: %w", err)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	}
	p.wg.Add(1)
	select {
	case p.jobs <- job{ctx: ctx, fn: fn}:
		return nil
	default:
		p.wg.Done()
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool at capacity"))
	}
}

// Do runs fn on a pool worker and waits for its result. Unlike Submit it waits
// for a free queue slot instead of failing, until ctx is done.
func (p *Pool) Do(ctx context.Context, fn Task) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	done := make(chan error, 1)
	task := func(taskCtx context.Context) error {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task panic: %v", r)
			}
			done <- err
		}()
		err = fn(taskCtx)
		return nil
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	}
	p.wg.Add(1)
	select {
	case p.jobs <- job{ctx: ctx, fn: task}:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.wg.Done()
		p.mu.RUnlock()
		return fmt.Errorf("submit context: %w", ctx.Err())
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting new tasks. Queued tasks still run.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.jobs)
}

// Shutdown waits for queued and in-flight tasks. When ctx expires first the
// remaining tasks are canceled and the context error is returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		p.cancel()
		return nil
	}
}

func (p *Pool) worker() {
	for j := range p.jobs {
		p.run(j)
		p.wg.Done()
	}
}

func (p *Pool) run(j job) {
	ctx, cancel := context.WithCancel(j.ctx)
	stop := context.AfterFunc(p.ctx, cancel)
	defer func() {
		stop()
		cancel()
		if r := recover(); r != nil {
			p.onError(fmt.Errorf("task panic: %v", r))
		}
	}()
	if err := j.fn(ctx); err != nil {
		p.onError(err)
	}
}
