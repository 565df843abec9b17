// Package watcher runs the periodic status check of every pending order and
// resumes checks for open orders after a restart. Each order waits on its own
// goroutine; provider round trips share a bounded worker pool.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/paywatch/errs"
	"github.com/coachpo/paywatch/internal/observability"
	"github.com/coachpo/paywatch/internal/order"
	"github.com/coachpo/paywatch/lib/async"
)

const (
	// DefaultWorkers bounds the number of concurrent status checks.
	DefaultWorkers = 64
	// DefaultQueue is the number of checks allowed to wait for a worker.
	DefaultQueue = 1024
)

// Restorer rebuilds a live order from its persisted snapshot.
type Restorer interface {
	Restore(snapshot order.Snapshot) *order.Order
}

// Config tunes a Watcher. Workers and Queue bound the provider round trips in
// flight, not the number of watched orders.
type Config struct {
	Workers int
	Queue   int
	// Duration is the status check window; order.DefaultCheckDuration when zero.
	Duration time.Duration
}

// Watcher tracks watched orders and runs their checks on a shared pool.
type Watcher struct {
	checks   *async.Pool
	duration time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	loops    conc.WaitGroup

	mu      sync.Mutex
	closed  bool
	watched map[string]context.CancelFunc
}

// New starts a Watcher with its check pool.
func New(cfg Config) (*Watcher, error) {
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	queue := cfg.Queue
	if queue <= 0 {
		queue = DefaultQueue
	}
	checks, err := async.NewPool(workers, queue)
	if err != nil {
		return nil, err
	}
	duration := cfg.Duration
	if duration <= 0 {
		duration = order.DefaultCheckDuration
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		checks:   checks,
		duration: duration,
		ctx:      ctx,
		cancel:   cancel,
		watched:  make(map[string]context.CancelFunc),
	}, nil
}

// Watch starts the periodic status check of o. It returns false when the
// order is already watched or its status is locked.
func (w *Watcher) Watch(o *order.Order) (bool, error) {
	if o == nil {
		return false, errs.New("watcher", errs.CodeInvalid, errs.WithMessage("order required"))
	}
	if o.CurrentStatus().Locked() {
		return false, nil
	}
	id := o.ID()
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false, errs.New("watcher", errs.CodeUnavailable, errs.WithMessage("watcher stopped"))
	}
	if _, ok := w.watched[id]; ok {
		return false, nil
	}
	ctx, cancel := context.WithCancel(w.ctx)
	w.watched[id] = cancel
	w.loops.Go(func() {
		defer w.forget(id)
		defer cancel()
		w.run(ctx, o)
	})
	observability.Log().Debug("order watch started",
		observability.F("order_id", id),
		observability.F("duration", w.duration.String()))
	return true, nil
}

func (w *Watcher) run(ctx context.Context, o *order.Order) {
	recordWatch(ctx, 1)
	defer recordWatch(context.WithoutCancel(ctx), -1)
	err := o.RunStatusChecks(ctx, w.duration, func(ctx context.Context, check func(context.Context) error) error {
		return w.checks.Do(ctx, check)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		observability.Log().Warn("order watch failed",
			observability.F("order_id", o.ID()),
			observability.F("error", err))
	}
}

// Unwatch cancels the status check of id. It reports whether one was running.
func (w *Watcher) Unwatch(id string) bool {
	w.mu.Lock()
	cancel, ok := w.watched[id]
	w.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Watching reports whether id currently has a status check in progress or queued.
func (w *Watcher) Watching(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.watched[id]
	return ok
}

// Len returns the number of watched orders.
func (w *Watcher) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.watched)
}

// Resume restores every open order listed by lister and watches it.
// It returns how many orders were scheduled. Orders that cannot be watched
// are skipped and reported together in the returned error.
func (w *Watcher) Resume(ctx context.Context, lister order.Lister, restorer Restorer) (int, error) {
	if lister == nil || restorer == nil {
		return 0, nil
	}
	snapshots, err := lister.ListOpen(ctx)
	if err != nil {
		return 0, err
	}
	resumed := 0
	var failures []error
	for _, snapshot := range snapshots {
		if err := ctx.Err(); err != nil {
			return resumed, err
		}
		ok, err := w.Watch(restorer.Restore(snapshot))
		if err != nil {
			failures = append(failures, fmt.Errorf("order %s: %w", snapshot.ID, err))
			continue
		}
		if ok {
			resumed++
		}
	}
	observability.Log().Info("resumed order watches",
		observability.F("open", len(snapshots)),
		observability.F("scheduled", resumed))
	return resumed, observability.AggregateErrors("resume order watches", failures,
		observability.F("open", len(snapshots)))
}

// Shutdown stops accepting orders and waits for running checks. When ctx
// expires first the checks are canceled and the context error is returned.
func (w *Watcher) Shutdown(ctx context.Context) error {
	w.close()
	done := make(chan struct{})
	go func() {
		w.wait()
		close(done)
	}()
	select {
	case <-done:
		w.cancel()
		return nil
	case <-ctx.Done():
		w.cancel()
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	}
}

// Stop cancels all running checks and waits for them to return.
func (w *Watcher) Stop() {
	w.close()
	w.cancel()
	w.wait()
}

func (w *Watcher) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

func (w *Watcher) wait() {
	if r := w.loops.WaitAndRecover(); r != nil {
		observability.Log().Error("order watch panicked", observability.F("panic", r.Value))
	}
	_ = w.checks.Shutdown(context.Background())
}

func (w *Watcher) forget(id string) {
	w.mu.Lock()
	delete(w.watched, id)
	w.mu.Unlock()
}
