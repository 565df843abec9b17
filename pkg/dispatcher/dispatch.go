// Package dispatcher races redundant providers in bounded batches and falls
// back across them, plus a sequential failover selector for rate lookups.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/paywatch/errs"
	"github.com/coachpo/paywatch/internal/infra/telemetry"
	"github.com/coachpo/paywatch/internal/observability"
)

const (
	// DefaultBatchSize is how many providers are raced together.
	DefaultBatchSize = 2
	// DefaultTimeout bounds a whole multi-batch dispatch.
	DefaultTimeout = 10 * time.Second
)

// Options tunes a single Dispatch call.
type Options struct {
	// Operation names the call in errors, logs and metrics.
	Operation string
	BatchSize int
	Timeout   time.Duration
}

func (o Options) normalise() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Operation == "" {
		o.Operation = "dispatch"
	}
	return o
}

// Operation is applied identically to every provider.
type Operation[P, T any] func(ctx context.Context, provider P) (T, error)

// Dispatch races op across providers, BatchSize at a time, and returns the first success.
//
// When a whole batch fails the next one is launched immediately. When every provider
// fails the result is *AdaptersError; when the deadline passes first it is
// *AdaptersTimeoutError. A provider reporting errs.ErrInvalidAddress settles the call
// with that error without consulting the remaining providers. Losing calls see their
// context canceled once Dispatch returns and their results are discarded.
func Dispatch[P, T any](ctx context.Context, providers []P, opts Options, op Operation[P, T]) (T, error) {
	var zero T
	opts = opts.normalise()
	if len(providers) == 0 {
		return zero, errs.NoProviders(opts.Operation)
	}
	if op == nil {
		return zero, errs.New("dispatcher", errs.CodeInvalid, errs.WithMessage("operation must not be nil"))
	}

	started := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	result := newCell[T]()
	failures := make(chan ProviderError, len(providers))
	workers := pool.New().WithMaxGoroutines(opts.BatchSize)
	// Losing calls may still be running; reap them without blocking the caller.
	defer func() { go workers.Wait() }()

	var (
		cursor    int
		pending   int
		attempted int
		collected []ProviderError
	)
	launch := func() {
		var batch []P
		batch, cursor = nextBatch(providers, cursor, opts.BatchSize)
		pending = len(batch)
		attempted += len(batch)
		for _, provider := range batch {
			provider := provider
			workers.Go(func() {
				attempt(runCtx, opts.Operation, provider, op, result, failures)
			})
		}
	}
	launch()

	expire := func() {
		if err := ctx.Err(); err != nil {
			result.settle(zero, fmt.Errorf("%s: %w", opts.Operation, err))
			return
		}
		result.settle(zero, &AdaptersTimeoutError{
			Operation: opts.Operation,
			Timeout:   opts.Timeout,
			Attempted: attempted,
		})
	}

	for {
		select {
		case <-result.done:
			recordDispatch(ctx, opts.Operation, outcomeOf(result.err), time.Since(started))
			return result.value, result.err
		case failure := <-failures:
			if runCtx.Err() != nil {
				expire()
				continue
			}
			collected = append(collected, failure)
			if errors.Is(failure.Err, errs.ErrInvalidAddress) {
				result.settle(zero, failure.Err)
				continue
			}
			pending--
			if pending > 0 {
				continue
			}
			if cursor < len(providers) {
				launch()
				continue
			}
			result.settle(zero, &AdaptersError{
				Operation: opts.Operation,
				Attempted: attempted,
				Errors:    collected,
			})
		case <-runCtx.Done():
			expire()
		}
	}
}

// nextBatch returns up to size providers starting at cursor and the advanced cursor.
func nextBatch[P any](providers []P, cursor, size int) ([]P, int) {
	if cursor >= len(providers) {
		return nil, cursor
	}
	end := cursor + size
	if end > len(providers) {
		end = len(providers)
	}
	return providers[cursor:end], end
}

func attempt[P, T any](ctx context.Context, operation string, provider P, op Operation[P, T], result *cell[T], failures chan<- ProviderError) {
	name := ProviderName(provider)
	value, err := safeCall(ctx, provider, op)
	if err == nil {
		recordAttempt(ctx, name, operation, telemetry.ResultSuccess)
		result.settle(value, nil)
		return
	}
	if result.settled() {
		return
	}
	recordAttempt(ctx, name, operation, attemptResult(err))
	observability.Log().Debug("provider attempt failed",
		observability.F("operation", operation),
		observability.F("provider", name),
		observability.F("error", err))
	failures <- ProviderError{Provider: name, Err: err}
}

func safeCall[P, T any](ctx context.Context, provider P, op Operation[P, T]) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("provider panic: %v", r)
		}
	}()
	return op(ctx, provider)
}

// ProviderName returns provider.Name() when available, otherwise its type.
func ProviderName(provider any) string {
	if n, ok := provider.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", provider)
}

// cell is a write-once result shared by concurrent attempts.
type cell[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

func newCell[T any]() *cell[T] {
	return &cell[T]{done: make(chan struct{})}
}

// settle stores the first result; later calls are no-ops and report false.
func (c *cell[T]) settle(value T, err error) bool {
	won := false
	c.once.Do(func() {
		c.value = value
		c.err = err
		won = true
		close(c.done)
	})
	return won
}

func (c *cell[T]) settled() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
