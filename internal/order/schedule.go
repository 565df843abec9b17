package order

import (
	"context"
	"time"
)

const (
	// InitialCheckPeriod is the delay between the first status checks.
	InitialCheckPeriod = 10 * time.Second
	// DefaultCheckDuration is how long an order is watched before it expires.
	DefaultCheckDuration = 600 * time.Second
	// scheduleIterations is how many checks run before the default schedule doubles the period.
	scheduleIterations = 20
)

// Schedule computes the next (period, iteration) pair of the status-check loop.
type Schedule func(period time.Duration, iteration int) (time.Duration, int)

// DefaultSchedule keeps the period for 20 checks, then doubles it.
func DefaultSchedule(period time.Duration, iteration int) (time.Duration, int) {
	iteration++
	if iteration >= scheduleIterations {
		period *= 2
		iteration = 0
	}
	return period, iteration
}

// CheckRunner runs one status check. It may delay the check, for example to
// bound how many orders query providers at once, but must return its error.
type CheckRunner func(ctx context.Context, check func(context.Context) error) error

func runDirect(ctx context.Context, check func(context.Context) error) error {
	return check(ctx)
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// ContextSleep is the production Sleeper.
func ContextSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
