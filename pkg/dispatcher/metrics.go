package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/paywatch/errs"
	"github.com/coachpo/paywatch/internal/infra/telemetry"
)

var (
	instrumentsOnce sync.Once
	attemptCounter  metric.Int64Counter
	dispatchCounter metric.Int64Counter
	dispatchLatency metric.Float64Histogram
)

func initInstruments() {
	instrumentsOnce.Do(func() {
		meter := otel.Meter("paywatch.dispatcher")
		if c, err := meter.Int64Counter("paywatch_provider_attempts_total",
			metric.WithDescription("Provider calls made by the dispatcher and failover selector"),
			metric.WithUnit("{call}")); err == nil {
			attemptCounter = c
		}
		if c, err := meter.Int64Counter("paywatch_dispatch_total",
			metric.WithDescription("Dispatcher and failover calls by outcome"),
			metric.WithUnit("{call}")); err == nil {
			dispatchCounter = c
		}
		if h, err := meter.Float64Histogram("paywatch_dispatch_duration_seconds",
			metric.WithDescription("Wall time until a dispatch settles"),
			metric.WithUnit("s")); err == nil {
			dispatchLatency = h
		}
	})
}

func recordAttempt(ctx context.Context, provider, operation, result string) {
	initInstruments()
	if attemptCounter == nil {
		return
	}
	attemptCounter.Add(ctx, 1, metric.WithAttributes(telemetry.OperationResultAttributes(provider, operation, result)...))
}

func recordDispatch(ctx context.Context, operation, result string, elapsed time.Duration) {
	initInstruments()
	attrs := metric.WithAttributes(telemetry.OperationResultAttributes("", operation, result)...)
	if dispatchCounter != nil {
		dispatchCounter.Add(context.WithoutCancel(ctx), 1, attrs)
	}
	if dispatchLatency != nil {
		dispatchLatency.Record(context.WithoutCancel(ctx), elapsed.Seconds(), attrs)
	}
}

func attemptResult(err error) string {
	switch {
	case errors.Is(err, errs.ErrInvalidAddress):
		return telemetry.ResultInvalidAddress
	case errors.Is(err, context.Canceled):
		return telemetry.ResultCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return telemetry.ResultTimeout
	default:
		return telemetry.ResultFailure
	}
}

func outcomeOf(err error) string {
	if err == nil {
		return telemetry.ResultSuccess
	}
	var exhausted *AdaptersError
	if errors.As(err, &exhausted) {
		return telemetry.ResultExhausted
	}
	var timeout *AdaptersTimeoutError
	if errors.As(err, &timeout) {
		return telemetry.ResultTimeout
	}
	return attemptResult(err)
}
