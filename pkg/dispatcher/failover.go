package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/coachpo/paywatch/errs"
	"github.com/coachpo/paywatch/internal/infra/telemetry"
	"github.com/coachpo/paywatch/internal/observability"
)

// Select tries providers one at a time in list order and returns the first success.
//
// When every provider fails, the most recent failure matching priority (via errors.Is)
// is returned, otherwise the last failure. Failures other than the final one are
// logged: debug for errs.ErrCurrencyNotSupported, error for everything else.
func Select[P, T any](ctx context.Context, kind string, providers []P, priority error, op Operation[P, T]) (T, error) {
	var zero T
	if len(providers) == 0 {
		return zero, errs.NoProviders(kind)
	}
	if op == nil {
		return zero, errs.New("dispatcher", errs.CodeInvalid, errs.WithMessage("operation must not be nil"))
	}

	started := time.Now()
	operation := kind + "_failover"
	var prioritised, last error
	for i, provider := range providers {
		if err := ctx.Err(); err != nil {
			recordDispatch(ctx, operation, telemetry.ResultCanceled, time.Since(started))
			return zero, err
		}
		name := ProviderName(provider)
		value, err := safeCall(ctx, provider, op)
		if err == nil {
			recordAttempt(ctx, name, operation, telemetry.ResultSuccess)
			recordDispatch(ctx, operation, telemetry.ResultSuccess, time.Since(started))
			return value, nil
		}
		recordAttempt(ctx, name, operation, attemptResult(err))
		last = err
		if priority != nil && errors.Is(err, priority) {
			prioritised = err
		}
		if i == len(providers)-1 {
			break
		}
		fields := []observability.Field{
			observability.F("kind", kind),
			observability.F("provider", name),
			observability.F("error", err),
		}
		if errors.Is(err, errs.ErrCurrencyNotSupported) {
			observability.Log().Debug("provider does not support currency, trying next", fields...)
		} else {
			observability.Log().Error("provider failed, trying next", fields...)
		}
	}

	recordDispatch(ctx, operation, telemetry.ResultExhausted, time.Since(started))
	if prioritised != nil {
		return zero, prioritised
	}
	return zero, last
}
