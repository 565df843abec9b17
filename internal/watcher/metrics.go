package watcher

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/paywatch/internal/infra/telemetry"
)

var (
	activeWatches     metric.Int64UpDownCounter
	activeWatchesOnce sync.Once
)

func recordWatch(ctx context.Context, delta int64) {
	activeWatchesOnce.Do(func() {
		counter, err := otel.Meter("paywatch.watcher").Int64UpDownCounter("paywatch_watched_orders",
			metric.WithDescription("Orders with a running status check"),
			metric.WithUnit("{order}"))
		if err == nil {
			activeWatches = counter
		}
	})
	if activeWatches == nil {
		return
	}
	activeWatches.Add(ctx, delta, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment())))
}
