package order

import (
	"context"
	"sync"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/paywatch/internal/infra/telemetry"
)

// View is the public JSON representation of an order.
type View struct {
	Status         Status   `json:"status"`
	Amount         int64    `json:"amount"`
	Address        string   `json:"address"`
	TransactionIDs []string `json:"transaction_ids"`
}

// View returns the order's public representation from cached state.
func (o *Order) View() View {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ids := make([]string, 0, len(o.accepted))
	for _, tx := range o.accepted {
		ids = append(ids, tx.ID)
	}
	return View{
		Status:         o.status,
		Amount:         o.amount,
		Address:        o.address,
		TransactionIDs: ids,
	}
}

// MarshalJSON renders View.
func (o *Order) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.View())
}

var (
	transitionsOnce    sync.Once
	transitionsCounter metric.Int64Counter
)

func recordTransition(ctx context.Context, status Status) {
	transitionsOnce.Do(func() {
		meter := otel.Meter("paywatch.order")
		counter, err := meter.Int64Counter("paywatch_order_status_transitions_total",
			metric.WithDescription("Order status changes by resulting status"),
			metric.WithUnit("{transition}"))
		if err == nil {
			transitionsCounter = counter
		}
	})
	if transitionsCounter == nil {
		return
	}
	transitionsCounter.Add(context.WithoutCancel(ctx), 1,
		metric.WithAttributes(telemetry.OrderStatusAttributes(status.String())...))
}
