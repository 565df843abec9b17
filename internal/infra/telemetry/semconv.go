// Package telemetry provides OpenTelemetry setup and semantic conventions for paywatch.
package telemetry

import (
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for paywatch-specific telemetry.
const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrProvider identifies which upstream data or rate provider produced the signal.
	AttrProvider = attribute.Key("provider")
	// AttrOperation differentiates provider operations (fetch_transactions_for, rate_for, ...).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrErrorType categorizes failures by canonical error family.
	AttrErrorType = attribute.Key("error.type")
	// AttrOrderStatus captures the order status after a transition.
	AttrOrderStatus = attribute.Key("order.status")
	// AttrCurrency stores currency codes for rate lookups.
	AttrCurrency = attribute.Key("currency")
)

// Result values shared by dispatcher and failover metrics.
const (
	ResultSuccess        = "success"
	ResultFailure        = "failure"
	ResultExhausted      = "exhausted"
	ResultTimeout        = "timeout"
	ResultInvalidAddress = "invalid_address"
	ResultCanceled       = "canceled"
)

var environment atomic.Value

// SetEnvironment records the environment label attached to every metric.
func SetEnvironment(env string) {
	environment.Store(strings.ToLower(strings.TrimSpace(env)))
}

// Environment returns the environment label, "development" when unset.
func Environment() string {
	if v, ok := environment.Load().(string); ok && v != "" {
		return v
	}
	return "development"
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(provider, operation, result string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
	if provider != "" {
		attrs = append(attrs, AttrProvider.String(provider))
	}
	return attrs
}

// OrderStatusAttributes returns attributes for order transition metrics.
func OrderStatusAttributes(status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrOrderStatus.String(status),
	}
}
