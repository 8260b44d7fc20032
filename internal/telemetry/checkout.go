package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// CheckoutMetrics bundles the counters the checkout and reconciliation
// paths report. A nil *CheckoutMetrics is valid and records nothing.
type CheckoutMetrics struct {
	OrdersCreated     metric.Int64Counter
	PaymentsConfirmed metric.Int64Counter
	PaymentsFailed    metric.Int64Counter
	PaymentsAbandoned metric.Int64Counter
}

func NewCheckoutMetrics() (*CheckoutMetrics, error) {
	meter := otel.Meter("primestore/checkout")

	ordersCreated, err := meter.Int64Counter("checkout.orders_created",
		metric.WithDescription("Orders created via checkout"))
	if err != nil {
		return nil, err
	}

	confirmed, err := meter.Int64Counter("payments.confirmed",
		metric.WithDescription("Payment attempts confirmed paid"))
	if err != nil {
		return nil, err
	}

	failed, err := meter.Int64Counter("payments.failed",
		metric.WithDescription("Payment attempts reported failed by the provider"))
	if err != nil {
		return nil, err
	}

	abandoned, err := meter.Int64Counter("payments.abandoned",
		metric.WithDescription("Payment attempts abandoned after exhausting the polling bound"))
	if err != nil {
		return nil, err
	}

	return &CheckoutMetrics{
		OrdersCreated:     ordersCreated,
		PaymentsConfirmed: confirmed,
		PaymentsFailed:    failed,
		PaymentsAbandoned: abandoned,
	}, nil
}
