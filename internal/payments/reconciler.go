package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/joao-fontenele/primestore/internal/domain"
	"github.com/joao-fontenele/primestore/internal/telemetry"
)

// AttemptStore is the persistence surface for payment attempts.
type AttemptStore interface {
	Create(ctx context.Context, attempt *domain.PaymentAttempt) error
	GetByInvoiceID(ctx context.Context, invoiceID string) (*domain.PaymentAttempt, error)
	GetLatestByOrderID(ctx context.Context, orderID string) (*domain.PaymentAttempt, error)
	SetState(ctx context.Context, invoiceID string, state domain.PaymentState) error
}

// OrderMarker is the one order mutation the payment side is allowed to
// perform. The implementation's conditional update makes it idempotent, so
// the polling path and the webhook path can both call it without
// coordination.
type OrderMarker interface {
	MarkPaid(ctx context.Context, id string, result json.RawMessage) (*domain.Order, bool, error)
}

// StatusPoller is the gateway surface the reconciler needs.
type StatusPoller interface {
	PollStatus(ctx context.Context, invoiceID string) (*StatusResult, error)
}

// Notifier sends transactional email without ever failing the caller.
type Notifier interface {
	SendAsync(ctx context.Context, to, subject, body string)
}

const (
	defaultPollInterval = 5 * time.Second
	defaultMaxPolls     = 12
)

// Reconciler drives a payment attempt to a terminal state: it polls the
// provider on a fixed interval up to a bound, and funnels any confirmed
// outcome through the idempotent MarkPaid transition. Exhausting the bound
// abandons the attempt; the order stays pending and retryable.
type Reconciler struct {
	gateway  StatusPoller
	attempts AttemptStore
	orders   OrderMarker
	notifier Notifier
	metrics  *telemetry.CheckoutMetrics
	logger   *slog.Logger

	// PollInterval and MaxPolls bound the reconciliation loop; the
	// defaults give the customer roughly a minute to approve the prompt.
	PollInterval time.Duration
	MaxPolls     int
}

func NewReconciler(gateway StatusPoller, attempts AttemptStore, orders OrderMarker, notifier Notifier, metrics *telemetry.CheckoutMetrics, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		gateway:      gateway,
		attempts:     attempts,
		orders:       orders,
		notifier:     notifier,
		metrics:      metrics,
		logger:       logger,
		PollInterval: defaultPollInterval,
		MaxPolls:     defaultMaxPolls,
	}
}

// Reconcile polls until the attempt settles or the bound is exhausted. A
// provider hiccup costs one cycle instead of failing the attempt. The email,
// when present, receives the confirmation receipt.
func (rc *Reconciler) Reconcile(ctx context.Context, invoiceID, orderID, email string) (domain.PaymentState, error) {
	for poll := 0; poll < rc.MaxPolls; poll++ {
		select {
		case <-ctx.Done():
			return domain.PaymentStatePending, ctx.Err()
		case <-time.After(rc.PollInterval):
		}

		status, err := rc.gateway.PollStatus(ctx, invoiceID)
		if err != nil {
			rc.logger.Warn("payment status poll failed", "error", err, "invoice_id", invoiceID, "poll", poll+1)
			continue
		}

		switch status.State {
		case domain.PaymentStatePaid:
			return rc.confirm(ctx, invoiceID, orderID, email, status.Raw)
		case domain.PaymentStateFailed:
			if err := rc.attempts.SetState(ctx, invoiceID, domain.PaymentStateFailed); err != nil {
				return domain.PaymentStateFailed, fmt.Errorf("record failed attempt: %w", err)
			}
			if rc.metrics != nil {
				rc.metrics.PaymentsFailed.Add(ctx, 1)
			}
			rc.logger.Info("payment failed", "invoice_id", invoiceID, "order_id", orderID)
			return domain.PaymentStateFailed, nil
		}
	}

	if err := rc.attempts.SetState(ctx, invoiceID, domain.PaymentStateAbandoned); err != nil {
		return domain.PaymentStateAbandoned, fmt.Errorf("record abandoned attempt: %w", err)
	}
	if rc.metrics != nil {
		rc.metrics.PaymentsAbandoned.Add(ctx, 1)
	}
	rc.logger.Info("payment abandoned after polling bound", "invoice_id", invoiceID, "order_id", orderID, "polls", rc.MaxPolls)
	return domain.PaymentStateAbandoned, nil
}

// VerifyOrderPaid re-checks the provider for the order's latest attempt.
// Used by the client-driven confirmation endpoint so a client assertion
// alone can never mark an order paid. It only reads: the attempt is
// settled by whichever path applies the order transition, keeping the
// order write ahead of the attempt write as in confirm.
func (rc *Reconciler) VerifyOrderPaid(ctx context.Context, orderID string) (bool, json.RawMessage, error) {
	attempt, err := rc.attempts.GetLatestByOrderID(ctx, orderID)
	if err != nil {
		return false, nil, err
	}
	if attempt == nil {
		return false, nil, nil
	}

	status, err := rc.gateway.PollStatus(ctx, attempt.InvoiceID)
	if err != nil {
		return false, nil, err
	}
	if status.State != domain.PaymentStatePaid {
		return false, nil, nil
	}

	return true, status.Raw, nil
}

// confirm marks the order first: if the process dies between the two
// writes, the attempt stays pending and the next poll re-runs the
// idempotent transition.
func (rc *Reconciler) confirm(ctx context.Context, invoiceID, orderID, email string, raw json.RawMessage) (domain.PaymentState, error) {
	order, transitioned, err := rc.orders.MarkPaid(ctx, orderID, raw)
	if err != nil {
		return domain.PaymentStatePaid, fmt.Errorf("mark order paid: %w", err)
	}

	if err := rc.attempts.SetState(ctx, invoiceID, domain.PaymentStatePaid); err != nil {
		rc.logger.Error("failed to record paid attempt", "error", err, "invoice_id", invoiceID)
	}

	if transitioned {
		if rc.metrics != nil {
			rc.metrics.PaymentsConfirmed.Add(ctx, 1)
		}
		if email == "" {
			email = order.GuestEmail
		}
		if rc.notifier != nil && email != "" {
			rc.notifier.SendAsync(ctx, email,
				fmt.Sprintf("Payment confirmed #%s", order.ID),
				fmt.Sprintf("Payment confirmed for order #%s.", order.ID))
		}
		rc.logger.Info("payment confirmed", "invoice_id", invoiceID, "order_id", orderID)
	}

	return domain.PaymentStatePaid, nil
}
