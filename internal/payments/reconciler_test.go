package payments

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/joao-fontenele/primestore/internal/domain"
)

type fakePoller struct {
	results []*StatusResult
	errs    []error
	calls   int
}

func (f *fakePoller) PollStatus(ctx context.Context, invoiceID string) (*StatusResult, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.results) {
		return f.results[i], nil
	}
	return &StatusResult{InvoiceID: invoiceID, State: domain.PaymentStatePending}, nil
}

type fakeAttempts struct {
	attempt *domain.PaymentAttempt
	states  []domain.PaymentState
}

func (f *fakeAttempts) Create(ctx context.Context, attempt *domain.PaymentAttempt) error {
	return nil
}

func (f *fakeAttempts) GetByInvoiceID(ctx context.Context, invoiceID string) (*domain.PaymentAttempt, error) {
	return f.attempt, nil
}

func (f *fakeAttempts) GetLatestByOrderID(ctx context.Context, orderID string) (*domain.PaymentAttempt, error) {
	return f.attempt, nil
}

func (f *fakeAttempts) SetState(ctx context.Context, invoiceID string, state domain.PaymentState) error {
	f.states = append(f.states, state)
	return nil
}

type fakeOrders struct {
	marked       []string
	transitioned bool
	err          error
}

func (f *fakeOrders) MarkPaid(ctx context.Context, id string, result json.RawMessage) (*domain.Order, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	f.marked = append(f.marked, id)
	return &domain.Order{ID: id, IsPaid: true, GuestEmail: "buyer@example.com"}, f.transitioned, nil
}

type fakeNotifier struct {
	sent []string
}

func (f *fakeNotifier) SendAsync(ctx context.Context, to, subject, body string) {
	f.sent = append(f.sent, to)
}

func newTestReconciler(poller StatusPoller, attempts AttemptStore, orders OrderMarker, notifier Notifier) *Reconciler {
	rc := NewReconciler(poller, attempts, orders, notifier, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	rc.PollInterval = time.Millisecond
	rc.MaxPolls = 5
	return rc
}

func TestReconciler_Reconcile(t *testing.T) {
	t.Run("confirms order once provider reports paid", func(t *testing.T) {
		poller := &fakePoller{results: []*StatusResult{
			{State: domain.PaymentStatePending},
			{State: domain.PaymentStatePending},
			{State: domain.PaymentStatePaid, Raw: json.RawMessage(`{"state":"COMPLETE"}`)},
		}}
		attempts := &fakeAttempts{}
		orders := &fakeOrders{transitioned: true}
		notifier := &fakeNotifier{}

		rc := newTestReconciler(poller, attempts, orders, notifier)

		state, err := rc.Reconcile(context.Background(), "INV-1", "order-1", "buyer@example.com")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if state != domain.PaymentStatePaid {
			t.Errorf("expected paid, got %s", state)
		}
		if len(orders.marked) != 1 || orders.marked[0] != "order-1" {
			t.Errorf("expected order-1 marked paid, got %v", orders.marked)
		}
		if len(attempts.states) != 1 || attempts.states[0] != domain.PaymentStatePaid {
			t.Errorf("expected attempt set to paid, got %v", attempts.states)
		}
		if len(notifier.sent) != 1 || notifier.sent[0] != "buyer@example.com" {
			t.Errorf("expected confirmation email, got %v", notifier.sent)
		}
		if poller.calls != 3 {
			t.Errorf("expected 3 polls, got %d", poller.calls)
		}
	})

	t.Run("does not notify when order was already paid", func(t *testing.T) {
		poller := &fakePoller{results: []*StatusResult{{State: domain.PaymentStatePaid}}}
		attempts := &fakeAttempts{}
		orders := &fakeOrders{transitioned: false}
		notifier := &fakeNotifier{}

		rc := newTestReconciler(poller, attempts, orders, notifier)

		if _, err := rc.Reconcile(context.Background(), "INV-1", "order-1", "buyer@example.com"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(notifier.sent) != 0 {
			t.Errorf("expected no email, got %v", notifier.sent)
		}
	})

	t.Run("records failure from provider", func(t *testing.T) {
		poller := &fakePoller{results: []*StatusResult{
			{State: domain.PaymentStatePending},
			{State: domain.PaymentStateFailed},
		}}
		attempts := &fakeAttempts{}
		orders := &fakeOrders{}

		rc := newTestReconciler(poller, attempts, orders, nil)

		state, err := rc.Reconcile(context.Background(), "INV-1", "order-1", "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if state != domain.PaymentStateFailed {
			t.Errorf("expected failed, got %s", state)
		}
		if len(orders.marked) != 0 {
			t.Errorf("order must not be marked paid, got %v", orders.marked)
		}
		if len(attempts.states) != 1 || attempts.states[0] != domain.PaymentStateFailed {
			t.Errorf("expected attempt set to failed, got %v", attempts.states)
		}
	})

	t.Run("abandons after exhausting the polling bound", func(t *testing.T) {
		poller := &fakePoller{}
		attempts := &fakeAttempts{}
		orders := &fakeOrders{}

		rc := newTestReconciler(poller, attempts, orders, nil)

		state, err := rc.Reconcile(context.Background(), "INV-1", "order-1", "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if state != domain.PaymentStateAbandoned {
			t.Errorf("expected abandoned, got %s", state)
		}
		if poller.calls != rc.MaxPolls {
			t.Errorf("expected %d polls, got %d", rc.MaxPolls, poller.calls)
		}
		if len(attempts.states) != 1 || attempts.states[0] != domain.PaymentStateAbandoned {
			t.Errorf("expected attempt set to abandoned, got %v", attempts.states)
		}
	})

	t.Run("provider hiccup costs one cycle instead of aborting", func(t *testing.T) {
		poller := &fakePoller{
			errs:    []error{ErrProviderUnreachable, nil},
			results: []*StatusResult{nil, {State: domain.PaymentStatePaid}},
		}
		attempts := &fakeAttempts{}
		orders := &fakeOrders{transitioned: true}

		rc := newTestReconciler(poller, attempts, orders, nil)

		state, err := rc.Reconcile(context.Background(), "INV-1", "order-1", "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if state != domain.PaymentStatePaid {
			t.Errorf("expected paid, got %s", state)
		}
		if poller.calls != 2 {
			t.Errorf("expected 2 polls, got %d", poller.calls)
		}
	})

	t.Run("stops on context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		rc := newTestReconciler(&fakePoller{}, &fakeAttempts{}, &fakeOrders{}, nil)

		_, err := rc.Reconcile(ctx, "INV-1", "order-1", "")
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	})
}

func TestReconciler_VerifyOrderPaid(t *testing.T) {
	t.Run("confirms when provider reports paid", func(t *testing.T) {
		attempts := &fakeAttempts{attempt: &domain.PaymentAttempt{InvoiceID: "INV-3", OrderID: "order-3", State: domain.PaymentStatePending}}
		poller := &fakePoller{results: []*StatusResult{{State: domain.PaymentStatePaid, Raw: json.RawMessage(`{"state":"COMPLETE"}`)}}}

		rc := newTestReconciler(poller, attempts, &fakeOrders{}, nil)

		paid, raw, err := rc.VerifyOrderPaid(context.Background(), "order-3")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !paid {
			t.Error("expected paid=true")
		}
		if len(raw) == 0 {
			t.Error("expected provider payload")
		}
		if len(attempts.states) != 0 {
			t.Errorf("verification must not settle the attempt before the order transition, got %v", attempts.states)
		}
	})

	t.Run("rejects when no attempt exists", func(t *testing.T) {
		rc := newTestReconciler(&fakePoller{}, &fakeAttempts{}, &fakeOrders{}, nil)

		paid, _, err := rc.VerifyOrderPaid(context.Background(), "order-3")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if paid {
			t.Error("expected paid=false without an attempt")
		}
	})

	t.Run("rejects while provider still pending", func(t *testing.T) {
		attempts := &fakeAttempts{attempt: &domain.PaymentAttempt{InvoiceID: "INV-3", OrderID: "order-3"}}
		poller := &fakePoller{results: []*StatusResult{{State: domain.PaymentStatePending}}}

		rc := newTestReconciler(poller, attempts, &fakeOrders{}, nil)

		paid, _, err := rc.VerifyOrderPaid(context.Background(), "order-3")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if paid {
			t.Error("expected paid=false while pending")
		}
	})
}
