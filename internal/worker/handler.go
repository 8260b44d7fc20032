package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/joao-fontenele/primestore/internal/domain"
)

// Reconciling one payment holds a poll loop open for up to a minute, so the
// handler runs each event on its own goroutine behind a concurrency cap and
// acks immediately. A payment whose reconciliation is lost to a crash is
// still settled later by the webhook or the status endpoint.
type ReconcileHandler struct {
	reconciler Reconciler
	logger     *slog.Logger

	sem chan struct{}
	wg  sync.WaitGroup
}

type Reconciler interface {
	Reconcile(ctx context.Context, invoiceID, orderID, email string) (domain.PaymentState, error)
}

func NewReconcileHandler(reconciler Reconciler, maxConcurrent int, logger *slog.Logger) *ReconcileHandler {
	if maxConcurrent <= 0 {
		maxConcurrent = 16
	}
	return &ReconcileHandler{
		reconciler: reconciler,
		logger:     logger,
		sem:        make(chan struct{}, maxConcurrent),
	}
}

func (h *ReconcileHandler) Handle(ctx context.Context, payload []byte) error {
	var event domain.PaymentInitiatedEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("unmarshal payment initiated event: %w", err)
	}
	if event.InvoiceID == "" || event.OrderID == "" {
		return fmt.Errorf("payment initiated event missing invoice or order id")
	}

	select {
	case h.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	h.logger.Info("reconciling payment", "invoice_id", event.InvoiceID, "order_id", event.OrderID)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer func() { <-h.sem }()

		state, err := h.reconciler.Reconcile(ctx, event.InvoiceID, event.OrderID, event.Email)
		if err != nil {
			h.logger.Error("reconciliation aborted", "error", err, "invoice_id", event.InvoiceID, "order_id", event.OrderID)
			return
		}
		h.logger.Info("reconciliation settled", "invoice_id", event.InvoiceID, "order_id", event.OrderID, "state", state)
	}()

	return nil
}

// Wait blocks until in-flight reconciliations finish. Called on shutdown.
func (h *ReconcileHandler) Wait() {
	h.wg.Wait()
}
