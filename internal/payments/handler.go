package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/joao-fontenele/primestore/internal/domain"
	"github.com/joao-fontenele/primestore/internal/orders"
	"github.com/joao-fontenele/primestore/internal/telemetry"
)

// PushGateway is the provider surface the handler needs.
type PushGateway interface {
	Configured() bool
	InitiatePush(ctx context.Context, req PushRequest) (*PushResult, error)
	PollStatus(ctx context.Context, invoiceID string) (*StatusResult, error)
	CheckoutConfig(amount int64, orderID string) map[string]any
}

// EventPublisher is the Kafka producer surface.
type EventPublisher interface {
	Publish(ctx context.Context, key string, event any) error
}

type Handler struct {
	gateway  PushGateway
	attempts AttemptStore
	orders   OrderMarker
	cache    *StatusCache
	producer EventPublisher
	notifier Notifier
	metrics  *telemetry.CheckoutMetrics
	logger   *slog.Logger
}

func NewHandler(gateway PushGateway, attempts AttemptStore, orders OrderMarker, cache *StatusCache, producer EventPublisher, notifier Notifier, metrics *telemetry.CheckoutMetrics, logger *slog.Logger) *Handler {
	return &Handler{
		gateway:  gateway,
		attempts: attempts,
		orders:   orders,
		cache:    cache,
		producer: producer,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
	}
}

type pushRequest struct {
	OrderID     string `json:"order_id"`
	Amount      int64  `json:"amount"`
	PhoneNumber string `json:"phone_number"`
	Email       string `json:"email"`
	FullName    string `json:"full_name"`
}

// HandlePush starts an STK push for an order. The customer approves the
// prompt on their phone; settlement is observed asynchronously by the
// reconciliation worker, so this endpoint only records the attempt and
// hands back the invoice id to track.
func (h *Handler) HandlePush(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.OrderID == "" {
		h.writeError(w, http.StatusBadRequest, "order_id is required")
		return
	}
	if req.Amount <= 0 {
		h.writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	phone := NormalizePhone(req.PhoneNumber)
	if !ValidPhone(phone) {
		h.writeError(w, http.StatusBadRequest, "use a valid Kenya phone number, e.g. 0712345678 or 254712345678")
		return
	}

	result, err := h.gateway.InitiatePush(r.Context(), PushRequest{
		Amount:    req.Amount,
		Phone:     phone,
		Email:     req.Email,
		FullName:  req.FullName,
		Reference: req.OrderID,
	})
	if err != nil {
		var provErr *ProviderError
		switch {
		case errors.As(err, &provErr):
			h.logger.Warn("provider rejected push", "error", err, "order_id", req.OrderID)
			h.writeError(w, http.StatusBadRequest, provErr.Detail)
		case errors.Is(err, ErrProviderUnreachable):
			h.logger.Error("payment provider unreachable", "error", err, "order_id", req.OrderID)
			h.writeError(w, http.StatusBadGateway, "payment provider unavailable")
		default:
			h.logger.Error("failed to initiate push", "error", err, "order_id", req.OrderID)
			h.writeError(w, http.StatusInternalServerError, "failed to initiate payment")
		}
		return
	}

	// Keys absent: surface the provider config state and let the client
	// fall back to another method.
	if !result.Configured {
		h.writeJSON(w, http.StatusOK, result)
		return
	}

	attempt := &domain.PaymentAttempt{
		InvoiceID: result.InvoiceID,
		OrderID:   req.OrderID,
		Channel:   domain.PaymentChannelMobileMoney,
		State:     domain.PaymentStatePending,
	}
	if err := h.attempts.Create(r.Context(), attempt); err != nil {
		if errors.Is(err, ErrAttemptActive) {
			h.writeError(w, http.StatusConflict, "a payment is already in progress for this order")
			return
		}
		h.logger.Error("failed to record payment attempt", "error", err, "order_id", req.OrderID)
		h.writeError(w, http.StatusInternalServerError, "failed to record payment")
		return
	}

	if h.producer != nil {
		event := domain.PaymentInitiatedEvent{
			InvoiceID: result.InvoiceID,
			OrderID:   req.OrderID,
			Amount:    req.Amount,
			Phone:     phone,
			Email:     req.Email,
			Timestamp: time.Now().UTC(),
		}
		if err := h.producer.Publish(r.Context(), result.InvoiceID, event); err != nil {
			h.logger.Error("failed to publish payment.initiated", "error", err, "invoice_id", result.InvoiceID)
		}
	}

	h.logger.Info("push initiated", "invoice_id", result.InvoiceID, "order_id", req.OrderID, "amount", req.Amount)
	h.writeJSON(w, http.StatusOK, result)
}

// HandleStatus reports the state of an invoice. Settled invoices are served
// from cache; otherwise the provider is polled once, and a paid answer is
// funnelled through the same idempotent order transition the worker uses.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	invoiceID := r.PathValue("invoiceId")
	if invoiceID == "" {
		h.writeError(w, http.StatusBadRequest, "invoice id is required")
		return
	}

	if h.cache != nil {
		state, err := h.cache.GetState(r.Context(), invoiceID)
		if err != nil {
			h.logger.Warn("payment cache read failed", "error", err, "invoice_id", invoiceID)
		} else if state.Terminal() {
			h.writeStatus(w, invoiceID, state)
			return
		}
	}

	attempt, err := h.attempts.GetByInvoiceID(r.Context(), invoiceID)
	if err != nil {
		h.logger.Error("failed to load payment attempt", "error", err, "invoice_id", invoiceID)
		h.writeError(w, http.StatusInternalServerError, "failed to load payment")
		return
	}
	if attempt == nil {
		h.writeError(w, http.StatusNotFound, "unknown invoice")
		return
	}
	if attempt.State.Terminal() {
		h.cacheState(r.Context(), invoiceID, attempt.State)
		h.writeStatus(w, invoiceID, attempt.State)
		return
	}

	status, err := h.gateway.PollStatus(r.Context(), invoiceID)
	if err != nil {
		h.logger.Warn("status poll failed, reporting last known state", "error", err, "invoice_id", invoiceID)
		h.writeStatus(w, invoiceID, attempt.State)
		return
	}

	switch status.State {
	case domain.PaymentStatePaid:
		order, transitioned, err := h.orders.MarkPaid(r.Context(), attempt.OrderID, status.Raw)
		if err != nil {
			h.logger.Error("failed to mark order paid", "error", err, "order_id", attempt.OrderID)
			h.writeError(w, http.StatusInternalServerError, "failed to record payment")
			return
		}
		if err := h.attempts.SetState(r.Context(), invoiceID, domain.PaymentStatePaid); err != nil {
			h.logger.Error("failed to record paid attempt", "error", err, "invoice_id", invoiceID)
		}
		h.cacheState(r.Context(), invoiceID, domain.PaymentStatePaid)
		if transitioned {
			if h.metrics != nil {
				h.metrics.PaymentsConfirmed.Add(r.Context(), 1)
			}
			if h.notifier != nil && order.GuestEmail != "" {
				h.notifier.SendAsync(r.Context(), order.GuestEmail,
					fmt.Sprintf("Payment confirmed #%s", order.ID),
					fmt.Sprintf("Payment confirmed for order #%s.", order.ID))
			}
			h.logger.Info("payment confirmed via status poll", "invoice_id", invoiceID, "order_id", attempt.OrderID)
		}
	case domain.PaymentStateFailed:
		if err := h.attempts.SetState(r.Context(), invoiceID, domain.PaymentStateFailed); err != nil {
			h.logger.Error("failed to record failed attempt", "error", err, "invoice_id", invoiceID)
		}
		h.cacheState(r.Context(), invoiceID, domain.PaymentStateFailed)
	}

	h.writeStatus(w, invoiceID, status.State)
}

type webhookPayload struct {
	InvoiceID string `json:"invoice_id"`
	State     string `json:"state"`
	APIRef    string `json:"api_ref"`
	OrderID   string `json:"order_id"`
}

// HandleWebhook ingests provider callbacks. Anomalies a retry cannot fix,
// like an unknown order or a duplicate delivery, are acknowledged so the
// provider stops retrying. Transient failures return 5xx so the provider
// redelivers; the dedup key is claimed only after the transition is
// applied, never for a delivery that failed to apply.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid webhook payload")
		return
	}

	orderID := payload.OrderID
	if orderID == "" {
		orderID = payload.APIRef
	}
	if orderID == "" {
		h.writeError(w, http.StatusBadRequest, "webhook missing order reference")
		return
	}

	state := normalizeProviderState(payload.State)
	if state != domain.PaymentStatePaid {
		h.logger.Info("webhook ignored, non-success state", "invoice_id", payload.InvoiceID, "state", payload.State)
		h.writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	if h.cache != nil && payload.InvoiceID != "" {
		seen, err := h.cache.WebhookSeen(r.Context(), payload.InvoiceID)
		if err != nil {
			h.logger.Warn("webhook dedup check failed", "error", err, "invoice_id", payload.InvoiceID)
		} else if seen {
			h.writeJSON(w, http.StatusOK, map[string]bool{"received": true})
			return
		}
	}

	_, transitioned, err := h.orders.MarkPaid(r.Context(), orderID, body)
	if err != nil {
		if errors.Is(err, orders.ErrOrderNotFound) {
			// A retry cannot fix an unknown order reference.
			h.logger.Warn("webhook for unknown order acknowledged", "order_id", orderID, "invoice_id", payload.InvoiceID)
			h.writeJSON(w, http.StatusOK, map[string]bool{"received": true})
			return
		}
		h.logger.Error("webhook could not be applied", "error", err, "order_id", orderID)
		h.writeError(w, http.StatusInternalServerError, "failed to record payment")
		return
	}

	if payload.InvoiceID != "" {
		if err := h.attempts.SetState(r.Context(), payload.InvoiceID, domain.PaymentStatePaid); err != nil {
			h.logger.Error("failed to record paid attempt", "error", err, "invoice_id", payload.InvoiceID)
		}
		h.cacheState(r.Context(), payload.InvoiceID, domain.PaymentStatePaid)
		if h.cache != nil {
			if _, err := h.cache.MarkWebhookSeen(r.Context(), payload.InvoiceID); err != nil {
				h.logger.Warn("webhook dedup claim failed", "error", err, "invoice_id", payload.InvoiceID)
			}
		}
	}

	if transitioned {
		if h.metrics != nil {
			h.metrics.PaymentsConfirmed.Add(r.Context(), 1)
		}
		h.logger.Info("payment confirmed via webhook", "invoice_id", payload.InvoiceID, "order_id", orderID)
	}

	h.writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// HandleCheckoutConfig hands the client the public half of the provider
// configuration for embedded checkout flows.
func (h *Handler) HandleCheckoutConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount  int64  `json:"amount"`
		OrderID string `json:"order_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Amount <= 0 {
		h.writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	h.writeJSON(w, http.StatusOK, h.gateway.CheckoutConfig(req.Amount, req.OrderID))
}

func (h *Handler) cacheState(ctx context.Context, invoiceID string, state domain.PaymentState) {
	if h.cache == nil {
		return
	}
	if err := h.cache.SetState(ctx, invoiceID, state); err != nil {
		h.logger.Warn("payment cache write failed", "error", err, "invoice_id", invoiceID)
	}
}

func (h *Handler) writeStatus(w http.ResponseWriter, invoiceID string, state domain.PaymentState) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"invoice_id": invoiceID,
		"state":      state,
		"is_paid":    state == domain.PaymentStatePaid,
		"is_failed":  state == domain.PaymentStateFailed,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
