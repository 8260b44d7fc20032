package orders

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
	"github.com/joao-fontenele/primestore/internal/inventory"
	"github.com/joao-fontenele/primestore/internal/telemetry"
)

// OrderStore is the storage surface the handler needs. *OrderRepository
// satisfies it; tests substitute doubles.
type OrderStore interface {
	Create(ctx context.Context, order *domain.Order) error
	GetByID(ctx context.Context, id string) (*domain.Order, error)
	ListByUser(ctx context.Context, userID string) ([]domain.Order, error)
	List(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error)
	MarkPaid(ctx context.Context, id string, result json.RawMessage) (*domain.Order, bool, error)
	MarkDelivered(ctx context.Context, id string) (*domain.Order, error)
	Cancel(ctx context.Context, id string) (*domain.Order, error)
}

// Notifier sends transactional email without ever failing the request.
type Notifier interface {
	SendAsync(ctx context.Context, to, subject, body string)
}

// Auditor records user actions best-effort.
type Auditor interface {
	Log(ctx context.Context, action, userID, details, ip, userAgent string)
}

// EventPublisher is the Kafka producer surface.
type EventPublisher interface {
	Publish(ctx context.Context, key string, event any) error
}

// PaymentVerifier checks with the payment provider whether an order's active
// mobile-money attempt is actually paid. Client assertions alone never flip
// an order.
type PaymentVerifier interface {
	VerifyOrderPaid(ctx context.Context, orderID string) (bool, json.RawMessage, error)
}

// BuyerContext is the already-verified identity supplied by the auth layer
// in front of this service. An empty ID means guest.
type BuyerContext struct {
	ID    string
	Email string
	Role  string
}

func (b BuyerContext) Authenticated() bool { return b.ID != "" }

func buyerFromRequest(r *http.Request) BuyerContext {
	return BuyerContext{
		ID:    r.Header.Get("X-User-Id"),
		Email: r.Header.Get("X-User-Email"),
		Role:  r.Header.Get("X-User-Role"),
	}
}

type Handler struct {
	store    OrderStore
	producer EventPublisher
	notifier Notifier
	auditor  Auditor
	verifier PaymentVerifier
	metrics  *telemetry.CheckoutMetrics
	logger   *slog.Logger
}

func NewHandler(store OrderStore, producer EventPublisher, notifier Notifier, auditor Auditor, verifier PaymentVerifier, metrics *telemetry.CheckoutMetrics, logger *slog.Logger) *Handler {
	return &Handler{
		store:    store,
		producer: producer,
		notifier: notifier,
		auditor:  auditor,
		verifier: verifier,
		metrics:  metrics,
		logger:   logger,
	}
}

type createOrderItem struct {
	Product  string `json:"product"`
	Name     string `json:"name"`
	Image    string `json:"image"`
	Price    int64  `json:"price"`
	Quantity int    `json:"quantity"`
}

type createOrderRequest struct {
	OrderItems      []createOrderItem      `json:"order_items"`
	ShippingAddress domain.ShippingAddress `json:"shipping_address"`
	PaymentMethod   domain.PaymentMethod   `json:"payment_method"`
	ItemsPrice      int64                  `json:"items_price"`
	TaxPrice        int64                  `json:"tax_price"`
	ShippingPrice   int64                  `json:"shipping_price"`
	DiscountPrice   int64                  `json:"discount_price"`
	TotalPrice      int64                  `json:"total_price"`
	GuestEmail      string                 `json:"guest_email"`
}

// HandleCreate runs the whole checkout sequence: validate, create the order
// with its stock decrements in one transaction, then fire the post-commit
// side effects (receipt email, audit entry, order.created event), none of
// which can fail the checkout.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if len(req.OrderItems) == 0 {
		h.writeError(w, http.StatusBadRequest, "no order items")
		return
	}

	buyer := buyerFromRequest(r)
	if !buyer.Authenticated() && req.GuestEmail == "" {
		h.writeError(w, http.StatusBadRequest, "guest checkout requires email")
		return
	}

	method := req.PaymentMethod
	if method == "" {
		method = domain.PaymentMethodMobileMoney
	}
	if !method.Valid() {
		h.writeError(w, http.StatusBadRequest, "unsupported payment method")
		return
	}

	email := req.GuestEmail
	if buyer.Authenticated() {
		email = buyer.Email
	}

	total := req.TotalPrice
	if total == 0 {
		total = domain.OrderTotal(req.ItemsPrice, req.TaxPrice, req.ShippingPrice, req.DiscountPrice)
	}

	order := &domain.Order{
		UserID:          buyer.ID,
		IsGuest:         !buyer.Authenticated(),
		GuestEmail:      email,
		ShippingAddress: req.ShippingAddress,
		PaymentMethod:   method,
		ItemsPrice:      req.ItemsPrice,
		TaxPrice:        req.TaxPrice,
		ShippingPrice:   req.ShippingPrice,
		DiscountPrice:   req.DiscountPrice,
		TotalPrice:      total,
		CreatedAt:       time.Now().UTC(),
	}
	for _, item := range req.OrderItems {
		order.Items = append(order.Items, domain.OrderItem{
			ProductID: item.Product,
			Name:      item.Name,
			Image:     item.Image,
			Quantity:  max(1, item.Quantity),
		})
	}

	if err := h.store.Create(r.Context(), order); err != nil {
		var productErr *ProductError
		switch {
		case errors.As(err, &productErr) && errors.Is(err, inventory.ErrProductNotFound):
			h.writeError(w, http.StatusNotFound, productErr.Error())
		case errors.As(err, &productErr) && errors.Is(err, inventory.ErrInsufficientStock):
			h.writeError(w, http.StatusConflict, fmt.Sprintf("out of stock: %s", productErr.Name))
		default:
			h.logger.Error("failed to create order", "error", err)
			h.writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	if h.metrics != nil {
		h.metrics.OrdersCreated.Add(r.Context(), 1)
	}

	if to := firstNonEmpty(buyer.Email, order.GuestEmail); h.notifier != nil && to != "" {
		h.notifier.SendAsync(r.Context(), to,
			fmt.Sprintf("Order created #%s", order.ID),
			fmt.Sprintf("Your order was placed successfully. Total: KES %d.%02d", order.TotalPrice/100, order.TotalPrice%100))
	}

	if h.auditor != nil && buyer.Authenticated() {
		h.auditor.Log(r.Context(), "PURCHASE", buyer.ID,
			fmt.Sprintf("Order %s placed. Total: %d", order.ID, order.TotalPrice),
			r.RemoteAddr, r.UserAgent())
	}

	if h.producer != nil {
		event := domain.OrderCreatedEvent{
			OrderID:       order.ID,
			UserID:        order.UserID,
			GuestEmail:    order.GuestEmail,
			Items:         order.Items,
			TotalPrice:    order.TotalPrice,
			PaymentMethod: order.PaymentMethod,
			Timestamp:     order.CreatedAt,
		}
		if err := h.producer.Publish(r.Context(), order.ID, event); err != nil {
			h.logger.Error("failed to publish order created event", "error", err, "order_id", order.ID)
		}
	}

	h.logger.Info("order created", "order_id", order.ID, "guest", order.IsGuest, "payment_method", order.PaymentMethod)
	h.writeJSON(w, http.StatusCreated, order)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	buyer := buyerFromRequest(r)
	if !buyer.Authenticated() {
		h.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	order, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get order", "error", err, "id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if order == nil {
		h.writeError(w, http.StatusNotFound, "order not found")
		return
	}
	if buyer.Role != "admin" && order.UserID != buyer.ID {
		h.writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	h.writeJSON(w, http.StatusOK, order)
}

func (h *Handler) HandleMine(w http.ResponseWriter, r *http.Request) {
	buyer := buyerFromRequest(r)
	if !buyer.Authenticated() {
		h.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	orders, err := h.store.ListByUser(r.Context(), buyer.ID)
	if err != nil {
		h.logger.Error("failed to list orders", "error", err, "user_id", buyer.ID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, orders)
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	buyer := buyerFromRequest(r)
	if buyer.Role != "admin" {
		h.writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	orders, err := h.store.List(r.Context(), domain.OrderStatus(r.URL.Query().Get("status")))
	if err != nil {
		h.logger.Error("failed to list orders", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, orders)
}

// HandlePay is the client-driven confirmation path. For mobile-money orders
// the provider is re-checked before the transition; for the other methods
// the opaque payload is recorded as a manual settlement.
func (h *Handler) HandlePay(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get order", "error", err, "id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if order == nil {
		h.writeError(w, http.StatusNotFound, "order not found")
		return
	}
	if order.IsPaid {
		h.writeJSON(w, http.StatusOK, order)
		return
	}

	result := json.RawMessage(payload)
	if order.PaymentMethod == domain.PaymentMethodMobileMoney && h.verifier != nil {
		confirmed, providerResult, err := h.verifier.VerifyOrderPaid(r.Context(), order.ID)
		if err != nil {
			h.logger.Error("failed to verify payment", "error", err, "order_id", order.ID)
			h.writeError(w, http.StatusBadGateway, "payment provider unavailable")
			return
		}
		if !confirmed {
			h.writeError(w, http.StatusConflict, "payment not confirmed by provider")
			return
		}
		result = providerResult
	}

	updated, transitioned, err := h.store.MarkPaid(r.Context(), id, result)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			h.writeError(w, http.StatusNotFound, "order not found")
			return
		}
		h.logger.Error("failed to mark order paid", "error", err, "id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if transitioned && h.notifier != nil {
		h.notifier.SendAsync(r.Context(), updated.GuestEmail,
			fmt.Sprintf("Payment confirmed #%s", updated.ID),
			fmt.Sprintf("Payment confirmed for order #%s.", updated.ID))
	}

	h.logger.Info("order marked paid", "order_id", id, "transitioned", transitioned)
	h.writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) HandleDeliver(w http.ResponseWriter, r *http.Request) {
	buyer := buyerFromRequest(r)
	if buyer.Role != "admin" {
		h.writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	id := r.PathValue("id")
	order, err := h.store.MarkDelivered(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, ErrOrderNotFound):
			h.writeError(w, http.StatusNotFound, "order not found")
		case errors.Is(err, ErrNotDeliverable):
			h.writeError(w, http.StatusConflict, "order is not paid")
		default:
			h.logger.Error("failed to mark order delivered", "error", err, "id", id)
			h.writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	h.logger.Info("order marked delivered", "order_id", id)
	h.writeJSON(w, http.StatusOK, order)
}

func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	buyer := buyerFromRequest(r)
	if !buyer.Authenticated() {
		h.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	id := r.PathValue("id")
	if buyer.Role != "admin" {
		existing, err := h.store.GetByID(r.Context(), id)
		if err != nil {
			h.logger.Error("failed to get order", "error", err, "id", id)
			h.writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if existing == nil {
			h.writeError(w, http.StatusNotFound, "order not found")
			return
		}
		if existing.UserID != buyer.ID {
			h.writeError(w, http.StatusForbidden, "forbidden")
			return
		}
	}

	order, err := h.store.Cancel(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, ErrOrderNotFound):
			h.writeError(w, http.StatusNotFound, "order not found")
		case errors.Is(err, ErrNotCancellable):
			h.writeError(w, http.StatusConflict, "only pending orders can be cancelled")
		default:
			h.logger.Error("failed to cancel order", "error", err, "id", id)
			h.writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	h.logger.Info("order cancelled", "order_id", id)
	h.writeJSON(w, http.StatusOK, order)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
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
