package domain

import "time"

type OrderCreatedEvent struct {
	OrderID       string        `json:"order_id"`
	UserID        string        `json:"user_id,omitempty"`
	GuestEmail    string        `json:"guest_email,omitempty"`
	Items         []OrderItem   `json:"items"`
	TotalPrice    int64         `json:"total_price"`
	PaymentMethod PaymentMethod `json:"payment_method"`
	Timestamp     time.Time     `json:"timestamp"`
}

// PaymentInitiatedEvent hands a fresh STK push off to the reconciliation
// worker, which polls the provider until the attempt reaches a terminal
// state.
type PaymentInitiatedEvent struct {
	InvoiceID string    `json:"invoice_id"`
	OrderID   string    `json:"order_id"`
	Amount    int64     `json:"amount"`
	Phone     string    `json:"phone"`
	Email     string    `json:"email,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
