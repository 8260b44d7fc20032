package domain

import "time"

// PaymentState is the closed normalization of everything the mobile-money
// provider can report. Raw provider strings never leave the gateway adapter.
type PaymentState string

const (
	PaymentStatePending PaymentState = "pending"
	PaymentStatePaid    PaymentState = "paid"
	PaymentStateFailed  PaymentState = "failed"
	// PaymentStateAbandoned is reached only by exhausting the polling
	// bound. The order stays pending and a fresh attempt is allowed.
	PaymentStateAbandoned PaymentState = "abandoned"
)

func (s PaymentState) Terminal() bool {
	return s == PaymentStatePaid || s == PaymentStateFailed || s == PaymentStateAbandoned
}

type PaymentChannel string

const (
	PaymentChannelMobileMoney PaymentChannel = "mobile_money"
	PaymentChannelCard        PaymentChannel = "card"
)

// PaymentAttempt tracks one push against the provider. An order has at most
// one non-terminal attempt at a time; retries create fresh rows.
type PaymentAttempt struct {
	InvoiceID string         `json:"invoice_id"`
	OrderID   string         `json:"order_id"`
	Channel   PaymentChannel `json:"channel"`
	State     PaymentState   `json:"state"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
