package domain

import (
	"encoding/json"
	"time"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRefunded  OrderStatus = "refunded"
)

type PaymentMethod string

const (
	PaymentMethodCard           PaymentMethod = "card"
	PaymentMethodMobileMoney    PaymentMethod = "mobile_money"
	PaymentMethodPayPal         PaymentMethod = "paypal"
	PaymentMethodCashOnDelivery PaymentMethod = "cash_on_delivery"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCard, PaymentMethodMobileMoney, PaymentMethodPayPal, PaymentMethodCashOnDelivery:
		return true
	}
	return false
}

type ShippingAddress struct {
	FullName       string `json:"full_name"`
	Phone          string `json:"phone"`
	AddressLine    string `json:"address_line"`
	City           string `json:"city"`
	DeliveryMethod string `json:"delivery_method"`
	PickupBranch   string `json:"pickup_branch,omitempty"`
}

type OrderItem struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Image     string `json:"image"`
	// UnitPrice is the server-side product price snapshotted at order
	// creation, in minor units. It never follows later catalog changes.
	UnitPrice  int64  `json:"unit_price"`
	Quantity   int    `json:"quantity"`
	SellerName string `json:"seller_name,omitempty"`

	// Derived on read, never stored.
	GrossAmount        int64 `json:"gross_amount"`
	PlatformCommission int64 `json:"platform_commission"`
	SellerEarning      int64 `json:"seller_earning"`
}

// ComputeEarnings fills the derived amounts from the frozen unit price.
func (i *OrderItem) ComputeEarnings() {
	i.GrossAmount = i.UnitPrice * int64(i.Quantity)
	i.PlatformCommission, i.SellerEarning = SplitCommission(i.GrossAmount)
}

type Order struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id,omitempty"`
	IsGuest         bool            `json:"is_guest"`
	GuestEmail      string          `json:"guest_email,omitempty"`
	Items           []OrderItem     `json:"items"`
	ShippingAddress ShippingAddress `json:"shipping_address"`
	PaymentMethod   PaymentMethod   `json:"payment_method"`
	PaymentResult   json.RawMessage `json:"payment_result,omitempty"`
	ItemsPrice      int64           `json:"items_price"`
	TaxPrice        int64           `json:"tax_price"`
	ShippingPrice   int64           `json:"shipping_price"`
	DiscountPrice   int64           `json:"discount_price"`
	TotalPrice      int64           `json:"total_price"`
	IsPaid          bool            `json:"is_paid"`
	PaidAt          *time.Time      `json:"paid_at,omitempty"`
	IsDelivered     bool            `json:"is_delivered"`
	DeliveredAt     *time.Time      `json:"delivered_at,omitempty"`
	Status          OrderStatus     `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// OrderTotal combines the price components, clamped at zero so an oversized
// discount can never produce a negative total.
func OrderTotal(items, tax, shipping, discount int64) int64 {
	total := items + tax + shipping - discount
	if total < 0 {
		return 0
	}
	return total
}
