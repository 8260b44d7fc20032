package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/joao-fontenele/primestore/internal/domain"
	"github.com/joao-fontenele/primestore/internal/inventory"
)

var (
	ErrOrderNotFound  = errors.New("order not found")
	ErrNotDeliverable = errors.New("order is not paid")
	ErrNotCancellable = errors.New("only pending orders can be cancelled")
)

// ProductError ties a stock or lookup failure to the offending product so
// the checkout response can name it.
type ProductError struct {
	Err       error
	ProductID string
	Name      string
}

func (e *ProductError) Error() string {
	label := e.Name
	if label == "" {
		label = e.ProductID
	}
	return fmt.Sprintf("%v: %s", e.Err, label)
}

func (e *ProductError) Unwrap() error { return e.Err }

type OrderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Create persists the order, its line snapshots and every stock decrement in
// a single transaction. Either all lines are reserved and the order exists,
// or nothing changed. Unit prices come from the product row, not the client,
// and are frozen from here on. For authenticated buyers the purchased
// products are dropped from their cart in the same transaction.
func (r *OrderRepository) Create(ctx context.Context, order *domain.Order) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	order.ID = uuid.New().String()
	order.Status = domain.OrderStatusPending
	order.IsPaid = false

	shipping, err := json.Marshal(order.ShippingAddress)
	if err != nil {
		return fmt.Errorf("marshal shipping address: %w", err)
	}

	var userID any
	if order.UserID != "" {
		userID = order.UserID
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, user_id, is_guest, guest_email, shipping_address, payment_method,
			items_price, tax_price, shipping_price, discount_price, total_price,
			status, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
	`, order.ID, userID, order.IsGuest, order.GuestEmail, shipping, order.PaymentMethod,
		order.ItemsPrice, order.TaxPrice, order.ShippingPrice, order.DiscountPrice,
		order.TotalPrice, order.Status, order.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	productIDs := make([]string, 0, len(order.Items))
	for i := range order.Items {
		item := &order.Items[i]

		var name, image, seller string
		var price int64
		err := tx.QueryRowContext(ctx, `
			SELECT name, image, price, seller_name FROM products WHERE id = $1
		`, item.ProductID).Scan(&name, &image, &price, &seller)
		if err != nil {
			if err == sql.ErrNoRows {
				return &ProductError{Err: inventory.ErrProductNotFound, ProductID: item.ProductID}
			}
			return fmt.Errorf("snapshot product %s: %w", item.ProductID, err)
		}

		if err := inventory.DecrementStock(ctx, tx, item.ProductID, item.Quantity); err != nil {
			if errors.Is(err, inventory.ErrInsufficientStock) || errors.Is(err, inventory.ErrProductNotFound) {
				return &ProductError{Err: err, ProductID: item.ProductID, Name: name}
			}
			return err
		}

		item.ID = uuid.New().String()
		item.UnitPrice = price
		item.SellerName = seller
		if item.Name == "" {
			item.Name = name
		}
		if item.Image == "" {
			item.Image = image
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (id, order_id, product_id, name, image, unit_price, quantity, seller_name)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, item.ID, order.ID, item.ProductID, item.Name, item.Image, item.UnitPrice, item.Quantity, item.SellerName)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}

		productIDs = append(productIDs, item.ProductID)
	}

	if order.UserID != "" {
		_, err = tx.ExecContext(ctx, `
			DELETE FROM cart_items
			WHERE cart_id = (SELECT id FROM carts WHERE user_id = $1)
			  AND product_id = ANY($2)
		`, order.UserID, pq.Array(productIDs))
		if err != nil {
			return fmt.Errorf("clear cart items: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	for i := range order.Items {
		order.Items[i].ComputeEarnings()
	}

	return nil
}

func (r *OrderRepository) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	order, err := r.scanOrder(r.db.QueryRowContext(ctx, `
		SELECT id, user_id, is_guest, guest_email, shipping_address, payment_method,
		       payment_result, items_price, tax_price, shipping_price, discount_price,
		       total_price, is_paid, paid_at, is_delivered, delivered_at, status,
		       created_at, updated_at
		FROM orders
		WHERE id = $1
	`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, product_id, name, image, unit_price, quantity, seller_name
		FROM order_items
		WHERE order_id = $1
	`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ID, &item.ProductID, &item.Name, &item.Image,
			&item.UnitPrice, &item.Quantity, &item.SellerName); err != nil {
			return nil, err
		}
		item.ComputeEarnings()
		order.Items = append(order.Items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return order, nil
}

func (r *OrderRepository) ListByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	return r.list(ctx, `
		SELECT id, user_id, is_guest, guest_email, shipping_address, payment_method,
		       payment_result, items_price, tax_price, shipping_price, discount_price,
		       total_price, is_paid, paid_at, is_delivered, delivered_at, status,
		       created_at, updated_at
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
}

// List returns all orders, optionally filtered by status. Admin surface.
func (r *OrderRepository) List(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error) {
	if status != "" {
		return r.list(ctx, `
			SELECT id, user_id, is_guest, guest_email, shipping_address, payment_method,
			       payment_result, items_price, tax_price, shipping_price, discount_price,
			       total_price, is_paid, paid_at, is_delivered, delivered_at, status,
			       created_at, updated_at
			FROM orders
			WHERE status = $1
			ORDER BY created_at DESC
		`, status)
	}
	return r.list(ctx, `
		SELECT id, user_id, is_guest, guest_email, shipping_address, payment_method,
		       payment_result, items_price, tax_price, shipping_price, discount_price,
		       total_price, is_paid, paid_at, is_delivered, delivered_at, status,
		       created_at, updated_at
		FROM orders
		ORDER BY created_at DESC
	`)
}

// MarkPaid flips the order to paid exactly once. The conditional UPDATE on
// is_paid = FALSE is the idempotency guard: concurrent callers race at the
// row and only one sees rowsAffected = 1. The bool reports whether this call
// performed the transition; an already-paid order comes back unchanged.
func (r *OrderRepository) MarkPaid(ctx context.Context, id string, result json.RawMessage) (*domain.Order, bool, error) {
	var payload any
	if len(result) > 0 {
		payload = []byte(result)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE orders
		SET is_paid = TRUE, paid_at = NOW(), status = 'paid', payment_result = $2, updated_at = NOW()
		WHERE id = $1 AND is_paid = FALSE
	`, id, payload)
	if err != nil {
		return nil, false, err
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	order, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if order == nil {
		return nil, false, ErrOrderNotFound
	}

	return order, rowsAffected == 1, nil
}

// MarkDelivered is valid only from paid.
func (r *OrderRepository) MarkDelivered(ctx context.Context, id string) (*domain.Order, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE orders
		SET is_delivered = TRUE, delivered_at = NOW(), status = 'delivered', updated_at = NOW()
		WHERE id = $1 AND status = 'paid'
	`, id)
	if err != nil {
		return nil, err
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rowsAffected == 0 {
		order, err := r.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if order == nil {
			return nil, ErrOrderNotFound
		}
		return nil, ErrNotDeliverable
	}

	return r.GetByID(ctx, id)
}

// Cancel moves a pending order to cancelled and returns its stock.
func (r *OrderRepository) Cancel(ctx context.Context, id string) (*domain.Order, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id)
	if err != nil {
		return nil, err
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rowsAffected == 0 {
		order, err := r.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if order == nil {
			return nil, ErrOrderNotFound
		}
		return nil, ErrNotCancellable
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT product_id, quantity FROM order_items WHERE order_id = $1
	`, id)
	if err != nil {
		return nil, err
	}

	type line struct {
		productID string
		qty       int
	}
	var lines []line
	for rows.Next() {
		var l line
		if err := rows.Scan(&l.productID, &l.qty); err != nil {
			_ = rows.Close()
			return nil, err
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for _, l := range lines {
		if err := inventory.RestoreStock(ctx, tx, l.productID, l.qty); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return r.GetByID(ctx, id)
}

func (r *OrderRepository) list(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	orderMap := make(map[string]*domain.Order)
	var orderIDs []string

	for rows.Next() {
		order, err := r.scanOrder(rows)
		if err != nil {
			return nil, err
		}
		order.Items = []domain.OrderItem{}
		orderMap[order.ID] = order
		orderIDs = append(orderIDs, order.ID)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(orderIDs) == 0 {
		return []domain.Order{}, nil
	}

	itemRows, err := r.db.QueryContext(ctx, `
		SELECT order_id, id, product_id, name, image, unit_price, quantity, seller_name
		FROM order_items
		WHERE order_id = ANY($1)
	`, pq.Array(orderIDs))
	if err != nil {
		return nil, err
	}
	defer func() { _ = itemRows.Close() }()

	for itemRows.Next() {
		var orderID string
		var item domain.OrderItem
		if err := itemRows.Scan(&orderID, &item.ID, &item.ProductID, &item.Name,
			&item.Image, &item.UnitPrice, &item.Quantity, &item.SellerName); err != nil {
			return nil, err
		}
		item.ComputeEarnings()
		order := orderMap[orderID]
		order.Items = append(order.Items, item)
	}

	if err := itemRows.Err(); err != nil {
		return nil, err
	}

	orders := make([]domain.Order, 0, len(orderIDs))
	for _, id := range orderIDs {
		orders = append(orders, *orderMap[id])
	}

	return orders, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *OrderRepository) scanOrder(row rowScanner) (*domain.Order, error) {
	order := &domain.Order{}

	var userID sql.NullString
	var paidAt, deliveredAt sql.NullTime
	var shipping, paymentResult []byte

	err := row.Scan(
		&order.ID, &userID, &order.IsGuest, &order.GuestEmail, &shipping,
		&order.PaymentMethod, &paymentResult, &order.ItemsPrice, &order.TaxPrice,
		&order.ShippingPrice, &order.DiscountPrice, &order.TotalPrice,
		&order.IsPaid, &paidAt, &order.IsDelivered, &deliveredAt, &order.Status,
		&order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if userID.Valid {
		order.UserID = userID.String
	}
	if paidAt.Valid {
		order.PaidAt = &paidAt.Time
	}
	if deliveredAt.Valid {
		order.DeliveredAt = &deliveredAt.Time
	}
	if len(shipping) > 0 {
		if err := json.Unmarshal(shipping, &order.ShippingAddress); err != nil {
			return nil, fmt.Errorf("unmarshal shipping address: %w", err)
		}
	}
	if len(paymentResult) > 0 {
		order.PaymentResult = json.RawMessage(paymentResult)
	}

	return order, nil
}
