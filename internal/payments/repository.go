package payments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/joao-fontenele/primestore/internal/domain"
)

var (
	ErrAttemptNotFound = errors.New("payment attempt not found")
	ErrAttemptActive   = errors.New("order already has a pending payment attempt")
)

type AttemptRepository struct {
	db *sql.DB
}

func NewAttemptRepository(db *sql.DB) *AttemptRepository {
	return &AttemptRepository{db: db}
}

// Create records a fresh attempt. An order can carry at most one pending
// attempt; retries are allowed only after the previous one reached a
// terminal state.
func (r *AttemptRepository) Create(ctx context.Context, attempt *domain.PaymentAttempt) error {
	attempt.State = domain.PaymentStatePending

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO payment_attempts (invoice_id, order_id, channel, state, created_at, updated_at)
		SELECT $1, $2, $3, 'pending', NOW(), NOW()
		WHERE NOT EXISTS (
			SELECT 1 FROM payment_attempts WHERE order_id = $2 AND state = 'pending'
		)
	`, attempt.InvoiceID, attempt.OrderID, attempt.Channel)
	if err != nil {
		return fmt.Errorf("insert payment attempt: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrAttemptActive
	}

	return nil
}

func (r *AttemptRepository) GetByInvoiceID(ctx context.Context, invoiceID string) (*domain.PaymentAttempt, error) {
	return r.get(ctx, `
		SELECT invoice_id, order_id, channel, state, created_at, updated_at
		FROM payment_attempts
		WHERE invoice_id = $1
	`, invoiceID)
}

// GetLatestByOrderID returns the most recent attempt for an order, whatever
// its state.
func (r *AttemptRepository) GetLatestByOrderID(ctx context.Context, orderID string) (*domain.PaymentAttempt, error) {
	return r.get(ctx, `
		SELECT invoice_id, order_id, channel, state, created_at, updated_at
		FROM payment_attempts
		WHERE order_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, orderID)
}

// SetState moves a pending attempt to a terminal state. Terminal states are
// immutable, so a late poll result landing after a webhook already settled
// the attempt is a silent no-op.
func (r *AttemptRepository) SetState(ctx context.Context, invoiceID string, state domain.PaymentState) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE payment_attempts
		SET state = $2, updated_at = NOW()
		WHERE invoice_id = $1 AND state = 'pending'
	`, invoiceID, state)
	if err != nil {
		return fmt.Errorf("update payment attempt: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		attempt, err := r.GetByInvoiceID(ctx, invoiceID)
		if err != nil {
			return err
		}
		if attempt == nil {
			return ErrAttemptNotFound
		}
	}

	return nil
}

func (r *AttemptRepository) get(ctx context.Context, query string, arg any) (*domain.PaymentAttempt, error) {
	attempt := &domain.PaymentAttempt{}

	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&attempt.InvoiceID, &attempt.OrderID, &attempt.Channel,
		&attempt.State, &attempt.CreatedAt, &attempt.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	return attempt, nil
}
