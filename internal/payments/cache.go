package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/joao-fontenele/primestore/internal/domain"
)

const (
	statusKeyPrefix  = "payment:status:"
	webhookKeyPrefix = "payment:webhook:"
	cacheTTL         = 24 * time.Hour
)

// StatusCache keeps terminal payment states in Redis so status checks for
// settled invoices skip both the database and the provider. It also
// deduplicates webhook deliveries, which providers retry aggressively.
type StatusCache struct {
	client *redis.Client
}

func NewStatusCache(client *redis.Client) *StatusCache {
	return &StatusCache{client: client}
}

// GetState returns the cached state for an invoice, or empty when unknown.
func (c *StatusCache) GetState(ctx context.Context, invoiceID string) (domain.PaymentState, error) {
	val, err := c.client.Get(ctx, statusKeyPrefix+invoiceID).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get cached payment state: %w", err)
	}
	return domain.PaymentState(val), nil
}

// SetState records the invoice state. Only terminal states are worth
// caching; pending is cheap to recompute and goes stale immediately.
func (c *StatusCache) SetState(ctx context.Context, invoiceID string, state domain.PaymentState) error {
	if !state.Terminal() {
		return nil
	}
	if err := c.client.Set(ctx, statusKeyPrefix+invoiceID, string(state), cacheTTL).Err(); err != nil {
		return fmt.Errorf("cache payment state: %w", err)
	}
	return nil
}

// WebhookSeen reports whether a delivery for this invoice was already
// applied. It never claims the key, so a delivery that later fails to
// apply stays eligible for redelivery.
func (c *StatusCache) WebhookSeen(ctx context.Context, invoiceID string) (bool, error) {
	_, err := c.client.Get(ctx, webhookKeyPrefix+invoiceID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check webhook delivery: %w", err)
	}
	return true, nil
}

// MarkWebhookSeen claims a webhook delivery after the payment transition
// has been applied. It returns true exactly once per invoice within the
// TTL window.
func (c *StatusCache) MarkWebhookSeen(ctx context.Context, invoiceID string) (bool, error) {
	ok, err := c.client.SetNX(ctx, webhookKeyPrefix+invoiceID, "1", cacheTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim webhook delivery: %w", err)
	}
	return ok, nil
}
