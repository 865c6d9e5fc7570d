// Package redis provides a Redis-backed webhook event deduper. A key
// per processed event id filters redelivered events across instances;
// expiry keeps the key space bounded. The filter is best-effort: if
// Redis is down the caller falls back to storage-level idempotency.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/guidepost-app/guidepost/pkg/billing"
)

// Deduper implements billing.Deduper using Redis
type Deduper struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis deduper configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "guidepost:webhook:")
	KeyPrefix string

	// EventTTL is how long a seen event id is remembered. Stripe retries
	// failed deliveries for up to three days, so the default covers the
	// whole retry window.
	EventTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "guidepost:webhook:",
		EventTTL:  72 * time.Hour,
	}
}

// New creates a new Redis deduper.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Deduper, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultConfig().KeyPrefix
	}
	if config.EventTTL <= 0 {
		config.EventTTL = DefaultConfig().EventTTL
	}
	return &Deduper{client: client, config: config}, nil
}

// Seen implements billing.Deduper.
func (d *Deduper) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := d.client.Exists(ctx, d.config.KeyPrefix+eventID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check event delivery: %w", err)
	}
	return n > 0, nil
}

// MarkSeen implements billing.Deduper. The caller invokes it only after
// the event was fully processed, so a delivery that failed and will be
// retried by the provider is never remembered here.
func (d *Deduper) MarkSeen(ctx context.Context, eventID string) error {
	key := d.config.KeyPrefix + eventID
	if err := d.client.Set(ctx, key, 1, d.config.EventTTL).Err(); err != nil {
		return fmt.Errorf("failed to mark event delivery: %w", err)
	}
	return nil
}

var _ billing.Deduper = (*Deduper)(nil)
