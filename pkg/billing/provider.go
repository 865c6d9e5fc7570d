// Package billing defines the provider-agnostic surface for payment
// provider integrations. A provider turns asynchronous, at-least-once,
// out-of-order payment notifications into reconcile.Engine calls.
package billing

import (
	"context"
	"net/http"
)

// Provider is the generic interface a payment backend must implement.
// This keeps the application free to swap providers with zero logic
// changes.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time
	// events. The implementation handles signature verification, event
	// classification, and Engine updates internally.
	WebhookHandler() http.Handler

	// SyncSubscription re-fetches a subscription from the provider and
	// re-applies its status to the owning enrollment. This is the
	// catch-up path for missed webhook deliveries and operator-driven
	// manual reconciliation.
	SyncSubscription(ctx context.Context, subscriptionID string) error
}

// Deduper short-circuits redelivered webhook events by provider event
// id. It is a best-effort fast path: implementations may lose state,
// and the engine's storage-level idempotency remains the source of
// truth.
//
// An event id must only be marked after the event was fully processed.
// Marking earlier would swallow the provider's retry of a delivery
// that failed mid-processing.
type Deduper interface {
	// Seen reports whether this event id was already fully processed.
	Seen(ctx context.Context, eventID string) (bool, error)

	// MarkSeen records the event id once processing succeeded.
	MarkSeen(ctx context.Context, eventID string) error
}
