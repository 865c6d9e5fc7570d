// Package notify defines the outbound notification collaborator used by
// the reconciliation engine. The engine never blocks on delivery:
// notification failures are logged and swallowed by callers.
package notify

import (
	"context"
	"time"
)

// PaymentNotice describes a settled or failed charge for user-facing mail.
type PaymentNotice struct {
	UserID      string
	ServiceID   string
	Amount      int64 // smallest currency unit
	Currency    string
	Description string
}

// TrialNotice describes an upcoming trial expiry.
type TrialNotice struct {
	UserID         string
	SubscriptionID string
	TrialEnd       time.Time
}

// Notifier delivers payment lifecycle notifications to users.
type Notifier interface {
	// PaymentReceived sends a receipt for a settled charge.
	PaymentReceived(ctx context.Context, notice PaymentNotice) error

	// PaymentFailed warns the user that a charge was declined.
	PaymentFailed(ctx context.Context, notice PaymentNotice) error

	// TrialEnding warns the user their trial is about to convert.
	TrialEnding(ctx context.Context, notice TrialNotice) error
}

// NoopNotifier is a no-op implementation of the Notifier interface.
type NoopNotifier struct{}

func (n *NoopNotifier) PaymentReceived(ctx context.Context, notice PaymentNotice) error { return nil }
func (n *NoopNotifier) PaymentFailed(ctx context.Context, notice PaymentNotice) error   { return nil }
func (n *NoopNotifier) TrialEnding(ctx context.Context, notice TrialNotice) error       { return nil }
