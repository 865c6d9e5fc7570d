package billing

import "time"

// WebhookEvent contains information about a successfully processed
// webhook event. It is passed to the WebhookCallback after durable
// state has been updated, for application-side fan-out (audit trails,
// admin dashboards, cache invalidation).
type WebhookEvent struct {
	// UserID is the internal user identifier (empty if the event did
	// not resolve to a user)
	UserID string

	// EnrollmentID is the enrollment the event applied to (empty if
	// none was found or created)
	EnrollmentID string

	// Provider is the payment provider name ("stripe")
	Provider string

	// EventType is the provider-specific event type, e.g.
	// "payment_intent.succeeded", "customer.subscription.updated"
	EventType string

	// EventTimestamp is when the event occurred (from provider)
	EventTimestamp time.Time

	// PreviousStatus is the enrollment status before the event
	// (empty for newly created enrollments)
	PreviousStatus string

	// NewStatus is the enrollment status after the event
	NewStatus string
}

// WebhookCallback is invoked after a webhook event has been fully
// processed. Callback errors are logged and never fail the webhook
// acknowledgment.
type WebhookCallback func(event WebhookEvent)
