package billing

import "time"

// Metrics defines the interface for tracking payment provider
// operations. All methods are optional - providers should gracefully
// handle nil metrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the provider.
	// eventType: the provider event type (e.g., "invoice.payment_succeeded")
	// status: "success", "error", "ignored", or "duplicate"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: the kind of error (e.g., "auth_failed", "invalid_payload",
	// "invalid_metadata", "plan_provisioning", "processing_error")
	RecordWebhookError(provider, errorType string)

	// RecordEnrollmentTransition records an enrollment status change.
	RecordEnrollmentTransition(provider, fromStatus, toStatus string)

	// RecordSubscriptionSync records a manual subscription reconciliation.
	// status: "success" or "error"
	RecordSubscriptionSync(provider, status string)

	// RecordAPICall records an API call to the payment provider.
	// endpoint: the API endpoint called (e.g., "/v1/subscriptions/{id}")
	// status: outcome label (e.g., "success", "error")
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordEnrollmentTransition(_, _, _ string)                    {}
func (n *NoopMetrics) RecordSubscriptionSync(_, _ string)                           {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
