package billing

import (
	"net/http"

	"github.com/guidepost-app/guidepost/pkg/notify"
	"github.com/guidepost-app/guidepost/pkg/reconcile"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// Engine is the reconciliation engine that will be driven by
	// classified webhook events. Required.
	Engine *reconcile.Engine

	// WebhookSecret is the shared secret used to verify inbound
	// webhook signatures.
	WebhookSecret string

	// APIKey is used for outbound API calls to the payment provider
	// (e.g. SyncSubscription, checkout-session creation).
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	// Allows custom timeouts, proxies, or instrumentation.
	HTTPClient *http.Client

	// Logger receives structured provider logs. Defaults to NoopLogger.
	Logger reconcile.Logger

	// Metrics is an optional metrics collector for tracking provider
	// operations. If nil, metrics are silently ignored (no-op).
	// Use billing/metrics/prometheus.NewMetrics for Prometheus metrics.
	Metrics Metrics

	// Notifier receives payment lifecycle notifications. Delivery
	// failures are logged and never fail webhook processing.
	// Defaults to NoopNotifier.
	Notifier notify.Notifier

	// Deduper is an optional best-effort duplicate-delivery filter
	// keyed by provider event id. If nil, every delivery reaches the
	// engine (whose writes are idempotent regardless).
	Deduper Deduper

	// OnWebhookEvent is invoked after a webhook event has been fully
	// processed. Optional.
	OnWebhookEvent WebhookCallback
}
