// Package stripe implements the billing.Provider interface for Stripe.
// It verifies, classifies, and dispatches Stripe webhook events to the
// reconciliation engine.
package stripe

import (
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/guidepost-app/guidepost/pkg/billing"
	"github.com/guidepost-app/guidepost/pkg/billing/internal"
	"github.com/guidepost-app/guidepost/pkg/notify"
	"github.com/guidepost-app/guidepost/pkg/reconcile"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	maxWebhookBodyBytes      = 256 * 1024
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Engine, Notifier, Metrics, etc.)

	// Stripe-specific
	StripeAPIKey        string
	StripeWebhookSecret string

	// Client optionally injects a pre-constructed Stripe client.
	// If nil, one is built from StripeAPIKey. The client is constructed
	// once and owned by the provider; there is no package-level SDK state.
	Client *stripe.Client
}

// Provider implements the billing.Provider interface for Stripe
type Provider struct {
	engine        *reconcile.Engine
	logger        reconcile.Logger
	metrics       billing.Metrics
	notifier      notify.Notifier
	deduper       billing.Deduper
	callback      billing.WebhookCallback
	webhookSecret []byte
	stripeClient  *stripe.Client
	httpClient    *http.Client
	rateLimiter   *internal.RateLimiter
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Engine == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	stripeClient := config.Client
	if stripeClient == nil {
		apiKey := strings.TrimSpace(config.StripeAPIKey)
		if apiKey == "" {
			return nil, billing.ErrProviderNotConfigured
		}
		stripeClient = stripe.NewClient(apiKey)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	var logger reconcile.Logger = &reconcile.NoopLogger{}
	if config.Logger != nil {
		logger = config.Logger
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	notifier := config.Notifier
	if notifier == nil {
		notifier = &notify.NoopNotifier{}
	}

	return &Provider{
		engine:        config.Engine,
		logger:        logger,
		metrics:       metrics,
		notifier:      notifier,
		deduper:       config.Deduper,
		callback:      config.OnWebhookEvent,
		webhookSecret: []byte(strings.TrimSpace(config.StripeWebhookSecret)),
		stripeClient:  stripeClient,
		httpClient:    httpClient,
		rateLimiter:   internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow),
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(p.handleWebhook)
	// Wrap with rate limiting
	return p.rateLimiter.Middleware(handler)
}

// Relevant reports whether the reconciliation dispatcher processes this
// event type. Everything else is acknowledged but never dispatched, so
// the provider never sees a retry-provoking error for event types
// outside the engine's concern.
func Relevant(eventType stripe.EventType) bool {
	switch eventType {
	case "payment_intent.succeeded",
		"payment_intent.payment_failed",
		"invoice.payment_succeeded",
		"invoice.payment_failed",
		"customer.subscription.created",
		"customer.subscription.updated",
		"customer.subscription.deleted",
		"customer.subscription.trial_will_end":
		return true
	}
	return false
}
