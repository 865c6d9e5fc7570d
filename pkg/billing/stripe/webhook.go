package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/guidepost-app/guidepost/pkg/billing"
	"github.com/guidepost-app/guidepost/pkg/billing/internal"
	"github.com/guidepost-app/guidepost/pkg/notify"
	"github.com/guidepost-app/guidepost/pkg/reconcile"
)

// handleWebhook processes incoming Stripe webhook deliveries.
//
// Response contract: verified and processed -> 200 {"received": true};
// signature or payload failure -> 400 (non-retryable, redelivery would
// fail verification again); processing failure -> 500 so Stripe retries
// on its own backoff schedule.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if len(p.webhookSecret) == 0 {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	sig := r.Header.Get("Stripe-Signature")

	event, err := stripe.ConstructEvent(body, sig, string(p.webhookSecret))
	if err != nil {
		_ = internal.WriteJSON(w, http.StatusBadRequest, map[string]string{
			"error": "signature verification failed",
		})
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}
	defer func() {
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
	}()

	// Classify: irrelevant event types are acknowledged, never dispatched
	if !Relevant(event.Type) {
		p.metrics.RecordWebhookEvent(providerName, eventType, "ignored")
		p.ack(w)
		return
	}

	// Best-effort duplicate filter; storage idempotency remains the
	// source of truth if the deduper errors or loses state
	if p.deduper != nil && event.ID != "" {
		seen, err := p.deduper.Seen(r.Context(), event.ID)
		if err != nil {
			p.logger.Warn("event deduper unavailable",
				reconcile.Field{Key: "event_id", Value: event.ID},
				reconcile.Field{Key: "error", Value: err.Error()},
			)
		} else if seen {
			p.metrics.RecordWebhookEvent(providerName, eventType, "duplicate")
			p.ack(w)
			return
		}
	}

	if err := p.processEvent(r.Context(), &event); err != nil {
		p.logger.Error("webhook processing failed",
			reconcile.Field{Key: "event_id", Value: event.ID},
			reconcile.Field{Key: "event_type", Value: eventType},
			reconcile.Field{Key: "error", Value: err.Error()},
		)
		_ = internal.WriteJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to process webhook",
		})
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		return
	}

	// Remember the event id only now: a failed delivery above must stay
	// unknown to the deduper so the provider's retry is reprocessed
	if p.deduper != nil && event.ID != "" {
		if err := p.deduper.MarkSeen(r.Context(), event.ID); err != nil {
			p.logger.Warn("event deduper unavailable",
				reconcile.Field{Key: "event_id", Value: event.ID},
				reconcile.Field{Key: "error", Value: err.Error()},
			)
		}
	}

	p.ack(w)
	p.metrics.RecordWebhookEvent(providerName, eventType, "success")
}

func (p *Provider) ack(w http.ResponseWriter) {
	_ = internal.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// processEvent routes a classified event to exactly one handler.
func (p *Provider) processEvent(ctx context.Context, event *stripe.Event) error {
	switch event.Type {
	case "payment_intent.succeeded":
		return p.handlePaymentIntentSucceeded(ctx, event)
	case "payment_intent.payment_failed":
		return p.handlePaymentIntentFailed(ctx, event)
	case "invoice.payment_succeeded":
		return p.handleInvoicePaymentSucceeded(ctx, event)
	case "invoice.payment_failed":
		return p.handleInvoicePaymentFailed(ctx, event)
	case "customer.subscription.created":
		return p.handleSubscriptionCreated(ctx, event)
	case "customer.subscription.updated":
		return p.handleSubscriptionUpdated(ctx, event)
	case "customer.subscription.deleted":
		return p.handleSubscriptionDeleted(ctx, event)
	case "customer.subscription.trial_will_end":
		return p.handleTrialWillEnd(ctx, event)
	default:
		// Relevant() gates dispatch, so this only triggers if the two
		// sets drift apart
		p.logger.Warn("relevant event with no handler",
			reconcile.Field{Key: "event_type", Value: string(event.Type)},
		)
		return nil
	}
}

// handlePaymentIntentSucceeded records a confirmed one-off charge:
// find-or-create the enrollment, append the ledger row, and provision
// the learning plan for self-paced plans.
func (p *Provider) handlePaymentIntentSucceeded(ctx context.Context, event *stripe.Event) error {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return fmt.Errorf("failed to unmarshal payment intent: %w", err)
	}

	meta, err := parseMetadata(pi.Metadata)
	if err != nil {
		// Malformed metadata is permanent - a retry cannot repair the
		// original charge, so acknowledge and surface through metrics
		p.logger.Error("rejecting payment event with bad metadata",
			reconcile.Field{Key: "payment_id", Value: pi.ID},
			reconcile.Field{Key: "error", Value: err.Error()},
		)
		p.metrics.RecordWebhookError(providerName, "invalid_metadata")
		return nil
	}

	enrollment, err := p.resolveOrCreateEnrollment(ctx, meta, customerID(pi.Customer), "")
	if err != nil {
		return err
	}

	description := pi.Description
	if description == "" {
		description = fmt.Sprintf("%s payment", meta.PlanType)
	}

	if err := p.engine.RecordPaymentSuccess(ctx, reconcile.PaymentParams{
		EnrollmentID:      enrollment.ID,
		ProviderPaymentID: pi.ID,
		Amount:            pi.Amount,
		Currency:          string(pi.Currency),
		PlanType:          meta.PlanType,
		Description:       description,
		PaidAt:            time.Unix(event.Created, 0).UTC(),
	}); err != nil {
		return err
	}

	p.provisionLearningPlan(ctx, enrollment)

	p.notifyPayment(ctx, p.notifier.PaymentReceived, notify.PaymentNotice{
		UserID:      enrollment.UserID,
		ServiceID:   enrollment.ServiceID,
		Amount:      pi.Amount,
		Currency:    string(pi.Currency),
		Description: description,
	})

	p.fireCallback(event, enrollment, string(enrollment.Status), string(enrollment.Status))
	return nil
}

// handlePaymentIntentFailed marks the charge FAILED in the ledger and
// cancels the enrollment the event metadata points at.
func (p *Provider) handlePaymentIntentFailed(ctx context.Context, event *stripe.Event) error {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return fmt.Errorf("failed to unmarshal payment intent: %w", err)
	}

	meta, err := parseMetadata(pi.Metadata)
	if err != nil {
		p.logger.Error("rejecting payment event with bad metadata",
			reconcile.Field{Key: "payment_id", Value: pi.ID},
			reconcile.Field{Key: "error", Value: err.Error()},
		)
		p.metrics.RecordWebhookError(providerName, "invalid_metadata")
		return nil
	}

	enrollment, err := p.resolveEnrollment(ctx, meta)
	if errors.Is(err, reconcile.ErrEnrollmentNotFound) {
		// Nothing to cancel - still record the failed attempt if the
		// metadata pinned an enrollment id
		p.logger.Warn("payment failed for unknown enrollment",
			reconcile.Field{Key: "payment_id", Value: pi.ID},
			reconcile.Field{Key: "user_id", Value: meta.UserID},
		)
		return nil
	}
	if err != nil {
		return err
	}

	if err := p.engine.RecordPaymentFailure(ctx, pi.ID, enrollment.ID, enrollment.PlanType); err != nil {
		return err
	}

	if err := p.transition(ctx, enrollment, reconcile.StatusCancelled); err != nil {
		return err
	}

	p.notifyPayment(ctx, p.notifier.PaymentFailed, notify.PaymentNotice{
		UserID:    enrollment.UserID,
		ServiceID: enrollment.ServiceID,
		Amount:    pi.Amount,
		Currency:  string(pi.Currency),
	})

	p.fireCallback(event, enrollment, string(enrollment.Status), string(reconcile.StatusCancelled))
	return nil
}

// handleInvoicePaymentSucceeded records a settled subscription invoice
// and reactivates the owning enrollment if it was paused.
func (p *Provider) handleInvoicePaymentSucceeded(ctx context.Context, event *stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("failed to unmarshal invoice: %w", err)
	}

	subscriptionID := subscriptionIDFromRaw(event.Data.Raw)
	if subscriptionID == "" {
		// Not a subscription invoice - ignore
		return nil
	}

	enrollment, err := p.engine.EnrollmentBySubscription(ctx, subscriptionID)
	if errors.Is(err, reconcile.ErrEnrollmentNotFound) {
		// Expected race: the subscription-created event may not have
		// been processed yet. A later delivery or manual sync catches up.
		p.logger.Warn("invoice for unknown subscription",
			reconcile.Field{Key: "subscription_id", Value: subscriptionID},
			reconcile.Field{Key: "invoice_id", Value: invoice.ID},
		)
		return nil
	}
	if err != nil {
		return err
	}

	if err := p.engine.RecordPaymentSuccess(ctx, reconcile.PaymentParams{
		EnrollmentID:      enrollment.ID,
		ProviderPaymentID: invoice.ID,
		Amount:            invoice.AmountPaid,
		Currency:          string(invoice.Currency),
		PlanType:          enrollment.PlanType,
		Description:       "Subscription invoice",
		PaidAt:            time.Unix(event.Created, 0).UTC(),
	}); err != nil {
		return err
	}

	if enrollment.Status != reconcile.StatusActive {
		if err := p.transition(ctx, enrollment, reconcile.StatusActive); err != nil {
			return err
		}
	}

	p.provisionLearningPlan(ctx, enrollment)

	p.notifyPayment(ctx, p.notifier.PaymentReceived, notify.PaymentNotice{
		UserID:      enrollment.UserID,
		ServiceID:   enrollment.ServiceID,
		Amount:      invoice.AmountPaid,
		Currency:    string(invoice.Currency),
		Description: "Subscription invoice",
	})

	p.fireCallback(event, enrollment, string(enrollment.Status), string(reconcile.StatusActive))
	return nil
}

// handleInvoicePaymentFailed pauses the owning enrollment and flips (or
// inserts) the FAILED ledger row.
func (p *Provider) handleInvoicePaymentFailed(ctx context.Context, event *stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("failed to unmarshal invoice: %w", err)
	}

	subscriptionID := subscriptionIDFromRaw(event.Data.Raw)
	if subscriptionID == "" {
		return nil
	}

	enrollment, err := p.engine.EnrollmentBySubscription(ctx, subscriptionID)
	if errors.Is(err, reconcile.ErrEnrollmentNotFound) {
		p.logger.Warn("failed invoice for unknown subscription",
			reconcile.Field{Key: "subscription_id", Value: subscriptionID},
			reconcile.Field{Key: "invoice_id", Value: invoice.ID},
		)
		return nil
	}
	if err != nil {
		return err
	}

	if err := p.engine.RecordPaymentFailure(ctx, invoice.ID, enrollment.ID, enrollment.PlanType); err != nil {
		return err
	}

	if err := p.transition(ctx, enrollment, reconcile.StatusPaused); err != nil {
		return err
	}

	p.notifyPayment(ctx, p.notifier.PaymentFailed, notify.PaymentNotice{
		UserID:    enrollment.UserID,
		ServiceID: enrollment.ServiceID,
		Amount:    invoice.AmountDue,
		Currency:  string(invoice.Currency),
	})

	p.fireCallback(event, enrollment, string(enrollment.Status), string(reconcile.StatusPaused))
	return nil
}

// handleSubscriptionCreated creates (or finds) the enrollment for a new
// subscription and applies the reported status.
func (p *Provider) handleSubscriptionCreated(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}

	meta, err := parseMetadata(sub.Metadata)
	if err != nil {
		p.logger.Error("rejecting subscription event with bad metadata",
			reconcile.Field{Key: "subscription_id", Value: sub.ID},
			reconcile.Field{Key: "error", Value: err.Error()},
		)
		p.metrics.RecordWebhookError(providerName, "invalid_metadata")
		return nil
	}

	enrollment, err := p.resolveOrCreateEnrollment(ctx, meta, customerID(sub.Customer), sub.ID)
	if err != nil {
		return err
	}

	target := reconcile.MapSubscriptionStatus(string(sub.Status))
	if err := p.transition(ctx, enrollment, target); err != nil {
		return err
	}

	p.fireCallback(event, enrollment, string(enrollment.Status), string(target))
	return nil
}

// handleSubscriptionUpdated maps the reported subscription status onto
// the owning enrollment.
func (p *Provider) handleSubscriptionUpdated(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}

	enrollment, err := p.engine.EnrollmentBySubscription(ctx, sub.ID)
	if errors.Is(err, reconcile.ErrEnrollmentNotFound) {
		p.logger.Warn("update for unknown subscription",
			reconcile.Field{Key: "subscription_id", Value: sub.ID},
		)
		return nil
	}
	if err != nil {
		return err
	}

	target := reconcile.MapSubscriptionStatus(string(sub.Status))
	if err := p.transition(ctx, enrollment, target); err != nil {
		return err
	}

	p.fireCallback(event, enrollment, string(enrollment.Status), string(target))
	return nil
}

// handleSubscriptionDeleted cancels the owning enrollment.
func (p *Provider) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}

	enrollment, err := p.engine.EnrollmentBySubscription(ctx, sub.ID)
	if errors.Is(err, reconcile.ErrEnrollmentNotFound) {
		p.logger.Warn("deletion for unknown subscription",
			reconcile.Field{Key: "subscription_id", Value: sub.ID},
		)
		return nil
	}
	if err != nil {
		return err
	}

	if err := p.transition(ctx, enrollment, reconcile.StatusCancelled); err != nil {
		return err
	}

	p.fireCallback(event, enrollment, string(enrollment.Status), string(reconcile.StatusCancelled))
	return nil
}

// handleTrialWillEnd notifies the user; no durable state changes.
func (p *Provider) handleTrialWillEnd(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}

	userID := sub.Metadata[metaUserID]
	if userID == "" {
		p.logger.Warn("trial ending for subscription without user metadata",
			reconcile.Field{Key: "subscription_id", Value: sub.ID},
		)
		return nil
	}

	if err := p.notifier.TrialEnding(ctx, notify.TrialNotice{
		UserID:         userID,
		SubscriptionID: sub.ID,
		TrialEnd:       time.Unix(sub.TrialEnd, 0).UTC(),
	}); err != nil {
		// Notification loss is recoverable; never fail the delivery
		p.logger.Warn("trial notification failed",
			reconcile.Field{Key: "subscription_id", Value: sub.ID},
			reconcile.Field{Key: "error", Value: err.Error()},
		)
		p.metrics.RecordWebhookError(providerName, "notification")
	}

	return nil
}

// resolveEnrollment finds an existing enrollment by pinned id or by the
// (user, service) key. Never creates.
func (p *Provider) resolveEnrollment(ctx context.Context, meta *PlanMetadata) (*reconcile.Enrollment, error) {
	if meta.EnrollmentID != "" {
		return p.engine.Enrollment(ctx, meta.EnrollmentID)
	}
	return p.engine.EnrollmentByKey(ctx, meta.Key())
}

// resolveOrCreateEnrollment finds the enrollment the metadata points at,
// creating an ACTIVE one when none exists yet. Enrollments that existed
// before the subscription did (pre-created by the booking flow) get the
// subscription reference stamped on so later lookups by subscription id
// find them.
func (p *Provider) resolveOrCreateEnrollment(
	ctx context.Context, meta *PlanMetadata, custID, subscriptionID string,
) (*reconcile.Enrollment, error) {
	if meta.EnrollmentID != "" {
		enrollment, err := p.engine.Enrollment(ctx, meta.EnrollmentID)
		if err == nil {
			return p.linkSubscription(ctx, enrollment, subscriptionID)
		}
		if !errors.Is(err, reconcile.ErrEnrollmentNotFound) {
			return nil, err
		}
		// Fall through to find-or-create: a stale enrollment id in the
		// metadata must not lose the payment
	}

	enrollment, _, err := p.engine.FindOrCreateEnrollment(ctx, reconcile.CreateEnrollmentParams{
		Key:            meta.Key(),
		PlanType:       meta.PlanType,
		CustomerID:     custID,
		SubscriptionID: subscriptionID,
		PackageID:      meta.PackageID,
	})
	if err != nil {
		return nil, err
	}
	return p.linkSubscription(ctx, enrollment, subscriptionID)
}

// linkSubscription backfills the subscription reference when the
// enrollment does not carry it yet.
func (p *Provider) linkSubscription(
	ctx context.Context, enrollment *reconcile.Enrollment, subscriptionID string,
) (*reconcile.Enrollment, error) {
	if subscriptionID == "" || enrollment.SubscriptionID == subscriptionID {
		return enrollment, nil
	}
	if err := p.engine.LinkSubscription(ctx, enrollment.ID, subscriptionID); err != nil {
		return nil, err
	}
	enrollment.SubscriptionID = subscriptionID
	return enrollment, nil
}

// transition applies a status change and records the transition metric.
func (p *Provider) transition(ctx context.Context, enrollment *reconcile.Enrollment, target reconcile.EnrollmentStatus) error {
	if enrollment.Status == target {
		return nil
	}
	if err := p.engine.TransitionEnrollment(ctx, enrollment.ID, target); err != nil {
		return err
	}
	p.metrics.RecordEnrollmentTransition(providerName, string(enrollment.Status), string(target))
	return nil
}

// provisionLearningPlan provisions the one-time learning plan. The
// payment is already durably recorded at this point, so failures are
// logged and surfaced through metrics but never fail the webhook.
func (p *Provider) provisionLearningPlan(ctx context.Context, enrollment *reconcile.Enrollment) {
	_, err := p.engine.EnsureLearningPlan(ctx, enrollment.ID, enrollment.ServiceID, enrollment.PlanType)
	if err != nil {
		p.logger.Error("learning plan provisioning failed",
			reconcile.Field{Key: "enrollment_id", Value: enrollment.ID},
			reconcile.Field{Key: "error", Value: err.Error()},
		)
		p.metrics.RecordWebhookError(providerName, "plan_provisioning")
	}
}

func (p *Provider) notifyPayment(
	ctx context.Context, send func(context.Context, notify.PaymentNotice) error, notice notify.PaymentNotice,
) {
	if err := send(ctx, notice); err != nil {
		p.logger.Warn("payment notification failed",
			reconcile.Field{Key: "user_id", Value: notice.UserID},
			reconcile.Field{Key: "error", Value: err.Error()},
		)
		p.metrics.RecordWebhookError(providerName, "notification")
	}
}

func (p *Provider) fireCallback(event *stripe.Event, enrollment *reconcile.Enrollment, previous, current string) {
	if p.callback == nil {
		return
	}
	p.callback(billing.WebhookEvent{
		UserID:         enrollment.UserID,
		EnrollmentID:   enrollment.ID,
		Provider:       providerName,
		EventType:      string(event.Type),
		EventTimestamp: time.Unix(event.Created, 0).UTC(),
		PreviousStatus: previous,
		NewStatus:      current,
	})
}

// subscriptionIDFromRaw extracts the subscription reference from a raw
// invoice payload. Stripe serializes it as either an id string or an
// expanded object depending on API settings.
func subscriptionIDFromRaw(raw json.RawMessage) string {
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return ""
	}
	switch v := data["subscription"].(type) {
	case string:
		return v
	case map[string]interface{}:
		if id, ok := v["id"].(string); ok {
			return id
		}
	}
	return ""
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
