package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/guidepost-app/guidepost/pkg/billing"
	"github.com/guidepost-app/guidepost/pkg/reconcile"
)

// SyncSubscription re-fetches a subscription from Stripe and re-applies
// its status to the owning enrollment. This is the catch-up path for
// missed or out-of-order webhook deliveries: if the subscription is not
// yet known locally but carries full plan metadata, the enrollment is
// created the same way the subscription-created handler would have.
func (p *Provider) SyncSubscription(ctx context.Context, subscriptionID string) error {
	startTime := time.Now()

	sub, err := p.stripeClient.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	p.metrics.RecordAPICallDuration(providerName, "/v1/subscriptions/{id}", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/v1/subscriptions/{id}", "error")
		p.metrics.RecordSubscriptionSync(providerName, "error")
		return fmt.Errorf("%w: %v", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, "/v1/subscriptions/{id}", "success")

	err = p.engine.ApplySubscriptionStatus(ctx, subscriptionID, string(sub.Status))
	if errors.Is(err, reconcile.ErrEnrollmentNotFound) {
		// The subscription-created event never arrived. Recover it from
		// the subscription's own metadata.
		meta, parseErr := parseMetadata(sub.Metadata)
		if parseErr != nil {
			p.metrics.RecordSubscriptionSync(providerName, "error")
			return fmt.Errorf("cannot recover enrollment for subscription %s: %w", subscriptionID, parseErr)
		}

		enrollment, resolveErr := p.resolveOrCreateEnrollment(ctx, meta, customerID(sub.Customer), sub.ID)
		if resolveErr != nil {
			p.metrics.RecordSubscriptionSync(providerName, "error")
			return resolveErr
		}

		p.logger.Info("enrollment recovered from subscription sync",
			reconcile.Field{Key: "subscription_id", Value: subscriptionID},
			reconcile.Field{Key: "enrollment_id", Value: enrollment.ID},
		)

		err = p.transition(ctx, enrollment, reconcile.MapSubscriptionStatus(string(sub.Status)))
	}
	if err != nil {
		p.metrics.RecordSubscriptionSync(providerName, "error")
		return err
	}

	p.metrics.RecordSubscriptionSync(providerName, "success")
	return nil
}
