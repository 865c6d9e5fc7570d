package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/guidepost-app/guidepost/pkg/billing"
	"github.com/guidepost-app/guidepost/pkg/reconcile"
)

// CheckoutParams describes a booking the user is paying for. The plan
// metadata is injected into the Stripe objects so that every webhook
// event the reconciliation engine later sees carries it.
type CheckoutParams struct {
	UserID    string
	ServiceID string
	PlanType  reconcile.PlanType

	// PackageID is required for hourly-package plans.
	PackageID string

	// PriceID is the Stripe Price for the plan.
	PriceID string

	// Description appears on the ledger row and the user's receipt.
	Description string

	SuccessURL string
	CancelURL  string
}

// CheckoutURL creates a Stripe Checkout Session for the booking and
// returns the URL to redirect the user to. Monthly subscriptions open a
// subscription-mode session; everything else is a one-time payment.
func (p *Provider) CheckoutURL(ctx context.Context, params CheckoutParams) (string, error) {
	startTime := time.Now()

	metadata, err := checkoutMetadata(params)
	if err != nil {
		return "", err
	}

	sessionParams := &stripe.CheckoutSessionCreateParams{
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(params.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(params.SuccessURL),
		CancelURL:  stripe.String(params.CancelURL),
	}

	// Inject metadata where the webhook handlers will look for it:
	// subscription metadata for recurring plans, payment-intent
	// metadata for one-time charges.
	if params.PlanType == reconcile.PlanMonthlySubscription {
		sessionParams.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
		sessionParams.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
		for k, v := range metadata {
			sessionParams.SubscriptionData.AddMetadata(k, v)
		}
	} else {
		sessionParams.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))
		sessionParams.PaymentIntentData = &stripe.CheckoutSessionCreatePaymentIntentDataParams{
			Description: stripe.String(params.Description),
		}
		for k, v := range metadata {
			sessionParams.PaymentIntentData.AddMetadata(k, v)
		}
	}

	sessionParams.ClientReferenceID = stripe.String(params.UserID)

	session, err := p.stripeClient.V1CheckoutSessions.Create(ctx, sessionParams)
	p.metrics.RecordAPICallDuration(providerName, "/v1/checkout/sessions", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/v1/checkout/sessions", "error")
		return "", fmt.Errorf("failed to create checkout session: %w", err)
	}
	p.metrics.RecordAPICall(providerName, "/v1/checkout/sessions", "success")

	return session.URL, nil
}

// checkoutMetadata builds and validates the metadata bag for a booking.
func checkoutMetadata(params CheckoutParams) (map[string]string, error) {
	if params.UserID == "" || params.ServiceID == "" {
		return nil, fmt.Errorf("%w: user and service are required", billing.ErrInvalidMetadata)
	}
	if !params.PlanType.Valid() {
		return nil, fmt.Errorf("%w: unknown plan type %q", billing.ErrInvalidMetadata, params.PlanType)
	}
	if params.PlanType == reconcile.PlanHourlyPackage && params.PackageID == "" {
		return nil, fmt.Errorf("%w: package plan without %s", billing.ErrInvalidMetadata, metaPackageID)
	}

	metadata := map[string]string{
		metaUserID:    params.UserID,
		metaServiceID: params.ServiceID,
		metaPlanType:  string(params.PlanType),
	}
	if params.PackageID != "" {
		metadata[metaPackageID] = params.PackageID
	}
	return metadata, nil
}
