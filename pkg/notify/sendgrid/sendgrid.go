// Package sendgrid provides a SendGrid-backed implementation of the
// notify.Notifier interface.
package sendgrid

import (
	"context"
	"fmt"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/guidepost-app/guidepost/pkg/notify"
)

// EmailResolver maps an application user id to a deliverable address.
type EmailResolver func(ctx context.Context, userID string) (string, error)

// Config holds SendGrid notifier configuration.
type Config struct {
	APIKey    string
	FromName  string
	FromEmail string

	// Resolver maps user ids to email addresses. Required.
	Resolver EmailResolver
}

// Notifier implements notify.Notifier using the SendGrid v3 API.
type Notifier struct {
	client   *sendgrid.Client
	from     *mail.Email
	resolver EmailResolver
}

// New creates a SendGrid notifier.
func New(config Config) (*Notifier, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, fmt.Errorf("sendgrid api key is required")
	}
	if config.Resolver == nil {
		return nil, fmt.Errorf("email resolver is required")
	}

	return &Notifier{
		client:   sendgrid.NewSendClient(config.APIKey),
		from:     mail.NewEmail(config.FromName, config.FromEmail),
		resolver: config.Resolver,
	}, nil
}

// PaymentReceived implements notify.Notifier
func (n *Notifier) PaymentReceived(ctx context.Context, notice notify.PaymentNotice) error {
	subject := "Payment received"
	body := fmt.Sprintf(
		"We received your payment of %s. %s",
		formatAmount(notice.Amount, notice.Currency), notice.Description,
	)
	return n.send(ctx, notice.UserID, subject, body)
}

// PaymentFailed implements notify.Notifier
func (n *Notifier) PaymentFailed(ctx context.Context, notice notify.PaymentNotice) error {
	subject := "Payment failed"
	body := fmt.Sprintf(
		"Your payment of %s could not be processed. Please update your payment method.",
		formatAmount(notice.Amount, notice.Currency),
	)
	return n.send(ctx, notice.UserID, subject, body)
}

// TrialEnding implements notify.Notifier
func (n *Notifier) TrialEnding(ctx context.Context, notice notify.TrialNotice) error {
	subject := "Your trial is ending soon"
	body := fmt.Sprintf(
		"Your trial ends on %s. Your subscription will start billing after that date.",
		notice.TrialEnd.Format("January 2, 2006"),
	)
	return n.send(ctx, notice.UserID, subject, body)
}

func (n *Notifier) send(ctx context.Context, userID, subject, body string) error {
	address, err := n.resolver(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to resolve email for user %s: %w", userID, err)
	}

	message := mail.NewSingleEmail(n.from, subject, mail.NewEmail("", address), body, body)
	resp, err := n.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("sendgrid returned status %d", resp.StatusCode)
	}
	return nil
}

func formatAmount(amount int64, currency string) string {
	return fmt.Sprintf("%.2f %s", float64(amount)/100, strings.ToUpper(currency))
}
