// Package reconcile implements the payment-event reconciliation engine:
// the enrollment state machine, the idempotent payment ledger, hour
// accounting for package plans, and one-time learning-plan provisioning.
// It is driven by classified payment-provider events (see pkg/billing)
// and persists through the Storage interface.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds optional engine dependencies.
type Config struct {
	// Logger receives structured engine logs. Defaults to NoopLogger.
	Logger Logger
}

// Engine owns the enrollment lifecycle and the payment ledger. All
// mutations are idempotent: redelivered provider events never duplicate
// financial records or regress enrollment state.
type Engine struct {
	storage Storage
	logger  Logger
}

// NewEngine creates a reconciliation engine backed by the given storage.
func NewEngine(storage Storage, config *Config) (*Engine, error) {
	if storage == nil {
		return nil, fmt.Errorf("storage is required")
	}

	var logger Logger = &NoopLogger{}
	if config != nil && config.Logger != nil {
		logger = config.Logger
	}

	return &Engine{
		storage: storage,
		logger:  logger,
	}, nil
}

// MapSubscriptionStatus maps a provider-reported subscription status to
// an enrollment status. Unmapped values (including "incomplete") fall
// back to PAUSED.
func MapSubscriptionStatus(providerStatus string) EnrollmentStatus {
	switch providerStatus {
	case "active":
		return StatusActive
	case "past_due", "unpaid":
		return StatusPaused
	case "canceled", "incomplete_expired":
		return StatusCancelled
	default:
		return StatusPaused
	}
}

// CreateEnrollmentParams describes the enrollment to create when none
// exists for the (user, service) key.
type CreateEnrollmentParams struct {
	Key            EnrollmentKey
	PlanType       PlanType
	CustomerID     string
	SubscriptionID string

	// PackageID, when set, seeds RemainingHours from the package's
	// granted hours.
	PackageID string
}

// FindOrCreateEnrollment returns the enrollment for the (user, service)
// key, creating an ACTIVE one if none exists. The second return value
// reports whether a new enrollment was created.
//
// A concurrent delivery racing on the same key loses the insert and
// falls back to the winner's row, so both converge on one enrollment.
func (e *Engine) FindOrCreateEnrollment(
	ctx context.Context, params CreateEnrollmentParams,
) (*Enrollment, bool, error) {
	existing, err := e.storage.FindEnrollment(ctx, params.Key)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrEnrollmentNotFound) {
		return nil, false, fmt.Errorf("failed to find enrollment: %w", err)
	}

	var remainingHours *int
	if params.PackageID != "" {
		pkg, err := e.storage.GetPackage(ctx, params.PackageID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to look up package %s: %w", params.PackageID, err)
		}
		hours := pkg.Hours
		remainingHours = &hours
	}

	now := time.Now().UTC()
	enrollment := &Enrollment{
		ID:             uuid.NewString(),
		UserID:         params.Key.UserID,
		ServiceID:      params.Key.ServiceID,
		PlanType:       params.PlanType,
		Status:         StatusActive,
		CustomerID:     params.CustomerID,
		SubscriptionID: params.SubscriptionID,
		PackageID:      params.PackageID,
		RemainingHours: remainingHours,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := e.storage.CreateEnrollment(ctx, enrollment); err != nil {
		if errors.Is(err, ErrEnrollmentExists) {
			// Lost the race to a concurrent delivery - use the winner's row
			winner, findErr := e.storage.FindEnrollment(ctx, params.Key)
			if findErr != nil {
				return nil, false, fmt.Errorf("failed to refetch enrollment: %w", findErr)
			}
			return winner, false, nil
		}
		return nil, false, fmt.Errorf("failed to create enrollment: %w", err)
	}

	e.logger.Info("enrollment created",
		Field{Key: "enrollment_id", Value: enrollment.ID},
		Field{Key: "user_id", Value: enrollment.UserID},
		Field{Key: "service_id", Value: enrollment.ServiceID},
		Field{Key: "plan_type", Value: string(enrollment.PlanType)},
	)

	return enrollment, true, nil
}

// TransitionEnrollment moves an enrollment to the target status. The
// transition is idempotent: if the enrollment already holds the target
// status the persistence write is skipped.
func (e *Engine) TransitionEnrollment(ctx context.Context, id string, status EnrollmentStatus) error {
	enrollment, err := e.storage.GetEnrollment(ctx, id)
	if err != nil {
		return err
	}

	if enrollment.Status == status {
		return nil
	}

	if err := e.storage.UpdateEnrollmentStatus(ctx, id, status); err != nil {
		return fmt.Errorf("failed to update enrollment status: %w", err)
	}

	e.logger.Info("enrollment status changed",
		Field{Key: "enrollment_id", Value: id},
		Field{Key: "from", Value: string(enrollment.Status)},
		Field{Key: "to", Value: string(status)},
	)

	return nil
}

// ApplySubscriptionStatus maps a provider-reported subscription status
// and applies it to the enrollment holding that subscription reference.
// Returns ErrEnrollmentNotFound when the subscription is not yet known;
// callers treat that as an expected out-of-order delivery, not a failure.
func (e *Engine) ApplySubscriptionStatus(ctx context.Context, subscriptionID, providerStatus string) error {
	enrollment, err := e.storage.FindEnrollmentBySubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}

	return e.TransitionEnrollment(ctx, enrollment.ID, MapSubscriptionStatus(providerStatus))
}

// LinkSubscription stamps the provider subscription reference onto an
// enrollment. Enrollments created pre-emptively by the booking flow
// have no reference yet; without the stamp, every later lookup by
// subscription id would miss them. A no-op when the enrollment already
// holds the given reference.
func (e *Engine) LinkSubscription(ctx context.Context, enrollmentID, subscriptionID string) error {
	if subscriptionID == "" {
		return nil
	}

	enrollment, err := e.storage.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return err
	}
	if enrollment.SubscriptionID == subscriptionID {
		return nil
	}

	if err := e.storage.UpdateEnrollmentSubscription(ctx, enrollmentID, subscriptionID); err != nil {
		return fmt.Errorf("failed to link subscription: %w", err)
	}

	e.logger.Info("subscription linked to enrollment",
		Field{Key: "enrollment_id", Value: enrollmentID},
		Field{Key: "subscription_id", Value: subscriptionID},
	)

	return nil
}

// EnrollmentBySubscription returns the enrollment holding the given
// provider subscription reference, or ErrEnrollmentNotFound.
func (e *Engine) EnrollmentBySubscription(ctx context.Context, subscriptionID string) (*Enrollment, error) {
	return e.storage.FindEnrollmentBySubscription(ctx, subscriptionID)
}

// Enrollment returns the enrollment with the given id, or
// ErrEnrollmentNotFound.
func (e *Engine) Enrollment(ctx context.Context, id string) (*Enrollment, error) {
	return e.storage.GetEnrollment(ctx, id)
}

// EnrollmentByKey returns the enrollment for a (user, service) key, or
// ErrEnrollmentNotFound.
func (e *Engine) EnrollmentByKey(ctx context.Context, key EnrollmentKey) (*Enrollment, error) {
	return e.storage.FindEnrollment(ctx, key)
}

// PaymentParams describes one confirmed charge to record in the ledger.
type PaymentParams struct {
	EnrollmentID      string
	ProviderPaymentID string
	Amount            int64
	Currency          string
	PlanType          PlanType
	Description       string
	PaidAt            time.Time
}

// RecordPaymentSuccess appends a SUCCEEDED payment to the ledger. The
// provider payment id is the idempotency key: if a row already exists
// for it, the call is a no-op regardless of how many times the provider
// redelivers the event.
func (e *Engine) RecordPaymentSuccess(ctx context.Context, params PaymentParams) error {
	if params.ProviderPaymentID == "" {
		return fmt.Errorf("provider payment id is required")
	}

	_, err := e.storage.GetPaymentByProviderID(ctx, params.ProviderPaymentID)
	if err == nil {
		// Already recorded - redelivery
		return nil
	}
	if !errors.Is(err, ErrPaymentNotFound) {
		return fmt.Errorf("failed to check payment: %w", err)
	}

	paidAt := params.PaidAt.UTC()
	payment := &Payment{
		ID:                uuid.NewString(),
		EnrollmentID:      params.EnrollmentID,
		ProviderPaymentID: params.ProviderPaymentID,
		Amount:            params.Amount,
		Currency:          strings.ToLower(params.Currency),
		Status:            PaymentSucceeded,
		PlanType:          params.PlanType,
		Description:       params.Description,
		PaidAt:            &paidAt,
		CreatedAt:         time.Now().UTC(),
	}

	if err := e.storage.CreatePayment(ctx, payment); err != nil {
		if errors.Is(err, ErrPaymentExists) {
			// Concurrent redelivery inserted first
			return nil
		}
		return fmt.Errorf("failed to record payment: %w", err)
	}

	return nil
}

// RecordPaymentFailure marks the payment for the provider payment id as
// FAILED, flipping the existing row in place if one exists or inserting
// a FAILED row if this failure is the first notification seen.
func (e *Engine) RecordPaymentFailure(ctx context.Context, providerPaymentID, enrollmentID string, planType PlanType) error {
	if providerPaymentID == "" {
		return fmt.Errorf("provider payment id is required")
	}

	_, err := e.storage.GetPaymentByProviderID(ctx, providerPaymentID)
	if err == nil {
		if err := e.storage.UpdatePaymentStatus(ctx, providerPaymentID, PaymentFailed); err != nil {
			return fmt.Errorf("failed to mark payment failed: %w", err)
		}
		return nil
	}
	if !errors.Is(err, ErrPaymentNotFound) {
		return fmt.Errorf("failed to check payment: %w", err)
	}

	payment := &Payment{
		ID:                uuid.NewString(),
		EnrollmentID:      enrollmentID,
		ProviderPaymentID: providerPaymentID,
		Status:            PaymentFailed,
		PlanType:          planType,
		CreatedAt:         time.Now().UTC(),
	}

	if err := e.storage.CreatePayment(ctx, payment); err != nil {
		if errors.Is(err, ErrPaymentExists) {
			return e.storage.UpdatePaymentStatus(ctx, providerPaymentID, PaymentFailed)
		}
		return fmt.Errorf("failed to record failed payment: %w", err)
	}

	return nil
}

// EnsureLearningPlan provisions the one-per-enrollment learning plan
// for self-paced plan types. The created plan always seeds exactly one
// initial stage with two initial steps. Returns true if a plan was
// created, false if the plan type is not self-paced or a plan already
// exists.
func (e *Engine) EnsureLearningPlan(ctx context.Context, enrollmentID, serviceID string, planType PlanType) (bool, error) {
	if !planType.SelfPaced() {
		return false, nil
	}

	_, err := e.storage.GetLearningPlanByEnrollment(ctx, enrollmentID)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ErrPlanNotFound) {
		return false, fmt.Errorf("failed to check learning plan: %w", err)
	}

	plan := &LearningPlan{
		ID:           uuid.NewString(),
		EnrollmentID: enrollmentID,
		ServiceID:    serviceID,
		CreatedAt:    time.Now().UTC(),
		Stages: []PlanStage{
			{
				ID:       uuid.NewString(),
				Title:    "Kickoff",
				Position: 1,
				Steps: []PlanStep{
					{ID: uuid.NewString(), Title: "Introduce yourself and share your goals", Position: 1},
					{ID: uuid.NewString(), Title: "Schedule your first session", Position: 2},
				},
			},
		},
	}

	if err := e.storage.CreateLearningPlan(ctx, plan); err != nil {
		if errors.Is(err, ErrPlanExists) {
			// Concurrent delivery provisioned first
			return false, nil
		}
		return false, fmt.Errorf("failed to create learning plan: %w", err)
	}

	e.logger.Info("learning plan provisioned",
		Field{Key: "enrollment_id", Value: enrollmentID},
		Field{Key: "plan_id", Value: plan.ID},
	)

	return true, nil
}

// ConsumeHours subtracts completed session hours from a package
// enrollment's balance and returns the new balance. The balance never
// goes below zero: a decrement past zero fails with
// ErrInsufficientHours and leaves the balance unchanged.
func (e *Engine) ConsumeHours(ctx context.Context, enrollmentID string, hours int) (int, error) {
	if hours <= 0 {
		return 0, ErrInvalidAmount
	}

	remaining, err := e.storage.DecrementHours(ctx, enrollmentID, hours)
	if err != nil {
		return 0, err
	}

	e.logger.Debug("hours consumed",
		Field{Key: "enrollment_id", Value: enrollmentID},
		Field{Key: "hours", Value: hours},
		Field{Key: "remaining", Value: remaining},
	)

	return remaining, nil
}
