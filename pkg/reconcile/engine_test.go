package reconcile_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guidepost-app/guidepost/pkg/reconcile"
	"github.com/guidepost-app/guidepost/storage/memory"
)

func newTestEngine(t *testing.T) (*reconcile.Engine, *memory.Storage) {
	t.Helper()
	storage := memory.New()
	engine, err := reconcile.NewEngine(storage, nil)
	require.NoError(t, err)
	return engine, storage
}

func TestNewEngine_RequiresStorage(t *testing.T) {
	_, err := reconcile.NewEngine(nil, nil)
	assert.Error(t, err)
}

func TestMapSubscriptionStatus(t *testing.T) {
	tests := []struct {
		providerStatus string
		want           reconcile.EnrollmentStatus
	}{
		{"active", reconcile.StatusActive},
		{"past_due", reconcile.StatusPaused},
		{"unpaid", reconcile.StatusPaused},
		{"canceled", reconcile.StatusCancelled},
		{"incomplete_expired", reconcile.StatusCancelled},
		{"incomplete", reconcile.StatusPaused},
		{"trialing", reconcile.StatusPaused},
		{"", reconcile.StatusPaused},
	}

	for _, tt := range tests {
		t.Run(tt.providerStatus, func(t *testing.T) {
			assert.Equal(t, tt.want, reconcile.MapSubscriptionStatus(tt.providerStatus))
		})
	}
}

func TestFindOrCreateEnrollment_CreatesActive(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	enrollment, created, err := engine.FindOrCreateEnrollment(ctx, reconcile.CreateEnrollmentParams{
		Key:      reconcile.EnrollmentKey{UserID: "u1", ServiceID: "s1"},
		PlanType: reconcile.PlanSingleSession,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, reconcile.StatusActive, enrollment.Status)
	assert.NotEmpty(t, enrollment.ID)
	assert.Nil(t, enrollment.RemainingHours, "non-package plan must not carry an hour balance")
}

func TestFindOrCreateEnrollment_ReturnsExisting(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	key := reconcile.EnrollmentKey{UserID: "u1", ServiceID: "s1"}

	first, created, err := engine.FindOrCreateEnrollment(ctx, reconcile.CreateEnrollmentParams{
		Key:      key,
		PlanType: reconcile.PlanMonthlySubscription,
	})
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := engine.FindOrCreateEnrollment(ctx, reconcile.CreateEnrollmentParams{
		Key:      key,
		PlanType: reconcile.PlanMonthlySubscription,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestFindOrCreateEnrollment_SeedsPackageHours(t *testing.T) {
	engine, storage := newTestEngine(t)
	ctx := context.Background()

	storage.SeedPackage(&reconcile.HourPackage{ID: "p1", Name: "Starter Pack", Hours: 5})

	enrollment, created, err := engine.FindOrCreateEnrollment(ctx, reconcile.CreateEnrollmentParams{
		Key:       reconcile.EnrollmentKey{UserID: "u1", ServiceID: "s1"},
		PlanType:  reconcile.PlanHourlyPackage,
		PackageID: "p1",
	})
	require.NoError(t, err)
	require.True(t, created)
	require.NotNil(t, enrollment.RemainingHours)
	assert.Equal(t, 5, *enrollment.RemainingHours)
}

func TestFindOrCreateEnrollment_UnknownPackage(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	_, _, err := engine.FindOrCreateEnrollment(ctx, reconcile.CreateEnrollmentParams{
		Key:       reconcile.EnrollmentKey{UserID: "u1", ServiceID: "s1"},
		PlanType:  reconcile.PlanHourlyPackage,
		PackageID: "missing",
	})
	assert.ErrorIs(t, err, reconcile.ErrPackageNotFound)
}

func TestTransitionEnrollment_Idempotent(t *testing.T) {
	engine, storage := newTestEngine(t)
	ctx := context.Background()

	enrollment, _, err := engine.FindOrCreateEnrollment(ctx, reconcile.CreateEnrollmentParams{
		Key:      reconcile.EnrollmentKey{UserID: "u1", ServiceID: "s1"},
		PlanType: reconcile.PlanMonthlySubscription,
	})
	require.NoError(t, err)

	require.NoError(t, engine.TransitionEnrollment(ctx, enrollment.ID, reconcile.StatusPaused))
	// Replaying the same transition is a no-op, not an error
	require.NoError(t, engine.TransitionEnrollment(ctx, enrollment.ID, reconcile.StatusPaused))

	got, err := storage.GetEnrollment(ctx, enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, reconcile.StatusPaused, got.Status)
}

func TestApplySubscriptionStatus(t *testing.T) {
	engine, storage := newTestEngine(t)
	ctx := context.Background()

	enrollment, _, err := engine.FindOrCreateEnrollment(ctx, reconcile.CreateEnrollmentParams{
		Key:            reconcile.EnrollmentKey{UserID: "u1", ServiceID: "s1"},
		PlanType:       reconcile.PlanMonthlySubscription,
		SubscriptionID: "sub_1",
	})
	require.NoError(t, err)

	require.NoError(t, engine.ApplySubscriptionStatus(ctx, "sub_1", "past_due"))

	got, err := storage.GetEnrollment(ctx, enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, reconcile.StatusPaused, got.Status)

	// Replay converges on the same state
	require.NoError(t, engine.ApplySubscriptionStatus(ctx, "sub_1", "past_due"))
	got, err = storage.GetEnrollment(ctx, enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, reconcile.StatusPaused, got.Status)
}

func TestApplySubscriptionStatus_UnknownSubscription(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	// The subscription-created event may not have arrived yet; callers
	// treat this as an expected race, not a hard failure.
	err := engine.ApplySubscriptionStatus(ctx, "sub_unseen", "active")
	assert.ErrorIs(t, err, reconcile.ErrEnrollmentNotFound)
}

func TestLinkSubscription(t *testing.T) {
	engine, storage := newTestEngine(t)
	ctx := context.Background()

	enrollment, _, err := engine.FindOrCreateEnrollment(ctx, reconcile.CreateEnrollmentParams{
		Key:      reconcile.EnrollmentKey{UserID: "u1", ServiceID: "s1"},
		PlanType: reconcile.PlanMonthlySubscription,
	})
	require.NoError(t, err)
	require.Empty(t, enrollment.SubscriptionID)

	require.NoError(t, engine.LinkSubscription(ctx, enrollment.ID, "sub_1"))

	got, err := storage.FindEnrollmentBySubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, enrollment.ID, got.ID)

	// Stamping the same reference again is a no-op, an empty reference
	// changes nothing
	require.NoError(t, engine.LinkSubscription(ctx, enrollment.ID, "sub_1"))
	require.NoError(t, engine.LinkSubscription(ctx, enrollment.ID, ""))
	got, err = storage.GetEnrollment(ctx, enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, "sub_1", got.SubscriptionID)

	assert.ErrorIs(t, engine.LinkSubscription(ctx, "missing", "sub_2"),
		reconcile.ErrEnrollmentNotFound)
}

func TestRecordPaymentSuccess_Idempotent(t *testing.T) {
	engine, storage := newTestEngine(t)
	ctx := context.Background()

	params := reconcile.PaymentParams{
		EnrollmentID:      "e1",
		ProviderPaymentID: "pi_123",
		Amount:            15000,
		Currency:          "USD",
		PlanType:          reconcile.PlanSingleSession,
		Description:       "Single session",
		PaidAt:            time.Now(),
	}

	for i := 0; i < 5; i++ {
		require.NoError(t, engine.RecordPaymentSuccess(ctx, params))
	}

	payment, err := storage.GetPaymentByProviderID(ctx, "pi_123")
	require.NoError(t, err)
	assert.Equal(t, reconcile.PaymentSucceeded, payment.Status)
	assert.Equal(t, int64(15000), payment.Amount)
	assert.Equal(t, "usd", payment.Currency, "currency is stored lower-case")
	require.NotNil(t, payment.PaidAt)
}

func TestRecordPaymentFailure_FlipsExistingRow(t *testing.T) {
	engine, storage := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.RecordPaymentSuccess(ctx, reconcile.PaymentParams{
		EnrollmentID:      "e1",
		ProviderPaymentID: "pi_123",
		Amount:            5000,
		Currency:          "eur",
		PlanType:          reconcile.PlanMonthlySubscription,
		PaidAt:            time.Now(),
	}))

	require.NoError(t, engine.RecordPaymentFailure(ctx, "pi_123", "e1", reconcile.PlanMonthlySubscription))

	payment, err := storage.GetPaymentByProviderID(ctx, "pi_123")
	require.NoError(t, err)
	assert.Equal(t, reconcile.PaymentFailed, payment.Status)
}

func TestRecordPaymentFailure_FirstNotification(t *testing.T) {
	engine, storage := newTestEngine(t)
	ctx := context.Background()

	// Failure seen before any success notification for this id
	require.NoError(t, engine.RecordPaymentFailure(ctx, "pi_456", "e1", reconcile.PlanSingleSession))

	payment, err := storage.GetPaymentByProviderID(ctx, "pi_456")
	require.NoError(t, err)
	assert.Equal(t, reconcile.PaymentFailed, payment.Status)
	assert.Nil(t, payment.PaidAt)
}

func TestEnsureLearningPlan_Once(t *testing.T) {
	engine, storage := newTestEngine(t)
	ctx := context.Background()

	created, err := engine.EnsureLearningPlan(ctx, "e1", "s1", reconcile.PlanSingleSession)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = engine.EnsureLearningPlan(ctx, "e1", "s1", reconcile.PlanSingleSession)
	require.NoError(t, err)
	assert.False(t, created)

	plan, err := storage.GetLearningPlanByEnrollment(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, plan.Stages, 1)
	assert.Len(t, plan.Stages[0].Steps, 2)
}

func TestEnsureLearningPlan_SkipsAdvisorLedPlans(t *testing.T) {
	engine, storage := newTestEngine(t)
	ctx := context.Background()

	for _, planType := range []reconcile.PlanType{reconcile.PlanHourlyPackage, reconcile.PlanRetainer} {
		created, err := engine.EnsureLearningPlan(ctx, "e1", "s1", planType)
		require.NoError(t, err)
		assert.False(t, created, "plan type %s must not auto-provision", planType)
	}

	_, err := storage.GetLearningPlanByEnrollment(ctx, "e1")
	assert.ErrorIs(t, err, reconcile.ErrPlanNotFound)
}

func TestConsumeHours(t *testing.T) {
	engine, storage := newTestEngine(t)
	ctx := context.Background()

	storage.SeedPackage(&reconcile.HourPackage{ID: "p1", Hours: 5})
	enrollment, _, err := engine.FindOrCreateEnrollment(ctx, reconcile.CreateEnrollmentParams{
		Key:       reconcile.EnrollmentKey{UserID: "u1", ServiceID: "s1"},
		PlanType:  reconcile.PlanHourlyPackage,
		PackageID: "p1",
	})
	require.NoError(t, err)

	remaining, err := engine.ConsumeHours(ctx, enrollment.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)

	// Balance never goes below zero
	_, err = engine.ConsumeHours(ctx, enrollment.ID, 3)
	assert.ErrorIs(t, err, reconcile.ErrInsufficientHours)

	got, err := storage.GetEnrollment(ctx, enrollment.ID)
	require.NoError(t, err)
	require.NotNil(t, got.RemainingHours)
	assert.Equal(t, 2, *got.RemainingHours)
}

func TestConsumeHours_NonPackagePlan(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	enrollment, _, err := engine.FindOrCreateEnrollment(ctx, reconcile.CreateEnrollmentParams{
		Key:      reconcile.EnrollmentKey{UserID: "u1", ServiceID: "s1"},
		PlanType: reconcile.PlanRetainer,
	})
	require.NoError(t, err)

	_, err = engine.ConsumeHours(ctx, enrollment.ID, 1)
	assert.ErrorIs(t, err, reconcile.ErrNotPackagePlan)
}

func TestConsumeHours_InvalidAmount(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.ConsumeHours(context.Background(), "e1", 0)
	assert.ErrorIs(t, err, reconcile.ErrInvalidAmount)

	_, err = engine.ConsumeHours(context.Background(), "e1", -2)
	assert.ErrorIs(t, err, reconcile.ErrInvalidAmount)
}
