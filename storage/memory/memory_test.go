package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guidepost-app/guidepost/pkg/reconcile"
)

func newEnrollment(id string) *reconcile.Enrollment {
	return &reconcile.Enrollment{
		ID:        id,
		UserID:    "u_" + id,
		ServiceID: "s1",
		PlanType:  reconcile.PlanSingleSession,
		Status:    reconcile.StatusActive,
	}
}

func TestEnrollmentCRUD(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.GetEnrollment(ctx, "missing")
	assert.ErrorIs(t, err, reconcile.ErrEnrollmentNotFound)

	e := newEnrollment("e1")
	e.SubscriptionID = "sub_1"
	require.NoError(t, s.CreateEnrollment(ctx, e))

	dup := newEnrollment("e2")
	dup.UserID = e.UserID
	assert.ErrorIs(t, s.CreateEnrollment(ctx, dup), reconcile.ErrEnrollmentExists)

	got, err := s.FindEnrollment(ctx, reconcile.EnrollmentKey{UserID: e.UserID, ServiceID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "e1", got.ID)

	got, err = s.FindEnrollmentBySubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "e1", got.ID)

	require.NoError(t, s.UpdateEnrollmentStatus(ctx, "e1", reconcile.StatusCancelled))
	got, err = s.GetEnrollment(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, reconcile.StatusCancelled, got.Status)

	assert.ErrorIs(t, s.UpdateEnrollmentStatus(ctx, "missing", reconcile.StatusActive),
		reconcile.ErrEnrollmentNotFound)
}

func TestUpdateEnrollmentSubscription(t *testing.T) {
	s := New()
	ctx := context.Background()

	e := newEnrollment("e1")
	require.NoError(t, s.CreateEnrollment(ctx, e))

	require.NoError(t, s.UpdateEnrollmentSubscription(ctx, "e1", "sub_1"))
	got, err := s.FindEnrollmentBySubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "e1", got.ID)

	// Re-stamping moves the index entry
	require.NoError(t, s.UpdateEnrollmentSubscription(ctx, "e1", "sub_2"))
	_, err = s.FindEnrollmentBySubscription(ctx, "sub_1")
	assert.ErrorIs(t, err, reconcile.ErrEnrollmentNotFound)
	got, err = s.FindEnrollmentBySubscription(ctx, "sub_2")
	require.NoError(t, err)
	assert.Equal(t, "e1", got.ID)

	assert.ErrorIs(t, s.UpdateEnrollmentSubscription(ctx, "missing", "sub_3"),
		reconcile.ErrEnrollmentNotFound)
}

func TestCreateEnrollment_Validation(t *testing.T) {
	s := New()
	ctx := context.Background()

	assert.Error(t, s.CreateEnrollment(ctx, nil))
	assert.Error(t, s.CreateEnrollment(ctx, &reconcile.Enrollment{ID: "e1"}))
}

func TestDecrementHours(t *testing.T) {
	s := New()
	ctx := context.Background()

	hours := 5
	e := newEnrollment("e1")
	e.PlanType = reconcile.PlanHourlyPackage
	e.PackageID = "p1"
	e.RemainingHours = &hours
	require.NoError(t, s.CreateEnrollment(ctx, e))

	remaining, err := s.DecrementHours(ctx, "e1", 3)
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)

	_, err = s.DecrementHours(ctx, "e1", 3)
	assert.ErrorIs(t, err, reconcile.ErrInsufficientHours)

	_, err = s.DecrementHours(ctx, "missing", 1)
	assert.ErrorIs(t, err, reconcile.ErrEnrollmentNotFound)

	plain := newEnrollment("e2")
	require.NoError(t, s.CreateEnrollment(ctx, plain))
	_, err = s.DecrementHours(ctx, "e2", 1)
	assert.ErrorIs(t, err, reconcile.ErrNotPackagePlan)
}

func TestPaymentLedger(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.GetPaymentByProviderID(ctx, "pi_1")
	assert.ErrorIs(t, err, reconcile.ErrPaymentNotFound)

	p := &reconcile.Payment{
		ID:                "pay_1",
		EnrollmentID:      "e1",
		ProviderPaymentID: "pi_1",
		Amount:            5000,
		Currency:          "usd",
		Status:            reconcile.PaymentSucceeded,
	}
	require.NoError(t, s.CreatePayment(ctx, p))
	assert.ErrorIs(t, s.CreatePayment(ctx, p), reconcile.ErrPaymentExists)

	require.NoError(t, s.UpdatePaymentStatus(ctx, "pi_1", reconcile.PaymentFailed))
	got, err := s.GetPaymentByProviderID(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, reconcile.PaymentFailed, got.Status)

	assert.ErrorIs(t, s.UpdatePaymentStatus(ctx, "pi_x", reconcile.PaymentFailed),
		reconcile.ErrPaymentNotFound)
}

func TestLearningPlan(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.GetLearningPlanByEnrollment(ctx, "e1")
	assert.ErrorIs(t, err, reconcile.ErrPlanNotFound)

	plan := &reconcile.LearningPlan{
		ID:           "plan_1",
		EnrollmentID: "e1",
		ServiceID:    "s1",
		Stages: []reconcile.PlanStage{
			{ID: "st1", Title: "Kickoff", Position: 1, Steps: []reconcile.PlanStep{
				{ID: "s1", Title: "Introduce yourself and share your goals", Position: 1},
			}},
		},
	}
	require.NoError(t, s.CreateLearningPlan(ctx, plan))
	assert.ErrorIs(t, s.CreateLearningPlan(ctx, plan), reconcile.ErrPlanExists)

	got, err := s.GetLearningPlanByEnrollment(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, got.Stages, 1)

	// Mutating the returned copy must not leak into storage
	got.Stages[0].Steps[0].Done = true
	again, err := s.GetLearningPlanByEnrollment(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, again.Stages[0].Steps[0].Done)
}

func TestGetPackage(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.GetPackage(ctx, "p1")
	assert.ErrorIs(t, err, reconcile.ErrPackageNotFound)

	s.SeedPackage(&reconcile.HourPackage{ID: "p1", Name: "5 Hour Pack", Hours: 5})
	pkg, err := s.GetPackage(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 5, pkg.Hours)
}

func TestConcurrentAccess(t *testing.T) {
	s := New()
	ctx := context.Background()

	hours := 100
	e := newEnrollment("e1")
	e.PlanType = reconcile.PlanHourlyPackage
	e.PackageID = "p1"
	e.RemainingHours = &hours
	require.NoError(t, s.CreateEnrollment(ctx, e))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.DecrementHours(ctx, "e1", 1)
		}()
	}
	wg.Wait()

	got, err := s.GetEnrollment(ctx, "e1")
	require.NoError(t, err)
	require.NotNil(t, got.RemainingHours)
	assert.Equal(t, 0, *got.RemainingHours)
}
