package reconcile

import "time"

// PlanType identifies how an enrollment is paid for and paced.
type PlanType string

const (
	// PlanSingleSession is a one-off session purchase
	PlanSingleSession PlanType = "SINGLE_SESSION"
	// PlanMonthlySubscription is a recurring monthly subscription
	PlanMonthlySubscription PlanType = "MONTHLY_SUBSCRIPTION"
	// PlanHourlyPackage grants a fixed pool of consumable hours
	PlanHourlyPackage PlanType = "HOURLY_PACKAGE"
	// PlanRetainer is an advisor-led ongoing engagement
	PlanRetainer PlanType = "RETAINER"
)

// Valid reports whether p is a known plan type.
func (p PlanType) Valid() bool {
	switch p {
	case PlanSingleSession, PlanMonthlySubscription, PlanHourlyPackage, PlanRetainer:
		return true
	}
	return false
}

// SelfPaced reports whether enrollments of this plan type get an
// auto-provisioned learning plan. Package and retainer plans are set up
// through an advisor-led flow instead.
func (p PlanType) SelfPaced() bool {
	return p == PlanSingleSession || p == PlanMonthlySubscription
}

// EnrollmentStatus is the lifecycle state of an enrollment.
type EnrollmentStatus string

const (
	// StatusActive means the enrollment is paid up and usable
	StatusActive EnrollmentStatus = "ACTIVE"
	// StatusPaused means payment is overdue; access is suspended, not revoked
	StatusPaused EnrollmentStatus = "PAUSED"
	// StatusCancelled means the enrollment has ended
	StatusCancelled EnrollmentStatus = "CANCELLED"
)

// EnrollmentKey is the uniqueness key for enrollments: at most one
// enrollment exists per (user, service) pair.
type EnrollmentKey struct {
	UserID    string
	ServiceID string
}

// Enrollment is the durable record of a user's participation in a paid
// service plan.
type Enrollment struct {
	ID        string
	UserID    string
	ServiceID string
	PlanType  PlanType
	Status    EnrollmentStatus

	// CustomerID is the payment provider's customer reference.
	CustomerID string

	// SubscriptionID is the provider's subscription reference.
	// Empty for non-recurring plans.
	SubscriptionID string

	// PackageID references the purchased hour package.
	// Empty for non-package plans.
	PackageID string

	// RemainingHours is set if and only if PackageID is set,
	// and never goes negative.
	RemainingHours *int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PaymentStatus is the outcome of a charge attempt.
type PaymentStatus string

const (
	// PaymentSucceeded means the charge settled
	PaymentSucceeded PaymentStatus = "SUCCEEDED"
	// PaymentFailed means the charge was declined or the invoice went unpaid
	PaymentFailed PaymentStatus = "FAILED"
)

// Payment is one attempted charge or subscription invoice payment.
// ProviderPaymentID is globally unique and acts as the idempotency key:
// redelivered notifications for the same id never create a second row.
type Payment struct {
	ID           string
	EnrollmentID string

	// ProviderPaymentID is the payment provider's own id for this charge.
	ProviderPaymentID string

	// Amount is in the smallest currency unit (cents), never a float.
	Amount   int64
	Currency string

	Status      PaymentStatus
	PlanType    PlanType
	Description string

	// PaidAt is nil for failed payments.
	PaidAt *time.Time

	CreatedAt time.Time
}

// LearningPlan is the auxiliary artifact auto-provisioned once per
// enrollment for self-paced plan types.
type LearningPlan struct {
	ID           string
	EnrollmentID string
	ServiceID    string
	Stages       []PlanStage
	CreatedAt    time.Time
}

// PlanStage is one phase of a learning plan.
type PlanStage struct {
	ID       string
	Title    string
	Position int
	Steps    []PlanStep
}

// PlanStep is a single actionable item within a stage.
type PlanStep struct {
	ID       string
	Title    string
	Position int
	Done     bool
}

// HourPackage defines how many consumable hours a purchased package
// grants. Read-only from the engine's perspective.
type HourPackage struct {
	ID    string
	Name  string
	Hours int
}
