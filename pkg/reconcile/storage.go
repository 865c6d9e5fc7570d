package reconcile

import "context"

// Storage defines the persistence interface for the reconciliation
// engine. All methods use concrete types from this package to avoid
// import cycles.
//
// Implementations must structure writes as targeted updates (not
// full-record overwrites) so concurrent webhook deliveries for the
// same enrollment converge rather than clobbering each other. Where
// the backend supports atomic "update status" and "insert with unique
// key", no application-level locking is needed.
type Storage interface {
	// GetEnrollment retrieves an enrollment by id.
	// Returns ErrEnrollmentNotFound if absent.
	GetEnrollment(ctx context.Context, id string) (*Enrollment, error)

	// FindEnrollment retrieves the enrollment for a (user, service) key.
	// Returns ErrEnrollmentNotFound if absent.
	FindEnrollment(ctx context.Context, key EnrollmentKey) (*Enrollment, error)

	// FindEnrollmentBySubscription retrieves the enrollment holding the
	// given provider subscription reference.
	// Returns ErrEnrollmentNotFound if absent.
	FindEnrollmentBySubscription(ctx context.Context, subscriptionID string) (*Enrollment, error)

	// CreateEnrollment inserts a new enrollment.
	// Returns ErrEnrollmentExists if the (user, service) key is taken.
	CreateEnrollment(ctx context.Context, e *Enrollment) error

	// UpdateEnrollmentStatus sets the status of an enrollment as a
	// targeted update. Returns ErrEnrollmentNotFound if absent.
	UpdateEnrollmentStatus(ctx context.Context, id string, status EnrollmentStatus) error

	// UpdateEnrollmentSubscription sets the provider subscription
	// reference of an enrollment as a targeted update.
	// Returns ErrEnrollmentNotFound if absent.
	UpdateEnrollmentSubscription(ctx context.Context, id, subscriptionID string) error

	// DecrementHours atomically subtracts hours from a package
	// enrollment's balance and returns the new balance.
	// Returns ErrNotPackagePlan for enrollments without a balance and
	// ErrInsufficientHours if the decrement would go below zero.
	DecrementHours(ctx context.Context, id string, hours int) (int, error)

	// GetPaymentByProviderID retrieves a payment by the provider's
	// payment id. Returns ErrPaymentNotFound if absent.
	GetPaymentByProviderID(ctx context.Context, providerPaymentID string) (*Payment, error)

	// CreatePayment inserts a new payment row.
	// Returns ErrPaymentExists if the provider payment id is taken.
	CreatePayment(ctx context.Context, p *Payment) error

	// UpdatePaymentStatus flips the status of an existing payment row.
	// Returns ErrPaymentNotFound if absent.
	UpdatePaymentStatus(ctx context.Context, providerPaymentID string, status PaymentStatus) error

	// GetLearningPlanByEnrollment retrieves the learning plan scoped to
	// an enrollment. Returns ErrPlanNotFound if absent.
	GetLearningPlanByEnrollment(ctx context.Context, enrollmentID string) (*LearningPlan, error)

	// CreateLearningPlan inserts a plan with its nested stages and
	// steps under a single logical write.
	// Returns ErrPlanExists if the enrollment already has one.
	CreateLearningPlan(ctx context.Context, p *LearningPlan) error

	// GetPackage retrieves an hour package definition.
	// Returns ErrPackageNotFound if absent.
	GetPackage(ctx context.Context, id string) (*HourPackage, error)
}
