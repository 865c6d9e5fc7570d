// Package memory provides an in-memory implementation of the
// reconcile.Storage interface. This implementation is primarily
// intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/guidepost-app/guidepost/pkg/reconcile"
)

// Storage implements reconcile.Storage using in-memory maps
type Storage struct {
	mu             sync.RWMutex
	enrollments    map[string]*reconcile.Enrollment   // by id
	byKey          map[reconcile.EnrollmentKey]string // (user, service) -> id
	bySubscription map[string]string                  // subscription id -> id
	payments       map[string]*reconcile.Payment      // by provider payment id
	plans          map[string]*reconcile.LearningPlan // by enrollment id
	packages       map[string]*reconcile.HourPackage  // by id
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		enrollments:    make(map[string]*reconcile.Enrollment),
		byKey:          make(map[reconcile.EnrollmentKey]string),
		bySubscription: make(map[string]string),
		payments:       make(map[string]*reconcile.Payment),
		plans:          make(map[string]*reconcile.LearningPlan),
		packages:       make(map[string]*reconcile.HourPackage),
	}
}

// SeedPackage registers an hour package definition. Test helper.
func (s *Storage) SeedPackage(pkg *reconcile.HourPackage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pkgCopy := *pkg
	s.packages[pkg.ID] = &pkgCopy
}

// GetEnrollment implements reconcile.Storage
func (s *Storage) GetEnrollment(ctx context.Context, id string) (*reconcile.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.enrollments[id]
	if !ok {
		return nil, reconcile.ErrEnrollmentNotFound
	}
	return copyEnrollment(e), nil
}

// FindEnrollment implements reconcile.Storage
func (s *Storage) FindEnrollment(ctx context.Context, key reconcile.EnrollmentKey) (*reconcile.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byKey[key]
	if !ok {
		return nil, reconcile.ErrEnrollmentNotFound
	}
	return copyEnrollment(s.enrollments[id]), nil
}

// FindEnrollmentBySubscription implements reconcile.Storage
func (s *Storage) FindEnrollmentBySubscription(ctx context.Context, subscriptionID string) (*reconcile.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.bySubscription[subscriptionID]
	if !ok {
		return nil, reconcile.ErrEnrollmentNotFound
	}
	return copyEnrollment(s.enrollments[id]), nil
}

// CreateEnrollment implements reconcile.Storage
func (s *Storage) CreateEnrollment(ctx context.Context, e *reconcile.Enrollment) error {
	if e == nil || e.ID == "" || e.UserID == "" || e.ServiceID == "" {
		return fmt.Errorf("invalid enrollment")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := reconcile.EnrollmentKey{UserID: e.UserID, ServiceID: e.ServiceID}
	if _, exists := s.byKey[key]; exists {
		return reconcile.ErrEnrollmentExists
	}

	s.enrollments[e.ID] = copyEnrollment(e)
	s.byKey[key] = e.ID
	if e.SubscriptionID != "" {
		s.bySubscription[e.SubscriptionID] = e.ID
	}
	return nil
}

// UpdateEnrollmentStatus implements reconcile.Storage
func (s *Storage) UpdateEnrollmentStatus(ctx context.Context, id string, status reconcile.EnrollmentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.enrollments[id]
	if !ok {
		return reconcile.ErrEnrollmentNotFound
	}
	e.Status = status
	return nil
}

// UpdateEnrollmentSubscription implements reconcile.Storage
func (s *Storage) UpdateEnrollmentSubscription(ctx context.Context, id, subscriptionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.enrollments[id]
	if !ok {
		return reconcile.ErrEnrollmentNotFound
	}
	if e.SubscriptionID != "" {
		delete(s.bySubscription, e.SubscriptionID)
	}
	e.SubscriptionID = subscriptionID
	if subscriptionID != "" {
		s.bySubscription[subscriptionID] = id
	}
	return nil
}

// DecrementHours implements reconcile.Storage
func (s *Storage) DecrementHours(ctx context.Context, id string, hours int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.enrollments[id]
	if !ok {
		return 0, reconcile.ErrEnrollmentNotFound
	}
	if e.PackageID == "" || e.RemainingHours == nil {
		return 0, reconcile.ErrNotPackagePlan
	}
	if *e.RemainingHours < hours {
		return *e.RemainingHours, reconcile.ErrInsufficientHours
	}
	remaining := *e.RemainingHours - hours
	e.RemainingHours = &remaining
	return remaining, nil
}

// GetPaymentByProviderID implements reconcile.Storage
func (s *Storage) GetPaymentByProviderID(ctx context.Context, providerPaymentID string) (*reconcile.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[providerPaymentID]
	if !ok {
		return nil, reconcile.ErrPaymentNotFound
	}
	pCopy := *p
	return &pCopy, nil
}

// CreatePayment implements reconcile.Storage
func (s *Storage) CreatePayment(ctx context.Context, p *reconcile.Payment) error {
	if p == nil || p.ProviderPaymentID == "" {
		return fmt.Errorf("invalid payment")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.payments[p.ProviderPaymentID]; exists {
		return reconcile.ErrPaymentExists
	}
	pCopy := *p
	s.payments[p.ProviderPaymentID] = &pCopy
	return nil
}

// UpdatePaymentStatus implements reconcile.Storage
func (s *Storage) UpdatePaymentStatus(ctx context.Context, providerPaymentID string, status reconcile.PaymentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[providerPaymentID]
	if !ok {
		return reconcile.ErrPaymentNotFound
	}
	p.Status = status
	return nil
}

// GetLearningPlanByEnrollment implements reconcile.Storage
func (s *Storage) GetLearningPlanByEnrollment(ctx context.Context, enrollmentID string) (*reconcile.LearningPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.plans[enrollmentID]
	if !ok {
		return nil, reconcile.ErrPlanNotFound
	}
	return copyPlan(p), nil
}

// CreateLearningPlan implements reconcile.Storage
func (s *Storage) CreateLearningPlan(ctx context.Context, p *reconcile.LearningPlan) error {
	if p == nil || p.EnrollmentID == "" {
		return fmt.Errorf("invalid learning plan")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.plans[p.EnrollmentID]; exists {
		return reconcile.ErrPlanExists
	}
	s.plans[p.EnrollmentID] = copyPlan(p)
	return nil
}

// GetPackage implements reconcile.Storage
func (s *Storage) GetPackage(ctx context.Context, id string) (*reconcile.HourPackage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pkg, ok := s.packages[id]
	if !ok {
		return nil, reconcile.ErrPackageNotFound
	}
	pkgCopy := *pkg
	return &pkgCopy, nil
}

// copyEnrollment returns a deep copy to prevent external mutations
func copyEnrollment(e *reconcile.Enrollment) *reconcile.Enrollment {
	eCopy := *e
	if e.RemainingHours != nil {
		hours := *e.RemainingHours
		eCopy.RemainingHours = &hours
	}
	return &eCopy
}

func copyPlan(p *reconcile.LearningPlan) *reconcile.LearningPlan {
	pCopy := *p
	pCopy.Stages = make([]reconcile.PlanStage, len(p.Stages))
	for i, stage := range p.Stages {
		stageCopy := stage
		stageCopy.Steps = append([]reconcile.PlanStep(nil), stage.Steps...)
		pCopy.Stages[i] = stageCopy
	}
	return &pCopy
}
