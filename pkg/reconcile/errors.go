package reconcile

import "errors"

var (
	// ErrEnrollmentNotFound is returned when no enrollment matches the lookup
	ErrEnrollmentNotFound = errors.New("enrollment not found")

	// ErrEnrollmentExists is returned when an enrollment already exists for the (user, service) key
	ErrEnrollmentExists = errors.New("enrollment already exists")

	// ErrPaymentNotFound is returned when no payment matches the provider payment id
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrPaymentExists is returned when a payment with the provider payment id was already recorded
	ErrPaymentExists = errors.New("payment already recorded")

	// ErrPlanNotFound is returned when an enrollment has no learning plan
	ErrPlanNotFound = errors.New("learning plan not found")

	// ErrPlanExists is returned when the enrollment already has a learning plan
	ErrPlanExists = errors.New("learning plan already exists")

	// ErrPackageNotFound is returned for an unknown hour package reference
	ErrPackageNotFound = errors.New("hour package not found")

	// ErrNotPackagePlan is returned when hour accounting is attempted on a non-package enrollment
	ErrNotPackagePlan = errors.New("enrollment has no hour balance")

	// ErrInsufficientHours is returned when a decrement would take the balance below zero
	ErrInsufficientHours = errors.New("insufficient remaining hours")

	// ErrInvalidAmount is returned for non-positive hour amounts
	ErrInvalidAmount = errors.New("invalid amount")
)
