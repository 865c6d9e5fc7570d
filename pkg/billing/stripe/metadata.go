package stripe

import (
	"fmt"

	"github.com/guidepost-app/guidepost/pkg/billing"
	"github.com/guidepost-app/guidepost/pkg/reconcile"
)

// Metadata keys attached by the booking flow when a charge or
// subscription is created. The webhook handlers rely on these to map
// provider events back to application state.
const (
	metaUserID       = "userId"
	metaServiceID    = "serviceId"
	metaPlanType     = "planType"
	metaPackageID    = "advisoryPackageId"
	metaEnrollmentID = "enrollmentId"
)

// PlanMetadata is the validated application metadata carried on Stripe
// objects. It is parsed once at the dispatcher boundary; handlers never
// see the raw string bag.
type PlanMetadata struct {
	UserID    string
	ServiceID string
	PlanType  reconcile.PlanType

	// PackageID is set for hourly-package plans.
	PackageID string

	// EnrollmentID, when present, pins the event to an existing
	// enrollment instead of the (user, service) lookup.
	EnrollmentID string
}

// Key returns the enrollment uniqueness key for this metadata.
func (m *PlanMetadata) Key() reconcile.EnrollmentKey {
	return reconcile.EnrollmentKey{UserID: m.UserID, ServiceID: m.ServiceID}
}

// parseMetadata validates the raw metadata bag into a PlanMetadata.
// Missing or malformed fields fail with billing.ErrInvalidMetadata so
// the caller can reject the event instead of propagating empty strings
// into the engine.
func parseMetadata(raw map[string]string) (*PlanMetadata, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: no metadata attached", billing.ErrInvalidMetadata)
	}

	meta := &PlanMetadata{
		UserID:       raw[metaUserID],
		ServiceID:    raw[metaServiceID],
		PlanType:     reconcile.PlanType(raw[metaPlanType]),
		PackageID:    raw[metaPackageID],
		EnrollmentID: raw[metaEnrollmentID],
	}

	if meta.UserID == "" {
		return nil, fmt.Errorf("%w: missing %s", billing.ErrInvalidMetadata, metaUserID)
	}
	if meta.ServiceID == "" {
		return nil, fmt.Errorf("%w: missing %s", billing.ErrInvalidMetadata, metaServiceID)
	}
	if !meta.PlanType.Valid() {
		return nil, fmt.Errorf("%w: unknown plan type %q", billing.ErrInvalidMetadata, raw[metaPlanType])
	}
	if meta.PlanType == reconcile.PlanHourlyPackage && meta.PackageID == "" {
		return nil, fmt.Errorf("%w: package plan without %s", billing.ErrInvalidMetadata, metaPackageID)
	}

	return meta, nil
}
