package stripe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guidepost-app/guidepost/pkg/billing"
	"github.com/guidepost-app/guidepost/pkg/reconcile"
)

func TestParseMetadata(t *testing.T) {
	tests := []struct {
		name    string
		raw     map[string]string
		wantErr bool
	}{
		{
			name: "valid single session",
			raw: map[string]string{
				"userId":    "u1",
				"serviceId": "s1",
				"planType":  "SINGLE_SESSION",
			},
		},
		{
			name: "valid package with package id",
			raw: map[string]string{
				"userId":            "u1",
				"serviceId":         "s1",
				"planType":          "HOURLY_PACKAGE",
				"advisoryPackageId": "p1",
			},
		},
		{
			name:    "nil metadata",
			raw:     nil,
			wantErr: true,
		},
		{
			name: "missing user id",
			raw: map[string]string{
				"serviceId": "s1",
				"planType":  "SINGLE_SESSION",
			},
			wantErr: true,
		},
		{
			name: "missing service id",
			raw: map[string]string{
				"userId":   "u1",
				"planType": "SINGLE_SESSION",
			},
			wantErr: true,
		},
		{
			name: "unknown plan type",
			raw: map[string]string{
				"userId":    "u1",
				"serviceId": "s1",
				"planType":  "LIFETIME",
			},
			wantErr: true,
		},
		{
			name: "empty plan type",
			raw: map[string]string{
				"userId":    "u1",
				"serviceId": "s1",
			},
			wantErr: true,
		},
		{
			name: "package plan without package id",
			raw: map[string]string{
				"userId":    "u1",
				"serviceId": "s1",
				"planType":  "HOURLY_PACKAGE",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta, err := parseMetadata(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, billing.ErrInvalidMetadata)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.raw["userId"], meta.UserID)
			assert.Equal(t, tt.raw["serviceId"], meta.ServiceID)
		})
	}
}

func TestParseMetadata_OptionalFields(t *testing.T) {
	meta, err := parseMetadata(map[string]string{
		"userId":       "u1",
		"serviceId":    "s1",
		"planType":     "MONTHLY_SUBSCRIPTION",
		"enrollmentId": "e1",
	})
	require.NoError(t, err)
	assert.Equal(t, "e1", meta.EnrollmentID)
	assert.Equal(t, reconcile.EnrollmentKey{UserID: "u1", ServiceID: "s1"}, meta.Key())
}
