package acquired

import (
	"context"
	"errors"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

type Repository interface {
	// Upsert creates the resource or replaces the payload of an existing
	// row with the same (facility, patient, type, id) key.
	Upsert(ctx context.Context, r *PatientResource) error
	Get(ctx context.Context, facilityID, patientID, resourceType, resourceID string) (*PatientResource, error)
	ListByPatient(ctx context.Context, facilityID, patientID string) ([]*PatientResource, error)
}
