package acquired

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// PatientResource maps to the patient_resource table: one evaluated FHIR
// resource held for a facility's patient, keyed by
// (facility_id, patient_id, resource_type, resource_id). Re-delivery of the
// same resource replaces the stored payload.
type PatientResource struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	FacilityID   string          `db:"facility_id" json:"facility_id"`
	PatientID    string          `db:"patient_id" json:"patient_id"`
	ResourceType string          `db:"resource_type" json:"resource_type"`
	ResourceID   string          `db:"resource_id" json:"resource_id"`
	Resource     json.RawMessage `db:"resource" json:"resource"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}
