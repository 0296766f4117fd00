// Package orchestrator contains the message handlers that drive a report
// schedule from creation through evaluation, validation and submission.
// Each handler consumes one topic under its own consumer group; handlers
// never assume cross-topic ordering and re-resolve store state on every
// message.
package orchestrator

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Topics consumed by the orchestrators.
const (
	TopicGenerateReportRequested = "GenerateReportRequested"
	TopicPatientListsAcquired    = "PatientListsAcquired"
	TopicResourceEvaluated       = "ResourceEvaluated"
	TopicValidationComplete      = "ValidationComplete"
	TopicPayloadSubmitted        = "PayloadSubmitted"
)

// Topics produced by the orchestrators.
const (
	TopicEvaluationRequested      = "EvaluationRequested"
	TopicDataAcquisitionRequested = "DataAcquisitionRequested"
	TopicReadyForValidation       = "ReadyForValidation"
	TopicSubmitPayload            = "SubmitPayload"
)

// GenerateReportRequest asks for a new report schedule. When Regenerate is
// set, ReportID names the original schedule whose date range and report
// types are authoritative over the incoming values.
type GenerateReportRequest struct {
	ReportID         string    `json:"reportId,omitempty"`
	Regenerate       bool      `json:"regenerate"`
	StartDate        time.Time `json:"startDate"`
	EndDate          time.Time `json:"endDate"`
	ReportTypes      []string  `json:"reportTypes"`
	PatientIDs       []string  `json:"patientIds,omitempty"`
	BypassSubmission bool      `json:"bypassSubmission"`
}

// PatientListBatch carries newly observed patient lists for one facility.
type PatientListBatch struct {
	PatientLists []PatientList `json:"patientLists"`
}

type PatientList struct {
	PatientIDs []string `json:"patientIds"`
}

// ResourceEvaluatedEvent carries one evaluated FHIR resource for a patient.
type ResourceEvaluatedEvent struct {
	ReportTrackingID string          `json:"reportTrackingId"`
	PatientID        string          `json:"patientId"`
	ReportType       string          `json:"reportType"`
	Resource         json.RawMessage `json:"resource"`
	IsReportable     bool            `json:"isReportable"`
}

// ValidationCompleteEvent carries one patient's validation verdict.
type ValidationCompleteEvent struct {
	ReportTrackingID string `json:"reportTrackingId"`
	PatientID        string `json:"patientId"`
	IsValid          bool   `json:"isValid"`
}

// PayloadKind discriminates what a submission confirmation refers to.
type PayloadKind string

const (
	PayloadKindPatient  PayloadKind = "patient"
	PayloadKindSchedule PayloadKind = "schedule"
)

// PayloadSubmittedEvent confirms an external submission of either one
// patient's payload or the whole-schedule manifest.
type PayloadSubmittedEvent struct {
	PayloadType PayloadKind `json:"payloadType"`
	PatientID   string      `json:"patientId,omitempty"`
	PayloadURI  string      `json:"payloadUri"`
}

// EvaluationRequest fans out one patient for measure evaluation.
// PreviousReportID carries the original schedule id on regenerate runs so
// evaluators can diff against prior results.
type EvaluationRequest struct {
	FacilityID       string    `json:"facilityId"`
	ReportScheduleID uuid.UUID `json:"reportScheduleId"`
	PatientID        string    `json:"patientId"`
	ReportTypes      []string  `json:"reportTypes"`
	StartDate        time.Time `json:"startDate"`
	EndDate          time.Time `json:"endDate"`
	PreviousReportID string    `json:"previousReportId,omitempty"`
}

// DataAcquisitionRequest asks for the whole patient batch of a fresh
// schedule to be acquired.
type DataAcquisitionRequest struct {
	FacilityID       string    `json:"facilityId"`
	ReportScheduleID uuid.UUID `json:"reportScheduleId"`
	PatientIDs       []string  `json:"patientIds"`
	ReportTypes      []string  `json:"reportTypes"`
	StartDate        time.Time `json:"startDate"`
	EndDate          time.Time `json:"endDate"`
}

// ReadyForValidationEvent announces that a patient's MeasureReport arrived
// and the entry awaits validation.
type ReadyForValidationEvent struct {
	FacilityID       string    `json:"facilityId"`
	ReportScheduleID uuid.UUID `json:"reportScheduleId"`
	PatientID        string    `json:"patientId"`
	ReportType       string    `json:"reportType"`
	MeasureReportRef string    `json:"measureReportRef"`
}

// SubmitPayloadEvent asks the external submitter to ship the schedule's
// aggregate payload.
type SubmitPayloadEvent struct {
	FacilityID       string    `json:"facilityId"`
	ReportScheduleID uuid.UUID `json:"reportScheduleId"`
	PayloadRootURI   string    `json:"payloadRootUri"`
}

// resourceEvaluatedKey is the composite partition key of ResourceEvaluated
// messages.
type resourceEvaluatedKey struct {
	FacilityID string `json:"facilityId"`
}

// payloadSubmittedKey is the composite partition key of PayloadSubmitted
// messages.
type payloadSubmittedKey struct {
	FacilityID       string `json:"facilityId"`
	ReportScheduleID string `json:"reportScheduleId"`
}
