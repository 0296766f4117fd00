package report

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Frequency is the cadence a schedule was generated under.
type Frequency string

const (
	FrequencyDaily   Frequency = "Daily"
	FrequencyWeekly  Frequency = "Weekly"
	FrequencyMonthly Frequency = "Monthly"
	FrequencyAdhoc   Frequency = "Adhoc"
)

// ScheduleStatus is the lifecycle state of a ReportSchedule.
type ScheduleStatus string

const (
	ScheduleOpen      ScheduleStatus = "Open"
	ScheduleSubmitted ScheduleStatus = "Submitted"
)

// EntryStatus tracks one patient's progress through evaluation, validation
// and submission within a schedule. Monotonic except for the reset back to
// PendingEvaluation performed when a patient is re-ingested.
type EntryStatus string

const (
	EntryPendingEvaluation   EntryStatus = "PendingEvaluation"
	EntryReadyForValidation  EntryStatus = "ReadyForValidation"
	EntryValidationRequested EntryStatus = "ValidationRequested"
	EntryValidationComplete  EntryStatus = "ValidationComplete"
	EntryNotReportable       EntryStatus = "NotReportable"
	EntrySubmitted           EntryStatus = "Submitted"
)

// ValidationStatus is the verdict side-channel of an entry.
type ValidationStatus string

const (
	ValidationPending   ValidationStatus = "Pending"
	ValidationRequested ValidationStatus = "Requested"
	ValidationPassed    ValidationStatus = "Passed"
	ValidationFailed    ValidationStatus = "Failed"
)

// ReportSchedule maps to the report_schedule table: one planned or ad-hoc
// reporting run for a facility, date range and set of report types.
type ReportSchedule struct {
	ID                         uuid.UUID      `db:"id" json:"id"`
	FacilityID                 string         `db:"facility_id" json:"facility_id"`
	ReportTypes                []string       `db:"report_types" json:"report_types"`
	ReportStartDate            time.Time      `db:"report_start_date" json:"report_start_date"`
	ReportEndDate              time.Time      `db:"report_end_date" json:"report_end_date"`
	Frequency                  Frequency      `db:"frequency" json:"frequency"`
	Status                     ScheduleStatus `db:"status" json:"status"`
	PayloadRootURI             *string        `db:"payload_root_uri" json:"payload_root_uri,omitempty"`
	EndOfReportPeriodJobHasRun bool           `db:"end_of_period_job_has_run" json:"end_of_period_job_has_run"`
	EnableSubmission           bool           `db:"enable_submission" json:"enable_submission"`
	SubmitReportDateTime       *time.Time     `db:"submit_report_datetime" json:"submit_report_datetime,omitempty"`
	CreateDate                 time.Time      `db:"create_date" json:"create_date"`
}

// ManifestKey is the blob key the schedule's payload manifest is stored
// under once submission fans out.
func (s *ReportSchedule) ManifestKey() string {
	return fmt.Sprintf("%s/%s/manifest.json", s.FacilityID, s.ID)
}

// ContainedResource identifies one accumulated FHIR resource by type and id.
type ContainedResource struct {
	ResourceType string `json:"resourceType"`
	ResourceID   string `json:"resourceId"`
}

// SubmissionEntry maps to the submission_entry table: the unit of progress
// tracking for one patient within one report type of one schedule. Unique
// on (report_schedule_id, patient_id, report_type).
type SubmissionEntry struct {
	ID                 uuid.UUID           `db:"id" json:"id"`
	FacilityID         string              `db:"facility_id" json:"facility_id"`
	ReportScheduleID   uuid.UUID           `db:"report_schedule_id" json:"report_schedule_id"`
	PatientID          string              `db:"patient_id" json:"patient_id"`
	ReportType         string              `db:"report_type" json:"report_type"`
	Status             EntryStatus         `db:"status" json:"status"`
	ValidationStatus   ValidationStatus    `db:"validation_status" json:"validation_status"`
	MeasureReportRef   *string             `db:"measure_report_ref" json:"measure_report_ref,omitempty"`
	ContainedResources []ContainedResource `db:"contained_resources" json:"contained_resources"`
	PayloadURI         *string             `db:"payload_uri" json:"payload_uri,omitempty"`
	CreatedAt          time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time           `db:"updated_at" json:"updated_at"`
}

// AddContainedResource unions (resourceType, resourceId) into the entry's
// contained set. Returns false when the resource was already present.
func (e *SubmissionEntry) AddContainedResource(resourceType, resourceID string) bool {
	for _, cr := range e.ContainedResources {
		if cr.ResourceType == resourceType && cr.ResourceID == resourceID {
			return false
		}
	}
	e.ContainedResources = append(e.ContainedResources, ContainedResource{
		ResourceType: resourceType,
		ResourceID:   resourceID,
	})
	return true
}

// IsTerminal reports whether the entry is finished from the completion
// predicate's point of view.
func (e *SubmissionEntry) IsTerminal() bool {
	return e.Status == EntryNotReportable || e.Status == EntryValidationComplete
}

// NormalizeReportDate converts t to UTC at seconds precision. Downstream
// joins compare timestamps exactly; sub-second fractions would break them.
func NormalizeReportDate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
