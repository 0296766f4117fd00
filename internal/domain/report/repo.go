package report

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by repository lookups that match no row.
var ErrNotFound = errors.New("not found")

type ScheduleRepository interface {
	Create(ctx context.Context, s *ReportSchedule) error
	GetByID(ctx context.Context, id uuid.UUID) (*ReportSchedule, error)
	GetByFacilityAndID(ctx context.Context, facilityID string, id uuid.UUID) (*ReportSchedule, error)
	// ListOpenByFacility returns schedules whose end-of-period job has not
	// run yet, i.e. schedules still accepting newly admitted patients.
	ListOpenByFacility(ctx context.Context, facilityID string) ([]*ReportSchedule, error)
	List(ctx context.Context, params map[string]string, limit, offset int) ([]*ReportSchedule, int, error)
	// SetPayloadRootURI records the schedule's payload root, first write
	// wins. Returns false when a root was already set.
	SetPayloadRootURI(ctx context.Context, id uuid.UUID, uri string) (bool, error)
	// MarkSubmitted flips Open->Submitted and stamps submit_report_datetime.
	// Returns false when the schedule was already submitted; the stamp is
	// written at most once.
	MarkSubmitted(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
}

type EntryRepository interface {
	Create(ctx context.Context, e *SubmissionEntry) error
	GetByKey(ctx context.Context, scheduleID uuid.UUID, patientID, reportType string) (*SubmissionEntry, error)
	ListBySchedule(ctx context.Context, scheduleID uuid.UUID) ([]*SubmissionEntry, error)
	ListByScheduleAndPatient(ctx context.Context, scheduleID uuid.UUID, patientID string) ([]*SubmissionEntry, error)
	// ListPatientIDsBySchedule returns the distinct patients that have at
	// least one entry under the schedule. Used by regenerate requests.
	ListPatientIDsBySchedule(ctx context.Context, scheduleID uuid.UUID) ([]string, error)
	Update(ctx context.Context, e *SubmissionEntry) error
	// ExistsIncomplete reports whether any entry of the schedule is in a
	// status outside {NotReportable, ValidationComplete}. This is the
	// completion predicate's single store query; it is always recomputed,
	// never cached.
	ExistsIncomplete(ctx context.Context, scheduleID uuid.UUID) (bool, error)
}
