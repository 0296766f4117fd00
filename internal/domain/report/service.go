package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Service owns all mutations of schedules and entries. Four orchestrators
// write through it concurrently; every mutation is scoped to a single row,
// and cross-row consistency comes from recomputing the completion
// predicate after each write, not from locking.
type Service struct {
	schedules ScheduleRepository
	entries   EntryRepository
}

func NewService(schedules ScheduleRepository, entries EntryRepository) *Service {
	return &Service{schedules: schedules, entries: entries}
}

var validFrequencies = map[Frequency]bool{
	FrequencyDaily: true, FrequencyWeekly: true, FrequencyMonthly: true, FrequencyAdhoc: true,
}

// CreateSchedule validates and persists a new schedule. Dates are
// normalized to UTC seconds precision before storage.
func (s *Service) CreateSchedule(ctx context.Context, sched *ReportSchedule) error {
	if sched.FacilityID == "" {
		return errors.New("facility id is required")
	}
	if len(sched.ReportTypes) == 0 {
		return errors.New("at least one report type is required")
	}
	if sched.ReportStartDate.IsZero() || sched.ReportEndDate.IsZero() {
		return errors.New("report start and end dates are required")
	}
	sched.ReportStartDate = NormalizeReportDate(sched.ReportStartDate)
	sched.ReportEndDate = NormalizeReportDate(sched.ReportEndDate)
	if !sched.ReportEndDate.After(sched.ReportStartDate) {
		return fmt.Errorf("report end date %s must be after start date %s",
			sched.ReportEndDate.Format(time.RFC3339), sched.ReportStartDate.Format(time.RFC3339))
	}
	if sched.Frequency == "" {
		sched.Frequency = FrequencyAdhoc
	}
	if !validFrequencies[sched.Frequency] {
		return fmt.Errorf("invalid frequency: %s", sched.Frequency)
	}
	if sched.Status == "" {
		sched.Status = ScheduleOpen
	}
	return s.schedules.Create(ctx, sched)
}

func (s *Service) GetSchedule(ctx context.Context, id uuid.UUID) (*ReportSchedule, error) {
	return s.schedules.GetByID(ctx, id)
}

func (s *Service) GetScheduleForFacility(ctx context.Context, facilityID string, id uuid.UUID) (*ReportSchedule, error) {
	return s.schedules.GetByFacilityAndID(ctx, facilityID, id)
}

func (s *Service) OpenSchedules(ctx context.Context, facilityID string) ([]*ReportSchedule, error) {
	return s.schedules.ListOpenByFacility(ctx, facilityID)
}

func (s *Service) SearchSchedules(ctx context.Context, params map[string]string, limit, offset int) ([]*ReportSchedule, int, error) {
	return s.schedules.List(ctx, params, limit, offset)
}

// PatientsOf returns the distinct patients with entries under scheduleID.
func (s *Service) PatientsOf(ctx context.Context, scheduleID uuid.UUID) ([]string, error) {
	return s.entries.ListPatientIDsBySchedule(ctx, scheduleID)
}

func (s *Service) Entry(ctx context.Context, scheduleID uuid.UUID, patientID, reportType string) (*SubmissionEntry, error) {
	return s.entries.GetByKey(ctx, scheduleID, patientID, reportType)
}

func (s *Service) Entries(ctx context.Context, scheduleID uuid.UUID) ([]*SubmissionEntry, error) {
	return s.entries.ListBySchedule(ctx, scheduleID)
}

// SeedEntry creates a fresh PendingEvaluation entry for (schedule, patient,
// report type).
func (s *Service) SeedEntry(ctx context.Context, sched *ReportSchedule, patientID, reportType string) (*SubmissionEntry, error) {
	e := &SubmissionEntry{
		FacilityID:       sched.FacilityID,
		ReportScheduleID: sched.ID,
		PatientID:        patientID,
		ReportType:       reportType,
		Status:           EntryPendingEvaluation,
		ValidationStatus: ValidationPending,
	}
	if err := s.entries.Create(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// ResetOrSeedEntry resets an existing entry back to PendingEvaluation (the
// patient was re-admitted or is being re-evaluated) or creates one when
// none exists. Never duplicates: uniqueness of (schedule, patient, type) is
// preserved by updating in place. Returns true when a new entry was created.
func (s *Service) ResetOrSeedEntry(ctx context.Context, sched *ReportSchedule, patientID, reportType string) (*SubmissionEntry, bool, error) {
	existing, err := s.entries.GetByKey(ctx, sched.ID, patientID, reportType)
	if errors.Is(err, ErrNotFound) {
		e, cerr := s.SeedEntry(ctx, sched, patientID, reportType)
		return e, true, cerr
	}
	if err != nil {
		return nil, false, err
	}
	existing.Status = EntryPendingEvaluation
	existing.ValidationStatus = ValidationPending
	existing.MeasureReportRef = nil
	if err := s.entries.Update(ctx, existing); err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// AttachMeasureReport records the patient's MeasureReport reference and
// moves the entry to ReadyForValidation. Receiving the MeasureReport is the
// completion signal for the patient's evaluation phase.
func (s *Service) AttachMeasureReport(ctx context.Context, e *SubmissionEntry, ref string) error {
	e.MeasureReportRef = &ref
	e.Status = EntryReadyForValidation
	return s.entries.Update(ctx, e)
}

// AppendContainedResource unions the resource key into the entry's
// contained set. Re-delivery of the same resource is a no-op write-skip.
func (s *Service) AppendContainedResource(ctx context.Context, e *SubmissionEntry, resourceType, resourceID string) error {
	if !e.AddContainedResource(resourceType, resourceID) {
		return nil
	}
	return s.entries.Update(ctx, e)
}

// MarkNotReportable excludes the entry's patient/report-type combination
// from the schedule.
func (s *Service) MarkNotReportable(ctx context.Context, e *SubmissionEntry) error {
	e.Status = EntryNotReportable
	return s.entries.Update(ctx, e)
}

// RequestValidation marks validation as requested for the entry, at most
// once. Returns false when a request is already outstanding or the entry is
// not ready.
func (s *Service) RequestValidation(ctx context.Context, e *SubmissionEntry) (bool, error) {
	if e.Status != EntryReadyForValidation || e.ValidationStatus == ValidationRequested {
		return false, nil
	}
	e.Status = EntryValidationRequested
	e.ValidationStatus = ValidationRequested
	if err := s.entries.Update(ctx, e); err != nil {
		return false, err
	}
	return true, nil
}

// CompleteValidation finalizes every ValidationRequested entry of
// (schedule, patient) with the verdict. Plural because a patient may have
// several report types validated together. Returns the number of entries
// finalized; zero means there was nothing awaiting validation.
func (s *Service) CompleteValidation(ctx context.Context, scheduleID uuid.UUID, patientID string, isValid bool) (int, error) {
	entries, err := s.entries.ListByScheduleAndPatient(ctx, scheduleID, patientID)
	if err != nil {
		return 0, err
	}
	verdict := ValidationFailed
	if isValid {
		verdict = ValidationPassed
	}
	var n int
	for _, e := range entries {
		if e.Status != EntryValidationRequested {
			continue
		}
		e.Status = EntryValidationComplete
		e.ValidationStatus = verdict
		if err := s.entries.Update(ctx, e); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// IsScheduleComplete recomputes the completion predicate from current store
// state: true iff every entry of the schedule has either opted out
// (NotReportable) or finished validation (ValidationComplete). Recomputed on
// every relevant mutation because two orchestrators mutate entries of the
// same schedule concurrently with no shared lock.
func (s *Service) IsScheduleComplete(ctx context.Context, scheduleID uuid.UUID) (bool, error) {
	incomplete, err := s.entries.ExistsIncomplete(ctx, scheduleID)
	if err != nil {
		return false, err
	}
	return !incomplete, nil
}

// MarkSubmitted stamps the schedule's submission. Returns false when the
// schedule was already submitted; the timestamp is written at most once.
func (s *Service) MarkSubmitted(ctx context.Context, scheduleID uuid.UUID) (bool, error) {
	return s.schedules.MarkSubmitted(ctx, scheduleID, time.Now().UTC())
}

// SetPayloadRootURI records the blob location of the schedule's first
// written payload. Later writes keep the original root; the return value
// reports whether this call claimed the first write.
func (s *Service) SetPayloadRootURI(ctx context.Context, scheduleID uuid.UUID, uri string) (bool, error) {
	return s.schedules.SetPayloadRootURI(ctx, scheduleID, uri)
}

// RecordEntryPayload stamps the payload location on the patient's entries
// and moves them to Submitted. Terminal write, no fan-out. Returns the
// number of entries updated.
func (s *Service) RecordEntryPayload(ctx context.Context, scheduleID uuid.UUID, patientID, uri string) (int, error) {
	entries, err := s.entries.ListByScheduleAndPatient(ctx, scheduleID, patientID)
	if err != nil {
		return 0, err
	}
	var n int
	for _, e := range entries {
		e.PayloadURI = &uri
		e.Status = EntrySubmitted
		if err := s.entries.Update(ctx, e); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
