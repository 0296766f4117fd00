package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/CDCgov/nhsnlink-sub001/internal/domain/report"
	"github.com/CDCgov/nhsnlink-sub001/internal/platform/bus"
	"github.com/CDCgov/nhsnlink-sub001/internal/platform/census"
)

// GenerateHandler consumes GenerateReportRequested: it creates a new
// report schedule, seeds its submission entries and fans out to evaluation
// (regenerate) or data acquisition (fresh).
type GenerateHandler struct {
	reports  *report.Service
	census   census.Lookup
	producer bus.Producer
	log      zerolog.Logger
}

func NewGenerateHandler(reports *report.Service, lookup census.Lookup, producer bus.Producer, log zerolog.Logger) *GenerateHandler {
	return &GenerateHandler{reports: reports, census: lookup, producer: producer, log: log}
}

func (h *GenerateHandler) Handle(ctx context.Context, msg bus.Message) error {
	facilityID := string(msg.Key)
	if facilityID == "" {
		return bus.Permanentf("generate request has no facility key")
	}

	var req GenerateReportRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		return bus.Permanentf("unmarshal generate request: %v", err)
	}

	corrID := msg.EnsureCorrelationID()

	sched := &report.ReportSchedule{
		FacilityID:                 facilityID,
		ReportTypes:                req.ReportTypes,
		ReportStartDate:            req.StartDate,
		ReportEndDate:              req.EndDate,
		Frequency:                  report.FrequencyAdhoc,
		Status:                     report.ScheduleOpen,
		EndOfReportPeriodJobHasRun: true,
		EnableSubmission:           !req.BypassSubmission,
	}

	var original *report.ReportSchedule
	if req.Regenerate && req.ReportID != "" {
		// The original schedule's range and types are authoritative over
		// whatever the (possibly stale) republished request carries.
		origID, err := uuid.Parse(req.ReportID)
		if err != nil {
			return bus.Permanentf("invalid report id %q on regenerate request: %v", req.ReportID, err)
		}
		original, err = h.reports.GetSchedule(ctx, origID)
		if errors.Is(err, report.ErrNotFound) {
			return bus.Permanentf("no ReportSchedule found for ID %s", origID)
		}
		if err != nil {
			return bus.Transientf("load original schedule %s: %v", origID, err)
		}
		sched.ReportTypes = original.ReportTypes
		sched.ReportStartDate = original.ReportStartDate
		sched.ReportEndDate = original.ReportEndDate
	} else {
		if len(req.ReportTypes) == 0 {
			return bus.Permanentf("generate request has no report types")
		}
		if req.StartDate.IsZero() || req.EndDate.IsZero() {
			return bus.Permanentf("generate request is missing report dates")
		}
		if !report.NormalizeReportDate(req.EndDate).After(report.NormalizeReportDate(req.StartDate)) {
			return bus.Permanentf("report end date %s is not after start date %s",
				req.EndDate, req.StartDate)
		}
	}

	if err := h.reports.CreateSchedule(ctx, sched); err != nil {
		return bus.Transientf("create schedule for facility %s: %v", facilityID, err)
	}

	if original != nil {
		return h.fanOutRegenerate(ctx, sched, original, corrID)
	}
	return h.fanOutFresh(ctx, sched, req.PatientIDs, corrID)
}

// fanOutRegenerate seeds one entry per (prior patient x type) and emits one
// evaluation request per patient carrying the original schedule id.
func (h *GenerateHandler) fanOutRegenerate(ctx context.Context, sched, original *report.ReportSchedule, corrID string) error {
	patients, err := h.reports.PatientsOf(ctx, original.ID)
	if err != nil {
		return bus.Transientf("list patients of schedule %s: %v", original.ID, err)
	}

	if err := h.seedEntries(ctx, sched, patients); err != nil {
		return err
	}

	for _, patientID := range patients {
		value, err := json.Marshal(EvaluationRequest{
			FacilityID:       sched.FacilityID,
			ReportScheduleID: sched.ID,
			PatientID:        patientID,
			ReportTypes:      sched.ReportTypes,
			StartDate:        sched.ReportStartDate,
			EndDate:          sched.ReportEndDate,
			PreviousReportID: original.ID.String(),
		})
		if err != nil {
			return bus.Permanentf("marshal evaluation request: %v", err)
		}
		msg := bus.Message{Topic: TopicEvaluationRequested, Key: []byte(sched.FacilityID), Value: value}
		msg.SetHeader(bus.CorrelationIDHeader, corrID)
		// Entries are already persisted; a lost send is repaired by a later
		// regenerate, not by rolling back.
		if err := h.producer.Produce(ctx, msg); err != nil {
			h.log.Error().Err(err).Str("schedule_id", sched.ID.String()).
				Str("patient_id", patientID).Msg("failed to emit evaluation request")
		}
	}

	h.log.Info().Str("schedule_id", sched.ID.String()).
		Str("previous_report_id", original.ID.String()).
		Int("patients", len(patients)).Msg("regenerated report schedule")
	return nil
}

// fanOutFresh seeds one entry per (patient x type), resolving the patient
// list through the census lookup when the request carries none, and emits
// one batch data-acquisition request.
func (h *GenerateHandler) fanOutFresh(ctx context.Context, sched *report.ReportSchedule, patientIDs []string, corrID string) error {
	if len(patientIDs) == 0 {
		var err error
		patientIDs, err = h.census.PatientIDs(ctx, sched.FacilityID, sched.ReportStartDate, sched.ReportEndDate)
		if err != nil {
			return bus.Transientf("census lookup for facility %s: %v", sched.FacilityID, err)
		}
	}

	if err := h.seedEntries(ctx, sched, patientIDs); err != nil {
		return err
	}

	value, err := json.Marshal(DataAcquisitionRequest{
		FacilityID:       sched.FacilityID,
		ReportScheduleID: sched.ID,
		PatientIDs:       patientIDs,
		ReportTypes:      sched.ReportTypes,
		StartDate:        sched.ReportStartDate,
		EndDate:          sched.ReportEndDate,
	})
	if err != nil {
		return bus.Permanentf("marshal data acquisition request: %v", err)
	}
	msg := bus.Message{Topic: TopicDataAcquisitionRequested, Key: []byte(sched.FacilityID), Value: value}
	msg.SetHeader(bus.CorrelationIDHeader, corrID)
	if err := h.producer.Produce(ctx, msg); err != nil {
		h.log.Error().Err(err).Str("schedule_id", sched.ID.String()).
			Msg("failed to emit data acquisition request")
	}

	h.log.Info().Str("schedule_id", sched.ID.String()).
		Str("facility_id", sched.FacilityID).
		Int("patients", len(patientIDs)).Msg("created report schedule")
	return nil
}

// seedEntries creates one PendingEvaluation entry per (patient x type). The
// whole batch runs concurrently; the first failure wins.
func (h *GenerateHandler) seedEntries(ctx context.Context, sched *report.ReportSchedule, patientIDs []string) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, patientID := range patientIDs {
		for _, reportType := range sched.ReportTypes {
			wg.Add(1)
			go func(patientID, reportType string) {
				defer wg.Done()
				if _, err := h.reports.SeedEntry(ctx, sched, patientID, reportType); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
				}
			}(patientID, reportType)
		}
	}
	wg.Wait()
	if firstErr != nil {
		return bus.Transientf("seed entries for schedule %s: %v", sched.ID, firstErr)
	}
	return nil
}
