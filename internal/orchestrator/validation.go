package orchestrator

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/CDCgov/nhsnlink-sub001/internal/domain/report"
	"github.com/CDCgov/nhsnlink-sub001/internal/platform/bus"
)

// ValidationHandler consumes ValidationComplete: it finalizes every entry
// of the patient currently awaiting validation and recomputes the
// completion predicate.
type ValidationHandler struct {
	reports   *report.Service
	submitter *Submitter
	log       zerolog.Logger
}

func NewValidationHandler(reports *report.Service, submitter *Submitter, log zerolog.Logger) *ValidationHandler {
	return &ValidationHandler{reports: reports, submitter: submitter, log: log}
}

func (h *ValidationHandler) Handle(ctx context.Context, msg bus.Message) error {
	corrID := msg.CorrelationID()
	if corrID == "" {
		return bus.Permanentf("validation event has no correlation id header")
	}

	facilityID := string(msg.Key)
	if facilityID == "" {
		return bus.Permanentf("validation event has no facility key")
	}

	var event ValidationCompleteEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return bus.Permanentf("unmarshal validation event: %v", err)
	}
	scheduleID, err := uuid.Parse(event.ReportTrackingID)
	if err != nil {
		return bus.Permanentf("invalid report tracking id %q: %v", event.ReportTrackingID, err)
	}

	if _, err := h.reports.GetScheduleForFacility(ctx, facilityID, scheduleID); err != nil {
		if errors.Is(err, report.ErrNotFound) {
			return bus.Permanentf("No ReportSchedule found for ID %s", scheduleID)
		}
		return bus.Transientf("load schedule %s: %v", scheduleID, err)
	}

	n, err := h.reports.CompleteValidation(ctx, scheduleID, event.PatientID, event.IsValid)
	if err != nil {
		return bus.Transientf("complete validation for patient %s: %v", event.PatientID, err)
	}
	if n == 0 {
		// A verdict for a patient with nothing awaiting validation cannot
		// be applied, now or on retry.
		return bus.Permanentf("no entries awaiting validation for schedule %s patient %s",
			scheduleID, event.PatientID)
	}

	h.log.Info().Str("schedule_id", scheduleID.String()).
		Str("patient_id", event.PatientID).Bool("is_valid", event.IsValid).
		Int("entries", n).Msg("validation completed")

	return h.submitter.MaybeSubmit(ctx, scheduleID, corrID)
}
