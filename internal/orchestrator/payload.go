package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/CDCgov/nhsnlink-sub001/internal/domain/report"
	"github.com/CDCgov/nhsnlink-sub001/internal/platform/bus"
)

// PayloadHandler consumes PayloadSubmitted: external submission
// confirmations. The payload type is decoded before branching; a patient
// confirmation stamps the patient's entries, a schedule confirmation closes
// the schedule. Terminal writes, no fan-out.
type PayloadHandler struct {
	reports *report.Service
	log     zerolog.Logger
}

func NewPayloadHandler(reports *report.Service, log zerolog.Logger) *PayloadHandler {
	return &PayloadHandler{reports: reports, log: log}
}

func (h *PayloadHandler) Handle(ctx context.Context, msg bus.Message) error {
	var key payloadSubmittedKey
	if err := json.Unmarshal(msg.Key, &key); err != nil || key.ReportScheduleID == "" {
		return bus.Permanentf("invalid payload confirmation key %q", msg.Key)
	}
	scheduleID, err := uuid.Parse(key.ReportScheduleID)
	if err != nil {
		return bus.Permanentf("invalid schedule id %q in confirmation key: %v", key.ReportScheduleID, err)
	}

	var event PayloadSubmittedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return bus.Permanentf("unmarshal payload confirmation: %v", err)
	}

	switch event.PayloadType {
	case PayloadKindPatient:
		if event.PatientID == "" {
			return bus.Permanentf("patient payload confirmation for schedule %s has no patient id", scheduleID)
		}
		n, err := h.reports.RecordEntryPayload(ctx, scheduleID, event.PatientID, event.PayloadURI)
		if err != nil {
			return bus.Transientf("record entry payload for patient %s: %v", event.PatientID, err)
		}
		if n == 0 {
			return bus.Permanentf("no entries for schedule %s patient %s to confirm", scheduleID, event.PatientID)
		}
		h.log.Info().Str("schedule_id", scheduleID.String()).
			Str("patient_id", event.PatientID).Int("entries", n).
			Msg("patient payload confirmed")

	case PayloadKindSchedule:
		submitted, err := h.reports.MarkSubmitted(ctx, scheduleID)
		if err != nil {
			return bus.Transientf("mark schedule %s submitted: %v", scheduleID, err)
		}
		if !submitted {
			h.log.Debug().Str("schedule_id", scheduleID.String()).
				Msg("schedule already marked submitted")
			return nil
		}
		h.log.Info().Str("schedule_id", scheduleID.String()).
			Str("facility_id", key.FacilityID).Msg("schedule submission confirmed")

	default:
		return bus.Permanentf("unknown payload type %q in confirmation for schedule %s",
			event.PayloadType, scheduleID)
	}

	return nil
}
