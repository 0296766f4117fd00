package orchestrator

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/CDCgov/nhsnlink-sub001/internal/domain/acquired"
	"github.com/CDCgov/nhsnlink-sub001/internal/domain/report"
	"github.com/CDCgov/nhsnlink-sub001/internal/platform/bus"
	"github.com/CDCgov/nhsnlink-sub001/internal/platform/fhir"
)

// EvaluationHandler consumes ResourceEvaluated: it accumulates evaluated
// resources on the patient's entry, treats an arriving MeasureReport as the
// end of the patient's evaluation phase, and requests validation at most
// once per entry. The upstream evaluator is trusted to emit the
// MeasureReport after all of the patient's other resources.
type EvaluationHandler struct {
	reports   *report.Service
	resources acquired.Repository
	producer  bus.Producer
	submitter *Submitter
	log       zerolog.Logger
}

func NewEvaluationHandler(reports *report.Service, resources acquired.Repository, producer bus.Producer, submitter *Submitter, log zerolog.Logger) *EvaluationHandler {
	return &EvaluationHandler{reports: reports, resources: resources, producer: producer, submitter: submitter, log: log}
}

func (h *EvaluationHandler) Handle(ctx context.Context, msg bus.Message) error {
	corrID := msg.CorrelationID()
	if corrID == "" {
		return bus.Permanentf("resource event has no correlation id header")
	}

	var key resourceEvaluatedKey
	if err := json.Unmarshal(msg.Key, &key); err != nil || key.FacilityID == "" {
		return bus.Permanentf("invalid resource event key %q", msg.Key)
	}

	var event ResourceEvaluatedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return bus.Permanentf("unmarshal resource event: %v", err)
	}
	scheduleID, err := uuid.Parse(event.ReportTrackingID)
	if err != nil {
		return bus.Permanentf("invalid report tracking id %q: %v", event.ReportTrackingID, err)
	}

	if _, err := h.reports.GetScheduleForFacility(ctx, key.FacilityID, scheduleID); err != nil {
		if errors.Is(err, report.ErrNotFound) {
			// The schedule-creation message may not have been processed yet.
			return bus.Transientf("schedule %s for facility %s not found yet", scheduleID, key.FacilityID)
		}
		return bus.Transientf("load schedule %s: %v", scheduleID, err)
	}

	entry, err := h.reports.Entry(ctx, scheduleID, event.PatientID, event.ReportType)
	if errors.Is(err, report.ErrNotFound) {
		return bus.Permanentf("no SubmissionEntry for schedule %s patient %s type %s",
			scheduleID, event.PatientID, event.ReportType)
	}
	if err != nil {
		return bus.Transientf("load entry for patient %s: %v", event.PatientID, err)
	}

	if entry.IsTerminal() || entry.Status == report.EntrySubmitted {
		// Replay of an event for a finished entry; the entry's state and
		// the schedule's completion are left untouched.
		h.log.Debug().Str("schedule_id", scheduleID.String()).
			Str("patient_id", event.PatientID).Str("status", string(entry.Status)).
			Msg("ignoring resource event for finished entry")
		return nil
	}

	if !event.IsReportable {
		if err := h.reports.MarkNotReportable(ctx, entry); err != nil {
			return bus.Transientf("mark entry not reportable: %v", err)
		}
		// Opting out can be the mutation that completes the schedule.
		return h.submitter.MaybeSubmit(ctx, scheduleID, corrID)
	}

	res, err := fhir.ParseResource(event.Resource)
	if err != nil {
		return bus.Permanentf("unparseable resource payload for patient %s: %v", event.PatientID, err)
	}

	if res.ResourceType == fhir.MeasureReportType {
		if entry.Status == report.EntryValidationRequested {
			// Redelivered MeasureReport while the validation request is
			// outstanding. Re-attaching would rewind the entry to
			// ReadyForValidation and the pending verdict would no longer
			// find it. Leave the entry alone and recheck completion.
			h.log.Debug().Str("schedule_id", scheduleID.String()).
				Str("patient_id", event.PatientID).
				Msg("ignoring redelivered measure report for entry awaiting validation")
			return h.submitter.MaybeSubmit(ctx, scheduleID, corrID)
		}
		ref := fhir.FormatReference(res.ResourceType, res.ID)
		if err := h.reports.AttachMeasureReport(ctx, entry, ref); err != nil {
			return bus.Transientf("attach measure report to entry: %v", err)
		}
	} else {
		if err := h.resources.Upsert(ctx, &acquired.PatientResource{
			FacilityID:   key.FacilityID,
			PatientID:    event.PatientID,
			ResourceType: res.ResourceType,
			ResourceID:   res.ID,
			Resource:     event.Resource,
		}); err != nil {
			return bus.Transientf("upsert resource %s/%s: %v", res.ResourceType, res.ID, err)
		}
		if err := h.reports.AppendContainedResource(ctx, entry, res.ResourceType, res.ID); err != nil {
			return bus.Transientf("record contained resource on entry: %v", err)
		}
	}

	requested, err := h.reports.RequestValidation(ctx, entry)
	if err != nil {
		return bus.Transientf("request validation for entry: %v", err)
	}
	if requested {
		value, err := json.Marshal(ReadyForValidationEvent{
			FacilityID:       key.FacilityID,
			ReportScheduleID: scheduleID,
			PatientID:        event.PatientID,
			ReportType:       event.ReportType,
			MeasureReportRef: *entry.MeasureReportRef,
		})
		if err != nil {
			return bus.Permanentf("marshal ready-for-validation event: %v", err)
		}
		out := bus.Message{Topic: TopicReadyForValidation, Key: []byte(key.FacilityID), Value: value}
		out.SetHeader(bus.CorrelationIDHeader, corrID)
		if err := h.producer.Produce(ctx, out); err != nil {
			h.log.Error().Err(err).Str("schedule_id", scheduleID.String()).
				Str("patient_id", event.PatientID).Msg("failed to emit ready-for-validation")
		}
		return nil
	}

	return h.submitter.MaybeSubmit(ctx, scheduleID, corrID)
}
