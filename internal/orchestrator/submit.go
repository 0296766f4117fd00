package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/CDCgov/nhsnlink-sub001/internal/domain/report"
	"github.com/CDCgov/nhsnlink-sub001/internal/platform/blobstore"
	"github.com/CDCgov/nhsnlink-sub001/internal/platform/bus"
)

// Submitter performs the submit fan-out shared by the resource-evaluation
// and validation-completion handlers: when the completion predicate turns
// true it writes the schedule manifest to the blobstore and emits one
// SubmitPayload message. Claiming the schedule's payload root gates the
// fan-out so concurrent triggers emit at most one message.
type Submitter struct {
	reports  *report.Service
	blobs    blobstore.Store
	producer bus.Producer
	log      zerolog.Logger
}

func NewSubmitter(reports *report.Service, blobs blobstore.Store, producer bus.Producer, log zerolog.Logger) *Submitter {
	return &Submitter{reports: reports, blobs: blobs, producer: producer, log: log}
}

// manifest is the aggregate payload shipped per schedule.
type manifest struct {
	Schedule *report.ReportSchedule   `json:"schedule"`
	Entries  []manifestEntry          `json:"entries"`
	BuiltAt  time.Time                `json:"builtAt"`
}

type manifestEntry struct {
	PatientID          string                     `json:"patientId"`
	ReportType         string                     `json:"reportType"`
	Status             report.EntryStatus         `json:"status"`
	ValidationStatus   report.ValidationStatus    `json:"validationStatus"`
	MeasureReportRef   *string                    `json:"measureReportRef,omitempty"`
	ContainedResources []report.ContainedResource `json:"containedResources,omitempty"`
}

// MaybeSubmit recomputes the completion predicate and, when the schedule is
// complete and submission is enabled, performs the fan-out. Safe to call
// after every entry mutation.
func (s *Submitter) MaybeSubmit(ctx context.Context, scheduleID uuid.UUID, correlationID string) error {
	complete, err := s.reports.IsScheduleComplete(ctx, scheduleID)
	if err != nil {
		return bus.Transientf("check completion of schedule %s: %v", scheduleID, err)
	}
	if !complete {
		return nil
	}

	sched, err := s.reports.GetSchedule(ctx, scheduleID)
	if err != nil {
		return bus.Transientf("load schedule %s: %v", scheduleID, err)
	}
	if !sched.EnableSubmission {
		s.log.Info().Str("schedule_id", scheduleID.String()).
			Msg("schedule complete but submission disabled")
		return nil
	}

	entries, err := s.reports.Entries(ctx, scheduleID)
	if err != nil {
		return bus.Transientf("load entries of schedule %s: %v", scheduleID, err)
	}

	m := manifest{Schedule: sched, BuiltAt: time.Now().UTC()}
	for _, e := range entries {
		m.Entries = append(m.Entries, manifestEntry{
			PatientID:          e.PatientID,
			ReportType:         e.ReportType,
			Status:             e.Status,
			ValidationStatus:   e.ValidationStatus,
			MeasureReportRef:   e.MeasureReportRef,
			ContainedResources: e.ContainedResources,
		})
	}
	data, err := json.Marshal(m)
	if err != nil {
		return bus.Permanentf("marshal manifest for schedule %s: %v", scheduleID, err)
	}

	uri, err := s.blobs.Put(ctx, sched.ManifestKey(), "application/json", data)
	if err != nil {
		return bus.Transientf("store manifest for schedule %s: %v", scheduleID, err)
	}

	claimed, err := s.reports.SetPayloadRootURI(ctx, scheduleID, uri)
	if err != nil {
		return bus.Transientf("claim payload root of schedule %s: %v", scheduleID, err)
	}
	if !claimed {
		// Another trigger already shipped this schedule.
		s.log.Debug().Str("schedule_id", scheduleID.String()).
			Msg("payload root already claimed, skipping submit")
		return nil
	}

	value, err := json.Marshal(SubmitPayloadEvent{
		FacilityID:       sched.FacilityID,
		ReportScheduleID: scheduleID,
		PayloadRootURI:   uri,
	})
	if err != nil {
		return bus.Permanentf("marshal submit message for schedule %s: %v", scheduleID, err)
	}
	msg := bus.Message{
		Topic: TopicSubmitPayload,
		Key:   []byte(sched.FacilityID),
		Value: value,
	}
	if correlationID != "" {
		msg.SetHeader(bus.CorrelationIDHeader, correlationID)
	} else {
		msg.EnsureCorrelationID()
	}

	// Downstream production is at-least-once, not transactional: the
	// payload root stays claimed even when the send fails.
	if err := s.producer.Produce(ctx, msg); err != nil {
		s.log.Error().Err(err).Str("schedule_id", scheduleID.String()).
			Msg("failed to emit submit message")
		return nil
	}

	s.log.Info().Str("schedule_id", scheduleID.String()).
		Str("facility_id", sched.FacilityID).Str("payload_root", uri).
		Msg("schedule complete, submit requested")
	return nil
}
