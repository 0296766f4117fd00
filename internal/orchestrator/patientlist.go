package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/CDCgov/nhsnlink-sub001/internal/domain/report"
	"github.com/CDCgov/nhsnlink-sub001/internal/platform/bus"
	"github.com/CDCgov/nhsnlink-sub001/internal/platform/fhir"
)

// PatientListHandler consumes PatientListsAcquired: every newly observed
// patient is seeded (or reset to PendingEvaluation) under every schedule of
// the facility whose reporting period has not closed yet. PendingEvaluation
// is never terminal, so this handler never triggers the completion
// predicate.
type PatientListHandler struct {
	reports *report.Service
	log     zerolog.Logger
}

func NewPatientListHandler(reports *report.Service, log zerolog.Logger) *PatientListHandler {
	return &PatientListHandler{reports: reports, log: log}
}

func (h *PatientListHandler) Handle(ctx context.Context, msg bus.Message) error {
	facilityID := string(msg.Key)
	if facilityID == "" {
		return bus.Permanentf("patient list batch has no facility key")
	}

	var batch PatientListBatch
	if err := json.Unmarshal(msg.Value, &batch); err != nil {
		return bus.Permanentf("unmarshal patient list batch: %v", err)
	}
	if len(batch.PatientLists) == 0 {
		return bus.Permanentf("patient list batch for facility %s is empty", facilityID)
	}
	for _, list := range batch.PatientLists {
		if len(list.PatientIDs) == 0 {
			return bus.Permanentf("patient list for facility %s has no patient ids", facilityID)
		}
	}

	schedules, err := h.reports.OpenSchedules(ctx, facilityID)
	if err != nil {
		return bus.Transientf("list open schedules for facility %s: %v", facilityID, err)
	}
	if len(schedules) == 0 {
		// The period-close job may not have run yet, or the message raced
		// ahead of schedule creation.
		return bus.Transientf("no open schedules for facility %s", facilityID)
	}

	var seeded, reset int
	for _, sched := range schedules {
		for _, reportType := range sched.ReportTypes {
			for _, list := range batch.PatientLists {
				for _, raw := range list.PatientIDs {
					patientID := fhir.ReferenceID(raw)
					_, created, err := h.reports.ResetOrSeedEntry(ctx, sched, patientID, reportType)
					if err != nil {
						return bus.Transientf("seed entry for patient %s under schedule %s: %v",
							patientID, sched.ID, err)
					}
					if created {
						seeded++
					} else {
						reset++
					}
				}
			}
		}
	}

	h.log.Info().Str("facility_id", facilityID).
		Int("schedules", len(schedules)).Int("seeded", seeded).Int("reset", reset).
		Msg("ingested patient lists")
	return nil
}
