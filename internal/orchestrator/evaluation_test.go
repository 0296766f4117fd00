package orchestrator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/CDCgov/nhsnlink-sub001/internal/domain/report"
	"github.com/CDCgov/nhsnlink-sub001/internal/platform/bus"
)

// adhocSchedule drives the generate handler to set up a schedule with
// pending entries, the way production state comes to exist.
func (e *env) adhocSchedule(t *testing.T, facilityID string, types, patients []string) *report.ReportSchedule {
	t.Helper()
	err := e.generate.Handle(context.Background(), generateMsg(facilityID, GenerateReportRequest{
		StartDate:   periodStart,
		EndDate:     periodEnd,
		ReportTypes: types,
		PatientIDs:  patients,
	}))
	if err != nil {
		t.Fatalf("seed schedule: %v", err)
	}
	return e.singleSchedule(t)
}

func TestEvaluation_HappyPathScenario(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	sched := e.adhocSchedule(t, "F1", []string{"ReportA"}, []string{"P1", "P2"})

	// P1's MeasureReport arrives.
	err := e.evaluation.Handle(ctx, resourceMsg("F1", ResourceEvaluatedEvent{
		ReportTrackingID: sched.ID.String(),
		PatientID:        "P1",
		ReportType:       "ReportA",
		Resource:         measureReportJSON("mr-1"),
		IsReportable:     true,
	}, "corr-1"))
	if err != nil {
		t.Fatalf("P1 measure report: %v", err)
	}

	entry, _ := e.reports.Entry(ctx, sched.ID, "P1", "ReportA")
	if entry.Status != report.EntryValidationRequested || entry.ValidationStatus != report.ValidationRequested {
		t.Fatalf("P1 should await validation, got %s/%s", entry.Status, entry.ValidationStatus)
	}
	if entry.MeasureReportRef == nil || *entry.MeasureReportRef != "MeasureReport/mr-1" {
		t.Fatalf("measure report reference not attached: %v", entry.MeasureReportRef)
	}
	ready := e.producer.byTopic(TopicReadyForValidation)
	if len(ready) != 1 {
		t.Fatalf("expected 1 ready-for-validation message, got %d", len(ready))
	}
	if ready[0].CorrelationID() != "corr-1" {
		t.Errorf("correlation id should propagate, got %q", ready[0].CorrelationID())
	}

	// P1 validates; P2 is still pending, so no submit yet.
	err = e.validation.Handle(ctx, validationMsg("F1", ValidationCompleteEvent{
		ReportTrackingID: sched.ID.String(),
		PatientID:        "P1",
		IsValid:          true,
	}, "corr-2"))
	if err != nil {
		t.Fatalf("P1 validation: %v", err)
	}
	entry, _ = e.reports.Entry(ctx, sched.ID, "P1", "ReportA")
	if entry.Status != report.EntryValidationComplete || entry.ValidationStatus != report.ValidationPassed {
		t.Fatalf("P1 should be complete/passed, got %s/%s", entry.Status, entry.ValidationStatus)
	}
	if got := len(e.producer.byTopic(TopicSubmitPayload)); got != 0 {
		t.Fatalf("no submit while P2 is pending, got %d", got)
	}

	// P2 follows the same path; the schedule completes.
	if err := e.evaluation.Handle(ctx, resourceMsg("F1", ResourceEvaluatedEvent{
		ReportTrackingID: sched.ID.String(),
		PatientID:        "P2",
		ReportType:       "ReportA",
		Resource:         measureReportJSON("mr-2"),
		IsReportable:     true,
	}, "corr-3")); err != nil {
		t.Fatalf("P2 measure report: %v", err)
	}
	if err := e.validation.Handle(ctx, validationMsg("F1", ValidationCompleteEvent{
		ReportTrackingID: sched.ID.String(),
		PatientID:        "P2",
		IsValid:          true,
	}, "corr-4")); err != nil {
		t.Fatalf("P2 validation: %v", err)
	}

	submits := e.producer.byTopic(TopicSubmitPayload)
	if len(submits) != 1 {
		t.Fatalf("expected exactly one submit message, got %d", len(submits))
	}
	var submit SubmitPayloadEvent
	if err := json.Unmarshal(submits[0].Value, &submit); err != nil {
		t.Fatalf("unmarshal submit message: %v", err)
	}
	if submit.ReportScheduleID != sched.ID || submit.FacilityID != "F1" {
		t.Errorf("unexpected submit message %+v", submit)
	}
	if sched.PayloadRootURI == nil || *sched.PayloadRootURI != submit.PayloadRootURI {
		t.Errorf("payload root should match the emitted uri: %v vs %s", sched.PayloadRootURI, submit.PayloadRootURI)
	}
	if _, err := e.blobs.Get(ctx, "F1/"+sched.ID.String()+"/manifest.json"); err != nil {
		t.Errorf("manifest should be stored: %v", err)
	}
}

func TestEvaluation_MissingCorrelationIDDeadLetters(t *testing.T) {
	e := newEnv()
	sched := e.adhocSchedule(t, "F1", []string{"ReportA"}, []string{"P1"})

	err := e.evaluation.Handle(context.Background(), resourceMsg("F1", ResourceEvaluatedEvent{
		ReportTrackingID: sched.ID.String(),
		PatientID:        "P1",
		ReportType:       "ReportA",
		Resource:         measureReportJSON("mr-1"),
		IsReportable:     true,
	}, ""))
	if !bus.IsPermanent(err) {
		t.Fatalf("missing correlation id must be permanent, got %v", err)
	}
}

func TestEvaluation_ScheduleNotYetCreatedIsTransient(t *testing.T) {
	e := newEnv()
	err := e.evaluation.Handle(context.Background(), resourceMsg("F1", ResourceEvaluatedEvent{
		ReportTrackingID: uuid.NewString(),
		PatientID:        "P1",
		ReportType:       "ReportA",
		Resource:         measureReportJSON("mr-1"),
		IsReportable:     true,
	}, "corr-1"))
	if err == nil || bus.IsPermanent(err) {
		t.Fatalf("unknown schedule is an ordering race, expected transient, got %v", err)
	}
}

func TestEvaluation_MissingEntryIsPermanent(t *testing.T) {
	e := newEnv()
	sched := e.adhocSchedule(t, "F1", []string{"ReportA"}, []string{"P1"})

	err := e.evaluation.Handle(context.Background(), resourceMsg("F1", ResourceEvaluatedEvent{
		ReportTrackingID: sched.ID.String(),
		PatientID:        "P-unknown",
		ReportType:       "ReportA",
		Resource:         measureReportJSON("mr-1"),
		IsReportable:     true,
	}, "corr-1"))
	if !bus.IsPermanent(err) {
		t.Fatalf("missing entry is an invariant violation, expected permanent, got %v", err)
	}
}

func TestEvaluation_UnparseableResourceIsPermanent(t *testing.T) {
	e := newEnv()
	sched := e.adhocSchedule(t, "F1", []string{"ReportA"}, []string{"P1"})

	err := e.evaluation.Handle(context.Background(), resourceMsg("F1", ResourceEvaluatedEvent{
		ReportTrackingID: sched.ID.String(),
		PatientID:        "P1",
		ReportType:       "ReportA",
		Resource:         json.RawMessage(`{"no":"type"}`),
		IsReportable:     true,
	}, "corr-1"))
	if !bus.IsPermanent(err) {
		t.Fatalf("unparseable resource must be permanent, got %v", err)
	}
}

func TestEvaluation_NotReportableExclusion(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	sched := e.adhocSchedule(t, "F1", []string{"ReportA"}, []string{"P1", "P2"})

	// P2 opts out; no MeasureReport or validation is ever needed for it.
	if err := e.evaluation.Handle(ctx, resourceMsg("F1", ResourceEvaluatedEvent{
		ReportTrackingID: sched.ID.String(),
		PatientID:        "P2",
		ReportType:       "ReportA",
		IsReportable:     false,
	}, "corr-1")); err != nil {
		t.Fatalf("P2 opt-out: %v", err)
	}
	entry, _ := e.reports.Entry(ctx, sched.ID, "P2", "ReportA")
	if entry.Status != report.EntryNotReportable {
		t.Fatalf("P2 should be not reportable, got %s", entry.Status)
	}

	// P1 completes; the predicate treats P2 as satisfied.
	if err := e.evaluation.Handle(ctx, resourceMsg("F1", ResourceEvaluatedEvent{
		ReportTrackingID: sched.ID.String(),
		PatientID:        "P1",
		ReportType:       "ReportA",
		Resource:         measureReportJSON("mr-1"),
		IsReportable:     true,
	}, "corr-2")); err != nil {
		t.Fatalf("P1 measure report: %v", err)
	}
	if err := e.validation.Handle(ctx, validationMsg("F1", ValidationCompleteEvent{
		ReportTrackingID: sched.ID.String(),
		PatientID:        "P1",
		IsValid:          true,
	}, "corr-3")); err != nil {
		t.Fatalf("P1 validation: %v", err)
	}

	if got := len(e.producer.byTopic(TopicSubmitPayload)); got != 1 {
		t.Fatalf("expected exactly one submit message, got %d", got)
	}
}

func TestEvaluation_IdempotentResourceAccumulation(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	sched := e.adhocSchedule(t, "F1", []string{"ReportA"}, []string{"P1"})

	obs := resourceMsg("F1", ResourceEvaluatedEvent{
		ReportTrackingID: sched.ID.String(),
		PatientID:        "P1",
		ReportType:       "ReportA",
		Resource:         json.RawMessage(`{"resourceType":"Observation","id":"obs-1"}`),
		IsReportable:     true,
	}, "corr-1")
	if err := e.evaluation.Handle(ctx, obs); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := e.evaluation.Handle(ctx, obs); err != nil {
		t.Fatalf("second delivery: %v", err)
	}

	entry, _ := e.reports.Entry(ctx, sched.ID, "P1", "ReportA")
	if len(entry.ContainedResources) != 1 {
		t.Fatalf("re-delivery must not duplicate contained resources, got %d", len(entry.ContainedResources))
	}
	if _, err := e.resources.Get(ctx, "F1", "P1", "Observation", "obs-1"); err != nil {
		t.Errorf("resource should be stored: %v", err)
	}
}

func TestEvaluation_ReplayForCompleteEntryDoesNotResubmit(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	sched := e.adhocSchedule(t, "F1", []string{"ReportA"}, []string{"P1"})

	mr := resourceMsg("F1", ResourceEvaluatedEvent{
		ReportTrackingID: sched.ID.String(),
		PatientID:        "P1",
		ReportType:       "ReportA",
		Resource:         measureReportJSON("mr-1"),
		IsReportable:     true,
	}, "corr-1")
	if err := e.evaluation.Handle(ctx, mr); err != nil {
		t.Fatalf("measure report: %v", err)
	}
	if err := e.validation.Handle(ctx, validationMsg("F1", ValidationCompleteEvent{
		ReportTrackingID: sched.ID.String(),
		PatientID:        "P1",
		IsValid:          true,
	}, "corr-2")); err != nil {
		t.Fatalf("validation: %v", err)
	}
	if got := len(e.producer.byTopic(TopicSubmitPayload)); got != 1 {
		t.Fatalf("expected one submit, got %d", got)
	}

	// At-least-once delivery replays the MeasureReport event.
	if err := e.evaluation.Handle(ctx, mr); err != nil {
		t.Fatalf("replay: %v", err)
	}
	entry, _ := e.reports.Entry(ctx, sched.ID, "P1", "ReportA")
	if entry.Status != report.EntryValidationComplete {
		t.Errorf("replay must not move a finished entry, got %s", entry.Status)
	}
	if got := len(e.producer.byTopic(TopicSubmitPayload)); got != 1 {
		t.Errorf("replay must not re-emit submit, got %d", got)
	}
}

func TestEvaluation_SubmissionDisabledSkipsFanOut(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	if err := e.generate.Handle(ctx, generateMsg("F1", GenerateReportRequest{
		StartDate:        periodStart,
		EndDate:          periodEnd,
		ReportTypes:      []string{"ReportA"},
		PatientIDs:       []string{"P1"},
		BypassSubmission: true,
	})); err != nil {
		t.Fatalf("seed: %v", err)
	}
	sched := e.singleSchedule(t)

	if err := e.evaluation.Handle(ctx, resourceMsg("F1", ResourceEvaluatedEvent{
		ReportTrackingID: sched.ID.String(),
		PatientID:        "P1",
		ReportType:       "ReportA",
		Resource:         measureReportJSON("mr-1"),
		IsReportable:     true,
	}, "corr-1")); err != nil {
		t.Fatalf("measure report: %v", err)
	}
	if err := e.validation.Handle(ctx, validationMsg("F1", ValidationCompleteEvent{
		ReportTrackingID: sched.ID.String(),
		PatientID:        "P1",
		IsValid:          true,
	}, "corr-2")); err != nil {
		t.Fatalf("validation: %v", err)
	}

	if got := len(e.producer.byTopic(TopicSubmitPayload)); got != 0 {
		t.Errorf("disabled submission must suppress the submit fan-out, got %d", got)
	}
}

func TestEvaluation_RedeliveredMeasureReportKeepsValidationOutstanding(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	sched := e.adhocSchedule(t, "F1", []string{"ReportA"}, []string{"P1"})

	deliver := func(corr string) error {
		return e.evaluation.Handle(ctx, resourceMsg("F1", ResourceEvaluatedEvent{
			ReportTrackingID: sched.ID.String(),
			PatientID:        "P1",
			ReportType:       "ReportA",
			Resource:         measureReportJSON("mr-1"),
			IsReportable:     true,
		}, corr))
	}

	if err := deliver("corr-1"); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	entry, _ := e.reports.Entry(ctx, sched.ID, "P1", "ReportA")
	if entry.Status != report.EntryValidationRequested {
		t.Fatalf("entry should await validation, got %s", entry.Status)
	}

	// Same MeasureReport arrives again before the verdict lands. The entry
	// must stay at ValidationRequested so the verdict still finds it.
	if err := deliver("corr-2"); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	entry, _ = e.reports.Entry(ctx, sched.ID, "P1", "ReportA")
	if entry.Status != report.EntryValidationRequested {
		t.Fatalf("redelivery rewound entry status to %s", entry.Status)
	}
	if got := len(e.producer.byTopic(TopicReadyForValidation)); got != 1 {
		t.Fatalf("redelivery must not re-request validation, got %d messages", got)
	}

	if err := e.validation.Handle(ctx, validationMsg("F1", ValidationCompleteEvent{
		ReportTrackingID: sched.ID.String(),
		PatientID:        "P1",
		IsValid:          true,
	}, "corr-3")); err != nil {
		t.Fatalf("verdict after redelivery: %v", err)
	}
	entry, _ = e.reports.Entry(ctx, sched.ID, "P1", "ReportA")
	if entry.Status != report.EntryValidationComplete {
		t.Fatalf("verdict should complete the entry, got %s", entry.Status)
	}
	if got := len(e.producer.byTopic(TopicSubmitPayload)); got != 1 {
		t.Errorf("schedule should submit exactly once, got %d", got)
	}
}
