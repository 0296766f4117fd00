package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/CDCgov/nhsnlink-sub001/internal/domain/acquired"
	"github.com/CDCgov/nhsnlink-sub001/internal/domain/report"
	"github.com/CDCgov/nhsnlink-sub001/internal/platform/blobstore"
	"github.com/CDCgov/nhsnlink-sub001/internal/platform/bus"
)

// In-memory repositories protected by a mutex: the generate handler seeds
// entries concurrently.

type mockScheduleRepo struct {
	mu    sync.Mutex
	store map[uuid.UUID]*report.ReportSchedule
}

func newMockScheduleRepo() *mockScheduleRepo {
	return &mockScheduleRepo{store: make(map[uuid.UUID]*report.ReportSchedule)}
}
func (m *mockScheduleRepo) Create(_ context.Context, s *report.ReportSchedule) error {
	m.mu.Lock(); defer m.mu.Unlock()
	if s.ID == uuid.Nil { s.ID = uuid.New() }; s.CreateDate = time.Now(); m.store[s.ID] = s; return nil
}
func (m *mockScheduleRepo) GetByID(_ context.Context, id uuid.UUID) (*report.ReportSchedule, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	s, ok := m.store[id]; if !ok { return nil, report.ErrNotFound }; return s, nil
}
func (m *mockScheduleRepo) GetByFacilityAndID(_ context.Context, facilityID string, id uuid.UUID) (*report.ReportSchedule, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	s, ok := m.store[id]; if !ok || s.FacilityID != facilityID { return nil, report.ErrNotFound }; return s, nil
}
func (m *mockScheduleRepo) ListOpenByFacility(_ context.Context, facilityID string) ([]*report.ReportSchedule, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	var r []*report.ReportSchedule
	for _, s := range m.store { if s.FacilityID == facilityID && !s.EndOfReportPeriodJobHasRun { r = append(r, s) } }
	return r, nil
}
func (m *mockScheduleRepo) List(_ context.Context, params map[string]string, limit, offset int) ([]*report.ReportSchedule, int, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	var r []*report.ReportSchedule; for _, s := range m.store { r = append(r, s) }; return r, len(r), nil
}
func (m *mockScheduleRepo) SetPayloadRootURI(_ context.Context, id uuid.UUID, uri string) (bool, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	s, ok := m.store[id]; if !ok { return false, report.ErrNotFound }
	if s.PayloadRootURI != nil { return false, nil }
	s.PayloadRootURI = &uri; return true, nil
}
func (m *mockScheduleRepo) MarkSubmitted(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	s, ok := m.store[id]; if !ok { return false, report.ErrNotFound }
	if s.Status != report.ScheduleOpen || s.SubmitReportDateTime != nil { return false, nil }
	s.Status = report.ScheduleSubmitted; s.SubmitReportDateTime = &at; return true, nil
}

type mockEntryRepo struct {
	mu    sync.Mutex
	store map[string]*report.SubmissionEntry
}

func newMockEntryRepo() *mockEntryRepo {
	return &mockEntryRepo{store: make(map[string]*report.SubmissionEntry)}
}
func entryKey(scheduleID uuid.UUID, patientID, reportType string) string {
	return fmt.Sprintf("%s|%s|%s", scheduleID, patientID, reportType)
}
func (m *mockEntryRepo) Create(_ context.Context, e *report.SubmissionEntry) error {
	m.mu.Lock(); defer m.mu.Unlock()
	k := entryKey(e.ReportScheduleID, e.PatientID, e.ReportType)
	if _, ok := m.store[k]; ok { return fmt.Errorf("duplicate entry %s", k) }
	if e.ID == uuid.Nil { e.ID = uuid.New() }
	m.store[k] = e
	return nil
}
func (m *mockEntryRepo) GetByKey(_ context.Context, scheduleID uuid.UUID, patientID, reportType string) (*report.SubmissionEntry, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	e, ok := m.store[entryKey(scheduleID, patientID, reportType)]
	if !ok { return nil, report.ErrNotFound }
	return e, nil
}
func (m *mockEntryRepo) ListBySchedule(_ context.Context, scheduleID uuid.UUID) ([]*report.SubmissionEntry, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	var r []*report.SubmissionEntry
	for _, e := range m.store { if e.ReportScheduleID == scheduleID { r = append(r, e) } }
	return r, nil
}
func (m *mockEntryRepo) ListByScheduleAndPatient(_ context.Context, scheduleID uuid.UUID, patientID string) ([]*report.SubmissionEntry, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	var r []*report.SubmissionEntry
	for _, e := range m.store { if e.ReportScheduleID == scheduleID && e.PatientID == patientID { r = append(r, e) } }
	return r, nil
}
func (m *mockEntryRepo) ListPatientIDsBySchedule(_ context.Context, scheduleID uuid.UUID) ([]string, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	seen := make(map[string]bool)
	for _, e := range m.store { if e.ReportScheduleID == scheduleID { seen[e.PatientID] = true } }
	var r []string
	for p := range seen { r = append(r, p) }
	sort.Strings(r)
	return r, nil
}
func (m *mockEntryRepo) Update(_ context.Context, e *report.SubmissionEntry) error {
	m.mu.Lock(); defer m.mu.Unlock()
	k := entryKey(e.ReportScheduleID, e.PatientID, e.ReportType)
	if _, ok := m.store[k]; !ok { return report.ErrNotFound }
	m.store[k] = e
	return nil
}
func (m *mockEntryRepo) ExistsIncomplete(_ context.Context, scheduleID uuid.UUID) (bool, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	for _, e := range m.store {
		if e.ReportScheduleID == scheduleID && !e.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

type mockResourceRepo struct {
	mu    sync.Mutex
	store map[string]*acquired.PatientResource
}

func newMockResourceRepo() *mockResourceRepo {
	return &mockResourceRepo{store: make(map[string]*acquired.PatientResource)}
}
func resourceKey(facilityID, patientID, resourceType, resourceID string) string {
	return fmt.Sprintf("%s|%s|%s|%s", facilityID, patientID, resourceType, resourceID)
}
func (m *mockResourceRepo) Upsert(_ context.Context, r *acquired.PatientResource) error {
	m.mu.Lock(); defer m.mu.Unlock()
	if r.ID == uuid.Nil { r.ID = uuid.New() }
	m.store[resourceKey(r.FacilityID, r.PatientID, r.ResourceType, r.ResourceID)] = r
	return nil
}
func (m *mockResourceRepo) Get(_ context.Context, facilityID, patientID, resourceType, resourceID string) (*acquired.PatientResource, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	r, ok := m.store[resourceKey(facilityID, patientID, resourceType, resourceID)]
	if !ok { return nil, acquired.ErrNotFound }
	return r, nil
}
func (m *mockResourceRepo) ListByPatient(_ context.Context, facilityID, patientID string) ([]*acquired.PatientResource, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	var out []*acquired.PatientResource
	for _, r := range m.store { if r.FacilityID == facilityID && r.PatientID == patientID { out = append(out, r) } }
	return out, nil
}

type captureProducer struct {
	mu   sync.Mutex
	sent []bus.Message
	fail bool
}

func (p *captureProducer) Produce(_ context.Context, msgs ...bus.Message) error {
	p.mu.Lock(); defer p.mu.Unlock()
	if p.fail { return fmt.Errorf("broker unavailable") }
	p.sent = append(p.sent, msgs...)
	return nil
}
func (p *captureProducer) byTopic(topic string) []bus.Message {
	p.mu.Lock(); defer p.mu.Unlock()
	var out []bus.Message
	for _, m := range p.sent { if m.Topic == topic { out = append(out, m) } }
	return out
}

type fakeCensus struct {
	patients []string
	err      error
	calls    int
}

func (f *fakeCensus) PatientIDs(_ context.Context, facilityID string, start, end time.Time) ([]string, error) {
	f.calls++
	return f.patients, f.err
}

// env wires the full orchestration surface over in-memory dependencies.
type env struct {
	schedules *mockScheduleRepo
	entries   *mockEntryRepo
	resources *mockResourceRepo
	reports   *report.Service
	producer  *captureProducer
	blobs     *blobstore.MemoryStore
	census    *fakeCensus

	generate    *GenerateHandler
	patientList *PatientListHandler
	evaluation  *EvaluationHandler
	validation  *ValidationHandler
	payload     *PayloadHandler
}

func newEnv() *env {
	e := &env{
		schedules: newMockScheduleRepo(),
		entries:   newMockEntryRepo(),
		resources: newMockResourceRepo(),
		producer:  &captureProducer{},
		blobs:     blobstore.NewMemoryStore(),
		census:    &fakeCensus{},
	}
	log := zerolog.Nop()
	e.reports = report.NewService(e.schedules, e.entries)
	submitter := NewSubmitter(e.reports, e.blobs, e.producer, log)
	e.generate = NewGenerateHandler(e.reports, e.census, e.producer, log)
	e.patientList = NewPatientListHandler(e.reports, log)
	e.evaluation = NewEvaluationHandler(e.reports, e.resources, e.producer, submitter, log)
	e.validation = NewValidationHandler(e.reports, submitter, log)
	e.payload = NewPayloadHandler(e.reports, log)
	return e
}

func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func generateMsg(facilityID string, req GenerateReportRequest) bus.Message {
	return bus.Message{Topic: TopicGenerateReportRequested, Key: []byte(facilityID), Value: mustJSON(req)}
}

func patientListMsg(facilityID string, batch PatientListBatch) bus.Message {
	return bus.Message{Topic: TopicPatientListsAcquired, Key: []byte(facilityID), Value: mustJSON(batch)}
}

func resourceMsg(facilityID string, event ResourceEvaluatedEvent, corrID string) bus.Message {
	m := bus.Message{
		Topic: TopicResourceEvaluated,
		Key:   mustJSON(resourceEvaluatedKey{FacilityID: facilityID}),
		Value: mustJSON(event),
	}
	if corrID != "" {
		m.SetHeader(bus.CorrelationIDHeader, corrID)
	}
	return m
}

func validationMsg(facilityID string, event ValidationCompleteEvent, corrID string) bus.Message {
	m := bus.Message{Topic: TopicValidationComplete, Key: []byte(facilityID), Value: mustJSON(event)}
	if corrID != "" {
		m.SetHeader(bus.CorrelationIDHeader, corrID)
	}
	return m
}

func payloadMsg(facilityID string, scheduleID uuid.UUID, event PayloadSubmittedEvent) bus.Message {
	return bus.Message{
		Topic: TopicPayloadSubmitted,
		Key:   mustJSON(payloadSubmittedKey{FacilityID: facilityID, ReportScheduleID: scheduleID.String()}),
		Value: mustJSON(event),
	}
}

func measureReportJSON(id string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"resourceType":"MeasureReport","id":"%s"}`, id))
}
