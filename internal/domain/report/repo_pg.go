package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// =========== ReportSchedule Repository ===========

type scheduleRepoPG struct{ pool *pgxpool.Pool }

func NewScheduleRepoPG(pool *pgxpool.Pool) ScheduleRepository {
	return &scheduleRepoPG{pool: pool}
}

const schedCols = `id, facility_id, report_types, report_start_date, report_end_date,
	frequency, status, payload_root_uri, end_of_period_job_has_run,
	enable_submission, submit_report_datetime, create_date`

func (r *scheduleRepoPG) scan(row pgx.Row) (*ReportSchedule, error) {
	var s ReportSchedule
	err := row.Scan(&s.ID, &s.FacilityID, &s.ReportTypes, &s.ReportStartDate, &s.ReportEndDate,
		&s.Frequency, &s.Status, &s.PayloadRootURI, &s.EndOfReportPeriodJobHasRun,
		&s.EnableSubmission, &s.SubmitReportDateTime, &s.CreateDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &s, err
}

func (r *scheduleRepoPG) Create(ctx context.Context, s *ReportSchedule) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO report_schedule (id, facility_id, report_types, report_start_date,
			report_end_date, frequency, status, end_of_period_job_has_run, enable_submission)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		s.ID, s.FacilityID, s.ReportTypes, s.ReportStartDate, s.ReportEndDate,
		s.Frequency, s.Status, s.EndOfReportPeriodJobHasRun, s.EnableSubmission)
	return err
}

func (r *scheduleRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*ReportSchedule, error) {
	return r.scan(r.pool.QueryRow(ctx, `SELECT `+schedCols+` FROM report_schedule WHERE id = $1`, id))
}

func (r *scheduleRepoPG) GetByFacilityAndID(ctx context.Context, facilityID string, id uuid.UUID) (*ReportSchedule, error) {
	return r.scan(r.pool.QueryRow(ctx,
		`SELECT `+schedCols+` FROM report_schedule WHERE facility_id = $1 AND id = $2`, facilityID, id))
}

func (r *scheduleRepoPG) ListOpenByFacility(ctx context.Context, facilityID string) ([]*ReportSchedule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+schedCols+` FROM report_schedule
		WHERE facility_id = $1 AND end_of_period_job_has_run = FALSE
		ORDER BY create_date`, facilityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*ReportSchedule
	for rows.Next() {
		s, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func (r *scheduleRepoPG) List(ctx context.Context, params map[string]string, limit, offset int) ([]*ReportSchedule, int, error) {
	query := `SELECT ` + schedCols + ` FROM report_schedule WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM report_schedule WHERE 1=1`
	var args []interface{}
	idx := 1

	if p, ok := params["facility"]; ok {
		query += fmt.Sprintf(` AND facility_id = $%d`, idx)
		countQuery += fmt.Sprintf(` AND facility_id = $%d`, idx)
		args = append(args, p)
		idx++
	}
	if p, ok := params["status"]; ok {
		query += fmt.Sprintf(` AND status = $%d`, idx)
		countQuery += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, p)
		idx++
	}

	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(` ORDER BY create_date DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*ReportSchedule
	for rows.Next() {
		s, err := r.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}

func (r *scheduleRepoPG) SetPayloadRootURI(ctx context.Context, id uuid.UUID, uri string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE report_schedule SET payload_root_uri = $2 WHERE id = $1 AND payload_root_uri IS NULL`, id, uri)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *scheduleRepoPG) MarkSubmitted(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE report_schedule SET status = $2, submit_report_datetime = $3
		WHERE id = $1 AND status = $4 AND submit_report_datetime IS NULL`,
		id, ScheduleSubmitted, at, ScheduleOpen)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// =========== SubmissionEntry Repository ===========

type entryRepoPG struct{ pool *pgxpool.Pool }

func NewEntryRepoPG(pool *pgxpool.Pool) EntryRepository {
	return &entryRepoPG{pool: pool}
}

const entryCols = `id, facility_id, report_schedule_id, patient_id, report_type,
	status, validation_status, measure_report_ref, contained_resources,
	payload_uri, created_at, updated_at`

func (r *entryRepoPG) scan(row pgx.Row) (*SubmissionEntry, error) {
	var e SubmissionEntry
	var contained []byte
	err := row.Scan(&e.ID, &e.FacilityID, &e.ReportScheduleID, &e.PatientID, &e.ReportType,
		&e.Status, &e.ValidationStatus, &e.MeasureReportRef, &contained,
		&e.PayloadURI, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(contained) > 0 {
		if err := json.Unmarshal(contained, &e.ContainedResources); err != nil {
			return nil, fmt.Errorf("decode contained_resources: %w", err)
		}
	}
	return &e, nil
}

func marshalContained(crs []ContainedResource) ([]byte, error) {
	if crs == nil {
		crs = []ContainedResource{}
	}
	return json.Marshal(crs)
}

func (r *entryRepoPG) Create(ctx context.Context, e *SubmissionEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	contained, err := marshalContained(e.ContainedResources)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO submission_entry (id, facility_id, report_schedule_id, patient_id,
			report_type, status, validation_status, measure_report_ref, contained_resources, payload_uri)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.ID, e.FacilityID, e.ReportScheduleID, e.PatientID,
		e.ReportType, e.Status, e.ValidationStatus, e.MeasureReportRef, contained, e.PayloadURI)
	return err
}

func (r *entryRepoPG) GetByKey(ctx context.Context, scheduleID uuid.UUID, patientID, reportType string) (*SubmissionEntry, error) {
	return r.scan(r.pool.QueryRow(ctx, `
		SELECT `+entryCols+` FROM submission_entry
		WHERE report_schedule_id = $1 AND patient_id = $2 AND report_type = $3`,
		scheduleID, patientID, reportType))
}

func (r *entryRepoPG) ListBySchedule(ctx context.Context, scheduleID uuid.UUID) ([]*SubmissionEntry, error) {
	return r.list(ctx, `SELECT `+entryCols+` FROM submission_entry
		WHERE report_schedule_id = $1 ORDER BY patient_id, report_type`, scheduleID)
}

func (r *entryRepoPG) ListByScheduleAndPatient(ctx context.Context, scheduleID uuid.UUID, patientID string) ([]*SubmissionEntry, error) {
	return r.list(ctx, `SELECT `+entryCols+` FROM submission_entry
		WHERE report_schedule_id = $1 AND patient_id = $2 ORDER BY report_type`, scheduleID, patientID)
}

func (r *entryRepoPG) list(ctx context.Context, query string, args ...interface{}) ([]*SubmissionEntry, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*SubmissionEntry
	for rows.Next() {
		e, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func (r *entryRepoPG) ListPatientIDsBySchedule(ctx context.Context, scheduleID uuid.UUID) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT patient_id FROM submission_entry WHERE report_schedule_id = $1`, scheduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *entryRepoPG) Update(ctx context.Context, e *SubmissionEntry) error {
	contained, err := marshalContained(e.ContainedResources)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		UPDATE submission_entry SET status = $2, validation_status = $3,
			measure_report_ref = $4, contained_resources = $5, payload_uri = $6,
			updated_at = NOW()
		WHERE id = $1`,
		e.ID, e.Status, e.ValidationStatus, e.MeasureReportRef, contained, e.PayloadURI)
	return err
}

func (r *entryRepoPG) ExistsIncomplete(ctx context.Context, scheduleID uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM submission_entry
			WHERE report_schedule_id = $1 AND status NOT IN ($2, $3)
		)`, scheduleID, EntryNotReportable, EntryValidationComplete).Scan(&exists)
	return exists, err
}
