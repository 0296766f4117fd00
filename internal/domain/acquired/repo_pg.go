package acquired

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const cols = `id, facility_id, patient_id, resource_type, resource_id, resource, updated_at`

func (r *repoPG) scan(row pgx.Row) (*PatientResource, error) {
	var pr PatientResource
	err := row.Scan(&pr.ID, &pr.FacilityID, &pr.PatientID, &pr.ResourceType,
		&pr.ResourceID, &pr.Resource, &pr.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &pr, err
}

func (r *repoPG) Upsert(ctx context.Context, pr *PatientResource) error {
	if pr.ID == uuid.Nil {
		pr.ID = uuid.New()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO patient_resource (id, facility_id, patient_id, resource_type, resource_id, resource)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (facility_id, patient_id, resource_type, resource_id)
		DO UPDATE SET resource = EXCLUDED.resource, updated_at = NOW()`,
		pr.ID, pr.FacilityID, pr.PatientID, pr.ResourceType, pr.ResourceID, pr.Resource)
	return err
}

func (r *repoPG) Get(ctx context.Context, facilityID, patientID, resourceType, resourceID string) (*PatientResource, error) {
	return r.scan(r.pool.QueryRow(ctx, `
		SELECT `+cols+` FROM patient_resource
		WHERE facility_id = $1 AND patient_id = $2 AND resource_type = $3 AND resource_id = $4`,
		facilityID, patientID, resourceType, resourceID))
}

func (r *repoPG) ListByPatient(ctx context.Context, facilityID, patientID string) ([]*PatientResource, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+cols+` FROM patient_resource
		WHERE facility_id = $1 AND patient_id = $2
		ORDER BY resource_type, resource_id`, facilityID, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*PatientResource
	for rows.Next() {
		pr, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, pr)
	}
	return items, rows.Err()
}
