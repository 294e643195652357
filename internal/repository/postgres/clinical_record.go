package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/clinical-api/internal/model"
	"github.com/jwalitptl/clinical-api/internal/repository"
)

const recordColumns = `id, patient_id, clinic_id, visit_id, state, opened_by,
	closure_reason, closed_at, closed_by, created_at, updated_at`

type clinicalRecordRepository struct {
	BaseRepository
}

func NewClinicalRecordRepository(base BaseRepository) repository.ClinicalRecordRepository {
	return &clinicalRecordRepository{base}
}

func (r *clinicalRecordRepository) Create(ctx context.Context, record *model.ClinicalRecord) error {
	query := `
		INSERT INTO clinical_records (
			id, patient_id, clinic_id, visit_id, state, opened_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.ExecContext(ctx, query,
		record.ID,
		record.PatientID,
		record.ClinicID,
		record.VisitID,
		record.State,
		record.OpenedBy,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create clinical record: %w", err)
	}
	return nil
}

func (r *clinicalRecordRepository) Get(ctx context.Context, id uuid.UUID) (*model.ClinicalRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM clinical_records WHERE id = $1`
	var record model.ClinicalRecord
	if err := r.db.GetContext(ctx, &record, query, id); err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("clinical record %s: %w", id, repository.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get clinical record: %w", err)
	}
	return &record, nil
}

func (r *clinicalRecordRepository) ListByPatient(ctx context.Context, patientID uuid.UUID, page model.Pagination) ([]*model.ClinicalRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM clinical_records
		WHERE patient_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`
	records := []*model.ClinicalRecord{}
	if err := r.db.SelectContext(ctx, &records, query, patientID, page.Limit(), page.Offset()); err != nil {
		return nil, fmt.Errorf("failed to list clinical records: %w", err)
	}
	return records, nil
}

func (r *clinicalRecordRepository) ListByVisit(ctx context.Context, visitID uuid.UUID) ([]*model.ClinicalRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM clinical_records
		WHERE visit_id = $1
		ORDER BY created_at DESC, id DESC
	`
	records := []*model.ClinicalRecord{}
	if err := r.db.SelectContext(ctx, &records, query, visitID); err != nil {
		return nil, fmt.Errorf("failed to list clinical records: %w", err)
	}
	return records, nil
}

// Close only matches OPEN rows, so of two racing closes exactly one updates.
func (r *clinicalRecordRepository) Close(ctx context.Context, id, closedBy uuid.UUID, reason *string, at time.Time) (*model.ClinicalRecord, error) {
	query := `
		UPDATE clinical_records
		SET state = $2, closure_reason = $3, closed_at = $4, closed_by = $5, updated_at = $4
		WHERE id = $1 AND state = $6
		RETURNING ` + recordColumns

	var record model.ClinicalRecord
	err := r.db.GetContext(ctx, &record, query,
		id, model.RecordStateClosed, reason, at, closedBy, model.RecordStateOpen)
	if err == nil {
		return &record, nil
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("failed to close clinical record: %w", err)
	}

	if _, getErr := r.Get(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("clinical record %s: %w", id, repository.ErrRecordClosed)
}
