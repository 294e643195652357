package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jwalitptl/clinical-api/internal/model"
	"github.com/jwalitptl/clinical-api/internal/repository"
)

type visitRepository struct {
	BaseRepository
}

// NewVisitRepository reads visits from the appointments table owned by scheduling.
func NewVisitRepository(base BaseRepository) repository.VisitRepository {
	return &visitRepository{base}
}

func (r *visitRepository) Get(ctx context.Context, id uuid.UUID) (*model.Visit, error) {
	query := `
		SELECT id, clinic_id, clinician_id, patient_id, start_time, status
		FROM appointments
		WHERE id = $1 AND deleted_at IS NULL
	`
	var visit model.Visit
	if err := r.db.GetContext(ctx, &visit, query, id); err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("visit %s: %w", id, repository.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get visit: %w", err)
	}
	return &visit, nil
}
