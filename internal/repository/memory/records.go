package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/clinical-api/internal/model"
	"github.com/jwalitptl/clinical-api/internal/repository"
)

type recordRepo struct{ s *Store }

func (r recordRepo) Create(_ context.Context, record *model.ClinicalRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, exists := r.s.records[record.ID]; exists {
		return fmt.Errorf("clinical record %s already exists", record.ID)
	}
	r.s.records[record.ID] = *cloneRecord(*record)
	return nil
}

func (r recordRepo) Get(_ context.Context, id uuid.UUID) (*model.ClinicalRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	record, ok := r.s.records[id]
	if !ok {
		return nil, fmt.Errorf("clinical record %s: %w", id, repository.ErrNotFound)
	}
	return cloneRecord(record), nil
}

func (r recordRepo) ListByPatient(_ context.Context, patientID uuid.UUID, page model.Pagination) ([]*model.ClinicalRecord, error) {
	records := r.filter(func(rec model.ClinicalRecord) bool { return rec.PatientID == patientID })
	offset := page.Offset()
	if offset >= len(records) {
		return []*model.ClinicalRecord{}, nil
	}
	end := offset + page.Limit()
	if end > len(records) {
		end = len(records)
	}
	return records[offset:end], nil
}

func (r recordRepo) ListByVisit(_ context.Context, visitID uuid.UUID) ([]*model.ClinicalRecord, error) {
	return r.filter(func(rec model.ClinicalRecord) bool { return rec.VisitID == visitID }), nil
}

// filter returns matching records newest first.
func (r recordRepo) filter(match func(model.ClinicalRecord) bool) []*model.ClinicalRecord {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := []*model.ClinicalRecord{}
	for _, rec := range r.s.records {
		if match(rec) {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() > out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (r recordRepo) Close(_ context.Context, id, closedBy uuid.UUID, reason *string, at time.Time) (*model.ClinicalRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	record, ok := r.s.records[id]
	if !ok {
		return nil, fmt.Errorf("clinical record %s: %w", id, repository.ErrNotFound)
	}
	if record.State != model.RecordStateOpen {
		return nil, fmt.Errorf("clinical record %s: %w", id, repository.ErrRecordClosed)
	}
	record.State = model.RecordStateClosed
	record.ClosureReason = reason
	record.ClosedAt = &at
	record.ClosedBy = &closedBy
	record.UpdatedAt = at
	r.s.records[id] = *cloneRecord(record)
	return cloneRecord(record), nil
}

type visitRepo struct{ s *Store }

func (r visitRepo) Get(_ context.Context, id uuid.UUID) (*model.Visit, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	v, ok := r.s.visits[id]
	if !ok {
		return nil, fmt.Errorf("visit %s: %w", id, repository.ErrNotFound)
	}
	return &v, nil
}
