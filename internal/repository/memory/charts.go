package memory

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jwalitptl/clinical-api/internal/model"
	"github.com/jwalitptl/clinical-api/internal/repository"
)

type chartRepo struct{ s *Store }

func (r chartRepo) GetChart(_ context.Context, id uuid.UUID) (*model.DentalChart, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.s.getChart(id)
}

func (r chartRepo) LatestConsolidated(_ context.Context, recordID uuid.UUID) (*model.DentalChart, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.s.pointed(recordID, func(l *lineage) uuid.UUID { return l.latest })
}

func (r chartRepo) CurrentDraft(_ context.Context, recordID uuid.UUID) (*model.DentalChart, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.s.pointed(recordID, func(l *lineage) uuid.UUID { return l.draft })
}

// ListVersions returns consolidated charts newest first.
func (r chartRepo) ListVersions(_ context.Context, recordID uuid.UUID) ([]*model.DentalChart, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := []*model.DentalChart{}
	l, ok := r.s.lineage[recordID]
	if !ok {
		return out, nil
	}
	for i := len(l.versions) - 1; i >= 0; i-- {
		ch := r.s.charts[l.versions[i]]
		if !ch.Draft && ch.Live() {
			out = append(out, cloneChart(ch))
		}
	}
	return out, nil
}

func (r chartRepo) ListTeeth(_ context.Context, chartID uuid.UUID) ([]model.ToothState, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return sortedTeeth(r.s.teeth[chartID]), nil
}

// WithTx stages writes in an overlay and applies them only if fn returns nil.
func (r chartRepo) WithTx(ctx context.Context, fn func(tx repository.ChartTx) error) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	tx := &chartTx{
		s:       r.s,
		charts:  map[uuid.UUID]model.DentalChart{},
		lineage: map[uuid.UUID]*lineage{},
		teeth:   map[uuid.UUID]map[int]model.ToothState{},
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to commit chart transaction: %w", err)
	}
	tx.commit()
	return nil
}

func (s *Store) getChart(id uuid.UUID) (*model.DentalChart, error) {
	ch, ok := s.charts[id]
	if !ok {
		return nil, fmt.Errorf("dental chart %s: %w", id, repository.ErrNotFound)
	}
	return cloneChart(ch), nil
}

func (s *Store) pointed(recordID uuid.UUID, pick func(*lineage) uuid.UUID) (*model.DentalChart, error) {
	l, ok := s.lineage[recordID]
	if !ok {
		return nil, nil
	}
	id := pick(l)
	if id == uuid.Nil {
		return nil, nil
	}
	return s.getChart(id)
}

// chartTx reads through its overlay to the committed state.
type chartTx struct {
	s       *Store
	charts  map[uuid.UUID]model.DentalChart
	lineage map[uuid.UUID]*lineage
	teeth   map[uuid.UUID]map[int]model.ToothState
}

func (tx *chartTx) LockRecord(_ context.Context, recordID uuid.UUID) (*model.ClinicalRecord, error) {
	record, ok := tx.s.records[recordID]
	if !ok {
		return nil, fmt.Errorf("clinical record %s: %w", recordID, repository.ErrNotFound)
	}
	return cloneRecord(record), nil
}

func (tx *chartTx) LockChart(_ context.Context, chartID uuid.UUID) (*model.DentalChart, error) {
	if ch, ok := tx.charts[chartID]; ok {
		return cloneChart(ch), nil
	}
	return tx.s.getChart(chartID)
}

func (tx *chartTx) lineageFor(recordID uuid.UUID) *lineage {
	if l, ok := tx.lineage[recordID]; ok {
		return l
	}
	if l, ok := tx.s.lineage[recordID]; ok {
		tx.lineage[recordID] = l.clone()
	} else {
		tx.lineage[recordID] = &lineage{}
	}
	return tx.lineage[recordID]
}

func (tx *chartTx) pointed(ctx context.Context, recordID uuid.UUID, pick func(*lineage) uuid.UUID) (*model.DentalChart, error) {
	id := pick(tx.lineageFor(recordID))
	if id == uuid.Nil {
		return nil, nil
	}
	return tx.LockChart(ctx, id)
}

func (tx *chartTx) LatestConsolidated(ctx context.Context, recordID uuid.UUID) (*model.DentalChart, error) {
	return tx.pointed(ctx, recordID, func(l *lineage) uuid.UUID { return l.latest })
}

func (tx *chartTx) CurrentDraft(ctx context.Context, recordID uuid.UUID) (*model.DentalChart, error) {
	return tx.pointed(ctx, recordID, func(l *lineage) uuid.UUID { return l.draft })
}

func (tx *chartTx) InsertChart(_ context.Context, chart *model.DentalChart) error {
	if _, err := tx.LockChart(context.Background(), chart.ID); err == nil {
		return fmt.Errorf("dental chart %s already exists", chart.ID)
	}
	l := tx.lineageFor(chart.RecordID)
	if chart.Draft {
		if l.draft != uuid.Nil {
			return fmt.Errorf("record %s: %w", chart.RecordID, repository.ErrDraftExists)
		}
		l.draft = chart.ID
	}
	l.versions = append(l.versions, chart.ID)
	tx.charts[chart.ID] = *cloneChart(*chart)
	return nil
}

func (tx *chartTx) UpdateChart(ctx context.Context, chart *model.DentalChart) error {
	if _, err := tx.LockChart(ctx, chart.ID); err != nil {
		return err
	}
	l := tx.lineageFor(chart.RecordID)
	switch {
	case !chart.Live():
		if l.draft == chart.ID {
			l.draft = uuid.Nil
		}
	case !chart.Draft:
		if l.draft == chart.ID {
			l.draft = uuid.Nil
		}
		l.latest = chart.ID
	}
	tx.charts[chart.ID] = *cloneChart(*chart)
	return nil
}

func (tx *chartTx) teethFor(chartID uuid.UUID) map[int]model.ToothState {
	if byFDI, ok := tx.teeth[chartID]; ok {
		return byFDI
	}
	byFDI := make(map[int]model.ToothState, len(tx.s.teeth[chartID]))
	for fdi, t := range tx.s.teeth[chartID] {
		byFDI[fdi] = *t.Clone()
	}
	tx.teeth[chartID] = byFDI
	return byFDI
}

func (tx *chartTx) ListTeeth(_ context.Context, chartID uuid.UUID) ([]model.ToothState, error) {
	return sortedTeeth(tx.teethFor(chartID)), nil
}

func (tx *chartTx) SaveTooth(ctx context.Context, tooth *model.ToothState) error {
	if _, err := tx.LockChart(ctx, tooth.ChartID); err != nil {
		return err
	}
	if tooth.ID == uuid.Nil {
		tooth.ID = uuid.New()
	}
	for i := range tooth.Surfaces {
		if tooth.Surfaces[i].ID == uuid.Nil {
			tooth.Surfaces[i].ID = uuid.New()
		}
		tooth.Surfaces[i].ToothID = tooth.ID
	}
	tx.teethFor(tooth.ChartID)[tooth.FDI] = *tooth.Clone()
	return nil
}

func (tx *chartTx) commit() {
	for id, ch := range tx.charts {
		tx.s.charts[id] = ch
	}
	for id, l := range tx.lineage {
		tx.s.lineage[id] = l
	}
	for id, byFDI := range tx.teeth {
		tx.s.teeth[id] = byFDI
	}
}
