// Package memory is an in-process implementation of the repository interfaces.
// It keeps each record's chart lineage as an append-only list of chart ids
// with explicit pointers to the latest consolidated chart and the current draft.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/clinical-api/internal/model"
	"github.com/jwalitptl/clinical-api/internal/repository"
)

// lineage indexes the charts of one record. versions is append-only.
type lineage struct {
	versions []uuid.UUID
	latest   uuid.UUID
	draft    uuid.UUID
}

func (l *lineage) clone() *lineage {
	c := *l
	c.versions = append([]uuid.UUID(nil), l.versions...)
	return &c
}

// Store holds every table in maps guarded by one lock. Chart transactions take
// the write lock for their whole duration, which serializes them against each
// other and against record closes.
type Store struct {
	mu      sync.RWMutex
	records map[uuid.UUID]model.ClinicalRecord
	visits  map[uuid.UUID]model.Visit
	charts  map[uuid.UUID]model.DentalChart
	lineage map[uuid.UUID]*lineage
	teeth   map[uuid.UUID]map[int]model.ToothState
	audit   []model.AuditLog
	outbox  []model.OutboxEvent
	nowFn   func() time.Time
}

type Option func(*Store)

// WithClock overrides the time source used for stamping rows.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.nowFn = now }
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		records: map[uuid.UUID]model.ClinicalRecord{},
		visits:  map[uuid.UUID]model.Visit{},
		charts:  map[uuid.UUID]model.DentalChart{},
		lineage: map[uuid.UUID]*lineage{},
		teeth:   map[uuid.UUID]map[int]model.ToothState{},
		nowFn:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Records() repository.ClinicalRecordRepository { return recordRepo{s} }
func (s *Store) Visits() repository.VisitRepository           { return visitRepo{s} }
func (s *Store) Charts() repository.ChartRepository           { return chartRepo{s} }
func (s *Store) Audit() repository.AuditRepository            { return auditRepo{s} }
func (s *Store) Outbox() repository.OutboxRepository          { return outboxRepo{s} }

// Ping always succeeds; the store lives in process.
func (s *Store) Ping(context.Context) error { return nil }

// PutVisit seeds a visit. Scheduling owns visits, so there is no repository
// method for creating one.
func (s *Store) PutVisit(v model.Visit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visits[v.ID] = v
}

func (s *Store) now() time.Time { return s.nowFn().UTC() }

func cloneRecord(r model.ClinicalRecord) *model.ClinicalRecord {
	c := r
	if r.ClosureReason != nil {
		reason := *r.ClosureReason
		c.ClosureReason = &reason
	}
	if r.ClosedAt != nil {
		at := *r.ClosedAt
		c.ClosedAt = &at
	}
	if r.ClosedBy != nil {
		by := *r.ClosedBy
		c.ClosedBy = &by
	}
	return &c
}

func cloneChart(ch model.DentalChart) *model.DentalChart {
	c := ch
	if ch.ConsolidatedAt != nil {
		at := *ch.ConsolidatedAt
		c.ConsolidatedAt = &at
	}
	if ch.DiscardedAt != nil {
		at := *ch.DiscardedAt
		c.DiscardedAt = &at
	}
	return &c
}

func sortedTeeth(byFDI map[int]model.ToothState) []model.ToothState {
	out := make([]model.ToothState, 0, len(byFDI))
	for fdi := 11; fdi <= 85; fdi++ {
		t, ok := byFDI[fdi]
		if !ok {
			continue
		}
		out = append(out, *t.Clone())
	}
	return out
}
