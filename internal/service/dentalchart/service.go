// Package dentalchart manages the versioned odontogram of a clinical record.
//
// A record owns a lineage of charts: consolidated versions that never change
// again, and at most one draft that is edited tooth by tooth. Every write that
// carries a version token runs in one repository transaction that re-reads the
// record state, so a close that commits first always wins.
package dentalchart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/clinical-api/internal/model"
	"github.com/jwalitptl/clinical-api/internal/repository"
	"github.com/jwalitptl/clinical-api/internal/service/audit"
	"github.com/jwalitptl/clinical-api/internal/service/event"
	"github.com/jwalitptl/clinical-api/pkg/auth"
	apperrors "github.com/jwalitptl/clinical-api/pkg/errors"
	"github.com/jwalitptl/clinical-api/pkg/logger"
	"github.com/jwalitptl/clinical-api/pkg/metrics"
)

const (
	opGetChart     = "get_chart"
	opOpenDraft    = "open_draft"
	opConsolidate  = "consolidate"
	opDiscard      = "discard"
	opMutateTooth  = "mutate_tooth"
	opListVersions = "list_versions"
	opRecover      = "recover"

	// draftReadAttempts bounds the optimistic re-reads of a draft view.
	draftReadAttempts = 3
)

type Service struct {
	records repository.ClinicalRecordRepository
	charts  repository.ChartRepository
	events  event.Emitter
	audit   *audit.Service
	cache   *viewCache
	metrics *metrics.Metrics
	logger  *logger.Logger
	nowFn   func() time.Time
	tokenFn func() string
}

type Option func(*Service)

// WithCache sets the expiry of cached consolidated views.
func WithCache(ttl, cleanup time.Duration) Option {
	return func(s *Service) { s.cache = newViewCache(ttl, cleanup) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l *logger.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.nowFn = now }
}

func NewService(
	records repository.ClinicalRecordRepository,
	charts repository.ChartRepository,
	events event.Emitter,
	auditor *audit.Service,
	opts ...Option,
) *Service {
	s := &Service{
		records: records,
		charts:  charts,
		events:  events,
		audit:   auditor,
		cache:   newViewCache(10*time.Minute, 15*time.Minute),
		logger:  logger.Nop(),
		nowFn:   time.Now,
		tokenFn: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.NewNop()
	}
	return s
}

// GetChart returns the latest consolidated chart of the record, or the open
// draft when includeDraft is set and one exists. A record with no chart yields
// an empty view.
func (s *Service) GetChart(ctx context.Context, recordID uuid.UUID, includeDraft bool) (*model.ChartView, error) {
	record, err := s.getRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if _, err := auth.Authorize(ctx, model.PermissionChartRead, record.ClinicID); err != nil {
		return nil, err
	}

	if includeDraft {
		view, err := s.draftView(ctx, recordID)
		if err != nil {
			return nil, s.fail(opGetChart, err)
		}
		if view != nil {
			return view, nil
		}
	}

	latest, err := s.charts.LatestConsolidated(ctx, recordID)
	if err != nil {
		return nil, s.fail(opGetChart, err)
	}
	if latest == nil {
		return &model.ChartView{Teeth: []model.ToothState{}}, nil
	}
	return s.consolidatedView(ctx, latest)
}

func (s *Service) consolidatedView(ctx context.Context, chart *model.DentalChart) (*model.ChartView, error) {
	if view, ok := s.cache.get(chart.ID); ok {
		return view, nil
	}
	teeth, err := s.charts.ListTeeth(ctx, chart.ID)
	if err != nil {
		return nil, s.fail(opGetChart, err)
	}
	view := &model.ChartView{Chart: chart, Teeth: teeth}
	s.cache.put(view)
	return view, nil
}

// draftView reads the draft and its teeth outside a transaction. Every tooth
// write rotates the token in the same commit, so an unchanged token across the
// two reads means the teeth belong to that token.
func (s *Service) draftView(ctx context.Context, recordID uuid.UUID) (*model.ChartView, error) {
	for i := 0; i < draftReadAttempts; i++ {
		draft, err := s.charts.CurrentDraft(ctx, recordID)
		if err != nil || draft == nil {
			return nil, err
		}
		teeth, err := s.charts.ListTeeth(ctx, draft.ID)
		if err != nil {
			return nil, err
		}
		again, err := s.charts.CurrentDraft(ctx, recordID)
		if err != nil {
			return nil, err
		}
		if again != nil && again.ID == draft.ID && again.Token == draft.Token {
			return &model.ChartView{Chart: draft, Teeth: teeth}, nil
		}
	}
	return nil, fmt.Errorf("draft of record %s kept changing while being read", recordID)
}

// OpenDraft starts a draft seeded with the latest consolidated chart.
func (s *Service) OpenDraft(ctx context.Context, recordID uuid.UUID, baseline string) (*model.DentalChart, error) {
	if baseline == "" {
		baseline = model.BaselineFromLast
	}
	if baseline != model.BaselineFromLast {
		return nil, s.fail(opOpenDraft, apperrors.Validation(fmt.Sprintf("unsupported baseline %q", baseline), nil))
	}

	record, err := s.getRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	actor, err := auth.Authorize(ctx, model.PermissionChartEdit, record.ClinicID)
	if err != nil {
		return nil, err
	}

	var draft *model.DentalChart
	err = s.charts.WithTx(ctx, func(tx repository.ChartTx) error {
		locked, err := tx.LockRecord(ctx, recordID)
		if err != nil {
			return err
		}
		if !model.IsEditable(locked) {
			return apperrors.StateConflict(apperrors.ConflictRecordClosed, nil)
		}
		existing, err := tx.CurrentDraft(ctx, recordID)
		if err != nil {
			return err
		}
		if existing != nil {
			return apperrors.StateConflict(apperrors.ConflictDraftExists, nil)
		}
		latest, err := tx.LatestConsolidated(ctx, recordID)
		if err != nil {
			return err
		}

		now := s.now()
		draft = &model.DentalChart{
			Base:      model.Base{ID: uuid.New(), CreatedAt: now, UpdatedAt: now},
			RecordID:  recordID,
			Draft:     true,
			Token:     s.tokenFn(),
			CreatedBy: actor.ID,
		}
		if latest != nil {
			draft.Version = latest.Version
			draft.BaseVersion = latest.Version
		}
		if err := tx.InsertChart(ctx, draft); err != nil {
			return err
		}
		if latest == nil {
			return nil
		}

		teeth, err := tx.ListTeeth(ctx, latest.ID)
		if err != nil {
			return err
		}
		for _, tooth := range copyTeeth(teeth, draft.ID) {
			if err := tx.SaveTooth(ctx, tooth); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, s.fail(opOpenDraft, err)
	}

	s.succeed(opOpenDraft)
	s.publish(ctx, model.EventDraftOpened, draft, actor)
	s.record(ctx, actor, model.AuditActionOpenDraft, draft, map[string]interface{}{
		"base_version": draft.BaseVersion,
	})
	return draft, nil
}

// Consolidate turns the draft into the next immutable version.
func (s *Service) Consolidate(ctx context.Context, chartID uuid.UUID, expectedToken string) (*model.DentalChart, error) {
	if expectedToken == "" {
		return nil, s.fail(opConsolidate, apperrors.Validation("version token is required", nil))
	}
	actor, current, err := s.authorizeChart(ctx, chartID)
	if err != nil {
		return nil, err
	}

	var chart *model.DentalChart
	err = s.editDraft(ctx, current, expectedToken, true, func(tx repository.ChartTx, draft *model.DentalChart) error {
		latest, err := tx.LatestConsolidated(ctx, draft.RecordID)
		if err != nil {
			return err
		}
		version := 1
		if latest != nil {
			version = latest.Version + 1
		}
		now := s.now()
		draft.Draft = false
		draft.Version = version
		draft.ConsolidatedAt = &now
		draft.UpdatedAt = now
		draft.Token = s.tokenFn()
		if err := tx.UpdateChart(ctx, draft); err != nil {
			return err
		}
		chart = draft
		return nil
	})
	if err != nil {
		return nil, s.fail(opConsolidate, err)
	}

	s.succeed(opConsolidate)
	s.publish(ctx, model.EventChartConsolidated, chart, actor)
	s.record(ctx, actor, model.AuditActionConsolidate, chart, map[string]interface{}{
		"version":      chart.Version,
		"base_version": chart.BaseVersion,
	})
	return chart, nil
}

// Discard tombstones the draft. It leaves every view and frees the record's
// draft slot; a second discard of the same chart is a stale token.
func (s *Service) Discard(ctx context.Context, chartID uuid.UUID, expectedToken string) error {
	if expectedToken == "" {
		return s.fail(opDiscard, apperrors.Validation("version token is required", nil))
	}
	actor, current, err := s.authorizeChart(ctx, chartID)
	if err != nil {
		return err
	}

	var chart *model.DentalChart
	err = s.editDraft(ctx, current, expectedToken, true, func(tx repository.ChartTx, draft *model.DentalChart) error {
		now := s.now()
		draft.DiscardedAt = &now
		draft.UpdatedAt = now
		draft.Token = ""
		if err := tx.UpdateChart(ctx, draft); err != nil {
			return err
		}
		chart = draft
		return nil
	})
	if err != nil {
		return s.fail(opDiscard, err)
	}

	s.succeed(opDiscard)
	s.publish(ctx, model.EventDraftDiscarded, chart, actor)
	s.record(ctx, actor, model.AuditActionDiscard, chart, nil)
	return nil
}

// MutateTooth applies patch to one tooth of the draft and rotates its token.
// expectedToken is checked only when non-empty.
func (s *Service) MutateTooth(ctx context.Context, chartID uuid.UUID, patch model.ToothPatch, expectedToken string) (*model.DentalChart, error) {
	if err := patch.Validate(); err != nil {
		return nil, s.fail(opMutateTooth, apperrors.Validation(err.Error(), err))
	}
	_, current, err := s.authorizeChart(ctx, chartID)
	if err != nil {
		return nil, err
	}

	var chart *model.DentalChart
	err = s.editDraft(ctx, current, expectedToken, expectedToken != "", func(tx repository.ChartTx, draft *model.DentalChart) error {
		teeth, err := tx.ListTeeth(ctx, chartID)
		if err != nil {
			return err
		}
		now := s.now()
		tooth, err := applyPatch(findTooth(teeth, patch.FDI), chartID, patch, now)
		if err != nil {
			return apperrors.Validation(err.Error(), err)
		}
		if err := tx.SaveTooth(ctx, tooth); err != nil {
			return err
		}
		draft.Token = s.tokenFn()
		draft.UpdatedAt = now
		if err := tx.UpdateChart(ctx, draft); err != nil {
			return err
		}
		chart = draft
		return nil
	})
	if err != nil {
		return nil, s.fail(opMutateTooth, err)
	}

	s.succeed(opMutateTooth)
	return chart, nil
}

// ListVersions returns the consolidated history of the record, newest first.
func (s *Service) ListVersions(ctx context.Context, recordID uuid.UUID) ([]*model.DentalChart, error) {
	record, err := s.getRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if _, err := auth.Authorize(ctx, model.PermissionChartRead, record.ClinicID); err != nil {
		return nil, err
	}
	versions, err := s.charts.ListVersions(ctx, recordID)
	if err != nil {
		return nil, s.fail(opListVersions, err)
	}
	return versions, nil
}

// Recover returns the ref of the record's current draft, opening a new draft
// from the latest version when there is none.
func (s *Service) Recover(ctx context.Context, recordID uuid.UUID) (model.DraftRef, error) {
	ref, ok, err := s.liveDraft(ctx, recordID)
	if err != nil || ok {
		return ref, err
	}

	draft, err := s.OpenDraft(ctx, recordID, model.BaselineFromLast)
	if apperrors.ConflictOf(err) == apperrors.ConflictDraftExists {
		// Someone opened one between the read and the insert.
		draft, err = s.charts.CurrentDraft(ctx, recordID)
		if err == nil && draft == nil {
			err = apperrors.StateConflict(apperrors.ConflictDraftExists, nil)
		}
	}
	if err != nil {
		return model.DraftRef{}, mapRepoErr(err)
	}
	return draft.Ref(), nil
}

// liveDraft returns the ref of the record's draft and whether one exists. A
// closed record is a record_closed conflict.
func (s *Service) liveDraft(ctx context.Context, recordID uuid.UUID) (model.DraftRef, bool, error) {
	record, err := s.getRecord(ctx, recordID)
	if err != nil {
		return model.DraftRef{}, false, err
	}
	if _, err := auth.Authorize(ctx, model.PermissionChartEdit, record.ClinicID); err != nil {
		return model.DraftRef{}, false, err
	}
	if !model.IsEditable(record) {
		return model.DraftRef{}, false, s.fail(opRecover, apperrors.StateConflict(apperrors.ConflictRecordClosed, nil))
	}

	draft, err := s.charts.CurrentDraft(ctx, recordID)
	if err != nil {
		return model.DraftRef{}, false, s.fail(opRecover, err)
	}
	if draft == nil {
		return model.DraftRef{}, false, nil
	}
	return draft.Ref(), true, nil
}

// RecordOf returns the record a chart belongs to.
func (s *Service) RecordOf(ctx context.Context, chartID uuid.UUID) (uuid.UUID, error) {
	chart, err := s.charts.GetChart(ctx, chartID)
	if err != nil {
		return uuid.Nil, mapRepoErr(err)
	}
	return chart.RecordID, nil
}

// editDraft runs fn on the locked draft after the checks every token-bearing
// write shares, in this order: record open, chart is a draft, token current.
// seen is the chart as read before the transaction; its record never changes.
func (s *Service) editDraft(
	ctx context.Context,
	seen *model.DentalChart,
	expectedToken string,
	checkToken bool,
	fn func(tx repository.ChartTx, draft *model.DentalChart) error,
) error {
	return s.charts.WithTx(ctx, func(tx repository.ChartTx) error {
		record, err := tx.LockRecord(ctx, seen.RecordID)
		if err != nil {
			return err
		}
		chart, err := tx.LockChart(ctx, seen.ID)
		if err != nil {
			return err
		}
		if !model.IsEditable(record) {
			return apperrors.StateConflict(apperrors.ConflictRecordClosed, nil)
		}
		if !chart.Draft {
			return apperrors.StateConflict(apperrors.ConflictNotDraft, nil)
		}
		if !chart.Live() || (checkToken && chart.Token != expectedToken) {
			return apperrors.StateConflict(apperrors.ConflictStaleToken, nil)
		}
		return fn(tx, chart)
	})
}

func (s *Service) authorizeChart(ctx context.Context, chartID uuid.UUID) (*model.Actor, *model.DentalChart, error) {
	chart, err := s.charts.GetChart(ctx, chartID)
	if err != nil {
		return nil, nil, mapRepoErr(err)
	}
	record, err := s.getRecord(ctx, chart.RecordID)
	if err != nil {
		return nil, nil, err
	}
	actor, err := auth.Authorize(ctx, model.PermissionChartEdit, record.ClinicID)
	if err != nil {
		return nil, nil, err
	}
	return actor, chart, nil
}

func (s *Service) getRecord(ctx context.Context, id uuid.UUID) (*model.ClinicalRecord, error) {
	record, err := s.records.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NotFound("clinical record", err)
	}
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return record, nil
}

func (s *Service) now() time.Time {
	return s.nowFn().UTC()
}

func (s *Service) succeed(operation string) {
	s.metrics.ChartOperations.WithLabelValues(operation, "success").Inc()
}

// fail maps err to an AppError and counts it.
func (s *Service) fail(operation string, err error) error {
	err = mapRepoErr(err)
	result := "error"
	if reason := apperrors.ConflictOf(err); reason != "" {
		result = "conflict"
		s.metrics.StateConflicts.WithLabelValues(operation, string(reason)).Inc()
	}
	s.metrics.ChartOperations.WithLabelValues(operation, result).Inc()
	return err
}

type chartEvent struct {
	ChartID     uuid.UUID `json:"chart_id"`
	RecordID    uuid.UUID `json:"record_id"`
	Version     int       `json:"version"`
	BaseVersion int       `json:"base_version"`
	ActorID     uuid.UUID `json:"actor_id"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// publish and record run after commit. Their failures are logged, never
// returned: the chart change is already durable.
func (s *Service) publish(ctx context.Context, eventType string, chart *model.DentalChart, actor *model.Actor) {
	payload := chartEvent{
		ChartID:     chart.ID,
		RecordID:    chart.RecordID,
		Version:     chart.Version,
		BaseVersion: chart.BaseVersion,
		ActorID:     actor.ID,
		OccurredAt:  chart.UpdatedAt,
	}
	if err := s.events.Emit(ctx, eventType, chart.ID, payload); err != nil {
		s.logger.WithContext(ctx).Warn("failed to emit chart event",
			"event_type", eventType, "chart_id", chart.ID.String(), "error", err.Error())
	}
}

func (s *Service) record(ctx context.Context, actor *model.Actor, action string, chart *model.DentalChart, changes interface{}) {
	if s.audit == nil {
		return
	}
	opts := &audit.LogOptions{
		Changes:  changes,
		Metadata: map[string]string{"record_id": chart.RecordID.String()},
	}
	if err := s.audit.LogActor(ctx, actor, action, model.AuditEntityDentalChart, chart.ID, opts); err != nil {
		s.logger.WithContext(ctx).Warn("failed to write audit log",
			"action", action, "chart_id", chart.ID.String(), "error", err.Error())
	}
}

func mapRepoErr(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperrors.As(err); ok {
		return err
	}
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return apperrors.NotFound("dental chart", err)
	case errors.Is(err, repository.ErrDraftExists):
		return apperrors.StateConflict(apperrors.ConflictDraftExists, err)
	case errors.Is(err, repository.ErrRecordClosed):
		return apperrors.StateConflict(apperrors.ConflictRecordClosed, err)
	}
	return apperrors.Internal(err)
}
