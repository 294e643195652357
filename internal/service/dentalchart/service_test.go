package dentalchart

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/clinical-api/internal/model"
	"github.com/jwalitptl/clinical-api/internal/repository/memory"
	"github.com/jwalitptl/clinical-api/internal/service/audit"
	"github.com/jwalitptl/clinical-api/internal/service/clinicalrecord"
	"github.com/jwalitptl/clinical-api/internal/service/event"
	apperrors "github.com/jwalitptl/clinical-api/pkg/errors"
	"github.com/jwalitptl/clinical-api/pkg/metrics"
)

type fixture struct {
	store   *memory.Store
	svc     *Service
	records *clinicalrecord.Service
	metrics *metrics.Metrics
	ctx     context.Context
	record  *model.ClinicalRecord
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	visit := model.Visit{ID: uuid.New(), ClinicID: uuid.New(), PatientID: uuid.New(), ClinicianID: uuid.New(), StartTime: time.Now()}
	store.PutVisit(visit)

	events := event.NewEventService(store.Outbox())
	auditor := audit.NewService(store.Audit())
	m := metrics.NewNop()
	f := &fixture{
		store:   store,
		svc:     NewService(store.Records(), store.Charts(), events, auditor, WithMetrics(m)),
		records: clinicalrecord.NewService(store.Records(), store.Visits(), events, auditor),
		metrics: m,
		ctx: model.ContextWithActor(context.Background(), &model.Actor{
			ID:          uuid.New(),
			ClinicID:    visit.ClinicID,
			Permissions: []string{"*"},
		}),
	}
	record, err := f.records.Open(f.ctx, visit.ID)
	require.NoError(t, err)
	f.record = record
	return f
}

func patchOf(fdi int, ops ...model.PatchOp) model.ToothPatch {
	return model.ToothPatch{FDI: fdi, Ops: ops}
}

// consolidated builds a consolidated chart with the given teeth patches.
func (f *fixture) consolidated(t *testing.T, patches ...model.ToothPatch) *model.DentalChart {
	t.Helper()
	draft, err := f.svc.OpenDraft(f.ctx, f.record.ID, model.BaselineFromLast)
	require.NoError(t, err)
	token := draft.Token
	for _, p := range patches {
		chart, err := f.svc.MutateTooth(f.ctx, draft.ID, p, token)
		require.NoError(t, err)
		token = chart.Token
	}
	chart, err := f.svc.Consolidate(f.ctx, draft.ID, token)
	require.NoError(t, err)
	return chart
}

func (f *fixture) close(t *testing.T) {
	t.Helper()
	_, err := f.records.Close(f.ctx, f.record.ID, nil)
	require.NoError(t, err)
}

func requireConflict(t *testing.T, err error, reason apperrors.ConflictReason) {
	t.Helper()
	require.Error(t, err)
	require.True(t, apperrors.IsStateConflict(err), "expected state conflict, got %v", err)
	assert.Equal(t, reason, apperrors.ConflictOf(err))
}

func TestEmptyRecordToFirstVersion(t *testing.T) {
	f := newFixture(t)

	view, err := f.svc.GetChart(f.ctx, f.record.ID, true)
	require.NoError(t, err)
	assert.True(t, view.Empty())
	assert.Empty(t, view.Teeth)

	draft, err := f.svc.OpenDraft(f.ctx, f.record.ID, model.BaselineFromLast)
	require.NoError(t, err)
	assert.True(t, draft.Draft)
	assert.Equal(t, 0, draft.BaseVersion)

	view, err = f.svc.GetChart(f.ctx, f.record.ID, true)
	require.NoError(t, err)
	assert.Equal(t, draft.ID, view.Chart.ID)
	assert.Empty(t, view.Teeth)

	mutated, err := f.svc.MutateTooth(f.ctx, draft.ID, patchOf(46,
		model.PresenceChange{Present: true},
		model.ConditionChange{Condition: model.ConditionSound},
	), draft.Token)
	require.NoError(t, err)

	chart, err := f.svc.Consolidate(f.ctx, draft.ID, mutated.Token)
	require.NoError(t, err)
	assert.False(t, chart.Draft)
	assert.Equal(t, 1, chart.Version)
	require.NotNil(t, chart.ConsolidatedAt)

	view, err = f.svc.GetChart(f.ctx, f.record.ID, false)
	require.NoError(t, err)
	require.False(t, view.Empty())
	assert.Equal(t, chart.ID, view.Chart.ID)
	tooth, ok := view.Tooth(46)
	require.True(t, ok)
	assert.True(t, tooth.Present)
	assert.Equal(t, model.ConditionSound, tooth.Condition)
}

func TestCloseDuringDraftSurfacesRecordClosed(t *testing.T) {
	f := newFixture(t)

	draft, err := f.svc.OpenDraft(f.ctx, f.record.ID, model.BaselineFromLast)
	require.NoError(t, err)
	t1 := draft.Token

	mutated, err := f.svc.MutateTooth(f.ctx, draft.ID, patchOf(11, model.ConditionChange{Condition: model.ConditionCaries}), t1)
	require.NoError(t, err)
	t2 := mutated.Token
	assert.NotEqual(t, t1, t2)

	f.close(t)

	session := f.svc.NewSession(mutated.Ref())
	_, err = session.Consolidate(f.ctx)
	requireConflict(t, err, apperrors.ConflictRecordClosed)
	assert.Equal(t, apperrors.MsgRecordClosed, err.(*apperrors.AppError).Message)
	assert.Equal(t, 1.0, testutil.ToFloat64(
		f.metrics.ConflictRecoveries.WithLabelValues(opConsolidate, "recover_failed")))

	// Nothing moved: the draft is still the draft with token t2.
	view, err := f.svc.GetChart(f.ctx, f.record.ID, true)
	require.NoError(t, err)
	assert.True(t, view.Chart.Draft)
	assert.Equal(t, t2, view.Chart.Token)
}

func TestClosedRecordRejectsEveryChartWrite(t *testing.T) {
	f := newFixture(t)
	f.consolidated(t, patchOf(11, model.ConditionChange{Condition: model.ConditionFilled}))
	draft, err := f.svc.OpenDraft(f.ctx, f.record.ID, model.BaselineFromLast)
	require.NoError(t, err)
	f.close(t)

	_, err = f.svc.OpenDraft(f.ctx, f.record.ID, model.BaselineFromLast)
	requireConflict(t, err, apperrors.ConflictRecordClosed)

	_, err = f.svc.MutateTooth(f.ctx, draft.ID, patchOf(21, model.PresenceChange{Present: false}), draft.Token)
	requireConflict(t, err, apperrors.ConflictRecordClosed)

	_, err = f.svc.Consolidate(f.ctx, draft.ID, draft.Token)
	requireConflict(t, err, apperrors.ConflictRecordClosed)

	err = f.svc.Discard(f.ctx, draft.ID, draft.Token)
	requireConflict(t, err, apperrors.ConflictRecordClosed)

	view, err := f.svc.GetChart(f.ctx, f.record.ID, true)
	require.NoError(t, err)
	assert.Equal(t, draft.ID, view.Chart.ID)
	assert.Equal(t, draft.Token, view.Chart.Token)
	_, touched := view.Tooth(21)
	assert.False(t, touched)

	versions, err := f.svc.ListVersions(f.ctx, f.record.ID)
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestConsolidateRequiresCurrentToken(t *testing.T) {
	f := newFixture(t)
	draft, err := f.svc.OpenDraft(f.ctx, f.record.ID, model.BaselineFromLast)
	require.NoError(t, err)

	for _, token := range []string{"not-the-token", uuid.NewString()} {
		_, err = f.svc.Consolidate(f.ctx, draft.ID, token)
		requireConflict(t, err, apperrors.ConflictStaleToken)
	}

	stored, err := f.store.Charts().GetChart(context.Background(), draft.ID)
	require.NoError(t, err)
	assert.Equal(t, draft, stored)

	_, err = f.svc.Consolidate(f.ctx, draft.ID, "")
	assert.True(t, apperrors.IsValidation(err))

	chart, err := f.svc.Consolidate(f.ctx, draft.ID, draft.Token)
	require.NoError(t, err)
	assert.NotEqual(t, draft.Token, chart.Token)

	// Consolidated charts never change again.
	_, err = f.svc.Consolidate(f.ctx, draft.ID, chart.Token)
	requireConflict(t, err, apperrors.ConflictNotDraft)
	_, err = f.svc.MutateTooth(f.ctx, draft.ID, patchOf(11, model.PresenceChange{Present: false}), "")
	requireConflict(t, err, apperrors.ConflictNotDraft)
}

func TestDiscardIsNotIdempotent(t *testing.T) {
	f := newFixture(t)
	base := f.consolidated(t, patchOf(11, model.ConditionChange{Condition: model.ConditionCrown}))

	draft, err := f.svc.OpenDraft(f.ctx, f.record.ID, model.BaselineFromLast)
	require.NoError(t, err)
	require.NoError(t, f.svc.Discard(f.ctx, draft.ID, draft.Token))

	err = f.svc.Discard(f.ctx, draft.ID, draft.Token)
	requireConflict(t, err, apperrors.ConflictStaleToken)

	view, err := f.svc.GetChart(f.ctx, f.record.ID, true)
	require.NoError(t, err)
	assert.Equal(t, base.ID, view.Chart.ID, "prior consolidated chart stays current")

	// The slot is free again.
	_, err = f.svc.OpenDraft(f.ctx, f.record.ID, model.BaselineFromLast)
	assert.NoError(t, err)
}

func TestOpenDraftRejectsSecondDraftAndUnknownBaseline(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.OpenDraft(f.ctx, f.record.ID, model.BaselineFromLast)
	require.NoError(t, err)

	_, err = f.svc.OpenDraft(f.ctx, f.record.ID, model.BaselineFromLast)
	requireConflict(t, err, apperrors.ConflictDraftExists)

	_, err = f.svc.OpenDraft(f.ctx, f.record.ID, "empty")
	assert.True(t, apperrors.IsValidation(err))

	_, err = f.svc.OpenDraft(f.ctx, uuid.New(), model.BaselineFromLast)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestMutateToothValidatesFDI(t *testing.T) {
	f := newFixture(t)
	draft, err := f.svc.OpenDraft(f.ctx, f.record.ID, model.BaselineFromLast)
	require.NoError(t, err)

	_, err = f.svc.MutateTooth(f.ctx, draft.ID, patchOf(99, model.PresenceChange{Present: false}), draft.Token)
	assert.True(t, apperrors.IsValidation(err))

	chart, err := f.svc.MutateTooth(f.ctx, draft.ID, patchOf(11,
		model.PresenceChange{Present: false},
		model.ConditionChange{Condition: model.ConditionAbsent},
	), draft.Token)
	require.NoError(t, err)
	assert.NotEqual(t, draft.Token, chart.Token)
}

func TestMutateToothChecksTokenOnlyWhenGiven(t *testing.T) {
	f := newFixture(t)
	draft, err := f.svc.OpenDraft(f.ctx, f.record.ID, model.BaselineFromLast)
	require.NoError(t, err)

	first, err := f.svc.MutateTooth(f.ctx, draft.ID, patchOf(36, model.ConditionChange{Condition: model.ConditionCaries}), "")
	require.NoError(t, err)

	_, err = f.svc.MutateTooth(f.ctx, draft.ID, patchOf(37, model.ConditionChange{Condition: model.ConditionCaries}), draft.Token)
	requireConflict(t, err, apperrors.ConflictStaleToken)

	_, err = f.svc.MutateTooth(f.ctx, draft.ID, patchOf(37, model.ConditionChange{Condition: model.ConditionCaries}), first.Token)
	assert.NoError(t, err)
}

func TestAbsentToothKeepsFindings(t *testing.T) {
	f := newFixture(t)
	draft, err := f.svc.OpenDraft(f.ctx, f.record.ID, model.BaselineFromLast)
	require.NoError(t, err)

	_, err = f.svc.MutateTooth(f.ctx, draft.ID, patchOf(16,
		model.SurfaceUpsert{Surface: model.SurfaceOcclusal, Finding: model.FindingCaries}), "")
	require.NoError(t, err)
	_, err = f.svc.MutateTooth(f.ctx, draft.ID, patchOf(16,
		model.SurfaceUpsert{Surface: model.SurfaceOcclusal, Finding: model.FindingFilling}), "")
	require.NoError(t, err)
	_, err = f.svc.MutateTooth(f.ctx, draft.ID, patchOf(16, model.PresenceChange{Present: false}), "")
	require.NoError(t, err)

	_, err = f.svc.MutateTooth(f.ctx, draft.ID, patchOf(16,
		model.SurfaceUpsert{Surface: model.SurfaceMesial, Finding: model.FindingCaries}), "")
	assert.True(t, apperrors.IsValidation(err))

	view, err := f.svc.GetChart(f.ctx, f.record.ID, true)
	require.NoError(t, err)
	tooth, ok := view.Tooth(16)
	require.True(t, ok)
	assert.False(t, tooth.Present)
	require.Len(t, tooth.Surfaces, 1, "upsert replaces the finding for the same surface")
	assert.Equal(t, model.FindingFilling, tooth.Surfaces[0].Finding)
	assert.Empty(t, tooth.ActiveSurfaces())
}

func TestOpenDraftCopiesBaselineExactly(t *testing.T) {
	f := newFixture(t)
	base := f.consolidated(t,
		patchOf(11, model.ConditionChange{Condition: model.ConditionSound}),
		patchOf(21, model.PresenceChange{Present: false}, model.ConditionChange{Condition: model.ConditionAbsent}),
	)
	baseline, err := f.svc.GetChart(f.ctx, f.record.ID, false)
	require.NoError(t, err)
	require.Len(t, baseline.Teeth, 2)

	draft, err := f.svc.OpenDraft(f.ctx, f.record.ID, model.BaselineFromLast)
	require.NoError(t, err)
	assert.Equal(t, base.Version, draft.BaseVersion)

	view, err := f.svc.GetChart(f.ctx, f.record.ID, true)
	require.NoError(t, err)
	require.Equal(t, draft.ID, view.Chart.ID)
	require.Len(t, view.Teeth, len(baseline.Teeth))
	for i, want := range baseline.Teeth {
		got := view.Teeth[i]
		assert.Equal(t, want.FDI, got.FDI)
		assert.Equal(t, want.Present, got.Present)
		assert.Equal(t, want.Condition, got.Condition)
		assert.Equal(t, draft.ID, got.ChartID)
		assert.NotEqual(t, want.ID, got.ID)
	}

	// Editing the draft leaves the consolidated chart alone.
	_, err = f.svc.MutateTooth(f.ctx, draft.ID, patchOf(11, model.ConditionChange{Condition: model.ConditionCaries}), "")
	require.NoError(t, err)
	after, err := f.svc.GetChart(f.ctx, f.record.ID, false)
	require.NoError(t, err)
	tooth, _ := after.Tooth(11)
	assert.Equal(t, model.ConditionSound, tooth.Condition)
}

func TestVersionsIncrement(t *testing.T) {
	f := newFixture(t)
	v1 := f.consolidated(t, patchOf(11, model.ConditionChange{Condition: model.ConditionSound}))
	v2 := f.consolidated(t, patchOf(12, model.ConditionChange{Condition: model.ConditionCaries}))
	v3 := f.consolidated(t)

	assert.Equal(t, []int{1, 2, 3}, []int{v1.Version, v2.Version, v3.Version})

	versions, err := f.svc.ListVersions(f.ctx, f.record.ID)
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, v3.ID, versions[0].ID)
	assert.Equal(t, v1.ID, versions[2].ID)

	view, err := f.svc.GetChart(f.ctx, f.record.ID, false)
	require.NoError(t, err)
	assert.Len(t, view.Teeth, 2)
}

func TestConsolidationRaceHasOneWinner(t *testing.T) {
	f := newFixture(t)
	draft, err := f.svc.OpenDraft(f.ctx, f.record.ID, model.BaselineFromLast)
	require.NoError(t, err)

	_, err = f.svc.Consolidate(f.ctx, draft.ID, draft.Token)
	require.NoError(t, err)

	_, err = f.svc.Consolidate(f.ctx, draft.ID, draft.Token)
	requireConflict(t, err, apperrors.ConflictNotDraft)

	// The loser's session finds no draft to take over and reports the
	// conflict instead of publishing an unchanged version.
	session := f.svc.NewSession(draft.Ref())
	_, err = session.Consolidate(f.ctx)
	requireConflict(t, err, apperrors.ConflictNotDraft)
	assert.True(t, session.Ref().IsZero())
	assert.Equal(t, 1.0, testutil.ToFloat64(
		f.metrics.ConflictRecoveries.WithLabelValues(opConsolidate, "recover_failed")))

	versions, err := f.svc.ListVersions(f.ctx, f.record.ID)
	require.NoError(t, err)
	assert.Len(t, versions, 1)
	view, err := f.svc.GetChart(f.ctx, f.record.ID, true)
	require.NoError(t, err)
	assert.False(t, view.Chart.Draft)
}

func TestSessionDiscardAfterConsolidationOpensNothing(t *testing.T) {
	f := newFixture(t)
	draft, err := f.svc.OpenDraft(f.ctx, f.record.ID, model.BaselineFromLast)
	require.NoError(t, err)
	_, err = f.svc.Consolidate(f.ctx, draft.ID, draft.Token)
	require.NoError(t, err)
	outboxBefore, err := f.store.Outbox().GetPendingEvents(f.ctx, 100)
	require.NoError(t, err)

	session := f.svc.NewSession(draft.Ref())
	err = session.Discard(f.ctx)
	requireConflict(t, err, apperrors.ConflictNotDraft)
	assert.True(t, session.Ref().IsZero())

	current, err := f.store.Charts().CurrentDraft(f.ctx, f.record.ID)
	require.NoError(t, err)
	assert.Nil(t, current)
	outboxAfter, err := f.store.Outbox().GetPendingEvents(f.ctx, 100)
	require.NoError(t, err)
	assert.Len(t, outboxAfter, len(outboxBefore))
}

func TestSessionConsolidateAdoptsLiveDraft(t *testing.T) {
	f := newFixture(t)
	draft, err := f.svc.OpenDraft(f.ctx, f.record.ID, model.BaselineFromLast)
	require.NoError(t, err)

	// Another editor moves the token on the same draft.
	edited, err := f.svc.MutateTooth(f.ctx, draft.ID, patchOf(11, model.ConditionChange{Condition: model.ConditionCaries}), draft.Token)
	require.NoError(t, err)

	session := f.svc.NewSession(draft.Ref())
	chart, err := session.Consolidate(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, edited.ID, chart.ID)
	assert.Equal(t, 1, chart.Version)
	assert.True(t, session.Ref().IsZero())
}

func TestSessionMutateRecoversStaleToken(t *testing.T) {
	f := newFixture(t)
	draft, err := f.svc.OpenDraft(f.ctx, f.record.ID, model.BaselineFromLast)
	require.NoError(t, err)

	// Another session moves the token.
	other, err := f.svc.MutateTooth(f.ctx, draft.ID, patchOf(11, model.ConditionChange{Condition: model.ConditionCaries}), draft.Token)
	require.NoError(t, err)

	session := f.svc.NewSession(draft.Ref())
	chart, err := session.MutateTooth(f.ctx, patchOf(21, model.ConditionChange{Condition: model.ConditionFilled}))
	require.NoError(t, err)
	assert.Equal(t, draft.ID, chart.ID)
	assert.NotEqual(t, other.Token, chart.Token)
	assert.Equal(t, chart.Ref(), session.Ref())
	assert.Equal(t, 1.0, testutil.ToFloat64(
		f.metrics.StateConflicts.WithLabelValues(opMutateTooth, string(apperrors.ConflictStaleToken))))
}

func TestSessionDoesNotRetryValidation(t *testing.T) {
	f := newFixture(t)
	draft, err := f.svc.OpenDraft(f.ctx, f.record.ID, model.BaselineFromLast)
	require.NoError(t, err)

	session := f.svc.NewSession(draft.Ref())
	_, err = session.MutateTooth(f.ctx, patchOf(99, model.PresenceChange{Present: true}))
	assert.True(t, apperrors.IsValidation(err))
	assert.Equal(t, draft.Ref(), session.Ref())
}

func TestRecoverReturnsExistingDraft(t *testing.T) {
	f := newFixture(t)
	draft, err := f.svc.OpenDraft(f.ctx, f.record.ID, model.BaselineFromLast)
	require.NoError(t, err)

	ref, err := f.svc.Recover(f.ctx, f.record.ID)
	require.NoError(t, err)
	assert.Equal(t, draft.Ref(), ref)

	require.NoError(t, f.svc.Discard(f.ctx, draft.ID, draft.Token))
	ref, err = f.svc.Recover(f.ctx, f.record.ID)
	require.NoError(t, err)
	assert.NotEqual(t, draft.ID, ref.ChartID)
}

func TestReadAndEditPermissions(t *testing.T) {
	f := newFixture(t)
	draft, err := f.svc.OpenDraft(f.ctx, f.record.ID, model.BaselineFromLast)
	require.NoError(t, err)

	reader := model.ContextWithActor(context.Background(), &model.Actor{
		ID:          uuid.New(),
		ClinicID:    f.record.ClinicID,
		Permissions: []string{model.PermissionChartRead},
	})
	_, err = f.svc.GetChart(reader, f.record.ID, true)
	assert.NoError(t, err)

	_, err = f.svc.MutateTooth(reader, draft.ID, patchOf(11, model.PresenceChange{Present: false}), "")
	assert.True(t, apperrors.IsPermission(err))
	_, err = f.svc.Consolidate(reader, draft.ID, draft.Token)
	assert.True(t, apperrors.IsPermission(err))

	outsider := model.ContextWithActor(context.Background(), &model.Actor{
		ID:          uuid.New(),
		ClinicID:    uuid.New(),
		Permissions: []string{"*"},
	})
	_, err = f.svc.GetChart(outsider, f.record.ID, false)
	assert.True(t, apperrors.IsPermission(err))
}

func TestEventsAndAuditAfterCommit(t *testing.T) {
	f := newFixture(t)
	chart := f.consolidated(t, patchOf(11, model.ConditionChange{Condition: model.ConditionSound}))

	pending, err := f.store.Outbox().GetPendingEvents(context.Background(), 20)
	require.NoError(t, err)
	var types []string
	for _, e := range pending {
		types = append(types, e.EventType)
	}
	assert.Equal(t, []string{model.EventRecordOpened, model.EventDraftOpened, model.EventChartConsolidated}, types)

	logs, err := f.store.Audit().List(context.Background(), map[string]interface{}{
		"entity_id": chart.ID,
		"action":    model.AuditActionConsolidate,
	})
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestConsolidatedViewIsCached(t *testing.T) {
	f := newFixture(t)
	f.consolidated(t, patchOf(11, model.ConditionChange{Condition: model.ConditionSound}))

	first, err := f.svc.GetChart(f.ctx, f.record.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 1, f.svc.cache.len())

	// Callers cannot corrupt the cached copy.
	first.Teeth[0].Condition = model.ConditionCaries

	second, err := f.svc.GetChart(f.ctx, f.record.ID, false)
	require.NoError(t, err)
	assert.Equal(t, model.ConditionSound, second.Teeth[0].Condition)
}
