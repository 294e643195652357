package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/clinical-api/internal/model"
	"github.com/jwalitptl/clinical-api/internal/repository"
)

const (
	chartColumns = `id, record_id, draft, version, base_version, version_token, created_by,
	consolidated_at, discarded_at, created_at, updated_at`

	// oneDraftConstraint is the partial unique index allowing one live draft per record.
	oneDraftConstraint = "ux_dental_charts_one_draft"
)

type chartRepository struct {
	BaseRepository
}

func NewChartRepository(base BaseRepository) repository.ChartRepository {
	return &chartRepository{base}
}

func (r *chartRepository) GetChart(ctx context.Context, id uuid.UUID) (*model.DentalChart, error) {
	return getChart(ctx, r.db, `SELECT `+chartColumns+` FROM dental_charts WHERE id = $1`, id)
}

func (r *chartRepository) LatestConsolidated(ctx context.Context, recordID uuid.UUID) (*model.DentalChart, error) {
	return latestConsolidated(ctx, r.db, recordID)
}

func (r *chartRepository) CurrentDraft(ctx context.Context, recordID uuid.UUID) (*model.DentalChart, error) {
	return currentDraft(ctx, r.db, recordID)
}

func (r *chartRepository) ListVersions(ctx context.Context, recordID uuid.UUID) ([]*model.DentalChart, error) {
	query := `
		SELECT ` + chartColumns + `
		FROM dental_charts
		WHERE record_id = $1 AND NOT draft AND discarded_at IS NULL
		ORDER BY version DESC
	`
	charts := []*model.DentalChart{}
	if err := r.db.SelectContext(ctx, &charts, query, recordID); err != nil {
		return nil, fmt.Errorf("failed to list chart versions: %w", err)
	}
	return charts, nil
}

func (r *chartRepository) ListTeeth(ctx context.Context, chartID uuid.UUID) ([]model.ToothState, error) {
	return listTeeth(ctx, r.db, chartID)
}

func (r *chartRepository) WithTx(ctx context.Context, fn func(tx repository.ChartTx) error) error {
	return r.BaseRepository.WithTx(ctx, func(tx *sqlx.Tx) error {
		return fn(&chartTx{tx: tx})
	})
}

// chartTx runs every statement on one transaction. Row locks taken by
// LockRecord and LockChart are held until commit.
type chartTx struct {
	tx *sqlx.Tx
}

func (t *chartTx) LockRecord(ctx context.Context, recordID uuid.UUID) (*model.ClinicalRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM clinical_records WHERE id = $1 FOR SHARE`
	var record model.ClinicalRecord
	if err := t.tx.GetContext(ctx, &record, query, recordID); err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("clinical record %s: %w", recordID, repository.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to lock clinical record: %w", err)
	}
	return &record, nil
}

func (t *chartTx) LockChart(ctx context.Context, chartID uuid.UUID) (*model.DentalChart, error) {
	return getChart(ctx, t.tx, `SELECT `+chartColumns+` FROM dental_charts WHERE id = $1 FOR UPDATE`, chartID)
}

func (t *chartTx) LatestConsolidated(ctx context.Context, recordID uuid.UUID) (*model.DentalChart, error) {
	return latestConsolidated(ctx, t.tx, recordID)
}

func (t *chartTx) CurrentDraft(ctx context.Context, recordID uuid.UUID) (*model.DentalChart, error) {
	return currentDraft(ctx, t.tx, recordID)
}

func (t *chartTx) InsertChart(ctx context.Context, chart *model.DentalChart) error {
	query := `
		INSERT INTO dental_charts (
			id, record_id, draft, version, base_version, version_token, created_by,
			consolidated_at, discarded_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := t.tx.ExecContext(ctx, query,
		chart.ID,
		chart.RecordID,
		chart.Draft,
		chart.Version,
		chart.BaseVersion,
		chart.Token,
		chart.CreatedBy,
		chart.ConsolidatedAt,
		chart.DiscardedAt,
		chart.CreatedAt,
		chart.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, oneDraftConstraint) {
			return fmt.Errorf("record %s: %w", chart.RecordID, repository.ErrDraftExists)
		}
		return fmt.Errorf("failed to insert dental chart: %w", err)
	}
	return nil
}

func (t *chartTx) UpdateChart(ctx context.Context, chart *model.DentalChart) error {
	query := `
		UPDATE dental_charts
		SET draft = $2, version = $3, version_token = $4, consolidated_at = $5,
			discarded_at = $6, updated_at = $7
		WHERE id = $1
	`
	result, err := t.tx.ExecContext(ctx, query,
		chart.ID,
		chart.Draft,
		chart.Version,
		chart.Token,
		chart.ConsolidatedAt,
		chart.DiscardedAt,
		chart.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update dental chart: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("dental chart %s: %w", chart.ID, repository.ErrNotFound)
	}
	return nil
}

func (t *chartTx) ListTeeth(ctx context.Context, chartID uuid.UUID) ([]model.ToothState, error) {
	return listTeeth(ctx, t.tx, chartID)
}

func (t *chartTx) SaveTooth(ctx context.Context, tooth *model.ToothState) error {
	if tooth.ID == uuid.Nil {
		tooth.ID = uuid.New()
	}
	query := `
		INSERT INTO tooth_states (id, chart_id, fdi, present, condition, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chart_id, fdi) DO UPDATE
		SET present = EXCLUDED.present, condition = EXCLUDED.condition, updated_at = EXCLUDED.updated_at
		RETURNING id
	`
	if err := t.tx.GetContext(ctx, &tooth.ID, query,
		tooth.ID, tooth.ChartID, tooth.FDI, tooth.Present, tooth.Condition, tooth.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to save tooth %d: %w", tooth.FDI, err)
	}

	surfaceQuery := `
		INSERT INTO surface_findings (id, tooth_id, surface, finding, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET finding = EXCLUDED.finding, recorded_at = EXCLUDED.recorded_at
	`
	for i := range tooth.Surfaces {
		s := &tooth.Surfaces[i]
		if s.ID == uuid.Nil {
			s.ID = uuid.New()
		}
		s.ToothID = tooth.ID
		if _, err := t.tx.ExecContext(ctx, surfaceQuery, s.ID, s.ToothID, s.Surface, s.Finding, s.RecordedAt); err != nil {
			return fmt.Errorf("failed to save %s finding on tooth %d: %w", s.Surface, tooth.FDI, err)
		}
	}
	return nil
}

func getChart(ctx context.Context, q sqlx.QueryerContext, query string, id uuid.UUID) (*model.DentalChart, error) {
	var chart model.DentalChart
	if err := sqlx.GetContext(ctx, q, &chart, query, id); err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("dental chart %s: %w", id, repository.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get dental chart: %w", err)
	}
	return &chart, nil
}

// optionalChart maps "no rows" to nil, nil.
func optionalChart(ctx context.Context, q sqlx.QueryerContext, query string, recordID uuid.UUID) (*model.DentalChart, error) {
	var chart model.DentalChart
	if err := sqlx.GetContext(ctx, q, &chart, query, recordID); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get dental chart: %w", err)
	}
	return &chart, nil
}

func latestConsolidated(ctx context.Context, q sqlx.QueryerContext, recordID uuid.UUID) (*model.DentalChart, error) {
	return optionalChart(ctx, q, `
		SELECT `+chartColumns+`
		FROM dental_charts
		WHERE record_id = $1 AND NOT draft AND discarded_at IS NULL
		ORDER BY version DESC
		LIMIT 1
	`, recordID)
}

func currentDraft(ctx context.Context, q sqlx.QueryerContext, recordID uuid.UUID) (*model.DentalChart, error) {
	return optionalChart(ctx, q, `
		SELECT `+chartColumns+`
		FROM dental_charts
		WHERE record_id = $1 AND draft AND discarded_at IS NULL
		LIMIT 1
	`, recordID)
}

func listTeeth(ctx context.Context, q sqlx.QueryerContext, chartID uuid.UUID) ([]model.ToothState, error) {
	teeth := []model.ToothState{}
	if err := sqlx.SelectContext(ctx, q, &teeth, `
		SELECT id, chart_id, fdi, present, condition, updated_at
		FROM tooth_states
		WHERE chart_id = $1
		ORDER BY fdi
	`, chartID); err != nil {
		return nil, fmt.Errorf("failed to list teeth: %w", err)
	}
	if len(teeth) == 0 {
		return teeth, nil
	}

	var findings []model.SurfaceFinding
	if err := sqlx.SelectContext(ctx, q, &findings, `
		SELECT sf.id, sf.tooth_id, sf.surface, sf.finding, sf.recorded_at
		FROM surface_findings sf
		JOIN tooth_states ts ON ts.id = sf.tooth_id
		WHERE ts.chart_id = $1
		ORDER BY sf.recorded_at, sf.id
	`, chartID); err != nil {
		return nil, fmt.Errorf("failed to list surface findings: %w", err)
	}

	index := make(map[uuid.UUID]int, len(teeth))
	for i := range teeth {
		teeth[i].Surfaces = []model.SurfaceFinding{}
		index[teeth[i].ID] = i
	}
	for _, f := range findings {
		if i, ok := index[f.ToothID]; ok {
			teeth[i].Surfaces = append(teeth[i].Surfaces, f)
		}
	}
	return teeth, nil
}
