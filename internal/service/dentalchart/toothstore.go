package dentalchart

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/clinical-api/internal/model"
)

// newTooth is the state of a tooth before its first patch.
func newTooth(chartID uuid.UUID, fdi int) *model.ToothState {
	return &model.ToothState{
		ChartID:   chartID,
		FDI:       fdi,
		Present:   true,
		Condition: model.ConditionSound,
		Surfaces:  []model.SurfaceFinding{},
	}
}

// applyPatch returns current with patch applied. current is not modified and may
// be nil. Presence and condition are settled before surface findings, so a patch
// that marks a tooth absent cannot also record a finding on it.
func applyPatch(current *model.ToothState, chartID uuid.UUID, patch model.ToothPatch, now time.Time) (*model.ToothState, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	var tooth *model.ToothState
	if current == nil {
		tooth = newTooth(chartID, patch.FDI)
	} else {
		tooth = current.Clone()
	}

	var surfaces []model.SurfaceUpsert
	for _, op := range patch.Ops {
		switch op := op.(type) {
		case model.PresenceChange:
			tooth.Present = op.Present
		case model.ConditionChange:
			tooth.Condition = op.Condition
		case model.SurfaceUpsert:
			surfaces = append(surfaces, op)
		default:
			return nil, fmt.Errorf("unsupported patch operation %T", op)
		}
	}

	for _, op := range surfaces {
		if !tooth.Present {
			return nil, fmt.Errorf("tooth %d is absent; surface findings cannot be recorded", tooth.FDI)
		}
		upsertSurface(tooth, op, now)
	}

	tooth.UpdatedAt = now
	return tooth, nil
}

// upsertSurface replaces the latest finding for the surface or appends one.
func upsertSurface(tooth *model.ToothState, op model.SurfaceUpsert, now time.Time) {
	for i := len(tooth.Surfaces) - 1; i >= 0; i-- {
		if tooth.Surfaces[i].Surface == op.Surface {
			tooth.Surfaces[i].Finding = op.Finding
			tooth.Surfaces[i].RecordedAt = now
			return
		}
	}
	tooth.Surfaces = append(tooth.Surfaces, model.SurfaceFinding{
		ToothID:    tooth.ID,
		Surface:    op.Surface,
		Finding:    op.Finding,
		RecordedAt: now,
	})
}

// copyTeeth re-parents teeth onto chartID with fresh identities.
func copyTeeth(teeth []model.ToothState, chartID uuid.UUID) []*model.ToothState {
	out := make([]*model.ToothState, 0, len(teeth))
	for i := range teeth {
		t := teeth[i].Clone()
		t.ID = uuid.Nil
		t.ChartID = chartID
		for j := range t.Surfaces {
			t.Surfaces[j].ID = uuid.Nil
			t.Surfaces[j].ToothID = uuid.Nil
		}
		out = append(out, t)
	}
	return out
}

func findTooth(teeth []model.ToothState, fdi int) *model.ToothState {
	for i := range teeth {
		if teeth[i].FDI == fdi {
			return &teeth[i]
		}
	}
	return nil
}
