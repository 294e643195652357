package model

import (
	"time"

	"github.com/google/uuid"
)

// BaselineFromLast seeds a new draft with the latest consolidated chart.
const BaselineFromLast = "from_last"

// DentalChart is one version of a record's odontogram. A draft is mutable; once
// consolidated the row and its teeth are never written again.
type DentalChart struct {
	Base
	RecordID       uuid.UUID  `db:"record_id" json:"record_id"`
	Draft          bool       `db:"draft" json:"draft"`
	Version        int        `db:"version" json:"version"`
	BaseVersion    int        `db:"base_version" json:"base_version"`
	Token          string     `db:"version_token" json:"version_token,omitempty"`
	CreatedBy      uuid.UUID  `db:"created_by" json:"created_by"`
	ConsolidatedAt *time.Time `db:"consolidated_at" json:"consolidated_at,omitempty"`
	DiscardedAt    *time.Time `db:"discarded_at" json:"-"`
}

// Ref returns the capability a caller needs to mutate the chart.
func (c *DentalChart) Ref() DraftRef {
	return DraftRef{ChartID: c.ID, Token: c.Token}
}

// Live reports whether the chart is part of the visible lineage.
func (c *DentalChart) Live() bool {
	return c.DiscardedAt == nil
}

// DraftRef is the last-seen (chart, token) pair held by an editing session.
type DraftRef struct {
	ChartID uuid.UUID `json:"chart_id"`
	Token   string    `json:"version_token"`
}

func (r DraftRef) IsZero() bool {
	return r.ChartID == uuid.Nil
}

// ToothState (pieza) holds presence and condition of one tooth inside one chart.
type ToothState struct {
	ID        uuid.UUID        `db:"id" json:"id"`
	ChartID   uuid.UUID        `db:"chart_id" json:"chart_id"`
	FDI       int              `db:"fdi" json:"fdi"`
	Present   bool             `db:"present" json:"present"`
	Condition ConditionCode    `db:"condition" json:"condition"`
	UpdatedAt time.Time        `db:"updated_at" json:"updated_at"`
	Surfaces  []SurfaceFinding `db:"-" json:"surfaces"`
}

// ActiveSurfaces returns the findings that are clinically meaningful. Findings of an
// absent tooth are retained for history but not active.
func (t *ToothState) ActiveSurfaces() []SurfaceFinding {
	if !t.Present {
		return nil
	}
	return t.Surfaces
}

// Clone deep-copies the tooth so the copy can be re-parented to another chart.
func (t *ToothState) Clone() *ToothState {
	c := *t
	c.Surfaces = make([]SurfaceFinding, len(t.Surfaces))
	copy(c.Surfaces, t.Surfaces)
	return &c
}

// SurfaceFinding (superficie) is one observation on one surface of a tooth.
type SurfaceFinding struct {
	ID         uuid.UUID   `db:"id" json:"id"`
	ToothID    uuid.UUID   `db:"tooth_id" json:"tooth_id"`
	Surface    SurfaceCode `db:"surface" json:"surface"`
	Finding    FindingCode `db:"finding" json:"finding"`
	RecordedAt time.Time   `db:"recorded_at" json:"recorded_at"`
}

// ChartView is a chart plus its full tooth contents. A nil Chart means the record
// has no chart yet, which is not an error.
type ChartView struct {
	Chart *DentalChart `json:"chart"`
	Teeth []ToothState `json:"teeth"`
}

func (v *ChartView) Empty() bool {
	return v == nil || v.Chart == nil
}

// Tooth returns the state of one tooth in the view, if recorded.
func (v *ChartView) Tooth(fdi int) (ToothState, bool) {
	if v == nil {
		return ToothState{}, false
	}
	for _, t := range v.Teeth {
		if t.FDI == fdi {
			return t, true
		}
	}
	return ToothState{}, false
}

type OpenDraftRequest struct {
	Baseline string `json:"baseline" binding:"omitempty,oneof=from_last"`
}

type TokenRequest struct {
	Token string `json:"version_token"`
}

type SurfacePatchRequest struct {
	Surface string `json:"surface" binding:"required,surface"`
	Finding string `json:"finding" binding:"required,finding"`
}

type ToothPatchRequest struct {
	Present   *bool                `json:"present"`
	Condition *string              `json:"condition" binding:"omitempty,condition"`
	Surface   *SurfacePatchRequest `json:"surface"`
}
