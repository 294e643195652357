package model

import (
	"fmt"
	"strings"
)

type PatchKind string

const (
	PatchPresence  PatchKind = "presence"
	PatchCondition PatchKind = "condition"
	PatchSurface   PatchKind = "surface"
)

// PatchOp is one change to a tooth. The set is closed: only the three types below
// implement it, and appliers switch over them exhaustively.
type PatchOp interface {
	Kind() PatchKind
	validate() error
}

// PresenceChange marks a tooth present or absent.
type PresenceChange struct {
	Present bool `json:"present"`
}

// ConditionChange sets the clinical condition code of a tooth.
type ConditionChange struct {
	Condition ConditionCode `json:"condition"`
}

// SurfaceUpsert records a finding on one surface, replacing the latest finding for
// that surface if there is one.
type SurfaceUpsert struct {
	Surface SurfaceCode `json:"surface"`
	Finding FindingCode `json:"finding"`
}

func (PresenceChange) Kind() PatchKind  { return PatchPresence }
func (ConditionChange) Kind() PatchKind { return PatchCondition }
func (SurfaceUpsert) Kind() PatchKind   { return PatchSurface }

func (PresenceChange) validate() error { return nil }

func (c ConditionChange) validate() error {
	if !c.Condition.Valid() {
		return fmt.Errorf("unknown condition code %q", c.Condition)
	}
	return nil
}

func (s SurfaceUpsert) validate() error {
	if !s.Surface.Valid() {
		return fmt.Errorf("unknown surface code %q", s.Surface)
	}
	if !s.Finding.Valid() {
		return fmt.Errorf("unknown finding code %q", s.Finding)
	}
	return nil
}

// ToothPatch is the set of changes applied to one tooth in one call.
type ToothPatch struct {
	FDI int
	Ops []PatchOp
}

// Validate checks the tooth number, each op, and that no kind appears twice.
func (p ToothPatch) Validate() error {
	if err := ValidateFDI(p.FDI); err != nil {
		return err
	}
	if len(p.Ops) == 0 {
		return fmt.Errorf("patch for tooth %d has no changes", p.FDI)
	}
	seen := make(map[PatchKind]bool, len(p.Ops))
	for _, op := range p.Ops {
		if op == nil {
			return fmt.Errorf("patch for tooth %d contains an empty change", p.FDI)
		}
		if seen[op.Kind()] {
			return fmt.Errorf("patch for tooth %d sets %s more than once", p.FDI, op.Kind())
		}
		seen[op.Kind()] = true
		if err := op.validate(); err != nil {
			return err
		}
	}
	return nil
}

// Presence returns the presence change carried by the patch, if any.
func (p ToothPatch) Presence() (PresenceChange, bool) {
	for _, op := range p.Ops {
		if pc, ok := op.(PresenceChange); ok {
			return pc, true
		}
	}
	return PresenceChange{}, false
}

// NewToothPatch converts the loosely typed request body into explicit ops.
func NewToothPatch(fdi int, req ToothPatchRequest) ToothPatch {
	patch := ToothPatch{FDI: fdi}
	if req.Present != nil {
		patch.Ops = append(patch.Ops, PresenceChange{Present: *req.Present})
	}
	if req.Condition != nil {
		patch.Ops = append(patch.Ops, ConditionChange{
			Condition: ConditionCode(strings.ToUpper(*req.Condition)),
		})
	}
	if req.Surface != nil {
		patch.Ops = append(patch.Ops, SurfaceUpsert{
			Surface: SurfaceCode(strings.ToUpper(req.Surface.Surface)),
			Finding: FindingCode(strings.ToUpper(req.Surface.Finding)),
		})
	}
	return patch
}
