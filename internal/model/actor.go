package model

import (
	"context"

	"github.com/google/uuid"
)

const (
	PermissionRecordRead  = "clinical_record:read"
	PermissionRecordOpen  = "clinical_record:open"
	PermissionRecordClose = "clinical_record:close"
	PermissionChartRead   = "dental_chart:read"
	PermissionChartEdit   = "dental_chart:edit"

	// PermissionAnyClinic lifts the clinic scope. It is never implied by "*".
	PermissionAnyClinic = "clinic:*"
)

// Actor is the authenticated caller, stamped on closures and audit entries.
type Actor struct {
	ID          uuid.UUID `json:"id"`
	ClinicID    uuid.UUID `json:"clinic_id"`
	Email       string    `json:"email,omitempty"`
	Permissions []string  `json:"permissions"`
}

func (a *Actor) HasPermission(permission string) bool {
	if a == nil {
		return false
	}
	for _, p := range a.Permissions {
		if p == permission || p == "*" {
			return true
		}
	}
	return false
}

// CanAccessClinic reports whether the actor may act on data owned by clinicID.
// Access to other clinics needs an explicit PermissionAnyClinic grant; an actor
// without a clinic scope reaches nothing else.
func (a *Actor) CanAccessClinic(clinicID uuid.UUID) bool {
	if a == nil {
		return false
	}
	for _, p := range a.Permissions {
		if p == PermissionAnyClinic {
			return true
		}
	}
	return a.ClinicID != uuid.Nil && a.ClinicID == clinicID
}

type actorKey struct{}

func ContextWithActor(ctx context.Context, actor *Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func ActorFromContext(ctx context.Context) (*Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(*Actor)
	return actor, ok && actor != nil
}
