package auth

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jwalitptl/clinical-api/internal/model"
	apperrors "github.com/jwalitptl/clinical-api/pkg/errors"
)

var actions = map[string]string{
	model.PermissionRecordRead:  "read clinical records",
	model.PermissionRecordOpen:  "open clinical records",
	model.PermissionRecordClose: "close clinical records",
	model.PermissionChartRead:   "read dental charts",
	model.PermissionChartEdit:   "edit dental charts",
}

// Authorize returns the request's actor if it holds permission and may act on
// data of clinicID.
func Authorize(ctx context.Context, permission string, clinicID uuid.UUID) (*model.Actor, error) {
	actor, ok := model.ActorFromContext(ctx)
	if !ok {
		return nil, apperrors.Unauthorized(fmt.Errorf("no authenticated actor"))
	}
	action, known := actions[permission]
	if !known {
		action = permission
	}
	if !actor.HasPermission(permission) {
		return nil, apperrors.Permission(action)
	}
	if !actor.CanAccessClinic(clinicID) {
		return nil, apperrors.Permission(action + " of another clinic")
	}
	return actor, nil
}
