package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
)

type AuditLog struct {
	ID         uuid.UUID       `json:"id" db:"id"`
	UserID     uuid.UUID       `json:"user_id" db:"user_id"`
	ClinicID   uuid.UUID       `json:"clinic_id" db:"clinic_id"`
	Action     string          `json:"action" db:"action"`
	EntityType string          `json:"entity_type" db:"entity_type"`
	EntityID   uuid.UUID       `json:"entity_id" db:"entity_id"`
	// Changes and Metadata are nullable columns; NULL scans as empty.
	Changes    types.JSONText `json:"changes" db:"changes"`
	Metadata   types.JSONText `json:"metadata" db:"metadata"`
	IPAddress  string          `json:"ip_address" db:"ip_address"`
	UserAgent  string          `json:"user_agent" db:"user_agent"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

const (
	// Action types
	AuditActionOpen        = "open"
	AuditActionClose       = "close"
	AuditActionOpenDraft   = "open_draft"
	AuditActionConsolidate = "consolidate"
	AuditActionDiscard     = "discard"

	// Entity types
	AuditEntityClinicalRecord = "clinical_record"
	AuditEntityDentalChart    = "dental_chart"
)

// DefaultAuditLimit caps a trail listing when the caller gives no limit.
const DefaultAuditLimit = 100

// AuditQuery narrows a record's audit trail.
type AuditQuery struct {
	Action string `form:"action" binding:"omitempty,oneof=open close open_draft consolidate discard"`
	Limit  int    `form:"limit" binding:"omitempty,min=1,max=500"`
}

// Filters renders q as AuditRepository.List filters for recordID. The
// record_id filter matches the record's own entries and those of its charts.
func (q AuditQuery) Filters(recordID uuid.UUID) map[string]interface{} {
	filters := map[string]interface{}{
		"record_id": recordID,
		"limit":     DefaultAuditLimit,
	}
	if q.Action != "" {
		filters["action"] = q.Action
	}
	if q.Limit > 0 {
		filters["limit"] = q.Limit
	}
	return filters
}
