package model

import (
	"time"

	"github.com/google/uuid"
)

type RecordState string

const (
	RecordStateOpen   RecordState = "OPEN"
	RecordStateClosed RecordState = "CLOSED"
)

// ClinicalRecord is one episode of clinical documentation (historia) for a patient.
// It owns the lineage of dental chart versions and gates their editability.
type ClinicalRecord struct {
	Base
	PatientID     uuid.UUID   `db:"patient_id" json:"patient_id"`
	ClinicID      uuid.UUID   `db:"clinic_id" json:"clinic_id"`
	VisitID       uuid.UUID   `db:"visit_id" json:"visit_id"`
	State         RecordState `db:"state" json:"state"`
	OpenedBy      uuid.UUID   `db:"opened_by" json:"opened_by"`
	ClosureReason *string     `db:"closure_reason" json:"closure_reason,omitempty"`
	ClosedAt      *time.Time  `db:"closed_at" json:"closed_at,omitempty"`
	ClosedBy      *uuid.UUID  `db:"closed_by" json:"closed_by,omitempty"`
}

// IsEditable reports whether the record still accepts chart mutations.
// CLOSED is terminal, so once this returns false it never returns true again.
func IsEditable(record *ClinicalRecord) bool {
	return record != nil && record.State == RecordStateOpen
}

type OpenRecordRequest struct {
	VisitID string `json:"visit_id" binding:"required,uuid"`
}

type CloseRecordRequest struct {
	Reason *string `json:"reason" binding:"omitempty,max=1000"`
}
