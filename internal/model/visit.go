package model

import (
	"time"

	"github.com/google/uuid"
)

// Visit is the read-only projection of an appointment that a clinical record is
// opened from. Scheduling owns the row; this service only reads it.
type Visit struct {
	ID          uuid.UUID `db:"id" json:"id"`
	ClinicID    uuid.UUID `db:"clinic_id" json:"clinic_id"`
	ClinicianID uuid.UUID `db:"clinician_id" json:"clinician_id"`
	PatientID   uuid.UUID `db:"patient_id" json:"patient_id"`
	StartTime   time.Time `db:"start_time" json:"start_time"`
	Status      string    `db:"status" json:"status"`
}
