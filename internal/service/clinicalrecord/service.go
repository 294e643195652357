// Package clinicalrecord owns the OPEN/CLOSED lifecycle of clinical records.
package clinicalrecord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/clinical-api/internal/model"
	"github.com/jwalitptl/clinical-api/internal/repository"
	"github.com/jwalitptl/clinical-api/internal/service/audit"
	"github.com/jwalitptl/clinical-api/internal/service/event"
	"github.com/jwalitptl/clinical-api/pkg/auth"
	apperrors "github.com/jwalitptl/clinical-api/pkg/errors"
	"github.com/jwalitptl/clinical-api/pkg/logger"
)

type Service struct {
	records repository.ClinicalRecordRepository
	visits  repository.VisitRepository
	events  event.Emitter
	audit   *audit.Service
	logger  *logger.Logger
	nowFn   func() time.Time
}

type Option func(*Service)

func WithLogger(l *logger.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.nowFn = now }
}

func NewService(
	records repository.ClinicalRecordRepository,
	visits repository.VisitRepository,
	events event.Emitter,
	auditor *audit.Service,
	opts ...Option,
) *Service {
	s := &Service{
		records: records,
		visits:  visits,
		events:  events,
		audit:   auditor,
		logger:  logger.Nop(),
		nowFn:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open creates an OPEN record for the visit. Calling it twice creates two
// records; callers that need one record per visit check ListByVisit first.
func (s *Service) Open(ctx context.Context, visitID uuid.UUID) (*model.ClinicalRecord, error) {
	visit, err := s.visits.Get(ctx, visitID)
	if err != nil {
		return nil, mapRepoErr("visit", err)
	}
	actor, err := auth.Authorize(ctx, model.PermissionRecordOpen, visit.ClinicID)
	if err != nil {
		return nil, err
	}

	now := s.nowFn().UTC()
	record := &model.ClinicalRecord{
		Base:      model.Base{ID: uuid.New(), CreatedAt: now, UpdatedAt: now},
		PatientID: visit.PatientID,
		ClinicID:  visit.ClinicID,
		VisitID:   visit.ID,
		State:     model.RecordStateOpen,
		OpenedBy:  actor.ID,
	}
	if err := s.records.Create(ctx, record); err != nil {
		return nil, apperrors.Internal(fmt.Errorf("failed to create clinical record: %w", err))
	}

	s.after(ctx, actor, model.EventRecordOpened, model.AuditActionOpen, record, map[string]interface{}{
		"visit_id": record.VisitID,
		"state":    record.State,
	})
	return record, nil
}

// Close moves the record to CLOSED. A record that is already CLOSED yields a
// StateConflict; close is not idempotent.
func (s *Service) Close(ctx context.Context, recordID uuid.UUID, reason *string) (*model.ClinicalRecord, error) {
	record, err := s.records.Get(ctx, recordID)
	if err != nil {
		return nil, mapRepoErr("clinical record", err)
	}
	actor, err := auth.Authorize(ctx, model.PermissionRecordClose, record.ClinicID)
	if err != nil {
		return nil, err
	}
	if !model.IsEditable(record) {
		return nil, apperrors.StateConflict(apperrors.ConflictRecordClosed, nil)
	}

	closed, err := s.records.Close(ctx, recordID, actor.ID, reason, s.nowFn().UTC())
	if err != nil {
		return nil, mapRepoErr("clinical record", err)
	}

	changes := map[string]interface{}{"state": closed.State}
	if reason != nil {
		changes["reason"] = *reason
	}
	s.after(ctx, actor, model.EventRecordClosed, model.AuditActionClose, closed, changes)
	return closed, nil
}

func (s *Service) Get(ctx context.Context, recordID uuid.UUID) (*model.ClinicalRecord, error) {
	record, err := s.records.Get(ctx, recordID)
	if err != nil {
		return nil, mapRepoErr("clinical record", err)
	}
	if _, err := auth.Authorize(ctx, model.PermissionRecordRead, record.ClinicID); err != nil {
		return nil, err
	}
	return record, nil
}

// History returns the audit trail of a record and its dental charts, newest
// first.
func (s *Service) History(ctx context.Context, recordID uuid.UUID, q model.AuditQuery) ([]*model.AuditLog, error) {
	if _, err := s.Get(ctx, recordID); err != nil {
		return nil, err
	}
	if s.audit == nil {
		return []*model.AuditLog{}, nil
	}
	logs, err := s.audit.List(ctx, q.Filters(recordID))
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return logs, nil
}

// ListByPatient pages through a patient's records, newest first. Records of
// clinics the actor cannot access are left out.
func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, page model.Pagination) ([]*model.ClinicalRecord, error) {
	records, err := s.records.ListByPatient(ctx, patientID, page)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return s.visible(ctx, records)
}

func (s *Service) ListByVisit(ctx context.Context, visitID uuid.UUID) ([]*model.ClinicalRecord, error) {
	records, err := s.records.ListByVisit(ctx, visitID)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return s.visible(ctx, records)
}

func (s *Service) visible(ctx context.Context, records []*model.ClinicalRecord) ([]*model.ClinicalRecord, error) {
	actor, ok := model.ActorFromContext(ctx)
	if !ok {
		return nil, apperrors.Unauthorized(fmt.Errorf("no authenticated actor"))
	}
	if !actor.HasPermission(model.PermissionRecordRead) {
		return nil, apperrors.Permission("read clinical records")
	}
	out := make([]*model.ClinicalRecord, 0, len(records))
	for _, r := range records {
		if actor.CanAccessClinic(r.ClinicID) {
			out = append(out, r)
		}
	}
	return out, nil
}

type recordEvent struct {
	RecordID   uuid.UUID         `json:"record_id"`
	PatientID  uuid.UUID         `json:"patient_id"`
	ClinicID   uuid.UUID         `json:"clinic_id"`
	VisitID    uuid.UUID         `json:"visit_id"`
	State      model.RecordState `json:"state"`
	ActorID    uuid.UUID         `json:"actor_id"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// after emits the event and writes the audit entry of a committed change.
func (s *Service) after(ctx context.Context, actor *model.Actor, eventType, action string, record *model.ClinicalRecord, changes interface{}) {
	log := s.logger.WithContext(ctx)
	payload := recordEvent{
		RecordID:   record.ID,
		PatientID:  record.PatientID,
		ClinicID:   record.ClinicID,
		VisitID:    record.VisitID,
		State:      record.State,
		ActorID:    actor.ID,
		OccurredAt: record.UpdatedAt,
	}
	if err := s.events.Emit(ctx, eventType, record.ID, payload); err != nil {
		log.Warn("failed to emit record event", "event_type", eventType, "record_id", record.ID.String(), "error", err.Error())
	}
	if s.audit == nil {
		return
	}
	if err := s.audit.LogActor(ctx, actor, action, model.AuditEntityClinicalRecord, record.ID, &audit.LogOptions{Changes: changes}); err != nil {
		log.Warn("failed to write audit log", "action", action, "record_id", record.ID.String(), "error", err.Error())
	}
}

func mapRepoErr(resource string, err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return apperrors.NotFound(resource, err)
	case errors.Is(err, repository.ErrRecordClosed):
		return apperrors.StateConflict(apperrors.ConflictRecordClosed, err)
	}
	return apperrors.Internal(err)
}
