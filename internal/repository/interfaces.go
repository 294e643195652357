package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/clinical-api/internal/model"
)

var (
	// ErrNotFound is returned when the referenced row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrRecordClosed is returned by a conditional close that found the record already CLOSED.
	ErrRecordClosed = errors.New("record already closed")
	// ErrDraftExists is returned when inserting a second live draft for a record.
	ErrDraftExists = errors.New("draft already exists")
)

// All repository interfaces in one file
type (
	ClinicalRecordRepository interface {
		Create(ctx context.Context, record *model.ClinicalRecord) error
		Get(ctx context.Context, id uuid.UUID) (*model.ClinicalRecord, error)
		ListByPatient(ctx context.Context, patientID uuid.UUID, page model.Pagination) ([]*model.ClinicalRecord, error)
		ListByVisit(ctx context.Context, visitID uuid.UUID) ([]*model.ClinicalRecord, error)
		// Close moves an OPEN record to CLOSED in a single conditional write. It
		// returns ErrRecordClosed when the record was not OPEN.
		Close(ctx context.Context, id, closedBy uuid.UUID, reason *string, at time.Time) (*model.ClinicalRecord, error)
	}

	// VisitRepository reads the appointments owned by scheduling.
	VisitRepository interface {
		Get(ctx context.Context, id uuid.UUID) (*model.Visit, error)
	}

	// ChartRepository serves reads outside a transaction. Every write goes through
	// WithTx so it commits together with the record-state check.
	ChartRepository interface {
		GetChart(ctx context.Context, id uuid.UUID) (*model.DentalChart, error)
		// LatestConsolidated and CurrentDraft return nil, nil when there is none.
		LatestConsolidated(ctx context.Context, recordID uuid.UUID) (*model.DentalChart, error)
		CurrentDraft(ctx context.Context, recordID uuid.UUID) (*model.DentalChart, error)
		ListVersions(ctx context.Context, recordID uuid.UUID) ([]*model.DentalChart, error)
		ListTeeth(ctx context.Context, chartID uuid.UUID) ([]model.ToothState, error)
		WithTx(ctx context.Context, fn func(tx ChartTx) error) error
	}

	// ChartTx is the unit of work for chart mutations. LockRecord must be called
	// before LockChart.
	ChartTx interface {
		LockRecord(ctx context.Context, recordID uuid.UUID) (*model.ClinicalRecord, error)
		LockChart(ctx context.Context, chartID uuid.UUID) (*model.DentalChart, error)
		LatestConsolidated(ctx context.Context, recordID uuid.UUID) (*model.DentalChart, error)
		CurrentDraft(ctx context.Context, recordID uuid.UUID) (*model.DentalChart, error)
		InsertChart(ctx context.Context, chart *model.DentalChart) error
		UpdateChart(ctx context.Context, chart *model.DentalChart) error
		ListTeeth(ctx context.Context, chartID uuid.UUID) ([]model.ToothState, error)
		// SaveTooth upserts the tooth row and its surface findings.
		SaveTooth(ctx context.Context, tooth *model.ToothState) error
	}

	AuditRepository interface {
		Create(ctx context.Context, log *model.AuditLog) error
		List(ctx context.Context, filters map[string]interface{}) ([]*model.AuditLog, error)
		Cleanup(ctx context.Context, before time.Time) (int64, error)
	}

	OutboxRepository interface {
		Create(ctx context.Context, event *model.OutboxEvent) error
		GetPendingEvents(ctx context.Context, limit int) ([]*model.OutboxEvent, error)
		UpdateStatus(ctx context.Context, id uuid.UUID, status model.OutboxStatus, errMsg *string) error
		IncrementRetry(ctx context.Context, id uuid.UUID, errMsg string) error
		DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error)
	}

	// Pinger is implemented by stores that can report readiness.
	Pinger interface {
		Ping(ctx context.Context) error
	}
)
