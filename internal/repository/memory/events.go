package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/clinical-api/internal/model"
	"github.com/jwalitptl/clinical-api/internal/repository"
)

type auditRepo struct{ s *Store }

func (r auditRepo) Create(_ context.Context, log *model.AuditLog) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.audit = append(r.s.audit, *log)
	return nil
}

// List supports the same filters as the postgres repository.
func (r auditRepo) List(_ context.Context, filters map[string]interface{}) ([]*model.AuditLog, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	limit, _ := filters["limit"].(int)
	out := []*model.AuditLog{}
	for i := len(r.s.audit) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		entry := r.s.audit[i]
		if !matchAudit(entry, filters) {
			continue
		}
		out = append(out, &entry)
	}
	return out, nil
}

func matchAudit(entry model.AuditLog, filters map[string]interface{}) bool {
	columns := map[string]interface{}{
		"user_id":     entry.UserID,
		"clinic_id":   entry.ClinicID,
		"entity_type": entry.EntityType,
		"entity_id":   entry.EntityID,
		"action":      entry.Action,
	}
	for key, value := range columns {
		if v, ok := filters[key]; ok && v != value {
			return false
		}
	}
	if v, ok := filters["record_id"]; ok && v != entry.EntityID {
		var meta struct {
			RecordID string `json:"record_id"`
		}
		if len(entry.Metadata) == 0 || entry.Metadata.Unmarshal(&meta) != nil || meta.RecordID != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

func (r auditRepo) Cleanup(_ context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	kept := r.s.audit[:0]
	var removed int64
	for _, entry := range r.s.audit {
		if entry.CreatedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	r.s.audit = kept
	return removed, nil
}

type outboxRepo struct{ s *Store }

func (r outboxRepo) Create(_ context.Context, event *model.OutboxEvent) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}
	if event.Payload == nil {
		return fmt.Errorf("event payload cannot be nil")
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := r.s.now()
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	event.Status = model.OutboxStatusPending
	event.CreatedAt = now
	event.UpdatedAt = now
	r.s.outbox = append(r.s.outbox, *event)
	return nil
}

func (r outboxRepo) GetPendingEvents(_ context.Context, limit int) ([]*model.OutboxEvent, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := []*model.OutboxEvent{}
	for i := range r.s.outbox {
		if r.s.outbox[i].Status != model.OutboxStatusPending {
			continue
		}
		evt := r.s.outbox[i]
		out = append(out, &evt)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r outboxRepo) find(id uuid.UUID) (*model.OutboxEvent, error) {
	for i := range r.s.outbox {
		if r.s.outbox[i].ID == id {
			return &r.s.outbox[i], nil
		}
	}
	return nil, fmt.Errorf("outbox event %s: %w", id, repository.ErrNotFound)
}

func (r outboxRepo) UpdateStatus(_ context.Context, id uuid.UUID, status model.OutboxStatus, errMsg *string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	evt, err := r.find(id)
	if err != nil {
		return err
	}
	now := r.s.now()
	evt.Status = status
	evt.ErrorMessage = errMsg
	evt.UpdatedAt = now
	if status == model.OutboxStatusProcessed {
		evt.ProcessedAt = &now
	}
	return nil
}

func (r outboxRepo) IncrementRetry(_ context.Context, id uuid.UUID, errMsg string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	evt, err := r.find(id)
	if err != nil {
		return err
	}
	evt.RetryCount++
	evt.ErrorMessage = &errMsg
	evt.UpdatedAt = r.s.now()
	return nil
}

func (r outboxRepo) DeleteProcessedBefore(_ context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	kept := r.s.outbox[:0]
	var removed int64
	for _, evt := range r.s.outbox {
		if evt.Status == model.OutboxStatusProcessed && evt.ProcessedAt != nil && evt.ProcessedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, evt)
	}
	r.s.outbox = kept
	return removed, nil
}
