package postgres

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/jwalitptl/clinical-api/internal/model"
	"github.com/jwalitptl/clinical-api/internal/repository"
)

type auditRepository struct {
	BaseRepository
}

func NewAuditRepository(base BaseRepository) repository.AuditRepository {
	return &auditRepository{base}
}

func (r *auditRepository) Create(ctx context.Context, log *model.AuditLog) error {
	query := `
        INSERT INTO audit_logs (
            id, user_id, clinic_id, action, entity_type, entity_id,
            changes, metadata, ip_address, user_agent, created_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
    `

	_, err := r.GetDB().ExecContext(ctx, query,
		log.ID,
		log.UserID,
		log.ClinicID,
		log.Action,
		log.EntityType,
		log.EntityID,
		nullJSON(log.Changes),
		nullJSON(log.Metadata),
		log.IPAddress,
		log.UserAgent,
		log.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	return nil
}

// auditFilterColumns are the column filters List accepts. It also takes
// record_id and limit; other keys are ignored.
var auditFilterColumns = []string{"user_id", "clinic_id", "entity_type", "entity_id", "action"}

func (r *auditRepository) List(ctx context.Context, filters map[string]interface{}) ([]*model.AuditLog, error) {
	builder := psql.
		Select("id", "user_id", "clinic_id", "action", "entity_type", "entity_id",
			"changes", "metadata", "ip_address", "user_agent", "created_at").
		From("audit_logs").
		OrderBy("created_at DESC")

	for _, column := range auditFilterColumns {
		if v, ok := filters[column]; ok {
			builder = builder.Where(sq.Eq{column: v})
		}
	}
	if v, ok := filters["record_id"]; ok {
		// Chart entries name their record in metadata.
		builder = builder.Where(sq.Or{
			sq.Eq{"entity_id": v},
			sq.Expr("metadata->>'record_id' = ?", fmt.Sprint(v)),
		})
	}
	if v, ok := filters["limit"].(int); ok && v > 0 {
		builder = builder.Limit(uint64(v))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build audit query: %w", err)
	}

	logs := []*model.AuditLog{}
	if err := r.GetDB().SelectContext(ctx, &logs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}

	return logs, nil
}

func (r *auditRepository) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	query := `
        DELETE FROM audit_logs
        WHERE created_at < $1
    `

	result, err := r.GetDB().ExecContext(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup audit logs: %w", err)
	}

	return result.RowsAffected()
}

// nullJSON stores empty payloads as NULL instead of an invalid empty jsonb.
func nullJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
