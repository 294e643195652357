package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"

	"github.com/jwalitptl/clinical-api/internal/model"
	"github.com/jwalitptl/clinical-api/internal/repository"
)

type Service struct {
	repo  repository.AuditRepository
	nowFn func() time.Time
}

func NewService(repo repository.AuditRepository) *Service {
	return &Service{repo: repo, nowFn: time.Now}
}

type LogOptions struct {
	Changes   interface{}
	Metadata  interface{}
	IPAddress string
	UserAgent string
}

type clientKey struct{}

type clientInfo struct {
	ip, userAgent string
}

// ContextWithClient stores the caller's address and user agent for audit entries
// written further down the call chain.
func ContextWithClient(ctx context.Context, ip, userAgent string) context.Context {
	return context.WithValue(ctx, clientKey{}, clientInfo{ip: ip, userAgent: userAgent})
}

// Log creates an audit log entry
func (s *Service) Log(ctx context.Context, userID, clinicID uuid.UUID, action, entityType string, entityID uuid.UUID, opts *LogOptions) error {
	if opts == nil {
		opts = &LogOptions{}
	}

	var changes, metadata types.JSONText
	var err error
	if opts.Changes != nil {
		if changes, err = json.Marshal(opts.Changes); err != nil {
			return fmt.Errorf("failed to marshal audit changes: %w", err)
		}
	}
	if opts.Metadata != nil {
		if metadata, err = json.Marshal(opts.Metadata); err != nil {
			return fmt.Errorf("failed to marshal audit metadata: %w", err)
		}
	}

	// Get IP and User Agent from the request if not provided in opts
	ipAddress, userAgent := opts.IPAddress, opts.UserAgent
	if ipAddress == "" {
		if gc, ok := ctx.(*gin.Context); ok {
			ipAddress = gc.ClientIP()
			userAgent = gc.GetHeader("User-Agent")
		} else if info, ok := ctx.Value(clientKey{}).(clientInfo); ok {
			ipAddress, userAgent = info.ip, info.userAgent
		}
	}

	log := &model.AuditLog{
		ID:         uuid.New(),
		UserID:     userID,
		ClinicID:   clinicID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Changes:    changes,
		Metadata:   metadata,
		IPAddress:  ipAddress,
		UserAgent:  userAgent,
		CreatedAt:  s.nowFn().UTC(),
	}

	if err := s.repo.Create(ctx, log); err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

// LogActor is Log for the authenticated caller.
func (s *Service) LogActor(ctx context.Context, actor *model.Actor, action, entityType string, entityID uuid.UUID, opts *LogOptions) error {
	if actor == nil {
		return fmt.Errorf("audit %s on %s: no actor", action, entityType)
	}
	return s.Log(ctx, actor.ID, actor.ClinicID, action, entityType, entityID, opts)
}

func (s *Service) List(ctx context.Context, filters map[string]interface{}) ([]*model.AuditLog, error) {
	return s.repo.List(ctx, filters)
}

func (s *Service) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	return s.repo.Cleanup(ctx, before)
}
