package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/jwalitptl/clinical-api/internal/repository"
	"github.com/jwalitptl/clinical-api/pkg/logger"
)

// purgeFunc deletes rows older than before and reports how many went.
type purgeFunc func(ctx context.Context, before time.Time) (int64, error)

// CleanupWorker periodically purges rows older than a retention window.
type CleanupWorker struct {
	name            string
	purge           purgeFunc
	retention       time.Duration
	cleanupInterval time.Duration
	logger          *logger.Logger
	nowFn           func() time.Time
}

func newCleanupWorker(name string, purge purgeFunc, retention, interval time.Duration, log *logger.Logger) *CleanupWorker {
	if log == nil {
		log = logger.Nop()
	}
	return &CleanupWorker{
		name:            name,
		purge:           purge,
		retention:       retention,
		cleanupInterval: interval,
		logger:          log,
		nowFn:           time.Now,
	}
}

// NewAuditCleanupWorker purges audit entries older than retentionDays.
func NewAuditCleanupWorker(repo repository.AuditRepository, retentionDays int, cleanupInterval time.Duration, log *logger.Logger) *CleanupWorker {
	return newCleanupWorker("audit_logs", repo.Cleanup, time.Duration(retentionDays)*24*time.Hour, cleanupInterval, log)
}

// NewOutboxCleanupWorker purges delivered outbox events. Pending and failed
// events are kept.
func NewOutboxCleanupWorker(repo repository.OutboxRepository, retention, cleanupInterval time.Duration, log *logger.Logger) *CleanupWorker {
	return newCleanupWorker("outbox_events", repo.DeleteProcessedBefore, retention, cleanupInterval, log)
}

func (w *CleanupWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Cleanup(ctx); err != nil {
				// Log error but continue
				w.logger.Error(err, "Cleanup failed", "table", w.name)
			}
		}
	}
}

// Cleanup runs one purge.
func (w *CleanupWorker) Cleanup(ctx context.Context) (int64, error) {
	cutoff := w.nowFn().UTC().Add(-w.retention)

	rows, err := w.purge(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup %s: %w", w.name, err)
	}

	w.logger.Info("Cleaned up expired rows", "table", w.name, "rows", rows, "cutoff", cutoff)
	return rows, nil
}
