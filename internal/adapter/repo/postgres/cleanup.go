package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
)

// CleanupService deletes terminal jobs past the retention window. It runs on
// a ticker under the distributed lock so only one process sweeps at a time.
type CleanupService struct {
	pool     *ManagedPool
	locks    domain.LockManager
	owner    string
	interval time.Duration
	maxAge   time.Duration
}

// NewCleanupService constructs a CleanupService.
func NewCleanupService(pool *ManagedPool, locks domain.LockManager, owner string, interval, maxAge time.Duration) *CleanupService {
	return &CleanupService{pool: pool, locks: locks, owner: owner, interval: interval, maxAge: maxAge}
}

const cleanupLock = "jobs-retention-sweep"

// Start runs the sweep loop until ctx is cancelled.
func (s *CleanupService) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.sweep(ctx); err != nil {
				slog.Warn("retention sweep failed", slog.Any("error", err))
			}
		}
	}
}

func (s *CleanupService) sweep(ctx context.Context) error {
	got, err := s.locks.TryAcquire(ctx, cleanupLock, s.owner, s.interval)
	if err != nil {
		return err
	}
	if !got {
		return nil
	}
	defer func() { _ = s.locks.Release(ctx, cleanupLock, s.owner) }()

	n, err := s.DeleteExpired(ctx, time.Now().Add(-s.maxAge))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("retention sweep removed terminal jobs", slog.Int64("deleted", n))
	}
	return nil
}

// DeleteExpired removes COMPLETED and CANCELLED jobs last updated before the
// cutoff. FATAL rows are kept for operator intervention.
func (s *CleanupService) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	q := `DELETE FROM jobs WHERE state IN ($1, $2) AND updated_at < $3`
	tag, err := s.pool.Exec(ctx, q, domain.JobCompleted, domain.JobCancelled, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=jobs.cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}
