package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
)

// LockManager implements named, owner-scoped advisory locks on the locks
// table. At most one live (expires_at > now) row exists per name; stale
// leases are reclaimed atomically by the acquiring upsert.
type LockManager struct{ pool *ManagedPool }

// NewLockManager constructs a LockManager over the managed pool.
func NewLockManager(pool *ManagedPool) *LockManager { return &LockManager{pool: pool} }

// Init ensures the locks table exists.
func (m *LockManager) Init(ctx context.Context) error {
	_, err := m.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS locks (
		name TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("op=locks.init: %w", err)
	}
	return nil
}

// TryAcquire inserts the lock or takes over a stale or same-owner row.
func (m *LockManager) TryAcquire(ctx context.Context, name, owner string, lease time.Duration) (bool, error) {
	q := `INSERT INTO locks (name, owner, expires_at)
		VALUES ($1, $2, now() + $3::interval)
		ON CONFLICT (name) DO UPDATE
		SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
		WHERE locks.expires_at <= now() OR locks.owner = EXCLUDED.owner`
	tag, err := m.pool.Exec(ctx, q, name, owner, lease.String())
	if err != nil {
		return false, fmt.Errorf("op=locks.try_acquire: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Renew extends the lease only while the caller still owns the lock.
func (m *LockManager) Renew(ctx context.Context, name, owner string, lease time.Duration) error {
	q := `UPDATE locks SET expires_at = now() + $3::interval
		WHERE name = $1 AND owner = $2 AND expires_at > now()`
	tag, err := m.pool.Exec(ctx, q, name, owner, lease.String())
	if err != nil {
		return fmt.Errorf("op=locks.renew: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=locks.renew: lease lost: %w", domain.ErrConflict)
	}
	return nil
}

// Release deletes the row only if the owner matches.
func (m *LockManager) Release(ctx context.Context, name, owner string) error {
	_, err := m.pool.Exec(ctx, `DELETE FROM locks WHERE name = $1 AND owner = $2`, name, owner)
	if err != nil {
		return fmt.Errorf("op=locks.release: %w", err)
	}
	return nil
}
