package app

import (
	"context"
	"fmt"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/observability"
)

// Pinger is the minimal probe interface shared by the pool and the bus.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BreakerStater reports the database breaker state for readiness.
type BreakerStater interface {
	State() observability.CircuitBreakerState
}

// ReadinessCheck aggregates dependency probes into one pass/fail.
type ReadinessCheck func(ctx context.Context) error

// BuildReadinessCheck probes the database, the breaker and the event bus.
// An open breaker fails readiness immediately without touching the pool.
func BuildReadinessCheck(db Pinger, breaker BreakerStater, bus Pinger) ReadinessCheck {
	return func(ctx context.Context) error {
		if breaker != nil && breaker.State() == observability.StateOpen {
			return fmt.Errorf("database breaker open")
		}
		if db == nil {
			return fmt.Errorf("db not configured")
		}
		if err := db.Ping(ctx); err != nil {
			return fmt.Errorf("db: %w", err)
		}
		if bus == nil {
			return fmt.Errorf("event bus not configured")
		}
		if err := bus.Ping(ctx); err != nil {
			return fmt.Errorf("event bus: %w", err)
		}
		return nil
	}
}
