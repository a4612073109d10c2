package observability

import (
	"log/slog"
	"sync"
	"time"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState int

const (
	// StateClosed indicates the circuit is closed and operations are allowed.
	StateClosed CircuitBreakerState = iota
	// StateOpen indicates the circuit is open and operations are blocked for a timeout period.
	StateOpen
	// StateHalfOpen indicates a trial state where limited operations are allowed to test recovery.
	StateHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker trips after a run of consecutive connection-class errors.
// While open, callers are refused outright; after the reset timeout a single
// probe is allowed and one success closes the circuit again.
type CircuitBreaker struct {
	mu sync.Mutex

	errorThreshold int
	resetTimeout   time.Duration

	state           CircuitBreakerState
	consecutiveErrs int
	lastFailureTime time.Time

	totalRefusals int64
	stateChanges  int64
}

// NewCircuitBreaker creates a breaker with the given consecutive-error
// threshold and open-state reset timeout.
func NewCircuitBreaker(errorThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	if errorThreshold <= 0 {
		errorThreshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		errorThreshold: errorThreshold,
		resetTimeout:   resetTimeout,
		state:          StateClosed,
	}
}

// CanExecute reports whether an operation may proceed, moving the breaker to
// half-open when the reset timeout has elapsed.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(cb.lastFailureTime) >= cb.resetTimeout {
			cb.setState(StateHalfOpen)
			slog.Info("circuit breaker transitioning to half-open",
				slog.Duration("reset_timeout", cb.resetTimeout),
				slog.Time("last_failure", cb.lastFailureTime))
			return true
		}
		cb.totalRefusals++
		return false
	default:
		return false
	}
}

// RecordSuccess resets the error run; in half-open it closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveErrs = 0
	if cb.state != StateClosed {
		cb.setState(StateClosed)
		slog.Info("circuit breaker closed after successful probe")
	}
}

// RecordFailure counts a connection-class error; the run tripping the
// threshold (or any failure while half-open) opens the circuit.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveErrs++
	cb.lastFailureTime = time.Now()

	if cb.state == StateHalfOpen || (cb.state == StateClosed && cb.consecutiveErrs >= cb.errorThreshold) {
		cb.setState(StateOpen)
		slog.Warn("circuit breaker opened",
			slog.Int("consecutive_errors", cb.consecutiveErrs),
			slog.Int("error_threshold", cb.errorThreshold))
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) setState(s CircuitBreakerState) {
	if cb.state == s {
		return
	}
	cb.state = s
	cb.stateChanges++
	BreakerState.Set(float64(s))
}
