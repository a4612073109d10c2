package domain

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryConfig defines re-dispatch behavior for failed jobs.
type RetryConfig struct {
	// MaxRetries caps re-dispatches; attempts beyond it go FATAL.
	MaxRetries int
	// InitialDelay is the delay before the first re-dispatch.
	InitialDelay time.Duration
	// MaxDelay bounds the exponential growth.
	MaxDelay time.Duration
	// Multiplier is the exponential backoff multiplier.
	Multiplier float64
	// Jitter adds randomness to prevent thundering herd.
	Jitter bool
}

// DefaultRetryConfig returns a sensible default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// NextDelay computes the backoff before re-dispatching attempt n (1-based).
func (c RetryConfig) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt-1))
	if d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	if c.Jitter {
		// +/- 25% jitter
		d = d * (0.75 + rand.Float64()*0.5) //nolint:gosec // jitter, not security
	}
	return time.Duration(d)
}

// FailureKind classifies an error for retry accounting.
type FailureKind string

const (
	FailureTransient FailureKind = "transient"
	FailureRateLimit FailureKind = "rate_limit"
	FailureSafety    FailureKind = "safety"
	FailureFatal     FailureKind = "fatal"
	FailureCancelled FailureKind = "cancelled"
)

// ClassifyFailure maps an agent or infrastructure error to a failure kind.
// Sentinel matches win; unknown errors default to transient so a flaky
// dependency never strands a job as FATAL.
func ClassifyFailure(err error) FailureKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return FailureCancelled
	case errors.Is(err, ErrContentFilter):
		return FailureSafety
	case errors.Is(err, ErrRateLimited):
		return FailureRateLimit
	case errors.Is(err, ErrSchemaInvalid), errors.Is(err, ErrInvalidArgument):
		return FailureFatal
	case errors.Is(err, ErrTransientDB), errors.Is(err, ErrBreakerOpen), errors.Is(err, context.DeadlineExceeded):
		return FailureTransient
	default:
		return FailureTransient
	}
}
