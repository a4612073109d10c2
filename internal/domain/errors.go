package domain

import "errors"

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	// ErrStaleWrite signals a compare-and-swap that lost the race; callers
	// re-read and decide, it is not a failure of the store.
	ErrStaleWrite = errors.New("stale write")
	// ErrTransientDB covers connection and timeout class database errors.
	ErrTransientDB = errors.New("transient database error")
	// ErrBreakerOpen is returned while the pool circuit breaker refuses
	// acquisitions.
	ErrBreakerOpen = errors.New("circuit breaker open")
	// ErrRateLimited marks vendor-signaled throttling on an agent call.
	ErrRateLimited = errors.New("rate limited")
	// ErrContentFilter marks a safety/policy rejection on an agent call.
	ErrContentFilter = errors.New("content filter rejection")
	// ErrSchemaInvalid marks malformed agent output.
	ErrSchemaInvalid = errors.New("schema invalid")
	ErrCancelled     = errors.New("cancelled")
	ErrInternal      = errors.New("internal error")
)
