package observability

import (
	"context"
	"log/slog"
)

// loggerContextKey is the private context key used to store a *slog.Logger.
type loggerContextKey struct{}

// correlationContextKey stores the originating command/correlation id so
// that workers and deeper layers can tie their logs to the triggering
// command.
type correlationContextKey struct{}

// jobContextKey stores the (jobID, projectID) pair of the in-flight job.
type jobContextKey struct{}

// JobContext identifies the job a goroutine is working on.
type JobContext struct {
	JobID     string
	ProjectID string
}

// ContextWithLogger attaches a non-nil logger to the context.
func ContextWithLogger(ctx context.Context, lg *slog.Logger) context.Context {
	if ctx == nil || lg == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerContextKey{}, lg)
}

// LoggerFromContext returns the logger stored in the context or the default
// slog logger when none is present.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return slog.Default()
	}
	if v := ctx.Value(loggerContextKey{}); v != nil {
		if lg, ok := v.(*slog.Logger); ok && lg != nil {
			return lg
		}
	}
	return slog.Default()
}

// ContextWithCorrelationID stores a non-empty correlation id in the context.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	if ctx == nil || id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationContextKey{}, id)
}

// CorrelationIDFromContext retrieves the correlation id, or "".
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(correlationContextKey{}); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// ContextWithJob attaches the in-flight job identity and a derived logger
// carrying job_id/project_id fields. The logger is returned alongside the
// context so callers can log without a second lookup.
func ContextWithJob(ctx context.Context, jc JobContext) (context.Context, *slog.Logger) {
	if ctx == nil {
		return ctx, slog.Default()
	}
	ctx = context.WithValue(ctx, jobContextKey{}, jc)
	lg := LoggerFromContext(ctx).With(
		slog.String("job_id", jc.JobID),
		slog.String("project_id", jc.ProjectID),
	)
	return ContextWithLogger(ctx, lg), lg
}

// JobFromContext retrieves the in-flight job identity, or a zero value.
func JobFromContext(ctx context.Context) JobContext {
	if ctx == nil {
		return JobContext{}
	}
	if v := ctx.Value(jobContextKey{}); v != nil {
		if jc, ok := v.(JobContext); ok {
			return jc
		}
	}
	return JobContext{}
}
