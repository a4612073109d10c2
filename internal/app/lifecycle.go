// Package app wires the processes together: the lifecycle monitor, the ops
// HTTP router and the readiness checks.
package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/config"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/observability"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/usecase"
)

const lifecycleLock = "lifecycle-monitor"

// LifecycleMonitor reclaims stalled RUNNING jobs and re-dispatches FAILED
// jobs whose backoff has elapsed. It runs in every server process but takes
// a distributed lock per tick, so exactly one instance sweeps at a time.
type LifecycleMonitor struct {
	jobs   domain.JobRepository
	jobSvc *usecase.JobService
	locks  domain.LockManager
	policy *config.RetryPolicy

	owner        string
	stallTimeout time.Duration
	interval     time.Duration
}

// NewLifecycleMonitor constructs the monitor.
func NewLifecycleMonitor(
	jobs domain.JobRepository,
	jobSvc *usecase.JobService,
	locks domain.LockManager,
	policy *config.RetryPolicy,
	owner string,
	stallTimeout, interval time.Duration,
) *LifecycleMonitor {
	if stallTimeout <= 0 {
		stallTimeout = 2 * time.Minute
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &LifecycleMonitor{
		jobs:         jobs,
		jobSvc:       jobSvc,
		locks:        locks,
		policy:       policy,
		owner:        owner,
		stallTimeout: stallTimeout,
		interval:     interval,
	}
}

// Run sweeps until ctx is cancelled.
func (m *LifecycleMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("lifecycle monitor stopping")
			return
		case <-ticker.C:
			m.sweepOnce(ctx)
		}
	}
}

func (m *LifecycleMonitor) sweepOnce(ctx context.Context) {
	got, err := m.locks.TryAcquire(ctx, lifecycleLock, m.owner, 2*m.interval)
	if err != nil {
		slog.Warn("lifecycle lock acquire failed", slog.Any("error", err))
		return
	}
	if !got {
		return
	}
	defer func() {
		if rerr := m.locks.Release(context.WithoutCancel(ctx), lifecycleLock, m.owner); rerr != nil {
			slog.Warn("lifecycle lock release failed", slog.Any("error", rerr))
		}
	}()

	tracer := otel.Tracer("jobs.lifecycle")
	ctx, span := tracer.Start(ctx, "LifecycleMonitor.sweepOnce")
	defer span.End()

	reclaimed := m.sweepStalled(ctx)
	retried := m.sweepRetryable(ctx)
	span.SetAttributes(
		attribute.Int("jobs.reclaimed", reclaimed),
		attribute.Int("jobs.redispatched", retried),
	)
}

// sweepStalled returns RUNNING jobs claimed before the stall cutoff to
// DISPATCHED with the attempt unchanged, then re-announces them.
func (m *LifecycleMonitor) sweepStalled(ctx context.Context) int {
	cutoff := time.Now().Add(-m.stallTimeout)
	stalled, err := m.jobs.ListStalled(ctx, cutoff)
	if err != nil {
		slog.Error("stalled job listing failed", slog.Any("error", err))
		return 0
	}
	n := 0
	for _, j := range stalled {
		job, err := m.jobs.Redispatch(ctx, j.ID, j.Attempt)
		if err != nil {
			// Lost the swap: the worker finished or another sweeper won.
			slog.Debug("stall reclaim swap lost", slog.String("job_id", j.ID), slog.Any("error", err))
			continue
		}
		slog.Warn("reclaimed stalled job",
			slog.String("job_id", job.ID),
			slog.String("type", string(job.Type)),
			slog.String("owner_was", j.OwnerID),
			slog.Duration("stalled_for", time.Since(*j.ClaimedAt)))
		observability.JobsReclaimedTotal.Inc()
		if err := m.jobSvc.Redispatch(ctx, job); err != nil {
			slog.Warn("reclaim announce failed", slog.String("job_id", job.ID), slog.Any("error", err))
		}
		n++
	}
	return n
}

// sweepRetryable re-dispatches FAILED jobs within budget once their
// exponential backoff has elapsed.
func (m *LifecycleMonitor) sweepRetryable(ctx context.Context) int {
	retryable, err := m.jobs.ListRetryable(ctx)
	if err != nil {
		slog.Error("retryable job listing failed", slog.Any("error", err))
		return 0
	}
	now := time.Now()
	n := 0
	for _, j := range retryable {
		delay := m.policy.Base().NextDelay(j.Attempt)
		if now.Sub(j.UpdatedAt) < delay {
			continue
		}
		job, err := m.jobs.Redispatch(ctx, j.ID, j.Attempt)
		if err != nil {
			slog.Debug("retry re-dispatch swap lost", slog.String("job_id", j.ID), slog.Any("error", err))
			continue
		}
		slog.Info("re-dispatching failed job",
			slog.String("job_id", job.ID),
			slog.String("type", string(job.Type)),
			slog.Int("attempt", job.Attempt))
		observability.JobsRedispatchedTotal.Inc()
		if err := m.jobSvc.Redispatch(ctx, job); err != nil {
			slog.Warn("retry announce failed", slog.String("job_id", job.ID), slog.Any("error", err))
		}
		n++
	}
	return n
}
