// Package usecase contains the application services: the job control plane
// and the project state service. Services depend on domain ports only.
package usecase

import (
	"context"
	"errors"
	"log/slog"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/config"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
)

// JobService is the job control plane: idempotent creation, dispatch and the
// dispatch announcement on the bus.
type JobService struct {
	jobs   domain.JobRepository
	bus    domain.EventPublisher
	policy *config.RetryPolicy
}

// NewJobService constructs a JobService.
func NewJobService(jobs domain.JobRepository, bus domain.EventPublisher, policy *config.RetryPolicy) *JobService {
	return &JobService{jobs: jobs, bus: bus, policy: policy}
}

// CreateAndDispatch creates the job idempotently and moves it to DISPATCHED.
// A replay against an existing row returns that row unchanged; a row still
// sitting in CREATED after a crash is re-dispatched here. The JOB_DISPATCHED
// event is published after the durable transition, so a duplicate event is
// possible but a silent drop is not.
func (s *JobService) CreateAndDispatch(ctx context.Context, spec domain.NewJobSpec) (domain.Job, bool, error) {
	if spec.MaxRetries == 0 {
		spec.MaxRetries = s.policy.MaxRetriesFor(spec.Type)
	}
	job, created, err := s.jobs.CreateJob(ctx, spec)
	if err != nil {
		return domain.Job{}, false, err
	}
	if !created && job.State != domain.JobCreated {
		slog.Debug("job create replayed against existing row",
			slog.String("job_id", job.ID),
			slog.String("state", string(job.State)))
		return job, false, nil
	}

	dispatched, err := s.jobs.MarkDispatched(ctx, job.ID)
	if err != nil {
		// A concurrent dispatcher won the swap; the row is already moving.
		if errors.Is(err, domain.ErrStaleWrite) {
			cur, gerr := s.jobs.GetJob(ctx, job.ID)
			if gerr != nil {
				return domain.Job{}, false, gerr
			}
			return cur, created, nil
		}
		return domain.Job{}, false, err
	}

	if err := s.bus.PublishJobEvent(ctx, domain.JobEvent{
		Type:      domain.EventJobDispatched,
		JobID:     dispatched.ID,
		ProjectID: dispatched.ProjectID,
		JobType:   dispatched.Type,
		Attempt:   dispatched.Attempt,
	}); err != nil {
		// The lifecycle monitor re-announces DISPATCHED rows, so a lost
		// publish only delays pickup.
		slog.Warn("dispatch event publish failed",
			slog.String("job_id", dispatched.ID),
			slog.Any("error", err))
	}
	return dispatched, created, nil
}

// Redispatch re-announces an already DISPATCHED job on the bus.
func (s *JobService) Redispatch(ctx context.Context, job domain.Job) error {
	return s.bus.PublishJobEvent(ctx, domain.JobEvent{
		Type:      domain.EventJobDispatched,
		JobID:     job.ID,
		ProjectID: job.ProjectID,
		JobType:   job.Type,
		Attempt:   job.Attempt,
	})
}

// GetJob loads one job.
func (s *JobService) GetJob(ctx context.Context, id string) (domain.Job, error) {
	return s.jobs.GetJob(ctx, id)
}

// ProjectJobs lists all jobs of a project.
func (s *JobService) ProjectJobs(ctx context.Context, projectID string) ([]domain.Job, error) {
	return s.jobs.GetProjectJobs(ctx, projectID)
}
