// Package worker implements the dispatch loop: claim a dispatched job, run
// the agent for its type, record the result in the ledger and the job row,
// and announce the outcome on the bus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/assets"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/observability"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/usecase"
)

// Config bounds one worker's execution.
type Config struct {
	// OwnerID is the process-stable worker identity recorded on claims.
	OwnerID string
	// ProjectClaimCap caps concurrent RUNNING jobs per project.
	ProjectClaimCap int
	// SafetyRetries bounds in-worker sanitize-and-retry on content filters.
	SafetyRetries int
	// AgentTimeout is the wall clock for non-video agent calls.
	AgentTimeout time.Duration
	// VideoTimeout is the wall clock for video generation and render calls.
	VideoTimeout time.Duration
}

// Worker consumes JOB_DISPATCHED events. One handler invocation processes at
// most one job; the bus consumer provides the loop.
type Worker struct {
	cfg      Config
	jobs     domain.JobRepository
	projects domain.ProjectRepository
	agents   domain.AgentRouter
	ledger   *assets.Ledger
	bus      domain.EventPublisher
	projSvc  *usecase.ProjectService

	mu       sync.Mutex
	inflight map[string]inflightJob
}

type inflightJob struct {
	projectID string
	cancel    context.CancelFunc
}

// New constructs a Worker.
func New(
	cfg Config,
	jobs domain.JobRepository,
	projects domain.ProjectRepository,
	agents domain.AgentRouter,
	ledger *assets.Ledger,
	bus domain.EventPublisher,
	projSvc *usecase.ProjectService,
) *Worker {
	return &Worker{
		cfg:      cfg,
		jobs:     jobs,
		projects: projects,
		agents:   agents,
		ledger:   ledger,
		bus:      bus,
		projSvc:  projSvc,
		inflight: make(map[string]inflightJob),
	}
}

// HandleDispatchRecord is the bus handler for the job-events topic filtered
// to JOB_DISPATCHED. Returning nil acks the record: either the job was
// processed to a terminal-or-failed outcome, or the claim was unavailable
// and someone else owns it.
func (w *Worker) HandleDispatchRecord(ctx context.Context, value []byte, _ map[string]string) error {
	var ev domain.JobEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		slog.Warn("dropping undecodable dispatch event", slog.Any("error", err))
		return nil
	}

	job, err := w.jobs.ClaimJob(ctx, ev.JobID, w.cfg.OwnerID, w.cfg.ProjectClaimCap)
	if err != nil {
		// Transient store trouble: leave the record for redelivery.
		return err
	}
	if job == nil {
		return nil
	}

	w.process(ctx, *job)
	return nil
}

// HandleCancelRecord aborts in-flight agent calls for the project.
func (w *Worker) HandleCancelRecord(_ context.Context, value []byte, _ map[string]string) error {
	var ev domain.CancelEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		slog.Warn("dropping undecodable cancel event", slog.Any("error", err))
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, inf := range w.inflight {
		if inf.projectID == ev.ProjectID {
			slog.Info("aborting in-flight job on cancellation",
				slog.String("job_id", id),
				slog.String("project_id", ev.ProjectID))
			inf.cancel()
		}
	}
	return nil
}

// process runs one claimed job to an outcome. Errors never escape: they are
// converted into job-state updates and JOB_FAILED events.
func (w *Worker) process(parent context.Context, job domain.Job) {
	ctx, log := observability.ContextWithJob(parent, observability.JobContext{
		JobID:     job.ID,
		ProjectID: job.ProjectID,
	})
	log.Info("processing job",
		slog.String("type", string(job.Type)),
		slog.Int("attempt", job.Attempt))
	observability.WorkerActiveJobs.Inc()
	defer observability.WorkerActiveJobs.Dec()

	if err := w.bus.PublishJobEvent(ctx, domain.JobEvent{
		Type:      domain.EventJobStarted,
		JobID:     job.ID,
		ProjectID: job.ProjectID,
		JobType:   job.Type,
		Attempt:   job.Attempt,
	}); err != nil {
		log.Warn("start event publish failed", slog.Any("error", err))
	}

	actx, cancel := context.WithTimeout(ctx, w.timeoutFor(job.Type))
	defer cancel()
	w.register(job.ID, job.ProjectID, cancel)
	defer w.unregister(job.ID)

	// runAgent may bump the attempt on sanitize retries; cur carries the
	// row as it stands after the agent ran.
	result, cur, err := w.runAgent(actx, job)
	if err != nil {
		w.fail(ctx, cur, err)
		return
	}
	if err := w.applyResult(ctx, cur, result); err != nil {
		w.fail(ctx, cur, err)
		return
	}

	state := domain.JobCompleted
	if _, err := w.jobs.UpdateJobSafe(ctx, cur.ID, cur.Attempt, domain.JobPatch{State: &state}); err != nil {
		// Most likely the lifecycle monitor reclaimed us as stalled; the
		// result application is idempotent, so just log and move on.
		log.Warn("completion swap lost", slog.Any("error", err))
		return
	}
	if err := w.bus.PublishJobEvent(ctx, domain.JobEvent{
		Type:      domain.EventJobCompleted,
		JobID:     cur.ID,
		ProjectID: cur.ProjectID,
		JobType:   cur.Type,
		Attempt:   cur.Attempt,
	}); err != nil {
		log.Warn("completion event publish failed", slog.Any("error", err))
	}
	log.Info("job completed")
}

// runAgent executes the agent, sanitizing and retrying on content-filter
// failures up to the safety budget. Every sanitize pass consumes one attempt
// from the retry budget; the returned job carries the current attempt.
func (w *Worker) runAgent(ctx context.Context, job domain.Job) (domain.AgentResult, domain.Job, error) {
	agent, err := w.agents.AgentFor(job.Type)
	if err != nil {
		return domain.AgentResult{}, job, fmt.Errorf("op=worker.agent: %w: %w", domain.ErrSchemaInvalid, err)
	}
	project, err := w.projects.GetProjectFullState(ctx, job.ProjectID)
	if err != nil {
		return domain.AgentResult{}, job, err
	}

	attempt := job
	for safety := 0; ; safety++ {
		result, err := agent.Execute(ctx, attempt, project)
		if err == nil {
			return result, attempt, nil
		}
		if domain.ClassifyFailure(err) != domain.FailureSafety || safety >= w.cfg.SafetyRetries {
			return domain.AgentResult{}, attempt, err
		}
		slog.Warn("content filter hit, retrying with sanitized payload",
			slog.String("job_id", job.ID),
			slog.Int("safety_attempt", safety+1))
		attempt = sanitize(attempt, safety+1)
		msg := domain.TruncateError(err.Error())
		updated, uerr := w.jobs.UpdateJobSafeAndIncrementAttempt(ctx, attempt.ID, attempt.Attempt, domain.JobPatch{
			Error: &msg, Payload: &attempt.Payload,
		})
		if uerr != nil {
			return domain.AgentResult{}, attempt, fmt.Errorf("op=worker.safety: %w", uerr)
		}
		attempt = updated
	}
}

// rateLimitForgiveness caps how many rate-limit failures a job absorbs
// before they start consuming the retry budget.
const rateLimitForgiveness = 5

// payloadInt reads an int param, tolerating the float64 that JSON decoding
// leaves behind.
func payloadInt(params map[string]any, key string) int {
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// sanitize strips operator prompt overrides and flags safe mode so the agent
// composes a policy-conservative prompt.
func sanitize(job domain.Job, round int) domain.Job {
	job.Payload.PromptModification = ""
	if job.Payload.Params == nil {
		job.Payload.Params = map[string]any{}
	}
	job.Payload.Params["safeMode"] = true
	job.Payload.Params["safeModeRound"] = round
	return job
}

// fail converts an agent error into the right terminal or retryable state
// and announces it.
func (w *Worker) fail(ctx context.Context, job domain.Job, cause error) {
	log := observability.LoggerFromContext(ctx)
	kind := domain.ClassifyFailure(cause)
	msg := domain.TruncateError(cause.Error())
	log.Warn("job failed",
		slog.String("type", string(job.Type)),
		slog.String("kind", string(kind)),
		slog.String("error", msg))

	failed := domain.JobFailed
	switch kind {
	case domain.FailureCancelled:
		cancelled := domain.JobCancelled
		if _, err := w.jobs.UpdateJobSafe(ctx, job.ID, job.Attempt, domain.JobPatch{
			State: &cancelled, Error: &msg,
		}); err != nil {
			log.Warn("cancel swap lost", slog.Any("error", err))
		}
		return
	case domain.FailureFatal, domain.FailureSafety:
		// Safety failures landing here exhausted the sanitize budget.
		if _, err := w.jobs.UpdateJobSafe(ctx, job.ID, job.Attempt, domain.JobPatch{
			State: &failed, Error: &msg,
		}); err != nil {
			log.Warn("failure swap lost", slog.Any("error", err))
			return
		}
		fatal := domain.JobFatal
		if _, err := w.jobs.UpdateJobSafe(ctx, job.ID, job.Attempt, domain.JobPatch{State: &fatal}); err != nil {
			log.Warn("fatal swap lost", slog.Any("error", err))
		}
	case domain.FailureRateLimit:
		// Upstream throttling is absorbed without consuming the retry
		// budget until the forgiveness cap; the lifecycle monitor
		// re-dispatches after backoff either way.
		payload := job.Payload
		if payload.Params == nil {
			payload.Params = map[string]any{}
		}
		hits := payloadInt(payload.Params, "rateLimitHits") + 1
		payload.Params["rateLimitHits"] = hits
		patch := domain.JobPatch{State: &failed, Error: &msg, Payload: &payload}
		var err error
		if hits > rateLimitForgiveness {
			_, err = w.jobs.UpdateJobSafeAndIncrementAttempt(ctx, job.ID, job.Attempt, patch)
		} else {
			_, err = w.jobs.UpdateJobSafe(ctx, job.ID, job.Attempt, patch)
		}
		if err != nil {
			log.Warn("failure swap lost", slog.Any("error", err))
			return
		}
	default:
		// Transient failures count an attempt; the lifecycle monitor
		// re-dispatches after backoff.
		if _, err := w.jobs.UpdateJobSafeAndIncrementAttempt(ctx, job.ID, job.Attempt, domain.JobPatch{
			State: &failed, Error: &msg,
		}); err != nil {
			log.Warn("failure swap lost", slog.Any("error", err))
			return
		}
	}

	if err := w.bus.PublishJobEvent(ctx, domain.JobEvent{
		Type:      domain.EventJobFailed,
		JobID:     job.ID,
		ProjectID: job.ProjectID,
		JobType:   job.Type,
		Attempt:   job.Attempt,
		Error:     msg,
	}); err != nil {
		log.Warn("failure event publish failed", slog.Any("error", err))
	}
}

func (w *Worker) timeoutFor(t domain.JobType) time.Duration {
	switch t {
	case domain.JobGenerateSceneVideo, domain.JobRenderVideo:
		return w.cfg.VideoTimeout
	default:
		return w.cfg.AgentTimeout
	}
}

func (w *Worker) register(jobID, projectID string, cancel context.CancelFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inflight[jobID] = inflightJob{projectID: projectID, cancel: cancel}
}

func (w *Worker) unregister(jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inflight, jobID)
}
