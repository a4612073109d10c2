package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/assets"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/observability"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/usecase"
)

// Handler consumes operator commands and job completion events, and owns
// every mutation of a project. All writes happen under the per-project lock,
// so concurrent commands against one project serialize.
type Handler struct {
	projects domain.ProjectRepository
	jobRepo  domain.JobRepository
	jobSvc   *usecase.JobService
	projSvc  *usecase.ProjectService
	ledger   *assets.Ledger
	locks    domain.LockManager
	bus      domain.EventPublisher
	validate *validator.Validate

	ownerID   string
	lockLease time.Duration
}

// NewHandler constructs the command handler.
func NewHandler(
	projects domain.ProjectRepository,
	jobRepo domain.JobRepository,
	jobSvc *usecase.JobService,
	projSvc *usecase.ProjectService,
	ledger *assets.Ledger,
	locks domain.LockManager,
	bus domain.EventPublisher,
	ownerID string,
	lockLease time.Duration,
) *Handler {
	return &Handler{
		projects:  projects,
		jobRepo:   jobRepo,
		jobSvc:    jobSvc,
		projSvc:   projSvc,
		ledger:    ledger,
		locks:     locks,
		bus:       bus,
		validate:  validator.New(),
		ownerID:   ownerID,
		lockLease: lockLease,
	}
}

// HandleCommandRecord adapts the bus record to a command. Malformed or
// invalid commands are dropped (returning an error would only redeliver
// them); handler failures propagate so the record is retried.
func (h *Handler) HandleCommandRecord(ctx context.Context, value []byte, _ map[string]string) error {
	var cmd domain.Command
	if err := json.Unmarshal(value, &cmd); err != nil {
		slog.Warn("dropping undecodable command", slog.Any("error", err))
		return nil
	}
	if err := h.validate.Struct(cmd); err != nil {
		slog.Warn("dropping invalid command", slog.String("type", string(cmd.Type)), slog.Any("error", err))
		return nil
	}
	if err := cmd.Validate(); err != nil {
		slog.Warn("dropping invalid command", slog.String("type", string(cmd.Type)), slog.Any("error", err))
		return nil
	}
	err := h.Handle(ctx, cmd)
	if errors.Is(err, domain.ErrInvalidArgument) || errors.Is(err, domain.ErrNotFound) {
		slog.Warn("dropping unprocessable command",
			slog.String("type", string(cmd.Type)),
			slog.String("project_id", cmd.ProjectID),
			slog.Any("error", err))
		return nil
	}
	return err
}

// HandleJobEventRecord reacts to completion and failure events; dispatch and
// start announcements are for workers and are ignored here.
func (h *Handler) HandleJobEventRecord(ctx context.Context, value []byte, headers map[string]string) error {
	switch headers["type"] {
	case domain.EventJobCompleted, domain.EventJobFailed:
	default:
		return nil
	}
	var ev domain.JobEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		slog.Warn("dropping undecodable job event", slog.Any("error", err))
		return nil
	}
	return h.OnJobEvent(ctx, ev)
}

// Handle executes one command under the project lock.
func (h *Handler) Handle(ctx context.Context, cmd domain.Command) error {
	log := observability.LoggerFromContext(ctx).With(
		slog.String("command", string(cmd.Type)),
		slog.String("project_id", cmd.ProjectID))
	log.Info("handling command")

	return h.withProjectLock(ctx, cmd.ProjectID, func(ctx context.Context) error {
		switch cmd.Type {
		case domain.CmdStartPipeline:
			return h.startPipeline(ctx, cmd)
		case domain.CmdResumePipeline:
			return h.resumePipeline(ctx, cmd)
		case domain.CmdRegenerateScene:
			return h.regenerateScene(ctx, cmd)
		case domain.CmdRegenerateFrame:
			return h.regenerateFrame(ctx, cmd)
		case domain.CmdUpdateSceneAsset:
			return h.updateSceneAsset(ctx, cmd)
		case domain.CmdResolveIntervention:
			return h.resolveIntervention(ctx, cmd)
		case domain.CmdStopPipeline:
			return h.stopPipeline(ctx, cmd)
		case domain.CmdRequestFullState:
			return h.projSvc.PublishFullState(ctx, cmd.ProjectID)
		}
		return fmt.Errorf("op=pipeline.handle: type %s: %w", cmd.Type, domain.ErrInvalidArgument)
	})
}

// OnJobEvent advances the project on completion; a failure that went FATAL
// is also routed through Advance so the project lands in error.
func (h *Handler) OnJobEvent(ctx context.Context, ev domain.JobEvent) error {
	switch ev.Type {
	case domain.EventJobCompleted:
		return h.Advance(ctx, ev.ProjectID, false)
	case domain.EventJobFailed:
		if err := h.projSvc.PublishLog(ctx, ev.ProjectID, "error",
			fmt.Sprintf("job %s failed: %s", ev.JobID, ev.Error), string(ev.JobType)); err != nil {
			slog.Warn("failure log publish failed", slog.Any("error", err))
		}
		job, err := h.jobRepo.GetJob(ctx, ev.JobID)
		if err != nil {
			return err
		}
		if job.State == domain.JobFatal {
			return h.Advance(ctx, ev.ProjectID, false)
		}
		return nil
	}
	return nil
}

// Advance re-reads the project under the lock and dispatches the next stage.
// reannounce additionally re-publishes JOB_DISPATCHED for units already
// sitting in DISPATCHED (used by RESUME_PIPELINE).
func (h *Handler) Advance(ctx context.Context, projectID string, reannounce bool) error {
	return h.withProjectLock(ctx, projectID, func(ctx context.Context) error {
		return h.advanceLocked(ctx, projectID, reannounce)
	})
}

func (h *Handler) advanceLocked(ctx context.Context, projectID string, reannounce bool) error {
	p, err := h.projects.GetProjectFullState(ctx, projectID)
	if err != nil {
		return err
	}
	jobs, err := h.jobRepo.GetProjectJobs(ctx, projectID)
	if err != nil {
		return err
	}
	stages := BuildStages(p)

	progress, stage := Evaluate(stages, jobs)
	switch progress {
	case ProgressDone:
		if err := h.projSvc.SetStatus(ctx, projectID, domain.ProjectComplete); err != nil {
			return err
		}
		return h.projSvc.PublishFullState(ctx, projectID)
	case ProgressFatal:
		slog.Warn("stage has a fatal unit, halting pipeline",
			slog.String("project_id", projectID),
			slog.String("stage", stage.Name))
		if err := h.projSvc.SetStatus(ctx, projectID, domain.ProjectError); err != nil {
			return err
		}
		return h.projSvc.PublishFullState(ctx, projectID)
	case ProgressDispatch:
		observability.StageAdvancementsTotal.WithLabelValues(stage.Name).Inc()
		byKey := make(map[string]domain.Job, len(jobs))
		for _, j := range jobs {
			byKey[j.UniqueKey] = j
		}
		for _, u := range stage.Units {
			if existing, ok := byKey[u.UniqueKey]; ok {
				if reannounce && existing.State == domain.JobDispatched {
					if err := h.jobSvc.Redispatch(ctx, existing); err != nil {
						slog.Warn("re-announce failed", slog.String("job_id", existing.ID), slog.Any("error", err))
					}
				}
				continue
			}
			if _, _, err := h.jobSvc.CreateAndDispatch(ctx, domain.NewJobSpec{
				ProjectID: projectID,
				Type:      u.Type,
				UniqueKey: u.UniqueKey,
				Payload:   u.Payload,
				AssetKey:  u.AssetKey,
			}); err != nil {
				return err
			}
		}
	case ProgressWaiting:
		if reannounce {
			for _, j := range jobs {
				if j.State == domain.JobDispatched {
					if err := h.jobSvc.Redispatch(ctx, j); err != nil {
						slog.Warn("re-announce failed", slog.String("job_id", j.ID), slog.Any("error", err))
					}
				}
			}
		}
	}
	return h.projSvc.PublishProgress(ctx, projectID, StageProgress(stages, jobs))
}

func (h *Handler) startPipeline(ctx context.Context, cmd domain.Command) error {
	p, err := h.projects.GetProject(ctx, cmd.ProjectID)
	if err != nil {
		return err
	}
	// Replayed starts against a moving project are no-ops; job creation is
	// idempotent anyway, this just avoids pointless dispatch passes.
	if p.Status != domain.ProjectDraft && p.Status != domain.ProjectPending {
		slog.Info("start ignored, project already started",
			slog.String("project_id", p.ID),
			slog.String("status", string(p.Status)))
		return nil
	}
	if err := h.projSvc.SetStatus(ctx, cmd.ProjectID, domain.ProjectRunning); err != nil {
		return err
	}
	return h.advanceLocked(ctx, cmd.ProjectID, false)
}

func (h *Handler) resumePipeline(ctx context.Context, cmd domain.Command) error {
	if err := h.projSvc.SetStatus(ctx, cmd.ProjectID, domain.ProjectRunning); err != nil {
		return err
	}
	return h.advanceLocked(ctx, cmd.ProjectID, true)
}

func (h *Handler) regenerateScene(ctx context.Context, cmd domain.Command) error {
	p, err := h.projects.GetProject(ctx, cmd.ProjectID)
	if err != nil {
		return err
	}
	sc, err := h.projects.GetScene(ctx, cmd.SceneID)
	if err != nil {
		return err
	}
	forced := append(p.ForceRegenerateScenes, cmd.SceneID)
	if err := h.projects.UpdateProject(ctx, cmd.ProjectID, domain.ProjectPatch{
		ForceRegenerateScenes: &forced,
	}); err != nil {
		return err
	}
	p.ForceRegenerateScenes = forced

	v := videoVersion(p, cmd.SceneID)
	if _, _, err := h.jobSvc.CreateAndDispatch(ctx, domain.NewJobSpec{
		ProjectID: cmd.ProjectID,
		Type:      domain.JobGenerateSceneVideo,
		UniqueKey: keyVideo(cmd.ProjectID, cmd.SceneID, v),
		AssetKey:  domain.AssetSceneVideo,
		Payload:   domain.JobPayload{SceneID: cmd.SceneID, SceneIndex: sc.Index, Version: v},
	}); err != nil {
		return err
	}

	sc.Status = domain.SceneGenerating
	if err := h.projects.UpdateScenes(ctx, []domain.Scene{sc}); err != nil {
		return err
	}
	return h.projSvc.PublishSceneUpdate(ctx, sc)
}

func (h *Handler) regenerateFrame(ctx context.Context, cmd domain.Command) error {
	sc, err := h.projects.GetScene(ctx, cmd.SceneID)
	if err != nil {
		return err
	}
	assetKey := domain.AssetSceneStartFrame
	if cmd.FrameType == domain.FrameEnd {
		assetKey = domain.AssetSceneEndFrame
	}
	next, err := h.ledger.NextVersionNumbers(ctx, cmd.ProjectID, assetKey, []string{cmd.SceneID})
	if err != nil {
		return err
	}
	_, _, err = h.jobSvc.CreateAndDispatch(ctx, domain.NewJobSpec{
		ProjectID: cmd.ProjectID,
		Type:      domain.JobFrameRender,
		UniqueKey: keyFrameRender(cmd.ProjectID, cmd.SceneID, cmd.FrameType, next[0]),
		AssetKey:  assetKey,
		Payload: domain.JobPayload{
			SceneID:            cmd.SceneID,
			SceneIndex:         sc.Index,
			FrameType:          cmd.FrameType,
			PromptModification: cmd.PromptModification,
			Version:            next[0],
		},
	})
	return err
}

func (h *Handler) updateSceneAsset(ctx context.Context, cmd domain.Command) error {
	if err := h.ledger.SetBestVersion(ctx, cmd.ProjectID, cmd.AssetKey, cmd.SceneID, cmd.Version); err != nil {
		return err
	}
	sc, err := h.projects.GetScene(ctx, cmd.SceneID)
	if err != nil {
		return err
	}
	return h.projSvc.PublishSceneUpdate(ctx, sc)
}

// resolveIntervention clears an error-wait. retry revives the FATAL job with
// the operator's revised params; cancel abandons it and pauses the project.
func (h *Handler) resolveIntervention(ctx context.Context, cmd domain.Command) error {
	switch cmd.Action {
	case domain.InterventionRetry:
		job, err := h.jobRepo.Revive(ctx, cmd.JobID, cmd.RevisedParams)
		if err != nil {
			return err
		}
		if err := h.projSvc.SetStatus(ctx, cmd.ProjectID, domain.ProjectRunning); err != nil {
			return err
		}
		if err := h.jobSvc.Redispatch(ctx, job); err != nil {
			return err
		}
	case domain.InterventionCancel:
		if err := h.projSvc.SetStatus(ctx, cmd.ProjectID, domain.ProjectPaused); err != nil {
			return err
		}
	}
	return h.projSvc.PublishFullState(ctx, cmd.ProjectID)
}

func (h *Handler) stopPipeline(ctx context.Context, cmd domain.Command) error {
	if err := h.bus.PublishCancellation(ctx, domain.CancelEvent{
		Type:      domain.EventCancel,
		ProjectID: cmd.ProjectID,
		Reason:    "operator stop",
	}); err != nil {
		return err
	}
	cancelled, err := h.jobRepo.CancelPending(ctx, cmd.ProjectID)
	if err != nil {
		return err
	}
	slog.Info("pipeline stopped",
		slog.String("project_id", cmd.ProjectID),
		slog.Int("cancelled_jobs", len(cancelled)))
	if err := h.projSvc.SetStatus(ctx, cmd.ProjectID, domain.ProjectPaused); err != nil {
		return err
	}
	return h.projSvc.PublishFullState(ctx, cmd.ProjectID)
}

// withProjectLock serializes project mutations. Contenders back off and
// retry until the lease can be taken or the context runs out.
func (h *Handler) withProjectLock(ctx context.Context, projectID string, fn func(context.Context) error) error {
	name := "project:" + projectID
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = h.lockLease

	err := backoff.Retry(func() error {
		ok, err := h.locks.TryAcquire(ctx, name, h.ownerID, h.lockLease)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return fmt.Errorf("op=pipeline.lock: %s held elsewhere: %w", name, domain.ErrConflict)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return fmt.Errorf("op=pipeline.lock: %w", err)
	}
	defer func() {
		if rerr := h.locks.Release(context.WithoutCancel(ctx), name, h.ownerID); rerr != nil {
			slog.Warn("project lock release failed", slog.String("lock", name), slog.Any("error", rerr))
		}
	}()
	return fn(ctx)
}
