package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/assets"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/observability"
)

// applyResult persists an agent result: aggregate mutations first, then the
// ledger append for the job's asset key. Appends go through the ledger only,
// never by mutating histories in place. Re-application after a lost
// completion swap is tolerated because creation paths are idempotent and a
// duplicate append just becomes a superseded version.
func (w *Worker) applyResult(ctx context.Context, job domain.Job, res domain.AgentResult) error {
	switch job.Type {
	case domain.JobExpandCreativePrompt:
		return w.applyExpand(ctx, job, res)
	case domain.JobGenerateStoryboard, domain.JobProcessAudioToScenes:
		return w.applyScenesFromSource(ctx, job, res)
	case domain.JobEnhanceStoryboard:
		return w.applyEnhance(ctx, job, res)
	case domain.JobSemanticAnalysis:
		return w.applySemantic(ctx, job, res)
	case domain.JobGenerateCharacters:
		return w.applyCharacterAssets(ctx, job, res)
	case domain.JobGenerateLocations:
		return w.applyLocationAssets(ctx, job, res)
	case domain.JobGenerateSceneFrames, domain.JobFrameRender:
		return w.applySceneAsset(ctx, job, res, false)
	case domain.JobGenerateSceneVideo:
		return w.applySceneAsset(ctx, job, res, true)
	case domain.JobRenderVideo:
		return w.applyRender(ctx, job, res)
	}
	return fmt.Errorf("op=worker.apply: type %s: %w", job.Type, domain.ErrSchemaInvalid)
}

func (w *Worker) applyExpand(ctx context.Context, job domain.Job, res domain.AgentResult) error {
	p, err := w.projects.GetProject(ctx, job.ProjectID)
	if err != nil {
		return err
	}
	meta := p.Metadata
	meta.EnhancedPrompt = res.EnhancedPrompt
	if err := w.projects.UpdateProject(ctx, job.ProjectID, domain.ProjectPatch{Metadata: &meta}); err != nil {
		return err
	}
	return w.projSvc.PublishFullState(ctx, job.ProjectID)
}

// applyScenesFromSource handles storyboard generation and audio analysis:
// both produce the project's scene partition plus a project-scoped asset.
func (w *Worker) applyScenesFromSource(ctx context.Context, job domain.Job, res domain.AgentResult) error {
	if len(res.Scenes) > 0 {
		if err := w.projects.CreateScenes(ctx, job.ProjectID, res.Scenes); err != nil {
			return err
		}
	}
	if res.TotalDuration > 0 {
		p, err := w.projects.GetProject(ctx, job.ProjectID)
		if err != nil {
			return err
		}
		meta := p.Metadata
		meta.TotalDuration = res.TotalDuration
		if err := w.projects.UpdateProject(ctx, job.ProjectID, domain.ProjectPatch{Metadata: &meta}); err != nil {
			return err
		}
	}
	if err := w.appendAsset(ctx, job, res, nil); err != nil {
		return err
	}
	return w.projSvc.PublishFullState(ctx, job.ProjectID)
}

func (w *Worker) applyEnhance(ctx context.Context, job domain.Job, res domain.AgentResult) error {
	if len(res.Scenes) > 0 {
		if err := w.projects.UpdateScenes(ctx, res.Scenes); err != nil {
			return err
		}
	}
	return w.projSvc.PublishFullState(ctx, job.ProjectID)
}

// applySemantic records generation rules and the extracted characters and
// locations.
func (w *Worker) applySemantic(ctx context.Context, job domain.Job, res domain.AgentResult) error {
	if len(res.GenerationRules) > 0 {
		rules := res.GenerationRules
		if err := w.projects.UpdateProject(ctx, job.ProjectID, domain.ProjectPatch{GenerationRules: &rules}); err != nil {
			return err
		}
	}
	if len(res.Characters) > 0 {
		if err := w.projects.UpdateCharacters(ctx, res.Characters); err != nil {
			return err
		}
	}
	if len(res.Locations) > 0 {
		if err := w.projects.UpdateLocations(ctx, res.Locations); err != nil {
			return err
		}
	}
	return w.projSvc.PublishFullState(ctx, job.ProjectID)
}

func (w *Worker) applyCharacterAssets(ctx context.Context, job domain.Job, res domain.AgentResult) error {
	if len(res.Characters) > 0 {
		// Evolved state (injuries, weather effects) rides with the images.
		if err := w.projects.UpdateCharacters(ctx, res.Characters); err != nil {
			return err
		}
	}
	p, err := w.projects.GetProjectFullState(ctx, job.ProjectID)
	if err != nil {
		return err
	}
	ids := make([]string, len(p.Characters))
	for i, c := range p.Characters {
		ids[i] = c.ID
	}
	if err := w.appendAsset(ctx, job, res, ids); err != nil {
		return err
	}
	return w.projSvc.PublishFullState(ctx, job.ProjectID)
}

func (w *Worker) applyLocationAssets(ctx context.Context, job domain.Job, res domain.AgentResult) error {
	if len(res.Locations) > 0 {
		if err := w.projects.UpdateLocations(ctx, res.Locations); err != nil {
			return err
		}
	}
	p, err := w.projects.GetProjectFullState(ctx, job.ProjectID)
	if err != nil {
		return err
	}
	ids := make([]string, len(p.Locations))
	for i, l := range p.Locations {
		ids[i] = l.ID
	}
	if err := w.appendAsset(ctx, job, res, ids); err != nil {
		return err
	}
	return w.projSvc.PublishFullState(ctx, job.ProjectID)
}

// applySceneAsset appends a frame or video version on the scene and pushes a
// SCENE_UPDATE. markComplete flips the scene to complete (video done).
func (w *Worker) applySceneAsset(ctx context.Context, job domain.Job, res domain.AgentResult, markComplete bool) error {
	if err := w.appendAsset(ctx, job, res, []string{job.Payload.SceneID}); err != nil {
		return err
	}
	sc, err := w.projects.GetScene(ctx, job.Payload.SceneID)
	if err != nil {
		return err
	}
	if markComplete {
		sc.Status = domain.SceneComplete
		if err := w.projects.UpdateScenes(ctx, []domain.Scene{sc}); err != nil {
			return err
		}
	}
	return w.projSvc.PublishSceneUpdate(ctx, sc)
}

func (w *Worker) applyRender(ctx context.Context, job domain.Job, res domain.AgentResult) error {
	if err := w.appendAsset(ctx, job, res, nil); err != nil {
		return err
	}
	return w.projSvc.PublishFullState(ctx, job.ProjectID)
}

// appendAsset writes the result payloads into the job's asset ledger. The
// fresh version is adopted as best: a regeneration supersedes its
// predecessor while leaving it retrievable.
func (w *Worker) appendAsset(ctx context.Context, job domain.Job, res domain.AgentResult, entityIDs []string) error {
	if job.AssetKey == "" || len(res.Data) == 0 {
		return nil
	}
	versions, err := w.ledger.CreateVersionedAssets(ctx, job.ProjectID, assets.AppendSpec{
		Key:       job.AssetKey,
		EntityIDs: entityIDs,
		Data:      res.Data,
		Types:     []domain.AssetType{res.Type},
		Metas: []domain.VersionMetadata{{
			JobID: job.ID,
			Model: res.Model,
		}},
		SetBest: []bool{true},
	})
	if err != nil {
		return err
	}
	observability.LoggerFromContext(ctx).Info("asset versions appended",
		slog.String("asset_key", job.AssetKey),
		slog.Int("count", len(versions)))
	return nil
}
