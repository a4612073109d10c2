package usecase

import (
	"context"
	"fmt"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
)

// ProjectService reads and publishes project state. Pipeline writes go
// through the command handler under the project lock; this service covers
// the read side and the UI broadcast.
type ProjectService struct {
	repo domain.ProjectRepository
	bus  domain.EventPublisher
}

// NewProjectService constructs a ProjectService.
func NewProjectService(repo domain.ProjectRepository, bus domain.EventPublisher) *ProjectService {
	return &ProjectService{repo: repo, bus: bus}
}

// Create persists a new project in draft.
func (s *ProjectService) Create(ctx context.Context, p domain.Project) (string, error) {
	if p.Status == "" {
		p.Status = domain.ProjectDraft
	}
	return s.repo.CreateProject(ctx, p)
}

// Get loads project metadata without children.
func (s *ProjectService) Get(ctx context.Context, id string) (domain.Project, error) {
	return s.repo.GetProject(ctx, id)
}

// FullState hydrates scenes, characters and locations.
func (s *ProjectService) FullState(ctx context.Context, id string) (domain.Project, error) {
	return s.repo.GetProjectFullState(ctx, id)
}

// PublishFullState broadcasts the hydrated project on the pipeline topic.
func (s *ProjectService) PublishFullState(ctx context.Context, id string) error {
	p, err := s.repo.GetProjectFullState(ctx, id)
	if err != nil {
		return err
	}
	return s.bus.PublishPipelineEvent(ctx, domain.PipelineEvent{
		Type:      domain.EventFullState,
		ProjectID: id,
		Project:   &p,
	})
}

// PublishSceneUpdate broadcasts one scene's new state.
func (s *ProjectService) PublishSceneUpdate(ctx context.Context, sc domain.Scene) error {
	return s.bus.PublishPipelineEvent(ctx, domain.PipelineEvent{
		Type:      domain.EventSceneUpdate,
		ProjectID: sc.ProjectID,
		Scene:     &sc,
	})
}

// PublishProgress broadcasts a coarse pipeline progress figure.
func (s *ProjectService) PublishProgress(ctx context.Context, projectID string, progress float64) error {
	return s.bus.PublishPipelineEvent(ctx, domain.PipelineEvent{
		Type:      domain.EventSceneProgress,
		ProjectID: projectID,
		Progress:  progress,
	})
}

// PublishLog forwards an operator-visible log line to UI consumers.
func (s *ProjectService) PublishLog(ctx context.Context, projectID, level, msg, logContext string) error {
	return s.bus.PublishPipelineEvent(ctx, domain.PipelineEvent{
		Type:      domain.EventLog,
		ProjectID: projectID,
		Level:     level,
		Message:   msg,
		Context:   logContext,
	})
}

// SetStatus moves the project lifecycle state.
func (s *ProjectService) SetStatus(ctx context.Context, id string, status domain.ProjectStatus) error {
	if err := s.repo.UpdateProject(ctx, id, domain.ProjectPatch{Status: &status}); err != nil {
		return fmt.Errorf("op=projects.set_status: %w", err)
	}
	return nil
}
