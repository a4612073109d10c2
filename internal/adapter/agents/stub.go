package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
)

// Stub is a fast, deterministic agent set for local runs and tests. Entity
// ids are derived from the project so a re-executed job produces the same
// rows instead of duplicates.
type Stub struct{}

const stubModel = "stub-v1"

// stubLatency resembles real work without slowing tests meaningfully.
const stubLatency = 20 * time.Millisecond

func (s *Stub) pause(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("op=agents.stub: %w", ctx.Err())
	case <-time.After(stubLatency):
		return nil
	}
}

// ExpandPrompt enriches the initial prompt.
func (s *Stub) ExpandPrompt(ctx context.Context, _ domain.Job, p domain.Project) (domain.AgentResult, error) {
	if err := s.pause(ctx); err != nil {
		return domain.AgentResult{}, err
	}
	return domain.AgentResult{
		Model:          stubModel,
		EnhancedPrompt: p.Metadata.InitialPrompt + " — cinematic lighting, coherent characters, 24fps",
	}, nil
}

// Storyboard partitions the project duration into scenes.
func (s *Stub) Storyboard(ctx context.Context, job domain.Job, p domain.Project) (domain.AgentResult, error) {
	if err := s.pause(ctx); err != nil {
		return domain.AgentResult{}, err
	}
	total := p.Metadata.TotalDuration
	if total <= 0 {
		total = 18
	}
	scenes := partitionScenes(p.ID, total)
	if n := len(scenes); n > 0 {
		// Rounded durations may overshoot the requested total slightly.
		total = scenes[n-1].EndTime
	}
	board, _ := json.Marshal(map[string]any{"scenes": len(scenes), "totalDuration": total})
	return domain.AgentResult{
		Type:          domain.AssetJSON,
		Data:          []string{string(board)},
		Model:         stubModel,
		Scenes:        scenes,
		TotalDuration: total,
	}, nil
}

// AudioToScenes derives the same partition, pretending it came from the
// audio track's beat analysis.
func (s *Stub) AudioToScenes(ctx context.Context, job domain.Job, p domain.Project) (domain.AgentResult, error) {
	res, err := s.Storyboard(ctx, job, p)
	if err != nil {
		return domain.AgentResult{}, err
	}
	analysis, _ := json.Marshal(map[string]any{"audioUri": p.Metadata.AudioURI, "beats": len(res.Scenes)})
	res.Data = []string{string(analysis)}
	return res, nil
}

// EnhanceStoryboard fills in shot detail per scene.
func (s *Stub) EnhanceStoryboard(ctx context.Context, _ domain.Job, p domain.Project) (domain.AgentResult, error) {
	if err := s.pause(ctx); err != nil {
		return domain.AgentResult{}, err
	}
	scenes := make([]domain.Scene, len(p.Scenes))
	copy(scenes, p.Scenes)
	for i := range scenes {
		scenes[i].Description = fmt.Sprintf("scene %d of %s", scenes[i].Index+1, p.Metadata.Title)
		scenes[i].ShotType = "medium"
		scenes[i].CameraMovement = "slow pan"
		scenes[i].Lighting = "golden hour"
		scenes[i].Mood = "hopeful"
	}
	return domain.AgentResult{Model: stubModel, Scenes: scenes}, nil
}

// SemanticAnalysis extracts characters, locations and generation rules.
func (s *Stub) SemanticAnalysis(ctx context.Context, _ domain.Job, p domain.Project) (domain.AgentResult, error) {
	if err := s.pause(ctx); err != nil {
		return domain.AgentResult{}, err
	}
	char := domain.Character{
		ID:          p.ID + "-char-1",
		ProjectID:   p.ID,
		Name:        "Protagonist",
		Description: "lead figure of the piece",
		State:       map[string]string{"condition": "clean"},
	}
	loc := domain.Location{
		ID:          p.ID + "-loc-1",
		ProjectID:   p.ID,
		Name:        "Primary setting",
		Description: "main backdrop",
		State:       map[string]string{"weather": "clear"},
	}
	return domain.AgentResult{
		Model:           stubModel,
		Characters:      []domain.Character{char},
		Locations:       []domain.Location{loc},
		GenerationRules: []string{"keep wardrobe consistent", "match lighting across scenes"},
	}, nil
}

// CharacterAssets renders one reference image per character.
func (s *Stub) CharacterAssets(ctx context.Context, _ domain.Job, p domain.Project) (domain.AgentResult, error) {
	if err := s.pause(ctx); err != nil {
		return domain.AgentResult{}, err
	}
	data := make([]string, len(p.Characters))
	for i, c := range p.Characters {
		data[i] = "stub://image/character/" + c.ID
	}
	return domain.AgentResult{Type: domain.AssetImage, Data: data, Model: stubModel}, nil
}

// LocationAssets renders one reference image per location.
func (s *Stub) LocationAssets(ctx context.Context, _ domain.Job, p domain.Project) (domain.AgentResult, error) {
	if err := s.pause(ctx); err != nil {
		return domain.AgentResult{}, err
	}
	data := make([]string, len(p.Locations))
	for i, l := range p.Locations {
		data[i] = "stub://image/location/" + l.ID
	}
	return domain.AgentResult{Type: domain.AssetImage, Data: data, Model: stubModel}, nil
}

// SceneFrame renders a boundary frame for one scene.
func (s *Stub) SceneFrame(ctx context.Context, job domain.Job, _ domain.Project) (domain.AgentResult, error) {
	if err := s.pause(ctx); err != nil {
		return domain.AgentResult{}, err
	}
	uri := fmt.Sprintf("stub://image/scene/%s/%s", job.Payload.SceneID, job.Payload.FrameType)
	return domain.AgentResult{Type: domain.AssetImage, Data: []string{uri}, Model: stubModel}, nil
}

// SceneVideo renders a clip for one scene.
func (s *Stub) SceneVideo(ctx context.Context, job domain.Job, _ domain.Project) (domain.AgentResult, error) {
	if err := s.pause(ctx); err != nil {
		return domain.AgentResult{}, err
	}
	uri := fmt.Sprintf("stub://video/scene/%s/v%d", job.Payload.SceneID, job.Payload.Version)
	return domain.AgentResult{Type: domain.AssetVideo, Data: []string{uri}, Model: stubModel}, nil
}

// Render stitches the final cut.
func (s *Stub) Render(ctx context.Context, _ domain.Job, p domain.Project) (domain.AgentResult, error) {
	if err := s.pause(ctx); err != nil {
		return domain.AgentResult{}, err
	}
	return domain.AgentResult{
		Type:  domain.AssetVideo,
		Data:  []string{"stub://video/render/" + p.ID},
		Model: stubModel,
	}, nil
}

// partitionScenes tiles [0, total) with rounded durations, ids stable per
// project and index.
func partitionScenes(projectID string, total float64) []domain.Scene {
	var scenes []domain.Scene
	start := 0.0
	for i := 0; start < total; i++ {
		d := domain.RoundSceneDuration(total - start)
		if remaining := total - start; remaining < d {
			d = domain.SceneDurations[0]
		}
		scenes = append(scenes, domain.Scene{
			ID:        fmt.Sprintf("%s-scene-%d", projectID, i),
			ProjectID: projectID,
			Index:     i,
			StartTime: start,
			EndTime:   start + d,
			Duration:  d,
			Status:    domain.ScenePending,
		})
		start += d
	}
	return scenes
}
