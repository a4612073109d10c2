// Package agents routes job types to their generative agents and ships a
// deterministic stub set for local runs and tests. Real agents live behind
// the same domain.Agent port.
package agents

import (
	"context"
	"fmt"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
)

// Router maps job types to agents. Unknown types are a schema error so the
// worker marks the job FATAL instead of retrying forever.
type Router struct {
	byType map[domain.JobType]domain.Agent
}

// NewRouter builds a router over an explicit agent table.
func NewRouter(byType map[domain.JobType]domain.Agent) *Router {
	return &Router{byType: byType}
}

// NewStubRouter wires every job type to the deterministic stub agents.
func NewStubRouter() *Router {
	s := &Stub{}
	return NewRouter(map[domain.JobType]domain.Agent{
		domain.JobExpandCreativePrompt: agentFunc(s.ExpandPrompt),
		domain.JobGenerateStoryboard:   agentFunc(s.Storyboard),
		domain.JobProcessAudioToScenes: agentFunc(s.AudioToScenes),
		domain.JobEnhanceStoryboard:    agentFunc(s.EnhanceStoryboard),
		domain.JobSemanticAnalysis:     agentFunc(s.SemanticAnalysis),
		domain.JobGenerateCharacters:   agentFunc(s.CharacterAssets),
		domain.JobGenerateLocations:    agentFunc(s.LocationAssets),
		domain.JobGenerateSceneFrames:  agentFunc(s.SceneFrame),
		domain.JobFrameRender:          agentFunc(s.SceneFrame),
		domain.JobGenerateSceneVideo:   agentFunc(s.SceneVideo),
		domain.JobRenderVideo:          agentFunc(s.Render),
	})
}

// AgentFor resolves the agent for a job type.
func (r *Router) AgentFor(t domain.JobType) (domain.Agent, error) {
	a, ok := r.byType[t]
	if !ok {
		return nil, fmt.Errorf("op=agents.route: no agent for %s: %w", t, domain.ErrSchemaInvalid)
	}
	return a, nil
}

// agentFunc adapts a function to the Agent port.
type agentFunc func(ctx context.Context, job domain.Job, p domain.Project) (domain.AgentResult, error)

func (f agentFunc) Execute(ctx context.Context, job domain.Job, p domain.Project) (domain.AgentResult, error) {
	return f(ctx, job, p)
}
