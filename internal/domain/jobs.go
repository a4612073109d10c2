package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// JobType enumerates the pipeline work units.
type JobType string

const (
	JobExpandCreativePrompt JobType = "EXPAND_CREATIVE_PROMPT"
	JobGenerateStoryboard   JobType = "GENERATE_STORYBOARD"
	JobProcessAudioToScenes JobType = "PROCESS_AUDIO_TO_SCENES"
	JobEnhanceStoryboard    JobType = "ENHANCE_STORYBOARD"
	JobSemanticAnalysis     JobType = "SEMANTIC_ANALYSIS"
	JobGenerateCharacters   JobType = "GENERATE_CHARACTER_ASSETS"
	JobGenerateLocations    JobType = "GENERATE_LOCATION_ASSETS"
	JobGenerateSceneFrames  JobType = "GENERATE_SCENE_FRAMES"
	JobGenerateSceneVideo   JobType = "GENERATE_SCENE_VIDEO"
	JobRenderVideo          JobType = "RENDER_VIDEO"
	JobFrameRender          JobType = "FRAME_RENDER"
)

// KnownJobTypes is the closed set accepted at the boundary.
var KnownJobTypes = map[JobType]bool{
	JobExpandCreativePrompt: true,
	JobGenerateStoryboard:   true,
	JobProcessAudioToScenes: true,
	JobEnhanceStoryboard:    true,
	JobSemanticAnalysis:     true,
	JobGenerateCharacters:   true,
	JobGenerateLocations:    true,
	JobGenerateSceneFrames:  true,
	JobGenerateSceneVideo:   true,
	JobRenderVideo:          true,
	JobFrameRender:          true,
}

// JobState enumerates the durable job state machine.
type JobState string

const (
	JobCreated    JobState = "CREATED"
	JobDispatched JobState = "DISPATCHED"
	JobRunning    JobState = "RUNNING"
	JobCompleted  JobState = "COMPLETED"
	JobFailed     JobState = "FAILED"
	JobFatal      JobState = "FATAL"
	JobCancelled  JobState = "CANCELLED"
)

// IsTerminal reports whether no further transitions are possible.
func (s JobState) IsTerminal() bool {
	return s == JobCompleted || s == JobFatal || s == JobCancelled
}

// jobTransitions is the edge set of the job state DAG. FAILED -> DISPATCHED
// is additionally gated by attempt <= maxRetries at the store.
var jobTransitions = map[JobState][]JobState{
	JobCreated:    {JobDispatched, JobCancelled},
	JobDispatched: {JobRunning, JobCancelled},
	JobRunning:    {JobCompleted, JobFailed, JobCancelled},
	JobFailed:     {JobDispatched, JobFatal, JobCancelled},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to JobState) bool {
	for _, t := range jobTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// TransitionSources returns every state from which `to` is reachable.
func TransitionSources(to JobState) []JobState {
	var out []JobState
	for from, tos := range jobTransitions {
		for _, t := range tos {
			if t == to {
				out = append(out, from)
			}
		}
	}
	return out
}

// FrameType selects which boundary frame of a scene a job targets.
const (
	FrameStart = "start"
	FrameEnd   = "end"
)

// JobPayload carries the type-specific parameters of a job. Fields are
// populated per job type; Params holds operator-revised overrides merged in
// by RESOLVE_INTERVENTION.
type JobPayload struct {
	SceneID            string         `json:"sceneId,omitempty"`
	SceneIndex         int            `json:"sceneIndex,omitempty"`
	FrameType          string         `json:"frameType,omitempty"`
	PromptModification string         `json:"promptModification,omitempty"`
	Version            int            `json:"version,omitempty"`
	Params             map[string]any `json:"params,omitempty"`
}

// Job is a durable unit of work with an idempotent key and a
// compare-and-swap state machine keyed on (id, attempt).
type Job struct {
	ID         string
	ProjectID  string
	Type       JobType
	Payload    JobPayload
	State      JobState
	Attempt    int
	MaxRetries int
	// UniqueKey is the stable dedupe key within a project; at most one
	// row exists per (ProjectID, UniqueKey).
	UniqueKey string
	AssetKey  string
	Error     string
	OwnerID   string
	CreatedAt time.Time
	UpdatedAt time.Time
	ClaimedAt *time.Time
}

// JobPatch describes a safe partial update applied under CAS.
type JobPatch struct {
	State   *JobState
	Error   *string
	Payload *JobPayload
}

// Validate rejects patches that would break the state machine shape.
func (p JobPatch) Validate() error {
	if p.State == nil && p.Error == nil && p.Payload == nil {
		return fmt.Errorf("op=job.patch: empty patch: %w", ErrInvalidArgument)
	}
	return nil
}

// JobID derives the stable job identifier from the dedupe key, so a replayed
// create attempt always targets the same row.
func JobID(projectID, uniqueKey string) string {
	sum := sha256.Sum256([]byte(projectID + "/" + uniqueKey))
	return "job_" + hex.EncodeToString(sum[:12])
}

// NewJobSpec is the input to idempotent job creation.
type NewJobSpec struct {
	ProjectID  string
	Type       JobType
	UniqueKey  string
	Payload    JobPayload
	MaxRetries int
	AssetKey   string
}
