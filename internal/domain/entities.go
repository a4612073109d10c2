package domain

import "time"

// ProjectStatus enumerates project lifecycle states.
type ProjectStatus string

const (
	ProjectDraft    ProjectStatus = "draft"
	ProjectPending  ProjectStatus = "pending"
	ProjectRunning  ProjectStatus = "running"
	ProjectPaused   ProjectStatus = "paused"
	ProjectComplete ProjectStatus = "complete"
	ProjectError    ProjectStatus = "error"
)

// ProjectMetadata carries title and prompt material for a project.
type ProjectMetadata struct {
	Title          string  `json:"title"`
	InitialPrompt  string  `json:"initialPrompt"`
	EnhancedPrompt string  `json:"enhancedPrompt,omitempty"`
	HasAudio       bool    `json:"hasAudio"`
	AudioURI       string  `json:"audioUri,omitempty"`
	TotalDuration  float64 `json:"totalDuration"`
}

// Project is the top-level aggregate. Children are hydrated lazily via the
// repository; durable state holds ids only, never cross-aggregate pointers.
type Project struct {
	ID       string
	Status   ProjectStatus
	Metadata ProjectMetadata

	Scenes     []Scene
	Characters []Character
	Locations  []Location

	GenerationRules        []string
	GenerationRulesHistory [][]string
	ForceRegenerateScenes  []string

	Assets AssetMap

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SceneStatus enumerates per-scene generation states.
type SceneStatus string

const (
	ScenePending    SceneStatus = "pending"
	SceneGenerating SceneStatus = "generating"
	SceneComplete   SceneStatus = "complete"
	SceneError      SceneStatus = "error"
)

// Scene is an ordered child of a project.
// Invariants: EndTime = StartTime + Duration; scenes partition
// [0, TotalDuration) without overlap; Index equals position in order.
type Scene struct {
	ID        string
	ProjectID string
	Index     int
	StartTime float64
	EndTime   float64
	// Duration is rounded to one of 4, 6 or 8 seconds.
	Duration       float64
	Description    string
	ShotType       string
	CameraMovement string
	Lighting       string
	Mood           string
	CharacterIDs   []string
	LocationID     string
	Status         SceneStatus
	Assets         AssetMap
}

// SceneDurations are the permitted rounded scene lengths in seconds.
var SceneDurations = []float64{4, 6, 8}

// RoundSceneDuration snaps a raw duration to the nearest permitted value.
func RoundSceneDuration(d float64) float64 {
	best := SceneDurations[0]
	for _, v := range SceneDurations[1:] {
		if abs(d-v) < abs(d-best) {
			best = v
		}
	}
	return best
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// Character is a reference entity owned by a project. State evolves across
// scenes (injuries, dirt, weather effects).
type Character struct {
	ID          string
	ProjectID   string
	Name        string
	Description string
	State       map[string]string
	Assets      AssetMap
}

// Location is a reference entity owned by a project.
type Location struct {
	ID          string
	ProjectID   string
	Name        string
	Description string
	State       map[string]string
	Assets      AssetMap
}
