package domain

import (
	"context"
	"time"
)

// ProjectPatch is a field-level last-writer-wins update to a project.
// Callers needing a consistent view read-modify-write under the project lock.
type ProjectPatch struct {
	Status                *ProjectStatus
	Metadata              *ProjectMetadata
	GenerationRules       *[]string
	ForceRegenerateScenes *[]string
	Assets                *AssetMap
}

// ProjectRepository persists the project aggregate.
type ProjectRepository interface {
	CreateProject(ctx context.Context, p Project) (string, error)
	// GetProject loads metadata and ledger pointers only, no children.
	GetProject(ctx context.Context, id string) (Project, error)
	// GetProjectFullState hydrates scenes, characters and locations.
	GetProjectFullState(ctx context.Context, id string) (Project, error)
	GetScene(ctx context.Context, id string) (Scene, error)
	GetCharactersByIDs(ctx context.Context, ids []string) ([]Character, error)
	GetLocationsByIDs(ctx context.Context, ids []string) ([]Location, error)
	UpdateProject(ctx context.Context, id string, patch ProjectPatch) error
	UpdateScenes(ctx context.Context, scenes []Scene) error
	UpdateCharacters(ctx context.Context, chars []Character) error
	UpdateLocations(ctx context.Context, locs []Location) error
	CreateScenes(ctx context.Context, projectID string, scenes []Scene) error
}

// JobRepository is the durable job store. Every mutation is either an
// idempotent insert or a compare-and-swap; a lost CAS surfaces as
// ErrStaleWrite, an unavailable claim as a nil job.
type JobRepository interface {
	// CreateJob inserts idempotently on (projectID, uniqueKey); created
	// reports whether a new row was written.
	CreateJob(ctx context.Context, spec NewJobSpec) (job Job, created bool, err error)
	GetJob(ctx context.Context, id string) (Job, error)
	GetProjectJobs(ctx context.Context, projectID string) ([]Job, error)
	// MarkDispatched swaps CREATED -> DISPATCHED.
	MarkDispatched(ctx context.Context, id string) (Job, error)
	// ClaimJob swaps DISPATCHED|FAILED(attempt<=max) -> RUNNING and sets the
	// owner. Returns (nil, nil) when preconditions or the per-project
	// concurrency cap block the claim.
	ClaimJob(ctx context.Context, id, ownerID string, projectCap int) (*Job, error)
	UpdateJobSafe(ctx context.Context, id string, expectedAttempt int, patch JobPatch) (Job, error)
	UpdateJobSafeAndIncrementAttempt(ctx context.Context, id string, expectedAttempt int, patch JobPatch) (Job, error)
	// Redispatch returns a RUNNING (stalled) or FAILED job to DISPATCHED
	// without touching attempt.
	Redispatch(ctx context.Context, id string, expectedAttempt int) (Job, error)
	// ListStalled returns RUNNING jobs claimed before the cutoff.
	ListStalled(ctx context.Context, cutoff time.Time) ([]Job, error)
	// ListRetryable returns FAILED jobs with attempt <= maxRetries.
	ListRetryable(ctx context.Context) ([]Job, error)
	// CancelPending transitions every non-terminal, non-RUNNING job of a
	// project to CANCELLED and returns the affected jobs.
	CancelPending(ctx context.Context, projectID string) ([]Job, error)
	// Revive resets a FATAL job to DISPATCHED with attempt 1, merging
	// revised params into the payload.
	Revive(ctx context.Context, id string, params map[string]any) (Job, error)
}

// LockManager provides named, owner-scoped advisory locks with leases.
type LockManager interface {
	Init(ctx context.Context) error
	TryAcquire(ctx context.Context, name, owner string, lease time.Duration) (bool, error)
	Renew(ctx context.Context, name, owner string, lease time.Duration) error
	Release(ctx context.Context, name, owner string) error
}

// EventPublisher publishes to the control and UI topics.
type EventPublisher interface {
	PublishJobEvent(ctx context.Context, ev JobEvent) error
	PublishPipelineEvent(ctx context.Context, ev PipelineEvent) error
	PublishCancellation(ctx context.Context, ev CancelEvent) error
}

// AgentResult is the black-box output of a generative agent. Data entries
// are positional per target entity of the job's asset scope; aggregate
// mutations (new scenes, evolved character state) ride alongside.
type AgentResult struct {
	Type  AssetType
	Data  []string
	Model string

	EnhancedPrompt  string
	TotalDuration   float64
	Scenes          []Scene
	Characters      []Character
	Locations       []Location
	GenerationRules []string
}

// Agent executes one job type against external generative services. The
// context carries the cancellation/abort signal and wall-clock deadline.
type Agent interface {
	Execute(ctx context.Context, job Job, project Project) (AgentResult, error)
}

// AgentRouter resolves the agent for a job type.
type AgentRouter interface {
	AgentFor(t JobType) (Agent, error)
}
