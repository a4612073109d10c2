package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/assets"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/usecase"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/worker"
)

// ---- fakes ----

type memJobRepo struct {
	mu   sync.Mutex
	jobs map[string]domain.Job
	// claimErr, when set, fails every claim.
	claimErr error
}

func newMemJobRepo() *memJobRepo {
	return &memJobRepo{jobs: map[string]domain.Job{}}
}

func (r *memJobRepo) get(id string) domain.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[id]
}

func (r *memJobRepo) CreateJob(_ context.Context, spec domain.NewJobSpec) (domain.Job, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := domain.JobID(spec.ProjectID, spec.UniqueKey)
	if j, ok := r.jobs[id]; ok {
		return j, false, nil
	}
	now := time.Now().UTC()
	j := domain.Job{
		ID:         id,
		ProjectID:  spec.ProjectID,
		Type:       spec.Type,
		Payload:    spec.Payload,
		State:      domain.JobCreated,
		Attempt:    1,
		MaxRetries: spec.MaxRetries,
		UniqueKey:  spec.UniqueKey,
		AssetKey:   spec.AssetKey,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	r.jobs[id] = j
	return j, true, nil
}

func (r *memJobRepo) GetJob(_ context.Context, id string) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=test.get_job: %w", domain.ErrNotFound)
	}
	return j, nil
}

func (r *memJobRepo) GetProjectJobs(_ context.Context, projectID string) ([]domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Job
	for _, j := range r.jobs {
		if j.ProjectID == projectID {
			out = append(out, j)
		}
	}
	return out, nil
}

func (r *memJobRepo) MarkDispatched(_ context.Context, id string) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || j.State != domain.JobCreated {
		return domain.Job{}, fmt.Errorf("op=test.dispatch: %w", domain.ErrStaleWrite)
	}
	j.State = domain.JobDispatched
	r.jobs[id] = j
	return j, nil
}

func (r *memJobRepo) ClaimJob(_ context.Context, id, ownerID string, _ int) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.claimErr != nil {
		return nil, r.claimErr
	}
	j, ok := r.jobs[id]
	if !ok {
		return nil, nil
	}
	retryable := j.State == domain.JobFailed && j.Attempt <= j.MaxRetries
	if j.State != domain.JobDispatched && !retryable {
		return nil, nil
	}
	now := time.Now().UTC()
	j.State = domain.JobRunning
	j.OwnerID = ownerID
	j.ClaimedAt = &now
	r.jobs[id] = j
	return &j, nil
}

func (r *memJobRepo) UpdateJobSafe(_ context.Context, id string, expectedAttempt int, patch domain.JobPatch) (domain.Job, error) {
	return r.update(id, expectedAttempt, patch, false)
}

func (r *memJobRepo) UpdateJobSafeAndIncrementAttempt(_ context.Context, id string, expectedAttempt int, patch domain.JobPatch) (domain.Job, error) {
	return r.update(id, expectedAttempt, patch, true)
}

func (r *memJobRepo) update(id string, expectedAttempt int, patch domain.JobPatch, bump bool) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || j.Attempt != expectedAttempt {
		return domain.Job{}, fmt.Errorf("op=test.update: %w", domain.ErrStaleWrite)
	}
	if patch.State != nil {
		if !domain.CanTransition(j.State, *patch.State) {
			return domain.Job{}, fmt.Errorf("op=test.update: %w", domain.ErrStaleWrite)
		}
		j.State = *patch.State
	}
	if patch.Error != nil {
		j.Error = domain.TruncateError(*patch.Error)
	}
	if patch.Payload != nil {
		j.Payload = *patch.Payload
	}
	if bump {
		j.Attempt++
	}
	j.UpdatedAt = time.Now().UTC()
	r.jobs[id] = j
	return j, nil
}

func (r *memJobRepo) Redispatch(_ context.Context, id string, expectedAttempt int) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j := r.jobs[id]
	if j.Attempt != expectedAttempt {
		return domain.Job{}, fmt.Errorf("op=test.redispatch: %w", domain.ErrStaleWrite)
	}
	j.State = domain.JobDispatched
	j.ClaimedAt = nil
	r.jobs[id] = j
	return j, nil
}

func (r *memJobRepo) ListStalled(_ context.Context, cutoff time.Time) ([]domain.Job, error) {
	return nil, nil
}

func (r *memJobRepo) ListRetryable(_ context.Context) ([]domain.Job, error) {
	return nil, nil
}

func (r *memJobRepo) CancelPending(_ context.Context, projectID string) ([]domain.Job, error) {
	return nil, nil
}

func (r *memJobRepo) Revive(_ context.Context, id string, _ map[string]any) (domain.Job, error) {
	return domain.Job{}, fmt.Errorf("op=test.revive: %w", domain.ErrNotFound)
}

type memProjectRepo struct {
	mu      sync.Mutex
	project domain.Project
	scenes  map[string]domain.Scene
	chars   map[string]domain.Character
	locs    map[string]domain.Location
}

func newMemProjectRepo(id string) *memProjectRepo {
	return &memProjectRepo{
		project: domain.Project{ID: id, Status: domain.ProjectRunning},
		scenes:  map[string]domain.Scene{},
		chars:   map[string]domain.Character{},
		locs:    map[string]domain.Location{},
	}
}

func (r *memProjectRepo) CreateProject(_ context.Context, p domain.Project) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.project = p
	return p.ID, nil
}

func (r *memProjectRepo) GetProject(_ context.Context, id string) (domain.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id != r.project.ID {
		return domain.Project{}, fmt.Errorf("op=test.get_project: %w", domain.ErrNotFound)
	}
	return r.project, nil
}

func (r *memProjectRepo) GetProjectFullState(_ context.Context, id string) (domain.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id != r.project.ID {
		return domain.Project{}, fmt.Errorf("op=test.get_project: %w", domain.ErrNotFound)
	}
	p := r.project
	for _, sc := range r.scenes {
		p.Scenes = append(p.Scenes, sc)
	}
	for _, c := range r.chars {
		p.Characters = append(p.Characters, c)
	}
	for _, l := range r.locs {
		p.Locations = append(p.Locations, l)
	}
	return p, nil
}

func (r *memProjectRepo) GetScene(_ context.Context, id string) (domain.Scene, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sc, ok := r.scenes[id]
	if !ok {
		return domain.Scene{}, fmt.Errorf("op=test.get_scene: %w", domain.ErrNotFound)
	}
	return sc, nil
}

func (r *memProjectRepo) GetCharactersByIDs(_ context.Context, ids []string) ([]domain.Character, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Character, 0, len(ids))
	for _, id := range ids {
		if c, ok := r.chars[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *memProjectRepo) GetLocationsByIDs(_ context.Context, ids []string) ([]domain.Location, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Location, 0, len(ids))
	for _, id := range ids {
		if l, ok := r.locs[id]; ok {
			out = append(out, l)
		}
	}
	return out, nil
}

func (r *memProjectRepo) UpdateProject(_ context.Context, _ string, patch domain.ProjectPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if patch.Status != nil {
		r.project.Status = *patch.Status
	}
	if patch.Metadata != nil {
		r.project.Metadata = *patch.Metadata
	}
	if patch.GenerationRules != nil {
		r.project.GenerationRules = *patch.GenerationRules
	}
	if patch.ForceRegenerateScenes != nil {
		r.project.ForceRegenerateScenes = *patch.ForceRegenerateScenes
	}
	if patch.Assets != nil {
		r.project.Assets = *patch.Assets
	}
	return nil
}

func (r *memProjectRepo) UpdateScenes(_ context.Context, scenes []domain.Scene) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sc := range scenes {
		r.scenes[sc.ID] = sc
	}
	return nil
}

func (r *memProjectRepo) UpdateCharacters(_ context.Context, chars []domain.Character) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range chars {
		r.chars[c.ID] = c
	}
	return nil
}

func (r *memProjectRepo) UpdateLocations(_ context.Context, locs []domain.Location) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range locs {
		r.locs[l.ID] = l
	}
	return nil
}

func (r *memProjectRepo) CreateScenes(_ context.Context, _ string, scenes []domain.Scene) error {
	return r.UpdateScenes(context.Background(), scenes)
}

// memLocks is a mutually exclusive named lock table.
type memLocks struct {
	mu   sync.Mutex
	held map[string]string
}

func newMemLocks() *memLocks { return &memLocks{held: map[string]string{}} }

func (l *memLocks) Init(context.Context) error { return nil }

func (l *memLocks) TryAcquire(_ context.Context, name, owner string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.held[name]; ok && cur != owner {
		return false, nil
	}
	l.held[name] = owner
	return true, nil
}

func (l *memLocks) Renew(_ context.Context, _, _ string, _ time.Duration) error { return nil }

func (l *memLocks) Release(_ context.Context, name, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[name] == owner {
		delete(l.held, name)
	}
	return nil
}

type memBus struct {
	mu        sync.Mutex
	jobEvents []domain.JobEvent
	pipeline  []domain.PipelineEvent
}

func (b *memBus) PublishJobEvent(_ context.Context, ev domain.JobEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobEvents = append(b.jobEvents, ev)
	return nil
}

func (b *memBus) PublishPipelineEvent(_ context.Context, ev domain.PipelineEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pipeline = append(b.pipeline, ev)
	return nil
}

func (b *memBus) PublishCancellation(_ context.Context, _ domain.CancelEvent) error { return nil }

func (b *memBus) jobEventTypes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.jobEvents))
	for i, ev := range b.jobEvents {
		out[i] = ev.Type
	}
	return out
}

func (b *memBus) pipelineEventTypes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.pipeline))
	for i, ev := range b.pipeline {
		out[i] = ev.Type
	}
	return out
}

// scriptedAgent records every invocation and delegates to fn.
type scriptedAgent struct {
	mu    sync.Mutex
	calls []domain.Job
	fn    func(ctx context.Context, job domain.Job) (domain.AgentResult, error)
}

func (a *scriptedAgent) Execute(ctx context.Context, job domain.Job, _ domain.Project) (domain.AgentResult, error) {
	a.mu.Lock()
	a.calls = append(a.calls, job)
	a.mu.Unlock()
	return a.fn(ctx, job)
}

func (a *scriptedAgent) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func (a *scriptedAgent) call(i int) domain.Job {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[i]
}

type singleAgentRouter struct{ agent domain.Agent }

func (r singleAgentRouter) AgentFor(domain.JobType) (domain.Agent, error) { return r.agent, nil }

// ---- harness ----

type harness struct {
	jobs     *memJobRepo
	projects *memProjectRepo
	bus      *memBus
	agent    *scriptedAgent
	worker   *worker.Worker
}

func newHarness(t *testing.T, fn func(ctx context.Context, job domain.Job) (domain.AgentResult, error)) *harness {
	t.Helper()
	jobs := newMemJobRepo()
	projects := newMemProjectRepo("p1")
	bus := &memBus{}
	agent := &scriptedAgent{fn: fn}
	w := worker.New(
		worker.Config{
			OwnerID:         "w-test",
			ProjectClaimCap: 4,
			SafetyRetries:   2,
			AgentTimeout:    time.Second,
			VideoTimeout:    time.Second,
		},
		jobs, projects, singleAgentRouter{agent},
		assets.NewLedger(projects, newMemLocks(), "w-test", time.Second),
		bus,
		usecase.NewProjectService(projects, bus),
	)
	return &harness{jobs: jobs, projects: projects, bus: bus, agent: agent, worker: w}
}

// seedDispatched writes a DISPATCHED video job for scene s1 and returns it.
func (h *harness) seedDispatched(t *testing.T, spec domain.NewJobSpec) domain.Job {
	t.Helper()
	ctx := context.Background()
	job, created, err := h.jobs.CreateJob(ctx, spec)
	require.NoError(t, err)
	require.True(t, created)
	job, err = h.jobs.MarkDispatched(ctx, job.ID)
	require.NoError(t, err)
	return job
}

func dispatchRecord(t *testing.T, job domain.Job) []byte {
	t.Helper()
	b, err := json.Marshal(domain.JobEvent{
		Type:      domain.EventJobDispatched,
		JobID:     job.ID,
		ProjectID: job.ProjectID,
		JobType:   job.Type,
		Attempt:   job.Attempt,
	})
	require.NoError(t, err)
	return b
}

var videoJobSpec = domain.NewJobSpec{
	ProjectID:  "p1",
	Type:       domain.JobGenerateSceneVideo,
	UniqueKey:  "video:p1:s1:v1",
	Payload:    domain.JobPayload{SceneID: "s1", SceneIndex: 0, Version: 1},
	MaxRetries: 3,
	AssetKey:   domain.AssetSceneVideo,
}

// ---- tests ----

func TestHandleDispatchRecord_Success(t *testing.T) {
	h := newHarness(t, func(_ context.Context, _ domain.Job) (domain.AgentResult, error) {
		return domain.AgentResult{
			Type:  domain.AssetVideo,
			Data:  []string{"uri://videos/s1-v1.mp4"},
			Model: "video-model",
		}, nil
	})
	h.projects.scenes["s1"] = domain.Scene{ID: "s1", ProjectID: "p1", Status: domain.SceneGenerating}
	job := h.seedDispatched(t, videoJobSpec)

	err := h.worker.HandleDispatchRecord(context.Background(), dispatchRecord(t, job), nil)
	require.NoError(t, err)

	got := h.jobs.get(job.ID)
	assert.Equal(t, domain.JobCompleted, got.State)
	assert.Equal(t, 1, got.Attempt)

	sc := h.projects.scenes["s1"]
	assert.Equal(t, domain.SceneComplete, sc.Status)
	h2 := sc.Assets[domain.AssetSceneVideo]
	require.NotNil(t, h2)
	assert.Equal(t, 1, h2.Head)
	assert.Equal(t, 1, h2.Best)
	assert.Equal(t, "uri://videos/s1-v1.mp4", h2.BestVersion().Data)
	assert.Equal(t, job.ID, h2.Versions[0].Metadata.JobID)

	assert.Equal(t, []string{domain.EventJobStarted, domain.EventJobCompleted}, h.bus.jobEventTypes())
	assert.Contains(t, h.bus.pipelineEventTypes(), domain.EventSceneUpdate)
}

func TestHandleDispatchRecord_ClaimUnavailable(t *testing.T) {
	h := newHarness(t, func(_ context.Context, _ domain.Job) (domain.AgentResult, error) {
		t.Fatal("agent must not run without a claim")
		return domain.AgentResult{}, nil
	})

	// Unknown job id: record is acked without work.
	err := h.worker.HandleDispatchRecord(context.Background(),
		dispatchRecord(t, domain.Job{ID: "job_missing", ProjectID: "p1"}), nil)
	require.NoError(t, err)
	assert.Empty(t, h.bus.jobEventTypes())
}

func TestHandleDispatchRecord_ClaimErrorRedelivers(t *testing.T) {
	h := newHarness(t, func(_ context.Context, _ domain.Job) (domain.AgentResult, error) {
		return domain.AgentResult{}, nil
	})
	job := h.seedDispatched(t, videoJobSpec)
	h.jobs.claimErr = fmt.Errorf("op=test.claim: %w", domain.ErrTransientDB)

	err := h.worker.HandleDispatchRecord(context.Background(), dispatchRecord(t, job), nil)
	require.Error(t, err, "store trouble leaves the record uncommitted")
}

func TestHandleDispatchRecord_DropsUndecodable(t *testing.T) {
	h := newHarness(t, nil)
	err := h.worker.HandleDispatchRecord(context.Background(), []byte("{nope"), nil)
	require.NoError(t, err)
}

func TestTransientFailure_CountsAttempt(t *testing.T) {
	h := newHarness(t, func(_ context.Context, _ domain.Job) (domain.AgentResult, error) {
		return domain.AgentResult{}, errors.New("upstream hiccup")
	})
	h.projects.scenes["s1"] = domain.Scene{ID: "s1", ProjectID: "p1"}
	job := h.seedDispatched(t, videoJobSpec)

	err := h.worker.HandleDispatchRecord(context.Background(), dispatchRecord(t, job), nil)
	require.NoError(t, err, "failure is recorded, record is acked")

	got := h.jobs.get(job.ID)
	assert.Equal(t, domain.JobFailed, got.State)
	assert.Equal(t, 2, got.Attempt)
	assert.Equal(t, "upstream hiccup", got.Error)

	types := h.bus.jobEventTypes()
	assert.Equal(t, []string{domain.EventJobStarted, domain.EventJobFailed}, types)
}

func TestFatalFailure_GoesFatal(t *testing.T) {
	h := newHarness(t, func(_ context.Context, _ domain.Job) (domain.AgentResult, error) {
		return domain.AgentResult{}, fmt.Errorf("op=agent: bad output: %w", domain.ErrSchemaInvalid)
	})
	h.projects.scenes["s1"] = domain.Scene{ID: "s1", ProjectID: "p1"}
	job := h.seedDispatched(t, videoJobSpec)

	require.NoError(t, h.worker.HandleDispatchRecord(context.Background(), dispatchRecord(t, job), nil))

	got := h.jobs.get(job.ID)
	assert.Equal(t, domain.JobFatal, got.State)
	assert.Equal(t, 1, got.Attempt, "fatal failures do not consume the retry budget")
}

func TestSafetyFailure_SanitizesAndConsumesAttempt(t *testing.T) {
	h := newHarness(t, nil)
	h.agent.fn = func(_ context.Context, job domain.Job) (domain.AgentResult, error) {
		if h.agent.callCount() == 1 {
			return domain.AgentResult{}, fmt.Errorf("op=agent: %w", domain.ErrContentFilter)
		}
		return domain.AgentResult{
			Type: domain.AssetVideo,
			Data: []string{"uri://videos/s1-safe.mp4"},
		}, nil
	}
	h.projects.scenes["s1"] = domain.Scene{ID: "s1", ProjectID: "p1"}

	spec := videoJobSpec
	spec.Payload.PromptModification = "make it gritty"
	job := h.seedDispatched(t, spec)

	require.NoError(t, h.worker.HandleDispatchRecord(context.Background(), dispatchRecord(t, job), nil))

	require.Equal(t, 2, h.agent.callCount())
	first, second := h.agent.call(0), h.agent.call(1)
	assert.Equal(t, "make it gritty", first.Payload.PromptModification)
	assert.Empty(t, second.Payload.PromptModification, "operator override stripped on retry")
	assert.Equal(t, true, second.Payload.Params["safeMode"])
	assert.Equal(t, 1, second.Payload.Params["safeModeRound"])
	assert.Equal(t, 2, second.Attempt, "sanitize pass consumed one attempt before the retry")

	got := h.jobs.get(job.ID)
	assert.Equal(t, domain.JobCompleted, got.State)
	assert.Equal(t, 2, got.Attempt, "one content-filter hit costs one attempt")

	h2 := h.projects.scenes["s1"].Assets[domain.AssetSceneVideo]
	require.NotNil(t, h2)
	assert.Equal(t, 1, h2.Head, "exactly one version appended")
}

func TestSafetyFailure_ExhaustedBudgetGoesFatal(t *testing.T) {
	h := newHarness(t, func(_ context.Context, _ domain.Job) (domain.AgentResult, error) {
		return domain.AgentResult{}, fmt.Errorf("op=agent: %w", domain.ErrContentFilter)
	})
	h.projects.scenes["s1"] = domain.Scene{ID: "s1", ProjectID: "p1"}
	job := h.seedDispatched(t, videoJobSpec)

	require.NoError(t, h.worker.HandleDispatchRecord(context.Background(), dispatchRecord(t, job), nil))

	// SafetyRetries=2 means the original call plus two sanitized retries.
	assert.Equal(t, 3, h.agent.callCount())
	got := h.jobs.get(job.ID)
	assert.Equal(t, domain.JobFatal, got.State)
	assert.Equal(t, 3, got.Attempt, "both sanitize passes consumed attempts")
}

func TestRateLimitFailure_ForgivenBelowCap(t *testing.T) {
	h := newHarness(t, func(_ context.Context, _ domain.Job) (domain.AgentResult, error) {
		return domain.AgentResult{}, fmt.Errorf("op=agent: %w", domain.ErrRateLimited)
	})
	h.projects.scenes["s1"] = domain.Scene{ID: "s1", ProjectID: "p1"}
	job := h.seedDispatched(t, videoJobSpec)

	require.NoError(t, h.worker.HandleDispatchRecord(context.Background(), dispatchRecord(t, job), nil))

	got := h.jobs.get(job.ID)
	assert.Equal(t, domain.JobFailed, got.State)
	assert.Equal(t, 1, got.Attempt, "throttling does not consume the retry budget")
	assert.Equal(t, 1, got.Payload.Params["rateLimitHits"])

	assert.Equal(t, []string{domain.EventJobStarted, domain.EventJobFailed}, h.bus.jobEventTypes())
}

func TestRateLimitFailure_CountsAttemptPastCap(t *testing.T) {
	h := newHarness(t, func(_ context.Context, _ domain.Job) (domain.AgentResult, error) {
		return domain.AgentResult{}, fmt.Errorf("op=agent: %w", domain.ErrRateLimited)
	})
	h.projects.scenes["s1"] = domain.Scene{ID: "s1", ProjectID: "p1"}

	spec := videoJobSpec
	spec.Payload.Params = map[string]any{"rateLimitHits": 5}
	job := h.seedDispatched(t, spec)

	require.NoError(t, h.worker.HandleDispatchRecord(context.Background(), dispatchRecord(t, job), nil))

	got := h.jobs.get(job.ID)
	assert.Equal(t, domain.JobFailed, got.State)
	assert.Equal(t, 2, got.Attempt, "past the forgiveness cap throttling burns retries")
	assert.Equal(t, 6, got.Payload.Params["rateLimitHits"])
}

func TestHandleCancelRecord_AbortsInflight(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, func(ctx context.Context, _ domain.Job) (domain.AgentResult, error) {
		close(started)
		<-ctx.Done()
		return domain.AgentResult{}, ctx.Err()
	})
	h.projects.scenes["s1"] = domain.Scene{ID: "s1", ProjectID: "p1"}
	job := h.seedDispatched(t, videoJobSpec)

	done := make(chan error, 1)
	go func() {
		done <- h.worker.HandleDispatchRecord(context.Background(), dispatchRecord(t, job), nil)
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("agent never started")
	}

	cancel, err := json.Marshal(domain.CancelEvent{
		Type:      domain.EventCancel,
		ProjectID: "p1",
		Reason:    "operator stop",
	})
	require.NoError(t, err)
	require.NoError(t, h.worker.HandleCancelRecord(context.Background(), cancel, nil))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch handler never returned")
	}
	assert.Equal(t, domain.JobCancelled, h.jobs.get(job.ID).State)
}

func TestHandleCancelRecord_IgnoresOtherProjects(t *testing.T) {
	h := newHarness(t, func(_ context.Context, _ domain.Job) (domain.AgentResult, error) {
		return domain.AgentResult{Type: domain.AssetVideo, Data: []string{"uri://v"}}, nil
	})
	cancel, err := json.Marshal(domain.CancelEvent{Type: domain.EventCancel, ProjectID: "someone-else"})
	require.NoError(t, err)
	require.NoError(t, h.worker.HandleCancelRecord(context.Background(), cancel, nil))
}
