package app

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/config"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/usecase"
)

type memJobRepo struct {
	mu   sync.Mutex
	jobs map[string]domain.Job
}

func newMemJobRepo() *memJobRepo {
	return &memJobRepo{jobs: map[string]domain.Job{}}
}

func (r *memJobRepo) put(j domain.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[j.ID] = j
}

func (r *memJobRepo) get(id string) domain.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[id]
}

func (r *memJobRepo) CreateJob(_ context.Context, spec domain.NewJobSpec) (domain.Job, bool, error) {
	return domain.Job{}, false, fmt.Errorf("op=test.create: unused")
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
	return domain.Job{}, fmt.Errorf("op=test.dispatch: %w", domain.ErrStaleWrite)
}

func (r *memJobRepo) ClaimJob(_ context.Context, _, _ string, _ int) (*domain.Job, error) {
	return nil, nil
}

func (r *memJobRepo) UpdateJobSafe(_ context.Context, _ string, _ int, _ domain.JobPatch) (domain.Job, error) {
	return domain.Job{}, fmt.Errorf("op=test.update: %w", domain.ErrStaleWrite)
}

func (r *memJobRepo) UpdateJobSafeAndIncrementAttempt(_ context.Context, _ string, _ int, _ domain.JobPatch) (domain.Job, error) {
	return domain.Job{}, fmt.Errorf("op=test.update: %w", domain.ErrStaleWrite)
}

func (r *memJobRepo) Redispatch(_ context.Context, id string, expectedAttempt int) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || j.Attempt != expectedAttempt || (j.State != domain.JobRunning && j.State != domain.JobFailed) {
		return domain.Job{}, fmt.Errorf("op=test.redispatch: %w", domain.ErrStaleWrite)
	}
	j.State = domain.JobDispatched
	j.OwnerID = ""
	j.ClaimedAt = nil
	j.UpdatedAt = time.Now().UTC()
	r.jobs[id] = j
	return j, nil
}

func (r *memJobRepo) ListStalled(_ context.Context, cutoff time.Time) ([]domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Job
	for _, j := range r.jobs {
		if j.State == domain.JobRunning && j.ClaimedAt != nil && j.ClaimedAt.Before(cutoff) {
			out = append(out, j)
		}
	}
	return out, nil
}

func (r *memJobRepo) ListRetryable(_ context.Context) ([]domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Job
	for _, j := range r.jobs {
		if j.State == domain.JobFailed && j.Attempt <= j.MaxRetries {
			out = append(out, j)
		}
	}
	return out, nil
}

func (r *memJobRepo) CancelPending(_ context.Context, _ string) ([]domain.Job, error) {
	return nil, nil
}

func (r *memJobRepo) Revive(_ context.Context, _ string, _ map[string]any) (domain.Job, error) {
	return domain.Job{}, fmt.Errorf("op=test.revive: %w", domain.ErrNotFound)
}

// memLocks hands the lock to everyone unless refuse is set.
type memLocks struct {
	refuse   bool
	acquires int
	releases int
}

func (l *memLocks) Init(context.Context) error { return nil }

func (l *memLocks) TryAcquire(_ context.Context, _, _ string, _ time.Duration) (bool, error) {
	l.acquires++
	return !l.refuse, nil
}

func (l *memLocks) Renew(_ context.Context, _, _ string, _ time.Duration) error { return nil }

func (l *memLocks) Release(_ context.Context, _, _ string) error {
	l.releases++
	return nil
}

type memBus struct {
	mu     sync.Mutex
	events []domain.JobEvent
}

func (b *memBus) PublishJobEvent(_ context.Context, ev domain.JobEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func (b *memBus) PublishPipelineEvent(_ context.Context, _ domain.PipelineEvent) error { return nil }

func (b *memBus) PublishCancellation(_ context.Context, _ domain.CancelEvent) error { return nil }

func (b *memBus) dispatched() []domain.JobEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.JobEvent
	for _, ev := range b.events {
		if ev.Type == domain.EventJobDispatched {
			out = append(out, ev)
		}
	}
	return out
}

func monitorFixture(t *testing.T) (*LifecycleMonitor, *memJobRepo, *memLocks, *memBus) {
	t.Helper()
	policy, err := config.BuildRetryPolicy(config.Config{
		RetryMaxRetries:   3,
		RetryInitialDelay: 50 * time.Millisecond,
		RetryMaxDelay:     time.Second,
		RetryMultiplier:   2.0,
	})
	require.NoError(t, err)

	repo := newMemJobRepo()
	locks := &memLocks{}
	bus := &memBus{}
	jobSvc := usecase.NewJobService(repo, bus, &policy)
	m := NewLifecycleMonitor(repo, jobSvc, locks, &policy, "monitor-test", time.Minute, 30*time.Second)
	return m, repo, locks, bus
}

func runningJob(id string, attempt int, claimedAgo time.Duration) domain.Job {
	claimed := time.Now().Add(-claimedAgo)
	return domain.Job{
		ID:         id,
		ProjectID:  "p1",
		Type:       domain.JobGenerateSceneVideo,
		State:      domain.JobRunning,
		Attempt:    attempt,
		MaxRetries: 3,
		OwnerID:    "w-dead",
		ClaimedAt:  &claimed,
		UpdatedAt:  claimed,
	}
}

func TestSweep_ReclaimsStalledJob(t *testing.T) {
	m, repo, locks, bus := monitorFixture(t)
	repo.put(runningJob("j-stalled", 2, 10*time.Minute))
	repo.put(runningJob("j-fresh", 1, time.Second))

	m.sweepOnce(context.Background())

	stalled := repo.get("j-stalled")
	assert.Equal(t, domain.JobDispatched, stalled.State)
	assert.Equal(t, 2, stalled.Attempt, "reclaim keeps the attempt")
	assert.Empty(t, stalled.OwnerID)

	assert.Equal(t, domain.JobRunning, repo.get("j-fresh").State, "fresh claims stay running")

	dispatched := bus.dispatched()
	require.Len(t, dispatched, 1)
	assert.Equal(t, "j-stalled", dispatched[0].JobID)
	assert.Equal(t, 2, dispatched[0].Attempt)

	assert.Equal(t, 1, locks.acquires)
	assert.Equal(t, 1, locks.releases)
}

func TestSweep_RetryableGatedByBackoff(t *testing.T) {
	m, repo, _, bus := monitorFixture(t)

	ready := domain.Job{
		ID: "j-ready", ProjectID: "p1", Type: domain.JobGenerateStoryboard,
		State: domain.JobFailed, Attempt: 2, MaxRetries: 3,
		UpdatedAt: time.Now().Add(-time.Hour),
	}
	waiting := domain.Job{
		ID: "j-waiting", ProjectID: "p1", Type: domain.JobGenerateStoryboard,
		State: domain.JobFailed, Attempt: 2, MaxRetries: 3,
		UpdatedAt: time.Now(),
	}
	exhausted := domain.Job{
		ID: "j-exhausted", ProjectID: "p1", Type: domain.JobGenerateStoryboard,
		State: domain.JobFailed, Attempt: 5, MaxRetries: 3,
		UpdatedAt: time.Now().Add(-time.Hour),
	}
	repo.put(ready)
	repo.put(waiting)
	repo.put(exhausted)

	m.sweepOnce(context.Background())

	assert.Equal(t, domain.JobDispatched, repo.get("j-ready").State)
	assert.Equal(t, domain.JobFailed, repo.get("j-waiting").State, "backoff not elapsed")
	assert.Equal(t, domain.JobFailed, repo.get("j-exhausted").State, "over budget, left for intervention")

	dispatched := bus.dispatched()
	require.Len(t, dispatched, 1)
	assert.Equal(t, "j-ready", dispatched[0].JobID)
}

func TestSweep_SkipsWithoutLock(t *testing.T) {
	m, repo, locks, bus := monitorFixture(t)
	locks.refuse = true
	repo.put(runningJob("j-stalled", 1, 10*time.Minute))

	m.sweepOnce(context.Background())

	assert.Equal(t, domain.JobRunning, repo.get("j-stalled").State, "another instance holds the lock")
	assert.Empty(t, bus.dispatched())
	assert.Zero(t, locks.releases)
}
