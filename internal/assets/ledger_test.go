package assets_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/assets"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
)

// memProjectRepo hands out deep copies on reads, the way rows decoded from
// JSONB are independent copies, so read-modify-write races are observable.
type memProjectRepo struct {
	mu      sync.Mutex
	project domain.Project
	scenes  map[string]domain.Scene
	chars   map[string]domain.Character
	locs    map[string]domain.Location
}

func newMemProjectRepo(id string) *memProjectRepo {
	return &memProjectRepo{
		project: domain.Project{ID: id, Status: domain.ProjectDraft},
		scenes:  map[string]domain.Scene{},
		chars:   map[string]domain.Character{},
		locs:    map[string]domain.Location{},
	}
}

// deepCopy roundtrips through JSON, detaching every nested map and pointer.
func deepCopy[T any](t T) T {
	b, err := json.Marshal(t)
	if err != nil {
		panic(err)
	}
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		panic(err)
	}
	return out
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
	return deepCopy(r.project), nil
}

func (r *memProjectRepo) GetProjectFullState(ctx context.Context, id string) (domain.Project, error) {
	return r.GetProject(ctx, id)
}

func (r *memProjectRepo) GetScene(_ context.Context, id string) (domain.Scene, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sc, ok := r.scenes[id]
	if !ok {
		return domain.Scene{}, fmt.Errorf("op=test.get_scene: %w", domain.ErrNotFound)
	}
	return deepCopy(sc), nil
}

func (r *memProjectRepo) GetCharactersByIDs(_ context.Context, ids []string) ([]domain.Character, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Character, 0, len(ids))
	for _, id := range ids {
		if c, ok := r.chars[id]; ok {
			out = append(out, deepCopy(c))
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
			out = append(out, deepCopy(l))
		}
	}
	return out, nil
}

func (r *memProjectRepo) UpdateProject(_ context.Context, id string, patch domain.ProjectPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if patch.Assets != nil {
		r.project.Assets = *patch.Assets
	}
	if patch.Status != nil {
		r.project.Status = *patch.Status
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

func newTestLedger(repo *memProjectRepo) *assets.Ledger {
	return assets.NewLedger(repo, newMemLocks(), "ledger-test", time.Second)
}

func TestScopeForKey(t *testing.T) {
	s, err := assets.ScopeForKey(domain.AssetSceneVideo)
	require.NoError(t, err)
	assert.Equal(t, assets.ScopeScene, s)

	s, err = assets.ScopeForKey(domain.AssetStoryboard)
	require.NoError(t, err)
	assert.Equal(t, assets.ScopeProject, s)

	_, err = assets.ScopeForKey("nonsense")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestLedger_AppendProjectScope(t *testing.T) {
	ctx := context.Background()
	repo := newMemProjectRepo("p1")
	ledger := newTestLedger(repo)

	// Project scope defaults the target to the project itself.
	got, err := ledger.CreateVersionedAssets(ctx, "p1", assets.AppendSpec{
		Key:     domain.AssetStoryboard,
		Data:    []string{`{"scenes":3}`},
		Types:   []domain.AssetType{domain.AssetJSON},
		Metas:   []domain.VersionMetadata{{JobID: "j1"}},
		SetBest: []bool{true},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Version)

	h := repo.project.Assets[domain.AssetStoryboard]
	require.NotNil(t, h)
	assert.Equal(t, 1, h.Head)
	assert.Equal(t, 1, h.Best)
	assert.Equal(t, "j1", h.Versions[0].Metadata.JobID)
}

func TestLedger_AppendSceneScopeMonotonic(t *testing.T) {
	ctx := context.Background()
	repo := newMemProjectRepo("p1")
	repo.scenes["s1"] = domain.Scene{ID: "s1", ProjectID: "p1"}
	ledger := newTestLedger(repo)

	for i := 1; i <= 3; i++ {
		got, err := ledger.CreateVersionedAssets(ctx, "p1", assets.AppendSpec{
			Key:       domain.AssetSceneVideo,
			EntityIDs: []string{"s1"},
			Data:      []string{fmt.Sprintf("uri://v%d", i)},
			Types:     []domain.AssetType{domain.AssetVideo},
			SetBest:   []bool{true},
		})
		require.NoError(t, err)
		assert.Equal(t, i, got[0].Version)
	}

	h := repo.scenes["s1"].Assets[domain.AssetSceneVideo]
	require.NotNil(t, h)
	assert.Equal(t, 3, h.Head)
	assert.Equal(t, 3, h.Best)
	assert.Equal(t, "uri://v3", h.BestVersion().Data)
}

func TestLedger_AppendPositionalOverCharacters(t *testing.T) {
	ctx := context.Background()
	repo := newMemProjectRepo("p1")
	repo.chars["c1"] = domain.Character{ID: "c1", ProjectID: "p1"}
	repo.chars["c2"] = domain.Character{ID: "c2", ProjectID: "p1"}
	ledger := newTestLedger(repo)

	got, err := ledger.CreateVersionedAssets(ctx, "p1", assets.AppendSpec{
		Key:       domain.AssetCharacterImage,
		EntityIDs: []string{"c1", "c2"},
		Data:      []string{"uri://c1", "uri://c2"},
		Types:     []domain.AssetType{domain.AssetImage},
		SetBest:   []bool{true},
	})
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "uri://c1", repo.chars["c1"].Assets[domain.AssetCharacterImage].BestVersion().Data)
	assert.Equal(t, "uri://c2", repo.chars["c2"].Assets[domain.AssetCharacterImage].BestVersion().Data)
}

func TestLedger_AppendTargetCountMismatch(t *testing.T) {
	ctx := context.Background()
	repo := newMemProjectRepo("p1")
	repo.scenes["s1"] = domain.Scene{ID: "s1"}
	ledger := newTestLedger(repo)

	_, err := ledger.CreateVersionedAssets(ctx, "p1", assets.AppendSpec{
		Key:       domain.AssetSceneVideo,
		EntityIDs: []string{"s1"},
		Data:      []string{"a", "b"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestLedger_AppendMissingCharacter(t *testing.T) {
	ctx := context.Background()
	repo := newMemProjectRepo("p1")
	repo.chars["c1"] = domain.Character{ID: "c1"}
	ledger := newTestLedger(repo)

	_, err := ledger.CreateVersionedAssets(ctx, "p1", assets.AppendSpec{
		Key:       domain.AssetCharacterImage,
		EntityIDs: []string{"c1", "ghost"},
		Data:      []string{"a", "b"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLedger_NextVersionNumbers(t *testing.T) {
	ctx := context.Background()
	repo := newMemProjectRepo("p1")
	repo.scenes["s1"] = domain.Scene{ID: "s1"}
	repo.scenes["s2"] = domain.Scene{ID: "s2"}
	ledger := newTestLedger(repo)

	_, err := ledger.CreateVersionedAssets(ctx, "p1", assets.AppendSpec{
		Key:       domain.AssetSceneVideo,
		EntityIDs: []string{"s1"},
		Data:      []string{"uri://v1"},
	})
	require.NoError(t, err)

	next, err := ledger.NextVersionNumbers(ctx, "p1", domain.AssetSceneVideo, []string{"s1", "s2"})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1}, next)
}

func TestLedger_BestVersions(t *testing.T) {
	ctx := context.Background()
	repo := newMemProjectRepo("p1")
	repo.scenes["s1"] = domain.Scene{ID: "s1"}
	repo.scenes["s2"] = domain.Scene{ID: "s2"}
	ledger := newTestLedger(repo)

	_, err := ledger.CreateVersionedAssets(ctx, "p1", assets.AppendSpec{
		Key:       domain.AssetSceneVideo,
		EntityIDs: []string{"s1"},
		Data:      []string{"uri://v1"},
		SetBest:   []bool{true},
	})
	require.NoError(t, err)

	best, err := ledger.BestVersions(ctx, "p1", domain.AssetSceneVideo, []string{"s1", "s2"})
	require.NoError(t, err)
	require.Len(t, best, 2)
	require.NotNil(t, best[0])
	assert.Equal(t, "uri://v1", best[0].Data)
	assert.Nil(t, best[1], "untouched scene has no best")
}

func TestLedger_SetBestVersion(t *testing.T) {
	ctx := context.Background()
	repo := newMemProjectRepo("p1")
	repo.scenes["s1"] = domain.Scene{ID: "s1"}
	ledger := newTestLedger(repo)

	for _, uri := range []string{"uri://v1", "uri://v2"} {
		_, err := ledger.CreateVersionedAssets(ctx, "p1", assets.AppendSpec{
			Key:       domain.AssetSceneVideo,
			EntityIDs: []string{"s1"},
			Data:      []string{uri},
			SetBest:   []bool{true},
		})
		require.NoError(t, err)
	}

	require.NoError(t, ledger.SetBestVersion(ctx, "p1", domain.AssetSceneVideo, "s1", 1))
	assert.Equal(t, "uri://v1", repo.scenes["s1"].Assets[domain.AssetSceneVideo].BestVersion().Data)

	err := ledger.SetBestVersion(ctx, "p1", domain.AssetSceneVideo, "s1", 9)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = ledger.SetBestVersion(ctx, "p1", domain.AssetSceneStartFrame, "s1", 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound, "no history for the key")
}

func TestLedger_UpdateVersionMetadata(t *testing.T) {
	ctx := context.Background()
	repo := newMemProjectRepo("p1")
	repo.scenes["s1"] = domain.Scene{ID: "s1"}
	ledger := newTestLedger(repo)

	_, err := ledger.CreateVersionedAssets(ctx, "p1", assets.AppendSpec{
		Key:       domain.AssetSceneVideo,
		EntityIDs: []string{"s1"},
		Data:      []string{"uri://v1"},
		Metas:     []domain.VersionMetadata{{JobID: "j1"}},
	})
	require.NoError(t, err)

	err = ledger.UpdateVersionMetadata(ctx, "p1", domain.AssetSceneVideo, "s1", 1,
		domain.VersionMetadata{Evaluation: "sharp"})
	require.NoError(t, err)

	v, verr := repo.scenes["s1"].Assets[domain.AssetSceneVideo].Version(1)
	require.NoError(t, verr)
	assert.Equal(t, "j1", v.Metadata.JobID, "merge keeps existing fields")
	assert.Equal(t, "sharp", v.Metadata.Evaluation)
	assert.Equal(t, "uri://v1", v.Data, "payload stays immutable")

	err = ledger.UpdateVersionMetadata(ctx, "p1", domain.AssetSceneVideo, "s1", 7, domain.VersionMetadata{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLedger_ConcurrentAppendsSerialize(t *testing.T) {
	repo := newMemProjectRepo("p1")
	repo.scenes["s1"] = domain.Scene{ID: "s1", ProjectID: "p1"}
	ledger := newTestLedger(repo)

	const writers = 2
	start := make(chan struct{})
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		versions []int
		errs     []error
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			got, err := ledger.CreateVersionedAssets(context.Background(), "p1", assets.AppendSpec{
				Key:       domain.AssetSceneVideo,
				EntityIDs: []string{"s1"},
				Data:      []string{fmt.Sprintf("uri://g%d", i)},
				Types:     []domain.AssetType{domain.AssetVideo},
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			versions = append(versions, got[0].Version)
		}(i)
	}
	close(start)
	wg.Wait()

	require.Empty(t, errs)
	sort.Ints(versions)
	assert.Equal(t, []int{1, 2}, versions, "both appends issue distinct versions")

	h := repo.scenes["s1"].Assets[domain.AssetSceneVideo]
	require.NotNil(t, h)
	assert.Equal(t, 2, h.Head, "neither append is lost")
	assert.Len(t, h.Versions, 2)
}

func TestLedger_ReadsMissingCharacter(t *testing.T) {
	ctx := context.Background()
	repo := newMemProjectRepo("p1")
	repo.chars["c1"] = domain.Character{ID: "c1", ProjectID: "p1"}
	ledger := newTestLedger(repo)

	_, err := ledger.NextVersionNumbers(ctx, "p1", domain.AssetCharacterImage, []string{"c1", "ghost"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = ledger.BestVersions(ctx, "p1", domain.AssetCharacterImage, []string{"ghost"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = ledger.BestVersions(ctx, "p1", domain.AssetLocationImage, []string{"ghost"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
