// Package assets implements the versioned asset ledger over the owning
// entities' histories: append-only versions, a head pointer and a movable
// best pointer per (entity, asset key) pair.
package assets

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
)

// Scope names the entity kind an asset key is stored on.
type Scope string

const (
	ScopeProject   Scope = "project"
	ScopeScene     Scope = "scene"
	ScopeCharacter Scope = "character"
	ScopeLocation  Scope = "location"
)

var keyScopes = map[string]Scope{
	domain.AssetStoryboard:      ScopeProject,
	domain.AssetAudioAnalysis:   ScopeProject,
	domain.AssetRenderVideo:     ScopeProject,
	domain.AssetSceneStartFrame: ScopeScene,
	domain.AssetSceneEndFrame:   ScopeScene,
	domain.AssetSceneVideo:      ScopeScene,
	domain.AssetScenePrompt:     ScopeScene,
	domain.AssetCharacterImage:  ScopeCharacter,
	domain.AssetLocationImage:   ScopeLocation,
}

// ScopeForKey resolves the owning entity kind for an asset key.
func ScopeForKey(key string) (Scope, error) {
	s, ok := keyScopes[key]
	if !ok {
		return "", fmt.Errorf("op=assets.scope: unknown asset key %q: %w", key, domain.ErrInvalidArgument)
	}
	return s, nil
}

// AppendSpec describes one batched append across the target entities of an
// asset key. Data is positional; Types, Metas and SetBest may each be a
// single value applied to all targets or one value per target.
type AppendSpec struct {
	Key       string
	EntityIDs []string
	Data      []string
	Types     []domain.AssetType
	Metas     []domain.VersionMetadata
	SetBest   []bool
}

// Ledger mediates every asset history mutation. Each mutation takes an
// advisory lock per (entity, asset key) pair before its read-modify-write,
// so concurrent appends to the same history serialize instead of clobbering.
type Ledger struct {
	repo  domain.ProjectRepository
	locks domain.LockManager
	owner string
	lease time.Duration
}

// NewLedger constructs a Ledger over the project repository. Entity locks
// are held for at most lease per mutation.
func NewLedger(repo domain.ProjectRepository, locks domain.LockManager, owner string, lease time.Duration) *Ledger {
	return &Ledger{repo: repo, locks: locks, owner: owner, lease: lease}
}

// CreateVersionedAssets appends one version per target entity and persists
// the touched entities. Returned versions are positional with EntityIDs.
func (l *Ledger) CreateVersionedAssets(ctx context.Context, projectID string, spec AppendSpec) ([]domain.AssetVersion, error) {
	tracer := otel.Tracer("assets.ledger")
	ctx, span := tracer.Start(ctx, "ledger.CreateVersionedAssets")
	defer span.End()
	span.SetAttributes(
		attribute.String("asset.key", spec.Key),
		attribute.Int("asset.targets", len(spec.EntityIDs)),
	)

	scope, err := ScopeForKey(spec.Key)
	if err != nil {
		return nil, err
	}
	ids := spec.EntityIDs
	if scope == ScopeProject && len(ids) == 0 {
		ids = []string{projectID}
	}
	if len(ids) == 0 || len(spec.Data) != len(ids) {
		return nil, fmt.Errorf("op=assets.append: %d data entries for %d targets: %w",
			len(spec.Data), len(ids), domain.ErrInvalidArgument)
	}

	out := make([]domain.AssetVersion, len(ids))
	err = l.mutate(ctx, projectID, spec.Key, scope, ids, func(i int, m *domain.AssetMap) error {
		h := m.History(spec.Key)
		out[i] = h.Append(
			pickOne(spec.Key, "type", spec.Types, i, len(ids)),
			spec.Data[i],
			pickOne(spec.Key, "metadata", spec.Metas, i, len(ids)),
			pickOne(spec.Key, "setBest", spec.SetBest, i, len(ids)),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// NextVersionNumbers returns head+1 per target without mutating anything.
func (l *Ledger) NextVersionNumbers(ctx context.Context, projectID, key string, entityIDs []string) ([]int, error) {
	scope, err := ScopeForKey(key)
	if err != nil {
		return nil, err
	}
	if scope == ScopeProject && len(entityIDs) == 0 {
		entityIDs = []string{projectID}
	}
	out := make([]int, len(entityIDs))
	err = l.visit(ctx, projectID, scope, entityIDs, func(i int, m domain.AssetMap) error {
		if h, ok := m[key]; ok {
			out[i] = h.Head + 1
		} else {
			out[i] = 1
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// BestVersions returns the best version per target; nil entries mean the
// target has no version for the key yet.
func (l *Ledger) BestVersions(ctx context.Context, projectID, key string, entityIDs []string) ([]*domain.AssetVersion, error) {
	scope, err := ScopeForKey(key)
	if err != nil {
		return nil, err
	}
	if scope == ScopeProject && len(entityIDs) == 0 {
		entityIDs = []string{projectID}
	}
	out := make([]*domain.AssetVersion, len(entityIDs))
	err = l.visit(ctx, projectID, scope, entityIDs, func(i int, m domain.AssetMap) error {
		out[i] = m[key].BestVersion()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetBestVersion moves the best pointer on one entity.
func (l *Ledger) SetBestVersion(ctx context.Context, projectID, key, entityID string, version int) error {
	scope, err := ScopeForKey(key)
	if err != nil {
		return err
	}
	return l.mutate(ctx, projectID, key, scope, []string{entityID}, func(_ int, m *domain.AssetMap) error {
		h, ok := (*m)[key]
		if !ok {
			return fmt.Errorf("op=assets.set_best: no history for %q: %w", key, domain.ErrNotFound)
		}
		return h.SetBest(version)
	})
}

// UpdateVersionMetadata merges a metadata patch into one existing version.
// Version payloads themselves stay immutable.
func (l *Ledger) UpdateVersionMetadata(ctx context.Context, projectID, key, entityID string, version int, patch domain.VersionMetadata) error {
	scope, err := ScopeForKey(key)
	if err != nil {
		return err
	}
	return l.mutate(ctx, projectID, key, scope, []string{entityID}, func(_ int, m *domain.AssetMap) error {
		h, ok := (*m)[key]
		if !ok {
			return fmt.Errorf("op=assets.update_meta: no history for %q: %w", key, domain.ErrNotFound)
		}
		v, err := h.Version(version)
		if err != nil {
			return err
		}
		v.Metadata.Merge(patch)
		return nil
	})
}

// visit loads the targets read-only and calls fn per target.
func (l *Ledger) visit(ctx context.Context, projectID string, scope Scope, ids []string, fn func(int, domain.AssetMap) error) error {
	switch scope {
	case ScopeProject:
		p, err := l.repo.GetProject(ctx, projectID)
		if err != nil {
			return err
		}
		for i := range ids {
			if err := fn(i, p.Assets); err != nil {
				return err
			}
		}
		return nil
	case ScopeScene:
		for i, id := range ids {
			sc, err := l.repo.GetScene(ctx, id)
			if err != nil {
				return err
			}
			if err := fn(i, sc.Assets); err != nil {
				return err
			}
		}
		return nil
	case ScopeCharacter:
		chars, err := l.repo.GetCharactersByIDs(ctx, ids)
		if err != nil {
			return err
		}
		if len(chars) != len(ids) {
			return fmt.Errorf("op=assets.visit: %d of %d characters found: %w", len(chars), len(ids), domain.ErrNotFound)
		}
		for i := range chars {
			if err := fn(i, chars[i].Assets); err != nil {
				return err
			}
		}
		return nil
	case ScopeLocation:
		locs, err := l.repo.GetLocationsByIDs(ctx, ids)
		if err != nil {
			return err
		}
		if len(locs) != len(ids) {
			return fmt.Errorf("op=assets.visit: %d of %d locations found: %w", len(locs), len(ids), domain.ErrNotFound)
		}
		for i := range locs {
			if err := fn(i, locs[i].Assets); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("op=assets.visit: scope %q: %w", scope, domain.ErrInternal)
}

// lockEntities takes the per-(entity, key) advisory locks in a stable order
// and returns a release for all of them. The owner is suffixed per call so
// two goroutines of one process still exclude each other on the same lock.
func (l *Ledger) lockEntities(ctx context.Context, key string, ids []string) (func(), error) {
	owner := l.owner + "-" + uuid.NewString()
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)

	held := make([]string, 0, len(sorted))
	release := func() {
		rctx := context.WithoutCancel(ctx)
		for i := len(held) - 1; i >= 0; i-- {
			if err := l.locks.Release(rctx, held[i], owner); err != nil {
				slog.Warn("asset lock release failed",
					slog.String("lock", held[i]), slog.Any("error", err))
			}
		}
	}
	for _, id := range sorted {
		name := "asset:" + id + ":" + key
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 50 * time.Millisecond
		bo.MaxInterval = 500 * time.Millisecond
		bo.MaxElapsedTime = l.lease
		err := backoff.Retry(func() error {
			ok, err := l.locks.TryAcquire(ctx, name, owner, l.lease)
			if err != nil {
				return backoff.Permanent(err)
			}
			if !ok {
				return fmt.Errorf("op=assets.lock: %s held elsewhere: %w", name, domain.ErrConflict)
			}
			return nil
		}, backoff.WithContext(bo, ctx))
		if err != nil {
			release()
			return nil, fmt.Errorf("op=assets.lock: %w", err)
		}
		held = append(held, name)
	}
	return release, nil
}

// mutate loads the targets, applies fn to each asset map and persists the
// touched entities in one batch per kind. The per-entity locks cover the
// whole read-modify-write.
func (l *Ledger) mutate(ctx context.Context, projectID, key string, scope Scope, ids []string, fn func(int, *domain.AssetMap) error) error {
	release, err := l.lockEntities(ctx, key, ids)
	if err != nil {
		return err
	}
	defer release()

	switch scope {
	case ScopeProject:
		p, err := l.repo.GetProject(ctx, projectID)
		if err != nil {
			return err
		}
		for i := range ids {
			if err := fn(i, &p.Assets); err != nil {
				return err
			}
		}
		return l.repo.UpdateProject(ctx, projectID, domain.ProjectPatch{Assets: &p.Assets})
	case ScopeScene:
		scenes := make([]domain.Scene, len(ids))
		for i, id := range ids {
			sc, err := l.repo.GetScene(ctx, id)
			if err != nil {
				return err
			}
			scenes[i] = sc
		}
		for i := range scenes {
			if err := fn(i, &scenes[i].Assets); err != nil {
				return err
			}
		}
		return l.repo.UpdateScenes(ctx, scenes)
	case ScopeCharacter:
		chars, err := l.repo.GetCharactersByIDs(ctx, ids)
		if err != nil {
			return err
		}
		if len(chars) != len(ids) {
			return fmt.Errorf("op=assets.mutate: %d of %d characters found: %w", len(chars), len(ids), domain.ErrNotFound)
		}
		for i := range chars {
			if err := fn(i, &chars[i].Assets); err != nil {
				return err
			}
		}
		return l.repo.UpdateCharacters(ctx, chars)
	case ScopeLocation:
		locs, err := l.repo.GetLocationsByIDs(ctx, ids)
		if err != nil {
			return err
		}
		if len(locs) != len(ids) {
			return fmt.Errorf("op=assets.mutate: %d of %d locations found: %w", len(locs), len(ids), domain.ErrNotFound)
		}
		for i := range locs {
			if err := fn(i, &locs[i].Assets); err != nil {
				return err
			}
		}
		return l.repo.UpdateLocations(ctx, locs)
	}
	return fmt.Errorf("op=assets.mutate: scope %q: %w", scope, domain.ErrInternal)
}

// pickOne resolves a single-or-positional parameter list. A mismatched list
// falls back to the first entry with a warning rather than failing the batch.
func pickOne[T any](key, field string, vals []T, i, n int) T {
	var zero T
	switch {
	case len(vals) == 0:
		return zero
	case len(vals) == 1:
		return vals[0]
	case len(vals) == n:
		return vals[i]
	default:
		slog.Warn("asset parameter count mismatch, using first entry",
			slog.String("asset_key", key),
			slog.String("field", field),
			slog.Int("got", len(vals)),
			slog.Int("want", n))
		return vals[0]
	}
}
