package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
)

// ProjectRepo persists the project aggregate. Child writes are
// transactional per aggregate; project updates are last-writer-wins at the
// field level.
type ProjectRepo struct{ pool *ManagedPool }

// NewProjectRepo constructs a ProjectRepo over the managed pool.
func NewProjectRepo(pool *ManagedPool) *ProjectRepo { return &ProjectRepo{pool: pool} }

// CreateProject inserts a new project and returns its id.
func (r *ProjectRepo) CreateProject(ctx context.Context, p domain.Project) (string, error) {
	tracer := otel.Tracer("repo.projects")
	ctx, span := tracer.Start(ctx, "projects.Create")
	defer span.End()

	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = domain.ProjectDraft
	}
	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return "", fmt.Errorf("op=projects.create: %w", err)
	}
	assets, err := marshalAssets(p.Assets)
	if err != nil {
		return "", fmt.Errorf("op=projects.create: %w", err)
	}
	now := time.Now().UTC()
	q := `INSERT INTO projects (id, status, metadata, assets, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$5)`
	if _, err := r.pool.Exec(ctx, q, id, p.Status, meta, assets, now); err != nil {
		return "", fmt.Errorf("op=projects.create: %w", err)
	}
	return id, nil
}

// GetProject loads metadata and ledger pointers only, no children.
func (r *ProjectRepo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	tracer := otel.Tracer("repo.projects")
	ctx, span := tracer.Start(ctx, "projects.Get")
	defer span.End()

	q := `SELECT id, status, metadata, generation_rules, generation_rules_history,
		force_regenerate_scene_ids, assets, created_at, updated_at
		FROM projects WHERE id = $1`
	row := r.pool.QueryRow(ctx, q, id)
	var (
		p                                      domain.Project
		meta, rules, rulesHist, forceRegen, as []byte
	)
	if err := row.Scan(&p.ID, &p.Status, &meta, &rules, &rulesHist, &forceRegen, &as, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Project{}, fmt.Errorf("op=projects.get: %w", domain.ErrNotFound)
		}
		return domain.Project{}, fmt.Errorf("op=projects.get: %w", err)
	}
	if err := unmarshalProjectJSON(&p, meta, rules, rulesHist, forceRegen, as); err != nil {
		return domain.Project{}, fmt.Errorf("op=projects.get: %w", err)
	}
	return p, nil
}

// GetProjectFullState hydrates scenes, characters and locations.
func (r *ProjectRepo) GetProjectFullState(ctx context.Context, id string) (domain.Project, error) {
	tracer := otel.Tracer("repo.projects")
	ctx, span := tracer.Start(ctx, "projects.GetFullState")
	defer span.End()

	p, err := r.GetProject(ctx, id)
	if err != nil {
		return domain.Project{}, err
	}
	if p.Scenes, err = r.scenesByProject(ctx, id); err != nil {
		return domain.Project{}, err
	}
	if p.Characters, err = r.charactersByProject(ctx, id); err != nil {
		return domain.Project{}, err
	}
	if p.Locations, err = r.locationsByProject(ctx, id); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

const sceneCols = `id, project_id, idx, start_time, end_time, duration, description,
	shot_type, camera_movement, lighting, mood, character_ids, location_id, status, assets`

// GetScene loads one scene by id.
func (r *ProjectRepo) GetScene(ctx context.Context, id string) (domain.Scene, error) {
	q := `SELECT ` + sceneCols + ` FROM scenes WHERE id = $1`
	s, err := scanScene(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Scene{}, fmt.Errorf("op=scenes.get: %w", domain.ErrNotFound)
		}
		return domain.Scene{}, fmt.Errorf("op=scenes.get: %w", err)
	}
	return s, nil
}

// GetCharactersByIDs loads characters in the given id order.
func (r *ProjectRepo) GetCharactersByIDs(ctx context.Context, ids []string) ([]domain.Character, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := `SELECT id, project_id, name, description, state, assets FROM characters WHERE id = ANY($1)`
	rows, err := r.pool.Query(ctx, q, ids)
	if err != nil {
		return nil, fmt.Errorf("op=characters.get_by_ids: %w", err)
	}
	defer rows.Close()
	byID := map[string]domain.Character{}
	for rows.Next() {
		c, err := scanCharacter(rows)
		if err != nil {
			return nil, fmt.Errorf("op=characters.get_by_ids: %w", err)
		}
		byID[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=characters.get_by_ids: %w", err)
	}
	out := make([]domain.Character, 0, len(ids))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// GetLocationsByIDs loads locations in the given id order.
func (r *ProjectRepo) GetLocationsByIDs(ctx context.Context, ids []string) ([]domain.Location, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := `SELECT id, project_id, name, description, state, assets FROM locations WHERE id = ANY($1)`
	rows, err := r.pool.Query(ctx, q, ids)
	if err != nil {
		return nil, fmt.Errorf("op=locations.get_by_ids: %w", err)
	}
	defer rows.Close()
	byID := map[string]domain.Location{}
	for rows.Next() {
		l, err := scanLocation(rows)
		if err != nil {
			return nil, fmt.Errorf("op=locations.get_by_ids: %w", err)
		}
		byID[l.ID] = l
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=locations.get_by_ids: %w", err)
	}
	out := make([]domain.Location, 0, len(ids))
	for _, id := range ids {
		if l, ok := byID[id]; ok {
			out = append(out, l)
		}
	}
	return out, nil
}

// buildProjectUpdate assembles the SET clause and args of the single-statement
// project patch. Rules replacement and its history append stay in one
// statement: every SET expression reads the pre-update row, so the superseded
// rules land in the history atomically with their replacement.
func buildProjectUpdate(id string, now time.Time, patch domain.ProjectPatch) (string, []any, error) {
	set := "updated_at = $2"
	args := []any{id, now}
	add := func(col string, v any) {
		args = append(args, v)
		set += fmt.Sprintf(", %s = $%d", col, len(args))
	}
	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.Metadata != nil {
		b, err := json.Marshal(patch.Metadata)
		if err != nil {
			return "", nil, fmt.Errorf("op=projects.update: %w", err)
		}
		add("metadata", b)
	}
	if patch.GenerationRules != nil {
		b, err := json.Marshal(*patch.GenerationRules)
		if err != nil {
			return "", nil, fmt.Errorf("op=projects.update: %w", err)
		}
		set += ", generation_rules_history = generation_rules_history || jsonb_build_array(generation_rules)"
		add("generation_rules", b)
	}
	if patch.ForceRegenerateScenes != nil {
		b, err := json.Marshal(*patch.ForceRegenerateScenes)
		if err != nil {
			return "", nil, fmt.Errorf("op=projects.update: %w", err)
		}
		add("force_regenerate_scene_ids", b)
	}
	if patch.Assets != nil {
		b, err := marshalAssets(*patch.Assets)
		if err != nil {
			return "", nil, fmt.Errorf("op=projects.update: %w", err)
		}
		add("assets", b)
	}
	return set, args, nil
}

// UpdateProject applies a field-level patch.
func (r *ProjectRepo) UpdateProject(ctx context.Context, id string, patch domain.ProjectPatch) error {
	tracer := otel.Tracer("repo.projects")
	ctx, span := tracer.Start(ctx, "projects.Update")
	defer span.End()

	set, args, err := buildProjectUpdate(id, time.Now().UTC(), patch)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `UPDATE projects SET `+set+` WHERE id = $1`, args...)
	if err != nil {
		return fmt.Errorf("op=projects.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=projects.update: %w", domain.ErrNotFound)
	}
	return nil
}

// CreateScenes inserts a scene batch transactionally after checking the
// time-partition invariants.
func (r *ProjectRepo) CreateScenes(ctx context.Context, projectID string, scenes []domain.Scene) error {
	tracer := otel.Tracer("repo.projects")
	ctx, span := tracer.Start(ctx, "projects.CreateScenes")
	defer span.End()

	if err := validateScenePartition(scenes); err != nil {
		return err
	}
	return r.pool.WithTx(ctx, func(tx pgx.Tx) error {
		for _, s := range scenes {
			if s.ID == "" {
				s.ID = uuid.New().String()
			}
			if s.Status == "" {
				s.Status = domain.ScenePending
			}
			chars, as, err := marshalSceneJSON(s)
			if err != nil {
				return fmt.Errorf("op=scenes.create: %w", err)
			}
			q := `INSERT INTO scenes (` + sceneCols + `)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`
			if _, err := tx.Exec(ctx, q, s.ID, projectID, s.Index, s.StartTime, s.EndTime,
				s.Duration, s.Description, s.ShotType, s.CameraMovement, s.Lighting, s.Mood,
				chars, s.LocationID, s.Status, as); err != nil {
				return fmt.Errorf("op=scenes.create: %w", err)
			}
		}
		return nil
	})
}

// UpdateScenes rewrites a scene batch transactionally.
func (r *ProjectRepo) UpdateScenes(ctx context.Context, scenes []domain.Scene) error {
	tracer := otel.Tracer("repo.projects")
	ctx, span := tracer.Start(ctx, "projects.UpdateScenes")
	defer span.End()

	for _, s := range scenes {
		if err := validateSceneTiming(s); err != nil {
			return err
		}
	}
	return r.pool.WithTx(ctx, func(tx pgx.Tx) error {
		for _, s := range scenes {
			chars, as, err := marshalSceneJSON(s)
			if err != nil {
				return fmt.Errorf("op=scenes.update: %w", err)
			}
			q := `UPDATE scenes SET idx=$2, start_time=$3, end_time=$4, duration=$5,
				description=$6, shot_type=$7, camera_movement=$8, lighting=$9, mood=$10,
				character_ids=$11, location_id=$12, status=$13, assets=$14 WHERE id=$1`
			tag, err := tx.Exec(ctx, q, s.ID, s.Index, s.StartTime, s.EndTime, s.Duration,
				s.Description, s.ShotType, s.CameraMovement, s.Lighting, s.Mood,
				chars, s.LocationID, s.Status, as)
			if err != nil {
				return fmt.Errorf("op=scenes.update: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("op=scenes.update: scene %s: %w", s.ID, domain.ErrNotFound)
			}
		}
		return nil
	})
}

// UpdateCharacters rewrites characters transactionally, inserting new ones.
func (r *ProjectRepo) UpdateCharacters(ctx context.Context, chars []domain.Character) error {
	return r.pool.WithTx(ctx, func(tx pgx.Tx) error {
		for _, c := range chars {
			if c.ID == "" {
				c.ID = uuid.New().String()
			}
			state, err := json.Marshal(orEmptyMap(c.State))
			if err != nil {
				return fmt.Errorf("op=characters.update: %w", err)
			}
			as, err := marshalAssets(c.Assets)
			if err != nil {
				return fmt.Errorf("op=characters.update: %w", err)
			}
			q := `INSERT INTO characters (id, project_id, name, description, state, assets)
				VALUES ($1,$2,$3,$4,$5,$6)
				ON CONFLICT (id) DO UPDATE SET name=$3, description=$4, state=$5, assets=$6`
			if _, err := tx.Exec(ctx, q, c.ID, c.ProjectID, c.Name, c.Description, state, as); err != nil {
				return fmt.Errorf("op=characters.update: %w", err)
			}
		}
		return nil
	})
}

// UpdateLocations rewrites locations transactionally, inserting new ones.
func (r *ProjectRepo) UpdateLocations(ctx context.Context, locs []domain.Location) error {
	return r.pool.WithTx(ctx, func(tx pgx.Tx) error {
		for _, l := range locs {
			if l.ID == "" {
				l.ID = uuid.New().String()
			}
			state, err := json.Marshal(orEmptyMap(l.State))
			if err != nil {
				return fmt.Errorf("op=locations.update: %w", err)
			}
			as, err := marshalAssets(l.Assets)
			if err != nil {
				return fmt.Errorf("op=locations.update: %w", err)
			}
			q := `INSERT INTO locations (id, project_id, name, description, state, assets)
				VALUES ($1,$2,$3,$4,$5,$6)
				ON CONFLICT (id) DO UPDATE SET name=$3, description=$4, state=$5, assets=$6`
			if _, err := tx.Exec(ctx, q, l.ID, l.ProjectID, l.Name, l.Description, state, as); err != nil {
				return fmt.Errorf("op=locations.update: %w", err)
			}
		}
		return nil
	})
}

func (r *ProjectRepo) scenesByProject(ctx context.Context, projectID string) ([]domain.Scene, error) {
	q := `SELECT ` + sceneCols + ` FROM scenes WHERE project_id = $1 ORDER BY idx`
	rows, err := r.pool.Query(ctx, q, projectID)
	if err != nil {
		return nil, fmt.Errorf("op=scenes.by_project: %w", err)
	}
	defer rows.Close()
	var out []domain.Scene
	for rows.Next() {
		s, err := scanScene(rows)
		if err != nil {
			return nil, fmt.Errorf("op=scenes.by_project: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *ProjectRepo) charactersByProject(ctx context.Context, projectID string) ([]domain.Character, error) {
	q := `SELECT id, project_id, name, description, state, assets FROM characters WHERE project_id = $1 ORDER BY id`
	rows, err := r.pool.Query(ctx, q, projectID)
	if err != nil {
		return nil, fmt.Errorf("op=characters.by_project: %w", err)
	}
	defer rows.Close()
	var out []domain.Character
	for rows.Next() {
		c, err := scanCharacter(rows)
		if err != nil {
			return nil, fmt.Errorf("op=characters.by_project: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *ProjectRepo) locationsByProject(ctx context.Context, projectID string) ([]domain.Location, error) {
	q := `SELECT id, project_id, name, description, state, assets FROM locations WHERE project_id = $1 ORDER BY id`
	rows, err := r.pool.Query(ctx, q, projectID)
	if err != nil {
		return nil, fmt.Errorf("op=locations.by_project: %w", err)
	}
	defer rows.Close()
	var out []domain.Location
	for rows.Next() {
		l, err := scanLocation(rows)
		if err != nil {
			return nil, fmt.Errorf("op=locations.by_project: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// validateSceneTiming checks the per-scene invariants.
func validateSceneTiming(s domain.Scene) error {
	if s.Duration != 4 && s.Duration != 6 && s.Duration != 8 {
		return fmt.Errorf("op=scenes.validate: scene %s duration %v: %w", s.ID, s.Duration, domain.ErrInvalidArgument)
	}
	if s.EndTime != s.StartTime+s.Duration {
		return fmt.Errorf("op=scenes.validate: scene %s end != start + duration: %w", s.ID, domain.ErrInvalidArgument)
	}
	return nil
}

// validateScenePartition checks that a batch forms a contiguous,
// non-overlapping partition starting at zero.
func validateScenePartition(scenes []domain.Scene) error {
	sorted := make([]domain.Scene, len(scenes))
	copy(sorted, scenes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })
	cursor := 0.0
	for i, s := range sorted {
		if err := validateSceneTiming(s); err != nil {
			return err
		}
		if s.Index != i {
			return fmt.Errorf("op=scenes.validate: index gap at %d: %w", i, domain.ErrInvalidArgument)
		}
		if s.StartTime != cursor {
			return fmt.Errorf("op=scenes.validate: scene %d starts at %v, want %v: %w", i, s.StartTime, cursor, domain.ErrInvalidArgument)
		}
		cursor = s.EndTime
	}
	return nil
}

func marshalAssets(m domain.AssetMap) ([]byte, error) {
	if m == nil {
		return []byte(`{}`), nil
	}
	return json.Marshal(m)
}

func marshalSceneJSON(s domain.Scene) (chars, assets []byte, err error) {
	ids := s.CharacterIDs
	if ids == nil {
		ids = []string{}
	}
	if chars, err = json.Marshal(ids); err != nil {
		return nil, nil, err
	}
	if assets, err = marshalAssets(s.Assets); err != nil {
		return nil, nil, err
	}
	return chars, assets, nil
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func unmarshalProjectJSON(p *domain.Project, meta, rules, rulesHist, forceRegen, assets []byte) error {
	if err := json.Unmarshal(meta, &p.Metadata); err != nil {
		return err
	}
	if err := json.Unmarshal(rules, &p.GenerationRules); err != nil {
		return err
	}
	if err := json.Unmarshal(rulesHist, &p.GenerationRulesHistory); err != nil {
		return err
	}
	if err := json.Unmarshal(forceRegen, &p.ForceRegenerateScenes); err != nil {
		return err
	}
	return json.Unmarshal(assets, &p.Assets)
}

type rowScanner interface{ Scan(dest ...any) error }

func scanScene(row rowScanner) (domain.Scene, error) {
	var (
		s         domain.Scene
		chars, as []byte
	)
	if err := row.Scan(&s.ID, &s.ProjectID, &s.Index, &s.StartTime, &s.EndTime, &s.Duration,
		&s.Description, &s.ShotType, &s.CameraMovement, &s.Lighting, &s.Mood,
		&chars, &s.LocationID, &s.Status, &as); err != nil {
		return domain.Scene{}, err
	}
	if err := json.Unmarshal(chars, &s.CharacterIDs); err != nil {
		return domain.Scene{}, err
	}
	if err := json.Unmarshal(as, &s.Assets); err != nil {
		return domain.Scene{}, err
	}
	return s, nil
}

func scanCharacter(row rowScanner) (domain.Character, error) {
	var (
		c         domain.Character
		state, as []byte
	)
	if err := row.Scan(&c.ID, &c.ProjectID, &c.Name, &c.Description, &state, &as); err != nil {
		return domain.Character{}, err
	}
	if err := json.Unmarshal(state, &c.State); err != nil {
		return domain.Character{}, err
	}
	if err := json.Unmarshal(as, &c.Assets); err != nil {
		return domain.Character{}, err
	}
	return c, nil
}

func scanLocation(row rowScanner) (domain.Location, error) {
	var (
		l         domain.Location
		state, as []byte
	)
	if err := row.Scan(&l.ID, &l.ProjectID, &l.Name, &l.Description, &state, &as); err != nil {
		return domain.Location{}, err
	}
	if err := json.Unmarshal(state, &l.State); err != nil {
		return domain.Location{}, err
	}
	if err := json.Unmarshal(as, &l.Assets); err != nil {
		return domain.Location{}, err
	}
	return l, nil
}
