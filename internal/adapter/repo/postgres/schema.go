package postgres

import (
	"context"
	"fmt"
)

// schemaDDL creates the durable tables. Asset ledgers live as JSONB columns
// on the owning entity; binary artifacts are external URIs inside versions.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}',
		generation_rules JSONB NOT NULL DEFAULT '[]',
		generation_rules_history JSONB NOT NULL DEFAULT '[]',
		force_regenerate_scene_ids JSONB NOT NULL DEFAULT '[]',
		assets JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS scenes (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id),
		idx INT NOT NULL,
		start_time DOUBLE PRECISION NOT NULL,
		end_time DOUBLE PRECISION NOT NULL,
		duration DOUBLE PRECISION NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		shot_type TEXT NOT NULL DEFAULT '',
		camera_movement TEXT NOT NULL DEFAULT '',
		lighting TEXT NOT NULL DEFAULT '',
		mood TEXT NOT NULL DEFAULT '',
		character_ids JSONB NOT NULL DEFAULT '[]',
		location_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		assets JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS scenes_project_idx ON scenes (project_id, idx)`,
	`CREATE TABLE IF NOT EXISTS characters (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id),
		name TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		state JSONB NOT NULL DEFAULT '{}',
		assets JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE IF NOT EXISTS locations (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id),
		name TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		state JSONB NOT NULL DEFAULT '{}',
		assets JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		type TEXT NOT NULL,
		payload JSONB NOT NULL DEFAULT '{}',
		state TEXT NOT NULL,
		attempt INT NOT NULL DEFAULT 1,
		max_retries INT NOT NULL DEFAULT 3,
		unique_key TEXT NOT NULL,
		asset_key TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		owner_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		claimed_at TIMESTAMPTZ,
		UNIQUE (project_id, unique_key)
	)`,
	`CREATE INDEX IF NOT EXISTS jobs_state_idx ON jobs (state, claimed_at)`,
	`CREATE INDEX IF NOT EXISTS jobs_project_idx ON jobs (project_id)`,
	`CREATE TABLE IF NOT EXISTS locks (
		name TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`,
}

// EnsureSchema creates all tables and indexes if missing.
func EnsureSchema(ctx context.Context, pool *ManagedPool) error {
	for _, ddl := range schemaDDL {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("op=schema.ensure: %w", err)
		}
	}
	return nil
}
