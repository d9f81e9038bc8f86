package postgres

import (
	"context"

	"github.com/pkg/errors"
)

// Schema statements are idempotent so Migrate can run on every boot.
var migrationStmts = []string{
	`CREATE TABLE IF NOT EXISTS "user" (
		id TEXT PRIMARY KEY,
		tier TEXT NOT NULL DEFAULT 'FREE',
		fingerprint TEXT NOT NULL DEFAULT '',
		created_ts BIGINT NOT NULL,
		updated_ts BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_user_fingerprint ON "user" (fingerprint)`,

	`CREATE TABLE IF NOT EXISTS project (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES "user" (id),
		name TEXT NOT NULL,
		created_ts BIGINT NOT NULL,
		UNIQUE (user_id, name)
	)`,

	`CREATE TABLE IF NOT EXISTS api_key (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES "user" (id),
		key_hash TEXT NOT NULL UNIQUE,
		fingerprint TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		created_ts BIGINT NOT NULL,
		last_used_ts BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_api_key_fingerprint ON api_key (fingerprint)`,

	`CREATE TABLE IF NOT EXISTS memory (
		id UUID NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		user_id TEXT NOT NULL,
		project_id TEXT NOT NULL DEFAULT '',
		agent_id TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT 'fact',
		entities JSONB NOT NULL DEFAULT '[]',
		segment_id TEXT NOT NULL DEFAULT '',
		tombstone BOOLEAN NOT NULL DEFAULT FALSE,
		created_ts BIGINT NOT NULL,
		updated_ts BIGINT NOT NULL,
		PRIMARY KEY (id, version)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_memory_user ON memory (user_id, project_id)`,
	`CREATE INDEX IF NOT EXISTS idx_memory_category ON memory (user_id, category)`,

	`CREATE TABLE IF NOT EXISTS task (
		id UUID PRIMARY KEY,
		kind TEXT NOT NULL,
		user_id TEXT NOT NULL,
		project_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'PENDING',
		payload TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		added INTEGER NOT NULL DEFAULT 0,
		updated INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		noop INTEGER NOT NULL DEFAULT 0,
		created_ts BIGINT NOT NULL,
		updated_ts BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_task_user_status ON task (user_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_task_status_updated ON task (status, updated_ts)`,

	`CREATE TABLE IF NOT EXISTS memory_judgment (
		id BIGSERIAL PRIMARY KEY,
		trace_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		input_facts TEXT NOT NULL DEFAULT '[]',
		neighbors TEXT NOT NULL DEFAULT '[]',
		raw_response TEXT NOT NULL DEFAULT '',
		operations TEXT NOT NULL DEFAULT '[]',
		latency_ms BIGINT NOT NULL DEFAULT 0,
		created_ts BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_memory_judgment_trace ON memory_judgment (trace_id)`,
	`CREATE INDEX IF NOT EXISTS idx_memory_judgment_user ON memory_judgment (user_id, created_ts)`,
}

func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range migrationStmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "failed to execute migration: %.80s", stmt)
		}
	}
	return nil
}
