package sqlstore

import (
	"context"
	"fmt"
	"strings"
)

// schemaTemplate uses {{id}} and {{ts}} for dialect-specific column types.
var schemaTemplate = []string{
	`CREATE TABLE IF NOT EXISTS actors (
		id {{id}},
		name TEXT NOT NULL UNIQUE,
		href TEXT NOT NULL DEFAULT '',
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS collections (
		id {{id}},
		scope TEXT NOT NULL,
		name TEXT NOT NULL,
		href TEXT NOT NULL DEFAULT '',
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL,
		UNIQUE (scope, name)
	)`,
	`CREATE TABLE IF NOT EXISTS works (
		id {{id}},
		owner_id BIGINT NOT NULL REFERENCES actors(id) ON DELETE CASCADE,
		code TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		href TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '[]',
		updated_at {{ts}} NOT NULL,
		UNIQUE (owner_id, code)
	)`,
	`CREATE TABLE IF NOT EXISTS collection_works (
		id {{id}},
		owner_id BIGINT NOT NULL REFERENCES collections(id) ON DELETE CASCADE,
		code TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		href TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '[]',
		updated_at {{ts}} NOT NULL,
		UNIQUE (owner_id, code)
	)`,
	`CREATE TABLE IF NOT EXISTS magnets (
		id {{id}},
		work_id BIGINT NOT NULL REFERENCES works(id) ON DELETE CASCADE,
		uri TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		size TEXT NOT NULL DEFAULT '',
		size_bytes BIGINT NOT NULL DEFAULT 0,
		tags TEXT NOT NULL DEFAULT '[]',
		seen_at {{ts}} NOT NULL,
		UNIQUE (work_id, uri)
	)`,
	`CREATE TABLE IF NOT EXISTS collection_magnets (
		id {{id}},
		work_id BIGINT NOT NULL REFERENCES collection_works(id) ON DELETE CASCADE,
		uri TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		size TEXT NOT NULL DEFAULT '',
		size_bytes BIGINT NOT NULL DEFAULT 0,
		tags TEXT NOT NULL DEFAULT '[]',
		seen_at {{ts}} NOT NULL,
		UNIQUE (work_id, uri)
	)`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
		stage TEXT NOT NULL,
		scope TEXT NOT NULL,
		scope_key TEXT NOT NULL,
		cursor_pos BIGINT NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		updated_at {{ts}} NOT NULL,
		PRIMARY KEY (stage, scope, scope_key)
	)`,
	`CREATE TABLE IF NOT EXISTS history (
		id {{id}},
		run_id TEXT NOT NULL,
		ts {{ts}} NOT NULL,
		kind TEXT NOT NULL,
		stage TEXT NOT NULL DEFAULT '',
		scope TEXT NOT NULL DEFAULT '',
		entity TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		attempt INTEGER NOT NULL DEFAULT 0,
		status_code INTEGER NOT NULL DEFAULT 0,
		bytes BIGINT NOT NULL DEFAULT 0,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		note TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS history_run_idx ON history (run_id, id)`,
}

func (s *Store) migrate(ctx context.Context) error {
	replacer := strings.NewReplacer("{{id}}", s.dialect.idColumn, "{{ts}}", s.dialect.timestamp)
	for _, stmt := range schemaTemplate {
		if _, err := s.db.ExecContext(ctx, replacer.Replace(stmt)); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
