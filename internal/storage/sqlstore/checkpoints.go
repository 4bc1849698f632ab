package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ASUSFX80/Crawl-DB/internal/crawler"
)

// LoadCheckpoint reads one checkpoint row; crawler.ErrNotFound when absent.
func (s *Store) LoadCheckpoint(ctx context.Context, key crawler.CheckpointKey) (crawler.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT stage, scope, scope_key, cursor_pos, status, reason, updated_at
		FROM checkpoints WHERE stage = ? AND scope = ? AND scope_key = ?`),
		string(key.Stage), string(key.Scope), key.Key)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.Checkpoint{}, fmt.Errorf("checkpoint %s: %w", key, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Checkpoint{}, fmt.Errorf("load checkpoint %s: %w", key, err)
	}
	return cp, nil
}

// SaveCheckpoint creates or overwrites a checkpoint row.
func (s *Store) SaveCheckpoint(ctx context.Context, cp crawler.Checkpoint) error {
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = s.now()
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO checkpoints (stage, scope, scope_key, cursor_pos, status, reason, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (stage, scope, scope_key) DO UPDATE
			SET cursor_pos = excluded.cursor_pos,
				status = excluded.status,
				reason = excluded.reason,
				updated_at = excluded.updated_at`),
			string(cp.Stage), string(cp.Scope), cp.Key, cp.Cursor, string(cp.Status), cp.Reason, cp.UpdatedAt.UTC())
		return err
	})
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.CheckpointKey, mapError(err))
	}
	return nil
}

// ListCheckpoints returns every checkpoint ordered by key.
func (s *Store) ListCheckpoints(ctx context.Context) ([]crawler.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stage, scope, scope_key, cursor_pos, status, reason, updated_at
		FROM checkpoints ORDER BY scope, stage, scope_key`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []crawler.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row scanner) (crawler.Checkpoint, error) {
	var (
		cp                  crawler.Checkpoint
		stage, scope, state string
		updated             time.Time
	)
	if err := row.Scan(&stage, &scope, &cp.Key, &cp.Cursor, &state, &cp.Reason, &updated); err != nil {
		return crawler.Checkpoint{}, err
	}
	cp.Stage = crawler.Stage(stage)
	cp.Scope = crawler.Scope(scope)
	cp.Status = crawler.CheckpointStatus(state)
	cp.UpdatedAt = updated.UTC()
	return cp, nil
}
