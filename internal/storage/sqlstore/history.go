package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ASUSFX80/Crawl-DB/internal/progress"
)

// AppendHistory inserts a batch of events in one transaction.
func (s *Store) AppendHistory(ctx context.Context, events []progress.Event) error {
	if len(events) == 0 {
		return nil
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, s.rebind(`
			INSERT INTO history (run_id, ts, kind, stage, scope, entity, url, attempt, status_code, bytes, duration_ms, note)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`))
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, evt := range events {
			if _, err := stmt.ExecContext(ctx,
				evt.RunUUID().String(),
				evt.TS.UTC(),
				string(evt.Kind),
				evt.Stage,
				evt.Scope,
				evt.Entity,
				evt.URL,
				evt.Attempt,
				evt.StatusCode,
				evt.Bytes,
				evt.Dur.Milliseconds(),
				evt.Note,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append history: %w", mapError(err))
	}
	return nil
}

// HistoryFilter narrows ListHistory.
type HistoryFilter struct {
	RunID string
	Scope string
	Limit int
}

// ListHistory returns the most recent events first.
func (s *Store) ListHistory(ctx context.Context, filter HistoryFilter) ([]progress.Event, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	query := `SELECT run_id, ts, kind, stage, scope, entity, url, attempt, status_code, bytes, duration_ms, note
		FROM history WHERE 1 = 1`
	var args []any
	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	if filter.Scope != "" {
		query += ` AND scope = ?`
		args = append(args, filter.Scope)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, filter.Limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var out []progress.Event
	for rows.Next() {
		var (
			evt      progress.Event
			runID    string
			kind     string
			ts       time.Time
			duration int64
		)
		if err := rows.Scan(&runID, &ts, &kind, &evt.Stage, &evt.Scope, &evt.Entity, &evt.URL,
			&evt.Attempt, &evt.StatusCode, &evt.Bytes, &duration, &evt.Note); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if id, err := uuid.Parse(runID); err == nil {
			evt.RunID = progress.UUIDToBytes(id)
		}
		evt.TS = ts.UTC()
		evt.Kind = progress.Kind(kind)
		evt.Dur = time.Duration(duration) * time.Millisecond
		out = append(out, evt)
	}
	return out, rows.Err()
}
