package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ASUSFX80/Crawl-DB/internal/crawler"
)

// UpsertEntity inserts or refreshes an actor or collection by natural key.
func (s *Store) UpsertEntity(ctx context.Context, scope crawler.Scope, entity crawler.Entity) (int64, error) {
	name := strings.TrimSpace(entity.Name)
	if name == "" {
		return 0, fmt.Errorf("%w: entity name is empty", crawler.ErrStorageConstraint)
	}
	now := s.now().UTC()
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var row *sql.Row
		if scope == crawler.ScopeActor {
			row = tx.QueryRowContext(ctx, s.rebind(`
				INSERT INTO actors (name, href, created_at, updated_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT (name) DO UPDATE
				SET href = CASE WHEN excluded.href <> '' THEN excluded.href ELSE actors.href END,
					updated_at = excluded.updated_at
				RETURNING id`), name, entity.Href, now, now)
		} else {
			row = tx.QueryRowContext(ctx, s.rebind(`
				INSERT INTO collections (scope, name, href, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT (scope, name) DO UPDATE
				SET href = CASE WHEN excluded.href <> '' THEN excluded.href ELSE collections.href END,
					updated_at = excluded.updated_at
				RETURNING id`), string(scope), name, entity.Href, now, now)
		}
		return row.Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("upsert %s %q: %w", scope, name, mapError(err))
	}
	return id, nil
}

// UpsertWork writes a work under an existing owner. A missing owner yields
// crawler.ErrOrphanRecord.
func (s *Store) UpsertWork(ctx context.Context, scope crawler.Scope, ownerID int64, work crawler.WorkRecord) (int64, error) {
	code := strings.TrimSpace(work.Code)
	if code == "" {
		return 0, fmt.Errorf("%w: work code is empty", crawler.ErrStorageConstraint)
	}
	target := crawler.TargetFor(scope)
	tags, err := encodeTags(work.Tags)
	if err != nil {
		return 0, err
	}
	now := s.now().UTC()
	var id int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.ownerExists(ctx, tx, scope, ownerID); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, s.rebind(`
			INSERT INTO `+target.Works+` (owner_id, code, title, href, tags, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (owner_id, code) DO UPDATE
			SET title = excluded.title,
				href = excluded.href,
				tags = excluded.tags,
				updated_at = excluded.updated_at
			RETURNING id`), ownerID, code, work.Title, work.Href, tags, now).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("upsert work %s: %w", code, mapError(err))
	}
	return id, nil
}

// UpsertMagnet writes a magnet under an existing work. A missing work yields
// crawler.ErrOrphanRecord.
func (s *Store) UpsertMagnet(ctx context.Context, scope crawler.Scope, workID int64, magnet crawler.MagnetRecord) (int64, error) {
	uri := strings.TrimSpace(magnet.URI)
	if uri == "" {
		return 0, fmt.Errorf("%w: magnet uri is empty", crawler.ErrStorageConstraint)
	}
	target := crawler.TargetFor(scope)
	tags, err := encodeTags(magnet.Tags)
	if err != nil {
		return 0, err
	}
	now := s.now().UTC()
	var id int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM `+target.Works+` WHERE id = ?`), workID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s work %d does not exist", crawler.ErrOrphanRecord, scope, workID)
		}
		if err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, s.rebind(`
			INSERT INTO `+target.Magnets+` (work_id, uri, name, size, size_bytes, tags, seen_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (work_id, uri) DO UPDATE
			SET name = excluded.name,
				size = excluded.size,
				size_bytes = excluded.size_bytes,
				tags = excluded.tags,
				seen_at = excluded.seen_at
			RETURNING id`),
			workID, uri, magnet.Name, magnet.Size, crawler.ParseSize(magnet.Size), tags, now).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("upsert magnet for work %d: %w", workID, mapError(err))
	}
	return id, nil
}

func (s *Store) ownerExists(ctx context.Context, tx *sql.Tx, scope crawler.Scope, ownerID int64) error {
	var (
		one int
		err error
	)
	if scope == crawler.ScopeActor {
		err = tx.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM actors WHERE id = ?`), ownerID).Scan(&one)
	} else {
		err = tx.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM collections WHERE id = ? AND scope = ?`),
			ownerID, string(scope)).Scan(&one)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s owner %d does not exist", crawler.ErrOrphanRecord, scope, ownerID)
	}
	return err
}

// GetEntity looks an entity up by name.
func (s *Store) GetEntity(ctx context.Context, scope crawler.Scope, name string) (crawler.StoredEntity, error) {
	query, args := s.entityQuery(scope, "name = ?", name)
	var e crawler.StoredEntity
	err := s.db.QueryRowContext(ctx, s.rebind(query+" LIMIT 1"), args...).Scan(&e.ID, &e.Name, &e.Href)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.StoredEntity{}, fmt.Errorf("%s %q: %w", scope, name, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.StoredEntity{}, fmt.Errorf("get %s %q: %w", scope, name, err)
	}
	e.Scope = scope
	return e, nil
}

// ListEntities returns a scope's entities with id > afterID in id order.
func (s *Store) ListEntities(ctx context.Context, scope crawler.Scope, afterID int64) ([]crawler.StoredEntity, error) {
	query, args := s.entityQuery(scope, "id > ?", afterID)
	rows, err := s.db.QueryContext(ctx, s.rebind(query+" ORDER BY id"), args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", scope, err)
	}
	defer rows.Close()

	var out []crawler.StoredEntity
	for rows.Next() {
		e := crawler.StoredEntity{Scope: scope}
		if err := rows.Scan(&e.ID, &e.Name, &e.Href); err != nil {
			return nil, fmt.Errorf("scan %s: %w", scope, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) entityQuery(scope crawler.Scope, cond string, arg any) (string, []any) {
	if scope == crawler.ScopeActor {
		return `SELECT id, name, href FROM actors WHERE ` + cond, []any{arg}
	}
	return `SELECT id, name, href FROM collections WHERE scope = ? AND ` + cond, []any{string(scope), arg}
}

// ListWorks returns works with id > afterID in id order. ownerID 0 lists
// every owner of the scope.
func (s *Store) ListWorks(ctx context.Context, scope crawler.Scope, afterID, ownerID int64) ([]crawler.StoredWork, error) {
	target := crawler.TargetFor(scope)
	query := `SELECT w.id, w.owner_id, o.name, w.code, w.title, w.href, w.tags
		FROM ` + target.Works + ` w JOIN ` + target.Entities + ` o ON o.id = w.owner_id
		WHERE w.id > ?`
	args := []any{afterID}
	if scope != crawler.ScopeActor {
		query += ` AND o.scope = ?`
		args = append(args, string(scope))
	}
	if ownerID > 0 {
		query += ` AND w.owner_id = ?`
		args = append(args, ownerID)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query+` ORDER BY w.id`), args...)
	if err != nil {
		return nil, fmt.Errorf("list %s works: %w", scope, err)
	}
	defer rows.Close()

	var out []crawler.StoredWork
	for rows.Next() {
		var (
			w    crawler.StoredWork
			tags string
		)
		if err := rows.Scan(&w.ID, &w.OwnerID, &w.OwnerName, &w.Code, &w.Title, &w.Href, &tags); err != nil {
			return nil, fmt.Errorf("scan work: %w", err)
		}
		w.Tags = decodeTags(tags)
		out = append(out, w)
	}
	return out, rows.Err()
}

// ListMagnets returns the magnets of one work in id order.
func (s *Store) ListMagnets(ctx context.Context, scope crawler.Scope, workID int64) ([]crawler.StoredMagnet, error) {
	target := crawler.TargetFor(scope)
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, work_id, uri, name, size, size_bytes, tags, seen_at
		FROM `+target.Magnets+` WHERE work_id = ? ORDER BY id`), workID)
	if err != nil {
		return nil, fmt.Errorf("list magnets of work %d: %w", workID, err)
	}
	defer rows.Close()

	var out []crawler.StoredMagnet
	for rows.Next() {
		var (
			m    crawler.StoredMagnet
			tags string
			seen time.Time
		)
		if err := rows.Scan(&m.ID, &m.WorkID, &m.URI, &m.Name, &m.Size, &m.SizeBytes, &tags, &seen); err != nil {
			return nil, fmt.Errorf("scan magnet: %w", err)
		}
		m.Tags = decodeTags(tags)
		m.SeenAt = seen.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

var countable = map[string]bool{
	"actors": true, "works": true, "magnets": true,
	"collections": true, "collection_works": true, "collection_magnets": true,
	"checkpoints": true, "history": true,
}

// CountRows returns the row count of one of the store's tables.
func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	if !countable[table] {
		return 0, fmt.Errorf("unknown table %q", table)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func encodeTags(tags []string) (string, error) {
	if len(tags) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encode tags: %w", err)
	}
	return string(b), nil
}

func decodeTags(raw string) []string {
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil || len(tags) == 0 {
		return nil
	}
	return tags
}
