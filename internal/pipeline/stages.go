package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ASUSFX80/Crawl-DB/internal/crawler"
	"github.com/ASUSFX80/Crawl-DB/internal/dimension"
	"github.com/ASUSFX80/Crawl-DB/internal/export"
	"github.com/ASUSFX80/Crawl-DB/internal/ledger"
	"github.com/ASUSFX80/Crawl-DB/internal/progress"
)

// errStopped ends a stage at an entity boundary after Stop.
var errStopped = errors.New("stopped")

// unit runs the requested stages of one scope in order.
type unit struct {
	p      *Pipeline
	req    Request
	scope  crawler.Scope
	ledger *ledger.Ledger
	fc     dimension.FetchContext
	report *Report
	logger *zap.Logger

	adapter *dimension.Adapter
}

// tally accumulates one stage's progress.
type tally struct {
	processed int
	skipped   int
	cursor    int64
}

func (u *unit) run(ctx context.Context) {
	adapter, err := dimension.New(u.scope, u.logger)
	if err != nil {
		for _, stage := range u.req.Stages {
			u.p.record(u.report, StageResult{Scope: u.scope, Stage: stage, Status: StatusFailed, Error: err.Error(), err: err})
		}
		return
	}
	u.adapter = adapter

	for _, stage := range crawler.AllStages() {
		if !u.req.wants(stage) {
			continue
		}
		res := u.runStage(ctx, stage)
		u.p.record(u.report, res)
		if res.Status == StatusStopped {
			return
		}
	}
}

func (u *unit) key(stage crawler.Stage) crawler.CheckpointKey {
	key := u.req.Entity
	if stage == crawler.StageMagnets && u.p.cfg.MagnetFilter.Active() {
		filterKey := "filter:" + u.p.cfg.MagnetFilter.String()
		if key != "" {
			key += "|" + filterKey
		} else {
			key = filterKey
		}
	}
	return crawler.NewCheckpointKey(stage, u.scope, key)
}

func (u *unit) runStage(ctx context.Context, stage crawler.Stage) StageResult {
	key := u.key(stage)
	res := StageResult{Scope: u.scope, Stage: stage, ScopeKey: key.Key}
	logger := u.logger.With(zap.String("stage", string(stage)), zap.String("scope_key", key.Key))

	if blocked, reason := u.blocked(ctx, stage); blocked {
		res.Status = StatusBlocked
		res.Error = reason
		logger.Warn("Stage blocked", zap.String("reason", reason))
		u.emit(progress.Event{Kind: progress.KindStageSkipped, Stage: string(stage), Note: "blocked: " + reason})
		return res
	}

	cursor, err := u.ledger.Begin(ctx, key)
	switch {
	case errors.Is(err, crawler.ErrStageDone):
		res.Status = StatusSkipped
		res.Cursor = cursor
		logger.Info("Stage already done")
		u.emit(progress.Event{Kind: progress.KindStageSkipped, Stage: string(stage), Note: "already done"})
		return res
	case err != nil:
		return u.failed(ctx, key, res, err, logger)
	}

	start := time.Now()
	u.emit(progress.Event{Kind: progress.KindStageStart, Stage: string(stage), Note: "cursor=" + strconv.FormatInt(cursor, 10)})
	logger.Info("Stage started", zap.Int64("cursor", cursor))

	fc := u.fc
	fc.Stage = stage
	t := &tally{cursor: cursor}
	switch stage {
	case crawler.StageCollect:
		err = u.collect(ctx, fc, key, t)
	case crawler.StageWorks:
		err = u.works(ctx, fc, key, t)
	case crawler.StageMagnets:
		err = u.magnets(ctx, fc, key, t)
	case crawler.StageFilterExport:
		err = u.export(ctx, key, t)
	default:
		err = fmt.Errorf("unknown stage %q", stage)
	}
	res.Processed, res.Skipped, res.Cursor = t.processed, t.skipped, t.cursor
	res.Duration = time.Since(start)

	switch {
	case errors.Is(err, errStopped):
		res.Status = StatusStopped
		logger.Info("Stage stopped", zap.Int64("cursor", t.cursor), zap.Int("processed", t.processed))
		u.emit(progress.Event{Kind: progress.KindStageStopped, Stage: string(stage), Dur: res.Duration, Note: "cursor=" + strconv.FormatInt(t.cursor, 10)})
		return res
	case err != nil && ctx.Err() != nil:
		// Cancellation leaves the checkpoint in progress for the next run.
		res.Status = StatusStopped
		res.Error = err.Error()
		res.err = err
		logger.Warn("Stage canceled", zap.Int64("cursor", t.cursor), zap.Error(err))
		u.emit(progress.Event{Kind: progress.KindStageStopped, Stage: string(stage), Dur: res.Duration, Note: "canceled: " + err.Error()})
		return res
	case err != nil:
		return u.failed(ctx, key, res, err, logger)
	}

	if err := u.ledger.Complete(ctx, key); err != nil {
		return u.failed(ctx, key, res, err, logger)
	}
	res.Status = StatusDone
	logger.Info("Stage done",
		zap.Int("processed", t.processed),
		zap.Int("skipped", t.skipped),
		zap.Int64("cursor", t.cursor),
		zap.Duration("took", res.Duration),
	)
	u.emit(progress.Event{
		Kind:  progress.KindStageDone,
		Stage: string(stage),
		Dur:   res.Duration,
		Note:  fmt.Sprintf("processed=%d skipped=%d", t.processed, t.skipped),
	})
	return res
}

// blocked reports whether stage must wait for its predecessor.
func (u *unit) blocked(ctx context.Context, stage crawler.Stage) (bool, string) {
	prev := stage.Prev()
	if prev == "" || u.req.Force || u.req.skips(prev) {
		return false, ""
	}
	cp, err := u.ledger.Status(ctx, u.key(prev))
	if err != nil {
		return true, err.Error()
	}
	if cp.Status != crawler.CheckpointDone {
		return true, fmt.Sprintf("%s is %s", prev, cp.Status)
	}
	return false, ""
}

func (u *unit) failed(ctx context.Context, key crawler.CheckpointKey, res StageResult, err error, logger *zap.Logger) StageResult {
	res.Status = StatusFailed
	res.Error = err.Error()
	res.err = err
	if failErr := u.ledger.Fail(ctx, key, err.Error()); failErr != nil {
		logger.Error("Checkpoint fail transition failed", zap.Error(failErr))
	}
	logger.Error("Stage failed", zap.Int64("cursor", res.Cursor), zap.Error(err))
	u.emit(progress.Event{Kind: progress.KindStageFailed, Stage: string(key.Stage), Dur: res.Duration, Note: err.Error()})
	return res
}

func (u *unit) emit(evt progress.Event) {
	evt.Scope = string(u.scope)
	u.ledger.AppendHistory(evt)
}

// collect persists listing entities page by page; the cursor is the last
// fully persisted page.
func (u *unit) collect(ctx context.Context, fc dimension.FetchContext, key crawler.CheckpointKey, t *tally) error {
	if u.p.stop.Load() {
		return errStopped
	}
	for page, err := range u.adapter.ListCollectionEntities(ctx, fc, int(t.cursor)+1) {
		if err != nil {
			return err
		}
		for _, entity := range page.Entities {
			if _, err := u.p.deps.Store.UpsertEntity(ctx, u.scope, entity); err != nil {
				if u.skipRecord(key.Stage, entity.Name, err, t) {
					continue
				}
				return fmt.Errorf("persist %s %q: %w", u.scope, entity.Name, err)
			}
			t.processed++
			u.emit(progress.Event{Kind: progress.KindItemWritten, Stage: string(key.Stage), Entity: entity.Name, Note: entity.Href})
		}
		if err := u.ledger.Advance(ctx, key, int64(page.Page)); err != nil {
			return err
		}
		t.cursor = int64(page.Page)
		if u.p.stop.Load() && page.HasNext {
			return errStopped
		}
	}
	return nil
}

// works persists the works of every entity after the cursor in id order;
// the cursor is the last finished entity id.
func (u *unit) works(ctx context.Context, fc dimension.FetchContext, key crawler.CheckpointKey, t *tally) error {
	entities, err := u.entities(ctx, t.cursor)
	if err != nil {
		return err
	}
	for _, entity := range entities {
		if u.p.stop.Load() {
			return errStopped
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		written := 0
		var listErr error
		for work, err := range u.adapter.ListWorks(ctx, fc, crawler.Entity{Name: entity.Name, Href: entity.Href}) {
			if err != nil {
				listErr = err
				break
			}
			if _, err := u.p.deps.Store.UpsertWork(ctx, u.scope, entity.ID, work); err != nil {
				if u.skipRecord(key.Stage, work.Code, err, t) {
					continue
				}
				return fmt.Errorf("persist work %s of %q: %w", work.Code, entity.Name, err)
			}
			written++
			u.emit(progress.Event{Kind: progress.KindItemWritten, Stage: string(key.Stage), Entity: work.Code, Note: "owner=" + entity.Name})
		}
		if listErr != nil {
			if !u.skipEntity(key.Stage, entity.Name, listErr) {
				return listErr
			}
			t.skipped++
		} else {
			t.processed++
		}
		u.logger.Info("Entity works persisted",
			zap.String("entity", entity.Name),
			zap.Int("works", written),
		)
		if err := u.ledger.Advance(ctx, key, entity.ID); err != nil {
			return err
		}
		t.cursor = entity.ID
	}
	return nil
}

// magnets fetches and persists the magnets of every selected work after
// the cursor; the cursor is the last finished work id.
func (u *unit) magnets(ctx context.Context, fc dimension.FetchContext, key crawler.CheckpointKey, t *tally) error {
	var ownerID int64
	if u.req.Entity != "" {
		owner, err := u.p.deps.Store.GetEntity(ctx, u.scope, u.req.Entity)
		if err != nil {
			return err
		}
		ownerID = owner.ID
	}
	works, err := u.p.deps.Store.ListWorks(ctx, u.scope, t.cursor, ownerID)
	if err != nil {
		return err
	}
	filter := u.p.cfg.MagnetFilter
	if filter.Active() {
		u.logger.Info("Magnet work filter active", zap.String("filter", filter.String()))
	}
	for _, work := range works {
		if u.p.stop.Load() {
			return errStopped
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !filter.Match(work) {
			continue
		}
		magnets, err := dimension.FetchMagnets(ctx, fc, u.scope, work)
		if err != nil {
			if !u.skipEntity(key.Stage, work.Code, err) {
				return err
			}
			t.skipped++
		} else {
			if len(magnets) == 0 {
				u.logger.Warn("No magnets parsed", zap.String("code", work.Code))
			}
			for _, m := range magnets {
				if _, err := u.p.deps.Store.UpsertMagnet(ctx, u.scope, work.ID, m); err != nil {
					if u.skipRecord(key.Stage, work.Code, err, t) {
						continue
					}
					return fmt.Errorf("persist magnet of %s: %w", work.Code, err)
				}
				u.emit(progress.Event{Kind: progress.KindItemWritten, Stage: string(key.Stage), Entity: work.Code, Note: m.URI})
			}
			t.processed++
		}
		if err := u.ledger.Advance(ctx, key, work.ID); err != nil {
			return err
		}
		t.cursor = work.ID
	}
	return nil
}

// export writes the owner files; the cursor is the number of exported works.
func (u *unit) export(ctx context.Context, key crawler.CheckpointKey, t *tally) error {
	if u.p.deps.Exporter == nil {
		return errors.New("export is not configured")
	}
	if u.p.stop.Load() {
		return errStopped
	}
	exp := u.p.deps.Exporter
	if u.req.Entity != "" {
		exp = exp.WithFilter(export.ForActor(u.req.Entity))
	}
	res, err := exp.Export(ctx, u.scope)
	if err != nil {
		return err
	}
	t.processed, t.skipped = res.Exported, res.Missing
	next := max(t.cursor, int64(res.Exported))
	if err := u.ledger.Advance(ctx, key, next); err != nil {
		return err
	}
	t.cursor = next
	return nil
}

func (u *unit) entities(ctx context.Context, after int64) ([]crawler.StoredEntity, error) {
	if u.req.Entity == "" {
		return u.p.deps.Store.ListEntities(ctx, u.scope, after)
	}
	e, err := u.p.deps.Store.GetEntity(ctx, u.scope, u.req.Entity)
	if err != nil {
		return nil, err
	}
	if e.ID <= after {
		return nil, nil
	}
	return []crawler.StoredEntity{e}, nil
}

// skipEntity applies the per-entity policy: unexpected statuses and parse
// failures skip the entity; everything else ends the stage.
func (u *unit) skipEntity(stage crawler.Stage, name string, err error) bool {
	if crawler.IsStageFatal(err) || !(errors.Is(err, crawler.ErrUnexpectedStatus) || errors.Is(err, dimension.ErrParse)) {
		return false
	}
	u.logger.Warn("Entity skipped", zap.String("entity", name), zap.Error(err))
	u.emit(progress.Event{Kind: progress.KindItemSkipped, Stage: string(stage), Entity: name, Note: truncate(err.Error(), 512)})
	return true
}

// skipRecord applies the per-record policy: orphans are recorded in history,
// counted as skipped and passed over.
func (u *unit) skipRecord(stage crawler.Stage, name string, err error, t *tally) bool {
	if !errors.Is(err, crawler.ErrOrphanRecord) {
		return false
	}
	t.skipped++
	u.logger.Warn("Orphan record skipped", zap.String("record", name), zap.Error(err))
	u.emit(progress.Event{Kind: progress.KindItemSkipped, Stage: string(stage), Entity: name, Note: truncate(err.Error(), 512)})
	return true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}
