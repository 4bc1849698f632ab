// Package ledger tracks durable per-(stage, scope, scope-key) progress and
// appends the run history.
//
// Each checkpoint moves pending -> in_progress -> done|failed. Failed and
// in_progress checkpoints resume from their saved cursor; done is terminal
// until Reset.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ASUSFX80/Crawl-DB/internal/crawler"
	"github.com/ASUSFX80/Crawl-DB/internal/progress"
)

// Ledger wraps a CheckpointStore with the checkpoint state machine.
type Ledger struct {
	store   crawler.CheckpointStore
	history progress.Emitter
	clock   crawler.Clock
	logger  *zap.Logger

	mu sync.Mutex
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithHistory routes history events to emitter.
func WithHistory(emitter progress.Emitter) Option {
	return func(l *Ledger) {
		if emitter != nil {
			l.history = emitter
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(clock crawler.Clock) Option {
	return func(l *Ledger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

// New constructs a Ledger over store.
func New(store crawler.CheckpointStore, opts ...Option) *Ledger {
	l := &Ledger{
		store:   store,
		history: progress.Nop,
		clock:   utcClock{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Begin marks key in progress and returns the cursor to resume after.
func (l *Ledger) Begin(ctx context.Context, key crawler.CheckpointKey) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cp, err := l.load(ctx, key)
	if err != nil {
		return 0, err
	}
	if cp.Status == crawler.CheckpointDone {
		return cp.Cursor, fmt.Errorf("%s: %w", key, crawler.ErrStageDone)
	}
	if cp.Status == crawler.CheckpointFailed {
		l.logger.Info("Resuming failed checkpoint",
			zap.String("checkpoint", key.String()),
			zap.Int64("cursor", cp.Cursor),
			zap.String("reason", cp.Reason),
		)
	}
	cp.Status = crawler.CheckpointInProgress
	cp.Reason = ""
	if err := l.save(ctx, cp); err != nil {
		return 0, err
	}
	return cp.Cursor, nil
}

// Advance durably records cursor for key. Cursors never move backwards.
func (l *Ledger) Advance(ctx context.Context, key crawler.CheckpointKey, cursor int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cp, err := l.load(ctx, key)
	if err != nil {
		return err
	}
	if cursor < cp.Cursor {
		return fmt.Errorf("%s: %d < %d: %w", key, cursor, cp.Cursor, crawler.ErrCursorRegression)
	}
	if cp.Status == crawler.CheckpointDone {
		return fmt.Errorf("%s: %w", key, crawler.ErrStageDone)
	}
	cp.Cursor = cursor
	cp.Status = crawler.CheckpointInProgress
	if err := l.save(ctx, cp); err != nil {
		return err
	}
	l.emit(progress.Event{
		Kind:   progress.KindCheckpoint,
		Stage:  string(key.Stage),
		Scope:  string(key.Scope),
		Entity: entityLabel(key),
		Note:   "cursor=" + strconv.FormatInt(cursor, 10),
	})
	return nil
}

// Complete marks key done.
func (l *Ledger) Complete(ctx context.Context, key crawler.CheckpointKey) error {
	return l.finish(ctx, key, crawler.CheckpointDone, "")
}

// Fail marks key failed with reason; the cursor is kept for resumption.
func (l *Ledger) Fail(ctx context.Context, key crawler.CheckpointKey, reason string) error {
	return l.finish(ctx, key, crawler.CheckpointFailed, reason)
}

func (l *Ledger) finish(ctx context.Context, key crawler.CheckpointKey, status crawler.CheckpointStatus, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cp, err := l.load(ctx, key)
	if err != nil {
		return err
	}
	cp.Status = status
	cp.Reason = reason
	return l.save(ctx, cp)
}

// Reset rewinds key to cursor 0 and pending.
func (l *Ledger) Reset(ctx context.Context, key crawler.CheckpointKey) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cp := crawler.Checkpoint{CheckpointKey: key, Status: crawler.CheckpointPending}
	if err := l.save(ctx, cp); err != nil {
		return err
	}
	l.logger.Info("Checkpoint reset", zap.String("checkpoint", key.String()))
	return nil
}

// Status returns the checkpoint for key; unknown keys read as pending at 0.
func (l *Ledger) Status(ctx context.Context, key crawler.CheckpointKey) (crawler.Checkpoint, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(ctx, key)
}

// List returns every stored checkpoint.
func (l *Ledger) List(ctx context.Context) ([]crawler.Checkpoint, error) {
	cps, err := l.store.ListCheckpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return cps, nil
}

// AppendHistory records evt without blocking the caller.
func (l *Ledger) AppendHistory(evt progress.Event) {
	l.emit(evt)
}

func (l *Ledger) emit(evt progress.Event) {
	if evt.TS.IsZero() {
		evt.TS = l.clock.Now()
	}
	l.history.Emit(evt)
}

func entityLabel(key crawler.CheckpointKey) string {
	if key.Key == crawler.GlobalKey {
		return ""
	}
	return key.Key
}

func (l *Ledger) load(ctx context.Context, key crawler.CheckpointKey) (crawler.Checkpoint, error) {
	cp, err := l.store.LoadCheckpoint(ctx, key)
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		return crawler.Checkpoint{CheckpointKey: key, Status: crawler.CheckpointPending}, nil
	case err != nil:
		return crawler.Checkpoint{}, fmt.Errorf("load checkpoint %s: %w", key, err)
	}
	return cp, nil
}

func (l *Ledger) save(ctx context.Context, cp crawler.Checkpoint) error {
	cp.UpdatedAt = l.clock.Now()
	if err := l.store.SaveCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.CheckpointKey, err)
	}
	return nil
}
