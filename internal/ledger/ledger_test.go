package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ASUSFX80/Crawl-DB/internal/clock/system"
	"github.com/ASUSFX80/Crawl-DB/internal/crawler"
	"github.com/ASUSFX80/Crawl-DB/internal/progress"
	"github.com/ASUSFX80/Crawl-DB/internal/storage/sqlstore"
)

var dbSeq atomic.Int64

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) Events() []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.Event(nil), r.events...)
}

func newTestLedger(t *testing.T, opts ...Option) (*Ledger, *sqlstore.Store) {
	t.Helper()
	dsn := fmt.Sprintf("file:ledger_%d?mode=memory&cache=shared", dbSeq.Add(1))
	store, err := sqlstore.Open(context.Background(), sqlstore.Config{Driver: sqlstore.DriverSQLite, DSN: dsn}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store, opts...), store
}

func TestBeginOnUnknownKeyStartsAtZero(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, _ := newTestLedger(t)
	key := crawler.NewCheckpointKey(crawler.StageWorks, crawler.ScopeActor, "")

	cursor, err := l.Begin(ctx, key)
	require.NoError(t, err)
	require.Zero(t, cursor)

	cp, err := l.Status(ctx, key)
	require.NoError(t, err)
	require.Equal(t, crawler.CheckpointInProgress, cp.Status)
	require.Equal(t, crawler.GlobalKey, cp.Key)
}

func TestAdvanceRejectsRegression(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	history := &recordingEmitter{}
	l, _ := newTestLedger(t, WithHistory(history))
	key := crawler.NewCheckpointKey(crawler.StageCollect, crawler.ScopeSeries, "")

	_, err := l.Begin(ctx, key)
	require.NoError(t, err)
	require.NoError(t, l.Advance(ctx, key, 3))
	require.NoError(t, l.Advance(ctx, key, 3), "repeating the same cursor is allowed")

	err = l.Advance(ctx, key, 2)
	require.ErrorIs(t, err, crawler.ErrCursorRegression)

	cp, err := l.Status(ctx, key)
	require.NoError(t, err)
	require.EqualValues(t, 3, cp.Cursor)

	events := history.Events()
	require.Len(t, events, 2)
	for _, evt := range events {
		require.Equal(t, progress.KindCheckpoint, evt.Kind)
		require.Equal(t, "cursor=3", evt.Note)
		require.Empty(t, evt.Entity)
		require.NoError(t, evt.Validate())
	}
}

func TestStateMachine(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := system.NewFixed(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	l, _ := newTestLedger(t, WithClock(clock))
	key := crawler.NewCheckpointKey(crawler.StageMagnets, crawler.ScopeMaker, "MakerX")

	_, err := l.Begin(ctx, key)
	require.NoError(t, err)
	require.NoError(t, l.Advance(ctx, key, 7))
	require.NoError(t, l.Fail(ctx, key, "challenge timeout"))

	cp, err := l.Status(ctx, key)
	require.NoError(t, err)
	require.Equal(t, crawler.CheckpointFailed, cp.Status)
	require.Equal(t, "challenge timeout", cp.Reason)
	require.True(t, cp.UpdatedAt.Equal(clock.Now()))

	clock.Advance(time.Minute)
	cursor, err := l.Begin(ctx, key)
	require.NoError(t, err, "failed checkpoints resume")
	require.EqualValues(t, 7, cursor)

	require.NoError(t, l.Advance(ctx, key, 9))
	require.NoError(t, l.Complete(ctx, key))

	cursor, err = l.Begin(ctx, key)
	require.ErrorIs(t, err, crawler.ErrStageDone)
	require.EqualValues(t, 9, cursor)
	require.ErrorIs(t, l.Advance(ctx, key, 10), crawler.ErrStageDone)

	require.NoError(t, l.Reset(ctx, key))
	cp, err = l.Status(ctx, key)
	require.NoError(t, err)
	require.Equal(t, crawler.CheckpointPending, cp.Status)
	require.Zero(t, cp.Cursor)

	cursor, err = l.Begin(ctx, key)
	require.NoError(t, err)
	require.Zero(t, cursor)
}

func TestInProgressCheckpointResumes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, store := newTestLedger(t)
	key := crawler.NewCheckpointKey(crawler.StageWorks, crawler.ScopeActor, "")

	_, err := l.Begin(ctx, key)
	require.NoError(t, err)
	require.NoError(t, l.Advance(ctx, key, 4))

	// A fresh ledger over the same store sees the interrupted run.
	resumed := New(store)
	cursor, err := resumed.Begin(ctx, key)
	require.NoError(t, err)
	require.EqualValues(t, 4, cursor)
}

func TestListAndScopeKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, _ := newTestLedger(t)

	keys := []crawler.CheckpointKey{
		crawler.NewCheckpointKey(crawler.StageCollect, crawler.ScopeActor, "Alice"),
		crawler.NewCheckpointKey(crawler.StageWorks, crawler.ScopeActor, ""),
		crawler.NewCheckpointKey(crawler.StageWorks, crawler.ScopeActor, "Alice"),
	}
	require.Equal(t, crawler.GlobalKey, keys[0].Key, "collect always covers the whole listing")
	for _, key := range keys {
		_, err := l.Begin(ctx, key)
		require.NoError(t, err)
	}

	cps, err := l.List(ctx)
	require.NoError(t, err)
	require.Len(t, cps, 3)
}

type failingStore struct {
	crawler.CheckpointStore
}

func (failingStore) LoadCheckpoint(context.Context, crawler.CheckpointKey) (crawler.Checkpoint, error) {
	return crawler.Checkpoint{}, errors.New("database is locked")
}

func TestStoreErrorsAreWrapped(t *testing.T) {
	t.Parallel()

	l := New(failingStore{})
	_, err := l.Begin(context.Background(), crawler.NewCheckpointKey(crawler.StageWorks, crawler.ScopeCode, ""))
	require.Error(t, err)
	require.Contains(t, err.Error(), "load checkpoint works/code/global")
}

func TestAppendHistoryStampsTime(t *testing.T) {
	t.Parallel()

	history := &recordingEmitter{}
	clock := system.NewFixed(time.Unix(1_700_000_000, 0))
	l := New(failingStore{}, WithHistory(history), WithClock(clock))
	l.AppendHistory(progress.Event{Kind: progress.KindItemSkipped, Stage: "works", Scope: "actor", Entity: "Bob"})

	events := history.Events()
	require.Len(t, events, 1)
	require.True(t, events[0].TS.Equal(clock.Now()))
}
