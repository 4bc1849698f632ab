package sinks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ASUSFX80/Crawl-DB/internal/progress"
)

type fakeHistoryWriter struct {
	mu      sync.Mutex
	batches [][]progress.Event
	err     error
}

func (f *fakeHistoryWriter) AppendHistory(_ context.Context, events []progress.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, append([]progress.Event(nil), events...))
	return nil
}

func sampleBatch() []progress.Event {
	run := progress.UUIDToBytes(uuid.New())
	now := time.Unix(1_700_000_000, 0).UTC()
	return []progress.Event{
		{RunID: run, TS: now, Kind: progress.KindRunStart},
		{RunID: run, TS: now, Kind: progress.KindStageStart, Stage: "collect", Scope: "actor"},
		{
			RunID: run, TS: now, Kind: progress.KindFetch, Stage: "collect", Scope: "actor",
			URL: "https://example.test/actors", Attempt: 1, StatusCode: 200, Bytes: 2048, Dur: 150 * time.Millisecond,
		},
		{
			RunID: run, TS: now, Kind: progress.KindFetch, Stage: "collect", Scope: "actor",
			URL: "https://example.test/actors?page=2", Attempt: 1, StatusCode: 503,
		},
		{RunID: run, TS: now, Kind: progress.KindRetry, Stage: "collect", Scope: "actor", URL: "https://example.test/actors?page=2", Attempt: 2},
		{RunID: run, TS: now, Kind: progress.KindItemWritten, Stage: "collect", Scope: "actor", Entity: "Alice"},
		{RunID: run, TS: now, Kind: progress.KindItemSkipped, Stage: "collect", Scope: "actor", Entity: "Bob"},
		{RunID: run, TS: now, Kind: progress.KindStageDone, Stage: "collect", Scope: "actor"},
		{RunID: run, TS: now, Kind: progress.KindStageFailed, Stage: "works", Scope: "actor", Note: "challenge"},
		{RunID: run, TS: now, Kind: progress.KindRunDone, Dur: 90 * time.Second},
	}
}

func TestStoreSinkAppendsBatch(t *testing.T) {
	t.Parallel()

	repo := &fakeHistoryWriter{}
	sink := NewStoreSink(repo, nil)
	batch := sampleBatch()

	require.NoError(t, sink.Consume(context.Background(), batch))
	require.NoError(t, sink.Consume(context.Background(), nil))
	require.Len(t, repo.batches, 1)
	require.Equal(t, batch, repo.batches[0])
	require.NoError(t, sink.Close(context.Background()))
}

func TestStoreSinkWrapsErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("disk full")
	sink := NewStoreSink(&fakeHistoryWriter{err: boom}, zap.NewNop())
	err := sink.Consume(context.Background(), sampleBatch())
	require.ErrorIs(t, err, boom)
	require.Contains(t, err.Error(), "append history")
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), sampleBatch()))

	var kinds []string
	for _, entry := range logs.All() {
		kinds = append(kinds, entry.ContextMap()["kind"].(string))
	}
	require.Equal(t, []string{"RUN_START", "STAGE_START", "ITEM_SKIPPED", "STAGE_DONE", "STAGE_FAILED", "RUN_DONE"}, kinds)

	failed := logs.FilterField(zap.String("kind", "STAGE_FAILED")).All()
	require.Len(t, failed, 1)
	require.Equal(t, zapcore.WarnLevel, failed[0].Level)
	require.Equal(t, "challenge", failed[0].ContextMap()["note"])
}

func TestLogSinkDebugIncludesFetchFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), sampleBatch()))

	fetches := logs.FilterField(zap.String("kind", "FETCH")).All()
	require.Len(t, fetches, 2)
	fields := fetches[0].ContextMap()
	require.Equal(t, "https://example.test/actors", fields["url"])
	require.EqualValues(t, 200, fields["status"])
	require.EqualValues(t, 2048, fields["bytes"])
}

func TestPrometheusSinkCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	batch := sampleBatch()
	require.NoError(t, sink.Consume(context.Background(), batch[:1]))
	require.InDelta(t, 1, testutil.ToFloat64(sink.runsRunning), 0)

	require.NoError(t, sink.Consume(context.Background(), batch[1:]))
	require.InDelta(t, 1, testutil.ToFloat64(sink.runsStarted), 0)
	require.InDelta(t, 0, testutil.ToFloat64(sink.runsRunning), 0)
	require.InDelta(t, 1, testutil.ToFloat64(sink.fetchRequests.WithLabelValues("actor", "2xx")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(sink.fetchRequests.WithLabelValues("actor", "5xx")), 0)
	require.InDelta(t, 2048, testutil.ToFloat64(sink.fetchBytes.WithLabelValues("actor")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(sink.retries.WithLabelValues("actor")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(sink.items.WithLabelValues("collect", "actor", "written")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(sink.items.WithLabelValues("collect", "actor", "skipped")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(sink.stageOutcomes.WithLabelValues("collect", "actor", "done")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(sink.stageOutcomes.WithLabelValues("works", "actor", "failed")), 0)
	require.Equal(t, 1, testutil.CollectAndCount(sink.runRuntime))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

func TestStreamSinkDropsWhenFull(t *testing.T) {
	t.Parallel()

	sink := NewStreamSink(2)
	batch := sampleBatch()
	require.NoError(t, sink.Consume(context.Background(), batch[:4]))
	require.EqualValues(t, 2, sink.Dropped())

	first := <-sink.Events()
	require.Equal(t, progress.KindRunStart, first.Kind)

	require.NoError(t, sink.Close(context.Background()))
	require.NoError(t, sink.Close(context.Background()))
	require.NoError(t, sink.Consume(context.Background(), batch))

	second, ok := <-sink.Events()
	require.True(t, ok)
	require.Equal(t, progress.KindStageStart, second.Kind)
	_, ok = <-sink.Events()
	require.False(t, ok)
}
