package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ASUSFX80/Crawl-DB/internal/progress"
)

// PrometheusSink derives crawl metrics from history events: runs, stage
// outcomes, fetch attempts and items written.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsRunning   prometheus.Gauge
	runRuntime    prometheus.Histogram
	stageOutcomes *prometheus.CounterVec

	fetchRequests *prometheus.CounterVec
	fetchBytes    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	retries       *prometheus.CounterVec
	items         *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawldb_runs_started_total",
			Help: "Total pipeline runs started.",
		}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawldb_runs_running",
			Help: "Current number of running pipeline runs.",
		}),
		runRuntime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crawldb_run_runtime_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 14400},
		}),
		stageOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawldb_stage_outcomes_total",
			Help: "Stage terminations partitioned by stage, scope and outcome.",
		}, []string{"stage", "scope", "outcome"}),
		fetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawldb_fetch_requests_total",
			Help: "Fetch attempts partitioned by scope and status class.",
		}, []string{"scope", "status_class"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawldb_fetch_bytes_total",
			Help: "Bytes downloaded per scope.",
		}, []string{"scope"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawldb_fetch_duration_seconds",
			Help:    "Fetch attempt duration partitioned by scope.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"scope"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawldb_fetch_retries_total",
			Help: "Fetch retries partitioned by scope.",
		}, []string{"scope"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawldb_items_total",
			Help: "Items written or skipped partitioned by stage, scope and result.",
		}, []string{"stage", "scope", "result"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsRunning,
		s.runRuntime,
		s.stageOutcomes,
		s.fetchRequests,
		s.fetchBytes,
		s.fetchDuration,
		s.retries,
		s.items,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register history collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates collectors for each event.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	scope := evt.Scope
	if scope == "" {
		scope = "none"
	}
	switch evt.Kind {
	case progress.KindRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
	case progress.KindRunDone:
		if evt.Dur > 0 {
			s.runRuntime.Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.RunID) {
			s.runsRunning.Dec()
		}
	case progress.KindStageDone:
		s.stageOutcomes.WithLabelValues(evt.Stage, scope, "done").Inc()
	case progress.KindStageFailed:
		s.stageOutcomes.WithLabelValues(evt.Stage, scope, "failed").Inc()
	case progress.KindStageStopped:
		s.stageOutcomes.WithLabelValues(evt.Stage, scope, "stopped").Inc()
	case progress.KindStageSkipped:
		s.stageOutcomes.WithLabelValues(evt.Stage, scope, "skipped").Inc()
	case progress.KindFetch:
		s.fetchRequests.WithLabelValues(scope, string(evt.StatusClass())).Inc()
		if evt.Bytes > 0 {
			s.fetchBytes.WithLabelValues(scope).Add(float64(evt.Bytes))
		}
		if evt.Dur > 0 {
			s.fetchDuration.WithLabelValues(scope).Observe(evt.Dur.Seconds())
		}
	case progress.KindRetry:
		s.retries.WithLabelValues(scope).Inc()
	case progress.KindItemWritten:
		s.items.WithLabelValues(evt.Stage, scope, "written").Inc()
	case progress.KindItemSkipped:
		s.items.WithLabelValues(evt.Stage, scope, "skipped").Inc()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
