// Package pipeline runs the collect, works, magnets and filter/export stages
// for one or more scopes, resuming each (stage, scope) unit from its
// checkpoint.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ASUSFX80/Crawl-DB/internal/crawler"
	"github.com/ASUSFX80/Crawl-DB/internal/dimension"
	"github.com/ASUSFX80/Crawl-DB/internal/export"
	"github.com/ASUSFX80/Crawl-DB/internal/ledger"
	"github.com/ASUSFX80/Crawl-DB/internal/progress"
)

// ErrRunActive is returned when a run is started while another is active.
var ErrRunActive = errors.New("run already active")

// Store is the storage surface the stages use.
type Store interface {
	crawler.Store
	crawler.CheckpointStore
}

// SessionSource opens the session material before a run and writes back
// refreshed cookies afterwards.
type SessionSource interface {
	Open() (*crawler.Session, error)
	Save(sess *crawler.Session) error
}

// FetcherFactory opens the fetch strategy for mode. history receives one
// entry per fetch attempt. release is called when the run ends.
type FetcherFactory func(ctx context.Context, mode string, history progress.Emitter) (fetcher crawler.Fetcher, release func() error, err error)

// RunIDSource mints run identifiers.
type RunIDSource interface {
	NewRawID() (uuid.UUID, error)
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Store    Store
	Sessions SessionSource
	Fetchers FetcherFactory
	Exporter *export.Exporter
	History  progress.Emitter
	IDs      RunIDSource
	Clock    crawler.Clock
	Logger   *zap.Logger
}

// Config tunes a Pipeline.
type Config struct {
	// MaxParallelScopes bounds how many scopes run at once (default 1).
	MaxParallelScopes int
	// MagnetFilter restricts which works get magnets fetched.
	MagnetFilter export.WorkFilter
	// WorkTags restricts entity works listings to these tags.
	WorkTags []string
}

// Request selects what one run does.
type Request struct {
	Stages     []crawler.Stage `json:"stages"`
	Scopes     []crawler.Scope `json:"scopes"`
	SkipStages []crawler.Stage `json:"skip_stages,omitempty"`
	// Force runs a stage even when its predecessor is not done.
	Force bool `json:"force,omitempty"`
	// Entity narrows works, magnets and export to one entity name.
	Entity string `json:"entity,omitempty"`
	// FetchMode selects the fetch strategy; empty uses the configured default.
	FetchMode string `json:"fetch_mode,omitempty"`
	// RunID is minted when zero.
	RunID uuid.UUID `json:"run_id,omitempty"`
}

func (r Request) normalized() Request {
	if len(r.Stages) == 0 {
		r.Stages = crawler.AllStages()
	}
	if len(r.Scopes) == 0 {
		r.Scopes = []crawler.Scope{crawler.ScopeActor}
	}
	return r
}

// Pipeline orchestrates stage runs. One Pipeline runs at most one Request
// at a time.
type Pipeline struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	running atomic.Bool
	stop    atomic.Bool

	mu      sync.Mutex
	current *Report
}

// New constructs a Pipeline.
func New(deps Deps, cfg Config) (*Pipeline, error) {
	if deps.Store == nil {
		return nil, errors.New("pipeline requires a store")
	}
	if deps.Sessions == nil {
		return nil, errors.New("pipeline requires a session source")
	}
	if deps.Fetchers == nil {
		return nil, errors.New("pipeline requires a fetcher factory")
	}
	if deps.History == nil {
		deps.History = progress.Nop
	}
	if deps.Clock == nil {
		deps.Clock = utcClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.MaxParallelScopes <= 0 {
		cfg.MaxParallelScopes = 1
	}
	return &Pipeline{deps: deps, cfg: cfg, logger: deps.Logger}, nil
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

// Stop asks the active run to halt at the next entity boundary.
func (p *Pipeline) Stop() {
	if p.running.Load() {
		p.stop.Store(true)
		p.logger.Info("Stop requested; finishing the current entity")
	}
}

// Running reports whether a run is active.
func (p *Pipeline) Running() bool {
	return p.running.Load()
}

// Current returns a copy of the active or most recent run's report.
func (p *Pipeline) Current() (Report, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return Report{}, false
	}
	return p.current.clone(), true
}

// Run executes req and returns the per-(scope, stage) report. The returned
// error is non-nil only for run-level failures such as invalid session
// material; stage failures are reported in the Report.
func (p *Pipeline) Run(ctx context.Context, req Request) (Report, error) {
	if !p.running.CompareAndSwap(false, true) {
		return Report{}, ErrRunActive
	}
	defer p.running.Store(false)
	p.stop.Store(false)

	req = req.normalized()
	if req.RunID == uuid.Nil {
		id, err := p.newRunID()
		if err != nil {
			return Report{}, err
		}
		req.RunID = id
	}
	started := p.deps.Clock.Now()
	report := &Report{RunID: req.RunID.String(), Request: req, StartedAt: started}
	p.mu.Lock()
	p.current = report
	p.mu.Unlock()

	history := progress.WithRun(p.deps.History, progress.UUIDToBytes(req.RunID))
	logger := p.logger.With(zap.String("run_id", report.RunID))
	led := ledger.New(p.deps.Store,
		ledger.WithHistory(history),
		ledger.WithClock(p.deps.Clock),
		ledger.WithLogger(logger),
	)

	sess, err := p.deps.Sessions.Open()
	if err != nil {
		return p.finish(report, history, fmt.Errorf("preflight: %w", err))
	}
	fetcher, release, err := p.deps.Fetchers(ctx, req.FetchMode, history)
	if err != nil {
		return p.finish(report, history, fmt.Errorf("open fetcher: %w", err))
	}
	defer func() {
		if release == nil {
			return
		}
		if err := release(); err != nil {
			logger.Warn("Fetcher release failed", zap.Error(err))
		}
	}()

	history.Emit(progress.Event{Kind: progress.KindRunStart, TS: started, Note: req.summary()})
	logger.Info("Run started",
		zap.Strings("stages", stageNames(req.Stages)),
		zap.Strings("scopes", scopeNames(req.Scopes)),
		zap.String("entity", req.Entity),
		zap.Bool("force", req.Force),
	)

	var g errgroup.Group
	g.SetLimit(p.cfg.MaxParallelScopes)
	for _, scope := range req.Scopes {
		g.Go(func() error {
			u := &unit{
				p:      p,
				req:    req,
				scope:  scope,
				ledger: led,
				fc: dimension.FetchContext{
					Fetcher:  fetcher,
					Session:  sess,
					WorkTags: p.cfg.WorkTags,
				},
				report: report,
				logger: logger.With(zap.String("scope", string(scope))),
			}
			u.run(ctx)
			return nil
		})
	}
	_ = g.Wait()

	if err := p.deps.Sessions.Save(sess); err != nil {
		logger.Warn("Session write-back failed", zap.Error(err))
	}
	return p.finish(report, history, nil)
}

func (p *Pipeline) finish(report *Report, history progress.Emitter, runErr error) (Report, error) {
	finished := p.deps.Clock.Now()
	p.mu.Lock()
	report.FinishedAt = finished
	if runErr != nil {
		report.Error = runErr.Error()
	}
	out := report.clone()
	p.mu.Unlock()

	note := out.Summary()
	if runErr != nil {
		note = runErr.Error()
	}
	history.Emit(progress.Event{
		Kind: progress.KindRunDone,
		TS:   finished,
		Dur:  max(finished.Sub(report.StartedAt), 0),
		Note: note,
	})
	if runErr != nil {
		p.logger.Error("Run aborted", zap.String("run_id", out.RunID), zap.Error(runErr))
		return out, runErr
	}
	p.logger.Info("Run finished", zap.String("run_id", out.RunID), zap.String("summary", note))
	return out, nil
}

func (p *Pipeline) newRunID() (uuid.UUID, error) {
	if p.deps.IDs != nil {
		id, err := p.deps.IDs.NewRawID()
		if err != nil {
			return uuid.Nil, fmt.Errorf("mint run id: %w", err)
		}
		return id, nil
	}
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("mint run id: %w", err)
	}
	return id, nil
}

func (p *Pipeline) record(report *Report, res StageResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	report.Results = append(report.Results, res)
}

func (r Request) summary() string {
	s := fmt.Sprintf("stages=%v scopes=%v", stageNames(r.Stages), scopeNames(r.Scopes))
	if r.Entity != "" {
		s += " entity=" + r.Entity
	}
	if r.Force {
		s += " force"
	}
	return s
}

func (r Request) wants(stage crawler.Stage) bool {
	return slices.Contains(r.Stages, stage)
}

func (r Request) skips(stage crawler.Stage) bool {
	return slices.Contains(r.SkipStages, stage)
}

func stageNames(stages []crawler.Stage) []string {
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = string(s)
	}
	return out
}

func scopeNames(scopes []crawler.Scope) []string {
	out := make([]string, len(scopes))
	for i, s := range scopes {
		out[i] = string(s)
	}
	return out
}
