// Package app initializes and holds long-lived services, acting as the
// dependency injection container for the CLI commands and the control server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ASUSFX80/Crawl-DB/internal/clock/system"
	"github.com/ASUSFX80/Crawl-DB/internal/config"
	"github.com/ASUSFX80/Crawl-DB/internal/crawler"
	"github.com/ASUSFX80/Crawl-DB/internal/export"
	collyfetcher "github.com/ASUSFX80/Crawl-DB/internal/fetcher/colly"
	headlessfetcher "github.com/ASUSFX80/Crawl-DB/internal/fetcher/headless"
	"github.com/ASUSFX80/Crawl-DB/internal/hash/sha256"
	"github.com/ASUSFX80/Crawl-DB/internal/id/uuid"
	"github.com/ASUSFX80/Crawl-DB/internal/ledger"
	"github.com/ASUSFX80/Crawl-DB/internal/pipeline"
	"github.com/ASUSFX80/Crawl-DB/internal/policy/ratelimit"
	"github.com/ASUSFX80/Crawl-DB/internal/progress"
	"github.com/ASUSFX80/Crawl-DB/internal/progress/sinks"
	"github.com/ASUSFX80/Crawl-DB/internal/session"
	"github.com/ASUSFX80/Crawl-DB/internal/storage/local"
	"github.com/ASUSFX80/Crawl-DB/internal/storage/sqlstore"
)

// App holds the shared services built from one Config. It is created once
// per process and closed on exit.
type App struct {
	Config   config.Config
	Logger   *zap.Logger
	Store    *sqlstore.Store
	Ledger   *ledger.Ledger
	Hub      *progress.Hub
	Stream   *sinks.StreamSink
	Sessions *session.Store
	Exporter *export.Exporter
	Pipeline *pipeline.Pipeline

	clock    crawler.Clock
	hasher   *sha256.Hasher
	gate     *ratelimit.Limiter
	detector *crawler.ChallengeDetector
	debug    *local.BlobStore
}

// Option customizes New.
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
	clock      crawler.Clock
}

// WithRegisterer registers the history metrics on reg instead of the default
// Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithClock overrides the wall clock.
func WithClock(clock crawler.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// New opens storage and wires the history hub, the session store, the
// exporter and the pipeline. It fails fast if any of them cannot be built.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{registerer: prometheus.DefaultRegisterer, clock: system.New()}
	for _, opt := range opts {
		opt(&o)
	}
	baseURL, err := config.ParseBaseURL(cfg.Site.BaseURL)
	if err != nil {
		return nil, err
	}

	store, err := sqlstore.Open(ctx, sqlstore.Config{
		Driver:       cfg.Storage.Driver,
		DSN:          cfg.Storage.DSN,
		MaxOpenConns: cfg.Storage.MaxOpenConns,
	}, logger.Named("storage"))
	if err != nil {
		return nil, fmt.Errorf("initialize storage: %w", err)
	}

	promSink, err := sinks.NewPrometheusSink(o.registerer)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("initialize history metrics: %w", err)
	}
	stream := sinks.NewStreamSink(0)
	hub := progress.NewHub(progress.Config{Logger: logger.Named("history")},
		sinks.NewStoreSink(store, logger.Named("history")),
		sinks.NewLogSink(logger.Named("history")),
		promSink,
		stream,
	)

	a := &App{
		Config: cfg,
		Logger: logger,
		Store:  store,
		Hub:    hub,
		Stream: stream,
		clock:  o.clock,
		hasher: sha256.New(),
		gate: ratelimit.New(ratelimit.Config{
			MinInterval: cfg.Fetch.MinInterval,
			Jitter:      cfg.Fetch.Jitter,
		}),
		detector: crawler.NewChallengeDetector(nil, nil),
	}
	a.Ledger = ledger.New(store,
		ledger.WithHistory(hub),
		ledger.WithClock(o.clock),
		ledger.WithLogger(logger.Named("ledger")),
	)

	headers := http.Header{}
	headers.Set("User-Agent", cfg.Site.UserAgent)
	a.Sessions = session.NewStore(session.Options{
		CookieFile: cfg.Session.CookieFile,
		ProfileDir: cfg.Session.ProfileDir,
		Required:   cfg.Session.RequiredCookies,
		StaleAfter: cfg.Session.StaleAfter,
		BaseURL:    baseURL,
		Headers:    headers,
		Logger:     logger.Named("session"),
		Now:        o.clock.Now,
	})

	blobs, err := local.New(local.Config{BaseDir: cfg.Export.OutputDir})
	if err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("initialize export directory: %w", err)
	}
	if cfg.Fetch.DebugDir != "" {
		if a.debug, err = local.New(local.Config{BaseDir: cfg.Fetch.DebugDir}); err != nil {
			_ = a.Close(ctx)
			return nil, fmt.Errorf("initialize debug directory: %w", err)
		}
	}
	a.Exporter = export.New(store, blobs, export.Config{
		Filter:  cfg.Export.Filter.WorkFilter(),
		Policy:  cfg.Export.Policy(),
		History: hub,
		Hasher:  a.hasher,
		Logger:  logger.Named("export"),
	})

	a.Pipeline, err = pipeline.New(pipeline.Deps{
		Store:    store,
		Sessions: a.Sessions,
		Fetchers: a.OpenFetcher,
		Exporter: a.Exporter,
		History:  hub,
		IDs:      uuid.NewUUIDGenerator(),
		Clock:    o.clock,
		Logger:   logger.Named("pipeline"),
	}, pipeline.Config{
		MaxParallelScopes: cfg.Pipeline.MaxParallelScopes,
		MagnetFilter:      cfg.Pipeline.MagnetFilter.WorkFilter(),
		WorkTags:          cfg.Site.WorkTags,
	})
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	logger.Info("Application services ready",
		zap.String("base_url", baseURL.String()),
		zap.String("storage", cfg.Storage.Driver),
		zap.String("fetch_mode", cfg.Fetch.Mode),
	)
	return a, nil
}

// Request is the run request described by the pipeline section of the config.
func (a *App) Request() (pipeline.Request, error) {
	stages, err := config.ParseStages(a.Config.Pipeline.Stages)
	if err != nil {
		return pipeline.Request{}, err
	}
	skip, err := config.ParseStages(a.Config.Pipeline.SkipStages)
	if err != nil {
		return pipeline.Request{}, err
	}
	scopes, err := config.ParseScopes(a.Config.Pipeline.Scopes)
	if err != nil {
		return pipeline.Request{}, err
	}
	return pipeline.Request{
		Stages:     stages,
		Scopes:     scopes,
		SkipStages: skip,
		Force:      a.Config.Pipeline.Force,
		Entity:     a.Config.Pipeline.Entity,
		FetchMode:  a.Config.Fetch.Mode,
	}, nil
}

// OpenFetcher builds the fetch strategy for mode ("" uses the configured
// mode) wrapped in the polite fetcher. release shuts a browser down and
// frees its profile.
func (a *App) OpenFetcher(_ context.Context, mode string, history progress.Emitter) (crawler.Fetcher, func() error, error) {
	if mode == "" {
		mode = a.Config.Fetch.Mode
	}
	var (
		next    crawler.Fetcher
		release func() error
	)
	switch mode {
	case config.ModeDirect:
		next = collyfetcher.New(collyfetcher.Config{
			UserAgent:      a.Config.Site.UserAgent,
			AcceptLanguage: a.Config.Site.AcceptLanguage,
			Timeout:        a.Config.Fetch.Timeout,
			Detector:       a.detector,
			Logger:         a.Logger.Named("fetch"),
		})
	case config.ModeBrowser:
		if a.Config.Pipeline.MaxParallelScopes > 1 {
			return nil, nil, fmt.Errorf("browser mode runs one scope at a time, max_parallel_scopes is %d",
				a.Config.Pipeline.MaxParallelScopes)
		}
		cfg := headlessfetcher.Config{
			ProfileDir:        a.Config.Session.ProfileDir,
			UserAgent:         a.Config.Site.UserAgent,
			Headless:          a.Config.Fetch.Headless,
			NavigationTimeout: a.Config.Fetch.NavTimeout,
			ChallengeTimeout:  a.Config.Fetch.ChallengeTimeout,
			PollInterval:      a.Config.Fetch.ChallengePollInterval,
			Detector:          a.detector,
			Logger:            a.Logger.Named("browser"),
		}
		if a.debug != nil {
			cfg.Debug = a.debug
		}
		browser, err := headlessfetcher.NewChromedp(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("start browser: %w", err)
		}
		next, release = browser, browser.Close
	default:
		return nil, nil, fmt.Errorf("unknown fetch mode %q", mode)
	}
	polite := crawler.NewPoliteFetcher(next, crawler.PoliteFetcherConfig{
		Gate: a.gate,
		Retry: crawler.NewExponentialRetryPolicy(
			a.Config.Fetch.MaxAttempts,
			a.Config.Fetch.BackoffInitial,
			a.Config.Fetch.BackoffMax,
		),
		History: history,
		Hasher:  a.hasher,
		Logger:  a.Logger.Named("fetch"),
	})
	return polite, release, nil
}

// Close flushes history and releases storage. It is safe to call once.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if a.Hub != nil {
		if err := a.Hub.Close(closeCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
	}
	return errors.Join(errs...)
}
