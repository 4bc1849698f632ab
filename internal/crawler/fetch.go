package crawler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ASUSFX80/Crawl-DB/internal/progress"
)

// Hasher computes digests recorded with fetch history.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// PoliteFetcherConfig wires the collaborators of a PoliteFetcher.
type PoliteFetcherConfig struct {
	Gate    Gate
	Retry   RetryPolicy
	History progress.Emitter
	Hasher  Hasher
	Logger  *zap.Logger
}

// PoliteFetcher wraps a fetch strategy with the politeness gate, bounded
// retry of transient failures and one history entry per attempt.
type PoliteFetcher struct {
	next    Fetcher
	gate    Gate
	retry   RetryPolicy
	history progress.Emitter
	hasher  Hasher
	pauser  pauseController
	logger  *zap.Logger
}

// NewPoliteFetcher wraps next.
func NewPoliteFetcher(next Fetcher, cfg PoliteFetcherConfig) *PoliteFetcher {
	if cfg.Gate == nil {
		cfg.Gate = noGate{}
	}
	if cfg.Retry == nil {
		cfg.Retry = NewExponentialRetryPolicy(0, 0, 0)
	}
	if cfg.History == nil {
		cfg.History = progress.Nop
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &PoliteFetcher{
		next:    next,
		gate:    cfg.Gate,
		retry:   cfg.Retry,
		history: cfg.History,
		hasher:  cfg.Hasher,
		pauser:  &timerPauseController{},
		logger:  cfg.Logger,
	}
}

// Fetch performs the request, retrying transient failures only.
func (p *PoliteFetcher) Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error) {
	if request.Session == nil {
		return FetchResponse{}, fmt.Errorf("%w: no session for %s", ErrInvalidCookie, request.URL)
	}
	for attempt := 1; ; attempt++ {
		if err := p.gate.Wait(ctx, request.URL); err != nil {
			return FetchResponse{}, fmt.Errorf("politeness wait: %w", err)
		}
		start := time.Now()
		resp, err := p.next.Fetch(ctx, request)
		p.recordAttempt(request, resp, attempt, time.Since(start), err)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil || !p.retry.ShouldRetry(err, attempt) {
			if errors.Is(err, ErrTransientNetwork) && attempt > 1 {
				return FetchResponse{}, fmt.Errorf("giving up after %d attempts: %w", attempt, err)
			}
			return FetchResponse{}, err
		}
		delay := p.retry.Backoff(attempt - 1)
		p.logger.Warn("Retrying fetch",
			zap.String("url", request.URL),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		p.history.Emit(progress.Event{
			Kind:    progress.KindRetry,
			Stage:   string(request.Stage),
			Scope:   string(request.Scope),
			Entity:  request.Entity,
			URL:     request.URL,
			Attempt: attempt,
			Dur:     delay,
			Note:    err.Error(),
		})
		p.pauser.Pause(ctx, delay)
	}
}

func (p *PoliteFetcher) recordAttempt(request FetchRequest, resp FetchResponse, attempt int, took time.Duration, err error) {
	evt := progress.Event{
		Kind:       progress.KindFetch,
		Stage:      string(request.Stage),
		Scope:      string(request.Scope),
		Entity:     request.Entity,
		URL:        request.URL,
		Attempt:    attempt,
		StatusCode: resp.StatusCode,
		Bytes:      int64(len(resp.Body)),
		Dur:        took,
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		evt.StatusCode = statusErr.Code
	}
	switch {
	case err != nil:
		evt.Note = err.Error()
	case p.hasher != nil && len(resp.Body) > 0:
		if digest, hashErr := p.hasher.Hash(resp.Body); hashErr == nil {
			evt.Note = "sha256:" + digest
		}
	}
	p.history.Emit(evt)
}
