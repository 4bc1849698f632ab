// Package ratelimit implements the politeness gate: a per-site token bucket
// that enforces a minimum interval between requests, plus random jitter.
package ratelimit

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ASUSFX80/Crawl-DB/internal/metrics"
)

// Config holds gate configuration.
type Config struct {
	// MinInterval is the minimum spacing between two requests to one site.
	MinInterval time.Duration
	// Jitter is the upper bound of an extra random delay added after each token.
	Jitter time.Duration
}

// Limiter manages per-site politeness buckets. It implements crawler.Gate.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	every    rate.Limit
	jitter   time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates a new Limiter. A zero MinInterval disables the bucket.
func New(cfg Config) *Limiter {
	every := rate.Inf
	if cfg.MinInterval > 0 {
		every = rate.Every(cfg.MinInterval)
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		every:    every,
		jitter:   cfg.Jitter,
		sleep:    sleepCtx,
	}
}

// Wait blocks until the site's next request slot opens, respecting ctx.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	site := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		site = u.Hostname()
	}
	l.mu.Lock()
	limiter, exists := l.limiters[site]
	if !exists {
		limiter = rate.NewLimiter(l.every, 1)
		l.limiters[site] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if err := l.sleep(ctx, l.randomJitter()); err != nil {
		return fmt.Errorf("jitter wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveGateDelay(site, waited)
	}
	return nil
}

func (l *Limiter) randomJitter() time.Duration {
	if l.jitter <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(l.jitter)))
	if err != nil {
		return l.jitter / 2
	}
	return time.Duration(n.Int64())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
