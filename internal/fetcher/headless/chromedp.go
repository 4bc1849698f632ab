// Package headless implements the persistent browser fetch strategy. One
// browser runs against a durable profile directory for the fetcher's life so
// that a challenge solved by an operator carries over to later fetches.
package headless

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/ASUSFX80/Crawl-DB/internal/crawler"
	"github.com/ASUSFX80/Crawl-DB/internal/metrics"
	"github.com/ASUSFX80/Crawl-DB/internal/session"
)

// Config controls the behavior of the browser fetcher.
type Config struct {
	ProfileDir        string
	UserAgent         string
	Headless          bool
	NavigationTimeout time.Duration
	ChallengeTimeout  time.Duration
	PollInterval      time.Duration
	Detector          *crawler.ChallengeDetector
	// Debug receives page dumps when a challenge times out. Optional.
	Debug  ArtifactWriter
	Logger *zap.Logger
}

// ArtifactWriter stores debug dumps. The local blob store satisfies it.
type ArtifactWriter interface {
	PutObject(ctx context.Context, path, contentType string, data io.Reader) (string, error)
}

// page is the part of a browser tab the fetcher drives.
type page interface {
	SetCookies(ctx context.Context, base string, cookies []*http.Cookie) error
	Navigate(ctx context.Context, url string, headers http.Header) (int, error)
	Content(ctx context.Context) (html string, location string, err error)
	Screenshot(ctx context.Context) ([]byte, error)
	Cookies(ctx context.Context, base string) ([]*http.Cookie, error)
	Close()
}

type pageOpener func(ctx context.Context) (page, error)

// Fetcher implements crawler.Fetcher using chromedp.
type Fetcher struct {
	cfg  Config
	open pageOpener
	now  func() time.Time

	// The profile is single-tenant; fetches through it are serialized.
	mu sync.Mutex

	lock          *session.ProfileLock
	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
}

// NewChromedp locks the profile directory and prepares a browser allocator.
// Chrome itself starts on the first fetch.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.ProfileDir == "" {
		return nil, fmt.Errorf("browser profile directory is required")
	}
	lock, err := session.LockProfile(cfg.ProfileDir)
	if err != nil {
		return nil, err
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(cfg.ProfileDir),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	f := newFetcher(cfg, func(ctx context.Context) (page, error) {
		return openTab(ctx, browserCtx)
	})
	f.lock = lock
	f.allocCancel = allocCancel
	f.browserCancel = browserCancel
	return f, nil
}

func newFetcher(cfg Config, open pageOpener) *Fetcher {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.ChallengeTimeout <= 0 {
		cfg.ChallengeTimeout = 3 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Detector == nil {
		cfg.Detector = crawler.NewChallengeDetector(nil, nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Fetcher{cfg: cfg, open: open, now: time.Now}
}

// Close shuts the browser down and releases the profile.
func (f *Fetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.browserCancel != nil {
		f.browserCancel()
	}
	if f.allocCancel != nil {
		f.allocCancel()
	}
	if f.lock != nil {
		return f.lock.Unlock()
	}
	return nil
}

// Fetch navigates the persistent browser to request.URL. When a challenge
// page is detected it waits for an operator to solve it, polling until
// ChallengeTimeout elapses.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if request.Session == nil {
		return crawler.FetchResponse{}, fmt.Errorf("%w: no session", crawler.ErrInvalidCookie)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	pg, err := f.open(ctx)
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("open browser tab: %w", err)
	}
	defer pg.Close()

	base := request.Session.BaseURL().String()
	if err := pg.SetCookies(ctx, base, request.Session.Cookies()); err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("inject cookies: %w", err)
	}
	defer f.syncCookies(ctx, pg, request.Session, base)

	start := f.now()
	navCtx, cancel := context.WithTimeout(ctx, f.cfg.NavigationTimeout)
	status, err := pg.Navigate(navCtx, request.URL, request.Headers)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return crawler.FetchResponse{}, fmt.Errorf("browser fetch canceled: %w", ctx.Err())
		}
		return crawler.FetchResponse{}, fmt.Errorf("%w: navigate %s: %w", crawler.ErrTransientNetwork, request.URL, err)
	}

	html, location, err := pg.Content(ctx)
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("%w: read page: %w", crawler.ErrTransientNetwork, err)
	}
	if reason, hit := f.cfg.Detector.Detect(status, []byte(html), request.ExpectSelector); hit {
		metrics.ObserveChallenge("browser", "required")
		html, location, err = f.awaitChallenge(ctx, pg, request, reason)
		if err != nil {
			return crawler.FetchResponse{}, err
		}
		status = http.StatusOK
	}
	if status >= http.StatusBadRequest {
		return crawler.FetchResponse{}, crawler.NewStatusError(status, request.URL, "browser")
	}
	if location == "" {
		location = request.URL
	}
	return crawler.FetchResponse{
		URL:          location,
		StatusCode:   status,
		Headers:      http.Header{},
		Body:         []byte(html),
		Duration:     f.now().Sub(start),
		UsedHeadless: true,
	}, nil
}

// awaitChallenge suspends on a timer until the page no longer looks like a
// challenge, or the challenge timeout elapses.
func (f *Fetcher) awaitChallenge(
	ctx context.Context,
	pg page,
	request crawler.FetchRequest,
	reason string,
) (string, string, error) {
	f.cfg.Logger.Warn("Challenge detected, waiting for it to be solved in the browser",
		zap.String("url", request.URL),
		zap.String("reason", reason),
		zap.Duration("timeout", f.cfg.ChallengeTimeout),
	)
	deadline := time.NewTimer(f.cfg.ChallengeTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", "", fmt.Errorf("challenge wait canceled: %w", ctx.Err())
		case <-deadline.C:
			metrics.ObserveChallenge("browser", "timeout")
			f.dumpChallenge(ctx, pg, request)
			return "", "", fmt.Errorf("%w: %s unresolved after %s (%s)",
				crawler.ErrChallengeTimeout, request.URL, f.cfg.ChallengeTimeout, reason)
		case <-ticker.C:
			html, location, err := pg.Content(ctx)
			if err != nil {
				f.cfg.Logger.Debug("Challenge poll failed", zap.Error(err))
				continue
			}
			if next, hit := f.cfg.Detector.Detect(0, []byte(html), request.ExpectSelector); hit {
				reason = next
				continue
			}
			metrics.ObserveChallenge("browser", "resolved")
			f.cfg.Logger.Info("Challenge resolved", zap.String("url", request.URL))
			return html, location, nil
		}
	}
}

func (f *Fetcher) dumpChallenge(ctx context.Context, pg page, request crawler.FetchRequest) {
	if f.cfg.Debug == nil {
		return
	}
	// The run context may already be short; dumps get their own budget.
	dumpCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	prefix := fmt.Sprintf("challenge/%s-%s", f.now().UTC().Format("20060102T150405"), slug(request.URL))

	var errs []error
	if html, _, err := pg.Content(dumpCtx); err == nil {
		if _, err := f.cfg.Debug.PutObject(dumpCtx, prefix+".html", "text/html", strings.NewReader(html)); err != nil {
			errs = append(errs, err)
		}
	} else {
		errs = append(errs, err)
	}
	if shot, err := pg.Screenshot(dumpCtx); err == nil {
		if _, err := f.cfg.Debug.PutObject(dumpCtx, prefix+".png", "image/png", bytes.NewReader(shot)); err != nil {
			errs = append(errs, err)
		}
	} else {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		f.cfg.Logger.Warn("Challenge dump incomplete", zap.String("url", request.URL), zap.Error(err))
		return
	}
	f.cfg.Logger.Info("Challenge page dumped", zap.String("prefix", prefix))
}

func (f *Fetcher) syncCookies(ctx context.Context, pg page, sess *crawler.Session, base string) {
	cookies, err := pg.Cookies(context.WithoutCancel(ctx), base)
	if err != nil {
		f.cfg.Logger.Debug("Reading browser cookies failed", zap.Error(err))
		return
	}
	sess.MergeCookies(cookies)
}

func slug(raw string) string {
	raw = strings.TrimPrefix(strings.TrimPrefix(raw, "https://"), "http://")
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		if b.Len() >= 80 {
			break
		}
	}
	return b.String()
}
