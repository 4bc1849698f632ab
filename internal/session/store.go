package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/ASUSFX80/Crawl-DB/internal/crawler"
)

// Options configures a Store.
type Options struct {
	CookieFile string
	ProfileDir string
	Required   []string
	// StaleAfter triggers a warning when the cookie file is older. Zero disables it.
	StaleAfter time.Duration
	BaseURL    *url.URL
	Headers    http.Header
	Logger     *zap.Logger
	Now        func() time.Time
}

// Store owns the on-disk session material.
type Store struct {
	opts Options
}

// NewStore builds a Store. A nil Required list uses DefaultRequired.
func NewStore(opts Options) *Store {
	if opts.Required == nil {
		opts.Required = DefaultRequired
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{opts: opts}
}

// Open loads and validates the cookie file and returns a run session.
// Any problem with the material is reported as crawler.ErrInvalidCookie.
func (s *Store) Open() (*crawler.Session, error) {
	if s.opts.BaseURL == nil {
		return nil, fmt.Errorf("session base url is required")
	}
	if s.opts.CookieFile == "" {
		return nil, fmt.Errorf("%w: no cookie file configured", crawler.ErrInvalidCookie)
	}
	info, err := os.Stat(s.opts.CookieFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: cookie file %s not found", crawler.ErrInvalidCookie, s.opts.CookieFile)
		}
		return nil, fmt.Errorf("%w: stat cookie file: %v", crawler.ErrInvalidCookie, err)
	}
	data, err := os.ReadFile(s.opts.CookieFile)
	if err != nil {
		return nil, fmt.Errorf("%w: read cookie file: %v", crawler.ErrInvalidCookie, err)
	}
	cookies, err := ParseCookies(data, s.opts.BaseURL.Hostname())
	if err != nil {
		return nil, err
	}
	if err := Validate(cookies, s.opts.Required); err != nil {
		return nil, err
	}
	if age := s.opts.Now().Sub(info.ModTime()); s.opts.StaleAfter > 0 && age > s.opts.StaleAfter {
		s.opts.Logger.Warn("Cookie file may be stale",
			zap.String("path", s.opts.CookieFile),
			zap.Duration("age", age.Round(time.Minute)),
		)
	}
	s.opts.Logger.Info("Session loaded",
		zap.String("path", s.opts.CookieFile),
		zap.Int("cookies", len(cookies)),
	)
	return crawler.NewSession(s.opts.BaseURL, cookies, s.opts.ProfileDir, s.opts.Headers), nil
}

// Save writes refreshed cookies back to the cookie file when they changed.
// The file is replaced atomically.
func (s *Store) Save(sess *crawler.Session) error {
	if sess == nil || !sess.Dirty() {
		return nil
	}
	payload, err := json.MarshalIndent(map[string]any{"cookies": toItems(sess.Cookies())}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cookies: %w", err)
	}
	dir := filepath.Dir(s.opts.CookieFile)
	tmp, err := os.CreateTemp(dir, ".cookies-*.json")
	if err != nil {
		return fmt.Errorf("create temp cookie file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // best-effort cleanup after rename
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write cookies: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close cookie file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.opts.CookieFile); err != nil {
		return fmt.Errorf("replace cookie file: %w", err)
	}
	s.opts.Logger.Info("Session cookies persisted", zap.String("path", s.opts.CookieFile))
	return nil
}
