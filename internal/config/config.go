// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/ASUSFX80/Crawl-DB/internal/crawler"
	"github.com/ASUSFX80/Crawl-DB/internal/export"
)

// Fetch modes.
const (
	ModeDirect  = "direct"
	ModeBrowser = "browser"
)

// EnvPrefix prefixes every environment override, e.g. CRAWLDB_FETCH_MODE.
const EnvPrefix = "CRAWLDB"

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Site     SiteConfig     `mapstructure:"site"`
	Session  SessionConfig  `mapstructure:"session"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Export   ExportConfig   `mapstructure:"export"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls the control API.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// APIKey, when set, is required in the X-API-Key header.
	APIKey string `mapstructure:"api_key"`
}

// SiteConfig describes the target site.
type SiteConfig struct {
	BaseURL        string   `mapstructure:"base_url"`
	UserAgent      string   `mapstructure:"user_agent"`
	AcceptLanguage string   `mapstructure:"accept_language"`
	WorkTags       []string `mapstructure:"work_tags"`
}

// SessionConfig locates the session material.
type SessionConfig struct {
	CookieFile      string        `mapstructure:"cookie_file"`
	ProfileDir      string        `mapstructure:"profile_dir"`
	RequiredCookies []string      `mapstructure:"required_cookies"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
}

// FetchConfig tunes both fetch strategies and the polite wrapper.
type FetchConfig struct {
	Mode                  string        `mapstructure:"mode"`
	Timeout               time.Duration `mapstructure:"timeout"`
	MaxAttempts           int           `mapstructure:"max_attempts"`
	BackoffInitial        time.Duration `mapstructure:"backoff_initial"`
	BackoffMax            time.Duration `mapstructure:"backoff_max"`
	MinInterval           time.Duration `mapstructure:"min_interval"`
	Jitter                time.Duration `mapstructure:"jitter"`
	Headless              bool          `mapstructure:"headless"`
	NavTimeout            time.Duration `mapstructure:"nav_timeout"`
	ChallengeTimeout      time.Duration `mapstructure:"challenge_timeout"`
	ChallengePollInterval time.Duration `mapstructure:"challenge_poll_interval"`
	DebugDir              string        `mapstructure:"debug_dir"`
}

// StorageConfig selects the database.
type StorageConfig struct {
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// FilterConfig is a work filter: a mode and its comma separated values.
type FilterConfig struct {
	Mode   string `mapstructure:"mode"`
	Values string `mapstructure:"values"`
}

// WorkFilter parses the filter. Validate has already checked the mode.
func (f FilterConfig) WorkFilter() export.WorkFilter {
	mode, err := export.ParseMode(f.Mode)
	if err != nil {
		return export.WorkFilter{}
	}
	return export.NewWorkFilter(mode, f.Values)
}

// PipelineConfig holds the default run request and concurrency.
type PipelineConfig struct {
	Stages            []string     `mapstructure:"stages"`
	Scopes            []string     `mapstructure:"scopes"`
	SkipStages        []string     `mapstructure:"skip_stages"`
	Force             bool         `mapstructure:"force"`
	Entity            string       `mapstructure:"entity"`
	MaxParallelScopes int          `mapstructure:"max_parallel_scopes"`
	MagnetFilter      FilterConfig `mapstructure:"magnet_filter"`
}

// ExportConfig drives the filter/export stage.
type ExportConfig struct {
	OutputDir     string       `mapstructure:"output_dir"`
	Filter        FilterConfig `mapstructure:"filter"`
	PreferredTags []string     `mapstructure:"preferred_tags"`
	MinSize       string       `mapstructure:"min_size"`
	MaxSize       string       `mapstructure:"max_size"`
}

// Policy parses the magnet selection policy. Validate has already checked
// the size bounds.
func (e ExportConfig) Policy() export.MagnetPolicy {
	minSize, _ := export.ParseSizeBound(e.MinSize)
	maxSize, _ := export.ParseSizeBound(e.MaxSize)
	return export.MagnetPolicy{PreferredTags: e.PreferredTags, MinSize: minSize, MaxSize: maxSize}
}

// LoggingConfig selects the zap preset and level.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
	// Level is one of debug, info, warn or error; empty keeps the preset.
	Level string `mapstructure:"level"`
}

// DataDir is the default root for the database, session material and exports.
func DataDir() string {
	return filepath.Join(xdg.DataHome, "crawldb")
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	data := DataDir()
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("site.base_url", "https://javdb.com")
	v.SetDefault("site.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36")
	v.SetDefault("site.accept_language", "zh-CN,zh;q=0.9,en;q=0.8")
	v.SetDefault("site.work_tags", []string{})
	v.SetDefault("session.cookie_file", filepath.Join(data, "cookie.json"))
	v.SetDefault("session.profile_dir", filepath.Join(data, "browser-profile"))
	v.SetDefault("session.required_cookies", []string{"cf_clearance", "_jdb_session", "over18"})
	v.SetDefault("session.stale_after", 72*time.Hour)
	v.SetDefault("fetch.mode", ModeDirect)
	v.SetDefault("fetch.timeout", 30*time.Second)
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.backoff_initial", time.Second)
	v.SetDefault("fetch.backoff_max", 30*time.Second)
	v.SetDefault("fetch.min_interval", 800*time.Millisecond)
	v.SetDefault("fetch.jitter", 800*time.Millisecond)
	v.SetDefault("fetch.headless", false)
	v.SetDefault("fetch.nav_timeout", 45*time.Second)
	v.SetDefault("fetch.challenge_timeout", 3*time.Minute)
	v.SetDefault("fetch.challenge_poll_interval", 2*time.Second)
	v.SetDefault("fetch.debug_dir", filepath.Join(data, "debug"))
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.dsn", filepath.Join(data, "crawldb.db"))
	v.SetDefault("storage.max_open_conns", 4)
	v.SetDefault("pipeline.stages", stageNames(crawler.AllStages()))
	v.SetDefault("pipeline.scopes", []string{string(crawler.ScopeActor)})
	v.SetDefault("pipeline.skip_stages", []string{})
	v.SetDefault("pipeline.force", false)
	v.SetDefault("pipeline.entity", "")
	v.SetDefault("pipeline.max_parallel_scopes", 1)
	v.SetDefault("pipeline.magnet_filter.mode", "")
	v.SetDefault("pipeline.magnet_filter.values", "")
	v.SetDefault("export.output_dir", filepath.Join(data, "export"))
	v.SetDefault("export.filter.mode", "")
	v.SetDefault("export.filter.values", "")
	v.SetDefault("export.preferred_tags", []string{"字幕"})
	v.SetDefault("export.min_size", "")
	v.SetDefault("export.max_size", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

var hostPattern = regexp.MustCompile(`^[a-z0-9.-]+$`)

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if _, err := ParseBaseURL(c.Site.BaseURL); err != nil {
		return err
	}
	if strings.TrimSpace(c.Session.CookieFile) == "" {
		return fmt.Errorf("session.cookie_file is required")
	}
	switch c.Fetch.Mode {
	case ModeDirect:
	case ModeBrowser:
		if strings.TrimSpace(c.Session.ProfileDir) == "" {
			return fmt.Errorf("session.profile_dir is required in browser mode")
		}
		if c.Pipeline.MaxParallelScopes > 1 {
			return fmt.Errorf("pipeline.max_parallel_scopes must be 1 in browser mode")
		}
	default:
		return fmt.Errorf("fetch.mode must be %q or %q, got %q", ModeDirect, ModeBrowser, c.Fetch.Mode)
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.Fetch.MaxAttempts <= 0 {
		return fmt.Errorf("fetch.max_attempts must be > 0")
	}
	if c.Fetch.MinInterval < 0 || c.Fetch.Jitter < 0 {
		return fmt.Errorf("fetch.min_interval and fetch.jitter must be >= 0")
	}
	if c.Fetch.BackoffMax < c.Fetch.BackoffInitial {
		return fmt.Errorf("fetch.backoff_max must be >= fetch.backoff_initial")
	}
	if c.Fetch.ChallengeTimeout <= 0 || c.Fetch.ChallengePollInterval <= 0 {
		return fmt.Errorf("fetch.challenge_timeout and fetch.challenge_poll_interval must be > 0")
	}
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver must be sqlite or postgres, got %q", c.Storage.Driver)
	}
	if strings.TrimSpace(c.Storage.DSN) == "" {
		return fmt.Errorf("storage.dsn is required")
	}
	if c.Pipeline.MaxParallelScopes <= 0 {
		return fmt.Errorf("pipeline.max_parallel_scopes must be > 0")
	}
	if _, err := ParseStages(c.Pipeline.Stages); err != nil {
		return fmt.Errorf("pipeline.stages: %w", err)
	}
	if _, err := ParseStages(c.Pipeline.SkipStages); err != nil {
		return fmt.Errorf("pipeline.skip_stages: %w", err)
	}
	if _, err := ParseScopes(c.Pipeline.Scopes); err != nil {
		return fmt.Errorf("pipeline.scopes: %w", err)
	}
	if _, err := export.ParseMode(c.Pipeline.MagnetFilter.Mode); err != nil {
		return fmt.Errorf("pipeline.magnet_filter: %w", err)
	}
	if strings.TrimSpace(c.Export.OutputDir) == "" {
		return fmt.Errorf("export.output_dir is required")
	}
	if _, err := export.ParseMode(c.Export.Filter.Mode); err != nil {
		return fmt.Errorf("export.filter: %w", err)
	}
	minSize, err := export.ParseSizeBound(c.Export.MinSize)
	if err != nil {
		return fmt.Errorf("export.min_size: %w", err)
	}
	maxSize, err := export.ParseSizeBound(c.Export.MaxSize)
	if err != nil {
		return fmt.Errorf("export.max_size: %w", err)
	}
	if maxSize > 0 && minSize > maxSize {
		return fmt.Errorf("export.min_size must not exceed export.max_size")
	}
	if c.Logging.Level != "" {
		if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
			return fmt.Errorf("logging.level: %w", err)
		}
	}
	return nil
}

// ParseBaseURL validates the site root: http(s), a plain lowercase host of
// letters, digits, dots and dashes, and no path.
func ParseBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(raw), "/"))
	if err != nil {
		return nil, fmt.Errorf("site.base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("site.base_url must be http(s), got %q", raw)
	}
	host := u.Hostname()
	if !hostPattern.MatchString(host) ||
		strings.HasPrefix(host, ".") || strings.HasPrefix(host, "-") ||
		strings.HasSuffix(host, ".") || strings.HasSuffix(host, "-") ||
		strings.Contains(host, "..") {
		return nil, fmt.Errorf("site.base_url host %q is not a valid domain", host)
	}
	if u.Path != "" || u.RawQuery != "" {
		return nil, fmt.Errorf("site.base_url must not carry a path or query")
	}
	return u, nil
}

// ParseStages parses stage names, dropping blanks.
func ParseStages(raw []string) ([]crawler.Stage, error) {
	var out []crawler.Stage
	for _, name := range raw {
		if strings.TrimSpace(name) == "" {
			continue
		}
		stage, err := crawler.ParseStage(name)
		if err != nil {
			return nil, err
		}
		out = append(out, stage)
	}
	return out, nil
}

// ParseScopes parses scope names, dropping blanks.
func ParseScopes(raw []string) ([]crawler.Scope, error) {
	var out []crawler.Scope
	for _, name := range raw {
		if strings.TrimSpace(name) == "" {
			continue
		}
		scope, err := crawler.ParseScope(name)
		if err != nil {
			return nil, err
		}
		out = append(out, scope)
	}
	return out, nil
}

func stageNames(stages []crawler.Stage) []string {
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = string(s)
	}
	return out
}
