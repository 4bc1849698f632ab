package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ASUSFX80/Crawl-DB/internal/crawler"
	"github.com/ASUSFX80/Crawl-DB/internal/export"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
site:
  base_url: https://mirror-2.example.com
  work_tags: ["s", "d"]
session:
  cookie_file: /tmp/cookie.json
  required_cookies: ["sid"]
  stale_after: 24h
fetch:
  mode: browser
  timeout: 10s
  max_attempts: 5
  min_interval: 2s
  jitter: 500ms
  challenge_timeout: 1m
storage:
  driver: postgres
  dsn: postgres://crawl@localhost/crawl
pipeline:
  stages: [works, magnets]
  scopes: [series, maker]
  entity: Alpha
  magnet_filter:
    mode: code
    values: "ABP，SSIS"
export:
  output_dir: /tmp/out
  filter:
    mode: actor
    values: Alpha
  min_size: 1GB
  max_size: 8GiB
logging:
  development: false
  level: warn
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "https://mirror-2.example.com", cfg.Site.BaseURL)
	require.Equal(t, []string{"s", "d"}, cfg.Site.WorkTags)
	require.Equal(t, []string{"sid"}, cfg.Session.RequiredCookies)
	require.Equal(t, 24*time.Hour, cfg.Session.StaleAfter)
	require.Equal(t, ModeBrowser, cfg.Fetch.Mode)
	require.Equal(t, 10*time.Second, cfg.Fetch.Timeout)
	require.Equal(t, 5, cfg.Fetch.MaxAttempts)
	require.Equal(t, 2*time.Second, cfg.Fetch.MinInterval)
	require.Equal(t, time.Minute, cfg.Fetch.ChallengeTimeout)
	require.Equal(t, "postgres", cfg.Storage.Driver)
	require.Equal(t, "Alpha", cfg.Pipeline.Entity)
	require.False(t, cfg.Logging.Development)
	require.Equal(t, "warn", cfg.Logging.Level)

	stages, err := ParseStages(cfg.Pipeline.Stages)
	require.NoError(t, err)
	require.Equal(t, []crawler.Stage{crawler.StageWorks, crawler.StageMagnets}, stages)
	scopes, err := ParseScopes(cfg.Pipeline.Scopes)
	require.NoError(t, err)
	require.Equal(t, []crawler.Scope{crawler.ScopeSeries, crawler.ScopeMaker}, scopes)

	magnetFilter := cfg.Pipeline.MagnetFilter.WorkFilter()
	require.Equal(t, export.ModeCode, magnetFilter.Mode())
	require.Equal(t, []string{"ABP", "SSIS"}, magnetFilter.CodeKeywords)
	require.Equal(t, []string{"Alpha"}, cfg.Export.Filter.WorkFilter().Actors)

	policy := cfg.Export.Policy()
	require.Equal(t, int64(1_000_000_000), policy.MinSize)
	require.Equal(t, int64(8<<30), policy.MaxSize)

	// Defaults survive for keys the file leaves out.
	require.Equal(t, 45*time.Second, cfg.Fetch.NavTimeout)
	require.Equal(t, 1, cfg.Pipeline.MaxParallelScopes)
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, ModeDirect, cfg.Fetch.Mode)
	require.Equal(t, "sqlite", cfg.Storage.Driver)
	require.Equal(t, 72*time.Hour, cfg.Session.StaleAfter)
	require.Equal(t, 800*time.Millisecond, cfg.Fetch.MinInterval)
	require.Equal(t, 800*time.Millisecond, cfg.Fetch.Jitter)
	require.Equal(t, []string{"cf_clearance", "_jdb_session", "over18"}, cfg.Session.RequiredCookies)
	require.Equal(t, filepath.Join(DataDir(), "crawldb.db"), cfg.Storage.DSN)
	require.Equal(t, filepath.Join(DataDir(), "export"), cfg.Export.OutputDir)

	stages, err := ParseStages(cfg.Pipeline.Stages)
	require.NoError(t, err)
	require.Equal(t, crawler.AllStages(), stages)
	require.False(t, cfg.Pipeline.MagnetFilter.WorkFilter().Active())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CRAWLDB_SERVER_PORT", "9191")
	t.Setenv("CRAWLDB_FETCH_MODE", "browser")
	t.Setenv("CRAWLDB_FETCH_MIN_INTERVAL", "3s")
	t.Setenv("CRAWLDB_STORAGE_DSN", "file:test.db")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 9191, cfg.Server.Port)
	require.Equal(t, ModeBrowser, cfg.Fetch.Mode)
	require.Equal(t, 3*time.Second, cfg.Fetch.MinInterval)
	require.Equal(t, "file:test.db", cfg.Storage.DSN)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"base url scheme", func(c *Config) { c.Site.BaseURL = "ftp://javdb.com" }, "http(s)"},
		{"base url host", func(c *Config) { c.Site.BaseURL = "https://jav_db.com" }, "not a valid domain"},
		{"base url dots", func(c *Config) { c.Site.BaseURL = "https://jav..com" }, "not a valid domain"},
		{"base url dash", func(c *Config) { c.Site.BaseURL = "https://-javdb.com" }, "not a valid domain"},
		{"base url path", func(c *Config) { c.Site.BaseURL = "https://javdb.com/users" }, "path"},
		{"fetch mode", func(c *Config) { c.Fetch.Mode = "curl" }, "fetch.mode"},
		{"browser parallel", func(c *Config) {
			c.Fetch.Mode = ModeBrowser
			c.Pipeline.MaxParallelScopes = 2
		}, "max_parallel_scopes must be 1"},
		{"attempts", func(c *Config) { c.Fetch.MaxAttempts = 0 }, "max_attempts"},
		{"backoff", func(c *Config) { c.Fetch.BackoffMax = time.Millisecond }, "backoff_max"},
		{"driver", func(c *Config) { c.Storage.Driver = "mysql" }, "storage.driver"},
		{"dsn", func(c *Config) { c.Storage.DSN = " " }, "storage.dsn"},
		{"stage", func(c *Config) { c.Pipeline.Stages = []string{"crawl"} }, "pipeline.stages"},
		{"scope", func(c *Config) { c.Pipeline.Scopes = []string{"studio"} }, "pipeline.scopes"},
		{"magnet filter", func(c *Config) { c.Pipeline.MagnetFilter.Mode = "title" }, "pipeline.magnet_filter"},
		{"export filter", func(c *Config) { c.Export.Filter.Mode = "title" }, "export.filter"},
		{"min size", func(c *Config) { c.Export.MinSize = "lots" }, "export.min_size"},
		{"size order", func(c *Config) {
			c.Export.MinSize = "2GB"
			c.Export.MaxSize = "1GB"
		}, "must not exceed"},
		{"log level", func(c *Config) { c.Logging.Level = "chatty" }, "logging.level"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tc.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tc.want)
		})
	}
}

func TestParseBaseURLAcceptsTrailingSlash(t *testing.T) {
	t.Parallel()

	u, err := ParseBaseURL(" https://javdb.com/ ")
	require.NoError(t, err)
	require.Equal(t, "javdb.com", u.Host)
}
