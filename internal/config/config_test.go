package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFrom(New(), "")
	require.NoError(t, err)

	assert.Equal(t, "https://www.ebay.co.uk", cfg.Crawl.BaseURL)
	assert.Equal(t, 16, cfg.Crawl.Concurrency)
	assert.Equal(t, 200, cfg.Crawl.MaxPages)
	assert.Equal(t, 240, cfg.Crawl.ItemsPerPage)
	assert.Equal(t, 3, cfg.Crawl.RetryBudget)
	assert.Equal(t, 2*time.Minute, cfg.Crawl.PoolExhaustionTimeout)
	assert.True(t, cfg.Crawl.CountDuplicates)
	assert.Equal(t, 5, cfg.Egress.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, []int{403, 429}, cfg.Fetch.BlockStatuses)
	assert.Equal(t, []int{408, 429, 500, 502, 503, 504}, cfg.Fetch.RetryStatuses)
	assert.Equal(t, EngineChromedp, cfg.Render.Engine)
	assert.Equal(t, SinkFile, cfg.Sink.Backend)
	assert.Equal(t, "listing_records", cfg.Sink.Postgres.Table)
	assert.Equal(t, DiagnosticsLocal, cfg.Diagnostics.Backend)
	assert.Equal(t, 60*time.Second, cfg.Throttle.MaxDelay)
	assert.InDelta(t, 1.0, cfg.Throttle.TargetConcurrency, 1e-9)
	assert.True(t, cfg.Logging.Development)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
crawl:
  queries: ["ps5", "  ", "switch oled"]
  max_items: 25
  concurrency: 4
  backoff_base: 250ms
  count_duplicates: false
egress:
  proxies: ["http://10.0.0.1:3128", "http://10.0.0.2:3128"]
  failure_threshold: 2
fetch:
  timeout: 12s
  user_agents: ["agent-a", "agent-b"]
  retry_statuses: [500, 503]
render:
  engine: Colly
sink:
  backend: postgres
  postgres:
    dsn: postgres://crawler@localhost/listings
    table: sold_items
    max_conns: 8
diagnostics:
  backend: gcs
  bucket: crawl-evidence
  prefix: failures
logging:
  development: false
  level: warn
metrics:
  enabled: true
  addr: 127.0.0.1:9100
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"ps5", "switch oled"}, cfg.Crawl.Queries)
	assert.Equal(t, 25, cfg.Crawl.MaxItems)
	assert.Equal(t, 4, cfg.Crawl.Concurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.Crawl.BackoffBase)
	assert.False(t, cfg.Crawl.CountDuplicates)
	assert.Len(t, cfg.Egress.Proxies, 2)
	assert.Equal(t, 2, cfg.Egress.FailureThreshold)
	assert.Equal(t, 12*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, []string{"agent-a", "agent-b"}, cfg.Fetch.UserAgents)
	assert.Equal(t, []int{500, 503}, cfg.Fetch.RetryStatuses)
	assert.Equal(t, EngineColly, cfg.Render.Engine)
	assert.Equal(t, SinkPostgres, cfg.Sink.Backend)
	assert.Equal(t, "sold_items", cfg.Sink.Postgres.Table)
	assert.EqualValues(t, 8, cfg.Sink.Postgres.MaxConns)
	assert.Equal(t, DiagnosticsGCS, cfg.Diagnostics.Backend)
	assert.Equal(t, "crawl-evidence", cfg.Diagnostics.Bucket)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CRAWLER_CRAWL_MAX_ITEMS", "7")
	t.Setenv("CRAWLER_SINK_BACKEND", "memory")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Crawl.MaxItems)
	assert.Equal(t, SinkMemory, cfg.Sink.Backend)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := LoadFrom(New(), "")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "relative base url", mutate: func(c *Config) { c.Crawl.BaseURL = "/sch" }, want: "crawl.base_url"},
		{name: "zero concurrency", mutate: func(c *Config) { c.Crawl.Concurrency = 0 }, want: "crawl.concurrency"},
		{name: "negative max items", mutate: func(c *Config) { c.Crawl.MaxItems = -1 }, want: "crawl.max_items"},
		{name: "zero max pages", mutate: func(c *Config) { c.Crawl.MaxPages = 0 }, want: "crawl.max_pages"},
		{name: "negative retry budget", mutate: func(c *Config) { c.Crawl.RetryBudget = -1 }, want: "crawl.retry_budget"},
		{name: "zero threshold", mutate: func(c *Config) { c.Egress.FailureThreshold = 0 }, want: "egress.failure_threshold"},
		{name: "zero endpoint capacity", mutate: func(c *Config) { c.Egress.MaxConcurrentPerEndpoint = 0 }, want: "egress.max_concurrent_per_endpoint"},
		{name: "zero timeout", mutate: func(c *Config) { c.Fetch.Timeout = 0 }, want: "fetch.timeout"},
		{name: "unknown engine", mutate: func(c *Config) { c.Render.Engine = "webkit" }, want: "render.engine"},
		{name: "zero render concurrency", mutate: func(c *Config) { c.Render.MaxConcurrency = 0 }, want: "render.max_concurrency"},
		{name: "inverted throttle", mutate: func(c *Config) { c.Throttle.MinDelay = time.Minute; c.Throttle.MaxDelay = time.Second }, want: "throttle.min_delay"},
		{name: "file sink without path", mutate: func(c *Config) { c.Sink.Path = "" }, want: "sink.path"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Sink.Backend = SinkPostgres }, want: "sink.postgres.dsn"},
		{name: "unknown sink", mutate: func(c *Config) { c.Sink.Backend = "s3" }, want: "sink.backend"},
		{name: "local diagnostics without dir", mutate: func(c *Config) { c.Diagnostics.Dir = "" }, want: "diagnostics.dir"},
		{name: "gcs without bucket", mutate: func(c *Config) { c.Diagnostics.Backend = DiagnosticsGCS }, want: "diagnostics.bucket"},
		{name: "unknown diagnostics", mutate: func(c *Config) { c.Diagnostics.Backend = "ftp" }, want: "diagnostics.backend"},
		{name: "metrics without addr", mutate: func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Addr = "" }, want: "metrics.addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestConfigValidateAcceptsColly(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFrom(New(), "")
	require.NoError(t, err)
	cfg.Render.Engine = EngineColly
	cfg.Render.MaxConcurrency = 0
	require.NoError(t, cfg.Validate())
}
