// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CRAWLER_CRAWL_MAX_ITEMS.
const EnvPrefix = "CRAWLER"

// Sink backends.
const (
	SinkFile     = "file"
	SinkPostgres = "postgres"
	SinkMemory   = "memory"
)

// Diagnostics backends.
const (
	DiagnosticsLocal  = "local"
	DiagnosticsGCS    = "gcs"
	DiagnosticsMemory = "memory"
)

// Render engines.
const (
	EngineChromedp = "chromedp"
	EngineColly    = "colly"
)

// Config captures all crawler configuration knobs loaded via Viper.
type Config struct {
	Crawl       CrawlConfig       `mapstructure:"crawl"`
	Egress      EgressConfig      `mapstructure:"egress"`
	Fetch       FetchConfig       `mapstructure:"fetch"`
	Render      RenderConfig      `mapstructure:"render"`
	Throttle    ThrottleConfig    `mapstructure:"throttle"`
	Sink        SinkConfig        `mapstructure:"sink"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// CrawlConfig governs pagination, budget and the worker pool.
type CrawlConfig struct {
	Queries               []string      `mapstructure:"queries"`
	BaseURL               string        `mapstructure:"base_url"`
	Concurrency           int           `mapstructure:"concurrency"`
	MaxItems              int           `mapstructure:"max_items"`
	MaxPages              int           `mapstructure:"max_pages"`
	ItemsPerPage          int           `mapstructure:"items_per_page"`
	RetryBudget           int           `mapstructure:"retry_budget"`
	BackoffBase           time.Duration `mapstructure:"backoff_base"`
	BackoffMax            time.Duration `mapstructure:"backoff_max"`
	PoolBackoff           time.Duration `mapstructure:"pool_backoff"`
	PoolExhaustionTimeout time.Duration `mapstructure:"pool_exhaustion_timeout"`
	CountDuplicates       bool          `mapstructure:"count_duplicates"`
}

// EgressConfig lists proxies and their ban policy.
type EgressConfig struct {
	Proxies                  []string `mapstructure:"proxies"`
	ProxyFile                string   `mapstructure:"proxy_file"`
	FailureThreshold         int      `mapstructure:"failure_threshold"`
	MaxConcurrentPerEndpoint int      `mapstructure:"max_concurrent_per_endpoint"`
}

// FetchConfig controls a single fetch attempt and its classification.
type FetchConfig struct {
	Timeout            time.Duration `mapstructure:"timeout"`
	UserAgents         []string      `mapstructure:"user_agents"`
	BlockStatuses      []int         `mapstructure:"block_statuses"`
	RetryStatuses      []int         `mapstructure:"retry_statuses"`
	ChallengeKeywords  []string      `mapstructure:"challenge_keywords"`
	ChallengeSelectors []string      `mapstructure:"challenge_selectors"`
}

// RenderConfig selects and tunes the rendering engine.
type RenderConfig struct {
	Engine         string        `mapstructure:"engine"`
	Headless       bool          `mapstructure:"headless"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	Timeout        time.Duration `mapstructure:"timeout"`
	Settle         time.Duration `mapstructure:"settle"`
	WaitSelector   string        `mapstructure:"wait_selector"`
}

// ThrottleConfig tunes the adaptive delay between fetches.
type ThrottleConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	StartDelay        time.Duration `mapstructure:"start_delay"`
	MinDelay          time.Duration `mapstructure:"min_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	TargetConcurrency float64       `mapstructure:"target_concurrency"`
}

// SinkConfig selects where listing records are written.
type SinkConfig struct {
	Backend  string         `mapstructure:"backend"`
	Path     string         `mapstructure:"path"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig controls the Postgres listing sink.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	CreateTable     bool          `mapstructure:"create_table"`
}

// DiagnosticsConfig selects where failure artifacts are written.
type DiagnosticsConfig struct {
	Backend           string        `mapstructure:"backend"`
	Dir               string        `mapstructure:"dir"`
	Bucket            string        `mapstructure:"bucket"`
	Prefix            string        `mapstructure:"prefix"`
	Screenshots       bool          `mapstructure:"screenshots"`
	ScreenshotTimeout time.Duration `mapstructure:"screenshot_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// MetricsConfig controls the ops HTTP server.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// New returns a Viper instance with defaults and environment overrides applied. Callers may bind
// flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load builds a Config from disk and environment.
func Load(path string) (Config, error) {
	return LoadFrom(New(), path)
}

// LoadFrom reads path (when set) into v and decodes the result.
func LoadFrom(v *viper.Viper, path string) (Config, error) {
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
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawl.base_url", "https://www.ebay.co.uk")
	v.SetDefault("crawl.concurrency", 16)
	v.SetDefault("crawl.max_items", 0)
	v.SetDefault("crawl.max_pages", 200)
	v.SetDefault("crawl.items_per_page", 240)
	v.SetDefault("crawl.retry_budget", 3)
	v.SetDefault("crawl.backoff_base", "1s")
	v.SetDefault("crawl.backoff_max", "30s")
	v.SetDefault("crawl.pool_backoff", "5s")
	v.SetDefault("crawl.pool_exhaustion_timeout", "2m")
	v.SetDefault("crawl.count_duplicates", true)
	v.SetDefault("egress.failure_threshold", 5)
	v.SetDefault("egress.max_concurrent_per_endpoint", 1)
	v.SetDefault("fetch.timeout", "30s")
	v.SetDefault("fetch.block_statuses", []int{403, 429})
	v.SetDefault("fetch.retry_statuses", []int{408, 429, 500, 502, 503, 504})
	v.SetDefault("render.engine", EngineChromedp)
	v.SetDefault("render.headless", true)
	v.SetDefault("render.max_concurrency", 4)
	v.SetDefault("render.timeout", "45s")
	v.SetDefault("render.settle", "500ms")
	v.SetDefault("render.wait_selector", "body")
	v.SetDefault("throttle.enabled", true)
	v.SetDefault("throttle.start_delay", "1s")
	v.SetDefault("throttle.min_delay", "0s")
	v.SetDefault("throttle.max_delay", "60s")
	v.SetDefault("throttle.target_concurrency", 1.0)
	v.SetDefault("sink.backend", SinkFile)
	v.SetDefault("sink.path", "data/listings.jsonl")
	v.SetDefault("sink.postgres.table", "listing_records")
	v.SetDefault("sink.postgres.max_conns", 4)
	v.SetDefault("sink.postgres.min_conns", 0)
	v.SetDefault("sink.postgres.max_conn_lifetime", "30m")
	v.SetDefault("sink.postgres.create_table", true)
	v.SetDefault("diagnostics.backend", DiagnosticsLocal)
	v.SetDefault("diagnostics.dir", "data/diagnostics")
	v.SetDefault("diagnostics.screenshots", true)
	v.SetDefault("diagnostics.screenshot_timeout", "20s")
	v.SetDefault("logging.development", true)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")
}

func (c *Config) normalize() {
	c.Sink.Backend = strings.ToLower(strings.TrimSpace(c.Sink.Backend))
	c.Diagnostics.Backend = strings.ToLower(strings.TrimSpace(c.Diagnostics.Backend))
	c.Render.Engine = strings.ToLower(strings.TrimSpace(c.Render.Engine))
	queries := c.Crawl.Queries[:0]
	for _, q := range c.Crawl.Queries {
		if q = strings.TrimSpace(q); q != "" {
			queries = append(queries, q)
		}
	}
	c.Crawl.Queries = queries
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if u, err := url.Parse(c.Crawl.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("crawl.base_url must be an absolute URL"))
	}
	if c.Crawl.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("crawl.concurrency must be > 0"))
	}
	if c.Crawl.MaxItems < 0 {
		errs = append(errs, fmt.Errorf("crawl.max_items must be >= 0"))
	}
	if c.Crawl.MaxPages <= 0 {
		errs = append(errs, fmt.Errorf("crawl.max_pages must be > 0"))
	}
	if c.Crawl.RetryBudget < 0 {
		errs = append(errs, fmt.Errorf("crawl.retry_budget must be >= 0"))
	}
	if c.Egress.FailureThreshold <= 0 {
		errs = append(errs, fmt.Errorf("egress.failure_threshold must be > 0"))
	}
	if c.Egress.MaxConcurrentPerEndpoint <= 0 {
		errs = append(errs, fmt.Errorf("egress.max_concurrent_per_endpoint must be > 0"))
	}
	if c.Fetch.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("fetch.timeout must be > 0"))
	}
	switch c.Render.Engine {
	case EngineChromedp:
		if c.Render.MaxConcurrency <= 0 {
			errs = append(errs, fmt.Errorf("render.max_concurrency must be > 0"))
		}
	case EngineColly:
	default:
		errs = append(errs, fmt.Errorf("render.engine must be %q or %q", EngineChromedp, EngineColly))
	}
	if c.Throttle.MaxDelay > 0 && c.Throttle.MinDelay > c.Throttle.MaxDelay {
		errs = append(errs, fmt.Errorf("throttle.min_delay must not exceed throttle.max_delay"))
	}
	switch c.Sink.Backend {
	case SinkFile:
		if c.Sink.Path == "" {
			errs = append(errs, fmt.Errorf("sink.path must be set for the file sink"))
		}
	case SinkPostgres:
		if c.Sink.Postgres.DSN == "" {
			errs = append(errs, fmt.Errorf("sink.postgres.dsn must be set for the postgres sink"))
		}
	case SinkMemory:
	default:
		errs = append(errs, fmt.Errorf("sink.backend must be one of %s, %s, %s", SinkFile, SinkPostgres, SinkMemory))
	}
	switch c.Diagnostics.Backend {
	case DiagnosticsLocal:
		if c.Diagnostics.Dir == "" {
			errs = append(errs, fmt.Errorf("diagnostics.dir must be set for local diagnostics"))
		}
	case DiagnosticsGCS:
		if c.Diagnostics.Bucket == "" {
			errs = append(errs, fmt.Errorf("diagnostics.bucket must be set for gcs diagnostics"))
		}
	case DiagnosticsMemory:
	default:
		errs = append(errs, fmt.Errorf("diagnostics.backend must be one of %s, %s, %s",
			DiagnosticsLocal, DiagnosticsGCS, DiagnosticsMemory))
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, fmt.Errorf("metrics.addr must be set when metrics are enabled"))
	}
	return errors.Join(errs...)
}
