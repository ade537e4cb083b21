// Package app wires configuration into the long-lived crawl services and owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sold-listings-crawler/internal/api"
	"github.com/JakeFAU/sold-listings-crawler/internal/clock/system"
	"github.com/JakeFAU/sold-listings-crawler/internal/config"
	"github.com/JakeFAU/sold-listings-crawler/internal/crawler"
	"github.com/JakeFAU/sold-listings-crawler/internal/diagnostics"
	"github.com/JakeFAU/sold-listings-crawler/internal/egress"
	"github.com/JakeFAU/sold-listings-crawler/internal/extract"
	"github.com/JakeFAU/sold-listings-crawler/internal/fetcher"
	"github.com/JakeFAU/sold-listings-crawler/internal/id/uuid"
	"github.com/JakeFAU/sold-listings-crawler/internal/metrics"
	"github.com/JakeFAU/sold-listings-crawler/internal/orchestrator"
	"github.com/JakeFAU/sold-listings-crawler/internal/render"
	gcsstorage "github.com/JakeFAU/sold-listings-crawler/internal/storage/gcs"
	"github.com/JakeFAU/sold-listings-crawler/internal/storage/jsonl"
	localstorage "github.com/JakeFAU/sold-listings-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/sold-listings-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/sold-listings-crawler/internal/storage/postgres"
	"github.com/JakeFAU/sold-listings-crawler/internal/throttle"
)

const shutdownTimeout = 10 * time.Second

type closer struct {
	name string
	fn   func() error
}

// App contains the crawl services built from one configuration.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	pool         *egress.Pool
	sink         crawler.ListingSink
	diagnostics  *diagnostics.Capturer
	orchestrator *orchestrator.Orchestrator
	ops          *http.Server
	closers      []closer
}

// Build constructs every service named by cfg. On error, anything already opened is closed.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.closeAll()
		}
	}()

	if err := a.buildPool(); err != nil {
		return nil, err
	}
	renderer, snapshotter, err := a.buildRenderer()
	if err != nil {
		return nil, err
	}
	if err := a.buildSink(ctx); err != nil {
		return nil, err
	}
	blobs, prefix, err := a.buildBlobStore(ctx)
	if err != nil {
		return nil, err
	}

	a.diagnostics = diagnostics.New(diagnostics.Config{
		Prefix:            prefix,
		Screenshots:       cfg.Diagnostics.Screenshots,
		ScreenshotTimeout: cfg.Diagnostics.ScreenshotTimeout,
	}, blobs, snapshotter, uuid.New(), system.New(), logger)

	keywords := cfg.Fetch.ChallengeKeywords
	if len(keywords) == 0 {
		keywords = fetcher.DefaultChallengeKeywords
	}
	selectors := cfg.Fetch.ChallengeSelectors
	if len(selectors) == 0 {
		selectors = fetcher.DefaultChallengeSelectors
	}
	fetch := fetcher.New(fetcher.Config{
		Timeout:       cfg.Fetch.Timeout,
		UserAgents:    cfg.Fetch.UserAgents,
		BlockStatuses: cfg.Fetch.BlockStatuses,
		RetryStatuses: cfg.Fetch.RetryStatuses,
	}, renderer, a.pool, fetcher.NewChallengeDetector(keywords, selectors), logger)

	deps := orchestrator.Deps{
		Fetcher:     fetch,
		Extractor:   extract.New(extract.Config{}),
		Sink:        a.sink,
		Diagnostics: a.diagnostics,
	}
	if cfg.Throttle.Enabled {
		deps.Throttle = throttle.New(throttle.Config{
			Enabled:           true,
			StartDelay:        cfg.Throttle.StartDelay,
			MinDelay:          cfg.Throttle.MinDelay,
			MaxDelay:          cfg.Throttle.MaxDelay,
			TargetConcurrency: cfg.Throttle.TargetConcurrency,
		}, logger)
	}

	a.orchestrator, err = orchestrator.New(orchestrator.Config{
		BaseURL:               cfg.Crawl.BaseURL,
		Concurrency:           cfg.Crawl.Concurrency,
		MaxItems:              cfg.Crawl.MaxItems,
		MaxPages:              cfg.Crawl.MaxPages,
		ItemsPerPage:          cfg.Crawl.ItemsPerPage,
		RetryBudget:           cfg.Crawl.RetryBudget,
		BackoffBase:           cfg.Crawl.BackoffBase,
		BackoffMax:            cfg.Crawl.BackoffMax,
		PoolBackoff:           cfg.Crawl.PoolBackoff,
		PoolExhaustionTimeout: cfg.Crawl.PoolExhaustionTimeout,
		CountDuplicates:       cfg.Crawl.CountDuplicates,
	}, deps, logger)
	if err != nil {
		return nil, fmt.Errorf("init orchestrator: %w", err)
	}

	if cfg.Metrics.Enabled {
		server := api.NewServer(a.pool, a.orchestrator, a.diagnostics, logger.Named("api"))
		a.ops = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           server.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	logger.Info("application built",
		zap.String("render_engine", cfg.Render.Engine),
		zap.String("sink", cfg.Sink.Backend),
		zap.String("diagnostics", a.diagnostics.Location()),
		zap.Int("egress_endpoints", a.pool.Size()),
		zap.Int("max_items", cfg.Crawl.MaxItems),
	)
	return a, nil
}

func (a *App) buildPool() error {
	addresses := slices.Clone(a.cfg.Egress.Proxies)
	if a.cfg.Egress.ProxyFile != "" {
		fromFile, err := egress.LoadAddresses(a.cfg.Egress.ProxyFile)
		if err != nil {
			return fmt.Errorf("load proxy file: %w", err)
		}
		addresses = append(addresses, fromFile...)
	}
	a.pool = egress.New(egress.Config{
		Addresses:                addresses,
		FailureThreshold:         a.cfg.Egress.FailureThreshold,
		MaxConcurrentPerEndpoint: a.cfg.Egress.MaxConcurrentPerEndpoint,
	}, a.logger, egress.WithBanHook(func(string) { metrics.ObserveEndpointBan() }))
	return nil
}

func (a *App) buildRenderer() (crawler.Renderer, crawler.Snapshotter, error) {
	switch a.cfg.Render.Engine {
	case config.EngineColly:
		return render.NewColly(render.CollyConfig{Timeout: a.cfg.Fetch.Timeout}), nil, nil
	case config.EngineChromedp:
		r, err := render.NewChromedp(render.ChromedpConfig{
			MaxConcurrency: a.cfg.Render.MaxConcurrency,
			Timeout:        a.cfg.Render.Timeout,
			Settle:         a.cfg.Render.Settle,
			WaitSelector:   a.cfg.Render.WaitSelector,
			Headless:       a.cfg.Render.Headless,
		}, a.logger)
		if err != nil {
			return nil, nil, fmt.Errorf("init chromedp renderer: %w", err)
		}
		a.closers = append(a.closers, closer{name: "renderer", fn: r.Close})
		return r, r, nil
	default:
		return nil, nil, fmt.Errorf("unknown render engine %q", a.cfg.Render.Engine)
	}
}

func (a *App) buildSink(ctx context.Context) error {
	var (
		sink crawler.ListingSink
		err  error
	)
	switch a.cfg.Sink.Backend {
	case config.SinkFile:
		var file *jsonl.ListingStore
		file, err = jsonl.Open(a.cfg.Sink.Path, a.logger)
		if err == nil {
			a.logger.Info("listing file sink ready", zap.String("path", file.Path()))
			sink = file
		}
	case config.SinkPostgres:
		pg := a.cfg.Sink.Postgres
		sink, err = pgstore.NewListingStore(ctx, pgstore.Config{
			DSN:             pg.DSN,
			Table:           pg.Table,
			MaxConns:        pg.MaxConns,
			MinConns:        pg.MinConns,
			MaxConnLifetime: pg.MaxConnLifetime,
			CreateTable:     pg.CreateTable,
		})
	case config.SinkMemory:
		sink = memorystorage.NewListingStore()
	default:
		return fmt.Errorf("unknown sink backend %q", a.cfg.Sink.Backend)
	}
	if err != nil {
		return fmt.Errorf("init %s sink: %w", a.cfg.Sink.Backend, err)
	}
	a.sink = sink
	a.closers = append(a.closers, closer{name: "sink", fn: sink.Close})
	return nil
}

// buildBlobStore returns the diagnostics store and the prefix the capturer should apply.
// GCS applies its own prefix.
func (a *App) buildBlobStore(ctx context.Context) (crawler.BlobStore, string, error) {
	d := a.cfg.Diagnostics
	switch d.Backend {
	case config.DiagnosticsLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: d.Dir})
		if err != nil {
			return nil, "", fmt.Errorf("init local diagnostics: %w", err)
		}
		return store, d.Prefix, nil
	case config.DiagnosticsGCS:
		store, closeFn, err := gcsstorage.NewFromEnv(ctx, gcsstorage.Config{Bucket: d.Bucket, Prefix: d.Prefix})
		if err != nil {
			return nil, "", fmt.Errorf("init gcs diagnostics: %w", err)
		}
		a.closers = append(a.closers, closer{name: "gcs client", fn: closeFn})
		return store, "", nil
	case config.DiagnosticsMemory:
		return memorystorage.NewBlobStore(), d.Prefix, nil
	default:
		return nil, "", fmt.Errorf("unknown diagnostics backend %q", d.Backend)
	}
}

// Orchestrator returns the crawl orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orchestrator }

// Pool returns the egress pool.
func (a *App) Pool() *egress.Pool { return a.pool }

// Diagnostics returns the failure capturer.
func (a *App) Diagnostics() *diagnostics.Capturer { return a.diagnostics }

// Sink returns the listing sink.
func (a *App) Sink() crawler.ListingSink { return a.sink }

// Run serves the ops endpoints, if enabled, for the duration of the crawl and crawls queries in
// order.
func (a *App) Run(ctx context.Context, queries []string) ([]orchestrator.Summary, error) {
	logger := a.logger.With(zap.String("run_id", uuid.New().NewRunID()))
	logger.Info("run started", zap.Strings("queries", queries))

	if a.ops != nil {
		go func() {
			logger.Info("ops server started", zap.String("addr", a.ops.Addr))
			if err := a.ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("ops server error", zap.Error(err))
			}
		}()
	}

	summaries, err := a.orchestrator.RunQueries(ctx, queries)
	for _, s := range summaries {
		logger.Info("query finished",
			zap.String("query", s.Query),
			zap.Int("inserted", s.Inserted),
			zap.Int("duplicates", s.Duplicates),
			zap.Int("failures", s.Failures),
			zap.Int("retries", s.Retries),
			zap.Duration("duration", s.Duration),
			zap.String("diagnostics", s.DiagnosticsLocation),
		)
	}

	if a.ops != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if serr := a.ops.Shutdown(shutdownCtx); serr != nil {
			logger.Warn("ops server shutdown failed", zap.Error(serr))
		}
	}
	return summaries, err
}

// Close releases the sink, renderer and cloud clients in reverse order of construction.
func (a *App) Close() error {
	err := a.closeAll()
	a.logger.Info("shutdown complete")
	return err
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
