// Package orchestrator drives a sold-listings crawl: it walks search result pages, schedules
// detail pages within an item budget, runs them on a bounded worker pool and routes every failure
// to retry, diagnostics or the run summary.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/sold-listings-crawler/internal/crawler"
	"github.com/JakeFAU/sold-listings-crawler/internal/extract"
	"github.com/JakeFAU/sold-listings-crawler/internal/metrics"
	"github.com/JakeFAU/sold-listings-crawler/internal/queue/memory"
)

// Default tunables.
const (
	DefaultBaseURL               = "https://www.ebay.co.uk"
	DefaultConcurrency           = 16
	DefaultMaxPages              = 200
	DefaultItemsPerPage          = 240
	DefaultRetryBudget           = 3
	DefaultBackoffBase           = time.Second
	DefaultBackoffMax            = 30 * time.Second
	DefaultPoolBackoff           = 5 * time.Second
	DefaultPoolExhaustionTimeout = 2 * time.Minute
)

// Config tunes a crawl.
type Config struct {
	BaseURL               string
	Concurrency           int
	MaxItems              int
	MaxPages              int
	ItemsPerPage          int
	RetryBudget           int
	BackoffBase           time.Duration
	BackoffMax            time.Duration
	PoolBackoff           time.Duration
	PoolExhaustionTimeout time.Duration
	CountDuplicates       bool
}

// DefaultConfig returns the stock crawl settings with an unlimited item budget.
func DefaultConfig() Config {
	return Config{
		BaseURL:               DefaultBaseURL,
		Concurrency:           DefaultConcurrency,
		MaxPages:              DefaultMaxPages,
		ItemsPerPage:          DefaultItemsPerPage,
		RetryBudget:           DefaultRetryBudget,
		BackoffBase:           DefaultBackoffBase,
		BackoffMax:            DefaultBackoffMax,
		PoolBackoff:           DefaultPoolBackoff,
		PoolExhaustionTimeout: DefaultPoolExhaustionTimeout,
		CountDuplicates:       true,
	}
}

// Fetcher performs one classified fetch attempt.
type Fetcher interface {
	Fetch(ctx context.Context, task crawler.CrawlTask) (crawler.RenderedPage, error)
}

// Extractor turns rendered pages into candidates and records.
type Extractor interface {
	ExtractSearchPage(page crawler.RenderedPage) (crawler.SearchResult, error)
	ExtractDetailPage(page crawler.RenderedPage) (crawler.ListingRecord, error)
}

// Throttle paces fetches and learns from their latency.
type Throttle interface {
	Wait(ctx context.Context) error
	Observe(latency time.Duration, ok bool)
}

// Diagnostics records failed tasks.
type Diagnostics interface {
	Capture(ctx context.Context, task crawler.CrawlTask, page *crawler.RenderedPage, cause error) crawler.FailureRecord
	Location() string
}

// Deps are the collaborators of an Orchestrator. Throttle may be nil.
type Deps struct {
	Fetcher     Fetcher
	Extractor   Extractor
	Sink        crawler.ListingSink
	Diagnostics Diagnostics
	Throttle    Throttle
}

// Summary reports the outcome of one query.
type Summary struct {
	Query               string        `json:"query"`
	Inserted            int           `json:"inserted"`
	Duplicates          int           `json:"duplicates"`
	Failures            int           `json:"failures"`
	PersistErrors       int           `json:"persist_errors"`
	Retries             int           `json:"retries"`
	SearchPages         int           `json:"search_pages"`
	TotalResults        int           `json:"total_results"`
	DiagnosticsLocation string        `json:"diagnostics_location,omitempty"`
	Duration            time.Duration `json:"duration"`
	Running             bool          `json:"running"`
}

// Orchestrator runs crawls for one query at a time.
type Orchestrator struct {
	cfg     Config
	deps    Deps
	retry   *crawler.ExponentialRetryPolicy
	logger  *zap.Logger
	now     func() time.Time
	current atomic.Pointer[run]
}

// New validates cfg and builds an Orchestrator.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Orchestrator, error) {
	if deps.Fetcher == nil || deps.Extractor == nil || deps.Sink == nil || deps.Diagnostics == nil {
		return nil, errors.New("orchestrator requires fetcher, extractor, sink and diagnostics")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.MaxItems < 0 {
		return nil, fmt.Errorf("max items must be >= 0, got %d", cfg.MaxItems)
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	if cfg.ItemsPerPage <= 0 {
		cfg.ItemsPerPage = DefaultItemsPerPage
	}
	if cfg.RetryBudget < 0 {
		cfg.RetryBudget = 0
	}
	if cfg.PoolBackoff <= 0 {
		cfg.PoolBackoff = DefaultPoolBackoff
	}
	if cfg.PoolExhaustionTimeout <= 0 {
		cfg.PoolExhaustionTimeout = DefaultPoolExhaustionTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		retry:  crawler.NewExponentialRetryPolicy(cfg.BackoffBase, cfg.BackoffMax),
		logger: logger.Named("orchestrator"),
		now:    time.Now,
	}, nil
}

// SearchURL builds the sold-and-completed search URL for query.
func SearchURL(baseURL, query string, itemsPerPage int) (string, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("base url %q must be absolute", baseURL)
	}
	q := url.Values{}
	q.Set("_nkw", query)
	q.Set("_ipg", strconv.Itoa(itemsPerPage))
	q.Set("LH_Sold", "1")
	q.Set("LH_Complete", "1")
	base.Path += "/sch/i.html"
	base.RawQuery = q.Encode()
	return base.String(), nil
}

// RunQueries crawls each query in turn, stopping at the first fatal error.
func (o *Orchestrator) RunQueries(ctx context.Context, queries []string) ([]Summary, error) {
	if len(queries) == 0 {
		return nil, crawler.ErrMissingQuery
	}
	summaries := make([]Summary, 0, len(queries))
	for _, query := range queries {
		summary, err := o.Run(ctx, query)
		summaries = append(summaries, summary)
		if err != nil {
			return summaries, err
		}
	}
	return summaries, nil
}

// Run crawls one query until the queue drains, the item budget is committed, the context ends or
// the egress pool stays exhausted past the configured timeout.
func (o *Orchestrator) Run(ctx context.Context, query string) (Summary, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Summary{}, crawler.ErrMissingQuery
	}
	seed, err := SearchURL(o.cfg.BaseURL, query, o.cfg.ItemsPerPage)
	if err != nil {
		return Summary{}, err
	}

	r := newRun(query, o.cfg, o.now())
	r.diagnostics = o.deps.Diagnostics.Location()
	o.current.Store(r)

	logger := o.logger.With(zap.String("query", query))
	logger.Info("crawl started",
		zap.String("seed", seed),
		zap.Int("max_items", o.cfg.MaxItems),
		zap.Int("concurrency", o.cfg.Concurrency),
	)

	if err := r.queue.Enqueue(crawler.CrawlTask{
		URL:         seed,
		Role:        crawler.RoleSearchPage,
		RetriesLeft: o.cfg.RetryBudget,
		PageNumber:  1,
		State:       crawler.TaskPending,
	}); err != nil {
		return r.summary(o.now()), fmt.Errorf("enqueue seed: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < o.cfg.Concurrency; i++ {
		g.Go(func() error {
			return o.work(gctx, r, logger)
		})
	}
	runErr := g.Wait()
	if runErr == nil && ctx.Err() != nil {
		runErr = ctx.Err()
	}
	r.queue.Close()
	r.finish(o.now())

	summary := r.summary(o.now())
	fields := []zap.Field{
		zap.Int("inserted", summary.Inserted),
		zap.Int("duplicates", summary.Duplicates),
		zap.Int("failures", summary.Failures),
		zap.Int("persist_errors", summary.PersistErrors),
		zap.Int("retries", summary.Retries),
		zap.Int("search_pages", summary.SearchPages),
		zap.Int("total_results", summary.TotalResults),
		zap.String("diagnostics", summary.DiagnosticsLocation),
		zap.Duration("duration", summary.Duration),
	}
	if runErr != nil {
		logger.Warn("crawl stopped", append(fields, zap.Error(runErr))...)
		return summary, runErr
	}
	logger.Info("crawl finished", fields...)
	return summary, nil
}

// Live returns counters for the query currently running, or the last one to finish.
func (o *Orchestrator) Live() (Summary, bool) {
	r := o.current.Load()
	if r == nil {
		return Summary{}, false
	}
	return r.summary(o.now()), true
}

func (o *Orchestrator) work(ctx context.Context, r *run, logger *zap.Logger) error {
	for {
		task, err := r.queue.Dequeue(ctx)
		switch {
		case errors.Is(err, memory.ErrDrained), errors.Is(err, memory.ErrClosed):
			return nil
		case err != nil:
			return err
		}

		metrics.IncActiveWorkers()
		err = o.process(ctx, r, task, logger)
		metrics.DecActiveWorkers()
		r.queue.Done()
		if err != nil {
			r.queue.Close()
			return err
		}
	}
}

func (o *Orchestrator) process(ctx context.Context, r *run, task crawler.CrawlTask, logger *zap.Logger) error {
	if err := transition(&task, crawler.TaskInFlight); err != nil {
		logger.Error("invalid task state", zap.String("url", task.URL), zap.Error(err))
		o.abandon(r, task)
		return nil
	}
	task.Attempt++

	if o.deps.Throttle != nil {
		if err := o.deps.Throttle.Wait(ctx); err != nil {
			o.abandon(r, task)
			return nil
		}
	}

	page, err := o.deps.Fetcher.Fetch(ctx, task)
	if errors.Is(err, crawler.ErrPoolExhausted) {
		return o.handlePoolExhausted(ctx, r, task, err, logger)
	}
	r.clearExhausted()
	if o.deps.Throttle != nil && ctx.Err() == nil {
		o.deps.Throttle.Observe(page.Duration, err == nil)
	}
	if err != nil {
		o.handleFetchError(ctx, r, task, page, err, logger)
		return nil
	}

	switch task.Role {
	case crawler.RoleSearchPage:
		o.handleSearchPage(ctx, r, task, page, logger)
	case crawler.RoleDetailPage:
		o.handleDetailPage(ctx, r, task, page, logger)
	default:
		logger.Error("unknown task role", zap.String("role", string(task.Role)), zap.String("url", task.URL))
	}
	return nil
}

func (o *Orchestrator) handleSearchPage(ctx context.Context, r *run, task crawler.CrawlTask, page crawler.RenderedPage, logger *zap.Logger) {
	result, err := o.deps.Extractor.ExtractSearchPage(page)
	if err != nil {
		o.fail(ctx, r, task, &page, err)
		return
	}
	_ = transition(&task, crawler.TaskSucceeded)
	r.searchPages.Add(1)
	r.observeTotal(result.TotalResults)
	metrics.ObserveSearchPage()

	scheduled := 0
	for i := range result.Items {
		candidate := result.Items[i]
		if !r.budget.TryReserve() {
			break
		}
		if !r.seen.MarkIfNew(candidate.ItemID) {
			r.budget.Release()
			continue
		}
		detail := crawler.CrawlTask{
			URL:         candidate.ItemURL,
			Role:        crawler.RoleDetailPage,
			RetriesLeft: o.cfg.RetryBudget,
			ItemID:      candidate.ItemID,
			Candidate:   &candidate,
			State:       crawler.TaskPending,
		}
		if err := r.queue.Enqueue(detail); err != nil {
			r.budget.Release()
			r.seen.Forget(candidate.ItemID)
			break
		}
		scheduled++
	}
	logger.Info("search page processed",
		zap.Int("page", task.PageNumber),
		zap.Int("candidates", len(result.Items)),
		zap.Int("scheduled", scheduled),
		zap.Int("total_results", result.TotalResults),
	)

	if result.Next == "" {
		return
	}
	if task.PageNumber >= o.cfg.MaxPages {
		logger.Info("page limit reached", zap.Int("max_pages", o.cfg.MaxPages))
		return
	}
	r.scheduleNext(crawler.CrawlTask{
		URL:         result.Next,
		Role:        crawler.RoleSearchPage,
		RetriesLeft: o.cfg.RetryBudget,
		PageNumber:  task.PageNumber + 1,
		State:       crawler.TaskPending,
	})
}

func (o *Orchestrator) handleDetailPage(ctx context.Context, r *run, task crawler.CrawlTask, page crawler.RenderedPage, logger *zap.Logger) {
	record, err := o.deps.Extractor.ExtractDetailPage(page)
	if err != nil {
		o.fail(ctx, r, task, &page, err)
		return
	}
	extract.ApplyCandidate(&record, task.Candidate)
	_ = transition(&task, crawler.TaskSucceeded)

	result, err := o.deps.Sink.Upsert(ctx, record)
	if err != nil {
		var persistErr *crawler.PersistenceError
		if !errors.As(err, &persistErr) {
			err = &crawler.PersistenceError{ItemID: record.ItemID, Err: err}
		}
		r.persistErrors.Add(1)
		metrics.ObserveFailure(string(crawler.CategoryPersistence))
		logger.Error("persist listing", zap.String("item_id", record.ItemID), zap.Error(err))
		r.release()
		return
	}

	metrics.ObserveListing(result.String())
	switch result {
	case crawler.Inserted:
		r.inserted.Add(1)
	case crawler.Duplicate:
		r.duplicates.Add(1)
		if !o.cfg.CountDuplicates {
			r.release()
			return
		}
	}
	if r.budget.Commit() {
		logger.Info("item budget reached", zap.Int("max_items", o.cfg.MaxItems))
		r.queue.Close()
	}
}

func (o *Orchestrator) handleFetchError(ctx context.Context, r *run, task crawler.CrawlTask, page crawler.RenderedPage, err error, logger *zap.Logger) {
	if ctx.Err() != nil {
		o.abandon(r, task)
		return
	}
	var fetchErr *crawler.FetchError
	if errors.As(err, &fetchErr) && fetchErr.Retryable() && task.RetriesLeft > 0 {
		task.RetriesLeft--
		_ = transition(&task, crawler.TaskRetryPending)
		delay := o.retry.Backoff(task.Attempt)
		if qerr := r.queue.EnqueueAfter(task, delay); qerr != nil {
			o.abandon(r, task)
			return
		}
		r.retries.Add(1)
		metrics.ObserveRetry(string(task.Role))
		logger.Debug("retry scheduled",
			zap.String("url", task.URL),
			zap.Int("attempt", task.Attempt),
			zap.Int("retries_left", task.RetriesLeft),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		return
	}
	var evidence *crawler.RenderedPage
	if len(page.Body) > 0 {
		evidence = &page
	}
	o.fail(ctx, r, task, evidence, err)
}

func (o *Orchestrator) handlePoolExhausted(ctx context.Context, r *run, task crawler.CrawlTask, err error, logger *zap.Logger) error {
	task.Attempt--
	since := r.markExhausted(o.now())
	if o.now().Sub(since) >= o.cfg.PoolExhaustionTimeout {
		o.fail(ctx, r, task, nil, err)
		return fmt.Errorf("egress unavailable for %s: %w", o.cfg.PoolExhaustionTimeout, err)
	}
	_ = transition(&task, crawler.TaskRetryPending)
	if qerr := r.queue.EnqueueAfter(task, o.cfg.PoolBackoff); qerr != nil {
		o.abandon(r, task)
		return nil
	}
	logger.Warn("egress pool exhausted, backing off",
		zap.String("url", task.URL),
		zap.Duration("backoff", o.cfg.PoolBackoff),
	)
	return nil
}

// fail records a terminal failure and returns the task's budget unit.
func (o *Orchestrator) fail(ctx context.Context, r *run, task crawler.CrawlTask, page *crawler.RenderedPage, err error) {
	_ = transition(&task, crawler.TaskFailed)
	o.deps.Diagnostics.Capture(ctx, task, page, err)
	r.failures.Add(1)
	if task.Role == crawler.RoleDetailPage {
		r.release()
	}
}

// abandon drops a task without a failure record.
func (o *Orchestrator) abandon(r *run, task crawler.CrawlTask) {
	if task.Role == crawler.RoleDetailPage {
		r.release()
	}
}

func transition(task *crawler.CrawlTask, next crawler.TaskState) error {
	if !task.State.CanTransition(next) {
		return fmt.Errorf("task %s: %s -> %s not allowed", task.URL, task.State, next)
	}
	task.State = next
	return nil
}

// run is the state of one query.
type run struct {
	query       string
	queue       *memory.Queue
	budget      *Budget
	seen        *crawler.VisitTracker
	started     time.Time
	diagnostics string

	inserted      atomic.Int64
	duplicates    atomic.Int64
	failures      atomic.Int64
	persistErrors atomic.Int64
	retries       atomic.Int64
	searchPages   atomic.Int64
	totalResults  atomic.Int64

	mu             sync.Mutex
	parked         *crawler.CrawlTask
	exhaustedSince time.Time
	finished       time.Time
}

func newRun(query string, cfg Config, now time.Time) *run {
	return &run{
		query:   query,
		queue:   memory.NewQueue(),
		budget:  NewBudget(cfg.MaxItems),
		seen:    crawler.NewVisitTracker(),
		started: now,
	}
}

// scheduleNext enqueues the next search page, or parks it while every unit is spoken for.
func (r *run) scheduleNext(task crawler.CrawlTask) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.budget.HasRoom() {
		r.parked = &task
		return
	}
	_ = r.queue.Enqueue(task)
}

// release returns a unit and resumes a parked page if one is waiting.
func (r *run) release() {
	r.budget.Release()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.parked == nil || !r.budget.HasRoom() {
		return
	}
	task := *r.parked
	r.parked = nil
	_ = r.queue.Enqueue(task)
}

func (r *run) markExhausted(now time.Time) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exhaustedSince.IsZero() {
		r.exhaustedSince = now
	}
	return r.exhaustedSince
}

func (r *run) clearExhausted() {
	r.mu.Lock()
	r.exhaustedSince = time.Time{}
	r.mu.Unlock()
}

func (r *run) observeTotal(total int) {
	for {
		cur := r.totalResults.Load()
		if int64(total) <= cur || r.totalResults.CompareAndSwap(cur, int64(total)) {
			return
		}
	}
}

func (r *run) finish(now time.Time) {
	r.mu.Lock()
	r.finished = now
	r.mu.Unlock()
}

func (r *run) summary(now time.Time) Summary {
	r.mu.Lock()
	end := r.finished
	r.mu.Unlock()
	running := end.IsZero()
	if running {
		end = now
	}
	return Summary{
		Query:               r.query,
		Inserted:            int(r.inserted.Load()),
		Duplicates:          int(r.duplicates.Load()),
		Failures:            int(r.failures.Load()),
		PersistErrors:       int(r.persistErrors.Load()),
		Retries:             int(r.retries.Load()),
		SearchPages:         int(r.searchPages.Load()),
		TotalResults:        int(r.totalResults.Load()),
		DiagnosticsLocation: r.diagnostics,
		Duration:            end.Sub(r.started),
		Running:             running,
	}
}
