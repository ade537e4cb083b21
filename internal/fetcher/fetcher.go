// Package fetcher performs single, classified page fetches through the egress pool.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sold-listings-crawler/internal/crawler"
	"github.com/JakeFAU/sold-listings-crawler/internal/egress"
	"github.com/JakeFAU/sold-listings-crawler/internal/metrics"
)

// DefaultUserAgent is used when no rotation list is configured.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// EndpointPool is the subset of the egress pool the fetcher needs.
type EndpointPool interface {
	Acquire(ctx context.Context) (egress.Endpoint, error)
	Report(address string, outcome egress.Outcome)
}

// Config tunes a Fetcher.
type Config struct {
	Timeout       time.Duration
	UserAgents    []string
	BlockStatuses []int
	RetryStatuses []int
}

// Fetcher performs exactly one attempt per call.
type Fetcher struct {
	renderer      crawler.Renderer
	pool          EndpointPool
	detector      *ChallengeDetector
	timeout       time.Duration
	userAgents    []string
	blockStatuses map[int]struct{}
	retryStatuses map[int]struct{}
	logger        *zap.Logger
}

// New wires a Fetcher. A nil detector disables DOM challenge detection.
func New(cfg Config, renderer crawler.Renderer, pool EndpointPool, detector *ChallengeDetector, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	userAgents := cfg.UserAgents
	if len(userAgents) == 0 {
		userAgents = []string{DefaultUserAgent}
	}
	blockStatuses := cfg.BlockStatuses
	if blockStatuses == nil {
		blockStatuses = []int{http.StatusForbidden, http.StatusTooManyRequests}
	}
	retryStatuses := cfg.RetryStatuses
	if retryStatuses == nil {
		retryStatuses = []int{
			http.StatusRequestTimeout,
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		}
	}
	return &Fetcher{
		renderer:      renderer,
		pool:          pool,
		detector:      detector,
		timeout:       timeout,
		userAgents:    userAgents,
		blockStatuses: toSet(blockStatuses),
		retryStatuses: toSet(retryStatuses),
		logger:        logger.Named("fetcher"),
	}
}

// Fetch acquires an endpoint, renders task.URL through it and classifies the result. The outcome
// is reported to the pool before Fetch returns. Pool exhaustion and parent cancellation are
// returned as-is; every other failure is a *crawler.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, task crawler.CrawlTask) (crawler.RenderedPage, error) {
	ep, err := f.pool.Acquire(ctx)
	if err != nil {
		return crawler.RenderedPage{}, err
	}

	req := crawler.RenderRequest{
		URL:       task.URL,
		Proxy:     ep.Address,
		UserAgent: f.pickUserAgent(),
	}
	attemptCtx, cancel := context.WithTimeout(ctx, f.timeout)
	start := time.Now()
	page, renderErr := f.renderer.Render(attemptCtx, req)
	cancel()
	page.Egress = ep.Address
	if page.Duration == 0 {
		page.Duration = time.Since(start)
	}

	outcome, fetchErr := f.classify(ctx, task, ep, page, renderErr)
	f.pool.Report(ep.Address, outcome)

	status := "success"
	if fetchErr != nil {
		status = "error"
		var fe *crawler.FetchError
		if errors.As(fetchErr, &fe) {
			status = string(fe.Kind)
		}
	}
	metrics.ObserveFetch(task.URL, status, len(page.Body), page.Duration)

	if fetchErr != nil {
		f.logger.Debug("fetch failed",
			zap.String("url", task.URL),
			zap.String("role", string(task.Role)),
			zap.String("endpoint", ep.Address),
			zap.Int("attempt", task.Attempt),
			zap.Error(fetchErr),
		)
		return page, fetchErr
	}
	f.logger.Debug("fetched",
		zap.String("url", task.URL),
		zap.String("endpoint", ep.Address),
		zap.Int("status", page.StatusCode),
		zap.Duration("duration", page.Duration),
	)
	return page, nil
}

func (f *Fetcher) classify(
	ctx context.Context,
	task crawler.CrawlTask,
	ep egress.Endpoint,
	page crawler.RenderedPage,
	renderErr error,
) (egress.Outcome, error) {
	newErr := func(kind crawler.FetchErrorKind, reason string, retry bool, err error) *crawler.FetchError {
		return &crawler.FetchError{
			Kind:       kind,
			URL:        task.URL,
			Egress:     ep.Address,
			StatusCode: page.StatusCode,
			Reason:     reason,
			Retry:      retry,
			Err:        err,
		}
	}

	if renderErr != nil {
		if ctx.Err() != nil {
			return egress.OutcomeNeutral, ctx.Err()
		}
		if errors.Is(renderErr, context.DeadlineExceeded) {
			return egress.OutcomeTransportFailure, newErr(crawler.FetchTimeout, fmt.Sprintf("no response within %s", f.timeout), true, renderErr)
		}
		if page.StatusCode == 0 {
			return egress.OutcomeTransportFailure, newErr(crawler.FetchTransport, "", true, renderErr)
		}
	}

	if _, blocked := f.blockStatuses[page.StatusCode]; blocked {
		return egress.OutcomeBlocked, newErr(crawler.FetchBlocked, http.StatusText(page.StatusCode), true, nil)
	}
	if reason, ok := f.detector.Detect(page.Body); ok {
		return egress.OutcomeBlocked, newErr(crawler.FetchBlocked, reason, true, nil)
	}
	if page.StatusCode >= http.StatusBadRequest {
		_, retry := f.retryStatuses[page.StatusCode]
		return egress.OutcomeNeutral, newErr(crawler.FetchHTTP, http.StatusText(page.StatusCode), retry, renderErr)
	}
	if renderErr != nil {
		return egress.OutcomeTransportFailure, newErr(crawler.FetchTransport, "", true, renderErr)
	}
	return egress.OutcomeSuccess, nil
}

func (f *Fetcher) pickUserAgent() string {
	if len(f.userAgents) == 1 {
		return f.userAgents[0]
	}
	return f.userAgents[rand.IntN(len(f.userAgents))] // #nosec G404 -- user agent rotation
}

func toSet(values []int) map[int]struct{} {
	out := make(map[int]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}
