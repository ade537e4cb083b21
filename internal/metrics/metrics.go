// Package metrics exposes Prometheus collectors for the crawler.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerFetchTotal           *prometheus.CounterVec
	crawlerBytesTotal           *prometheus.CounterVec
	crawlerFetchDurationSeconds *prometheus.HistogramVec
	crawlerListingsTotal        *prometheus.CounterVec
	crawlerFailuresTotal        *prometheus.CounterVec
	crawlerRetriesTotal         *prometheus.CounterVec
	crawlerSearchPagesTotal     prometheus.Counter
	crawlerEndpointBansTotal    prometheus.Counter
	crawlerThrottleDelaySeconds prometheus.Gauge
	crawlerThrottleWaitSeconds  prometheus.Histogram
	crawlerActiveWorkers        prometheus.Gauge
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times. Observe helpers are no-ops until Init runs.
func Init() {
	once.Do(func() {
		crawlerFetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetch_total",
				Help: "Total number of fetch attempts, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of rendered bytes, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_fetch_duration_seconds",
				Help:    "Histogram of fetch attempt latencies, labeled by outcome.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"outcome"},
		)

		crawlerListingsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_listings_total",
				Help: "Total number of listing upserts, labeled by result.",
			},
			[]string{"result"},
		)

		crawlerFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_failures_total",
				Help: "Total number of failed tasks, labeled by error category.",
			},
			[]string{"category"},
		)

		crawlerRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_retries_total",
				Help: "Total number of scheduled retries, labeled by task role.",
			},
			[]string{"role"},
		)

		crawlerSearchPagesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_search_pages_total",
				Help: "Total number of search result pages processed.",
			},
		)

		crawlerEndpointBansTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_endpoint_bans_total",
				Help: "Total number of egress endpoints banned.",
			},
		)

		crawlerThrottleDelaySeconds = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_throttle_delay_seconds",
				Help: "Current adaptive delay between fetches.",
			},
		)

		crawlerThrottleWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawler_throttle_wait_seconds",
				Help:    "Histogram of throttle wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently processing a task.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one fetch attempt.
func ObserveFetch(site, outcome string, bytesFetched int, duration time.Duration) {
	if crawlerFetchTotal == nil {
		return
	}
	sanitizedSite := SanitizeSite(site)
	crawlerFetchTotal.WithLabelValues(sanitizedSite, outcome).Inc()
	crawlerFetchDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveListing counts an upsert by result ("inserted" or "duplicate").
func ObserveListing(result string) {
	if crawlerListingsTotal == nil {
		return
	}
	crawlerListingsTotal.WithLabelValues(result).Inc()
}

// ObserveFailure counts a failed task by error category.
func ObserveFailure(category string) {
	if crawlerFailuresTotal == nil {
		return
	}
	crawlerFailuresTotal.WithLabelValues(category).Inc()
}

// ObserveRetry counts a scheduled retry.
func ObserveRetry(role string) {
	if crawlerRetriesTotal == nil {
		return
	}
	crawlerRetriesTotal.WithLabelValues(role).Inc()
}

// ObserveSearchPage counts a processed search results page.
func ObserveSearchPage() {
	if crawlerSearchPagesTotal == nil {
		return
	}
	crawlerSearchPagesTotal.Inc()
}

// ObserveEndpointBan counts a banned egress endpoint.
func ObserveEndpointBan() {
	if crawlerEndpointBansTotal == nil {
		return
	}
	crawlerEndpointBansTotal.Inc()
}

// SetThrottleDelay publishes the current adaptive delay.
func SetThrottleDelay(delay time.Duration) {
	if crawlerThrottleDelaySeconds == nil {
		return
	}
	crawlerThrottleDelaySeconds.Set(delay.Seconds())
}

// ObserveThrottleWait records how long a worker waited on the throttle.
func ObserveThrottleWait(duration time.Duration) {
	if crawlerThrottleWaitSeconds == nil {
		return
	}
	crawlerThrottleWaitSeconds.Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	if crawlerActiveWorkers == nil {
		return
	}
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	if crawlerActiveWorkers == nil {
		return
	}
	crawlerActiveWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
