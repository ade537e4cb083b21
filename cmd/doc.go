// Package cmd defines the soldcrawl command line.
//
// Architecture overview:
//   - Configuration: Viper reads an optional YAML file and CRAWLER_* environment overrides into
//     config.Config. Crawl flags (--query, --max-items, --sink, ...) are bound to the same keys and win
//     when set.
//   - Egress: internal/egress keeps a run-scoped health table for the configured proxies. An endpoint
//     that is blocked or fails too many times in a row is banned for the rest of the run. With no proxies
//     configured the pool holds a single direct endpoint.
//   - Fetch pipeline: internal/fetcher makes exactly one attempt per call through a renderer
//     (chromedp for JavaScript-heavy pages, colly for plain HTTP), classifies the outcome as ok, blocked,
//     timeout, HTTP error or transport error, and reports it to the pool.
//   - Orchestration: internal/orchestrator seeds the sold-items search URL, walks pagination, and fans
//     detail pages out to a fixed errgroup worker pool. An item budget is reserved before a detail page is
//     enqueued and committed when the record is stored, so the stored count never exceeds --max-items.
//   - Persistence: records go to a JSONL file, Postgres (pgx) or memory. Each sink stores an item id once;
//     the first write wins.
//   - Diagnostics: every terminal failure writes the page HTML, an optional screenshot and a JSON failure
//     record to the local filesystem, GCS or memory.
//   - Observability: zap logs carry the query, URL and egress endpoint at each transition. When
//     metrics.enabled is set, a chi server exposes /healthz, /readyz, /metrics, /v1/egress, /v1/summary
//     and /v1/failures for the duration of the crawl.
//
// Operational notes:
//   - Exit status is zero when every query drains its results or reaches its budget. A missing query,
//     sustained pool exhaustion or an unusable configuration exits non-zero. SIGINT and SIGTERM cancel the
//     crawl; in-flight pages finish and the summary printed so far is kept.
//   - Run locally: go run . crawl --query "ps5" --max-items 5 --sink file --config config.yaml
package cmd
