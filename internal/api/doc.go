// Package api hosts the optional ops HTTP server. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/egress for the proxy health table.
//   - GET /v1/summary for the live counters of the running query.
//   - GET /v1/failures for the failure records captured so far.
package api
