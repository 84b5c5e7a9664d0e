// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for health checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/{category}/scrape to run one scrape synchronously.
//   - GET /v1/{category}/cases and /v1/{category}/cases/{key} for persisted records.
//   - GET /v1/scraping-logs for the run audit trail.
package api
