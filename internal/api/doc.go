// Package api hosts the operator HTTP server for a running crawl. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for orchestrator, frontier, pool, limiter, and progress
//     hub state.
//   - GET /v1/summary for the state store summary.
//   - GET /v1/runs/{run_id} and /v1/runs/{run_id}/domains for persisted
//     crawl runs, when run tracking is enabled.
package api
