// Package api hosts the orchestrator's HTTP server, middleware and REST
// handlers. Notable routes:
//   - GET /healthz and /readyz for probes, GET /metrics for Prometheus.
//   - POST /v1/jobs, GET /v1/jobs/{id}, POST /v1/jobs/{id}/cancel for users.
//   - POST|GET /v1/bots/status for heartbeats and the fleet view.
//   - /v1/task/... for bots: claim, acknowledge, stage and cell progress,
//     the page cache and the terminal transitions.
package api
