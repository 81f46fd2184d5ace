// Package api hosts the HTTP server, middleware, and REST handlers for the
// harvester. Notable routes:
//   - GET /healthz / readyz for Kubernetes health checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs and /v1/jobs/{job_id}/... for submission, status,
//     results, exports, retry and cancellation.
//   - GET|POST /v1/tech for synchronous technology detection.
package api
