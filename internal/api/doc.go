// Package api hosts the HTTP control surface of the scraping engine:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/trigger to start jobs for one source or all of them.
//   - GET /v1/status and /v1/dashboard for monitoring.
//   - GET /v1/jobs/{job_id} and PUT /v1/sources/{source_id}/status for
//     operators.
//
// Errors share one body shape: {"error": {"code": "...", "message": "..."}}.
package api
