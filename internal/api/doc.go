// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz for probes.
//   - GET /metrics for Prometheus scraping.
//   - /v1/targets for registering, pausing and scanning monitored pages.
//   - GET /v1/targets/{target_id}/progress for polling a running scan.
//   - GET /v1/targets/{target_id}/scans and /v1/scans/{scan_id} for history.
package api
