// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for polling the current job.
//   - POST /v1/export, /v1/deploy and friends for job control.
//   - /v1/archives for listing, deleting and restoring export archives.
//
// When auth is enabled every /v1 request needs X-API-Key, and every POST or
// DELETE additionally needs a single-use X-Request-Nonce.
package api
