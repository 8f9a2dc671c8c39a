// Package api hosts the HTTP server, middleware, and REST handlers for feed
// routes. Notable routes:
//   - GET /healthz / readyz for Kubernetes health checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/acquire for a single resource.
//   - POST /v1/batch for an ordered batch of resources.
//   - DELETE /v1/cache to drop cached fetches.
package api
