// Package api hosts the HTTP server, middleware, and REST handlers that fetch
// workers and operators use to talk to the frontier. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/next and POST /v1/outcomes for the fetch loop.
//   - GET /v1/stats, POST /v1/reseed and /v1/partitions/... for operators.
package api
