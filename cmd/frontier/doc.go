// Package main hosts the frontier service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, the fetch loop endpoints (/v1/next, /v1/outcomes)
//     and operator endpoints for stats, reseeds and per-partition cursors and refills.
//   - Buffer: internal/buffer.RoundRobin holds at most one copy of each URL, grouped by partition key, and hands
//     them out one partition at a time. When a partition runs dry it notifies the refill controller.
//   - Refill: internal/refill.Controller turns empty notifications into refill requests on a bounded queue drained by
//     the worker pool (internal/dispatcher). Each refill pages through the status store with a search-after cursor
//     pinned to the reference time of the current reseed cycle. Reseeds run every refill.reseed_interval and
//     rebuild the active partition set from an aggregation over due rows.
//   - Status: internal/status.Reporter schedules the next fetch date for each reported outcome, writes the row to
//     the status store (memory or Postgres) and optionally publishes the update to Pub/Sub.
//   - Seeds: a seed list on local disk or GCS (seeds.path) is injected as DISCOVERED rows on startup; rows that
//     already exist are left untouched.
//
// Operational notes:
//   - Configuration: Viper reads an optional file passed with -config plus FRONTIER_* environment overrides
//     (for example FRONTIER_STORE_BACKEND=postgres, FRONTIER_DB_DSN, FRONTIER_REFILL_WORKERS).
//   - Sharding: partition.shard_id and partition.total_shards split partitions across instances sharing one store.
//   - Shutdown: SIGINT/SIGTERM cancel the root context; the HTTP server drains within server.shutdown_timeout and
//     the refill queue is closed so workers exit.
//
// Run locally: go run ./cmd/frontier -config config.yaml
package main
