// Package main hosts the grant-scout service entrypoint.
//
// Architecture overview:
//   - Source registry: sources are seeded from configuration into the store. Operator status and rolling health
//     (success rate, parse time, consecutive failures) survive restarts and reseeding.
//   - Scheduler: a cron tick asks the registry for due sources and starts one job per source under a global
//     concurrency cap. Manual triggers from the API skip the due check. Each job acquires a per-source rate limit
//     permit, fetches with the static (Colly) or browser (chromedp) engine, and hands records to the ingest processor.
//   - Ingest: records are normalized (amounts, deadlines, whitespace) and deduplicated by a fingerprint of title,
//     funder and source before being upserted into the grant catalog.
//   - Persistence & fanout: Postgres when database.dsn is set, otherwise an in-memory store. Pages that fail to parse
//     are archived to GCS or memory. Job lifecycle events are batched by the progress hub and sent to zap, Prometheus
//     and the queue backend (memory or Pub/Sub).
//   - Monitoring: /v1/status joins source health with the latest job; /v1/dashboard aggregates jobs over 24h, 7d or
//     30d.
//
// Quick checklist:
//   - Configure env vars with the GRANTS_ prefix, e.g. GRANTS_QUEUE_URL=memory://, GRANTS_DATABASE_DSN,
//     GRANTS_SCHEDULER_MAX_CONCURRENT_JOBS, GRANTS_SNAPSHOTS_URL=gs://bucket/prefix.
//   - Run locally: go run ./cmd/grantscout -config config.yaml.
//   - The process reacts to SIGINT and SIGTERM by stopping the tick, aborting running jobs and draining events.
package main
