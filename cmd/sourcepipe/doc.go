// Package main hosts the research pipeline service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, and research query endpoints. Submissions are
//     validated, registered in the state store, and handed to the scheduler; the query ID returns immediately
//     and all later interaction is by polling.
//   - Scheduler: internal/scheduler drives each query through the pipeline stages (collecting, validating,
//     scoring, assembling) on its own goroutine. Collection fans out one task per eligible connector with
//     bounded concurrency; a stage deadline cancels stragglers and the pipeline proceeds with partial results.
//   - Connectors: the archive connector queries the Internet Archive JSON search API, the academic connector
//     scrapes an index listing via the Colly-based fetcher and goquery, and the web connector fetches page
//     templates with optional promotion to a headless Chromedp fetch when the heuristic detector flags a
//     script-heavy shell. All failures are classified transient or permanent for the retry policy.
//   - Quality and scoring: extracted text passes an ordered quality gate (empty, encoding, confidence,
//     language), near-duplicates are clustered with one representative kept, and each survivor receives a
//     deterministic credibility score from source type, metadata, and domain reputation.
//   - Persistence & fanout: pipeline state checkpoints and artifacts go to the configured state store
//     (memory/Postgres); assembled artifacts are optionally mirrored to a blob store (local/GCS) and a
//     compact Pub/Sub notification is published per terminal query when a topic is configured. Progress
//     events are batched through the hub to zap and Prometheus sinks.
//   - Configuration & plumbing: Viper populates config from env/files (SOURCEPIPE_ prefix); zap provides
//     structured logging; Prometheus metrics are exported via /metrics.
//
// Operational notes:
//   - Concurrency model: one goroutine per live query plus an errgroup-bounded task pool per collection
//     stage; per-source token buckets with failure backoff keep one throttled source from starving others.
//     Shutdown is coordinated via context cancellation; in-flight queries are cancelled and drained.
//   - Observability: zap logs carry query IDs at stage transitions; Prometheus counters/histograms track
//     query, stage, and connector activity. Tracing is not yet wired in.
//
// Run locally: go run ./cmd/sourcepipe -config config.yaml (or rely solely on env overrides).
package main
