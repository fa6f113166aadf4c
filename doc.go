// Package eventstore is the core of a metrics and event ingestion server.
//
// It has two halves:
//
// Retrieval and aggregation:
//   - events: aggregation engine over the document store, with per-request
//     concurrency limiting and partial-failure reporting
//   - cardinality: static and dynamic sizing of metric/variant result caps
//   - scroll: signed, expiring cursors for paging raw scalar results
//   - limiter: weighted concurrency limiter for search traffic
//
// Asynchronous deletion:
//   - deletion: rate-budgeted bulk deletion jobs, resumable via persisted
//     checkpoints, with best-effort deletion of referenced objects
//   - objectref: extraction of object URLs from stored events
//
// Infrastructure:
//   - docstore: search-indexed document store (Elasticsearch-backed, with an
//     in-memory implementation for tests)
//   - natsclient: NATS connection management and JetStream KV access
//   - api: HTTP surface for ingestion, aggregation, scrolling and job control
//   - config: configuration loading and validation
//   - metric: Prometheus metric registry
//   - errors: structured error handling with severity classification
//   - pkg/cache, pkg/retry, pkg/worker: caching, retry policies, worker pools
package eventstore
