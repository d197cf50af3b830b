// Package metrics documents the Prometheus metrics of a backup run and serves
// them over HTTP. The metrics are defined in their respective packages
// (client, cache, ratelimit, scheduler, incremental, backup) to keep those
// packages independent of this one.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the Prometheus registry the backup metrics are registered in.
// All metrics are registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the source the metrics endpoint reads from.
var Gatherer = prometheus.DefaultGatherer

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - mapbox_requests_total{endpoint, status} (Counter): Requests by endpoint and HTTP status
//   - mapbox_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - mapbox_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network, decode)
//
// Budget Metrics (pkg/ratelimit):
//   - mapbox_budget_tokens (Gauge): Tokens left after the last admission
//   - mapbox_budget_waits_total (Counter): Requests that had to wait for a slot
//   - mapbox_budget_wait_seconds (Histogram): Time spent waiting for a slot
//
// Scheduler Metrics (pkg/scheduler):
//   - mapbox_jobs_total{outcome} (Counter): Settled jobs by outcome
//   - mapbox_jobs_in_flight (Gauge): Jobs currently running
//   - mapbox_job_duration_seconds (Histogram): Job duration including retries
//   - mapbox_retries_total (Counter): Retries after throttled responses
//   - mapbox_retry_exhausted_total (Counter): Jobs that stayed throttled
//
// Incremental Metrics (pkg/incremental):
//   - mapbox_incremental_decisions_total{decision} (Counter): fetch or skip decisions
//
// Backup Metrics (pkg/backup):
//   - mapbox_backup_artifacts_total{category, result} (Counter): fetched, skipped and failed artifacts
//   - mapbox_backup_categories_total{category, state} (Counter): Category jobs by terminal state
//   - mapbox_backup_listed_items{category} (Gauge): Items in the last listing
//
// Cache Metrics (pkg/cache):
//   - mapbox_cache_hits_total{layer} (Counter): Cache hits by layer (memory, redis)
//   - mapbox_cache_misses_total (Counter): Cache misses
//   - mapbox_cache_size_bytes{layer} (Gauge): Last written entry size
//   - mapbox_304_responses_total (Counter): 304 Not Modified responses
//   - mapbox_conditional_requests_total (Counter): Conditional requests sent
//   - mapbox_cache_errors_total{operation} (Counter): Cache operation errors
//
// Example Prometheus Queries:
//
//   # Skip ratio of an incremental run
//   sum(mapbox_incremental_decisions_total{decision="skip"}) /
//   sum(mapbox_incremental_decisions_total)
//
//   # Throttling pressure
//   rate(mapbox_retries_total[5m])
//
//   # Failed artifacts per category
//   sum by (category) (mapbox_backup_artifacts_total{result="failed"})
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(mapbox_request_duration_seconds_bucket[5m]))
