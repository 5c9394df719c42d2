// Package metrics provides the centralized Prometheus metrics registry
// for the harvester. Metrics are defined in their owning packages
// (fetch, quota, scheduler, catalog, checkpoint, sink) to maintain
// modularity and avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the harvester.
// All metrics are automatically registered via promauto in their
// respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Fetch Metrics (pkg/fetch):
//   - harvest_requests_total{kind, status} (Counter): Upstream requests by kind (data, discovery) and HTTP status
//   - harvest_request_duration_seconds{kind} (Histogram): Request duration by kind
//   - harvest_fetch_errors_total{kind} (Counter): Fetch errors by classification (rate_limited, transient, malformed)
//   - harvest_rows_parsed_total (Counter): Data rows parsed from upstream responses
//
// Quota Metrics (pkg/quota):
//   - harvest_quota_remaining{credential} (Gauge): Tracked remaining budget per credential
//   - harvest_quota_exhaustions_total{cause} (Counter): Exhaustions by cause (counter, throttled)
//   - harvest_quota_blocks_total (Counter): Times the pool had no usable credential
//
// Scheduler Metrics (pkg/scheduler):
//   - harvest_dispatches_total (Counter): Units dispatched to the executor
//   - harvest_checkpoint_skips_total (Counter): Units skipped via checkpoint
//   - harvest_requeues_total (Counter): Units requeued after credential invalidation
//   - harvest_unit_failures_total{kind} (Counter): Terminal unit failures by kind
//   - harvest_retries_total (Counter): Retry attempts after transient failures
//   - harvest_retry_backoff_seconds (Histogram): Backoff duration before retries
//   - harvest_retry_exhausted_total (Counter): Units whose retry budget ran out
//
// Catalog Metrics (pkg/catalog):
//   - harvest_discovery_tables_total (Counter): Tables discovered
//   - harvest_discovery_skips_total (Counter): Tables skipped during discovery
//   - harvest_catalog_cache_hits_total (Counter): Catalog loads served from cache
//   - harvest_catalog_cache_misses_total (Counter): Catalog cache misses
//
// Persistence Metrics (pkg/checkpoint, pkg/sink):
//   - harvest_checkpoint_records_total (Counter): Units durably marked complete
//   - harvest_rows_written_total (Counter): Data points written to the sink
//   - harvest_sink_transactions_total{result} (Counter): Sink transactions by result
//
// Example Prometheus Queries:
//
//   # Remaining budget across the pool
//   sum(harvest_quota_remaining)
//
//   # Requeue rate (credential churn)
//   rate(harvest_requeues_total[5m])
//
//   # P95 request latency
//   histogram_quantile(0.95, rate(harvest_request_duration_seconds_bucket[5m]))
//
//   # Terminal failure rate by kind
//   rate(harvest_unit_failures_total[5m])
