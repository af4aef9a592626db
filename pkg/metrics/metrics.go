// Package metrics provides the centralized Prometheus metrics registry
// for geodig. All metrics are defined in their respective packages
// (ratelimit, lookup, pool, sink) to maintain modularity and avoid
// circular dependencies.
//
// This package provides documentation and reference for all available
// metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by geodig.
// All metrics are automatically registered via promauto in their
// respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Quota Metrics (pkg/ratelimit):
//   - geodig_quota_remaining (Gauge): Requests remaining in the current rate window
//   - geodig_quota_waits_total (Counter): Admissions deferred because the window was exhausted
//   - geodig_quota_refills_total (Counter): Window rollovers restoring the full budget
//
// Lookup Metrics (pkg/lookup):
//   - geodig_lookup_requests_total{status} (Counter): Lookups by outcome status
//   - geodig_lookup_duration_seconds (Histogram): End-to-end lookup latency
//
// Pool Metrics (pkg/pool):
//   - geodig_retries_total{reason} (Counter): Retry attempts by reason (rate_limited, transient)
//   - geodig_retry_exhausted_total (Counter): Targets downgraded after the retry ceiling
//
// Sink Metrics (pkg/sink):
//   - geodig_sink_rows_total{status} (Counter): Result rows recorded by outcome status
//
// Example Prometheus Queries:
//
//   # Lookup Success Rate
//   sum(rate(geodig_lookup_requests_total{status="success"}[5m])) /
//   sum(rate(geodig_lookup_requests_total[5m]))
//
//   # Quota Pressure
//   geodig_quota_remaining < 5
//
//   # Retry Rate By Reason
//   rate(geodig_retries_total[5m])
//
//   # P95 Lookup Latency
//   histogram_quantile(0.95, rate(geodig_lookup_duration_seconds_bucket[5m]))
