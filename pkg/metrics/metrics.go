// Fetchcore - Dataverse Access Core and SQL-to-FetchXML Transpiler
// Copyright 2026 Fetchcore Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fetchcore-dev/fetchcore

// Package metrics provides Prometheus instrumentation for the access core.
//
// Collectors are registered on the default registry via promauto; the
// embedding application decides whether and where to expose them. Metric
// families:
//
//   - pool_*: slot acquisition latency, in-use gauges, exhaustion counts
//   - throttle_*: per-principal effective parallelism and throttle events
//   - bulk_*: dispatched records, sub-batches, retries by fault class
//   - sql_*: parse, rewrite, and transpile outcomes
//   - quarantine_state: per-principal circuit-breaker state
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pool metrics.

	PoolAcquireDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fetchcore_pool_acquire_duration_seconds",
			Help:    "Time spent waiting to acquire a pooled client",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 15, 60},
		},
	)

	PoolInUse = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fetchcore_pool_in_use_clients",
			Help: "Pooled clients currently held, per principal",
		},
		[]string{"principal"},
	)

	PoolAcquires = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetchcore_pool_acquires_total",
			Help: "Pool acquisitions by outcome (ok, exhausted, cancelled, failed)",
		},
		[]string{"outcome"},
	)

	PoolClientsDestroyed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetchcore_pool_clients_destroyed_total",
			Help: "Pooled clients destroyed on release, by reason",
		},
		[]string{"reason"},
	)

	// Throttle metrics.

	ThrottleParallelism = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fetchcore_throttle_effective_parallelism",
			Help: "Current effective parallelism ceiling, per principal",
		},
		[]string{"principal"},
	)

	ThrottleEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetchcore_throttle_events_total",
			Help: "Throttle controller events (increase, decrease, reset, idle_reset)",
		},
		[]string{"principal", "event"},
	)

	// Bulk dispatcher metrics.

	BulkRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetchcore_bulk_records_total",
			Help: "Records processed by the bulk dispatcher, by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	BulkSubBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetchcore_bulk_sub_batches_total",
			Help: "Sub-batches executed, by operation",
		},
		[]string{"operation"},
	)

	BulkRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetchcore_bulk_retries_total",
			Help: "Sub-batch retries, by fault class (throttle, deadlock, connection)",
		},
		[]string{"class"},
	)

	// SQL frontend metrics.

	SQLStatements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetchcore_sql_statements_total",
			Help: "SQL statements processed, by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	SQLTranspileErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetchcore_sql_transpile_errors_total",
			Help: "Transpilation failures, by stage (parse, rewrite, emit, guard)",
		},
		[]string{"stage"},
	)

	// Quarantine breaker metrics. 0=closed, 1=half-open, 2=open.

	QuarantineState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fetchcore_quarantine_state",
			Help: "Per-principal quarantine breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"principal"},
	)

	// Metadata cache metrics.

	MetadataCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetchcore_metadata_cache_total",
			Help: "Metadata descriptor lookups, by result (hit, miss, error)",
		},
		[]string{"result"},
	)

	// Query executor metrics.

	QueryPages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fetchcore_query_pages_total",
			Help: "Result pages fetched by the query executor",
		},
	)

	QueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fetchcore_query_duration_seconds",
			Help:    "End-to-end duration of paged query executions",
			Buckets: prometheus.DefBuckets,
		},
	)
)
