// -------------------------------------------------------------------------------
// Metrics - Prometheus Instrumentation
//
// Author: Alex Freidah
//
// Prometheus metric definitions for the spot discovery service. Tracks API
// traffic, upstream provider calls, cache effectiveness, the photo mirror
// pipeline, list reconciliation, and database health. All metrics are prefixed
// with 'spotkeeper_' for easy identification in dashboards and alerting rules.
// -------------------------------------------------------------------------------

package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Version is the binary version, set at build time via -ldflags.
var Version = "dev"

// -------------------------------------------------------------------------
// METRIC DEFINITIONS
// -------------------------------------------------------------------------

var (
	// --- HTTP API metrics ---

	// RequestsTotal counts API requests by route and status code.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotkeeper_requests_total",
			Help: "Total number of API requests processed",
		},
		[]string{"route", "status_code"},
	)

	// RequestDuration tracks API latency distribution by route.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spotkeeper_request_duration_seconds",
			Help:    "API request latency in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"route"},
	)

	// InflightRequests tracks requests currently being handled.
	InflightRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "spotkeeper_inflight_requests",
			Help: "Number of API requests currently being processed",
		},
	)

	// RateLimitRejectionsTotal counts requests rejected by the per-IP limiter.
	RateLimitRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spotkeeper_rate_limit_rejections_total",
			Help: "Total requests rejected by per-IP rate limiting",
		},
	)

	// --- Upstream provider metrics ---

	// UpstreamRequestsTotal counts provider calls by operation and outcome.
	UpstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotkeeper_upstream_requests_total",
			Help: "Total calls to the place-search provider",
		},
		[]string{"operation", "status"},
	)

	// UpstreamDuration tracks provider call latency by operation.
	UpstreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spotkeeper_upstream_duration_seconds",
			Help:    "Place-search provider call latency in seconds",
			Buckets: []float64{.025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)

	// --- Cache metrics ---

	// CacheLookupsTotal counts cache lookups by cache name and result (hit/miss).
	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotkeeper_cache_lookups_total",
			Help: "Cache lookups by cache and result",
		},
		[]string{"cache", "result"},
	)

	// CacheEntries reports the current entry count per cache.
	CacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spotkeeper_cache_entries",
			Help: "Current number of entries per cache",
		},
		[]string{"cache"},
	)

	// CacheEvictionsTotal counts entries removed for capacity or expiry.
	CacheEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotkeeper_cache_evictions_total",
			Help: "Cache entries evicted by cache and reason",
		},
		[]string{"cache", "reason"},
	)

	// PhotoCacheBytes reports the bytes currently held by the photo LRU.
	PhotoCacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "spotkeeper_photo_cache_bytes",
			Help: "Bytes held in the in-memory photo cache",
		},
	)

	// --- Photo pipeline metrics ---

	// PhotoPipelineTotal counts EnsurePhoto outcomes (existing, mirrored, failed).
	PhotoPipelineTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotkeeper_photo_pipeline_total",
			Help: "Photo pipeline outcomes",
		},
		[]string{"outcome"},
	)

	// PhotoUploadBytes tracks sizes of photos mirrored to object storage.
	PhotoUploadBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "spotkeeper_photo_upload_bytes",
			Help:    "Size of photos uploaded to object storage",
			Buckets: prometheus.ExponentialBuckets(16*1024, 2, 8), // 16KB to 2MB
		},
	)

	// PhotoBackfillProcessedTotal counts spots handled by the backfill service.
	PhotoBackfillProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotkeeper_photo_backfill_processed_total",
			Help: "Spots processed by the photo backfill service by outcome",
		},
		[]string{"outcome"},
	)

	// --- List reconciliation metrics ---

	// ReconcileWritesTotal counts membership writes by operation (add/remove).
	ReconcileWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotkeeper_reconcile_writes_total",
			Help: "List membership writes issued by reconciliation",
		},
		[]string{"operation"},
	)

	// ReconcileNoopTotal counts reconcile calls that required no writes.
	ReconcileNoopTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spotkeeper_reconcile_noop_total",
			Help: "Reconcile calls where desired membership matched current state",
		},
	)

	// DuplicateMembershipsTotal counts duplicate adds treated as success.
	DuplicateMembershipsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spotkeeper_duplicate_memberships_total",
			Help: "Membership inserts that hit the uniqueness constraint",
		},
	)

	// --- Database metrics ---

	// StoreDuration tracks metadata store call latency by method.
	StoreDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spotkeeper_store_duration_seconds",
			Help:    "Metadata store call latency in seconds",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method"},
	)

	// CircuitBreakerState reports the DB circuit breaker (0=closed, 1=open, 2=half-open).
	CircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "spotkeeper_circuit_breaker_state",
			Help: "Database circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
	)

	// CircuitBreakerTransitionsTotal counts state transitions.
	CircuitBreakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotkeeper_circuit_breaker_transitions_total",
			Help: "Database circuit breaker state transitions",
		},
		[]string{"from", "to"},
	)

	// SpotsTotal reports persisted spots, refreshed periodically.
	SpotsTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spotkeeper_spots",
			Help: "Persisted spots by photo state",
		},
		[]string{"photo"},
	)

	// --- Process metrics ---

	// AuditEventsTotal counts audit log entries by event name.
	AuditEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotkeeper_audit_events_total",
			Help: "Audit events emitted by event name",
		},
		[]string{"event"},
	)

	// ServiceRestartsTotal counts supervised background service restarts.
	ServiceRestartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotkeeper_service_restarts_total",
			Help: "Background service restarts after failure or panic",
		},
		[]string{"service"},
	)

	// BuildInfo exposes version metadata as labels.
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spotkeeper_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)
