// Package metrics exposes prometheus collectors for the pipeline, tiers, and
// governed writes, plus a rolling average-latency tracker surfaced by the
// stats command. Collectors register on the default registry; Handler returns
// the scrape handler for hosts that mount one.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingestion metrics
	IngestRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_ingest_records_total",
			Help: "Total number of ingested records by outcome",
		},
		[]string{"outcome"},
	)

	IngestBatchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engram_ingest_batches_total",
			Help: "Total number of submitted ingestion batches",
		},
	)

	EnrichmentDegradedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_enrichment_degraded_total",
			Help: "Total number of degraded enrichment stages by stage",
		},
		[]string{"stage"},
	)

	// Tier metrics
	TierReadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_tier_reads_total",
			Help: "Total number of tier reads by tier and result",
		},
		[]string{"tier", "result"},
	)

	TierWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_tier_writes_total",
			Help: "Total number of tier writes by tier",
		},
		[]string{"tier"},
	)

	TierReadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engram_tier_read_duration_seconds",
			Help:    "Tier read duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tier"},
	)

	TierWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engram_tier_write_duration_seconds",
			Help:    "Tier write duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tier"},
	)

	TierMigrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_tier_migrations_total",
			Help: "Total number of records moved between tiers",
		},
		[]string{"from", "to"},
	)

	// Retrieval metrics
	SearchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_searches_total",
			Help: "Total number of searches by strategy",
		},
		[]string{"strategy"},
	)

	SearchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engram_search_duration_seconds",
			Help:    "Search duration in seconds by strategy",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"strategy"},
	)

	SearchDegradedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engram_search_degraded_total",
			Help: "Total number of searches answered with degraded strategy coverage",
		},
	)

	// Profile metrics
	ProfileUpdatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engram_profile_updates_total",
			Help: "Total number of applied profile intents",
		},
	)

	ProfileComponentsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engram_profile_components_active",
			Help: "Active profile components across all users",
		},
	)

	// Governed write metrics
	WriteOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_write_ops_total",
			Help: "Total number of governed write operations by op and outcome",
		},
		[]string{"op", "outcome"},
	)

	PermissionDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_permission_decisions_total",
			Help: "Total number of authorization decisions by risk level and outcome",
		},
		[]string{"risk", "outcome"},
	)

	// Cache metrics
	CacheRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_cache_requests_total",
			Help: "Total number of cache lookups by cache and result",
		},
		[]string{"cache", "result"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(IngestRecordsTotal)
	prometheus.MustRegister(IngestBatchesTotal)
	prometheus.MustRegister(EnrichmentDegradedTotal)
	prometheus.MustRegister(TierReadsTotal)
	prometheus.MustRegister(TierWritesTotal)
	prometheus.MustRegister(TierReadDuration)
	prometheus.MustRegister(TierWriteDuration)
	prometheus.MustRegister(TierMigrationsTotal)
	prometheus.MustRegister(SearchesTotal)
	prometheus.MustRegister(SearchDuration)
	prometheus.MustRegister(SearchDegradedTotal)
	prometheus.MustRegister(ProfileUpdatesTotal)
	prometheus.MustRegister(ProfileComponentsActive)
	prometheus.MustRegister(WriteOpsTotal)
	prometheus.MustRegister(PermissionDecisionsTotal)
	prometheus.MustRegister(CacheRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTierRead records one tier read. result is "hit", "miss", or "error".
func ObserveTierRead(tier string, start time.Time, result string) {
	seconds := time.Since(start).Seconds()
	TierReadsTotal.WithLabelValues(tier, result).Inc()
	TierReadDuration.WithLabelValues(tier).Observe(seconds)
	latencies.observe("read_"+tier, seconds)
}

// ObserveTierWrite records one tier write.
func ObserveTierWrite(tier string, start time.Time) {
	seconds := time.Since(start).Seconds()
	TierWritesTotal.WithLabelValues(tier).Inc()
	TierWriteDuration.WithLabelValues(tier).Observe(seconds)
	latencies.observe("write_"+tier, seconds)
}

// ObserveSearch records one retrieval strategy execution.
func ObserveSearch(strategy string, start time.Time) {
	seconds := time.Since(start).Seconds()
	SearchesTotal.WithLabelValues(strategy).Inc()
	SearchDuration.WithLabelValues(strategy).Observe(seconds)
	latencies.observe("search_"+strategy, seconds)
}
