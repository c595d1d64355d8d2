package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pipeline metrics
	RowsExtracted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medsync_rows_extracted_total",
			Help: "Total number of rows read from the source warehouse by table",
		},
		[]string{"table"},
	)

	RowsUpserted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medsync_rows_upserted_total",
			Help: "Total number of rows upserted into the sink by table",
		},
		[]string{"table"},
	)

	RowsQuarantined = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medsync_rows_quarantined_total",
			Help: "Total number of rows routed to the dead-letter table",
		},
		[]string{"table"},
	)

	BatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "medsync_batch_duration_seconds",
			Help:    "End-to-end duration of one batch through the pipeline",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"table"},
	)

	StageLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "medsync_stage_latency_seconds",
			Help:    "Latency of individual pipeline stages",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medsync_runs_total",
			Help: "Total number of sync runs by table and final status",
		},
		[]string{"table", "status"},
	)

	WatermarkTimestamp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "medsync_watermark_timestamp_seconds",
			Help: "Last committed watermark as a Unix timestamp by table",
		},
		[]string{"table"},
	)

	// AI enrichment metrics
	AICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medsync_ai_calls_total",
			Help: "Total number of AI calls by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	AITokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medsync_ai_tokens_total",
			Help: "Total tokens consumed by kind (prompt, completion, embedding)",
		},
		[]string{"kind"},
	)

	AICostUSD = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "medsync_ai_cost_usd_total",
			Help: "Estimated cumulative AI spend in USD",
		},
	)

	EmbeddingCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "medsync_embedding_cache_hits_total",
			Help: "Embedding cache hits that bypassed the AI endpoint",
		},
	)

	EmbeddingCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "medsync_embedding_cache_misses_total",
			Help: "Embedding cache misses that required an AI call",
		},
	)

	// Resilience metrics
	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medsync_retries_total",
			Help: "Total retry attempts by operation",
		},
		[]string{"operation"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "medsync_breaker_state",
			Help: "Circuit breaker state by dependency (0 = closed, 1 = half-open, 2 = open)",
		},
		[]string{"dependency"},
	)

	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medsync_alerts_total",
			Help: "Total alerts dispatched by reason",
		},
		[]string{"reason"},
	)

	// Backfill metrics
	BackfillBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medsync_backfill_batches_total",
			Help: "Total backfill batches by outcome",
		},
		[]string{"outcome"},
	)

	BackfillBatchSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "medsync_backfill_batch_size",
			Help: "Batch size currently in effect for the backfill run",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(RowsExtracted)
	prometheus.MustRegister(RowsUpserted)
	prometheus.MustRegister(RowsQuarantined)
	prometheus.MustRegister(BatchDuration)
	prometheus.MustRegister(StageLatency)
	prometheus.MustRegister(RunsTotal)
	prometheus.MustRegister(WatermarkTimestamp)
	prometheus.MustRegister(AICallsTotal)
	prometheus.MustRegister(AITokensTotal)
	prometheus.MustRegister(AICostUSD)
	prometheus.MustRegister(EmbeddingCacheHits)
	prometheus.MustRegister(EmbeddingCacheMisses)
	prometheus.MustRegister(RetriesTotal)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(AlertsTotal)
	prometheus.MustRegister(BackfillBatchesTotal)
	prometheus.MustRegister(BackfillBatchSize)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
