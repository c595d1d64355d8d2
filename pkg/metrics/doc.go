/*
Package metrics provides Prometheus instrumentation for medsync.

All collectors are package-level variables registered once in init(), following
the standard client_golang pattern. The package exposes three groups:

Pipeline metrics:
  - medsync_rows_extracted_total / upserted_total / quarantined_total
  - medsync_batch_duration_seconds, medsync_stage_latency_seconds
  - medsync_runs_total by table and final status
  - medsync_watermark_timestamp_seconds per table

AI enrichment metrics:
  - medsync_ai_calls_total by operation (extract, embed) and outcome
  - medsync_ai_tokens_total by kind (prompt, completion, embedding)
  - medsync_ai_cost_usd_total
  - medsync_embedding_cache_hits_total / misses_total

Resilience metrics:
  - medsync_retries_total by operation
  - medsync_breaker_state by dependency (0 closed, 1 half-open, 2 open)
  - medsync_alerts_total by reason

# Usage

Timing a stage:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StageLatency, "upsert")

Serving the endpoint (optional, gated by AI_ENABLE_PROMETHEUS):

	http.Handle("/metrics", metrics.Handler())

Counters are incremented at the component that owns the measurement: the sink
writer counts upserts and quarantines, the enrichment client counts tokens and
cost, the breaker package maintains the state gauge. The progress reporter
reads nothing back from Prometheus; it keeps its own counters so the core
works without a metrics backend.
*/
package metrics
