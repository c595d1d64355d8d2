// Package enrich calls the AI endpoint for structured extraction and
// semantic embeddings, and contains every control that keeps that
// dependency from hurting the pipeline.
//
// The Client wraps an abstract Transport (the default speaks the Azure
// OpenAI REST shape) with, from the outside in:
//
//   - a cost gate: token counts are estimated before each call, and once
//     the estimated spend crosses the configured threshold an alert fires
//     and further calls return ErrBudgetExceeded. Whether the run then
//     aborts or continues without enrichment is the orchestrator's policy.
//   - a token-bucket rate limiter at the configured requests per second;
//     callers block for a bounded wait and then fail with ErrRateLimited.
//   - a circuit breaker shared by both operations. Repeated transient
//     upstream failures open it and subsequent calls fail fast as
//     circuit-open without touching the network.
//   - an embedding cache keyed by the hash of the post-scrub text and the
//     model version, LRU in memory with an optional bbolt file behind it.
//     Hits bypass the limiter and the budget, and make stored vectors
//     deterministic per (text, version) across re-runs.
//
// Extraction responses must be a single JSON object of the agreed shape.
// A response that fails validation is retried up to two times with a
// stiffened instruction, then reported as ErrMalformed; the caller keeps
// the raw row and quarantines only the enrichment. When the model is
// unreachable and policy allows, FallbackExtract produces a coarse
// rule-based stand-in at low confidence so a later run can supersede it.
package enrich
