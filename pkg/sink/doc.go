// Package sink writes the pipeline's output into the operational Postgres
// database.
//
// All mutations go through the Writer: work-order upserts, extraction rows,
// embeddings, and dead letters. The Writer owns the pgx connection pool and
// is safe to share across goroutines; the metadata store borrows the same
// pool so the process holds exactly one set of sink connections.
//
// Upserts are idempotent by construction. Each work order matches on its
// identity; on conflict every non-identity column is replaced from the
// incoming row and updated_at is refreshed to the transaction time, so
// replaying a batch converges to the same state. A batch is one
// transaction: it commits whole or not at all, and callers retry it whole.
//
// Two defenses keep a single bad row from stalling the pipeline. First, a
// floor position drops rows at or below the committed watermark before the
// write, which de-fangs source clock skew. Second, a constraint violation
// triggers bisection: the batch is split, the clean halves commit, and the
// poison rows are quarantined into etl_dead_letter together with their
// SQLSTATE and payload for manual replay.
//
// Embedding storage is a capability. At startup ProbeEmbeddingStore checks
// for the vector extension and picks either the native VECTOR(1536) column
// with the extension's cosine operator, or a BYTEA fallback with
// client-side search. Callers program against EmbeddingStore and never
// learn which one they got.
package sink
