// Package watermark owns the etl_metadata table, the single source of
// recovery truth for the pipeline.
//
// One row per managed table records the last fully committed watermark, the
// run status, cumulative counters, and an opaque checkpoint blob that
// backfill uses to resume. No state on local disk is required for
// correctness; a process can die at any point and the next run picks up
// from this row.
//
// A run claims a table with BeginRun, which takes a session-level advisory
// lock keyed by the hashed table name on a dedicated pooled connection. The
// lock lives exactly as long as the lease: released on commit, on abort, or
// by the database itself when the session dies. A second runner hitting the
// same table gets ErrMetadataConflict and walks away.
//
// The committed watermark is monotone. Every write guards it with
// GREATEST, so a replayed checkpoint or an out-of-order commit can never
// move it backwards, and a failed run never rewinds what an earlier run
// committed.
package watermark
