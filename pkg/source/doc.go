// Package source reads work orders out of the cloud warehouse.
//
// The reader speaks plain SQL through database/sql with the Snowflake
// driver, wrapped in sqlx for scanning convenience. Nothing
// warehouse-specific leaks past this package: callers see streams of
// normalized work-order records and classified errors.
//
// Pagination is keyset-based over the pair (notified_at, notification_id).
// The watermark column alone is not a total order, since many notifications
// can share a timestamp, so every predicate and ORDER BY carries the
// identity as a tie-breaker:
//
//	WHERE notified_at > ? OR (notified_at = ? AND notification_id > ?)
//	ORDER BY notified_at, notification_id
//
// That makes resumption exact: a run that stopped after (t, id) continues
// with the very next row and never re-reads or skips one.
//
// A Stream is a forward-only cursor owned by a single goroutine for its
// lifetime. FetchBatch bounds peak row residency at the configured batch
// size; the full result set is never held in memory. Close is idempotent.
//
// Three authentication variants are supported, selected at construction:
// password, external browser SSO, and OAuth token. Ping provides the
// pre-run smoke test; a warehouse that cannot answer SELECT 1 aborts the
// run before any work is scheduled.
package source
