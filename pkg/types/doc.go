/*
Package types defines the core data structures shared across medsync packages.

This package contains pure data types with no business logic dependencies,
allowing all other packages to import it without circular dependencies:

  - WorkOrder: one ingested medical work-order record
  - Position: a point in the total (watermark, identity) row order
  - Extraction: structured AI extraction for one work order
  - EmbeddingRecord: one fixed-dimension semantic embedding
  - TableMetadata / Checkpoint / FailedRange: per-table ETL recovery state
  - UpsertResult / DeadLetter / RunCounters: sink write accounting

The (watermark, identity) Position order is load-bearing: rows sharing a
notified timestamp must still have a deterministic total order, otherwise
watermark advancement can skip rows that straddle a batch boundary. Every
component that paginates, checkpoints, or resumes does so in terms of
Position.
*/
package types
