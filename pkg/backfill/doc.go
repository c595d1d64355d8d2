// Package backfill replays a historical date range through the same
// per-batch pipeline the incremental loop uses, with inter-batch
// parallelism. A producer cuts the ordered source stream into slices,
// a bounded channel feeds a worker pool, and a single checkpointer
// applies completions in slice order, persisting only the (watermark, id)
// mark of the highest contiguous committed prefix. Interrupting at any
// point and resuming with --resume reproduces the uninterrupted sink
// state because no in-flight slice is ever skipped over.
//
// A slice that exhausts its retries is quarantined as a failed range
// in the checkpoint blob rather than stopping the pool; the operator
// re-runs a narrowed range to retry it. Slice size adapts to heap
// pressure through the MemoryOptimizer.
package backfill
