// Package syncer drives the incremental sync loop: lease the table,
// stream rows past the committed watermark, scrub and enrich each row,
// upsert the batch, then advance the checkpoint. One writer per table;
// a held lease makes a concurrent run skip rather than collide.
//
// Enrichment failures degrade by kind. Malformed model output drops
// only that row's enrichment; budget exhaustion and an open circuit
// either abort the run (hard_gate) or flip the rest of it to the
// rule-based fallback extractor (soft_degrade).
package syncer
