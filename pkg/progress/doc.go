// Package progress derives operator-facing signals from the pipeline:
// per-run rate and ETA, the one-line summaries the CLI prints per table,
// and threshold alerts.
//
// The Reporter fires on four rules: AI spend crossing its threshold, the
// failure ratio exceeding 10% over a five-minute sliding window, a circuit
// breaker opening, and a run overshooting its duration objective. Each
// rule is throttled with a cooldown so a sustained condition produces one
// alert, not a flood.
//
// Delivery is a capability. Notifiers plug into the Reporter; the package
// ships a structured-log notifier, always a safe default, and a webhook
// notifier that POSTs the alert as JSON. Prometheus counters are updated
// regardless of which notifiers are installed. A failing notifier is
// logged and never affects the pipeline.
package progress
