/*
Package breaker wraps sony/gobreaker with the pipeline's failure semantics.

One Breaker exists per external dependency (warehouse, sink, AI endpoint),
constructed once at startup and shared process-wide. The state machine is the
standard closed -> open -> half-open -> closed cycle: the breaker trips when
the failure ratio over the rolling window crosses the threshold with enough
samples, rejects calls fast with ErrOpen while open, and lets a bounded number
of probes through after the cooldown.

Two behaviors differ from a bare gobreaker:

  - Only Transient failures count toward the trip threshold. A poison row
    (Data) or an exhausted budget (Budget) is not evidence that the dependency
    is down, so those pass through without feeding the failure counter.
  - Rejections surface as faults.CircuitOpen, so the orchestrator can fail the
    affected run without incrementing the failure counts of peer dependencies.

State transitions are logged and exported on the medsync_breaker_state gauge.
*/
package breaker
