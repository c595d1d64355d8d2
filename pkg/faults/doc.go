/*
Package faults implements the pipeline error taxonomy and retry discipline.

Every fallible boundary in medsync classifies its failures into one of five
kinds, and the treatment follows from the kind alone:

	Transient    retry with exponential backoff, then escalate to Persistent
	Persistent   abort the run, surface to the operator, no automatic recovery
	Data         bisect the batch, quarantine the row, keep going
	CircuitOpen  fail fast while the dependency's breaker is open
	Budget       gate further AI calls once the cost threshold trips

Classification travels inside the error chain: wrap causes with faults.New or
declare package-level sentinels with faults.Sentinel, and KindOf recovers the
kind through any number of %w wrappings. Unclassified errors are treated as
Transient so unknown blips get the retry budget before they can abort a run.

The retry loop is Retry(ctx, op, policy, fn): at most MaxRetries+1 attempts,
delay doubling from InitialDelay up to MaxDelay with +-20% jitter, aborting
early on context cancellation, and escalating an exhausted Transient failure
to Persistent so callers never loop forever.
*/
package faults
