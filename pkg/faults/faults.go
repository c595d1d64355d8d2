package faults

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure for retry and propagation policy
type Kind string

const (
	// Transient failures (connection reset, deadlock, 429, 5xx, timeout)
	// are retried with exponential backoff, then escalated to Persistent.
	Transient Kind = "transient"

	// Persistent failures (auth, schema mismatch, invalid config) are never
	// retried; the current run aborts and the error surfaces to the operator.
	Persistent Kind = "persistent"

	// Data failures (constraint violation on a single row) are routed to the
	// dead-letter table via batch bisection and never stop the pipeline.
	Data Kind = "data"

	// CircuitOpen failures reject calls fast while a dependency's breaker is
	// open. They fail the run but do not count against peer dependencies.
	CircuitOpen Kind = "circuit_open"

	// Budget failures gate further AI calls once the cost threshold is
	// exceeded under the hard_gate policy.
	Budget Kind = "budget"
)

// Error carries a failure kind alongside the wrapped cause
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a kind and operation name
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string
func Errorf(kind Kind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Sentinel builds a classified error suitable for package-level declaration
// and errors.Is comparison
func Sentinel(kind Kind, msg string) error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

// KindOf walks the error chain and returns the innermost classification.
// Context deadline errors classify as Transient. Unclassified errors also
// classify as Transient so they get the retry budget before escalating.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	if errors.Is(err, context.Canceled) {
		return Persistent
	}
	return Transient
}

// IsRetryable reports whether the retry loop may attempt err again
func IsRetryable(err error) bool {
	return KindOf(err) == Transient
}
