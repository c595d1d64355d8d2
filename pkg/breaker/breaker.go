package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/datalab/medsync/pkg/faults"
	"github.com/datalab/medsync/pkg/log"
	"github.com/datalab/medsync/pkg/metrics"
)

// ErrOpen is returned while the breaker rejects calls fast
var ErrOpen = faults.Sentinel(faults.CircuitOpen, "circuit breaker open")

// Settings tunes one dependency's breaker
type Settings struct {
	// MinRequests is the minimum number of calls in the window before the
	// failure ratio is considered at all
	MinRequests uint32

	// FailureRatio trips the breaker when reached within the window
	FailureRatio float64

	// Window is the rolling interval over which counts accumulate
	Window time.Duration

	// Cooldown is how long the breaker stays open before a half-open probe
	Cooldown time.Duration

	// HalfOpenMax is the number of probe calls allowed while half-open
	HalfOpenMax uint32
}

// DefaultSettings is tuned for external dependencies: trip after 60% failures
// over at least 5 calls in a 30s window, probe after a 30s cooldown.
func DefaultSettings() Settings {
	return Settings{
		MinRequests:  5,
		FailureRatio: 0.6,
		Window:       30 * time.Second,
		Cooldown:     30 * time.Second,
		HalfOpenMax:  1,
	}
}

// Breaker wraps one external dependency with a circuit breaker. A Breaker is
// a process-wide singleton per dependency; construct it once at startup.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

// New creates a breaker for the named dependency
func New(name string, s Settings) *Breaker {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: s.HalfOpenMax,
		Interval:    s.Window,
		Timeout:     s.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < s.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= s.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger := log.WithComponent("breaker")
			logger.Warn().
				Str("dependency", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
			metrics.BreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})

	metrics.BreakerState.WithLabelValues(name).Set(stateValue(gobreaker.StateClosed))
	return &Breaker{name: name, cb: cb}
}

// Name returns the dependency name
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current breaker state as a string
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Open reports whether the breaker currently rejects calls
func (b *Breaker) Open() bool {
	return b.cb.State() == gobreaker.StateOpen
}

// Do runs fn through the breaker. While open, Do fails fast with ErrOpen
// without invoking fn. Failures with kinds other than Transient do not count
// against the breaker: a single poison row must not open the circuit.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	res, err := b.cb.Execute(func() (interface{}, error) {
		if err := fn(ctx); err != nil {
			if faults.KindOf(err) == faults.Transient {
				return nil, err
			}
			// Return non-transient errors as the result so they bypass the
			// failure counter.
			return err, nil
		}
		return nil, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return faults.New(faults.CircuitOpen, b.name, ErrOpen)
		}
		return err
	}
	if passthrough, ok := res.(error); ok {
		return passthrough
	}
	return nil
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
