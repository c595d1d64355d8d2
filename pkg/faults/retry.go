package faults

import (
	"context"
	"math/rand"
	"time"

	"github.com/datalab/medsync/pkg/log"
	"github.com/datalab/medsync/pkg/metrics"
)

// RetryPolicy bounds the retry loop for transient failures
type RetryPolicy struct {
	MaxRetries   int           // retries after the first attempt
	InitialDelay time.Duration // delay before the first retry
	MaxDelay     time.Duration // cap on the exponential growth
	Jitter       float64       // fraction of the delay randomized both ways
}

// DefaultRetryPolicy matches the pipeline defaults (3 retries, 5s base)
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 5 * time.Second,
		MaxDelay:     60 * time.Second,
		Jitter:       0.2,
	}
}

// Delay computes the backoff before retry number attempt (0-based):
// initial * 2^attempt, capped at MaxDelay, with +-Jitter applied.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.InitialDelay
	for i := 0; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		spread := float64(d) * p.Jitter
		d = time.Duration(float64(d) - spread + rand.Float64()*2*spread)
	}
	return d
}

// Retry runs fn up to MaxRetries+1 times while the failure stays Transient.
// Exhausted retries escalate the last error to Persistent. Non-transient
// failures return immediately without consuming the retry budget.
func Retry(ctx context.Context, op string, p RetryPolicy, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := p.Delay(attempt - 1)
			log.Logger.Warn().
				Str("op", op).
				Int("attempt", attempt).
				Int("max_retries", p.MaxRetries).
				Dur("delay", delay).
				Err(err).
				Msg("Retrying after transient failure")
			metrics.RetriesTotal.WithLabelValues(op).Inc()

			select {
			case <-ctx.Done():
				return New(Persistent, op, ctx.Err())
			case <-time.After(delay):
			}
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
	}

	// Transient failure survived the whole budget; escalate.
	return New(Persistent, op, err)
}
