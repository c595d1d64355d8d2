package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/datalab/medsync/pkg/log"
	"github.com/datalab/medsync/pkg/metrics"
	"github.com/datalab/medsync/pkg/types"
)

// Alert rules the reporter can fire
const (
	RuleCostThreshold = "cost_threshold"
	RuleErrorRate     = "error_rate"
	RuleBreakerOpen   = "breaker_open"
	RuleSLOOverrun    = "slo_overrun"
	RuleLowThroughput = "low_throughput"
)

const (
	// errorRateWindow and errorRateThreshold define the alert rule: more
	// than 10% failures over the last five minutes
	errorRateWindow    = 5 * time.Minute
	errorRateThreshold = 0.10

	// minWindowEvents keeps one early failure from tripping the rule
	minWindowEvents = 10

	// alertCooldown throttles repeat alerts per rule and table
	alertCooldown = 5 * time.Minute
)

// Alert is one threshold crossing dispatched to the notifiers
type Alert struct {
	Rule    string    `json:"rule"`
	Table   string    `json:"table,omitempty"`
	Message string    `json:"message"`
	Value   float64   `json:"value"`
	At      time.Time `json:"at"`
}

// Notifier delivers alerts. Delivery is best effort; a failing notifier is
// logged and never fails the pipeline.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

type event struct {
	at time.Time
	ok bool
}

// Reporter tracks pipeline progress and dispatches alerts on threshold
// crossings. One Reporter per process; safe for concurrent use.
type Reporter struct {
	mu        sync.Mutex
	notifiers []Notifier
	window    []event
	lastFired map[string]time.Time
	sloLimit  time.Duration
	minRate   float64
	now       func() time.Time
	logger    zerolog.Logger
}

// NewReporter builds a reporter with the given SLO limit (zero disables the
// rule) and notifiers.
func NewReporter(sloLimit time.Duration, notifiers ...Notifier) *Reporter {
	return &Reporter{
		notifiers: notifiers,
		lastFired: map[string]time.Time{},
		sloLimit:  sloLimit,
		now:       time.Now,
		logger:    log.WithComponent("progress"),
	}
}

// Observe records the outcome of one fallible operation and evaluates the
// error-rate rule over the sliding window.
func (r *Reporter) Observe(ok bool) {
	r.mu.Lock()
	now := r.now()
	r.window = append(r.window, event{at: now, ok: ok})
	r.trimLocked(now)
	total, failed := 0, 0
	for _, e := range r.window {
		total++
		if !e.ok {
			failed++
		}
	}
	r.mu.Unlock()

	if total >= minWindowEvents {
		rate := float64(failed) / float64(total)
		if rate > errorRateThreshold {
			r.fire(Alert{
				Rule:    RuleErrorRate,
				Message: fmt.Sprintf("error rate %.1f%% over the last %s", rate*100, errorRateWindow),
				Value:   rate,
				At:      now,
			})
		}
	}
}

func (r *Reporter) trimLocked(now time.Time) {
	cutoff := now.Add(-errorRateWindow)
	i := 0
	for i < len(r.window) && r.window[i].at.Before(cutoff) {
		i++
	}
	r.window = r.window[i:]
}

// ErrorRate returns the failure ratio over the sliding window
func (r *Reporter) ErrorRate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trimLocked(r.now())
	if len(r.window) == 0 {
		return 0
	}
	failed := 0
	for _, e := range r.window {
		if !e.ok {
			failed++
		}
	}
	return float64(failed) / float64(len(r.window))
}

// CostAlert is wired into the cost tracker's threshold hook
func (r *Reporter) CostAlert(totalUSD float64) {
	r.fire(Alert{
		Rule:    RuleCostThreshold,
		Message: fmt.Sprintf("AI spend reached %.2f USD", totalUSD),
		Value:   totalUSD,
		At:      r.now(),
	})
}

// BreakerAlert reports a circuit opening for a dependency
func (r *Reporter) BreakerAlert(dependency string) {
	r.fire(Alert{
		Rule:    RuleBreakerOpen,
		Table:   dependency,
		Message: fmt.Sprintf("circuit breaker open for %s", dependency),
		Value:   1,
		At:      r.now(),
	})
}

// CheckSLO fires when a finished run exceeded its duration objective
func (r *Reporter) CheckSLO(table string, elapsed time.Duration) {
	if r.sloLimit <= 0 || elapsed <= r.sloLimit {
		return
	}
	r.fire(Alert{
		Rule:    RuleSLOOverrun,
		Table:   table,
		Message: fmt.Sprintf("run took %s, objective %s", elapsed.Round(time.Second), r.sloLimit),
		Value:   elapsed.Seconds(),
		At:      r.now(),
	})
}

// SetMinThroughput arms the low-throughput rule; zero disables it
func (r *Reporter) SetMinThroughput(rowsPerSec float64) {
	r.mu.Lock()
	r.minRate = rowsPerSec
	r.mu.Unlock()
}

// CheckThroughput fires when a finished run moved rows slower than the
// floor. Runs that moved nothing are exempt; empty is not slow.
func (r *Reporter) CheckThroughput(table string, rate float64, rows int64) {
	r.mu.Lock()
	floor := r.minRate
	r.mu.Unlock()
	if floor <= 0 || rows == 0 || rate >= floor {
		return
	}
	r.fire(Alert{
		Rule:    RuleLowThroughput,
		Table:   table,
		Message: fmt.Sprintf("throughput %.1f rows/s below floor %.1f", rate, floor),
		Value:   rate,
		At:      r.now(),
	})
}

// fire dispatches the alert unless the same rule and table fired within the
// cooldown
func (r *Reporter) fire(a Alert) {
	key := a.Rule + "/" + a.Table
	r.mu.Lock()
	if last, ok := r.lastFired[key]; ok && a.At.Sub(last) < alertCooldown {
		r.mu.Unlock()
		return
	}
	r.lastFired[key] = a.At
	notifiers := r.notifiers
	r.mu.Unlock()

	metrics.AlertsTotal.WithLabelValues(a.Rule).Inc()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, n := range notifiers {
		if err := n.Notify(ctx, a); err != nil {
			r.logger.Warn().Str("rule", a.Rule).Err(err).Msg("alert delivery failed")
		}
	}
}

// Run tracks one table's run for rate and ETA derivation
type Run struct {
	reporter *Reporter
	table    string
	started  time.Time
	total    int64

	mu   sync.Mutex
	rows int64
}

// StartRun begins tracking a run. total may be zero when the expected row
// count is unknown, which disables the ETA.
func (r *Reporter) StartRun(table string, total int64) *Run {
	return &Run{reporter: r, table: table, started: r.now(), total: total}
}

// AddRows records committed rows
func (t *Run) AddRows(n int) {
	t.mu.Lock()
	t.rows += int64(n)
	t.mu.Unlock()
}

// Rows returns the rows committed so far
func (t *Run) Rows() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rows
}

// Rate returns committed rows per second since the run started
func (t *Run) Rate() float64 {
	elapsed := t.reporter.now().Sub(t.started).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(t.Rows()) / elapsed
}

// ETA estimates the remaining duration from the current rate. Zero when the
// total is unknown or the run has not moved yet.
func (t *Run) ETA() time.Duration {
	rate := t.Rate()
	if t.total <= 0 || rate <= 0 {
		return 0
	}
	remaining := t.total - t.Rows()
	if remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining)/rate) * time.Second
}

// Finish closes the run: records the run metric, evaluates the SLO rule,
// and returns the one-line summary the CLI prints per table.
func (t *Run) Finish(status types.SyncStatus, cause error) string {
	elapsed := t.reporter.now().Sub(t.started)
	metrics.RunsTotal.WithLabelValues(t.table, string(status)).Inc()
	t.reporter.CheckSLO(t.table, elapsed)
	t.reporter.CheckThroughput(t.table, t.Rate(), t.Rows())

	if cause != nil {
		return fmt.Sprintf("table=%s status=%s error=%v", t.table, status, cause)
	}
	return fmt.Sprintf("table=%s status=%s rows=%d duration=%.0fs",
		t.table, status, t.Rows(), elapsed.Seconds())
}
