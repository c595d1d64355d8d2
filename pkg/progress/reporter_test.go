package progress

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datalab/medsync/pkg/types"
)

type captureNotifier struct {
	mu     sync.Mutex
	alerts []Alert
}

func (n *captureNotifier) Notify(_ context.Context, a Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return nil
}

func (n *captureNotifier) byRule(rule string) []Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Alert
	for _, a := range n.alerts {
		if a.Rule == rule {
			out = append(out, a)
		}
	}
	return out
}

// fakeClock drives the reporter deterministically
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestReporter(slo time.Duration) (*Reporter, *captureNotifier, *fakeClock) {
	n := &captureNotifier{}
	clock := &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	r := NewReporter(slo, n)
	r.now = clock.now
	return r, n, clock
}

func TestErrorRateAlertNeedsWindowDepth(t *testing.T) {
	r, n, _ := newTestReporter(0)

	// a single early failure must not trip the rule
	r.Observe(false)
	assert.Empty(t, n.byRule(RuleErrorRate))

	for i := 0; i < 8; i++ {
		r.Observe(true)
	}
	r.Observe(false) // 2 failures out of 10 = 20%
	assert.Len(t, n.byRule(RuleErrorRate), 1)
}

func TestErrorRateBelowThresholdStaysQuiet(t *testing.T) {
	r, n, _ := newTestReporter(0)
	for i := 0; i < 19; i++ {
		r.Observe(true)
	}
	r.Observe(false) // 5%
	assert.Empty(t, n.byRule(RuleErrorRate))
	assert.InDelta(t, 0.05, r.ErrorRate(), 1e-9)
}

func TestErrorRateWindowSlides(t *testing.T) {
	r, _, clock := newTestReporter(0)
	for i := 0; i < 10; i++ {
		r.Observe(false)
	}
	assert.InDelta(t, 1.0, r.ErrorRate(), 1e-9)

	clock.advance(6 * time.Minute)
	assert.Zero(t, r.ErrorRate(), "events older than the window must drop out")
}

func TestAlertCooldownThrottlesRepeats(t *testing.T) {
	r, n, clock := newTestReporter(0)

	r.CostAlert(55)
	r.CostAlert(56)
	assert.Len(t, n.byRule(RuleCostThreshold), 1)

	clock.advance(alertCooldown + time.Second)
	r.CostAlert(70)
	assert.Len(t, n.byRule(RuleCostThreshold), 2)
}

func TestSLOOverrun(t *testing.T) {
	r, n, clock := newTestReporter(time.Minute)

	run := r.StartRun("notification_text", 0)
	clock.advance(90 * time.Second)
	summary := run.Finish(types.SyncStatusCompleted, nil)

	assert.Contains(t, summary, "table=notification_text")
	assert.Contains(t, summary, "status=completed")
	assert.Len(t, n.byRule(RuleSLOOverrun), 1)
}

func TestRunRateAndETA(t *testing.T) {
	r, _, clock := newTestReporter(0)
	run := r.StartRun("notification_text", 1000)

	clock.advance(10 * time.Second)
	run.AddRows(100)

	assert.InDelta(t, 10.0, run.Rate(), 1e-9)
	assert.Equal(t, 90*time.Second, run.ETA())
}

func TestRunETAUnknownTotal(t *testing.T) {
	r, _, clock := newTestReporter(0)
	run := r.StartRun("notification_text", 0)
	clock.advance(time.Second)
	run.AddRows(5)
	assert.Zero(t, run.ETA())
}

func TestFinishSummaryLines(t *testing.T) {
	r, _, clock := newTestReporter(0)

	run := r.StartRun("notification_text", 0)
	run.AddRows(42)
	clock.advance(3 * time.Second)
	assert.Equal(t, "table=notification_text status=completed rows=42 duration=3s",
		run.Finish(types.SyncStatusCompleted, nil))

	failed := r.StartRun("notification_text", 0)
	summary := failed.Finish(types.SyncStatusFailed, assert.AnError)
	assert.Contains(t, summary, "status=failed error=")
}

func TestLowThroughputAlert(t *testing.T) {
	r, n, clock := newTestReporter(0)
	r.SetMinThroughput(50)

	run := r.StartRun("notification_text", 0)
	run.AddRows(100)
	clock.advance(10 * time.Second) // 10 rows/s, floor is 50
	run.Finish(types.SyncStatusCompleted, nil)

	alerts := n.byRule(RuleLowThroughput)
	require.Len(t, alerts, 1)
	assert.InDelta(t, 10.0, alerts[0].Value, 1e-9)
}

func TestLowThroughputSkipsEmptyRuns(t *testing.T) {
	r, n, clock := newTestReporter(0)
	r.SetMinThroughput(50)

	run := r.StartRun("notification_text", 0)
	clock.advance(10 * time.Second)
	run.Finish(types.SyncStatusCompleted, nil)

	assert.Empty(t, n.byRule(RuleLowThroughput))
}

func TestBreakerAlert(t *testing.T) {
	r, n, _ := newTestReporter(0)
	r.BreakerAlert("ai")
	alerts := n.byRule(RuleBreakerOpen)
	require.Len(t, alerts, 1)
	assert.Equal(t, "ai", alerts[0].Table)
}

func TestWebhookNotifier(t *testing.T) {
	var got Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		require.NoError(t, json.NewDecoder(req.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	err := n.Notify(context.Background(), Alert{Rule: RuleCostThreshold, Message: "spend", Value: 51})
	require.NoError(t, err)
	assert.Equal(t, RuleCostThreshold, got.Rule)
	assert.InDelta(t, 51.0, got.Value, 1e-9)
}

func TestWebhookNotifierErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL).Notify(context.Background(), Alert{Rule: RuleErrorRate})
	assert.Error(t, err)
}
