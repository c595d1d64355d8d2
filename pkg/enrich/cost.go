package enrich

import (
	"sync"

	"github.com/datalab/medsync/pkg/config"
	"github.com/datalab/medsync/pkg/metrics"
)

// Pricing holds per-1000-token USD rates for one model family
type Pricing struct {
	PromptPer1K     float64
	CompletionPer1K float64
	EmbeddingPer1K  float64
}

// DefaultPricing matches the GPT-4o / text-embedding-3-small rate card
func DefaultPricing() Pricing {
	return Pricing{
		PromptPer1K:     0.0025,
		CompletionPer1K: 0.01,
		EmbeddingPer1K:  0.00002,
	}
}

// CostSnapshot is a point-in-time view of the accumulators
type CostSnapshot struct {
	PromptTokens     int64
	CompletionTokens int64
	EmbeddingTokens  int64
	TotalUSD         float64
}

// CostTracker accumulates token usage and estimated spend for one process.
// Once the estimated spend crosses the alert threshold it fires the alert
// hook exactly once and gates every subsequent call with ErrBudgetExceeded.
// Safe for concurrent use.
type CostTracker struct {
	mu       sync.Mutex
	pricing  Pricing
	alertUSD float64
	policy   config.BudgetPolicy
	onAlert  func(totalUSD float64)
	alerted  bool

	promptTokens     int64
	completionTokens int64
	embeddingTokens  int64
}

// NewCostTracker builds a tracker with the configured threshold and policy
func NewCostTracker(pricing Pricing, alertUSD float64, policy config.BudgetPolicy) *CostTracker {
	return &CostTracker{pricing: pricing, alertUSD: alertUSD, policy: policy}
}

// SetAlertFunc installs the hook fired when spend first crosses the
// threshold. Install before the first call.
func (c *CostTracker) SetAlertFunc(fn func(totalUSD float64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAlert = fn
}

// Policy returns the configured budget policy
func (c *CostTracker) Policy() config.BudgetPolicy {
	return c.policy
}

// AddChat records the billed tokens of one completion call
func (c *CostTracker) AddChat(promptTokens, completionTokens int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.promptTokens += int64(promptTokens)
	c.completionTokens += int64(completionTokens)
	delta := c.pricing.PromptPer1K*float64(promptTokens)/1000 +
		c.pricing.CompletionPer1K*float64(completionTokens)/1000
	metrics.AITokensTotal.WithLabelValues("prompt").Add(float64(promptTokens))
	metrics.AITokensTotal.WithLabelValues("completion").Add(float64(completionTokens))
	metrics.AICostUSD.Add(delta)
}

// AddEmbedding records the billed tokens of one embedding call
func (c *CostTracker) AddEmbedding(tokens int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.embeddingTokens += int64(tokens)
	metrics.AITokensTotal.WithLabelValues("embedding").Add(float64(tokens))
	metrics.AICostUSD.Add(c.pricing.EmbeddingPer1K * float64(tokens) / 1000)
}

// EstimateChatUSD prices a prospective completion call
func (c *CostTracker) EstimateChatUSD(promptTokens, completionTokens int) float64 {
	return c.pricing.PromptPer1K*float64(promptTokens)/1000 +
		c.pricing.CompletionPer1K*float64(completionTokens)/1000
}

// EstimateEmbeddingUSD prices a prospective embedding call
func (c *CostTracker) EstimateEmbeddingUSD(tokens int) float64 {
	return c.pricing.EmbeddingPer1K * float64(tokens) / 1000
}

// TotalUSD returns the estimated spend so far
func (c *CostTracker) TotalUSD() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalLocked()
}

func (c *CostTracker) totalLocked() float64 {
	return c.pricing.PromptPer1K*float64(c.promptTokens)/1000 +
		c.pricing.CompletionPer1K*float64(c.completionTokens)/1000 +
		c.pricing.EmbeddingPer1K*float64(c.embeddingTokens)/1000
}

// Snapshot returns the current accumulator values
func (c *CostTracker) Snapshot() CostSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CostSnapshot{
		PromptTokens:     c.promptTokens,
		CompletionTokens: c.completionTokens,
		EmbeddingTokens:  c.embeddingTokens,
		TotalUSD:         c.totalLocked(),
	}
}

// Gate admits or rejects a prospective call costing estimateUSD. Crossing
// the threshold fires the alert hook once; after that every call is
// rejected with ErrBudgetExceeded and the orchestrator applies its policy,
// aborting under hard_gate or continuing without enrichment under
// soft_degrade.
func (c *CostTracker) Gate(estimateUSD float64) error {
	c.mu.Lock()
	total := c.totalLocked()
	over := total+estimateUSD > c.alertUSD
	fire := over && !c.alerted
	if fire {
		c.alerted = true
	}
	hook := c.onAlert
	c.mu.Unlock()

	if fire && hook != nil {
		hook(total)
	}
	if over {
		return ErrBudgetExceeded
	}
	return nil
}
