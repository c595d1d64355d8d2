package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/datalab/medsync/pkg/breaker"
	"github.com/datalab/medsync/pkg/config"
	"github.com/datalab/medsync/pkg/faults"
	"github.com/datalab/medsync/pkg/log"
	"github.com/datalab/medsync/pkg/metrics"
	"github.com/datalab/medsync/pkg/types"
)

const (
	maxCompletionTokens = 800

	// jsonRetries bounds validation-failure retries with a stiffened prompt
	jsonRetries = 2

	// maxLimiterWait bounds how long a caller blocks on the token bucket
	// before failing with ErrRateLimited
	maxLimiterWait = 30 * time.Second

	maxEmbedInputsPerRequest = 16
	maxEmbedTokensPerRequest = 8000
)

// Client performs structured extraction and embedding against the AI
// endpoint, with rate limiting, circuit breaking, cost gating, and an
// embedding cache in front of the network. Safe for concurrent use.
type Client struct {
	transport    Transport
	limiter      *rate.Limiter
	brk          *breaker.Breaker
	costs        *CostTracker
	cache        *EmbedCache
	modelVersion string
	timeout      time.Duration
	maxInFlight  int
	logger       zerolog.Logger
}

// New wires the client. The breaker is created here: one per process for
// the AI dependency.
func New(cfg config.AI, transport Transport, costs *CostTracker, cache *EmbedCache) *Client {
	burst := int(cfg.RateLimitRPS)
	if burst < 1 {
		burst = 1
	}
	return &Client{
		transport:    transport,
		limiter:      rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst),
		brk:          breaker.New("ai", breaker.DefaultSettings()),
		costs:        costs,
		cache:        cache,
		modelVersion: cfg.ModelVersion,
		timeout:      cfg.Timeout(),
		maxInFlight:  cfg.MaxInFlight,
		logger:       log.WithComponent("enrich"),
	}
}

// ModelVersion returns the configured model version string
func (c *Client) ModelVersion() string {
	return c.modelVersion
}

// Costs exposes the tracker for reporting
func (c *Client) Costs() *CostTracker {
	return c.costs
}

// Extract asks the model for the structured fields of one work-order text.
// Responses that fail JSON validation are retried up to jsonRetries times
// with a stiffened prompt, then surfaced as ErrMalformed so the caller can
// quarantine the enrichment and keep the raw row.
func (c *Client) Extract(ctx context.Context, text string) (*types.Extraction, error) {
	for attempt := 0; attempt <= jsonRetries; attempt++ {
		messages := buildExtractionMessages(text, attempt > 0)

		est := c.costs.EstimateChatUSD(estimateMessages(messages), maxCompletionTokens)
		if err := c.costs.Gate(est); err != nil {
			metrics.AICallsTotal.WithLabelValues("chat", "budget").Inc()
			return nil, err
		}

		resp, err := c.callChat(ctx, ChatRequest{
			Messages:  messages,
			MaxTokens: maxCompletionTokens,
		})
		if err != nil {
			metrics.AICallsTotal.WithLabelValues("chat", "error").Inc()
			return nil, err
		}
		c.costs.AddChat(resp.PromptTokens, resp.CompletionTokens)

		extraction, err := parseExtraction(resp.Content)
		if err != nil {
			metrics.AICallsTotal.WithLabelValues("chat", "malformed").Inc()
			c.logger.Warn().Int("attempt", attempt).Err(err).Msg("extraction output failed validation")
			continue
		}
		metrics.AICallsTotal.WithLabelValues("chat", "ok").Inc()
		extraction.ModelVersion = c.modelVersion
		extraction.ExtractedAt = time.Now().UTC()
		return extraction, nil
	}
	return nil, fmt.Errorf("%w after %d attempts", ErrMalformed, jsonRetries+1)
}

// ExtractBatch runs Extract over the slice with bounded parallelism.
// Results align with the input by index; the first failure cancels the
// rest.
func (c *Client) ExtractBatch(ctx context.Context, texts []string) ([]*types.Extraction, error) {
	results := make([]*types.Extraction, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxInFlight)
	for i, text := range texts {
		i, text := i, text
		g.Go(func() error {
			e, err := c.Extract(gctx, text)
			if err != nil {
				return err
			}
			results[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Embed returns the vector for one post-scrub text. Cache hits bypass both
// the network and the rate limiter, which also makes stored vectors stable
// across re-runs of the same text and model version.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	key := CacheKey(text, c.modelVersion)
	if vec, ok := c.cache.Get(key); ok {
		return vec, nil
	}

	est := EstimateTokens(text)
	if err := c.costs.Gate(c.costs.EstimateEmbeddingUSD(est)); err != nil {
		metrics.AICallsTotal.WithLabelValues("embed", "budget").Inc()
		return nil, err
	}
	if err := c.waitLimiter(ctx); err != nil {
		metrics.AICallsTotal.WithLabelValues("embed", "rate_limited").Inc()
		return nil, err
	}

	var resp *EmbedResponse
	err := c.brk.Do(ctx, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		var err error
		resp, err = c.transport.Embed(cctx, []string{text})
		return err
	})
	if err != nil {
		metrics.AICallsTotal.WithLabelValues("embed", "error").Inc()
		return nil, err
	}
	if len(resp.Vectors) != 1 {
		metrics.AICallsTotal.WithLabelValues("embed", "malformed").Inc()
		return nil, fmt.Errorf("%w: %d vectors for 1 input", ErrMalformed, len(resp.Vectors))
	}
	vec := resp.Vectors[0]
	if len(vec) != types.EmbeddingDim {
		metrics.AICallsTotal.WithLabelValues("embed", "malformed").Inc()
		return nil, fmt.Errorf("%w: vector dimension %d, want %d", ErrMalformed, len(vec), types.EmbeddingDim)
	}
	metrics.AICallsTotal.WithLabelValues("embed", "ok").Inc()
	c.costs.AddEmbedding(resp.PromptTokens)
	c.cache.Put(key, vec)
	return vec, nil
}

// EmbedBatch returns one vector per text, serving what it can from the
// cache and chunking the misses by input count and token budget.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	var missIdx []int
	for i, text := range texts {
		if vec, ok := c.cache.Get(CacheKey(text, c.modelVersion)); ok {
			results[i] = vec
		} else {
			missIdx = append(missIdx, i)
		}
	}

	chunks := chunkByBudget(texts, missIdx)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxInFlight)
	for _, chunk := range chunks {
		chunk := chunk
		g.Go(func() error {
			return c.embedChunk(gctx, texts, chunk, results)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Client) embedChunk(ctx context.Context, texts []string, idx []int, results [][]float32) error {
	inputs := make([]string, len(idx))
	tokens := 0
	for i, j := range idx {
		inputs[i] = texts[j]
		tokens += EstimateTokens(texts[j])
	}
	if err := c.costs.Gate(c.costs.EstimateEmbeddingUSD(tokens)); err != nil {
		metrics.AICallsTotal.WithLabelValues("embed", "budget").Inc()
		return err
	}
	if err := c.waitLimiter(ctx); err != nil {
		metrics.AICallsTotal.WithLabelValues("embed", "rate_limited").Inc()
		return err
	}

	var resp *EmbedResponse
	err := c.brk.Do(ctx, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		var err error
		resp, err = c.transport.Embed(cctx, inputs)
		return err
	})
	if err != nil {
		metrics.AICallsTotal.WithLabelValues("embed", "error").Inc()
		return err
	}
	if len(resp.Vectors) != len(idx) {
		metrics.AICallsTotal.WithLabelValues("embed", "malformed").Inc()
		return fmt.Errorf("%w: %d vectors for %d inputs", ErrMalformed, len(resp.Vectors), len(idx))
	}
	for i, j := range idx {
		vec := resp.Vectors[i]
		if len(vec) != types.EmbeddingDim {
			metrics.AICallsTotal.WithLabelValues("embed", "malformed").Inc()
			return fmt.Errorf("%w: vector dimension %d, want %d", ErrMalformed, len(vec), types.EmbeddingDim)
		}
		results[j] = vec
		c.cache.Put(CacheKey(texts[j], c.modelVersion), vec)
	}
	metrics.AICallsTotal.WithLabelValues("embed", "ok").Inc()
	c.costs.AddEmbedding(resp.PromptTokens)
	return nil
}

// chunkByBudget splits the miss indices into request-sized chunks
func chunkByBudget(texts []string, missIdx []int) [][]int {
	var chunks [][]int
	var current []int
	tokens := 0
	for _, i := range missIdx {
		t := EstimateTokens(texts[i])
		if len(current) > 0 && (len(current) >= maxEmbedInputsPerRequest || tokens+t > maxEmbedTokensPerRequest) {
			chunks = append(chunks, current)
			current = nil
			tokens = 0
		}
		current = append(current, i)
		tokens += t
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

func (c *Client) callChat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := c.waitLimiter(ctx); err != nil {
		return nil, err
	}
	var resp *ChatResponse
	err := c.brk.Do(ctx, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		var err error
		resp, err = c.transport.Chat(cctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) waitLimiter(ctx context.Context) error {
	wctx, cancel := context.WithTimeout(ctx, maxLimiterWait)
	defer cancel()
	if err := c.limiter.Wait(wctx); err != nil {
		if ctx.Err() != nil {
			return faults.New(faults.KindOf(ctx.Err()), "enrich.rate", ctx.Err())
		}
		return fmt.Errorf("%w: no token within %s", ErrRateLimited, maxLimiterWait)
	}
	return nil
}

// extractionPayload mirrors the structured-output contract
type extractionPayload struct {
	Keywords       []string `json:"keywords"`
	PrimarySymptom string   `json:"primary_symptom"`
	RootCause      string   `json:"root_cause"`
	Summary        string   `json:"summary"`
	Solution       string   `json:"solution"`
	SolutionType   string   `json:"solution_type"`
	Components     []string `json:"components"`
	Processes      []string `json:"processes"`
	MainComponent  string   `json:"main_component"`
	MainProcess    string   `json:"main_process"`
	Confidence     *float64 `json:"confidence"`
}

// parseExtraction validates the model output against the contract. Markdown
// fences are tolerated since models sneak them in despite instructions.
func parseExtraction(content string) (*types.Extraction, error) {
	trimmed := strings.TrimSpace(content)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var p extractionPayload
	if err := json.Unmarshal([]byte(trimmed), &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.Confidence == nil {
		return nil, fmt.Errorf("%w: missing confidence", ErrMalformed)
	}
	if *p.Confidence < 0 || *p.Confidence > 1 {
		return nil, fmt.Errorf("%w: confidence %v out of range", ErrMalformed, *p.Confidence)
	}
	if p.Summary == "" {
		return nil, fmt.Errorf("%w: empty summary", ErrMalformed)
	}
	return &types.Extraction{
		Keywords:       emptyIfNil(p.Keywords),
		PrimarySymptom: p.PrimarySymptom,
		RootCause:      p.RootCause,
		Summary:        p.Summary,
		Solution:       p.Solution,
		SolutionType:   p.SolutionType,
		Components:     emptyIfNil(p.Components),
		Processes:      emptyIfNil(p.Processes),
		MainComponent:  p.MainComponent,
		MainProcess:    p.MainProcess,
		Confidence:     *p.Confidence,
	}, nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
