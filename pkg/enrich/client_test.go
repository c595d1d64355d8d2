package enrich

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datalab/medsync/pkg/config"
	"github.com/datalab/medsync/pkg/faults"
	"github.com/datalab/medsync/pkg/types"
)

type fakeTransport struct {
	mu         sync.Mutex
	chatFn     func(req ChatRequest) (*ChatResponse, error)
	embedFn    func(texts []string) (*EmbedResponse, error)
	chatCalls  int
	embedCalls int
	lastChat   ChatRequest
}

func (f *fakeTransport) Chat(_ context.Context, req ChatRequest) (*ChatResponse, error) {
	f.mu.Lock()
	f.chatCalls++
	f.lastChat = req
	fn := f.chatFn
	f.mu.Unlock()
	return fn(req)
}

func (f *fakeTransport) Embed(_ context.Context, texts []string) (*EmbedResponse, error) {
	f.mu.Lock()
	f.embedCalls++
	fn := f.embedFn
	f.mu.Unlock()
	return fn(texts)
}

func testAIConfig() config.AI {
	return config.AI{
		Endpoint:        "https://unit.test",
		ChatDeployment:  "chat",
		EmbedDeployment: "embed",
		ModelVersion:    "gpt-4o-2024",
		RateLimitRPS:    1000,
		TimeoutMS:       5000,
		CostAlertUSD:    100,
		BudgetPolicy:    config.BudgetHardGate,
		MaxInFlight:     4,
		CacheEntries:    64,
	}
}

func newTestClient(t *testing.T, cfg config.AI, transport Transport) *Client {
	t.Helper()
	cache, err := NewEmbedCache(cfg.CacheEntries, "")
	require.NoError(t, err)
	costs := NewCostTracker(DefaultPricing(), cfg.CostAlertUSD, cfg.BudgetPolicy)
	return New(cfg, transport, costs, cache)
}

func vectorOfDim(n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = float32(i%7) * 0.1
	}
	return v
}

func TestExtractParsesValidResponse(t *testing.T) {
	ft := &fakeTransport{chatFn: func(ChatRequest) (*ChatResponse, error) {
		return &ChatResponse{Content: fewShotOutput, PromptTokens: 300, CompletionTokens: 90}, nil
	}}
	c := newTestClient(t, testAIConfig(), ft)

	e, err := c.Extract(context.Background(), "MRI cooling alarm")
	require.NoError(t, err)
	assert.Equal(t, "worn cold head adsorber", e.RootCause)
	assert.Equal(t, "replace", e.SolutionType)
	assert.Equal(t, "cold head adsorber", e.MainComponent)
	assert.InDelta(t, 0.92, e.Confidence, 1e-9)
	assert.Equal(t, "gpt-4o-2024", e.ModelVersion)
	assert.False(t, e.ExtractedAt.IsZero())
	assert.Equal(t, 1, ft.chatCalls)

	snap := c.Costs().Snapshot()
	assert.Equal(t, int64(300), snap.PromptTokens)
	assert.Equal(t, int64(90), snap.CompletionTokens)
}

func TestExtractStiffensPromptAfterMalformedOutput(t *testing.T) {
	responses := []string{"here is your answer: maybe", fewShotOutput}
	i := 0
	ft := &fakeTransport{}
	ft.chatFn = func(ChatRequest) (*ChatResponse, error) {
		resp := responses[i]
		i++
		return &ChatResponse{Content: resp, PromptTokens: 10, CompletionTokens: 10}, nil
	}
	c := newTestClient(t, testAIConfig(), ft)

	_, err := c.Extract(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, 2, ft.chatCalls)
	assert.Contains(t, ft.lastChat.Messages[0].Content, "ONLY the JSON object")
}

func TestExtractQuarantinesAfterRetriesExhausted(t *testing.T) {
	ft := &fakeTransport{chatFn: func(ChatRequest) (*ChatResponse, error) {
		return &ChatResponse{Content: "not json", PromptTokens: 10, CompletionTokens: 5}, nil
	}}
	c := newTestClient(t, testAIConfig(), ft)

	_, err := c.Extract(context.Background(), "text")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Equal(t, faults.Data, faults.KindOf(err))
	assert.Equal(t, jsonRetries+1, ft.chatCalls)
}

func TestExtractRejectsOverBudgetWithoutNetwork(t *testing.T) {
	ft := &fakeTransport{chatFn: func(ChatRequest) (*ChatResponse, error) {
		t.Fatal("gated call must not reach the transport")
		return nil, nil
	}}
	cfg := testAIConfig()
	cfg.CostAlertUSD = 0.0000001
	c := newTestClient(t, cfg, ft)

	_, err := c.Extract(context.Background(), "text")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBudgetExceeded)
	assert.Equal(t, faults.Budget, faults.KindOf(err))
	assert.Equal(t, 0, ft.chatCalls)
}

func TestEmbedServesRepeatsFromCache(t *testing.T) {
	ft := &fakeTransport{embedFn: func(texts []string) (*EmbedResponse, error) {
		return &EmbedResponse{Vectors: [][]float32{vectorOfDim(types.EmbeddingDim)}, PromptTokens: 12}, nil
	}}
	c := newTestClient(t, testAIConfig(), ft)

	first, err := c.Embed(context.Background(), "compressor noise")
	require.NoError(t, err)
	second, err := c.Embed(context.Background(), "compressor noise")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, ft.embedCalls, "repeat must come from cache")
	assert.Equal(t, int64(12), c.Costs().Snapshot().EmbeddingTokens)
}

func TestEmbedRejectsWrongDimension(t *testing.T) {
	ft := &fakeTransport{embedFn: func(texts []string) (*EmbedResponse, error) {
		return &EmbedResponse{Vectors: [][]float32{vectorOfDim(8)}}, nil
	}}
	c := newTestClient(t, testAIConfig(), ft)

	_, err := c.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEmbedRejectsWrongVectorCount(t *testing.T) {
	// a substitute transport returning the wrong number of vectors must
	// surface as malformed, not panic on the index
	ft := &fakeTransport{embedFn: func(texts []string) (*EmbedResponse, error) {
		return &EmbedResponse{Vectors: nil}, nil
	}}
	c := newTestClient(t, testAIConfig(), ft)

	_, err := c.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = c.EmbedBatch(context.Background(), []string{"one", "two"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEmbedRateLimitedWhenBucketEmpty(t *testing.T) {
	ft := &fakeTransport{embedFn: func(texts []string) (*EmbedResponse, error) {
		return &EmbedResponse{Vectors: [][]float32{vectorOfDim(types.EmbeddingDim)}}, nil
	}}
	cfg := testAIConfig()
	cfg.RateLimitRPS = 0.0000001 // one token, essentially never refilled
	c := newTestClient(t, cfg, ft)

	_, err := c.Embed(context.Background(), "first")
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), "second")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, faults.Transient, faults.KindOf(err))
}

func TestEmbedBatchChunksAndCaches(t *testing.T) {
	ft := &fakeTransport{embedFn: func(texts []string) (*EmbedResponse, error) {
		vectors := make([][]float32, len(texts))
		for i := range texts {
			vectors[i] = vectorOfDim(types.EmbeddingDim)
		}
		return &EmbedResponse{Vectors: vectors, PromptTokens: 5 * len(texts)}, nil
	}}
	c := newTestClient(t, testAIConfig(), ft)

	texts := make([]string, 20)
	for i := range texts {
		texts[i] = fmt.Sprintf("work order narrative %d", i)
	}
	vectors, err := c.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, 20)
	for i, v := range vectors {
		assert.Len(t, v, types.EmbeddingDim, "missing vector at %d", i)
	}
	assert.Equal(t, 2, ft.embedCalls, "20 inputs should split into 2 requests")

	// all hits now
	_, err = c.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	assert.Equal(t, 2, ft.embedCalls)
}

func TestCircuitOpensAfterRepeatedUpstreamFailures(t *testing.T) {
	ft := &fakeTransport{embedFn: func(texts []string) (*EmbedResponse, error) {
		return nil, classifyStatus(502, "bad gateway")
	}}
	c := newTestClient(t, testAIConfig(), ft)

	for i := 0; i < 5; i++ {
		_, err := c.Embed(context.Background(), fmt.Sprintf("text %d", i))
		require.Error(t, err)
	}
	_, err := c.Embed(context.Background(), "one more")
	require.Error(t, err)
	assert.Equal(t, faults.CircuitOpen, faults.KindOf(err))
	assert.Equal(t, 5, ft.embedCalls, "open breaker must fail fast without a call")
}

func TestParseExtractionToleratesFences(t *testing.T) {
	fenced := "```json\n" + fewShotOutput + "\n```"
	e, err := parseExtraction(fenced)
	require.NoError(t, err)
	assert.Equal(t, "replace", e.SolutionType)
}

func TestParseExtractionValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not json", "the pump is broken"},
		{"missing confidence", `{"summary":"s"}`},
		{"confidence out of range", `{"summary":"s","confidence":1.7}`},
		{"empty summary", `{"summary":"","confidence":0.5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseExtraction(tt.content)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	assert.ErrorIs(t, classifyStatus(429, ""), ErrRateLimited)
	assert.ErrorIs(t, classifyStatus(408, ""), ErrTimeout)
	assert.ErrorIs(t, classifyStatus(500, ""), ErrTransient)
	assert.ErrorIs(t, classifyStatus(503, ""), ErrTransient)
	assert.ErrorIs(t, classifyStatus(401, ""), ErrPersistent)
	assert.ErrorIs(t, classifyStatus(400, ""), ErrPersistent)
}

func TestChunkByBudgetSplitsByCount(t *testing.T) {
	texts := make([]string, 40)
	idx := make([]int, 0, 35)
	for i := range texts {
		texts[i] = "short"
		if i%8 != 0 {
			idx = append(idx, i)
		}
	}
	chunks := chunkByBudget(texts, idx)
	total := 0
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), maxEmbedInputsPerRequest)
		total += len(c)
	}
	assert.Equal(t, len(idx), total)
}

func TestChunkByBudgetSplitsByTokens(t *testing.T) {
	big := strings.Repeat("x", maxEmbedTokensPerRequest*3) // ~3 chunks of tokens
	texts := []string{big, big, big}
	chunks := chunkByBudget(texts, []int{0, 1, 2})
	assert.Len(t, chunks, 3, "oversized inputs go one per request")
}

func TestCostTrackerAlertFiresOnce(t *testing.T) {
	c := NewCostTracker(Pricing{PromptPer1K: 1}, 1.0, config.BudgetSoftDegrade)
	alerts := 0
	c.SetAlertFunc(func(float64) { alerts++ })

	require.NoError(t, c.Gate(0.5))
	c.AddChat(2000, 0) // 2 USD spent

	require.Error(t, c.Gate(0.01))
	require.Error(t, c.Gate(0.01))
	assert.Equal(t, 1, alerts)
	assert.InDelta(t, 2.0, c.TotalUSD(), 1e-9)
}

func TestCacheKeySensitivity(t *testing.T) {
	assert.Equal(t, CacheKey("text", "v1"), CacheKey("text", "v1"))
	assert.NotEqual(t, CacheKey("text", "v1"), CacheKey("text", "v2"))
	assert.NotEqual(t, CacheKey("text", "v1"), CacheKey("other", "v1"))
}

func TestFallbackExtract(t *testing.T) {
	text := "Kompressor Ausfall gemeldet. Kühlsystem mehrfach überhitzt, Kühlsystem geprüft."
	e := FallbackExtract(text)
	assert.Contains(t, e.Keywords, "kühlsystem")
	assert.Contains(t, strings.ToLower(e.PrimarySymptom), "ausfall")
	assert.Equal(t, FallbackModelVersion, e.ModelVersion)
	assert.InDelta(t, 0.1, e.Confidence, 1e-9)
	assert.Equal(t, "other", e.SolutionType)
}

func TestFallbackExtractNoSymptom(t *testing.T) {
	e := FallbackExtract("routine inspection completed without findings")
	assert.Equal(t, "", e.PrimarySymptom)
	assert.NotEmpty(t, e.Summary)
}

func TestTransportErrorsPreserveKind(t *testing.T) {
	wrapped := fmt.Errorf("call chat: %w", classifyStatus(429, "slow down"))
	assert.Equal(t, faults.Transient, faults.KindOf(wrapped))
	assert.True(t, errors.Is(wrapped, ErrRateLimited))
}
