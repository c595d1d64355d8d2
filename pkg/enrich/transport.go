package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/datalab/medsync/pkg/config"
)

// Message is one turn of a chat-completion conversation
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest asks the model for a structured completion
type ChatRequest struct {
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// ChatResponse carries the model output and the billed token counts
type ChatResponse struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
}

// EmbedResponse carries one vector per input text, in input order
type EmbedResponse struct {
	Vectors      [][]float32
	PromptTokens int
}

// Transport is the outbound capability the client programs against.
// Alternate providers substitute here without touching the pipeline.
type Transport interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Embed(ctx context.Context, texts []string) (*EmbedResponse, error)
}

// azureTransport speaks the Azure OpenAI deployment-scoped REST shape
type azureTransport struct {
	endpoint   string
	apiKey     string
	chatDep    string
	embedDep   string
	apiVersion string
	client     *http.Client
}

// NewAzureTransport builds the default HTTP transport from configuration
func NewAzureTransport(cfg config.AI) Transport {
	apiVersion := cfg.APIVersion
	if apiVersion == "" {
		apiVersion = "2024-02-01"
	}
	return &azureTransport{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:     cfg.APIKey,
		chatDep:    cfg.ChatDeployment,
		embedDep:   cfg.EmbedDeployment,
		apiVersion: apiVersion,
		client:     &http.Client{Timeout: cfg.Timeout()},
	}
}

func (t *azureTransport) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body := map[string]any{
		"messages":        req.Messages,
		"max_tokens":      req.MaxTokens,
		"temperature":     req.Temperature,
		"response_format": map[string]string{"type": "json_object"},
	}
	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := t.post(ctx, t.chatDep, "chat/completions", body, &out); err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty choices", ErrMalformed)
	}
	return &ChatResponse{
		Content:          out.Choices[0].Message.Content,
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
	}, nil
}

func (t *azureTransport) Embed(ctx context.Context, texts []string) (*EmbedResponse, error) {
	body := map[string]any{"input": texts}
	var out struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
		Usage struct {
			PromptTokens int `json:"prompt_tokens"`
		} `json:"usage"`
	}
	if err := t.post(ctx, t.embedDep, "embeddings", body, &out); err != nil {
		return nil, err
	}
	if len(out.Data) != len(texts) {
		return nil, fmt.Errorf("%w: %d vectors for %d inputs", ErrMalformed, len(out.Data), len(texts))
	}
	vectors := make([][]float32, len(texts))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("%w: vector index %d out of range", ErrMalformed, d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return &EmbedResponse{Vectors: vectors, PromptTokens: out.Usage.PromptTokens}, nil
}

func (t *azureTransport) post(ctx context.Context, deployment, op string, body, out any) error {
	u := fmt.Sprintf("%s/openai/deployments/%s/%s?api-version=%s",
		t.endpoint, url.PathEscape(deployment), op, url.QueryEscape(t.apiVersion))

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistent, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return classifyStatus(resp.StatusCode, string(detail))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// classifyStatus maps an HTTP status onto the error taxonomy
func classifyStatus(status int, detail string) error {
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, detail)
	case status == http.StatusRequestTimeout:
		return fmt.Errorf("%w: %s", ErrTimeout, detail)
	case status >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrTransient, status, detail)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrPersistent, status, detail)
	}
}
