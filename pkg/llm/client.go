// Package llm provides a rate-limited client for OpenAI-compatible chat
// completion and embeddings endpoints, local or remote.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// StatusError carries the HTTP status of a failed API call so callers can
// classify it for retry decisions.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm: http %d: %s", e.StatusCode, e.Body)
}

// Client defines the LLM operations used by the enrichment stages.
type Client interface {
	ChatCompletion(ctx context.Context, req ChatRequest) (string, error)
	Embeddings(ctx context.Context, texts []string) ([][]float64, error)
}

// Message is a single chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the request for a chat completion.
type ChatRequest struct {
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

type chatPayload struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

type embeddingsPayload struct {
	Model string   `json:"model,omitempty"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Option configures the client.
type Option func(*httpClient)

// WithModel sets the model name sent with each request.
func WithModel(model string) Option {
	return func(c *httpClient) { c.model = model }
}

// WithEmbeddingsModel sets the model for embeddings requests.
func WithEmbeddingsModel(model string) Option {
	return func(c *httpClient) { c.embeddingsModel = model }
}

// WithAPIKey sets a bearer token.
func WithAPIKey(key string) Option {
	return func(c *httpClient) { c.apiKey = key }
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

// WithRateLimit throttles requests to rps (0 disables throttling).
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		} else {
			c.limiter = nil
		}
	}
}

// WithTimeout bounds each request. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

type httpClient struct {
	baseURL         string
	apiKey          string
	model           string
	embeddingsModel string
	http            *http.Client
	limiter         *rate.Limiter
}

// NewClient creates a client for an OpenAI-compatible base URL
// (e.g. http://localhost:1234/v1 or https://api.openai.com/v1).
func NewClient(baseURL string, opts ...Option) Client {
	c := &httpClient{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(2, 4),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *httpClient) postJSON(ctx context.Context, path string, payload any, out any) error {
	if err := c.wait(ctx); err != nil {
		return eris.Wrap(err, "llm: rate limit")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return eris.Wrap(err, "llm: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "llm: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "llm: do request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return eris.Wrap(err, "llm: read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(data), 300)}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return eris.Wrap(err, "llm: parse response")
	}
	return nil
}

// ChatCompletion sends a chat request and returns the assistant content.
func (c *httpClient) ChatCompletion(ctx context.Context, req ChatRequest) (string, error) {
	payload := chatPayload{
		Model:       c.model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if payload.MaxTokens == 0 {
		payload.MaxTokens = 2048
	}

	var out chatResponse
	if err := c.postJSON(ctx, "/chat/completions", payload, &out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", eris.New("llm: empty choices in chat response")
	}
	return out.Choices[0].Message.Content, nil
}

// Embeddings returns one vector per input text, in input order.
func (c *httpClient) Embeddings(ctx context.Context, texts []string) ([][]float64, error) {
	model := c.embeddingsModel
	if model == "" {
		model = c.model
	}

	var out embeddingsResponse
	if err := c.postJSON(ctx, "/embeddings", embeddingsPayload{Model: model, Input: texts}, &out); err != nil {
		return nil, err
	}

	vectors := make([][]float64, len(texts))
	for _, d := range out.Data {
		if d.Index >= 0 && d.Index < len(vectors) {
			vectors[d.Index] = d.Embedding
		}
	}
	return vectors, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
