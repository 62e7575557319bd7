// Package llmclient is the shared HTTP transport for the executor,
// planner, reflector, and embedder adapters (spec §1: "four external LLM
// clients"). It speaks the OpenAI-compatible chat-completions and
// embeddings shapes over OPENROUTER_BASE_URL, grounded on the request/
// response/retry structure of the example pack's OpenAI provider client
// (itsneelabh-gomind/ai/providers/openai), wrapped with the teacher's
// cenkalti/backoff retry policy (internal/store/retry.go's pattern,
// generalized from DB operations to HTTP calls).
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Message is one chat-completion turn.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// Tool is a JSON-schema function tool offered to the model (spec §4.6:
// "four tools (computer, shell, notebook, browser)").
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes one callable tool.
type ToolFunction struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

// ToolCall is a model-proposed invocation of one of the offered tools.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction carries the tool name and raw JSON arguments.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatRequest is a chat-completions request.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Tools       []Tool    `json:"tools,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// ChatResponse is the parsed response of interest: the first choice's
// message (spec §4.6: "take the first tool call").
type ChatResponse struct {
	Model   string  `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice is one completion candidate.
type Choice struct {
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage reports token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// EmbeddingRequest requests vector embeddings for a batch of inputs.
type EmbeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// EmbeddingResponse is the parsed embeddings response.
type EmbeddingResponse struct {
	Data []EmbeddingDatum `json:"data"`
}

// EmbeddingDatum is one input's embedding vector.
type EmbeddingDatum struct {
	Embedding []float64 `json:"embedding"`
	Index     int       `json:"index"`
}

// Client is a minimal OpenAI-compatible HTTP client shared by every LLM
// adapter in the core.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	maxRetries uint64
}

// New builds a Client. baseURL should not have a trailing slash.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		apiKey:     apiKey,
		maxRetries: 3,
	}
}

// FirstToolCall returns the first tool call of the first choice, or
// ("", false) if the model returned plain content instead (spec §4.6:
// "if no tool call, emit noop").
func (r ChatResponse) FirstToolCall() (ToolCall, bool) {
	if len(r.Choices) == 0 || len(r.Choices[0].Message.ToolCalls) == 0 {
		return ToolCall{}, false
	}
	return r.Choices[0].Message.ToolCalls[0], true
}

// Content returns the first choice's raw content, for adapters that
// don't rely on tool calls (planner/reflector JSON-in-content replies).
func (r ChatResponse) Content() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// Chat sends a chat-completions request, retrying transient failures
// (5xx, network errors) with exponential backoff; 4xx responses are not
// retried (spec §7: "LLM request failure... returns a conservative
// fallback" is the adapter's job, not the transport's — this layer only
// retries what is safe to retry).
func (c *Client) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	var resp ChatResponse
	op := func() error {
		r, err := c.post(ctx, "/chat/completions", req)
		if err != nil {
			return err
		}
		return json.Unmarshal(r, &resp)
	}
	if err := c.retry(ctx, op); err != nil {
		return ChatResponse{}, err
	}
	return resp, nil
}

// Embed requests embeddings for a batch of inputs.
func (c *Client) Embed(ctx context.Context, req EmbeddingRequest) (EmbeddingResponse, error) {
	var resp EmbeddingResponse
	op := func() error {
		r, err := c.post(ctx, "/embeddings", req)
		if err != nil {
			return err
		}
		return json.Unmarshal(r, &resp)
	}
	if err := c.retry(ctx, op); err != nil {
		return EmbeddingResponse{}, err
	}
	return resp, nil
}

// retryableError wraps a transport error so backoff knows to keep
// retrying; non-wrapped errors (4xx client errors, JSON decode errors)
// are treated as permanent.
type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func (c *Client) retry(ctx context.Context, op func() error) error {
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		var re *retryableError
		if asRetryable(err, &re) {
			return re.err // retryable: backoff keeps going
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(policy, ctx))
}

func asRetryable(err error, target **retryableError) bool {
	re, ok := err.(*retryableError)
	if ok {
		*target = re
	}
	return ok
}

func (c *Client) post(ctx context.Context, path string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("send request: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode >= 500 {
		return nil, &retryableError{err: fmt.Errorf("llm backend returned %d: %s", resp.StatusCode, truncate(string(respBody), 500))}
	}
	if resp.StatusCode >= 400 {
		return nil, backoff.Permanent(fmt.Errorf("llm backend returned %d: %s", resp.StatusCode, truncate(string(respBody), 500)))
	}
	return respBody, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...[truncated]"
}
