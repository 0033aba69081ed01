// Package llm provides the text-generation gateway used by the answer
// pipeline: plain completions plus structured (JSON-constrained) output
// decoded into caller-supplied types.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/masislabs/masis/internal/config"
	"github.com/masislabs/masis/internal/logging"
)

const (
	defaultMaxTokens   = 2048
	defaultTemperature = 0.0
	defaultBaseBackoff = 500 * time.Millisecond
)

// Client is the generation gateway consumed by the pipeline nodes.
type Client interface {
	// Complete generates a plain-text completion for the prompt.
	Complete(ctx context.Context, prompt string, opts ...CallOption) (string, error)

	// CompleteStructured generates a completion constrained to JSON and
	// decodes it into out. Decoding failure is a generation failure, not
	// a recoverable condition.
	CompleteStructured(ctx context.Context, prompt string, out any, opts ...CallOption) error
}

// CallOption customizes a single gateway call.
type CallOption func(*callOptions)

type callOptions struct {
	tags     []string
	metadata map[string]string
}

// WithTags labels the call for logging and tracing.
func WithTags(tags ...string) CallOption {
	return func(o *callOptions) { o.tags = append(o.tags, tags...) }
}

// WithMetadata attaches key-value call metadata for logging and tracing.
func WithMetadata(md map[string]string) CallOption {
	return func(o *callOptions) {
		if o.metadata == nil {
			o.metadata = make(map[string]string, len(md))
		}
		for k, v := range md {
			o.metadata[k] = v
		}
	}
}

func applyOptions(opts []CallOption) callOptions {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// openAIClient implements Client against an OpenAI-compatible
// chat-completions API.
type openAIClient struct {
	model      string
	apiKey     string `json:"-"` // Never serialize API keys
	baseURL    string
	httpClient *http.Client
	pacer      *rate.Limiter
	shared     *SlidingWindowLimiter
	maxRetries int
	logger     *logging.Logger
}

// NewClient creates a generation gateway client.
//
// The shared limiter enforces the process-wide rolling-window call cap and
// must be the same instance across every client in the process. The
// per-client pacer additionally smooths bursts toward the provider.
func NewClient(cfg config.LLMConfig, shared *SlidingWindowLimiter, logger *logging.Logger) (Client, error) {
	if !cfg.APIKey.IsSet() {
		return nil, fmt.Errorf("llm API key required")
	}
	if shared == nil {
		return nil, fmt.Errorf("shared rate limiter required")
	}

	perSecond := float64(cfg.CallsPerMinute) / 60.0

	return &openAIClient{
		model:   cfg.Model,
		apiKey:  cfg.APIKey.Value(),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		pacer:      rate.NewLimiter(rate.Limit(perSecond), 2),
		shared:     shared,
		maxRetries: cfg.MaxRetries,
		logger:     logger.Named("llm"),
	}, nil
}

// openAI wire types

type openAIRequest struct {
	Model          string                `json:"model"`
	MaxTokens      int                   `json:"max_tokens,omitempty"`
	Temperature    float64               `json:"temperature"`
	Messages       []openAIMessage       `json:"messages"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponseFormat struct {
	Type string `json:"type"`
}

type openAIResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
}

type openAIError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete generates a plain-text completion for the prompt.
func (c *openAIClient) Complete(ctx context.Context, prompt string, opts ...CallOption) (string, error) {
	o := applyOptions(opts)

	req := openAIRequest{
		Model:       c.model,
		MaxTokens:   defaultMaxTokens,
		Temperature: defaultTemperature,
		Messages: []openAIMessage{
			{Role: "user", Content: prompt},
		},
	}

	return c.call(ctx, req, o)
}

// CompleteStructured generates a JSON-constrained completion decoded into out.
func (c *openAIClient) CompleteStructured(ctx context.Context, prompt string, out any, opts ...CallOption) error {
	o := applyOptions(opts)

	req := openAIRequest{
		Model:       c.model,
		MaxTokens:   defaultMaxTokens,
		Temperature: defaultTemperature,
		Messages: []openAIMessage{
			{Role: "system", Content: "Respond with a single JSON object only. No prose, no code fences."},
			{Role: "user", Content: prompt},
		},
		ResponseFormat: &openAIResponseFormat{Type: "json_object"},
	}

	text, err := c.call(ctx, req, o)
	if err != nil {
		return err
	}

	if err := json.Unmarshal([]byte(stripCodeFence(text)), out); err != nil {
		return fmt.Errorf("decoding structured output: %w", err)
	}
	return nil
}

// call waits on both limiters, then performs the request with retries.
func (c *openAIClient) call(ctx context.Context, req openAIRequest, o callOptions) (string, error) {
	// Process-wide rolling-window cap first, then per-client pacing.
	waitStart := time.Now()
	if err := c.shared.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter error: %w", err)
	}
	if err := c.pacer.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter error: %w", err)
	}
	if waited := time.Since(waitStart); waited > 100*time.Millisecond {
		c.logger.Debug(ctx, "llm call throttled", zap.Duration("waited", waited))
	}

	start := time.Now()

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := defaultBaseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		response, err := c.doRequest(ctx, req)
		if err == nil {
			c.logger.Debug(ctx, "llm call completed",
				zap.Strings("tags", o.tags),
				zap.Any("metadata", o.metadata),
				zap.Duration("duration", time.Since(start)),
				zap.Int("attempt", attempt),
			)
			return response, nil
		}

		lastErr = err
		if !isRetryableError(err) {
			return "", err
		}
	}

	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

// doRequest performs the actual HTTP request to the chat-completions API.
func (c *openAIClient) doRequest(ctx context.Context, req openAIRequest) (string, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", &retryableError{err: fmt.Errorf("API request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", &retryableError{err: fmt.Errorf("rate limited (429)")}
	}

	if resp.StatusCode >= 500 {
		return "", &retryableError{err: fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))}
	}

	if resp.StatusCode != http.StatusOK {
		var errResp openAIError
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
			return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, errResp.Error.Message)
		}
		return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}

	var apiResp openAIResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}

	if len(apiResp.Choices) == 0 {
		return "", fmt.Errorf("empty response from API")
	}

	return apiResp.Choices[0].Message.Content, nil
}

// stripCodeFence removes a surrounding markdown code fence if the model
// emitted one despite instructions.
func stripCodeFence(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

var _ Client = (*openAIClient)(nil)
