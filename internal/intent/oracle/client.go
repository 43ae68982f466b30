// Package oracle implements the intent oracle client against
// OpenAI-compatible chat-completions endpoints (OpenRouter, or Gemini's
// OpenAI-compat endpoint). Keys are an explicit ordered pool tried in
// sequence with bounded, backed-off retries per key.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"campusiq-governance/internal/intent"
)

// Config configures the oracle client.
type Config struct {
	// URL is the chat-completions endpoint.
	URL string
	// Model is the model identifier sent with each request.
	Model string
	// APIKeys is the ordered key pool. At least one key is required.
	APIKeys []string
	// MaxRetries is the per-key attempt bound (default 3).
	MaxRetries int
	// RetryDelay is the base backoff delay (default 2s); doubled per attempt.
	RetryDelay time.Duration
	// Timeout bounds each HTTP request (default 30s).
	Timeout time.Duration
	// MaxOutputTokens bounds the model response (default 2048).
	MaxOutputTokens int
	// Attribution adds OpenRouter attribution headers when true.
	Attribution bool
	// HTTPClient is the injected transport; http.DefaultClient when nil.
	HTTPClient *http.Client
}

// Client calls the oracle. It is safe for concurrent use.
type Client struct {
	cfg  Config
	wait func(ctx context.Context, d time.Duration) error
}

// NewClient returns a client with defaults applied.
func NewClient(cfg Config) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = 2048
	}
	return &Client{cfg: cfg, wait: waitBackoff}
}

// waitBackoff sleeps for d unless the context is cancelled first.
func waitBackoff(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	MaxTokens      int               `json:"max_tokens"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			Reasoning string `json:"reasoning"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

const systemInstruction = "You are a JSON generator for a college ERP system. " +
	"Return ONLY valid JSON. No markdown fences. No backticks. No explanation text."

// GenerateJSON asks the oracle for a JSON object. Keys are tried in pool
// order; rate limits and transient failures are retried with exponential
// backoff up to the configured bound before moving to the next key. The
// returned error is an *intent.OracleError once every key is exhausted.
func (c *Client) GenerateJSON(ctx context.Context, prompt string) (map[string]interface{}, error) {
	if len(c.cfg.APIKeys) == 0 {
		return nil, &intent.OracleError{Code: "NO_API_KEYS", Message: "oracle key pool is empty"}
	}

	var lastErr *intent.OracleError
	for _, key := range c.cfg.APIKeys {
		obj, err := c.callWithRetries(ctx, key, prompt)
		if err == nil {
			return obj, nil
		}
		lastErr = err
		// A rate-limited or failing key does not poison the pool; the next
		// key gets a fresh retry budget.
	}
	return nil, lastErr
}

func (c *Client) callWithRetries(ctx context.Context, key, prompt string) (map[string]interface{}, *intent.OracleError) {
	var lastErr *intent.OracleError
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		obj, retryable, err := c.call(ctx, key, prompt)
		if err == nil {
			return obj, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
		if attempt < c.cfg.MaxRetries-1 {
			if err := c.wait(ctx, c.cfg.RetryDelay*(1<<attempt)); err != nil {
				return nil, &intent.OracleError{Code: "CANCELLED", Message: err.Error()}
			}
		}
	}
	return nil, lastErr
}

func (c *Client) call(ctx context.Context, key, prompt string) (map[string]interface{}, bool, *intent.OracleError) {
	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemInstruction},
			{Role: "user", Content: prompt},
		},
		Temperature:    0.1,
		MaxTokens:      c.cfg.MaxOutputTokens,
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return nil, false, &intent.OracleError{Code: "ENCODE_FAILED", Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, false, &intent.OracleError{Code: "REQUEST_FAILED", Message: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Attribution {
		req.Header.Set("HTTP-Referer", "https://campusiq.edu")
		req.Header.Set("X-Title", "CampusIQ")
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, true, &intent.OracleError{Code: "TRANSPORT_ERROR", Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, true, &intent.OracleError{Code: "READ_FAILED", Message: err.Error()}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, true, &intent.OracleError{
			Code:            "RATE_LIMITED",
			Message:         "oracle rate limited",
			RetryETASeconds: int(c.cfg.RetryDelay / time.Second),
		}
	}
	if resp.StatusCode >= 500 {
		return nil, true, &intent.OracleError{
			Code:    "UPSTREAM_ERROR",
			Message: fmt.Sprintf("oracle status %d: %s", resp.StatusCode, truncate(string(raw), 300)),
		}
	}
	if resp.StatusCode >= 400 {
		return nil, false, &intent.OracleError{
			Code:    "REQUEST_REJECTED",
			Message: fmt.Sprintf("oracle status %d: %s", resp.StatusCode, truncate(string(raw), 300)),
		}
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, false, &intent.OracleError{Code: "BAD_RESPONSE", Message: err.Error()}
	}
	if parsed.Error != nil {
		return nil, false, &intent.OracleError{Code: "UPSTREAM_ERROR", Message: parsed.Error.Message}
	}
	if len(parsed.Choices) == 0 {
		return nil, false, &intent.OracleError{Code: "EMPTY_RESPONSE", Message: "oracle returned no choices"}
	}

	text := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if text == "" {
		// Some free models put output in the reasoning field.
		text = strings.TrimSpace(parsed.Choices[0].Message.Reasoning)
	}
	if text == "" {
		return nil, false, &intent.OracleError{Code: "EMPTY_RESPONSE", Message: "oracle returned empty text"}
	}

	obj := decodeJSONObject(text)
	if obj == nil {
		return nil, false, &intent.OracleError{Code: "UNPARSABLE", Message: "oracle response is not a JSON object"}
	}
	return obj, false, nil
}

var braceRe = regexp.MustCompile(`(?s)\{.*\}`)

// decodeJSONObject parses text as JSON, stripping markdown fences and
// falling back to the first brace-delimited object found.
func decodeJSONObject(text string) map[string]interface{} {
	cleaned := stripFences(text)
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(cleaned), &obj); err == nil {
		return obj
	}
	if m := braceRe.FindString(text); m != "" {
		if err := json.Unmarshal([]byte(m), &obj); err == nil {
			return obj
		}
	}
	return nil
}

func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	end := len(lines)
	if strings.TrimSpace(lines[end-1]) == "```" {
		end--
	}
	if len(lines) > 1 {
		return strings.TrimSpace(strings.Join(lines[1:end], "\n"))
	}
	return text
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
