// Package llm provides the structured chat backend used by the analyzers,
// the deduplicator's confirmation stage, and the retrieval LLM filter. The
// client carries per-call timeouts, retries 429s with exponential backoff,
// and opens a circuit breaker after consecutive failures so a dead backend
// degrades the engine instead of stalling it.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrUnavailable is returned once retries are exhausted or the circuit
// breaker is open; callers treat the backend as down and degrade.
var ErrUnavailable = errors.New("llm backend unavailable")

// ErrCircuitOpen is returned while the circuit breaker is open. It matches
// ErrUnavailable under errors.Is.
var ErrCircuitOpen = fmt.Errorf("%w: circuit breaker open", ErrUnavailable)

// ErrRateLimited marks a 429 from the backend; it stays wrapped in the
// final error when rate limiting is what exhausted the retries.
var ErrRateLimited = errors.New("llm rate limited")

// Message is one chat turn sent to the model.
type Message struct {
	Role    string `json:"role"` // "system", "user" or "assistant"
	Content string `json:"content"`
}

// Chatter is the minimal contract the engine needs from an LLM backend.
type Chatter interface {
	Chat(ctx context.Context, messages []Message, maxTokens int) (string, error)
}

// Dialect names an API wire format.
type Dialect string

const (
	DialectOpenAI    Dialect = "openai"
	DialectAnthropic Dialect = "anthropic"
	DialectOllama    Dialect = "ollama"
)

// DetectDialect infers the wire format from the API base domain and model
// name. Unknown domains default to OpenAI-compatible.
func DetectDialect(apiBase, model string) Dialect {
	u, err := url.Parse(apiBase)
	host := ""
	if err == nil {
		host = strings.ToLower(u.Host)
	}
	switch {
	case strings.Contains(host, "anthropic") || strings.HasPrefix(model, "claude"):
		return DialectAnthropic
	case strings.Contains(host, "ollama") || strings.HasSuffix(host, ":11434"):
		return DialectOllama
	default:
		return DialectOpenAI
	}
}

// Client calls a chat-completions API. Safe for concurrent use.
type Client struct {
	apiBase string
	apiKey  string
	model   string
	dialect Dialect
	client  *http.Client
	retries int
	logger  *zap.Logger

	budget *Budget // optional; nil means unlimited

	mu           sync.Mutex
	failures     int
	openUntil    time.Time
	breakerTrips int
}

// Options configures NewClient.
type Options struct {
	APIBase string
	APIKey  string
	Model   string
	Timeout time.Duration
	Retries int
	Budget  *Budget
	Logger  *zap.Logger
}

// circuitThreshold consecutive failures open the breaker for circuitHold.
const (
	circuitThreshold = 3
	circuitHold      = 30 * time.Second
)

// NewClient creates a chat client with dialect auto-detection.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		apiBase: strings.TrimRight(opts.APIBase, "/"),
		apiKey:  opts.APIKey,
		model:   opts.Model,
		dialect: DetectDialect(opts.APIBase, opts.Model),
		client:  &http.Client{Timeout: opts.Timeout},
		retries: opts.Retries,
		budget:  opts.Budget,
		logger:  opts.Logger,
	}
}

// Chat sends messages and returns the assistant text. The call is admitted
// through the budget counter first; a denied call returns the budget error
// without touching the network.
func (c *Client) Chat(ctx context.Context, messages []Message, maxTokens int) (string, error) {
	if c.budget != nil {
		if err := c.budget.Admit(); err != nil {
			return "", err
		}
	}
	if err := c.checkBreaker(); err != nil {
		return "", err
	}

	var lastErr error
	backoff := time.Second
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return "", ctx.Err()
			case <-timer.C:
			}
			backoff *= 2
		}
		text, retryable, err := c.once(ctx, messages, maxTokens)
		if err == nil {
			c.recordSuccess()
			return text, nil
		}
		lastErr = err
		if !retryable {
			break
		}
		c.logger.Warn("llm request failed, retrying",
			zap.Int("attempt", attempt+1), zap.Error(err))
	}
	c.recordFailure()
	return "", fmt.Errorf("%w: %w", ErrUnavailable, lastErr)
}

// ChatJSON sends messages and unmarshals the response into out, stripping
// markdown code fences the model may wrap around JSON.
func (c *Client) ChatJSON(ctx context.Context, messages []Message, maxTokens int, out any) error {
	return ChatJSON(ctx, c, messages, maxTokens, out)
}

// ChatJSON sends messages through any Chatter and unmarshals the JSON reply
// into out.
func ChatJSON(ctx context.Context, ch Chatter, messages []Message, maxTokens int, out any) error {
	text, err := ch.Chat(ctx, messages, maxTokens)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(StripFences(text)), out)
}

// StripFences removes a surrounding markdown code fence if present.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if i := strings.Index(s, "\n"); i >= 0 {
			s = s[i+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

func (c *Client) checkBreaker() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Now().Before(c.openUntil) {
		return ErrCircuitOpen
	}
	return nil
}

func (c *Client) recordSuccess() {
	c.mu.Lock()
	c.failures = 0
	c.mu.Unlock()
}

func (c *Client) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	if c.failures >= circuitThreshold {
		c.openUntil = time.Now().Add(circuitHold)
		c.failures = 0
		c.breakerTrips++
		c.logger.Warn("llm circuit breaker opened", zap.Duration("hold", circuitHold))
	}
}

// BreakerTrips reports how many times the circuit opened; used by Stats.
func (c *Client) BreakerTrips() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.breakerTrips
}

func (c *Client) once(ctx context.Context, messages []Message, maxTokens int) (text string, retryable bool, err error) {
	var endpoint string
	var payload any
	headers := map[string]string{"Content-Type": "application/json"}

	switch c.dialect {
	case DialectAnthropic:
		endpoint = c.apiBase + "/v1/messages"
		var system string
		var rest []Message
		for _, m := range messages {
			if m.Role == "system" {
				system = m.Content
				continue
			}
			rest = append(rest, m)
		}
		payload = map[string]any{
			"model":      c.model,
			"system":     system,
			"messages":   rest,
			"max_tokens": maxTokens,
		}
		headers["x-api-key"] = c.apiKey
		headers["anthropic-version"] = "2023-06-01"
	case DialectOllama:
		endpoint = c.apiBase + "/api/chat"
		payload = map[string]any{
			"model":    c.model,
			"messages": messages,
			"stream":   false,
		}
	default:
		endpoint = c.apiBase + "/chat/completions"
		payload = map[string]any{
			"model":      c.model,
			"messages":   messages,
			"max_tokens": maxTokens,
		}
		if c.apiKey != "" {
			headers["Authorization"] = "Bearer " + c.apiKey
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", true, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", true, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return "", true, fmt.Errorf("%w: %s", ErrRateLimited, truncate(raw, 200))
	}
	if resp.StatusCode >= 500 {
		return "", true, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(raw, 200))
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(raw, 200))
	}

	switch c.dialect {
	case DialectAnthropic:
		var out struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return "", false, err
		}
		if len(out.Content) == 0 {
			return "", false, fmt.Errorf("empty response")
		}
		return out.Content[0].Text, false, nil
	case DialectOllama:
		var out struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return "", false, err
		}
		return out.Message.Content, false, nil
	default:
		var out struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return "", false, err
		}
		if len(out.Choices) == 0 {
			return "", false, fmt.Errorf("empty response")
		}
		return out.Choices[0].Message.Content, false, nil
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
