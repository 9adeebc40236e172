package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Dialect names an API wire format. Unknown domains default to the
// OpenAI-compatible dialect, which the major proxy gateways also speak.
type Dialect string

const (
	DialectOpenAI Dialect = "openai"
	DialectOllama Dialect = "ollama"
)

// DetectDialect picks a dialect from the API base domain and model name
// rather than from extra config flags, keeping the config surface stable.
func DetectDialect(apiBase, model string) Dialect {
	u, err := url.Parse(apiBase)
	host := ""
	if err == nil {
		host = strings.ToLower(u.Host)
	}
	switch {
	case strings.Contains(host, "ollama") || strings.HasSuffix(host, ":11434"):
		return DialectOllama
	case strings.Contains(model, ":") && strings.Contains(host, "localhost"):
		// Ollama model tags look like "nomic-embed-text:latest".
		return DialectOllama
	default:
		return DialectOpenAI
	}
}

// HTTPEmbedder calls an embeddings API over HTTP. It is rate limited by a
// sliding window and retries transient failures with exponential backoff.
type HTTPEmbedder struct {
	apiBase string
	apiKey  string
	model   string
	dim     int
	dialect Dialect
	client  *http.Client
	limiter *SlidingWindowLimiter
	retries int
	logger  *zap.Logger
}

// HTTPOptions configures NewHTTPEmbedder.
type HTTPOptions struct {
	APIBase    string
	APIKey     string
	Model      string
	Dimension  int
	RateLimit  int
	RateWindow time.Duration
	Timeout    time.Duration
	Retries    int
	Logger     *zap.Logger
}

// NewHTTPEmbedder creates an embeddings client for an OpenAI-compatible or
// Ollama endpoint, auto-detected from the base URL.
func NewHTTPEmbedder(opts HTTPOptions) *HTTPEmbedder {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &HTTPEmbedder{
		apiBase: strings.TrimRight(opts.APIBase, "/"),
		apiKey:  opts.APIKey,
		model:   opts.Model,
		dim:     opts.Dimension,
		dialect: DetectDialect(opts.APIBase, opts.Model),
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: NewSlidingWindowLimiter(opts.RateLimit, opts.RateWindow),
		retries: opts.Retries,
		logger:  opts.Logger,
	}
}

// Embed requests an embedding, waiting on the rate limiter first.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var lastErr error
	backoff := 500 * time.Millisecond
	for attempt := 0; attempt <= e.retries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
			backoff *= 2
		}
		vec, retryable, err := e.once(ctx, text)
		if err == nil {
			return vec, nil
		}
		lastErr = err
		if !retryable {
			break
		}
		e.logger.Warn("embedding request failed, retrying",
			zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return nil, fmt.Errorf("embedding backend unavailable: %w", lastErr)
}

func (e *HTTPEmbedder) once(ctx context.Context, text string) (vec []float32, retryable bool, err error) {
	var endpoint string
	var payload any
	switch e.dialect {
	case DialectOllama:
		endpoint = e.apiBase + "/api/embeddings"
		payload = map[string]any{"model": e.model, "prompt": text}
	default:
		endpoint = e.apiBase + "/embeddings"
		payload = map[string]any{"model": e.model, "input": text}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, true, err
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(raw, 200))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(raw, 200))
	}

	switch e.dialect {
	case DialectOllama:
		var out struct {
			Embedding []float64 `json:"embedding"`
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, false, err
		}
		return toFloat32(out.Embedding), false, nil
	default:
		var out struct {
			Data []struct {
				Embedding []float64 `json:"embedding"`
			} `json:"data"`
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, false, err
		}
		if len(out.Data) == 0 {
			return nil, false, fmt.Errorf("empty embedding response")
		}
		return toFloat32(out.Data[0].Embedding), false, nil
	}
}

// Dimension returns the configured dimension.
func (e *HTTPEmbedder) Dimension() int { return e.dim }

// Model returns the remote model name.
func (e *HTTPEmbedder) Model() string { return e.model }

func toFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
