package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultTimeout     = 60 * time.Second
	defaultMaxAttempts = 3
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxDelay    = 8 * time.Second
)

// client is the shared OpenAI-compatible HTTP transport. It owns retry,
// timeout and throttling so every provider gets the same failure contract.
type client struct {
	cfg        Config
	http       *http.Client
	pathPrefix string
	limiter    *rate.Limiter // nil when unthrottled
}

func newClient(cfg Config, prefix string) *client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaultBaseDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = defaultMaxDelay
	}

	c := &client{
		cfg:        cfg,
		pathPrefix: prefix,
		// Per-attempt deadlines come from the request context.
		http: &http.Client{},
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return c
}

// NewOpenAICompat creates a generic OpenAI-compatible provider.
func NewOpenAICompat(cfg Config) Provider {
	return &compatProvider{base: newClient(cfg, "/v1")}
}

type chatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

func (c *client) chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}

	body := chatCompletionRequest{
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	respBody, attempts, err := c.doPost(ctx, c.pathPrefix+"/chat/completions", body)
	if err != nil {
		return nil, err
	}

	var resp chatCompletionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("%w: decoding chat response: %v", ErrBadRequest, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices in response", ErrBadRequest)
	}

	return &ChatResponse{
		Content:          resp.Choices[0].Message.Content,
		Model:            resp.Model,
		FinishReason:     resp.Choices[0].FinishReason,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		Attempts:         attempts,
	}, nil
}

func (c *client) embed(ctx context.Context, texts []string) ([][]float32, error) {
	body := embeddingRequest{
		Model: c.cfg.Model,
		Input: texts,
	}

	respBody, _, err := c.doPost(ctx, c.pathPrefix+"/embeddings", body)
	if err != nil {
		return nil, err
	}

	var resp embeddingResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("%w: decoding embedding response: %v", ErrBadRequest, err)
	}

	// Sort by index to ensure correct ordering
	embeddings := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index >= 0 && d.Index < len(embeddings) {
			embeddings[d.Index] = d.Embedding
		}
	}
	for i, e := range embeddings {
		if e == nil {
			return nil, fmt.Errorf("%w: missing embedding for input %d", ErrBadRequest, i)
		}
	}
	return embeddings, nil
}

// backoff returns the delay before the given retry (1-based): base doubled
// per attempt, capped, with up to 25% jitter either way.
func (c *client) backoff(retry int) time.Duration {
	d := c.cfg.RetryBaseDelay << (retry - 1)
	if d <= 0 || d > c.cfg.RetryMaxDelay {
		d = c.cfg.RetryMaxDelay
	}
	if q := int64(d) / 2; q > 0 {
		d += time.Duration(rand.Int64N(q)) - d/4
	}
	return d
}

// doPost sends body as JSON and returns the 200 response body along with
// the number of attempts made. Transient failures (network errors, 408,
// 429, 5xx, per-attempt timeouts) are retried up to MaxAttempts.
func (c *client) doPost(ctx context.Context, path string, body any) ([]byte, int, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, 0, err
	}

	url := c.cfg.BaseURL + path

	var (
		lastErr    error
		timedOut   bool
		retryAfter time.Duration
	)
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.backoff(attempt - 1)
			if retryAfter > delay {
				delay = min(retryAfter, c.cfg.RetryMaxDelay)
			}
			slog.Warn("llm: retrying request",
				"url", url,
				"attempt", attempt,
				"delay", delay,
				"error", lastErr,
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, attempt - 1, ctxError(ctx)
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, attempt - 1, ctxError(ctx)
			}
		}

		respBody, status, header, err := c.send(ctx, url, data)
		retryAfter = 0
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, attempt, ctxError(ctx)
		case err != nil:
			timedOut = errors.Is(err, context.DeadlineExceeded)
			lastErr = fmt.Errorf("request to %s failed: %w", url, err)
			continue
		case status == http.StatusOK:
			return respBody, attempt, nil
		}

		timedOut = false
		se := &StatusError{Status: status, Body: string(respBody)}
		if !retryableStatusCode(status) {
			return nil, attempt, classifyStatus(se)
		}
		lastErr = se

		if status == http.StatusTooManyRequests {
			if s, err := strconv.Atoi(header.Get("Retry-After")); err == nil && s > 0 {
				retryAfter = time.Duration(s) * time.Second
			}
		}
	}

	if timedOut {
		return nil, c.cfg.MaxAttempts, fmt.Errorf("%w after %d attempts (limit %s): %v",
			ErrTimeout, c.cfg.MaxAttempts, c.cfg.Timeout, lastErr)
	}
	return nil, c.cfg.MaxAttempts, fmt.Errorf("%w: max retries exceeded: %w", ErrUnavailable, lastErr)
}

// send performs one attempt bounded by the per-attempt timeout.
func (c *client) send(ctx context.Context, url string, data []byte) ([]byte, int, http.Header, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("reading response body: %w", err)
	}
	return respBody, resp.StatusCode, resp.Header, nil
}

// ctxError converts a finished caller context into the client's error
// vocabulary: an expired deadline is a timeout, cancellation stays as is.
func ctxError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
	return ctx.Err()
}
