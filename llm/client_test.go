package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(url string) Config {
	return Config{
		Provider:       "custom",
		Model:          "test-chat",
		BaseURL:        url,
		APIKey:         "sk-test",
		Timeout:        2 * time.Second,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
	}
}

func writeChat(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"model": "test-chat",
		"choices": []map[string]any{{
			"message":       map[string]string{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
	})
}

func chatOnce(t *testing.T, p Provider) (*ChatResponse, error) {
	t.Helper()
	return p.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "What is the notice period?"}},
	})
}

func TestChatRetriesServiceUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
			return
		}
		writeChat(w, "Thirty days.")
	}))
	defer srv.Close()

	resp, err := chatOnce(t, NewOpenAICompat(fastConfig(srv.URL)))
	require.NoError(t, err)
	assert.Equal(t, "Thirty days.", resp.Content)
	assert.Equal(t, 3, resp.Attempts)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 15, resp.TotalTokens)
}

func TestChatGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := chatOnce(t, NewOpenAICompat(fastConfig(srv.URL)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(3), calls.Load())

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadGateway, se.Status)
}

func TestChatFatalStatusesNotRetried(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, ErrAuth},
		{"forbidden", http.StatusForbidden, ErrAuth},
		{"bad request", http.StatusBadRequest, ErrBadRequest},
		{"unprocessable", http.StatusUnprocessableEntity, ErrBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			_, err := chatOnce(t, NewOpenAICompat(fastConfig(srv.URL)))
			assert.ErrorIs(t, err, tt.want)
			assert.False(t, IsTransient(err))
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestChatTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	cfg := fastConfig(srv.URL)
	cfg.Timeout = 50 * time.Millisecond
	cfg.MaxAttempts = 2

	start := time.Now()
	_, err := chatOnce(t, NewOpenAICompat(cfg))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, IsTransient(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestChatCallerDeadlineIsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := NewOpenAICompat(fastConfig(srv.URL)).Chat(ctx, ChatRequest{})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestChatCallerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewOpenAICompat(fastConfig("http://127.0.0.1:1")).Chat(ctx, ChatRequest{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsTransient(err))
}

func TestChatNetworkErrorRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := chatOnce(t, NewOpenAICompat(fastConfig(url)))
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestChatSendsTemperatureAndAuth(t *testing.T) {
	var got chatCompletionRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
		writeChat(w, "ok")
	}))
	defer srv.Close()

	_, err := NewOpenAICompat(fastConfig(srv.URL)).Chat(context.Background(), ChatRequest{
		Messages:    []Message{{Role: RoleSystem, Content: "s"}, {Role: RoleUser, Content: "q"}},
		Temperature: 0,
		MaxTokens:   2000,
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk-test", auth)
	assert.Equal(t, "test-chat", got.Model)
	assert.Equal(t, 2000, got.MaxTokens)
	assert.Len(t, got.Messages, 2)
}

func TestRetryAfterHonoured(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeChat(w, "ok")
	}))
	defer srv.Close()

	cfg := fastConfig(srv.URL)
	cfg.RetryMaxDelay = 20 * time.Millisecond // Retry-After is capped by the max delay

	start := time.Now()
	resp, err := chatOnce(t, NewOpenAICompat(cfg))
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Attempts)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestEmbedOrdersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"index": 1, "embedding": []float32{0, 1}},
				{"index": 0, "embedding": []float32{1, 0}},
			},
		})
	}))
	defer srv.Close()

	vecs, err := NewOpenAICompat(fastConfig(srv.URL)).Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vecs)
}

func TestEmbedMissingVector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"index": 0, "embedding": []float32{1, 0}}},
		})
	}))
	defer srv.Close()

	_, err := NewOpenAICompat(fastConfig(srv.URL)).Embed(context.Background(), []string{"a", "b"})
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestOllamaNativeEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		var req ollamaEmbedRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, "nomic-embed-text", req.Model)
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embeddings: [][]float64{{0.5, 0.5}}})
	}))
	defer srv.Close()

	p, err := NewProvider(Config{Provider: "ollama", Model: "nomic-embed-text", BaseURL: srv.URL})
	require.NoError(t, err)
	vecs, err := p.Embed(context.Background(), []string{"text"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0.5, 0.5}}, vecs)
}
