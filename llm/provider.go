package llm

import (
	"context"
	"fmt"
	"time"
)

// Provider is the interface for LLM interactions.
type Provider interface {
	// Chat sends a chat completion request.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Embed generates embeddings for a batch of texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ChatRequest is a chat completion request.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatResponse is the response from a chat completion.
type ChatResponse struct {
	Content          string `json:"content"`
	Model            string `json:"model"`
	FinishReason     string `json:"finish_reason"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	Attempts         int    `json:"attempts"`
}

// Config configures an LLM provider.
type Config struct {
	Provider string `json:"provider"` // ollama, lmstudio, openai, deepseek, openrouter, groq, custom
	Model    string `json:"model"`
	BaseURL  string `json:"base_url"`
	APIKey   string `json:"api_key"`

	// Timeout bounds each HTTP attempt. Default 60s.
	Timeout time.Duration `json:"-"`
	// MaxAttempts is the total number of tries for transient failures. Default 3.
	MaxAttempts int `json:"-"`
	// RetryBaseDelay is the first backoff delay, doubled per attempt. Default 500ms.
	RetryBaseDelay time.Duration `json:"-"`
	// RetryMaxDelay caps a single backoff delay. Default 8s.
	RetryMaxDelay time.Duration `json:"-"`
	// RequestsPerSecond throttles outgoing requests; 0 disables throttling.
	RequestsPerSecond float64 `json:"-"`
}

type providerDefaults struct {
	baseURL string
	prefix  string
	model   string
}

// Every supported provider speaks the OpenAI-compatible API; they differ
// only in endpoint, path prefix and default model. Ollama additionally uses
// its native embedding endpoint.
var knownProviders = map[string]providerDefaults{
	"ollama":     {baseURL: "http://localhost:11434", prefix: "/v1"},
	"lmstudio":   {baseURL: "http://localhost:1234", prefix: "/v1"},
	"openai":     {baseURL: "https://api.openai.com", prefix: "/v1", model: "gpt-4o-mini"},
	"deepseek":   {baseURL: "https://api.deepseek.com", prefix: "", model: "deepseek-chat"},
	"openrouter": {baseURL: "https://openrouter.ai/api", prefix: "/v1"},
	"groq":       {baseURL: "https://api.groq.com/openai", prefix: "/v1", model: "llama-3.3-70b-versatile"},
	"custom":     {prefix: "/v1"},
}

// NewProvider creates an LLM provider from configuration.
func NewProvider(cfg Config) (Provider, error) {
	if cfg.Provider == "" {
		return nil, fmt.Errorf("llm provider not specified")
	}
	d, ok := knownProviders[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = d.baseURL
	}
	if cfg.Model == "" {
		cfg.Model = d.model
	}

	base := newClient(cfg, d.prefix)
	if cfg.Provider == "ollama" {
		return &ollamaProvider{base: base}, nil
	}
	return &compatProvider{base: base}, nil
}

// compatProvider serves every OpenAI-compatible endpoint.
type compatProvider struct {
	base *client
}

func (p *compatProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return p.base.chat(ctx, req)
}

func (p *compatProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return p.base.embed(ctx, texts)
}
