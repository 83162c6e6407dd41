package caselaw

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the caselaw engine.
type Config struct {
	// DataDir holds the statute index and the case directories.
	// Defaults to ~/.caselaw.
	DataDir string `json:"data_dir" yaml:"data_dir" toml:"data_dir"`

	// StatuteDir is the corpus of law files indexed at startup.
	// Defaults to <DataDir>/statutes.
	StatuteDir string `json:"statute_dir" yaml:"statute_dir" toml:"statute_dir"`

	// LLM providers
	Chat      LLMConfig       `json:"chat" yaml:"chat" toml:"chat"`
	Embedding EmbeddingConfig `json:"embedding" yaml:"embedding" toml:"embedding"`

	// Chunking
	ChunkSize    int     `json:"chunk_size" yaml:"chunk_size" toml:"chunk_size"`          // runes per chunk
	ChunkOverlap float64 `json:"chunk_overlap" yaml:"chunk_overlap" toml:"chunk_overlap"` // fraction of ChunkSize, [0, 0.5]

	// Retrieval
	StatuteK         int     `json:"statute_k" yaml:"statute_k" toml:"statute_k"`
	CaseK            int     `json:"case_k" yaml:"case_k" toml:"case_k"`
	MinScore         float64 `json:"min_score" yaml:"min_score" toml:"min_score"`
	DedupOverlap     float64 `json:"dedup_overlap" yaml:"dedup_overlap" toml:"dedup_overlap"`
	MaxPassages      int     `json:"max_passages" yaml:"max_passages" toml:"max_passages"`
	MaxPassageTokens int     `json:"max_passage_tokens" yaml:"max_passage_tokens" toml:"max_passage_tokens"`
	LinearScanLimit  int     `json:"linear_scan_limit" yaml:"linear_scan_limit" toml:"linear_scan_limit"`

	// Prompt and answer
	MaxPromptTokens int     `json:"max_prompt_tokens" yaml:"max_prompt_tokens" toml:"max_prompt_tokens"`
	HistoryTurns    int     `json:"history_turns" yaml:"history_turns" toml:"history_turns"`
	Temperature     float64 `json:"temperature" yaml:"temperature" toml:"temperature"`
	MaxAnswerTokens int     `json:"max_answer_tokens" yaml:"max_answer_tokens" toml:"max_answer_tokens"`
	Tokenizer       string  `json:"tokenizer" yaml:"tokenizer" toml:"tokenizer"` // tiktoken encoding name or "heuristic"

	// LLM transport
	LLMTimeoutSeconds    int     `json:"llm_timeout_seconds" yaml:"llm_timeout_seconds" toml:"llm_timeout_seconds"`
	LLMMaxAttempts       int     `json:"llm_max_attempts" yaml:"llm_max_attempts" toml:"llm_max_attempts"`
	LLMRequestsPerSecond float64 `json:"llm_requests_per_second" yaml:"llm_requests_per_second" toml:"llm_requests_per_second"`

	Server ServerConfig `json:"server" yaml:"server" toml:"server"`

	LogLevel  string `json:"log_level" yaml:"log_level" toml:"log_level"`    // debug, info, warn, error
	LogFormat string `json:"log_format" yaml:"log_format" toml:"log_format"` // json or text
}

// LLMConfig configures the chat endpoint.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider" toml:"provider"` // ollama, lmstudio, openai, deepseek, openrouter, groq, custom
	Model    string `json:"model" yaml:"model" toml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url" toml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key" toml:"api_key"`
}

// EmbeddingConfig configures the embedding backend. Provider "hash" uses
// the local deterministic embedder and needs no endpoint.
type EmbeddingConfig struct {
	Provider    string `json:"provider" yaml:"provider" toml:"provider"`
	Model       string `json:"model" yaml:"model" toml:"model"`
	BaseURL     string `json:"base_url" yaml:"base_url" toml:"base_url"`
	APIKey      string `json:"api_key" yaml:"api_key" toml:"api_key"`
	Dimension   int    `json:"dimension" yaml:"dimension" toml:"dimension"`
	BatchSize   int    `json:"batch_size" yaml:"batch_size" toml:"batch_size"`
	Concurrency int    `json:"concurrency" yaml:"concurrency" toml:"concurrency"`
}

// ServerConfig configures cmd/server.
type ServerConfig struct {
	Addr        string `json:"addr" yaml:"addr" toml:"addr"`
	AuthToken   string `json:"auth_token" yaml:"auth_token" toml:"auth_token"`       // empty disables bearer auth
	CORSOrigins string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"` // comma-separated
}

// DefaultConfig returns a Config with the documented defaults: DeepSeek for
// chat and a local Ollama model for embeddings.
func DefaultConfig() Config {
	return Config{
		DataDir: defaultDataDir(),
		Chat: LLMConfig{
			Provider: "deepseek",
			Model:    "deepseek-chat",
			BaseURL:  "https://api.deepseek.com",
		},
		Embedding: EmbeddingConfig{
			Provider:    "ollama",
			Model:       "nomic-embed-text",
			BaseURL:     "http://localhost:11434",
			Dimension:   768,
			BatchSize:   32,
			Concurrency: 2,
		},
		ChunkSize:            800,
		ChunkOverlap:         0.15,
		StatuteK:             5,
		CaseK:                5,
		MinScore:             0.1,
		DedupOverlap:         0.5,
		MaxPassages:          8,
		MaxPassageTokens:     3000,
		LinearScanLimit:      2000,
		MaxPromptTokens:      6000,
		HistoryTurns:         4,
		Temperature:          0,
		MaxAnswerTokens:      2000,
		Tokenizer:            "cl100k_base",
		LLMTimeoutSeconds:    60,
		LLMMaxAttempts:       3,
		LLMRequestsPerSecond: 0,
		Server: ServerConfig{
			Addr:        "127.0.0.1:8080",
			CORSOrigins: "http://localhost:5173",
		},
		LogLevel:  "info",
		LogFormat: "json",
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".caselaw" // fallback to cwd
	}
	return filepath.Join(home, ".caselaw")
}

// LoadConfig reads a JSON, YAML or TOML file over DefaultConfig. The format
// is chosen by extension.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(&cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	default:
		return cfg, fmt.Errorf("%w: unsupported config format %q", ErrInvalidConfig, ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("%w: parsing %s: %v", ErrInvalidConfig, filepath.Base(path), err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from CASELAW_* environment variables. Chat API
// keys fall back to the provider's well-known variable.
func (c *Config) ApplyEnv() error {
	str := map[string]*string{
		"CASELAW_DATA_DIR":       &c.DataDir,
		"CASELAW_STATUTE_DIR":    &c.StatuteDir,
		"CASELAW_CHAT_PROVIDER":  &c.Chat.Provider,
		"CASELAW_CHAT_MODEL":     &c.Chat.Model,
		"CASELAW_CHAT_BASE_URL":  &c.Chat.BaseURL,
		"CASELAW_CHAT_API_KEY":   &c.Chat.APIKey,
		"CASELAW_EMBED_PROVIDER": &c.Embedding.Provider,
		"CASELAW_EMBED_MODEL":    &c.Embedding.Model,
		"CASELAW_EMBED_BASE_URL": &c.Embedding.BaseURL,
		"CASELAW_EMBED_API_KEY":  &c.Embedding.APIKey,
		"CASELAW_TOKENIZER":      &c.Tokenizer,
		"CASELAW_ADDR":           &c.Server.Addr,
		"CASELAW_AUTH_TOKEN":     &c.Server.AuthToken,
		"CASELAW_CORS_ORIGINS":   &c.Server.CORSOrigins,
		"CASELAW_LOG_LEVEL":      &c.LogLevel,
		"CASELAW_LOG_FORMAT":     &c.LogFormat,
	}
	for name, dst := range str {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"CASELAW_EMBED_DIM":         &c.Embedding.Dimension,
		"CASELAW_CHUNK_SIZE":        &c.ChunkSize,
		"CASELAW_MAX_PASSAGES":      &c.MaxPassages,
		"CASELAW_MAX_PROMPT_TOKENS": &c.MaxPromptTokens,
		"CASELAW_HISTORY_TURNS":     &c.HistoryTurns,
		"CASELAW_LLM_TIMEOUT":       &c.LLMTimeoutSeconds,
	}
	for name, dst := range ints {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidConfig, name, v)
		}
		*dst = n
	}

	if c.Chat.APIKey == "" {
		switch c.Chat.Provider {
		case "deepseek":
			c.Chat.APIKey = os.Getenv("DEEPSEEK_API_KEY")
		case "openai":
			c.Chat.APIKey = os.Getenv("OPENAI_API_KEY")
		case "groq":
			c.Chat.APIKey = os.Getenv("GROQ_API_KEY")
		}
	}
	if c.Embedding.APIKey == "" && c.Embedding.Provider == "openai" {
		c.Embedding.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	return nil
}

// Validate rejects out-of-range values.
func (c Config) Validate() error {
	var problems []string
	check := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	check(c.DataDir != "", "data_dir is required")
	check(c.Chat.Provider != "", "chat.provider is required")
	check(c.Embedding.Provider != "", "embedding.provider is required")
	check(c.Embedding.Provider == "hash" || c.Embedding.Model != "", "embedding.model is required")
	check(c.Embedding.Dimension > 0, "embedding.dimension must be positive")
	check(c.ChunkSize > 0, "chunk_size must be positive")
	check(c.ChunkOverlap >= 0 && c.ChunkOverlap <= 0.5, "chunk_overlap must be within [0, 0.5]")
	check(c.StatuteK > 0 && c.CaseK > 0, "statute_k and case_k must be positive")
	check(c.MinScore >= -1 && c.MinScore <= 1, "min_score must be within [-1, 1]")
	check(c.DedupOverlap > 0 && c.DedupOverlap <= 1, "dedup_overlap must be within (0, 1]")
	check(c.MaxPassages > 0, "max_passages must be positive")
	check(c.MaxPassageTokens >= 0, "max_passage_tokens must not be negative")
	check(c.MaxPromptTokens > 0, "max_prompt_tokens must be positive")
	check(c.HistoryTurns >= 0, "history_turns must not be negative")
	check(c.Temperature >= 0 && c.Temperature <= 2, "temperature must be within [0, 2]")
	check(c.LLMTimeoutSeconds >= 0, "llm_timeout_seconds must not be negative")
	check(c.LLMRequestsPerSecond >= 0, "llm_requests_per_second must not be negative")
	check(c.LogFormat == "" || c.LogFormat == "json" || c.LogFormat == "text", "log_format must be json or text")
	if _, err := parseLevel(c.LogLevel); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func (c Config) statuteDir() string {
	if c.StatuteDir != "" {
		return c.StatuteDir
	}
	return filepath.Join(c.DataDir, "statutes")
}

func (c Config) indexDir() string { return filepath.Join(c.DataDir, "index") }
func (c Config) casesDir() string { return filepath.Join(c.DataDir, "cases") }

// NewLogger builds the slog logger selected by LogFormat and LogLevel.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("log_level %q is not a valid level", s)
	}
	return level, nil
}
