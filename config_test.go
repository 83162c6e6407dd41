package caselaw

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "deepseek", cfg.Chat.Provider)
	assert.Equal(t, ".caselaw", filepath.Base(cfg.DataDir))
	assert.Equal(t, filepath.Join(cfg.DataDir, "statutes"), cfg.statuteDir())
	assert.Equal(t, filepath.Join(cfg.DataDir, "index"), cfg.indexDir())
}

func TestLoadConfigFormats(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
	}{
		{"json", "caselaw.json", `{"data_dir": "/srv/caselaw", "chunk_size": 600, "chat": {"provider": "openai", "model": "gpt-4o-mini"}}`},
		{"yaml", "caselaw.yaml", "data_dir: /srv/caselaw\nchunk_size: 600\nchat:\n  provider: openai\n  model: gpt-4o-mini\n"},
		{"toml", "caselaw.toml", "data_dir = \"/srv/caselaw\"\nchunk_size = 600\n\n[chat]\nprovider = \"openai\"\nmodel = \"gpt-4o-mini\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadConfig(writeConfig(t, tt.file, tt.body))
			require.NoError(t, err)
			assert.Equal(t, "/srv/caselaw", cfg.DataDir)
			assert.Equal(t, 600, cfg.ChunkSize)
			assert.Equal(t, "openai", cfg.Chat.Provider)
			assert.Equal(t, "gpt-4o-mini", cfg.Chat.Model)
			// Unset fields keep their defaults.
			assert.Equal(t, 0.15, cfg.ChunkOverlap)
			assert.Equal(t, 768, cfg.Embedding.Dimension)
		})
	}
}

func TestLoadConfigKeepsExplicitZeros(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "caselaw.yaml", "chunk_overlap: 0\nmin_score: 0\n"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Zero(t, cfg.ChunkOverlap)
	assert.Zero(t, cfg.MinScore)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "caselaw.ini", "data_dir=/x"))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = LoadConfig(writeConfig(t, "caselaw.json", `{"chunk_sise": 600}`))
	assert.ErrorIs(t, err, ErrInvalidConfig, "unknown JSON fields are rejected")

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("CASELAW_DATA_DIR", "/var/lib/caselaw")
	t.Setenv("CASELAW_EMBED_PROVIDER", "hash")
	t.Setenv("CASELAW_EMBED_DIM", "128")
	t.Setenv("CASELAW_CHAT_API_KEY", "")
	t.Setenv("DEEPSEEK_API_KEY", "sk-deepseek")

	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, "/var/lib/caselaw", cfg.DataDir)
	assert.Equal(t, "hash", cfg.Embedding.Provider)
	assert.Equal(t, 128, cfg.Embedding.Dimension)
	assert.Equal(t, "sk-deepseek", cfg.Chat.APIKey, "falls back to the provider's variable")

	t.Setenv("CASELAW_CHAT_API_KEY", "sk-explicit")
	cfg = DefaultConfig()
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, "sk-explicit", cfg.Chat.APIKey)

	t.Setenv("CASELAW_CHUNK_SIZE", "big")
	cfg = DefaultConfig()
	assert.ErrorIs(t, cfg.ApplyEnv(), ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChunkOverlap = 0.8
	cfg.MaxPromptTokens = 0
	cfg.LogFormat = "xml"
	cfg.LogLevel = "loud"

	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	for _, want := range []string{"chunk_overlap", "max_prompt_tokens", "log_format", "log_level"} {
		assert.Contains(t, err.Error(), want)
	}

	cfg = DefaultConfig()
	cfg.Embedding = EmbeddingConfig{Provider: "hash", Dimension: 64}
	assert.NoError(t, cfg.Validate(), "hash embedder needs no model name")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.LogFormat = "text"
	cfg.LogLevel = "warn"

	log := cfg.NewLogger(&buf)
	log.Info("hidden")
	log.Warn("caselaw: shown", "case", "abc")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.Contains(out, "caselaw: shown") && strings.Contains(out, "case=abc"), out)
}
