package embedding

import (
	"context"
	"errors"
	"unicode/utf8"

	"github.com/brunobiangulo/caselaw/llm"
)

// maxEmbedRunes bounds each input so a single oversized chunk cannot make
// the backend reject a whole batch.
const maxEmbedRunes = 8000

// ProviderEmbedder embeds through a remote llm.Provider (Ollama, OpenAI or
// any OpenAI-compatible endpoint).
type ProviderEmbedder struct {
	provider llm.Provider
	model    string
	dim      int
}

var _ Embedder = (*ProviderEmbedder)(nil)

// NewProviderEmbedder wraps p. dim is the model's output dimension; every
// returned vector is checked against it.
func NewProviderEmbedder(p llm.Provider, model string, dim int) *ProviderEmbedder {
	return &ProviderEmbedder{provider: p, model: model, dim: dim}
}

func (e *ProviderEmbedder) Dimension() int { return e.dim }
func (e *ProviderEmbedder) Model() string  { return e.model }

func (e *ProviderEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	in := make([]string, len(texts))
	for i, t := range texts {
		in[i] = truncateForEmbed(t)
	}

	vecs, err := e.provider.Embed(ctx, in)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &BackendError{Op: "embed " + e.model, Transient: llm.IsTransient(err), Err: err}
	}
	return vecs, nil
}

func truncateForEmbed(s string) string {
	if utf8.RuneCountInString(s) <= maxEmbedRunes {
		return s
	}
	return string([]rune(s)[:maxEmbedRunes])
}
