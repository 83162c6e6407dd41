// Package tokenizer counts prompt tokens for context-window budgeting.
package tokenizer

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"unicode"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is the BPE encoding used by current OpenAI-compatible
// chat models.
const DefaultEncoding = "cl100k_base"

// Counter counts tokens in a piece of text.
type Counter interface {
	Count(text string) int
}

// Tiktoken counts tokens with a BPE encoding.
type Tiktoken struct {
	enc *tiktoken.Tiktoken
}

// NewTiktoken loads the named encoding. Loading may need network access the
// first time the BPE ranks are fetched.
func NewTiktoken(encoding string) (*Tiktoken, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("loading tiktoken encoding %s: %w", encoding, err)
	}
	return &Tiktoken{enc: enc}, nil
}

func (t *Tiktoken) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// Heuristic approximates token counts without a vocabulary: about 1.3
// tokens per whitespace-separated word plus one per CJK character.
type Heuristic struct{}

func (Heuristic) Count(text string) int { return Estimate(text) }

// Estimate is the Heuristic count as a plain function.
func Estimate(text string) int {
	cjk := 0
	for _, r := range text {
		if unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul) {
			cjk++
		}
	}
	words := len(strings.FieldsFunc(text, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
	}))
	return int(math.Ceil(float64(words)*1.3)) + cjk
}

// New returns a tiktoken counter for the named encoding, or the heuristic
// when name is "heuristic" or the encoding cannot be loaded.
func New(name string) Counter {
	if name == "heuristic" {
		return Heuristic{}
	}
	if name == "" || name == "tiktoken" {
		name = DefaultEncoding
	}
	t, err := NewTiktoken(name)
	if err != nil {
		slog.Warn("tokenizer: falling back to heuristic counter", "encoding", name, "error", err)
		return Heuristic{}
	}
	return t
}
