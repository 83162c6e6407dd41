package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"unicode"
)

// HashEmbedder is a local, model-free embedder based on signed feature
// hashing of word unigrams, word bigrams and CJK character bigrams. It is
// fully deterministic and needs no network, which makes it the offline
// default and the embedder used throughout the tests.
type HashEmbedder struct {
	dim int
}

var _ Embedder = (*HashEmbedder)(nil)

// NewHashEmbedder returns a HashEmbedder with the given dimension
// (default 384).
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 384
	}
	return &HashEmbedder{dim: dim}
}

func (h *HashEmbedder) Dimension() int { return h.dim }
func (h *HashEmbedder) Model() string  { return fmt.Sprintf("hash-v1-%d", h.dim) }

func (h *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.vector(t)
	}
	return out, nil
}

func (h *HashEmbedder) vector(text string) []float32 {
	v := make([]float32, h.dim)
	add := func(feature string, weight float32) {
		f := fnv.New64a()
		f.Write([]byte(feature))
		sum := f.Sum64()
		idx := int(sum % uint64(h.dim))
		if sum>>63 == 1 {
			weight = -weight
		}
		v[idx] += weight
	}

	words, han := tokenize(text)
	for i, w := range words {
		add("w:"+w, 1)
		if i > 0 {
			add("b:"+words[i-1]+" "+w, 0.5)
		}
	}
	for _, run := range han {
		r := []rune(run)
		if len(r) == 1 {
			add("c:"+run, 1)
		}
		for i := 1; i < len(r); i++ {
			add("c:"+string(r[i-1:i+1]), 1)
		}
	}
	return Normalize(v)
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true, "be": true,
	"by": true, "for": true, "from": true, "in": true, "is": true, "it": true, "of": true,
	"on": true, "or": true, "that": true, "the": true, "this": true, "to": true, "was": true,
	"what": true, "which": true, "with": true,
}

// tokenize lower-cases text and splits it into non-CJK words (stopwords
// removed) and runs of consecutive Han characters.
func tokenize(text string) (words, han []string) {
	var word, run strings.Builder
	flushWord := func() {
		if word.Len() > 0 {
			if w := word.String(); !stopwords[w] {
				words = append(words, w)
			}
			word.Reset()
		}
	}
	flushRun := func() {
		if run.Len() > 0 {
			han = append(han, run.String())
			run.Reset()
		}
	}
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.Is(unicode.Han, r):
			flushWord()
			run.WriteRune(r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushRun()
			word.WriteRune(r)
		default:
			flushWord()
			flushRun()
		}
	}
	flushWord()
	flushRun()
	return words, han
}
