// Package index holds the statute corpus vector index: an exact
// inner-product index over unit vectors, persisted as a versioned artifact
// and swapped atomically on rebuild.
package index

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/brunobiangulo/caselaw/embedding"
)

var (
	// ErrIndexNotLoaded is returned by Search before any successful build or load.
	ErrIndexNotLoaded = errors.New("index: statute index not loaded")

	// ErrIndexBuild is returned when a build fails. The previous index stays live.
	ErrIndexBuild = errors.New("index: build failed")

	// ErrCorruptIndex is returned when the persisted vectors and metadata are
	// missing, unreadable or disagree with each other.
	ErrCorruptIndex = errors.New("index: corrupt index")

	// ErrNoIndex is returned by Load when nothing has been built yet.
	ErrNoIndex = errors.New("index: no index on disk")
)

// MetricInnerProduct is the only supported metric. Vectors are unit length
// so the score is the cosine similarity.
const MetricInnerProduct = "inner_product"

// Entry is the metadata row for one indexed vector.
type Entry struct {
	ChunkID    string `json:"chunk_id"`
	DocumentID string `json:"document_id"`
	Source     string `json:"source"` // corpus filename
	Label      string `json:"label"`  // display label, e.g. "labor_law.txt, Article 12"
	Text       string `json:"text"`
	DocOrdinal int    `json:"doc_ordinal"`
	Ordinal    int    `json:"ordinal"`
	Start      int    `json:"start"`
	End        int    `json:"end"`
	Hash       string `json:"hash"`
}

// Hit is a search result.
type Hit struct {
	Entry
	Position int
	Score    float64
}

// Snapshot is one immutable, fully built index version. It is safe for
// concurrent use.
type Snapshot struct {
	Version   string
	Model     string
	Dimension int
	BuiltAt   time.Time

	entries []Entry
	vectors []float32 // len(entries) rows of Dimension values
}

func newSnapshot(version, model string, dim int, builtAt time.Time, entries []Entry, vectors []float32) (*Snapshot, error) {
	if len(vectors) != len(entries)*dim {
		return nil, fmt.Errorf("%w: %d entries but %d vector values (dimension %d)",
			ErrCorruptIndex, len(entries), len(vectors), dim)
	}
	return &Snapshot{
		Version:   version,
		Model:     model,
		Dimension: dim,
		BuiltAt:   builtAt,
		entries:   entries,
		vectors:   vectors,
	}, nil
}

// Len returns the number of indexed vectors.
func (s *Snapshot) Len() int { return len(s.entries) }

func (s *Snapshot) row(i int) []float32 {
	return s.vectors[i*s.Dimension : (i+1)*s.Dimension]
}

// Search returns the k entries with the highest inner product against
// query, best first. Equal scores keep corpus order.
func (s *Snapshot) Search(query []float32, k int) ([]Hit, error) {
	if len(query) != s.Dimension {
		return nil, fmt.Errorf("index: query dimension %d, index dimension %d", len(query), s.Dimension)
	}
	if k <= 0 || len(s.entries) == 0 {
		return nil, nil
	}

	q := embedding.Normalize(query)
	hits := make([]Hit, len(s.entries))
	for i := range s.entries {
		hits[i] = Hit{Entry: s.entries[i], Position: i, Score: embedding.Dot(q, s.row(i))}
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].Score > hits[b].Score })

	if k < len(hits) {
		hits = hits[:k]
	}
	return hits, nil
}

// Status describes the loaded index.
type Status struct {
	Loaded    bool      `json:"loaded"`
	Version   string    `json:"version,omitempty"`
	Model     string    `json:"model,omitempty"`
	Dimension int       `json:"dimension,omitempty"`
	Entries   int       `json:"entries"`
	BuiltAt   time.Time `json:"built_at,omitzero"`
}
