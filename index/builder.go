package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/brunobiangulo/caselaw/embedding"
)

// Chunk is one statute chunk handed to Build.
type Chunk struct {
	ChunkID    string
	DocumentID string
	Source     string
	Label      string
	Text       string
	DocOrdinal int
	Ordinal    int
	Start      int
	End        int
	Hash       string
}

// Index owns the on-disk statute index under one directory and the
// currently served Snapshot. Builds are serialised; readers never block.
type Index struct {
	dir      string
	embedder embedding.Embedder

	buildMu sync.Mutex
	current atomic.Pointer[Snapshot]
}

// New returns an Index rooted at dir. Nothing is loaded until Load or Build.
func New(dir string, embedder embedding.Embedder) *Index {
	return &Index{dir: dir, embedder: embedder}
}

// Snapshot returns the live snapshot, or nil before a successful load/build.
func (ix *Index) Snapshot() *Snapshot {
	return ix.current.Load()
}

// Search runs a query against the live snapshot.
func (ix *Index) Search(query []float32, k int) ([]Hit, error) {
	s := ix.current.Load()
	if s == nil {
		return nil, ErrIndexNotLoaded
	}
	return s.Search(query, k)
}

// Status reports the live snapshot.
func (ix *Index) Status() Status {
	s := ix.current.Load()
	if s == nil {
		return Status{}
	}
	return Status{
		Loaded:    true,
		Version:   s.Version,
		Model:     s.Model,
		Dimension: s.Dimension,
		Entries:   s.Len(),
		BuiltAt:   s.BuiltAt,
	}
}

// Load reads the version CURRENT points at and makes it live. It returns
// ErrNoIndex when nothing was ever built and ErrCorruptIndex when the
// persisted pair is incomplete, inconsistent or built with another model.
func (ix *Index) Load() error {
	version, err := readCurrent(ix.dir)
	if err != nil {
		return err
	}
	s, err := readVersion(ix.dir, version)
	if err != nil {
		return err
	}
	if s.Model != ix.embedder.Model() || s.Dimension != ix.embedder.Dimension() {
		return fmt.Errorf("%w: built with %s (%d dims), embedder is %s (%d dims)",
			ErrCorruptIndex, s.Model, s.Dimension, ix.embedder.Model(), ix.embedder.Dimension())
	}
	ix.current.Store(s)
	slog.Info("index: loaded statute index", "version", version, "entries", s.Len())
	return nil
}

// Build embeds chunks, persists a new version and swaps it in. On any
// failure the previously served snapshot and CURRENT are left untouched.
// Chunks with empty text are skipped.
func (ix *Index) Build(ctx context.Context, chunks []Chunk) (*Snapshot, error) {
	ix.buildMu.Lock()
	defer ix.buildMu.Unlock()

	start := time.Now()

	var (
		entries []Entry
		texts   []string
	)
	for _, c := range chunks {
		if c.Text == "" {
			continue
		}
		entries = append(entries, Entry{
			ChunkID:    c.ChunkID,
			DocumentID: c.DocumentID,
			Source:     c.Source,
			Label:      c.Label,
			Text:       c.Text,
			DocOrdinal: c.DocOrdinal,
			Ordinal:    c.Ordinal,
			Start:      c.Start,
			End:        c.End,
			Hash:       c.Hash,
		})
		texts = append(texts, c.Text)
	}

	dim := ix.embedder.Dimension()
	vectors := make([]float32, 0, len(entries)*dim)
	if len(texts) > 0 {
		vecs, err := ix.embedder.Embed(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("%w: embedding %d chunks: %w", ErrIndexBuild, len(texts), err)
		}
		for _, v := range vecs {
			vectors = append(vectors, embedding.Normalize(v)...)
		}
	}

	version := fmt.Sprintf("%s%s-%s", versionPref, start.UTC().Format("20060102T150405"), uuid.NewString()[:8])
	snap, err := newSnapshot(version, ix.embedder.Model(), dim, start.UTC(), entries, vectors)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIndexBuild, err)
	}

	if err := os.MkdirAll(ix.dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIndexBuild, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIndexBuild, err)
	}
	if err := writeVersion(ix.dir, snap); err != nil {
		return nil, fmt.Errorf("%w: writing version: %w", ErrIndexBuild, err)
	}
	if err := setCurrent(ix.dir, version); err != nil {
		return nil, fmt.Errorf("%w: switching CURRENT: %w", ErrIndexBuild, err)
	}

	prev := ix.current.Swap(snap)
	if err := removeStale(ix.dir, version); err != nil {
		slog.Warn("index: removing stale versions", "error", err)
	}

	prevVersion := ""
	if prev != nil {
		prevVersion = prev.Version
	}
	slog.Info("index: statute index built",
		"version", version,
		"previous", prevVersion,
		"entries", len(entries),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return snap, nil
}

// IsAbsent reports whether err from Load means no index was ever built.
func IsAbsent(err error) bool { return errors.Is(err, ErrNoIndex) }
