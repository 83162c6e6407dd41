// Package retrieval gathers the passages a question is answered from: the
// case's own chunks and the statute corpus, searched concurrently, merged,
// deduplicated and bounded.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brunobiangulo/caselaw/index"
	"github.com/brunobiangulo/caselaw/tokenizer"
)

// Source identifies where a passage came from.
type Source string

const (
	SourceCase    Source = "case"
	SourceStatute Source = "statute"
)

// Passage is one retrieved chunk with its display metadata.
type Passage struct {
	Source     Source  `json:"source"`
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Label      string  `json:"label"`
	Text       string  `json:"text"`
	DocOrdinal int     `json:"doc_ordinal"`
	Ordinal    int     `json:"ordinal"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Score      float64 `json:"score"`
	Tokens     int     `json:"tokens"`
}

// Searcher is the retrieval capability shared by the statute index and
// case stores: top-k passages for a unit query vector, best first.
type Searcher interface {
	Search(ctx context.Context, query []float32, k int) ([]Passage, error)
}

// QueryEmbedder embeds the question.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Config holds retrieval configuration.
type Config struct {
	StatuteK         int     // statute hits requested (default 5)
	CaseK            int     // case hits requested (default 5)
	MinScore         float64 // hits below are dropped
	DedupOverlap     float64 // span overlap fraction treated as duplicate (default 0.5)
	MaxPassages      int     // passages kept after merging (default 8)
	MaxPassageTokens int     // token budget for all passages, 0 = unlimited
}

// DefaultConfig returns the pinned retrieval defaults.
func DefaultConfig() Config {
	return Config{
		StatuteK:         5,
		CaseK:            5,
		MinScore:         0.1,
		DedupOverlap:     0.5,
		MaxPassages:      8,
		MaxPassageTokens: 3000,
	}
}

// Trace records what happened during one retrieval.
type Trace struct {
	CaseHits         int   `json:"case_hits"`
	StatuteHits      int   `json:"statute_hits"`
	BelowMinScore    int   `json:"below_min_score"`
	Duplicates       int   `json:"duplicates"`
	OverLimit        int   `json:"over_limit"`
	OverBudget       int   `json:"over_budget"`
	PassageTokens    int   `json:"passage_tokens"`
	StatuteAvailable bool  `json:"statute_available"`
	ElapsedMs        int64 `json:"elapsed_ms"`
}

// Result is the merged passage list for one question.
type Result struct {
	Passages []Passage `json:"passages"`
	// Grounded is false when no passage survived; the answer must then say
	// that no basis was found.
	Grounded bool `json:"grounded"`
	// StatuteAvailable is false when the statute index was not loaded and
	// only the case was searched.
	StatuteAvailable bool   `json:"statute_available"`
	Trace            *Trace `json:"trace"`
}

// Orchestrator runs retrieval for questions.
type Orchestrator struct {
	embedder QueryEmbedder
	statutes Searcher
	counter  tokenizer.Counter
	cfg      Config
}

// New creates an orchestrator. statutes may be nil, in which case only case
// passages are returned. Zero counts and DedupOverlap take their defaults;
// MinScore is used as given, so 0 keeps every non-negative hit.
func New(embedder QueryEmbedder, statutes Searcher, counter tokenizer.Counter, cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.StatuteK == 0 {
		cfg.StatuteK = def.StatuteK
	}
	if cfg.CaseK == 0 {
		cfg.CaseK = def.CaseK
	}
	if cfg.DedupOverlap == 0 {
		cfg.DedupOverlap = def.DedupOverlap
	}
	if cfg.MaxPassages == 0 {
		cfg.MaxPassages = def.MaxPassages
	}
	if counter == nil {
		counter = tokenizer.Heuristic{}
	}
	return &Orchestrator{embedder: embedder, statutes: statutes, counter: counter, cfg: cfg}
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// Retrieve embeds question once, searches the statutes and caseSearcher
// concurrently and returns the merged, deduplicated, bounded passages.
// An empty result is not an error.
func (o *Orchestrator) Retrieve(ctx context.Context, question string, caseSearcher Searcher) (*Result, error) {
	start := time.Now()
	trace := &Trace{StatuteAvailable: o.statutes != nil}

	query, err := o.embedder.EmbedQuery(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("embedding question: %w", err)
	}

	var caseHits, statuteHits []Passage
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := caseSearcher.Search(gctx, query, o.cfg.CaseK)
		if err != nil {
			return fmt.Errorf("case search: %w", err)
		}
		caseHits = hits
		return nil
	})
	if o.statutes != nil {
		g.Go(func() error {
			hits, err := o.statutes.Search(gctx, query, o.cfg.StatuteK)
			if errors.Is(err, index.ErrIndexNotLoaded) {
				trace.StatuteAvailable = false
				return nil
			}
			if err != nil {
				return fmt.Errorf("statute search: %w", err)
			}
			statuteHits = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if !trace.StatuteAvailable {
		slog.Warn("retrieval: statute index unavailable, answering from case documents only")
	}

	trace.CaseHits = len(caseHits)
	trace.StatuteHits = len(statuteHits)

	passages := o.merge(caseHits, statuteHits, trace)
	trace.ElapsedMs = time.Since(start).Milliseconds()

	slog.Debug("retrieval: passages selected",
		"case_hits", trace.CaseHits,
		"statute_hits", trace.StatuteHits,
		"passages", len(passages),
		"dropped_score", trace.BelowMinScore,
		"dropped_duplicate", trace.Duplicates,
		"dropped_limit", trace.OverLimit+trace.OverBudget,
		"elapsed", time.Since(start).Round(time.Millisecond))

	return &Result{
		Passages:         passages,
		Grounded:         len(passages) > 0,
		StatuteAvailable: trace.StatuteAvailable,
		Trace:            trace,
	}, nil
}
