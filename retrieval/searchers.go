package retrieval

import (
	"context"

	"github.com/brunobiangulo/caselaw/index"
	"github.com/brunobiangulo/caselaw/store"
)

// StatuteSearcher searches the live statute index snapshot.
type StatuteSearcher struct {
	Index *index.Index
}

func (s StatuteSearcher) Search(ctx context.Context, query []float32, k int) ([]Passage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hits, err := s.Index.Search(query, k)
	if err != nil {
		return nil, err
	}
	out := make([]Passage, len(hits))
	for i, h := range hits {
		out[i] = Passage{
			Source:     SourceStatute,
			ChunkID:    h.ChunkID,
			DocumentID: h.DocumentID,
			Label:      h.Label,
			Text:       h.Text,
			DocOrdinal: h.DocOrdinal,
			Ordinal:    h.Ordinal,
			Start:      h.Start,
			End:        h.End,
			Score:      h.Score,
		}
	}
	return out, nil
}

// CaseSearcher searches one case in a store.
type CaseSearcher struct {
	Store  *store.Store
	CaseID string
}

func (s CaseSearcher) Search(ctx context.Context, query []float32, k int) ([]Passage, error) {
	hits, err := s.Store.Search(ctx, s.CaseID, query, k)
	if err != nil {
		return nil, err
	}
	out := make([]Passage, len(hits))
	for i, h := range hits {
		out[i] = Passage{
			Source:     SourceCase,
			ChunkID:    h.ChunkID,
			DocumentID: h.DocumentID,
			Label:      h.Label,
			Text:       h.Text,
			DocOrdinal: h.DocOrdinal,
			Ordinal:    h.Ordinal,
			Start:      h.Start,
			End:        h.End,
			Score:      h.Score,
		}
	}
	return out, nil
}
