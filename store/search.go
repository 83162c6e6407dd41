package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/brunobiangulo/caselaw/embedding"
)

// Hit is a case chunk returned by Search.
type Hit struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Filename   string  `json:"filename"`
	Label      string  `json:"label"`
	Text       string  `json:"text"`
	DocOrdinal int     `json:"doc_ordinal"`
	Ordinal    int     `json:"ordinal"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Score      float64 `json:"score"`
}

// SearchMode selects how a case is searched.
type SearchMode int

const (
	// SearchAuto scans small cases linearly and uses the KNN index above
	// the store's linear scan limit.
	SearchAuto SearchMode = iota
	SearchLinear
	SearchKNN
)

// Search returns the k case chunks most similar to query, best first.
// Equal scores keep document order.
func (s *Store) Search(ctx context.Context, caseID string, query []float32, k int) ([]Hit, error) {
	return s.SearchWith(ctx, caseID, query, k, SearchAuto)
}

// SearchWith is Search with an explicit mode.
func (s *Store) SearchWith(ctx context.Context, caseID string, query []float32, k int, mode SearchMode) ([]Hit, error) {
	db, unlock, err := s.acquire(ctx, caseID, false)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if len(query) != s.embedder.Dimension() {
		return nil, fmt.Errorf("%w: query dimension %d, case dimension %d",
			ErrEmbeddingMismatch, len(query), s.embedder.Dimension())
	}
	if k <= 0 {
		return nil, nil
	}
	q := embedding.Normalize(query)

	if mode == SearchAuto {
		var n int
		if err := db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM chunks WHERE embedding IS NOT NULL").Scan(&n); err != nil {
			return nil, err
		}
		mode = SearchLinear
		if n > s.linearLimit {
			mode = SearchKNN
		}
	}

	if mode == SearchKNN {
		return searchKNN(ctx, db, q, k)
	}
	return searchLinear(ctx, db, q, k)
}

const hitColumns = `c.chunk_key, c.document_id, d.filename, c.label, c.content, d.ordinal, c.ordinal,
	c.start_offset, c.end_offset`

// searchLinear scores every embedded chunk of the case in Go.
func searchLinear(ctx context.Context, db *sql.DB, q []float32, k int) ([]Hit, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+hitColumns+`, c.embedding
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.embedding IS NOT NULL
		ORDER BY d.ordinal, c.ordinal
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var (
			h    Hit
			blob []byte
		)
		if err := rows.Scan(&h.ChunkID, &h.DocumentID, &h.Filename, &h.Label, &h.Text,
			&h.DocOrdinal, &h.Ordinal, &h.Start, &h.End, &blob); err != nil {
			return nil, err
		}
		v := deserializeFloat32(blob)
		if len(v) != len(q) {
			return nil, fmt.Errorf("%w: chunk %s has %d dims", ErrEmbeddingMismatch, h.ChunkID, len(v))
		}
		h.Score = embedding.Dot(q, v)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if k < len(hits) {
		hits = hits[:k]
	}
	return hits, nil
}

// searchKNN queries the sqlite-vec index. Distances are cosine distances,
// so the score is 1 - distance.
func searchKNN(ctx context.Context, db *sql.DB, q []float32, k int) ([]Hit, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+hitColumns+`, v.distance
		FROM vec_chunks v
		JOIN chunks c ON c.id = v.chunk_id
		JOIN documents d ON d.id = c.document_id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance, d.ordinal, c.ordinal
	`, serializeFloat32(q), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var (
			h        Hit
			distance float64
		)
		if err := rows.Scan(&h.ChunkID, &h.DocumentID, &h.Filename, &h.Label, &h.Text,
			&h.DocOrdinal, &h.Ordinal, &h.Start, &h.End, &distance); err != nil {
			return nil, err
		}
		h.Score = 1.0 - distance
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
