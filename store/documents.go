package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/brunobiangulo/caselaw/chunker"
	"github.com/brunobiangulo/caselaw/parser"
)

// Document is one uploaded file of a case.
type Document struct {
	ID          string    `json:"id"`
	CaseID      string    `json:"case_id"`
	Ordinal     int       `json:"ordinal"`
	Filename    string    `json:"filename"`
	StoredName  string    `json:"stored_name"`
	Format      string    `json:"format"`
	Chars       int       `json:"chars"`
	ContentHash string    `json:"content_hash"`
	Blocks      int       `json:"blocks"`
	Chunks      int       `json:"chunks"`
	CreatedAt   time.Time `json:"created_at"`
}

// AddDocument extracts, chunks and embeds raw, stores the original file
// and commits everything in one transaction. On any failure the case is
// left exactly as it was.
func (s *Store) AddDocument(ctx context.Context, caseID, filename string, raw []byte, format string) (*Document, error) {
	if strings.TrimSpace(filename) == "" {
		return nil, fmt.Errorf("%w: filename is empty", ErrInvalidInput)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrInvalidInput, filename)
	}
	if format == "" {
		format = parser.FormatFromFilename(filename)
	}
	format = strings.ToLower(strings.TrimPrefix(format, "."))

	db, unlock, err := s.acquire(ctx, caseID, true)
	if err != nil {
		return nil, err
	}
	defer unlock()

	info, err := readCase(ctx, db)
	if err != nil {
		return nil, err
	}
	if info.EmbeddingModel != s.embedder.Model() || info.EmbeddingDim != s.embedder.Dimension() {
		return nil, fmt.Errorf("%w: case uses %s (%d dims), configured model is %s (%d dims)",
			ErrEmbeddingMismatch, info.EmbeddingModel, info.EmbeddingDim, s.embedder.Model(), s.embedder.Dimension())
	}

	start := time.Now()
	res, err := s.registry.Extract(ctx, raw, format)
	if err != nil {
		return nil, err
	}
	chunks := s.chunker.Chunk(res.Blocks)

	var texts []string
	for _, c := range chunks {
		if c.Text != "" {
			texts = append(texts, c.Text)
		}
	}
	vecs, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}

	stored, err := s.storedName(ctx, db, caseID, filename)
	if err != nil {
		return nil, err
	}

	text := chunker.JoinBlocks(res.Blocks)
	sum := sha256.Sum256(raw)
	doc := &Document{
		ID:          uuid.NewString(),
		CaseID:      caseID,
		Filename:    filename,
		StoredName:  stored,
		Format:      format,
		Chars:       utf8.RuneCountInString(text),
		ContentHash: hex.EncodeToString(sum[:]),
		Blocks:      len(res.Blocks),
		Chunks:      len(chunks),
		CreatedAt:   time.Now().UTC(),
	}

	path := filepath.Join(s.caseDir(caseID), filesDir, stored)
	if err := writeFileAtomic(path, raw); err != nil {
		return nil, fmt.Errorf("storing %s: %w", stored, err)
	}

	err = inTx(ctx, db, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(ordinal), -1) + 1 FROM documents").Scan(&doc.Ordinal); err != nil {
			return err
		}
		meta, _ := json.Marshal(res.Metadata)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO documents (id, ordinal, filename, stored_name, format, chars, content_hash, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			doc.ID, doc.Ordinal, doc.Filename, doc.StoredName, doc.Format, doc.Chars,
			doc.ContentHash, string(meta), doc.CreatedAt.Format(timeLayout)); err != nil {
			return err
		}
		if err := insertBlocks(ctx, tx, doc.ID, res.Blocks); err != nil {
			return err
		}
		if err := insertChunks(ctx, tx, doc, chunks, vecs); err != nil {
			return err
		}
		return touch(ctx, tx, doc.CreatedAt)
	})
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("saving document: %w", err)
	}

	slog.Info("store: document added",
		"case", caseID,
		"document", doc.ID,
		"file", stored,
		"format", format,
		"blocks", doc.Blocks,
		"chunks", doc.Chunks,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return doc, nil
}

func insertBlocks(ctx context.Context, tx *sql.Tx, docID string, blocks []parser.Block) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO blocks (document_id, ordinal, text, page, paragraph, section, hard_break)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, b := range blocks {
		if _, err := stmt.ExecContext(ctx, docID, b.Ordinal, b.Text, b.Page, b.Paragraph, b.Section, b.HardBreak); err != nil {
			return err
		}
	}
	return nil
}

// insertChunks stores every chunk; vecs holds one vector per non-empty
// chunk, in order.
func insertChunks(ctx context.Context, tx *sql.Tx, doc *Document, chunks []chunker.Chunk, vecs [][]float32) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (chunk_key, document_id, ordinal, content, start_offset, end_offset,
			overlap, segment, page_number, label, token_count, content_hash, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	vecStmt, err := tx.PrepareContext(ctx,
		"INSERT INTO vec_chunks (chunk_id, embedding) VALUES (?, ?)")
	if err != nil {
		return err
	}
	defer vecStmt.Close()

	next := 0
	for _, c := range chunks {
		var blob []byte
		if c.Text != "" {
			if next >= len(vecs) {
				return fmt.Errorf("missing embedding for chunk %d", c.Ordinal)
			}
			blob = serializeFloat32(vecs[next])
			next++
		}

		label := doc.Filename
		if c.Label != "" {
			label += ", " + c.Label
		}
		res, err := stmt.ExecContext(ctx,
			ChunkKey(doc.ID, c.Ordinal), doc.ID, c.Ordinal, c.Text, c.Start, c.End,
			c.Overlap, c.Segment, c.Page, label, c.TokenCount, c.ContentHash, blob)
		if err != nil {
			return err
		}
		if blob == nil {
			continue
		}
		rowID, err := res.LastInsertId()
		if err != nil {
			return err
		}
		if _, err := vecStmt.ExecContext(ctx, rowID, blob); err != nil {
			return err
		}
	}
	return nil
}

// ChunkKey is the stable id of a chunk within its case.
func ChunkKey(docID string, ordinal int) string {
	return docID + "#" + strconv.Itoa(ordinal)
}

// DeleteDocument removes a document, its blocks, chunks and vectors in one
// transaction, then its stored file.
func (s *Store) DeleteDocument(ctx context.Context, caseID, docID string) error {
	db, unlock, err := s.acquire(ctx, caseID, true)
	if err != nil {
		return err
	}
	defer unlock()

	var stored string
	err = inTx(ctx, db, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			"SELECT stored_name FROM documents WHERE id = ?", docID).Scan(&stored); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrDocumentNotFound, docID)
			}
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM vec_chunks WHERE chunk_id IN (
				SELECT id FROM chunks WHERE document_id = ?
			)`, docID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM chunks WHERE document_id = ?", docID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM blocks WHERE document_id = ?", docID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM documents WHERE id = ?", docID); err != nil {
			return err
		}
		return touch(ctx, tx, time.Now().UTC())
	})
	if err != nil {
		return err
	}

	if err := os.Remove(filepath.Join(s.caseDir(caseID), filesDir, stored)); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("store: removing document file", "case", caseID, "file", stored, "error", err)
	}
	slog.Info("store: document deleted", "case", caseID, "document", docID)
	return nil
}

// Documents lists the documents of a case in upload order.
func (s *Store) Documents(ctx context.Context, caseID string) ([]Document, error) {
	db, unlock, err := s.acquire(ctx, caseID, false)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rows, err := db.QueryContext(ctx, `
		SELECT d.id, d.ordinal, d.filename, d.stored_name, d.format, d.chars, d.content_hash, d.created_at,
			(SELECT COUNT(*) FROM blocks b WHERE b.document_id = d.id),
			(SELECT COUNT(*) FROM chunks c WHERE c.document_id = d.id)
		FROM documents d ORDER BY d.ordinal
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		d := Document{CaseID: caseID}
		var created string
		if err := rows.Scan(&d.ID, &d.Ordinal, &d.Filename, &d.StoredName, &d.Format,
			&d.Chars, &d.ContentHash, &created, &d.Blocks, &d.Chunks); err != nil {
			return nil, err
		}
		d.CreatedAt = parseTime(created)
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// DocumentText returns the extracted text of one document, blocks joined
// the way the chunk offsets refer to them.
func (s *Store) DocumentText(ctx context.Context, caseID, docID string) (string, error) {
	db, unlock, err := s.acquire(ctx, caseID, false)
	if err != nil {
		return "", err
	}
	defer unlock()

	var exists int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents WHERE id = ?", docID).Scan(&exists); err != nil {
		return "", err
	}
	if exists == 0 {
		return "", fmt.Errorf("%w: %s", ErrDocumentNotFound, docID)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT ordinal, text, page, paragraph, section, hard_break
		FROM blocks WHERE document_id = ? ORDER BY ordinal`, docID)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	var blocks []parser.Block
	for rows.Next() {
		var b parser.Block
		if err := rows.Scan(&b.Ordinal, &b.Text, &b.Page, &b.Paragraph, &b.Section, &b.HardBreak); err != nil {
			return "", err
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return chunker.JoinBlocks(blocks), nil
}

// storedName sanitises filename and appends "(n)" before the extension
// until it collides with neither a stored document nor a file on disk.
func (s *Store) storedName(ctx context.Context, db *sql.DB, caseID, filename string) (string, error) {
	name := SanitizeFilename(filename)
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	for n := 0; ; n++ {
		candidate := name
		if n > 0 {
			candidate = fmt.Sprintf("%s(%d)%s", base, n, ext)
		}
		var taken int
		if err := db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM documents WHERE stored_name = ?", candidate).Scan(&taken); err != nil {
			return "", err
		}
		if taken > 0 {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.caseDir(caseID), filesDir, candidate)); err == nil {
			continue
		}
		return candidate, nil
	}
}

// SanitizeFilename replaces characters that are unsafe in file names
// (<>:"/\|?* and control characters) with '_'.
func SanitizeFilename(name string) string {
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || strings.ContainsRune(`<>:"/\|?*`, r) {
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
	switch name {
	case "", ".", "..":
		return "document"
	}
	return name
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
