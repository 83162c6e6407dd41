package store

import "fmt"

// schemaSQL returns the DDL for one case database. embeddingDim controls
// the vec0 virtual table dimension and is pinned at case creation.
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
-- Single row describing the case
CREATE TABLE IF NOT EXISTS case_info (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    embedding_model TEXT NOT NULL,
    embedding_dim INTEGER NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

-- Uploaded documents, immutable once extracted
CREATE TABLE IF NOT EXISTS documents (
    id TEXT PRIMARY KEY,
    ordinal INTEGER NOT NULL UNIQUE,
    filename TEXT NOT NULL,
    stored_name TEXT NOT NULL UNIQUE,
    format TEXT NOT NULL,
    chars INTEGER NOT NULL,
    content_hash TEXT NOT NULL,
    metadata JSON,
    created_at TEXT NOT NULL
);

-- Ordered extracted blocks with their location labels
CREATE TABLE IF NOT EXISTS blocks (
    document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    ordinal INTEGER NOT NULL,
    text TEXT NOT NULL,
    page INTEGER NOT NULL DEFAULT 0,
    paragraph INTEGER NOT NULL DEFAULT 0,
    section TEXT NOT NULL DEFAULT '',
    hard_break INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (document_id, ordinal)
);

-- Chunks; embedding is NULL for empty chunks
CREATE TABLE IF NOT EXISTS chunks (
    id INTEGER PRIMARY KEY,
    chunk_key TEXT NOT NULL UNIQUE,
    document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    ordinal INTEGER NOT NULL,
    content TEXT NOT NULL,
    start_offset INTEGER NOT NULL,
    end_offset INTEGER NOT NULL,
    overlap INTEGER NOT NULL,
    segment INTEGER NOT NULL,
    page_number INTEGER NOT NULL DEFAULT 0,
    label TEXT NOT NULL,
    token_count INTEGER NOT NULL,
    content_hash TEXT NOT NULL,
    embedding BLOB
);

-- Vector embeddings via sqlite-vec, used for large cases
CREATE VIRTUAL TABLE IF NOT EXISTS vec_chunks USING vec0(
    chunk_id INTEGER PRIMARY KEY,
    embedding float[%d] distance_metric=cosine
);

-- Conversation log
CREATE TABLE IF NOT EXISTS turns (
    seq INTEGER PRIMARY KEY,
    id TEXT NOT NULL UNIQUE,
    question TEXT NOT NULL,
    answer TEXT NOT NULL,
    citations JSON NOT NULL,
    grounded INTEGER NOT NULL,
    model TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE TRIGGER IF NOT EXISTS turns_no_update BEFORE UPDATE ON turns BEGIN
    SELECT RAISE(ABORT, 'turns are append-only');
END;
CREATE TRIGGER IF NOT EXISTS turns_no_delete BEFORE DELETE ON turns BEGIN
    SELECT RAISE(ABORT, 'turns are append-only');
END;

-- Indexes
CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id, ordinal);
CREATE INDEX IF NOT EXISTS idx_documents_hash ON documents(content_hash);
`, embeddingDim)
}
