// Package store persists cases: one directory per case holding a SQLite
// database (documents, chunks, vectors, conversation turns) and the
// original uploaded files.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/brunobiangulo/caselaw/chunker"
	"github.com/brunobiangulo/caselaw/embedding"
	"github.com/brunobiangulo/caselaw/parser"
)

func init() {
	sqlite_vec.Auto()
}

var (
	// ErrCaseNotFound is returned for unknown or malformed case ids.
	ErrCaseNotFound = errors.New("store: case not found")

	// ErrDocumentNotFound is returned for unknown document ids.
	ErrDocumentNotFound = errors.New("store: document not found")

	// ErrInvalidInput is returned for empty titles, filenames or payloads.
	ErrInvalidInput = errors.New("store: invalid input")

	// ErrEmbeddingMismatch is returned when the configured embedding model
	// differs from the one the case was created with.
	ErrEmbeddingMismatch = errors.New("store: embedding model mismatch")
)

const (
	dbFile    = "case.db"
	filesDir  = "files"
	trashDir  = ".trash"
	tmpPrefix = ".tmp-"

	// DefaultLinearScanLimit is the chunk count above which case search
	// switches from a linear scan to the sqlite-vec KNN index.
	DefaultLinearScanLimit = 2000

	timeLayout = time.RFC3339Nano
)

// Case describes one case and its aggregate counts.
type Case struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	EmbeddingModel string    `json:"embedding_model"`
	EmbeddingDim   int       `json:"embedding_dim"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Documents      int       `json:"documents"`
	Turns          int       `json:"turns"`
	TotalChars     int       `json:"total_chars"`
}

// Config configures a Store.
type Config struct {
	// Root is the directory holding one subdirectory per case.
	Root string
	// LinearScanLimit selects linear scan (at or below) or KNN (above).
	LinearScanLimit int

	Registry *parser.Registry
	Chunker  *chunker.Chunker
	Embedder embedding.Embedder
}

// Store manages every case under one root directory.
type Store struct {
	root        string
	linearLimit int
	registry    *parser.Registry
	chunker     *chunker.Chunker
	embedder    embedding.Embedder

	mu    sync.Mutex
	dbs   map[string]*sql.DB
	locks map[string]*sync.RWMutex
}

// Open prepares root, sweeps leftovers of interrupted deletes and creates,
// and returns a Store. Case databases are opened lazily.
func Open(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("%w: store root not set", ErrInvalidInput)
	}
	if cfg.Registry == nil || cfg.Chunker == nil || cfg.Embedder == nil {
		return nil, fmt.Errorf("%w: registry, chunker and embedder are required", ErrInvalidInput)
	}
	if cfg.LinearScanLimit <= 0 {
		cfg.LinearScanLimit = DefaultLinearScanLimit
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("creating cases directory: %w", err)
	}

	s := &Store{
		root:        cfg.Root,
		linearLimit: cfg.LinearScanLimit,
		registry:    cfg.Registry,
		chunker:     cfg.Chunker,
		embedder:    cfg.Embedder,
		dbs:         make(map[string]*sql.DB),
		locks:       make(map[string]*sync.RWMutex),
	}
	s.sweep()
	return s, nil
}

// Close closes every open case database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for id, db := range s.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing case %s: %w", id, err))
		}
	}
	s.dbs = make(map[string]*sql.DB)
	return errors.Join(errs...)
}

// sweep removes the trash directory and half-created case directories.
func (s *Store) sweep() {
	if err := os.RemoveAll(filepath.Join(s.root, trashDir)); err != nil {
		slog.Warn("store: sweeping trash", "error", err)
	}
	des, err := os.ReadDir(s.root)
	if err != nil {
		return
	}
	for _, de := range des {
		if de.IsDir() && strings.HasPrefix(de.Name(), tmpPrefix) {
			if err := os.RemoveAll(filepath.Join(s.root, de.Name())); err != nil {
				slog.Warn("store: removing incomplete case", "dir", de.Name(), "error", err)
			}
		}
	}
}

// caseLock returns the mutex guarding one case. Mutations hold it
// exclusively; reads share it.
func (s *Store) caseLock(id string) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[id] = l
	}
	return l
}

// dropLock forgets the mutex of a case that no longer exists. A caller
// still holding the old mutex finds the case gone once it gets the lock.
func (s *Store) dropLock(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, id)
}

func (s *Store) caseDir(id string) string { return filepath.Join(s.root, id) }

// validID rejects anything that is not a canonical UUID so that case and
// document ids can never address a path outside the root.
func validID(id string) bool {
	u, err := uuid.Parse(id)
	return err == nil && u.String() == id
}

func openDB(path string, create bool) (*sql.DB, error) {
	mode := "rw"
	if create {
		mode = "rwc"
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?mode="+mode+"&_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Connection pool settings for SQLite.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// db returns the open database of case id, opening it on first use.
func (s *Store) db(ctx context.Context, id string) (*sql.DB, error) {
	if !validID(id) {
		return nil, fmt.Errorf("%w: %q", ErrCaseNotFound, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.dbs[id]; ok {
		return db, nil
	}

	path := filepath.Join(s.caseDir(id), dbFile)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrCaseNotFound, id)
		}
		return nil, err
	}
	db, err := openDB(path, false)
	if err != nil {
		return nil, err
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	s.dbs[id] = db
	return db, nil
}

// acquire locks case id (exclusively when write is set) and returns its
// database. The lock is taken before the database is resolved so that an
// operation queued behind DeleteCase sees ErrCaseNotFound.
func (s *Store) acquire(ctx context.Context, id string, write bool) (*sql.DB, func(), error) {
	if !validID(id) {
		return nil, nil, fmt.Errorf("%w: %q", ErrCaseNotFound, id)
	}
	l := s.caseLock(id)
	unlock := l.RUnlock
	if write {
		l.Lock()
		unlock = l.Unlock
	} else {
		l.RLock()
	}
	db, err := s.db(ctx, id)
	if err != nil {
		unlock()
		if errors.Is(err, ErrCaseNotFound) {
			s.dropLock(id)
		}
		return nil, nil, err
	}
	return db, unlock, nil
}

func (s *Store) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.dbs[id]; ok {
		db.Close()
		delete(s.dbs, id)
	}
}

// --- Case operations ---

// CreateCase creates an empty case. The directory is assembled under a
// temporary name and renamed into place, so a crash never leaves a
// half-created case visible.
func (s *Store) CreateCase(ctx context.Context, title string) (*Case, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("%w: case title is empty", ErrInvalidInput)
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	tmp := filepath.Join(s.root, tmpPrefix+id)
	if err := os.MkdirAll(filepath.Join(tmp, filesDir), 0o755); err != nil {
		return nil, fmt.Errorf("creating case directory: %w", err)
	}

	err := func() error {
		db, err := openDB(filepath.Join(tmp, dbFile), true)
		if err != nil {
			return err
		}
		defer db.Close()

		if _, err := db.ExecContext(ctx, schemaSQL(s.embedder.Dimension())); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
		if err := migrate(ctx, db); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		_, err = db.ExecContext(ctx, `
			INSERT INTO case_info (id, title, embedding_model, embedding_dim, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, title, s.embedder.Model(), s.embedder.Dimension(), now.Format(timeLayout), now.Format(timeLayout))
		return err
	}()
	if err == nil {
		err = os.Rename(tmp, s.caseDir(id))
	}
	if err != nil {
		os.RemoveAll(tmp)
		return nil, fmt.Errorf("creating case: %w", err)
	}

	slog.Info("store: case created", "case", id, "title", title)
	return &Case{
		ID:             id,
		Title:          title,
		EmbeddingModel: s.embedder.Model(),
		EmbeddingDim:   s.embedder.Dimension(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// GetCase returns one case with its counts.
func (s *Store) GetCase(ctx context.Context, id string) (*Case, error) {
	db, unlock, err := s.acquire(ctx, id, false)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return readCase(ctx, db)
}

func readCase(ctx context.Context, db *sql.DB) (*Case, error) {
	var (
		c                Case
		created, updated string
	)
	err := db.QueryRowContext(ctx, `
		SELECT id, title, embedding_model, embedding_dim, created_at, updated_at FROM case_info LIMIT 1
	`).Scan(&c.ID, &c.Title, &c.EmbeddingModel, &c.EmbeddingDim, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCaseNotFound
	}
	if err != nil {
		return nil, err
	}
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(updated)

	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(chars), 0) FROM documents").Scan(&c.Documents, &c.TotalChars); err != nil {
		return nil, err
	}
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM turns").Scan(&c.Turns); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCases returns every case, most recently created first.
func (s *Store) ListCases(ctx context.Context) ([]Case, error) {
	des, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("listing cases: %w", err)
	}

	cases := []Case{}
	for _, de := range des {
		if !de.IsDir() || !validID(de.Name()) {
			continue
		}
		c, err := s.GetCase(ctx, de.Name())
		if err != nil {
			if errors.Is(err, ErrCaseNotFound) {
				continue
			}
			return nil, fmt.Errorf("reading case %s: %w", de.Name(), err)
		}
		cases = append(cases, *c)
	}
	sort.SliceStable(cases, func(i, j int) bool {
		return cases[i].CreatedAt.After(cases[j].CreatedAt)
	})
	return cases, nil
}

// DeleteCase removes a case and all of its artifacts. The directory is
// first moved into the trash with a single rename, so the case disappears
// atomically even if the removal below is interrupted.
func (s *Store) DeleteCase(ctx context.Context, id string) error {
	_, unlock, err := s.acquire(ctx, id, true)
	if err != nil {
		return err
	}
	defer func() {
		unlock()
		s.dropLock(id)
	}()

	s.forget(id)

	trash := filepath.Join(s.root, trashDir)
	if err := os.MkdirAll(trash, 0o755); err != nil {
		return fmt.Errorf("deleting case: %w", err)
	}
	dst := filepath.Join(trash, id+"-"+uuid.NewString()[:8])
	if err := os.Rename(s.caseDir(id), dst); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrCaseNotFound, id)
		}
		return fmt.Errorf("deleting case: %w", err)
	}
	if err := os.RemoveAll(dst); err != nil {
		slog.Warn("store: case moved to trash but not removed", "case", id, "error", err)
	}

	slog.Info("store: case deleted", "case", id)
	return nil
}

// --- helpers ---

func inTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func touch(ctx context.Context, tx *sql.Tx, now time.Time) error {
	_, err := tx.ExecContext(ctx, "UPDATE case_info SET updated_at = ?", now.Format(timeLayout))
	return err
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func deserializeFloat32(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
