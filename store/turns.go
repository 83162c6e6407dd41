package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Citation references one passage an answer relied on.
type Citation struct {
	Kind       string `json:"kind"` // "case" or "statute"
	Tag        string `json:"tag"`  // e.g. "C1", "S2"
	DocumentID string `json:"document_id"`
	ChunkID    string `json:"chunk_id"`
	Label      string `json:"label"`
	Excerpt    string `json:"excerpt"`
}

// Turn is one question/answer exchange.
type Turn struct {
	Seq       int        `json:"seq"`
	ID        string     `json:"id"`
	Question  string     `json:"question"`
	Answer    string     `json:"answer"`
	Citations []Citation `json:"citations"`
	Grounded  bool       `json:"grounded"`
	Model     string     `json:"model"`
	CreatedAt time.Time  `json:"created_at"`
}

// TurnLog is the append-only conversation log of one case.
type TurnLog interface {
	Append(ctx context.Context, t Turn) (Turn, error)
	List(ctx context.Context) ([]Turn, error)
}

type caseTurns struct {
	s      *Store
	caseID string
}

// TurnLog returns the conversation log of a case.
func (s *Store) TurnLog(caseID string) TurnLog {
	return &caseTurns{s: s, caseID: caseID}
}

// Append assigns the next sequence number, an id and a timestamp when
// missing, and stores t.
func (l *caseTurns) Append(ctx context.Context, t Turn) (Turn, error) {
	if strings.TrimSpace(t.Question) == "" {
		return Turn{}, fmt.Errorf("%w: turn has no question", ErrInvalidInput)
	}
	db, unlock, err := l.s.acquire(ctx, l.caseID, true)
	if err != nil {
		return Turn{}, err
	}
	defer unlock()

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Citations == nil {
		t.Citations = []Citation{}
	}
	cites, err := json.Marshal(t.Citations)
	if err != nil {
		return Turn{}, err
	}

	err = inTx(ctx, db, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(seq), 0) + 1 FROM turns").Scan(&t.Seq); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO turns (seq, id, question, answer, citations, grounded, model, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			t.Seq, t.ID, t.Question, t.Answer, string(cites), t.Grounded, t.Model,
			t.CreatedAt.Format(timeLayout)); err != nil {
			return err
		}
		return touch(ctx, tx, t.CreatedAt)
	})
	if err != nil {
		return Turn{}, fmt.Errorf("appending turn: %w", err)
	}
	return t, nil
}

// List returns every turn in sequence order.
func (l *caseTurns) List(ctx context.Context) ([]Turn, error) {
	return l.s.recentTurns(ctx, l.caseID, 0)
}

// AppendTurn appends t to the conversation log of caseID.
func (s *Store) AppendTurn(ctx context.Context, caseID string, t Turn) (Turn, error) {
	return s.TurnLog(caseID).Append(ctx, t)
}

// Turns returns the full conversation of caseID, oldest first.
func (s *Store) Turns(ctx context.Context, caseID string) ([]Turn, error) {
	return s.TurnLog(caseID).List(ctx)
}

// RecentTurns returns the last m turns of caseID, oldest first.
func (s *Store) RecentTurns(ctx context.Context, caseID string, m int) ([]Turn, error) {
	if m <= 0 {
		return []Turn{}, nil
	}
	return s.recentTurns(ctx, caseID, m)
}

// recentTurns returns the last limit turns, or all of them when limit is 0.
func (s *Store) recentTurns(ctx context.Context, caseID string, limit int) ([]Turn, error) {
	db, unlock, err := s.acquire(ctx, caseID, false)
	if err != nil {
		return nil, err
	}
	defer unlock()

	q := `SELECT seq, id, question, answer, citations, grounded, model, created_at FROM turns ORDER BY seq`
	args := []any{}
	if limit > 0 {
		q = `SELECT * FROM (
			SELECT seq, id, question, answer, citations, grounded, model, created_at
			FROM turns ORDER BY seq DESC LIMIT ?
		) ORDER BY seq`
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	turns := []Turn{}
	for rows.Next() {
		var (
			t              Turn
			cites, created string
		)
		if err := rows.Scan(&t.Seq, &t.ID, &t.Question, &t.Answer, &cites, &t.Grounded, &t.Model, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(cites), &t.Citations); err != nil {
			return nil, fmt.Errorf("decoding citations of turn %d: %w", t.Seq, err)
		}
		t.CreatedAt = parseTime(created)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}
