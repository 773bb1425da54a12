// Package history persists the audit trail of answered questions in a local
// SQLite database. History is operational bookkeeping, not a feature gate:
// the pipeline works identically when recording fails.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Entry is one answered (or refused) question.
type Entry struct {
	ID            string    `json:"id"`
	CreatedAt     time.Time `json:"created_at"`
	Question      string    `json:"question"`
	State         string    `json:"state"`
	SQL           string    `json:"sql,omitempty"`
	FailureKind   string    `json:"failure_kind,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	Attempts      int       `json:"attempts"`
	RowCount      int       `json:"row_count"`
	ElapsedMs     int64     `json:"elapsed_ms"`
}

// Store records and lists entries. Writes go through a single-connection
// pool; reads use a separate pool so listing never queues behind inserts.
type Store struct {
	writeDB *sql.DB
	readDB  *sql.DB
}

// Open opens (and migrates) the history database at path. The write and read
// pools share the file, so path must be a real file, not ":memory:".
func Open(path string) (*Store, error) {
	writeDB, readDB, err := openSQLitePair(path, 0)
	if err != nil {
		return nil, err
	}
	s := &Store{writeDB: writeDB, readDB: readDB}
	if err := s.migrate(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes both pools.
func (s *Store) Close() error {
	rerr := s.readDB.Close()
	werr := s.writeDB.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS question_history (
	id             TEXT PRIMARY KEY,
	created_at     TEXT NOT NULL,
	question       TEXT NOT NULL,
	state          TEXT NOT NULL,
	sql_text       TEXT NOT NULL DEFAULT '',
	failure_kind   TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	attempts       INTEGER NOT NULL DEFAULT 0,
	row_count      INTEGER NOT NULL DEFAULT 0,
	elapsed_ms     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_question_history_created_at
	ON question_history (created_at DESC);`

	if _, err := s.writeDB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate history schema: %w", err)
	}
	return nil
}

// Record inserts one entry. A zero ID and CreatedAt are filled in.
func (s *Store) Record(ctx context.Context, e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	const q = `
INSERT INTO question_history
	(id, created_at, question, state, sql_text, failure_kind, failure_reason, attempts, row_count, elapsed_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.writeDB.ExecContext(ctx, q,
		e.ID, e.CreatedAt.Format(time.RFC3339Nano), e.Question, e.State,
		e.SQL, e.FailureKind, e.FailureReason, e.Attempts, e.RowCount, e.ElapsedMs)
	if err != nil {
		return Entry{}, fmt.Errorf("record history entry: %w", err)
	}
	return e, nil
}

// Recent returns the newest entries, most recent first. limit <= 0 defaults
// to 50.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	const q = `
SELECT id, created_at, question, state, sql_text, failure_kind, failure_reason, attempts, row_count, elapsed_ms
FROM question_history
ORDER BY created_at DESC, id
LIMIT ?`

	rows, err := s.readDB.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var created string
		if err := rows.Scan(&e.ID, &created, &e.Question, &e.State, &e.SQL,
			&e.FailureKind, &e.FailureReason, &e.Attempts, &e.RowCount, &e.ElapsedMs); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = t
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return out, nil
}
