package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harun/clawloop/pkg/llm"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteBackend stores sessions as rows in a SQLite database. Messages are
// kept as a JSON array column.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (or creates) the database at dbPath.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	b := &SQLiteBackend{db: db}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		key        TEXT PRIMARY KEY,
		summary    TEXT NOT NULL DEFAULT '',
		messages   TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
	`
	_, err := b.db.Exec(schema)
	return err
}

func (b *SQLiteBackend) Name() string { return "sqlite" }

func (b *SQLiteBackend) Load(ctx context.Context, key string) (*Session, error) {
	var (
		summary, messages, created, updated string
	)
	err := b.db.QueryRowContext(ctx,
		`SELECT summary, messages, created_at, updated_at FROM sessions WHERE key = ?`, key,
	).Scan(&summary, &messages, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}

	s := &Session{Key: key, Summary: summary}
	var msgs []llm.Message
	if err := json.Unmarshal([]byte(messages), &msgs); err != nil {
		return nil, fmt.Errorf("decode messages for %s: %w", key, err)
	}
	s.Messages = msgs
	s.Created, _ = time.Parse(time.RFC3339Nano, created)
	s.Updated, _ = time.Parse(time.RFC3339Nano, updated)
	return s, nil
}

func (b *SQLiteBackend) Persist(ctx context.Context, s *Session) error {
	msgs := s.Messages
	if msgs == nil {
		msgs = []llm.Message{}
	}
	raw, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("encode messages for %s: %w", s.Key, err)
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO sessions (key, summary, messages, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (key) DO UPDATE
		 SET summary = excluded.summary, messages = excluded.messages, updated_at = excluded.updated_at`,
		s.Key, s.Summary, string(raw),
		s.Created.UTC().Format(time.RFC3339Nano), s.Updated.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("persist %s: %w", s.Key, err)
	}
	return nil
}

func (b *SQLiteBackend) List(ctx context.Context) ([]Info, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT key, updated_at FROM sessions ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := []Info{}
	for rows.Next() {
		var key, updated string
		if err := rows.Scan(&key, &updated); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		ts, _ := time.Parse(time.RFC3339Nano, updated)
		out = append(out, Info{Key: key, Updated: ts})
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) Delete(ctx context.Context, key string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM sessions WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Close closes the database connection.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
