// Package store is the append-only persistence sink. Agents record metric
// samples, alerts, and remediation outcomes; the web layer reads recent
// entries back for display. Write failures are logged and swallowed by
// callers, never fatal.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Record is one persisted entry.
type Record struct {
	ID        int64           `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Agent     string          `json:"agent"`
	Category  string          `json:"category"`
	Payload   json.RawMessage `json:"payload"`
}

// Categories used by the agents. The column is free-form; these are the
// conventional values.
const (
	CategoryMetrics     = "metrics"
	CategoryAlert       = "alert"
	CategoryRemediation = "remediation"
	CategoryNotice      = "notice"
)

// Store is a SQLite-backed append-only sink.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS records (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp  INTEGER NOT NULL,
	agent      TEXT NOT NULL,
	category   TEXT NOT NULL,
	payload    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_agent ON records(agent, timestamp);
CREATE INDEX IF NOT EXISTS idx_records_category ON records(category, timestamp);
`

// Open creates or opens the database at path, creating parent directories as
// needed. The special path ":memory:" opens an in-memory database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordEntry appends one entry. The payload is marshalled to JSON.
func (s *Store) RecordEntry(ctx context.Context, ts time.Time, agent, category string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (timestamp, agent, category, payload) VALUES (?, ?, ?, ?)`,
		ts.UnixMilli(), agent, category, string(data),
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first, optionally filtered by
// category ("" means all).
func (s *Store) Recent(ctx context.Context, category string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, timestamp, agent, category, payload FROM records`
	args := []any{}
	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var ms int64
		var payload string
		if err := rows.Scan(&r.ID, &ms, &r.Agent, &r.Category, &payload); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.Timestamp = time.UnixMilli(ms)
		r.Payload = json.RawMessage(payload)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count returns the total number of persisted entries.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n)
	return n, err
}
