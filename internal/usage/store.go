// Package usage provides persistent accounting for model interactions.
// Records are append-only and indexed by timestamp and request so the
// REPL can answer "what did this session cost in round trips" without
// holding counters in memory. Conversation content is never stored
// here, only counts and durations.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Record represents one resolved user turn's accounting.
type Record struct {
	ID        string
	Timestamp time.Time
	RequestID string
	Model     string
	// Attempts is the total generate attempts across the turn,
	// including retries.
	Attempts int
	// Fragments counts streamed text fragments delivered.
	Fragments int
	// ResponseBytes is the total length of model output text.
	ResponseBytes int
	// ToolCalls is how many tool invocations were detected this turn.
	ToolCalls int
	// DurationMS is wall-clock time from user message to final text.
	DurationMS int64
}

// Summary holds aggregated totals.
type Summary struct {
	TotalRecords   int
	TotalAttempts  int64
	TotalFragments int64
	TotalBytes     int64
	TotalToolCalls int64
	TotalDuration  time.Duration
}

// Store is an append-only SQLite store for usage records. SQLite
// serializes writes, so the store is safe for concurrent use, though
// the single-session agent never exercises that.
type Store struct {
	db *sql.DB
}

// NewStore creates a usage store at the given database path. The
// schema is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_records (
		id             TEXT PRIMARY KEY,
		timestamp      TEXT NOT NULL,
		request_id     TEXT NOT NULL,
		model          TEXT,
		attempts       INTEGER NOT NULL,
		fragments      INTEGER NOT NULL,
		response_bytes INTEGER NOT NULL,
		tool_calls     INTEGER NOT NULL,
		duration_ms    INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_usage_request ON usage_records(request_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists a usage record. If rec.ID is empty, a UUIDv7 is
// generated. The context is used for cancellation only.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records
			(id, timestamp, request_id, model, attempts, fragments,
			 response_bytes, tool_calls, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.RequestID,
		rec.Model,
		rec.Attempts,
		rec.Fragments,
		rec.ResponseBytes,
		rec.ToolCalls,
		rec.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Summary returns aggregated totals for records within [start, end).
func (s *Store) Summary(start, end time.Time) (*Summary, error) {
	row := s.db.QueryRow(
		`SELECT COUNT(*),
		        COALESCE(SUM(attempts), 0),
		        COALESCE(SUM(fragments), 0),
		        COALESCE(SUM(response_bytes), 0),
		        COALESCE(SUM(tool_calls), 0),
		        COALESCE(SUM(duration_ms), 0)
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)

	var sum Summary
	var durMS int64
	if err := row.Scan(&sum.TotalRecords, &sum.TotalAttempts, &sum.TotalFragments,
		&sum.TotalBytes, &sum.TotalToolCalls, &durMS); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	sum.TotalDuration = time.Duration(durMS) * time.Millisecond
	return &sum, nil
}
