// Package audit keeps an append-only SQLite log of every tool-call
// attempt, with per-tool aggregation for the stats endpoint.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Record is one attempt of one tool call.
type Record struct {
	ID         string
	Timestamp  time.Time
	RequestID  string
	Tool       string
	Arguments  map[string]any
	Attempt    int
	OK         bool
	ErrorClass string
	Error      string
	Duration   time.Duration
}

// ToolSummary aggregates the attempts of one tool.
type ToolSummary struct {
	Tool          string  `json:"tool"`
	Attempts      int     `json:"attempts"`
	Failures      int     `json:"failures"`
	Retries       int     `json:"retries"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
}

// Store is safe for concurrent use; SQLite serializes writes.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the audit database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an open database and creates the schema.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate audit schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS call_attempts (
		id          TEXT PRIMARY KEY,
		timestamp   TEXT NOT NULL,
		request_id  TEXT,
		tool        TEXT NOT NULL,
		arguments   TEXT NOT NULL,
		attempt     INTEGER NOT NULL,
		ok          INTEGER NOT NULL,
		error_class TEXT,
		error       TEXT,
		duration_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_attempts_timestamp ON call_attempts(timestamp);
	CREATE INDEX IF NOT EXISTS idx_attempts_request ON call_attempts(request_id);
	`)
	return err
}

// Record appends rec. An empty ID gets a UUIDv7 and a zero Timestamp
// gets the current time.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate audit record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	args, err := json.Marshal(rec.Arguments)
	if err != nil {
		return fmt.Errorf("marshal arguments: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO call_attempts
			(id, timestamp, request_id, tool, arguments, attempt, ok, error_class, error, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.RequestID,
		rec.Tool,
		string(args),
		rec.Attempt,
		rec.OK,
		rec.ErrorClass,
		rec.Error,
		rec.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// ByRequest returns the attempts of one request in insertion order.
func (s *Store) ByRequest(ctx context.Context, requestID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, request_id, tool, arguments, attempt, ok, error_class, error, duration_ms
		 FROM call_attempts WHERE request_id = ? ORDER BY rowid`,
		requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("query request attempts: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec        Record
			ts, args   string
			errClass   sql.NullString
			errText    sql.NullString
			durationMS int64
		)
		if err := rows.Scan(&rec.ID, &ts, &rec.RequestID, &rec.Tool, &args, &rec.Attempt, &rec.OK, &errClass, &errText, &durationMS); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.Timestamp, _ = time.Parse(time.RFC3339, ts)
		if err := json.Unmarshal([]byte(args), &rec.Arguments); err != nil {
			return nil, fmt.Errorf("decode arguments of %s: %w", rec.ID, err)
		}
		rec.ErrorClass = errClass.String
		rec.Error = errText.String
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SummaryByTool aggregates attempts within [start, end), busiest tool
// first.
func (s *Store) SummaryByTool(ctx context.Context, start, end time.Time) ([]ToolSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tool,
		        COUNT(*),
		        COALESCE(SUM(CASE WHEN ok THEN 0 ELSE 1 END), 0),
		        COALESCE(SUM(CASE WHEN attempt > 1 THEN 1 ELSE 0 END), 0),
		        COALESCE(AVG(duration_ms), 0)
		 FROM call_attempts
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY tool
		 ORDER BY COUNT(*) DESC, tool`,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("query attempts by tool: %w", err)
	}
	defer rows.Close()

	var out []ToolSummary
	for rows.Next() {
		var sum ToolSummary
		if err := rows.Scan(&sum.Tool, &sum.Attempts, &sum.Failures, &sum.Retries, &sum.AvgDurationMS); err != nil {
			return nil, fmt.Errorf("scan attempts by tool: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}
