// Package usage keeps an append-only SQLite log of model generations:
// tokens in and out, latency and estimated cost, keyed by request.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/webpilot/internal/config"
)

// timeLayout is fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Record is one generation.
type Record struct {
	ID           string
	Timestamp    time.Time
	RequestID    string
	Model        string
	Provider     string // "openai", "ollama"
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
	CostUSD      float64
	Error        string // set when the generation failed
}

// Summary holds aggregated token usage and cost totals.
type Summary struct {
	Generations       int     `json:"generations"`
	Failures          int     `json:"failures"`
	TotalInputTokens  int64   `json:"input_tokens"`
	TotalOutputTokens int64   `json:"output_tokens"`
	TotalCostUSD      float64 `json:"cost_usd"`
	AvgDurationMS     float64 `json:"avg_duration_ms"`
}

// Store is an append-only SQLite store for usage records. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the usage database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
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
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS generations (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		request_id    TEXT,
		model         TEXT NOT NULL,
		provider      TEXT NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		duration_ms   INTEGER NOT NULL,
		cost_usd      REAL NOT NULL,
		error         TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_generations_timestamp ON generations(timestamp);
	CREATE INDEX IF NOT EXISTS idx_generations_request ON generations(request_id);
	`)
	return err
}

// Record persists rec. If rec.ID is empty, a UUIDv7 is generated; a
// zero Timestamp gets the current time.
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
		`INSERT INTO generations
			(id, timestamp, request_id, model, provider, input_tokens,
			 output_tokens, duration_ms, cost_usd, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(timeLayout),
		rec.RequestID,
		rec.Model,
		rec.Provider,
		rec.InputTokens,
		rec.OutputTokens,
		rec.Duration.Milliseconds(),
		rec.CostUSD,
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Summary returns aggregated totals for records within [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN error != '' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(cost_usd), 0), COALESCE(AVG(duration_ms), 0)
		 FROM generations
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(timeLayout),
		end.UTC().Format(timeLayout),
	)

	var sum Summary
	if err := row.Scan(&sum.Generations, &sum.Failures, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCostUSD, &sum.AvgDurationMS); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByModel returns per-model totals for records within [start, end).
func (s *Store) SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT model, COUNT(*),
			COALESCE(SUM(CASE WHEN error != '' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(cost_usd), 0), COALESCE(AVG(duration_ms), 0)
		 FROM generations
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY model`,
		start.UTC().Format(timeLayout),
		end.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by model: %w", err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var model string
		var sum Summary
		if err := rows.Scan(&model, &sum.Generations, &sum.Failures, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCostUSD, &sum.AvgDurationMS); err != nil {
			return nil, fmt.Errorf("scan usage by model: %w", err)
		}
		result[model] = &sum
	}
	return result, rows.Err()
}

// ComputeCost calculates the USD cost of a generation from the pricing
// table. Models not in the table are treated as free (local models).
func ComputeCost(model string, inputTokens, outputTokens int, pricing map[string]config.PricingEntry) float64 {
	entry, ok := pricing[model]
	if !ok {
		return 0
	}
	cost := float64(inputTokens) / 1_000_000.0 * entry.InputPerMillion
	cost += float64(outputTokens) / 1_000_000.0 * entry.OutputPerMillion
	return cost
}
