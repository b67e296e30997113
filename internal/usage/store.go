// Package usage keeps a per-tenant ledger of model token usage and its
// cost. Records are append-only; forgetting a conversation does not
// remove what it consumed.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// tsLayout is fixed-width so timestamps compare correctly as text.
const tsLayout = "2006-01-02T15:04:05.000Z"

// Record is the usage of one completion call.
type Record struct {
	ID              string
	Timestamp       time.Time
	TenantID        string
	ConversationKey string
	TurnID          string
	Provider        string
	Model           string
	InputTokens     int
	OutputTokens    int
	CostUSD         float64
}

// Summary holds aggregated totals.
type Summary struct {
	Calls        int     `json:"calls"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Price is a model's cost per million tokens.
type Price struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// Pricing maps model names to prices.
type Pricing map[string]Price

// Cost returns the USD cost of a call. Models without a price are free
// (local models).
func (p Pricing) Cost(model string, inputTokens, outputTokens int) float64 {
	price, ok := p[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1_000_000*price.InputPerMillion +
		float64(outputTokens)/1_000_000*price.OutputPerMillion
}

// Store is a SQLite usage ledger. It is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens or creates the ledger at path with the given
// database/sql driver: "sqlite3" (mattn) or "sqlite" (modernc).
func Open(driver, path string) (*Store, error) {
	var dsn string
	switch driver {
	case "sqlite3", "":
		driver = "sqlite3"
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	case "sqlite":
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	default:
		return nil, fmt.Errorf("usage: unknown sqlite driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_records (
		id               TEXT PRIMARY KEY,
		timestamp        TEXT NOT NULL,
		tenant_id        TEXT NOT NULL,
		conversation_key TEXT NOT NULL DEFAULT '',
		turn_id          TEXT NOT NULL DEFAULT '',
		provider         TEXT NOT NULL DEFAULT '',
		model            TEXT NOT NULL,
		input_tokens     INTEGER NOT NULL,
		output_tokens    INTEGER NOT NULL,
		cost_usd         REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_tenant_time ON usage_records(tenant_id, timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record appends rec. An empty ID gets a UUIDv7 and a zero Timestamp
// becomes now.
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
			(id, timestamp, tenant_id, conversation_key, turn_id, provider, model,
			 input_tokens, output_tokens, cost_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(tsLayout),
		rec.TenantID,
		rec.ConversationKey,
		rec.TurnID,
		rec.Provider,
		rec.Model,
		rec.InputTokens,
		rec.OutputTokens,
		rec.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Summary returns one tenant's totals within [start, end).
func (s *Store) Summary(ctx context.Context, tenantID string, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM usage_records
		 WHERE tenant_id = ? AND timestamp >= ? AND timestamp < ?`,
		tenantID, start.UTC().Format(tsLayout), end.UTC().Format(tsLayout),
	)
	var sum Summary
	if err := row.Scan(&sum.Calls, &sum.InputTokens, &sum.OutputTokens, &sum.CostUSD); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByTenant returns totals per tenant within [start, end).
func (s *Store) SummaryByTenant(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.grouped(ctx, "tenant_id", "", start, end)
}

// SummaryByModel returns one tenant's totals per model within
// [start, end).
func (s *Store) SummaryByModel(ctx context.Context, tenantID string, start, end time.Time) (map[string]*Summary, error) {
	return s.grouped(ctx, "model", tenantID, start, end)
}

// grouped aggregates by column, optionally within one tenant. column is
// always one of our own constants.
func (s *Store) grouped(ctx context.Context, column, tenantID string, start, end time.Time) (map[string]*Summary, error) {
	query := fmt.Sprintf(
		`SELECT %s, COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ? AND (? = '' OR tenant_id = ?)
		 GROUP BY %s`,
		column, column,
	)
	rows, err := s.db.QueryContext(ctx, query,
		start.UTC().Format(tsLayout), end.UTC().Format(tsLayout), tenantID, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.Calls, &sum.InputTokens, &sum.OutputTokens, &sum.CostUSD); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}
