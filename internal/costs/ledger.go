// Package costs keeps the persistent LLM spend ledger. The observer's
// ring forgets; llm_costs.db does not, so lifetime spend and month-scale
// rollups survive restarts.
package costs

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	kaiterrors "kait/internal/errors"
	"kait/internal/observer"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS llm_costs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp REAL NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0,
	latency_ms REAL NOT NULL DEFAULT 0,
	success INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_llm_costs_timestamp ON llm_costs(timestamp);
CREATE INDEX IF NOT EXISTS idx_llm_costs_provider ON llm_costs(provider);
`

// Entry is one persisted call cost.
type Entry struct {
	Timestamp    float64 `json:"timestamp"`
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	LatencyMS    float64 `json:"latency_ms"`
	Success      bool    `json:"success"`
}

// Ledger is the llm_costs.db handle. One writer connection, like the
// Reasoning Bank.
type Ledger struct {
	db   *sql.DB
	path string
}

// Open creates or opens the ledger at path.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, storageErr("open cost ledger", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, storageErr("init cost ledger schema", err)
	}
	return &Ledger{db: db, path: path}, nil
}

// Close releases the database handle.
func (l *Ledger) Close() error { return l.db.Close() }

// Record persists one cost entry.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	if e.Timestamp == 0 {
		e.Timestamp = float64(time.Now().UnixNano()) / 1e9
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO llm_costs (timestamp, provider, model, input_tokens, output_tokens, cost_usd, latency_ms, success)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp, e.Provider, e.Model, e.InputTokens, e.OutputTokens,
		e.CostUSD, e.LatencyMS, boolInt(e.Success))
	if err != nil {
		return storageErr("record cost", err)
	}
	return nil
}

// SyncFromObserver copies the observer's recent records into the
// ledger, skipping anything at or before the newest persisted
// timestamp. Returns the number of rows inserted.
func (l *Ledger) SyncFromObserver(ctx context.Context, obs *observer.Observer) (int, error) {
	var latest sql.NullFloat64
	if err := l.db.QueryRowContext(ctx, `SELECT MAX(timestamp) FROM llm_costs`).Scan(&latest); err != nil {
		return 0, storageErr("query latest cost", err)
	}

	inserted := 0
	for _, rec := range obs.Recent(100) {
		if latest.Valid && rec.Timestamp <= latest.Float64 {
			continue
		}
		err := l.Record(ctx, Entry{
			Timestamp:    rec.Timestamp,
			Provider:     rec.Provider,
			Model:        rec.Model,
			InputTokens:  rec.InputTokens,
			OutputTokens: rec.OutputTokens,
			CostUSD:      rec.EstimatedCostUSD,
			LatencyMS:    rec.LatencyMS,
			Success:      rec.Success,
		})
		if err != nil {
			return inserted, err
		}
		inserted++
	}
	return inserted, nil
}

// Rollup is the aggregate for one provider or model inside a period.
type Rollup struct {
	Calls       int     `json:"calls"`
	TotalTokens int     `json:"total_tokens"`
	CostUSD     float64 `json:"cost_usd"`
}

// Summary is the spend report for one period.
type Summary struct {
	Period     string            `json:"period"`
	Calls      int               `json:"calls"`
	CostUSD    float64           `json:"cost_usd"`
	Tokens     int               `json:"tokens"`
	ByProvider map[string]Rollup `json:"by_provider"`
	ByModel    map[string]Rollup `json:"by_model"`
}

// periodWindow maps a period label to its duration.
func periodWindow(period string) (time.Duration, error) {
	switch period {
	case "1h":
		return time.Hour, nil
	case "24h":
		return 24 * time.Hour, nil
	case "7d":
		return 7 * 24 * time.Hour, nil
	case "30d":
		return 30 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("unknown cost period %q (want 1h, 24h, 7d or 30d)", period)
}

// CostSummary aggregates spend over one of the fixed periods.
func (l *Ledger) CostSummary(ctx context.Context, period string) (*Summary, error) {
	window, err := periodWindow(period)
	if err != nil {
		return nil, err
	}
	cutoff := float64(time.Now().Add(-window).UnixNano()) / 1e9

	rows, err := l.db.QueryContext(ctx, `
		SELECT provider, model, input_tokens + output_tokens, cost_usd
		FROM llm_costs WHERE timestamp >= ?`, cutoff)
	if err != nil {
		return nil, storageErr("query cost summary", err)
	}
	defer rows.Close()

	s := &Summary{
		Period:     period,
		ByProvider: make(map[string]Rollup),
		ByModel:    make(map[string]Rollup),
	}
	for rows.Next() {
		var provider, model string
		var tokens int
		var cost float64
		if err := rows.Scan(&provider, &model, &tokens, &cost); err != nil {
			return nil, storageErr("scan cost row", err)
		}
		s.Calls++
		s.Tokens += tokens
		s.CostUSD += cost

		p := s.ByProvider[provider]
		p.Calls++
		p.TotalTokens += tokens
		p.CostUSD += cost
		s.ByProvider[provider] = p

		if model != "" {
			m := s.ByModel[model]
			m.Calls++
			m.TotalTokens += tokens
			m.CostUSD += cost
			s.ByModel[model] = m
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate cost rows", err)
	}
	return s, nil
}

// LifetimeCost returns total spend since the ledger was created.
func (l *Ledger) LifetimeCost(ctx context.Context) (float64, error) {
	var total sql.NullFloat64
	if err := l.db.QueryRowContext(ctx, `SELECT SUM(cost_usd) FROM llm_costs`).Scan(&total); err != nil {
		return 0, storageErr("query lifetime cost", err)
	}
	return total.Float64, nil
}

// Cleanup deletes entries older than maxAge, returning the row count.
func (l *Ledger) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := float64(time.Now().Add(-maxAge).UnixNano()) / 1e9
	res, err := l.db.ExecContext(ctx, `DELETE FROM llm_costs WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, storageErr("cleanup cost ledger", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", kaiterrors.ErrStorage, op, err)
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
