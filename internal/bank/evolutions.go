package bank

import (
	"context"
	"database/sql"
	"encoding/json"
)

// Evolution is one entry on the growth timeline: a personality shift, a
// stage advancement, an applied behaviour proposal.
type Evolution struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Description   string          `json:"description"`
	MetricsBefore json.RawMessage `json:"metrics_before,omitempty"`
	MetricsAfter  json.RawMessage `json:"metrics_after,omitempty"`
	Timestamp     float64         `json:"timestamp"`
}

// SaveEvolution persists an evolution event and returns its id.
func (b *Bank) SaveEvolution(ctx context.Context, ev Evolution) (string, error) {
	if ev.ID == "" {
		ev.ID = newID()
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = nowUnix()
	}
	_, err := b.db.ExecContext(ctx, insertEvolutionSQL,
		ev.ID, ev.Type, ev.Description,
		nullJSON(ev.MetricsBefore), nullJSON(ev.MetricsAfter), ev.Timestamp)
	if err != nil {
		return "", storageErr("save evolution", err)
	}
	return ev.ID, nil
}

const insertEvolutionSQL = `
    INSERT OR REPLACE INTO evolutions (
        id, type, description, metrics_before, metrics_after, timestamp
    ) VALUES (?, ?, ?, ?, ?, ?)`

// EvolutionTimeline returns evolution events, most recent first.
func (b *Bank) EvolutionTimeline(ctx context.Context, limit int) ([]Evolution, error) {
	return b.queryEvolutions(ctx, `
        SELECT id, type, description, metrics_before, metrics_after, timestamp
        FROM evolutions ORDER BY timestamp DESC LIMIT ?`,
		limitOrDefault(limit, 50))
}

// EvolutionsByType returns events of one type, most recent first.
func (b *Bank) EvolutionsByType(ctx context.Context, typ string, limit int) ([]Evolution, error) {
	return b.queryEvolutions(ctx, `
        SELECT id, type, description, metrics_before, metrics_after, timestamp
        FROM evolutions WHERE type = ? ORDER BY timestamp DESC LIMIT ?`,
		typ, limitOrDefault(limit, 50))
}

func (b *Bank) queryEvolutions(ctx context.Context, q string, args ...any) ([]Evolution, error) {
	rows, err := b.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storageErr("query evolutions", err)
	}
	defer rows.Close()

	var out []Evolution
	for rows.Next() {
		var ev Evolution
		var before, after sql.NullString
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.Description,
			&before, &after, &ev.Timestamp); err != nil {
			return nil, storageErr("query evolutions", err)
		}
		if before.Valid {
			ev.MetricsBefore = json.RawMessage(before.String)
		}
		if after.Valid {
			ev.MetricsAfter = json.RawMessage(after.String)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("query evolutions", err)
	}
	return out, nil
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
