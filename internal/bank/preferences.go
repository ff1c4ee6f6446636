package bank

import (
	"context"
	"database/sql"
)

// Preference is a learned user preference signal.
type Preference struct {
	Key         string  `json:"key"`
	Value       string  `json:"value"`
	Confidence  float64 `json:"confidence"`
	LastUpdated float64 `json:"last_updated"`
}

// SavePreference creates or replaces a preference.
func (b *Bank) SavePreference(ctx context.Context, key, value string, confidence float64) error {
	now := nowUnix()
	_, err := b.db.ExecContext(ctx, `
        INSERT INTO preferences (key, value, confidence, last_updated)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(key) DO UPDATE SET
            value = excluded.value,
            confidence = excluded.confidence,
            last_updated = excluded.last_updated`,
		key, value, confidence, now)
	if err != nil {
		return storageErr("save preference", err)
	}
	return nil
}

// GetPreference looks a preference up by key; missing key yields (nil, nil).
func (b *Bank) GetPreference(ctx context.Context, key string) (*Preference, error) {
	var p Preference
	err := b.db.QueryRowContext(ctx, `
        SELECT key, value, confidence, last_updated
        FROM preferences WHERE key = ?`, key).
		Scan(&p.Key, &p.Value, &p.Confidence, &p.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get preference", err)
	}
	return &p, nil
}

// AllPreferences returns every preference, highest confidence first.
func (b *Bank) AllPreferences(ctx context.Context) ([]Preference, error) {
	rows, err := b.db.QueryContext(ctx, `
        SELECT key, value, confidence, last_updated
        FROM preferences ORDER BY confidence DESC`)
	if err != nil {
		return nil, storageErr("all preferences", err)
	}
	defer rows.Close()

	var out []Preference
	for rows.Next() {
		var p Preference
		if err := rows.Scan(&p.Key, &p.Value, &p.Confidence, &p.LastUpdated); err != nil {
			return nil, storageErr("all preferences", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("all preferences", err)
	}
	return out, nil
}
