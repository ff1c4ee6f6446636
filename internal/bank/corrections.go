package bank

import (
	"context"
)

// Correction records a mistake and its fix. Corrections are where the
// real learning lives: the reflection pipeline mines them for rules and
// the prompt refiner turns them into avoid-directives.
type Correction struct {
	ID               string  `json:"id"`
	OriginalResponse string  `json:"original_response"`
	Correction       string  `json:"correction"`
	Reason           string  `json:"reason,omitempty"`
	Domain           string  `json:"domain,omitempty"`
	LearnedAt        float64 `json:"learned_at"`
	AppliedCount     int     `json:"applied_count"`
}

// RecordCorrection persists a correction and returns its id.
func (b *Bank) RecordCorrection(ctx context.Context, c Correction) (string, error) {
	if c.ID == "" {
		c.ID = newID()
	}
	if c.LearnedAt == 0 {
		c.LearnedAt = nowUnix()
	}
	_, err := b.db.ExecContext(ctx, `
        INSERT OR REPLACE INTO corrections (
            id, original_response, correction, reason, domain, learned_at, applied_count
        ) VALUES (?, ?, ?, ?, ?, ?, 0)`,
		c.ID, c.OriginalResponse, c.Correction, c.Reason, c.Domain, c.LearnedAt)
	if err != nil {
		return "", storageErr("record correction", err)
	}
	return c.ID, nil
}

// RecentCorrections returns the most recently learned corrections.
func (b *Bank) RecentCorrections(ctx context.Context, limit int) ([]Correction, error) {
	rows, err := b.db.QueryContext(ctx, `
        SELECT id, original_response, correction, reason, domain, learned_at, applied_count
        FROM corrections ORDER BY learned_at DESC LIMIT ?`,
		limitOrDefault(limit, 20))
	if err != nil {
		return nil, storageErr("recent corrections", err)
	}
	defer rows.Close()

	var out []Correction
	for rows.Next() {
		var c Correction
		if err := rows.Scan(&c.ID, &c.OriginalResponse, &c.Correction,
			&c.Reason, &c.Domain, &c.LearnedAt, &c.AppliedCount); err != nil {
			return nil, storageErr("recent corrections", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("recent corrections", err)
	}
	return out, nil
}

// IncrementCorrectionApplied records that a correction shaped a new
// response. Returns false when the id is unknown.
func (b *Bank) IncrementCorrectionApplied(ctx context.Context, id string) (bool, error) {
	res, err := b.db.ExecContext(ctx,
		`UPDATE corrections SET applied_count = applied_count + 1 WHERE id = ?`, id)
	if err != nil {
		return false, storageErr("increment correction applied", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("increment correction applied", err)
	}
	return n > 0, nil
}
