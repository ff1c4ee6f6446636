package bank

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// TraitPoint is one historical value of a personality trait.
type TraitPoint struct {
	Value     float64 `json:"value"`
	Timestamp float64 `json:"timestamp"`
}

// Trait is the current state of one personality dimension plus its full
// change history.
type Trait struct {
	Name      string       `json:"trait"`
	Value     float64      `json:"value"`
	History   []TraitPoint `json:"history"`
	UpdatedAt float64      `json:"updated_at"`
}

type traitMetric struct {
	Trait string  `json:"trait"`
	Value float64 `json:"value"`
}

// EvolvePersonality shifts a trait to a new value, appending the change
// to its history and recording a personality_shift evolution event. The
// trait row and the event land in one transaction: the timeline never
// shows a shift whose trait write was lost, and vice versa. New traits
// start with a single-point history.
func (b *Bank) EvolvePersonality(ctx context.Context, trait string, value float64) error {
	tx, release, err := b.begin(ctx)
	if err != nil {
		return storageErr("evolve personality", err)
	}
	defer release()

	now := nowUnix()

	var oldValue float64
	var historyJSON string
	err = tx.QueryRowContext(ctx,
		`SELECT value, history FROM personality WHERE trait = ?`, trait).
		Scan(&oldValue, &historyJSON)

	var ev Evolution
	switch {
	case err == sql.ErrNoRows:
		history, _ := json.Marshal([]TraitPoint{{Value: value, Timestamp: now}})
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO personality (trait, value, history, updated_at)
            VALUES (?, ?, ?, ?)`,
			trait, value, string(history), now); err != nil {
			return storageErr("evolve personality", err)
		}
		after, _ := json.Marshal(traitMetric{Trait: trait, Value: value})
		ev = Evolution{
			Type:         "personality_shift",
			Description:  fmt.Sprintf("New trait %q initialized at %.3f", trait, value),
			MetricsAfter: after,
		}
	case err != nil:
		return storageErr("evolve personality", err)
	default:
		var history []TraitPoint
		if historyJSON != "" {
			if err := json.Unmarshal([]byte(historyJSON), &history); err != nil {
				return storageErr("evolve personality", err)
			}
		}
		history = append(history, TraitPoint{Value: value, Timestamp: now})
		encoded, _ := json.Marshal(history)
		if _, err := tx.ExecContext(ctx, `
            UPDATE personality SET value = ?, history = ?, updated_at = ?
            WHERE trait = ?`,
			value, string(encoded), now, trait); err != nil {
			return storageErr("evolve personality", err)
		}
		before, _ := json.Marshal(traitMetric{Trait: trait, Value: oldValue})
		after, _ := json.Marshal(traitMetric{Trait: trait, Value: value})
		ev = Evolution{
			Type:          "personality_shift",
			Description:   fmt.Sprintf("Trait %q shifted from %.3f to %.3f", trait, oldValue, value),
			MetricsBefore: before,
			MetricsAfter:  after,
		}
	}

	if _, err := tx.ExecContext(ctx, insertEvolutionSQL,
		newID(), ev.Type, ev.Description,
		nullJSON(ev.MetricsBefore), nullJSON(ev.MetricsAfter), now); err != nil {
		return storageErr("evolve personality", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("evolve personality", err)
	}
	return nil
}

// PersonalityTrait returns one trait with its history; missing trait
// yields (nil, nil).
func (b *Bank) PersonalityTrait(ctx context.Context, trait string) (*Trait, error) {
	row := b.db.QueryRowContext(ctx, `
        SELECT trait, value, history, updated_at
        FROM personality WHERE trait = ?`, trait)
	t, err := scanTrait(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("personality trait", err)
	}
	return t, nil
}

// AllPersonalityTraits returns every trait, ordered by name.
func (b *Bank) AllPersonalityTraits(ctx context.Context) ([]Trait, error) {
	rows, err := b.db.QueryContext(ctx, `
        SELECT trait, value, history, updated_at
        FROM personality ORDER BY trait`)
	if err != nil {
		return nil, storageErr("personality traits", err)
	}
	defer rows.Close()

	var out []Trait
	for rows.Next() {
		t, err := scanTrait(rows)
		if err != nil {
			return nil, storageErr("personality traits", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("personality traits", err)
	}
	return out, nil
}

func scanTrait(r rowScanner) (*Trait, error) {
	var t Trait
	var historyJSON string
	if err := r.Scan(&t.Name, &t.Value, &historyJSON, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if historyJSON != "" {
		if err := json.Unmarshal([]byte(historyJSON), &t.History); err != nil {
			return nil, err
		}
	}
	return &t, nil
}
