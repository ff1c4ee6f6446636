package bank

import (
	"context"
)

// BehaviorRule is a learned behavioural pattern produced by a reflection
// cycle: "when the trigger holds, take the action".
type BehaviorRule struct {
	ID         string  `json:"rule_id"`
	Trigger    string  `json:"trigger"`
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source,omitempty"`
	CreatedAt  float64 `json:"created_at"`
	Active     bool    `json:"active"`
}

// SaveBehaviorRule creates or replaces a rule and returns its id.
func (b *Bank) SaveBehaviorRule(ctx context.Context, r BehaviorRule) (string, error) {
	if r.ID == "" {
		r.ID = newID()
	}
	if r.CreatedAt == 0 {
		r.CreatedAt = nowUnix()
	}
	_, err := b.db.ExecContext(ctx, `
        INSERT OR REPLACE INTO behavior_rules (
            id, trigger, action, confidence, source, created_at, active
        ) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Trigger, r.Action, r.Confidence, r.Source, r.CreatedAt,
		boolInt(r.Active))
	if err != nil {
		return "", storageErr("save behavior rule", err)
	}
	return r.ID, nil
}

// ActiveBehaviorRules returns active rules, highest confidence first.
func (b *Bank) ActiveBehaviorRules(ctx context.Context) ([]BehaviorRule, error) {
	rows, err := b.db.QueryContext(ctx, `
        SELECT id, trigger, action, confidence, source, created_at, active
        FROM behavior_rules WHERE active = 1 ORDER BY confidence DESC`)
	if err != nil {
		return nil, storageErr("active behavior rules", err)
	}
	defer rows.Close()

	var out []BehaviorRule
	for rows.Next() {
		var r BehaviorRule
		var active int
		if err := rows.Scan(&r.ID, &r.Trigger, &r.Action, &r.Confidence,
			&r.Source, &r.CreatedAt, &active); err != nil {
			return nil, storageErr("active behavior rules", err)
		}
		r.Active = active != 0
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("active behavior rules", err)
	}
	return out, nil
}

// DeactivateBehaviorRule retires a rule without deleting its record.
func (b *Bank) DeactivateBehaviorRule(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx,
		`UPDATE behavior_rules SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return storageErr("deactivate behavior rule", err)
	}
	return nil
}
