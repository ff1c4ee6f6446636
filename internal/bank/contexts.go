package bank

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
)

// Context is one evolving knowledge entry. Value holds the JSON encoding
// of whatever the writer stored.
type Context struct {
	Key         string          `json:"key"`
	Value       json.RawMessage `json:"value"`
	Domain      string          `json:"domain,omitempty"`
	Confidence  float64         `json:"confidence"`
	CreatedAt   float64         `json:"created_at"`
	UpdatedAt   float64         `json:"updated_at"`
	AccessCount int             `json:"access_count"`
}

// SaveContext creates or fully replaces a context entry. The value is
// JSON-encoded before storage.
func (b *Bank) SaveContext(ctx context.Context, key string, value any, domain string, confidence float64) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return storageErr("save context", err)
	}
	now := nowUnix()
	_, err = b.db.ExecContext(ctx, `
        INSERT INTO contexts (key, value, domain, confidence, created_at, updated_at, access_count)
        VALUES (?, ?, ?, ?, ?, ?, 0)
        ON CONFLICT(key) DO UPDATE SET
            value = excluded.value,
            domain = excluded.domain,
            confidence = excluded.confidence,
            updated_at = excluded.updated_at`,
		key, string(encoded), domain, confidence, now, now)
	if err != nil {
		return storageErr("save context", err)
	}
	return nil
}

// GetContext looks a context up by key, bumping its access counter in the
// same statement so the read and the increment are one atomic step.
// A missing key yields (nil, nil).
func (b *Bank) GetContext(ctx context.Context, key string) (*Context, error) {
	row := b.db.QueryRowContext(ctx, `
        UPDATE contexts SET access_count = access_count + 1
        WHERE key = ?
        RETURNING key, value, domain, confidence, created_at, updated_at, access_count`,
		key)
	c, err := scanContext(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get context", err)
	}
	return c, nil
}

// UpdateContext updates an existing context, keeping the stored domain
// when domain is empty and the stored confidence when confidence is
// negative. A missing key is created instead (confidence defaults to
// 0.5). Returns true when an existing row was updated.
func (b *Bank) UpdateContext(ctx context.Context, key string, value any, domain string, confidence float64) (bool, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return false, storageErr("update context", err)
	}

	tx, release, err := b.begin(ctx)
	if err != nil {
		return false, storageErr("update context", err)
	}
	defer release()

	var curDomain string
	var curConfidence float64
	err = tx.QueryRowContext(ctx,
		`SELECT domain, confidence FROM contexts WHERE key = ?`, key).
		Scan(&curDomain, &curConfidence)
	now := nowUnix()
	switch {
	case err == sql.ErrNoRows:
		if confidence < 0 {
			confidence = 0.5
		}
		_, err = tx.ExecContext(ctx, `
            INSERT INTO contexts (key, value, domain, confidence, created_at, updated_at, access_count)
            VALUES (?, ?, ?, ?, ?, ?, 0)`,
			key, string(encoded), domain, confidence, now, now)
		if err != nil {
			return false, storageErr("update context", err)
		}
		if err := tx.Commit(); err != nil {
			return false, storageErr("update context", err)
		}
		return false, nil
	case err != nil:
		return false, storageErr("update context", err)
	}

	if domain == "" {
		domain = curDomain
	}
	if confidence < 0 {
		confidence = curConfidence
	}
	_, err = tx.ExecContext(ctx, `
        UPDATE contexts
        SET value = ?, domain = ?, confidence = ?, updated_at = ?,
            access_count = access_count + 1
        WHERE key = ?`,
		string(encoded), domain, confidence, now, key)
	if err != nil {
		return false, storageErr("update context", err)
	}
	if err := tx.Commit(); err != nil {
		return false, storageErr("update context", err)
	}
	return true, nil
}

// SearchContexts finds contexts whose key starts with prefix, optionally
// narrowed to a domain, most recently updated first.
func (b *Bank) SearchContexts(ctx context.Context, prefix, domain string, limit int) ([]Context, error) {
	q := `SELECT key, value, domain, confidence, created_at, updated_at, access_count
          FROM contexts WHERE key LIKE ? ESCAPE '\'`
	args := []any{escapeLike(prefix) + "%"}
	if domain != "" {
		q += " AND domain = ?"
		args = append(args, domain)
	}
	q += " ORDER BY updated_at DESC LIMIT ?"
	args = append(args, limitOrDefault(limit, 10))

	rows, err := b.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storageErr("search contexts", err)
	}
	defer rows.Close()

	var out []Context
	for rows.Next() {
		c, err := scanContext(rows)
		if err != nil {
			return nil, storageErr("search contexts", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("search contexts", err)
	}
	return out, nil
}

// ContextsByDomain returns a domain's contexts, highest confidence first.
func (b *Bank) ContextsByDomain(ctx context.Context, domain string, limit int) ([]Context, error) {
	rows, err := b.db.QueryContext(ctx, `
        SELECT key, value, domain, confidence, created_at, updated_at, access_count
        FROM contexts WHERE domain = ?
        ORDER BY confidence DESC, updated_at DESC LIMIT ?`,
		domain, limitOrDefault(limit, 50))
	if err != nil {
		return nil, storageErr("contexts by domain", err)
	}
	defer rows.Close()

	var out []Context
	for rows.Next() {
		c, err := scanContext(rows)
		if err != nil {
			return nil, storageErr("contexts by domain", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("contexts by domain", err)
	}
	return out, nil
}

// DeleteContext removes a context by key. Returns false when the key was
// not present.
func (b *Bank) DeleteContext(ctx context.Context, key string) (bool, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM contexts WHERE key = ?`, key)
	if err != nil {
		return false, storageErr("delete context", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("delete context", err)
	}
	return n > 0, nil
}

// escapeLike neutralises LIKE wildcards so key prefixes containing
// underscores match literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func scanContext(r rowScanner) (*Context, error) {
	var c Context
	var value string
	err := r.Scan(&c.Key, &value, &c.Domain, &c.Confidence,
		&c.CreatedAt, &c.UpdatedAt, &c.AccessCount)
	if err != nil {
		return nil, err
	}
	c.Value = json.RawMessage(value)
	return &c, nil
}
