package bank

import (
	"context"
	"database/sql"
	"strings"
)

// Interaction is one user<->AI exchange.
type Interaction struct {
	ID             string   `json:"id"`
	Timestamp      float64  `json:"timestamp"`
	UserInput      string   `json:"user_input"`
	AIResponse     string   `json:"ai_response"`
	Mood           string   `json:"mood,omitempty"`
	SentimentScore float64  `json:"sentiment_score"`
	SessionID      string   `json:"session_id,omitempty"`
	FeedbackScore  *float64 `json:"feedback_score,omitempty"`
	Source         string   `json:"source"`
	SourceMeta     string   `json:"source_meta,omitempty"`
	Archived       bool     `json:"archived"`
}

// HistoryFilter narrows InteractionHistory. Zero values mean "no filter";
// Archived is a tri-state (nil = both).
type HistoryFilter struct {
	SessionID string
	Source    string
	Archived  *bool
	Limit     int
}

// SessionFilter narrows Sessions.
type SessionFilter struct {
	Source          string
	Limit           int
	ExcludeArchived bool
}

// SessionSummary describes one conversation session.
type SessionSummary struct {
	SessionID    string  `json:"session_id"`
	Source       string  `json:"source"`
	FirstTS      float64 `json:"first_ts"`
	LastTS       float64 `json:"last_ts"`
	MessageCount int     `json:"msg_count"`
	FirstMessage string  `json:"first_message"`
	SourceMeta   string  `json:"source_meta,omitempty"`
}

const interactionCols = `id, timestamp, user_input, ai_response, mood,
    sentiment_score, session_id, feedback_score, source, source_meta, archived`

// SaveInteraction persists an exchange and returns its id. A missing id is
// generated, a zero timestamp becomes now, and an empty source defaults
// to "gui".
func (b *Bank) SaveInteraction(ctx context.Context, in Interaction) (string, error) {
	if in.ID == "" {
		in.ID = newID()
	}
	if in.Timestamp == 0 {
		in.Timestamp = nowUnix()
	}
	if in.Source == "" {
		in.Source = "gui"
	}
	_, err := b.db.ExecContext(ctx, `
        INSERT OR REPLACE INTO interactions (
            id, timestamp, user_input, ai_response, mood, sentiment_score,
            session_id, feedback_score, source, source_meta, archived
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.Timestamp, in.UserInput, in.AIResponse, in.Mood,
		in.SentimentScore, in.SessionID, nullFloat(in.FeedbackScore),
		in.Source, in.SourceMeta, boolInt(in.Archived),
	)
	if err != nil {
		return "", storageErr("save interaction", err)
	}
	return in.ID, nil
}

// GetInteraction looks up a single exchange; missing id yields (nil, nil).
func (b *Bank) GetInteraction(ctx context.Context, id string) (*Interaction, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT `+interactionCols+` FROM interactions WHERE id = ?`, id)
	in, err := scanInteraction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get interaction", err)
	}
	return in, nil
}

// InteractionHistory returns exchanges newest first.
func (b *Bank) InteractionHistory(ctx context.Context, f HistoryFilter) ([]Interaction, error) {
	var clauses []string
	var args []any
	if f.SessionID != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Source != "" {
		clauses = append(clauses, "source = ?")
		args = append(args, f.Source)
	}
	if f.Archived != nil {
		clauses = append(clauses, "archived = ?")
		args = append(args, boolInt(*f.Archived))
	}
	q := `SELECT ` + interactionCols + ` FROM interactions`
	if len(clauses) > 0 {
		q += " WHERE " + strings.Join(clauses, " AND ")
	}
	q += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limitOrDefault(f.Limit, 50))

	rows, err := b.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storageErr("interaction history", err)
	}
	defer rows.Close()

	var out []Interaction
	for rows.Next() {
		in, err := scanInteraction(rows)
		if err != nil {
			return nil, storageErr("interaction history", err)
		}
		out = append(out, *in)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("interaction history", err)
	}
	return out, nil
}

// UpdateInteractionFeedback sets the feedback score on an existing
// exchange. Returns false when the id is unknown.
func (b *Bank) UpdateInteractionFeedback(ctx context.Context, id string, score float64) (bool, error) {
	res, err := b.db.ExecContext(ctx,
		`UPDATE interactions SET feedback_score = ? WHERE id = ?`, score, id)
	if err != nil {
		return false, storageErr("update feedback", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("update feedback", err)
	}
	return n > 0, nil
}

// Sessions returns per-session summaries ordered by most recent activity.
func (b *Bank) Sessions(ctx context.Context, f SessionFilter) ([]SessionSummary, error) {
	clauses := []string{"session_id != ''"}
	var args []any
	if f.ExcludeArchived {
		clauses = append(clauses, "archived = 0")
	}
	if f.Source != "" {
		clauses = append(clauses, "source = ?")
		args = append(args, f.Source)
	}
	args = append(args, limitOrDefault(f.Limit, 50))

	rows, err := b.db.QueryContext(ctx, `
        SELECT session_id, source,
               MIN(timestamp) AS first_ts,
               MAX(timestamp) AS last_ts,
               COUNT(*) AS msg_count,
               MIN(user_input) AS first_message,
               source_meta
        FROM interactions
        WHERE `+strings.Join(clauses, " AND ")+`
        GROUP BY session_id
        ORDER BY MAX(timestamp) DESC
        LIMIT ?`, args...)
	if err != nil {
		return nil, storageErr("sessions", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var s SessionSummary
		if err := rows.Scan(&s.SessionID, &s.Source, &s.FirstTS, &s.LastTS,
			&s.MessageCount, &s.FirstMessage, &s.SourceMeta); err != nil {
			return nil, storageErr("sessions", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("sessions", err)
	}
	return out, nil
}

// SourceStats counts interactions grouped by source.
func (b *Bank) SourceStats(ctx context.Context) (map[string]int, error) {
	rows, err := b.db.QueryContext(ctx, `
        SELECT COALESCE(NULLIF(source, ''), 'gui') AS src, COUNT(*)
        FROM interactions GROUP BY src`)
	if err != nil {
		return nil, storageErr("source stats", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var src string
		var n int
		if err := rows.Scan(&src, &n); err != nil {
			return nil, storageErr("source stats", err)
		}
		out[src] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("source stats", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInteraction(r rowScanner) (*Interaction, error) {
	var in Interaction
	var feedback sql.NullFloat64
	var archived int
	err := r.Scan(&in.ID, &in.Timestamp, &in.UserInput, &in.AIResponse,
		&in.Mood, &in.SentimentScore, &in.SessionID, &feedback,
		&in.Source, &in.SourceMeta, &archived)
	if err != nil {
		return nil, err
	}
	if feedback.Valid {
		in.FeedbackScore = &feedback.Float64
	}
	in.Archived = archived != 0
	return &in, nil
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func limitOrDefault(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}
