package bank

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"
)

// MemoryEntry is a distilled moment worth keeping after the raw
// interactions are archived away.
type MemoryEntry struct {
	Kind   string  `json:"kind"`
	Text   string  `json:"text"`
	Weight float64 `json:"weight"`
}

// LearningRecord is a pattern extracted from an archived batch.
type LearningRecord struct {
	Kind       string  `json:"kind"`
	Topic      string  `json:"topic"`
	Detail     string  `json:"detail"`
	Confidence float64 `json:"confidence"`
}

// ArchiveMeta carries the batch bookkeeping that only the archive worker
// and the dashboards care about.
type ArchiveMeta struct {
	InteractionCount int              `json:"interaction_count"`
	TimeRangeStart   float64          `json:"time_range_start"`
	TimeRangeEnd     float64          `json:"time_range_end"`
	Topics           []string         `json:"topics,omitempty"`
	SourceBreakdown  map[string]int   `json:"source_breakdown,omitempty"`
	Learnings        []LearningRecord `json:"learnings,omitempty"`
	Status           string           `json:"status"`
}

// Archive is one summarised batch of old interactions. Once the batch is
// written the raw rows stay in the interactions table flagged archived;
// the archive owns their ids.
type Archive struct {
	ID             string        `json:"archive_id"`
	CreatedAt      float64       `json:"created_at"`
	BatchLabel     string        `json:"batch_label"`
	SessionIDs     []string      `json:"session_ids"`
	InteractionIDs []string      `json:"interaction_ids"`
	Summary        string        `json:"summary"`
	Memories       []MemoryEntry `json:"memories,omitempty"`
	MoodSummary    string        `json:"mood_summary,omitempty"`
	AvgSentiment   float64       `json:"avg_sentiment"`
	Meta           ArchiveMeta   `json:"meta"`
	MindSyncStatus string        `json:"mind_sync_status"`
}

// ArchivableSessions returns sessions whose every interaction is
// unarchived and older than the age cutoff, most recent last-activity
// first. A session with even one interaction inside the window is held
// back so active conversations are never split across an archive.
func (b *Bank) ArchivableSessions(ctx context.Context, age time.Duration) ([]SessionSummary, error) {
	cutoff := nowUnix() - age.Seconds()
	rows, err := b.db.QueryContext(ctx, `
        SELECT session_id, source,
               MIN(timestamp) AS first_ts,
               MAX(timestamp) AS last_ts,
               COUNT(*) AS msg_count,
               MIN(user_input) AS first_message,
               source_meta
        FROM interactions
        WHERE session_id != '' AND archived = 0
        GROUP BY session_id
        HAVING MAX(timestamp) < ?
        ORDER BY MAX(timestamp) DESC`, cutoff)
	if err != nil {
		return nil, storageErr("archivable sessions", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var s SessionSummary
		if err := rows.Scan(&s.SessionID, &s.Source, &s.FirstTS, &s.LastTS,
			&s.MessageCount, &s.FirstMessage, &s.SourceMeta); err != nil {
			return nil, storageErr("archivable sessions", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("archivable sessions", err)
	}
	return out, nil
}

// MarkInteractionsArchived flags the given interactions as archived and
// returns how many rows actually flipped.
func (b *Bank) MarkInteractionsArchived(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := b.db.ExecContext(ctx,
		`UPDATE interactions SET archived = 1 WHERE archived = 0 AND id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return 0, storageErr("mark interactions archived", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("mark interactions archived", err)
	}
	return int(n), nil
}

// SaveArchive persists a batch record and returns its id.
func (b *Bank) SaveArchive(ctx context.Context, a Archive) (string, error) {
	if a.ID == "" {
		a.ID = newID()
	}
	if a.CreatedAt == 0 {
		a.CreatedAt = nowUnix()
	}
	if a.MindSyncStatus == "" {
		a.MindSyncStatus = "pending"
	}
	if a.Meta.Status == "" {
		a.Meta.Status = "complete"
	}
	if a.Memories == nil {
		a.Memories = []MemoryEntry{}
	}
	sessionIDs, _ := json.Marshal(emptyAsList(a.SessionIDs))
	interactionIDs, _ := json.Marshal(emptyAsList(a.InteractionIDs))
	memories, _ := json.Marshal(a.Memories)
	meta, _ := json.Marshal(a.Meta)
	_, err := b.db.ExecContext(ctx, `
        INSERT OR REPLACE INTO archives (
            id, created_at, batch_label, session_ids, interaction_ids,
            summary, memories, mood_summary, avg_sentiment, meta, mind_sync_status
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.CreatedAt, a.BatchLabel, string(sessionIDs), string(interactionIDs),
		a.Summary, string(memories), a.MoodSummary, a.AvgSentiment,
		string(meta), a.MindSyncStatus)
	if err != nil {
		return "", storageErr("save archive", err)
	}
	return a.ID, nil
}

const archiveCols = `id, created_at, batch_label, session_ids, interaction_ids,
    summary, memories, mood_summary, avg_sentiment, meta, mind_sync_status`

// Archives returns batch records, newest first.
func (b *Bank) Archives(ctx context.Context, limit int) ([]Archive, error) {
	return b.queryArchives(ctx, `
        SELECT `+archiveCols+` FROM archives
        ORDER BY created_at DESC LIMIT ?`,
		limitOrDefault(limit, 50))
}

// ArchiveByID returns one batch record; missing id yields (nil, nil).
func (b *Bank) ArchiveByID(ctx context.Context, id string) (*Archive, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT `+archiveCols+` FROM archives WHERE id = ?`, id)
	a, err := scanArchive(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("archive by id", err)
	}
	return a, nil
}

// ArchiveInteractions resolves an archive's stored interaction ids back
// to full rows, oldest first. Unknown archive yields an empty slice.
func (b *Bank) ArchiveInteractions(ctx context.Context, archiveID string) ([]Interaction, error) {
	a, err := b.ArchiveByID(ctx, archiveID)
	if err != nil {
		return nil, err
	}
	if a == nil || len(a.InteractionIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(a.InteractionIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(a.InteractionIDs))
	for i, id := range a.InteractionIDs {
		args[i] = id
	}
	rows, err := b.db.QueryContext(ctx,
		`SELECT `+interactionCols+` FROM interactions
         WHERE id IN (`+placeholders+`) ORDER BY timestamp ASC`, args...)
	if err != nil {
		return nil, storageErr("archive interactions", err)
	}
	defer rows.Close()

	var out []Interaction
	for rows.Next() {
		in, err := scanInteraction(rows)
		if err != nil {
			return nil, storageErr("archive interactions", err)
		}
		out = append(out, *in)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("archive interactions", err)
	}
	return out, nil
}

// PendingMindSync returns archives not yet pushed into the semantic
// index, oldest first so the index fills chronologically.
func (b *Bank) PendingMindSync(ctx context.Context, limit int) ([]Archive, error) {
	return b.queryArchives(ctx, `
        SELECT `+archiveCols+` FROM archives
        WHERE mind_sync_status = 'pending'
        ORDER BY created_at ASC LIMIT ?`,
		limitOrDefault(limit, 20))
}

// SetMindSyncStatus records the semantic-index sync outcome for a batch.
func (b *Bank) SetMindSyncStatus(ctx context.Context, id, status string) error {
	_, err := b.db.ExecContext(ctx,
		`UPDATE archives SET mind_sync_status = ? WHERE id = ?`, status, id)
	if err != nil {
		return storageErr("set mind sync status", err)
	}
	return nil
}

func (b *Bank) queryArchives(ctx context.Context, q string, args ...any) ([]Archive, error) {
	rows, err := b.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storageErr("query archives", err)
	}
	defer rows.Close()

	var out []Archive
	for rows.Next() {
		a, err := scanArchive(rows)
		if err != nil {
			return nil, storageErr("query archives", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("query archives", err)
	}
	return out, nil
}

func scanArchive(r rowScanner) (*Archive, error) {
	var a Archive
	var sessionIDs, interactionIDs, memories, meta string
	err := r.Scan(&a.ID, &a.CreatedAt, &a.BatchLabel, &sessionIDs,
		&interactionIDs, &a.Summary, &memories, &a.MoodSummary,
		&a.AvgSentiment, &meta, &a.MindSyncStatus)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(sessionIDs), &a.SessionIDs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(interactionIDs), &a.InteractionIDs); err != nil {
		return nil, err
	}
	if memories != "" {
		if err := json.Unmarshal([]byte(memories), &a.Memories); err != nil {
			return nil, err
		}
	}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &a.Meta); err != nil {
			return nil, err
		}
	}
	return &a, nil
}

func emptyAsList(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
