// Package bank implements the Reasoning Bank: the durable SQLite memory
// behind the sidekick. Every interaction, knowledge context, correction,
// evolution event, preference, personality trait, behaviour rule and
// archive batch lives in a single human-inspectable database file.
package bank

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	kaiterrors "kait/internal/errors"
)

// Bank is the SQLite-backed store. A single connection serialises all
// writers; readers never observe partially written records because every
// multi-statement mutation runs inside one transaction.
type Bank struct {
	db   *sql.DB
	path string

	// guards read-modify-write sequences that span statements
	mu sync.Mutex
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS interactions (
    id TEXT PRIMARY KEY,
    timestamp REAL NOT NULL,
    user_input TEXT NOT NULL,
    ai_response TEXT NOT NULL,
    mood TEXT DEFAULT '',
    sentiment_score REAL DEFAULT 0.0,
    session_id TEXT DEFAULT '',
    feedback_score REAL,
    source TEXT DEFAULT 'gui',
    source_meta TEXT DEFAULT '',
    archived INTEGER DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_interactions_timestamp ON interactions(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_interactions_session ON interactions(session_id);
CREATE INDEX IF NOT EXISTS idx_interactions_archived ON interactions(archived);

CREATE TABLE IF NOT EXISTS contexts (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    domain TEXT DEFAULT '',
    confidence REAL DEFAULT 0.5,
    created_at REAL NOT NULL,
    updated_at REAL NOT NULL,
    access_count INTEGER DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_contexts_domain ON contexts(domain);

CREATE TABLE IF NOT EXISTS corrections (
    id TEXT PRIMARY KEY,
    original_response TEXT NOT NULL,
    correction TEXT NOT NULL,
    reason TEXT DEFAULT '',
    domain TEXT DEFAULT '',
    learned_at REAL NOT NULL,
    applied_count INTEGER DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_corrections_learned ON corrections(learned_at DESC);

CREATE TABLE IF NOT EXISTS evolutions (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    description TEXT NOT NULL,
    metrics_before TEXT,
    metrics_after TEXT,
    timestamp REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_evolutions_timestamp ON evolutions(timestamp DESC);

CREATE TABLE IF NOT EXISTS preferences (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    confidence REAL DEFAULT 0.5,
    last_updated REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS personality (
    trait TEXT PRIMARY KEY,
    value REAL DEFAULT 0.5,
    history TEXT DEFAULT '[]',
    updated_at REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS behavior_rules (
    id TEXT PRIMARY KEY,
    trigger TEXT NOT NULL,
    action TEXT NOT NULL,
    confidence REAL DEFAULT 0.5,
    source TEXT DEFAULT '',
    created_at REAL NOT NULL,
    active INTEGER DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_behavior_rules_active ON behavior_rules(active, confidence DESC);

CREATE TABLE IF NOT EXISTS archives (
    id TEXT PRIMARY KEY,
    created_at REAL NOT NULL,
    batch_label TEXT NOT NULL,
    session_ids TEXT NOT NULL,
    interaction_ids TEXT NOT NULL,
    summary TEXT DEFAULT '',
    memories TEXT DEFAULT '[]',
    mood_summary TEXT DEFAULT '',
    avg_sentiment REAL DEFAULT 0.0,
    meta TEXT DEFAULT '{}',
    mind_sync_status TEXT DEFAULT 'pending'
);
CREATE INDEX IF NOT EXISTS idx_archives_batch ON archives(batch_label);
`

// Open opens (creating if needed) the bank at path and initialises the
// schema. The returned Bank is safe for concurrent use.
func Open(path string) (*Bank, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, storageErr("open", err)
	}
	// One connection keeps SQLite happy under concurrent goroutines.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, storageErr("init schema", err)
	}
	return &Bank{db: db, path: path}, nil
}

// Path returns the database file path.
func (b *Bank) Path() string { return b.path }

// Close releases the underlying connection.
func (b *Bank) Close() error {
	return b.db.Close()
}

// newID returns a 16-character lowercase hex identifier.
func newID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])[:16]
}

// nowUnix is the wall clock in float seconds, the timestamp unit used
// across all tables.
func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func storageErr(op string, err error) error {
	return fmt.Errorf("bank: %s: %w: %w", op, kaiterrors.ErrStorage, err)
}

// begin starts a write transaction with the bank mutex held. The caller
// must invoke the returned release func (idempotent rollback) and Commit
// on success.
func (b *Bank) begin(ctx context.Context) (*sql.Tx, func(), error) {
	b.mu.Lock()
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		b.mu.Unlock()
		return nil, nil, err
	}
	release := func() {
		_ = tx.Rollback()
		b.mu.Unlock()
	}
	return tx, release, nil
}
