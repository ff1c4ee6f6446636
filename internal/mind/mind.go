// Package mind is the semantic archive index: narratives and memories
// from archived batches become vector documents that later queries can
// search by meaning rather than keyword.
package mind

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/philippgille/chromem-go"

	"kait/internal/bank"
	"kait/internal/logging"
)

const (
	collectionName = "kait_mind"
	embedCacheSize = 512
	syncBatchSize  = 20
)

// Embedder produces embeddings. *llm.Gateway satisfies it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Store is the slice of the bank the index syncs from.
type Store interface {
	PendingMindSync(ctx context.Context, limit int) ([]bank.Archive, error)
	SetMindSyncStatus(ctx context.Context, id, status string) error
}

// Result is one semantic search hit.
type Result struct {
	ID         string            `json:"id"`
	Content    string            `json:"content"`
	Similarity float32           `json:"similarity"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Index wraps a persistent chromem collection plus an embedding cache,
// so repeated syncs of the same text never hit the gateway twice.
type Index struct {
	db         *chromem.DB
	collection *chromem.Collection
	cache      *lru.Cache[string, []float32]
	embedder   Embedder
	logger     logging.Logger
}

// Options configures the index.
type Options struct {
	// Dir is the persistence directory, e.g. <state>/mind.
	Dir      string
	Embedder Embedder
	Logger   logging.Logger
}

// Open creates or reopens the index under opts.Dir.
func Open(opts Options) (*Index, error) {
	if opts.Embedder == nil {
		return nil, fmt.Errorf("mind: embedder is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("mind dir: %w", err)
	}

	cache, err := lru.New[string, []float32](embedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("embed cache: %w", err)
	}

	idx := &Index{
		cache:    cache,
		embedder: opts.Embedder,
		logger:   logging.OrNop(opts.Logger),
	}

	db, err := chromem.NewPersistentDB(filepath.Join(opts.Dir, "mind.gob"), false)
	if err != nil {
		return nil, fmt.Errorf("open mind db: %w", err)
	}
	collection, err := db.GetOrCreateCollection(collectionName, nil, idx.embed)
	if err != nil {
		return nil, fmt.Errorf("open mind collection: %w", err)
	}
	idx.db = db
	idx.collection = collection
	return idx, nil
}

// embed is the chromem embedding func, backed by the LRU cache.
func (x *Index) embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(text)
	if v, ok := x.cache.Get(key); ok {
		return v, nil
	}
	v, err := x.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	x.cache.Add(key, v)
	return v, nil
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Sync indexes every archive still pending, then flips its sync
// status. One failing archive does not block the rest.
func (x *Index) Sync(ctx context.Context, store Store) (int, error) {
	pending, err := store.PendingMindSync(ctx, syncBatchSize)
	if err != nil {
		return 0, fmt.Errorf("pending archives: %w", err)
	}

	synced := 0
	var firstErr error
	for _, a := range pending {
		if err := x.indexArchive(ctx, a); err != nil {
			x.logger.Warn("mind sync of archive %s failed: %v", a.ID, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := store.SetMindSyncStatus(ctx, a.ID, "synced"); err != nil {
			return synced, fmt.Errorf("flip sync status: %w", err)
		}
		synced++
	}
	return synced, firstErr
}

// indexArchive writes the narrative plus each memory as documents.
func (x *Index) indexArchive(ctx context.Context, a bank.Archive) error {
	if a.Summary != "" {
		err := x.collection.AddDocument(ctx, chromem.Document{
			ID:      a.ID,
			Content: a.Summary,
			Metadata: map[string]string{
				"kind":        "narrative",
				"batch_label": a.BatchLabel,
			},
		})
		if err != nil {
			return fmt.Errorf("index narrative: %w", err)
		}
	}
	for i, m := range a.Memories {
		if m.Text == "" {
			continue
		}
		err := x.collection.AddDocument(ctx, chromem.Document{
			ID:      fmt.Sprintf("%s-mem-%d", a.ID, i),
			Content: m.Text,
			Metadata: map[string]string{
				"kind":        "memory",
				"memory_kind": m.Kind,
				"batch_label": a.BatchLabel,
				"archive_id":  a.ID,
			},
		})
		if err != nil {
			return fmt.Errorf("index memory: %w", err)
		}
	}
	return nil
}

// Search finds the k documents closest to the query.
func (x *Index) Search(ctx context.Context, query string, k int) ([]Result, error) {
	if k <= 0 {
		k = 5
	}
	if count := x.collection.Count(); count < k {
		k = count
	}
	if k == 0 {
		return nil, nil
	}
	hits, err := x.collection.Query(ctx, query, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("mind search: %w", err)
	}
	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		out = append(out, Result{
			ID:         h.ID,
			Content:    h.Content,
			Similarity: h.Similarity,
			Metadata:   h.Metadata,
		})
	}
	return out, nil
}

// Count returns the number of indexed documents.
func (x *Index) Count() int { return x.collection.Count() }
