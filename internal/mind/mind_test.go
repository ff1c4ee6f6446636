package mind

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kait/internal/bank"
)

// wordEmbedder maps each known word to its own dimension, so texts
// sharing words land close together.
type wordEmbedder struct {
	vocab map[string]int
	calls int
}

func newWordEmbedder(words ...string) *wordEmbedder {
	vocab := make(map[string]int, len(words))
	for i, w := range words {
		vocab[w] = i
	}
	return &wordEmbedder{vocab: vocab}
}

func (e *wordEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls++
	v := make([]float32, len(e.vocab)+1)
	for w, i := range e.vocab {
		if containsWord(text, w) {
			v[i] = 1
		}
	}
	v[len(e.vocab)] = 0.01 // never the zero vector
	return v, nil
}

func containsWord(text, word string) bool {
	for i := 0; i+len(word) <= len(text); i++ {
		if text[i:i+len(word)] == word {
			return true
		}
	}
	return false
}

func openTestIndex(t *testing.T, e Embedder) *Index {
	t.Helper()
	idx, err := Open(Options{Dir: filepath.Join(t.TempDir(), "mind"), Embedder: e})
	require.NoError(t, err)
	return idx
}

type fakeArchiveStore struct {
	pending []bank.Archive
	status  map[string]string
}

func (s *fakeArchiveStore) PendingMindSync(ctx context.Context, limit int) ([]bank.Archive, error) {
	var out []bank.Archive
	for _, a := range s.pending {
		if s.status[a.ID] != "synced" {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *fakeArchiveStore) SetMindSyncStatus(ctx context.Context, id, status string) error {
	if s.status == nil {
		s.status = make(map[string]string)
	}
	s.status[id] = status
	return nil
}

func TestSyncIndexesNarrativesAndMemories(t *testing.T) {
	idx := openTestIndex(t, newWordEmbedder("docker", "piano", "birthday"))
	store := &fakeArchiveStore{pending: []bank.Archive{{
		ID:         "a1",
		BatchLabel: "2026-08-20",
		Summary:    "The user spent the day debugging docker networking.",
		Memories: []bank.MemoryEntry{
			{Kind: "emotional", Text: "finally passed the piano exam", Weight: 0.9},
		},
	}}}

	synced, err := idx.Sync(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, 1, synced)
	assert.Equal(t, "synced", store.status["a1"])
	assert.Equal(t, 2, idx.Count())

	// A second sync has nothing pending.
	synced, err = idx.Sync(context.Background(), store)
	require.NoError(t, err)
	assert.Zero(t, synced)
}

func TestSearchFindsClosestDocument(t *testing.T) {
	idx := openTestIndex(t, newWordEmbedder("docker", "piano"))
	store := &fakeArchiveStore{pending: []bank.Archive{{
		ID:      "a1",
		Summary: "debugging docker networking all afternoon",
		Memories: []bank.MemoryEntry{
			{Kind: "emotional", Text: "passed the piano exam"},
		},
	}}}
	_, err := idx.Sync(context.Background(), store)
	require.NoError(t, err)

	results, err := idx.Search(context.Background(), "piano practice", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "passed the piano exam", results[0].Content)
	assert.Equal(t, "memory", results[0].Metadata["kind"])
}

func TestSearchOnEmptyIndex(t *testing.T) {
	idx := openTestIndex(t, newWordEmbedder("docker"))
	results, err := idx.Search(context.Background(), "anything", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestEmbeddingsAreCached(t *testing.T) {
	e := newWordEmbedder("docker")
	idx := openTestIndex(t, e)

	_, err := idx.embed(context.Background(), "docker again")
	require.NoError(t, err)
	_, err = idx.embed(context.Background(), "docker again")
	require.NoError(t, err)
	assert.Equal(t, 1, e.calls, "identical text embeds once")
}

func TestIndexPersistsAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "mind")
	e := newWordEmbedder("docker")
	idx, err := Open(Options{Dir: dir, Embedder: e})
	require.NoError(t, err)

	store := &fakeArchiveStore{pending: []bank.Archive{{ID: "a1", Summary: "docker day"}}}
	_, err = idx.Sync(context.Background(), store)
	require.NoError(t, err)

	reopened, err := Open(Options{Dir: dir, Embedder: e})
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Count())
}
