package breaker

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kaiterrors "kait/internal/errors"
)

// manualClock lets tests walk the breaker through its recovery window.
type manualClock struct {
	t time.Time
}

func (c *manualClock) now() time.Time          { return c.t }
func (c *manualClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRegistry(clock *manualClock) *Registry {
	return NewRegistry(Options{
		Config:  Config{FailureThreshold: 3, RecoveryTimeout: 60 * time.Second, HalfOpenTests: 2},
		Enabled: true,
		Now:     clock.now,
	})
}

func TestClosedOpensAfterThreshold(t *testing.T) {
	clock := &manualClock{t: time.Unix(1_700_000_000, 0)}
	r := newTestRegistry(clock)
	boom := errors.New("boom")

	for i := 0; i < 2; i++ {
		require.NoError(t, r.Allow("claude"))
		r.Mark("claude", boom)
		assert.Equal(t, StateClosed, r.Get("claude").State())
	}

	require.NoError(t, r.Allow("claude"))
	r.Mark("claude", boom)
	assert.Equal(t, StateOpen, r.Get("claude").State())

	err := r.Allow("claude")
	require.Error(t, err)
	assert.Equal(t, kaiterrors.KindCircuitOpen, kaiterrors.KindOf(err))
}

func TestSuccessResetsFailureCount(t *testing.T) {
	clock := &manualClock{t: time.Unix(1_700_000_000, 0)}
	r := newTestRegistry(clock)
	boom := errors.New("boom")

	r.Mark("ollama", boom)
	r.Mark("ollama", boom)
	r.Mark("ollama", nil)
	r.Mark("ollama", boom)
	r.Mark("ollama", boom)
	assert.Equal(t, StateClosed, r.Get("ollama").State(),
		"a success between failures resets the streak")
}

func TestRecoveryHalfOpenThenClose(t *testing.T) {
	clock := &manualClock{t: time.Unix(1_700_000_000, 0)}
	r := newTestRegistry(clock)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		r.Mark("claude", boom)
	}
	require.Equal(t, StateOpen, r.Get("claude").State())
	require.Error(t, r.Allow("claude"))

	clock.advance(61 * time.Second)

	// First allowed request flips to HALF_OPEN; probe budget is 2.
	require.NoError(t, r.Allow("claude"))
	assert.Equal(t, StateHalfOpen, r.Get("claude").State())
	require.NoError(t, r.Allow("claude"))
	require.Error(t, r.Allow("claude"), "third probe exceeds the budget")

	r.Mark("claude", nil)
	assert.Equal(t, StateHalfOpen, r.Get("claude").State())
	r.Mark("claude", nil)
	assert.Equal(t, StateClosed, r.Get("claude").State())
	require.NoError(t, r.Allow("claude"))
}

func TestHalfOpenFailureReopens(t *testing.T) {
	clock := &manualClock{t: time.Unix(1_700_000_000, 0)}
	r := newTestRegistry(clock)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		r.Mark("openai", boom)
	}
	clock.advance(61 * time.Second)
	require.NoError(t, r.Allow("openai"))
	require.Equal(t, StateHalfOpen, r.Get("openai").State())

	r.Mark("openai", boom)
	assert.Equal(t, StateOpen, r.Get("openai").State())
	require.Error(t, r.Allow("openai"), "recovery window restarts on probe failure")
}

func TestBreakersAreIndependent(t *testing.T) {
	clock := &manualClock{t: time.Unix(1_700_000_000, 0)}
	r := newTestRegistry(clock)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		r.Mark("claude", boom)
	}
	assert.Equal(t, StateOpen, r.Get("claude").State())
	assert.NoError(t, r.Allow("ollama"))
	assert.Equal(t, StateClosed, r.Get("ollama").State())
}

func TestDisabledRegistryAlwaysAllows(t *testing.T) {
	clock := &manualClock{t: time.Unix(1_700_000_000, 0)}
	r := NewRegistry(Options{Enabled: false, Now: clock.now})
	boom := errors.New("boom")

	for i := 0; i < 10; i++ {
		require.NoError(t, r.Allow("claude"))
		r.Mark("claude", boom)
	}
	assert.Equal(t, StateClosed, r.Get("claude").State())
}

func TestSnapshotRoundTrip(t *testing.T) {
	clock := &manualClock{t: time.Unix(1_700_000_000, 0)}
	r := newTestRegistry(clock)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		r.Mark("claude", boom)
	}
	r.Mark("ollama", nil)
	require.Equal(t, StateOpen, r.Get("claude").State())

	path := filepath.Join(t.TempDir(), "llm_health_state.json")
	require.NoError(t, r.Save(path))

	// A fresh registry in a fresh process, same wall clock.
	restored := newTestRegistry(clock)
	require.NoError(t, restored.Load(path))

	// The persisted OPEN breaker must be ready to probe immediately,
	// not wait out another recovery window.
	require.NoError(t, restored.Allow("claude"))
	assert.Equal(t, StateHalfOpen, restored.Get("claude").State())
	assert.Equal(t, StateClosed, restored.Get("ollama").State())
}

func TestLoadMissingFileIsFine(t *testing.T) {
	r := newTestRegistry(&manualClock{t: time.Unix(1_700_000_000, 0)})
	require.NoError(t, r.Load(filepath.Join(t.TempDir(), "nope.json")))
}
