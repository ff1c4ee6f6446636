package breaker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// BreakerSnapshot is the persisted form of one breaker.
type BreakerSnapshot struct {
	Provider            string  `json:"provider"`
	State               State   `json:"state"`
	FailureCount        int     `json:"failure_count"`
	SuccessCount        int     `json:"success_count"`
	HalfOpenAttempts    int     `json:"half_open_attempts"`
	SecondsSinceFailure float64 `json:"seconds_since_failure,omitempty"`
}

type snapshotFile struct {
	SavedAt  float64                    `json:"saved_at"`
	Breakers map[string]BreakerSnapshot `json:"breakers"`
}

// Registry holds one breaker per provider, keyed by the provider's
// literal name. When disabled it always allows and never trips.
type Registry struct {
	config  Config
	enabled bool
	now     func() time.Time

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// Options configures a Registry.
type Options struct {
	Config  Config
	Enabled bool
	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// NewRegistry builds a Registry from opts.
func NewRegistry(opts Options) *Registry {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	opts.Config.defaults()
	return &Registry{
		config:   opts.Config,
		enabled:  opts.Enabled,
		now:      now,
		breakers: make(map[string]*Breaker),
	}
}

// Enabled reports whether breaker logic is active.
func (r *Registry) Enabled() bool { return r.enabled }

// Get returns the breaker for a provider, creating it on first use.
func (r *Registry) Get(provider string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[provider]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[provider]; ok {
		return b
	}
	b = newBreaker(provider, r.config, r.now)
	r.breakers[provider] = b
	return b
}

// Allow reports whether the provider may take a request. Disabled
// registries always allow.
func (r *Registry) Allow(provider string) error {
	if !r.enabled {
		return nil
	}
	return r.Get(provider).Allow()
}

// CanRequest is the non-consuming form of Allow, for availability
// checks.
func (r *Registry) CanRequest(provider string) bool {
	if !r.enabled {
		return true
	}
	return r.Get(provider).CanRequest()
}

// Mark records a request outcome against the provider's breaker.
func (r *Registry) Mark(provider string, err error) {
	if !r.enabled {
		return
	}
	r.Get(provider).Mark(err)
}

// Snapshot returns every breaker's state, sorted by provider name.
func (r *Registry) Snapshot() []BreakerSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]BreakerSnapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// Save writes the snapshot atomically (temp file + rename).
func (r *Registry) Save(path string) error {
	file := snapshotFile{
		SavedAt:  float64(r.now().UnixNano()) / 1e9,
		Breakers: make(map[string]BreakerSnapshot),
	}
	for _, snap := range r.Snapshot() {
		file.Breakers[snap.Provider] = snap
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal breaker snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write breaker snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace breaker snapshot: %w", err)
	}
	return nil
}

// Load restores breakers from a snapshot file. A missing file is not an
// error. Persisted OPEN breakers come back ready to probe.
func (r *Registry) Load(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read breaker snapshot: %w", err)
	}
	var file snapshotFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse breaker snapshot: %w", err)
	}
	for provider, snap := range file.Breakers {
		r.Get(provider).restore(snap)
	}
	return nil
}
