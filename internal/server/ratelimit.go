package server

import (
	"sync"
	"time"
)

const maxTrackedSources = 1024

// rateLimiter is a per-source sliding window. Memory is bounded: when
// too many sources are tracked, the longest-idle one is evicted.
type rateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	now    func() time.Time
	hits   map[string][]time.Time
}

func newRateLimiter(limit int, window time.Duration, now func() time.Time) *rateLimiter {
	if now == nil {
		now = time.Now
	}
	return &rateLimiter{
		limit:  limit,
		window: window,
		now:    now,
		hits:   make(map[string][]time.Time),
	}
}

// allow records one hit for the source. When over the limit it returns
// false and how long until the oldest hit leaves the window.
func (r *rateLimiter) allow(source string) (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)

	kept := r.hits[source][:0]
	for _, t := range r.hits[source] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= r.limit {
		r.hits[source] = kept
		retry := kept[0].Sub(cutoff)
		if retry < time.Second {
			retry = time.Second
		}
		return false, retry
	}

	r.hits[source] = append(kept, now)
	if len(r.hits) > maxTrackedSources {
		r.evictIdlest()
	}
	return true, 0
}

// evictIdlest drops the source whose newest hit is oldest. Caller
// holds the mutex.
func (r *rateLimiter) evictIdlest() {
	var victim string
	var oldest time.Time
	for source, times := range r.hits {
		newest := times[len(times)-1]
		if victim == "" || newest.Before(oldest) {
			victim, oldest = source, newest
		}
	}
	if victim != "" {
		delete(r.hits, victim)
	}
}
