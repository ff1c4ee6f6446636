// Package breaker implements per-provider circuit breakers for the LLM
// gateway. Each provider gets a CLOSED/OPEN/HALF_OPEN state machine;
// the registry persists a snapshot across restarts so a flapping cloud
// provider stays benched through a daemon bounce.
package breaker

import (
	"fmt"
	"sync"
	"time"

	kaiterrors "kait/internal/errors"
)

// State is a breaker's position in the CLOSED/OPEN/HALF_OPEN machine.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Config tunes a breaker. Zero values pick the defaults.
type Config struct {
	FailureThreshold int           // consecutive failures to open (default 3)
	RecoveryTimeout  time.Duration // open → half-open wait (default 60s)
	HalfOpenTests    int           // probes required to close (default 2)
}

func (c *Config) defaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.HalfOpenTests <= 0 {
		c.HalfOpenTests = 2
	}
}

// Breaker is a single provider's circuit. Safe for concurrent use; all
// transitions for one provider serialise on its mutex.
type Breaker struct {
	name   string
	config Config
	now    func() time.Time

	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	halfOpenAttempts int
	lastFailure      time.Time
}

func newBreaker(name string, config Config, now func() time.Time) *Breaker {
	config.defaults()
	return &Breaker{name: name, config: config, now: now, state: StateClosed}
}

// Allow reports whether a request may proceed. In OPEN state the first
// call after the recovery window flips the breaker to HALF_OPEN and is
// allowed as a probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.lastFailure) >= b.config.RecoveryTimeout {
			b.state = StateHalfOpen
			b.successCount = 0
			b.halfOpenAttempts = 1
			return nil
		}
		return fmt.Errorf("%w: %s recovering for another %s",
			kaiterrors.ErrCircuitOpen, b.name,
			(b.config.RecoveryTimeout - b.now().Sub(b.lastFailure)).Round(time.Second))
	case StateHalfOpen:
		if b.halfOpenAttempts >= b.config.HalfOpenTests {
			return fmt.Errorf("%w: %s half-open probe budget exhausted",
				kaiterrors.ErrCircuitOpen, b.name)
		}
		b.halfOpenAttempts++
		return nil
	}
	return nil
}

// CanRequest reports whether Allow would admit a request, without
// consuming a half-open probe or transitioning state. Routing uses it
// to build availability; the real Allow happens at call time.
func (b *Breaker) CanRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		return b.now().Sub(b.lastFailure) >= b.config.RecoveryTimeout
	case StateHalfOpen:
		return b.halfOpenAttempts < b.config.HalfOpenTests
	}
	return true
}

// Mark records a request outcome: nil marks success, anything else
// failure.
func (b *Breaker) Mark(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.config.HalfOpenTests {
			b.state = StateClosed
			b.failureCount = 0
			b.successCount = 0
			b.halfOpenAttempts = 0
		}
	}
}

func (b *Breaker) onFailure() {
	switch b.state {
	case StateClosed:
		b.failureCount++
		b.lastFailure = b.now()
		if b.failureCount >= b.config.FailureThreshold {
			b.state = StateOpen
		}
	case StateHalfOpen:
		// A probe failed; back to the bench.
		b.state = StateOpen
		b.successCount = 0
		b.halfOpenAttempts = 0
		b.lastFailure = b.now()
	case StateOpen:
		b.lastFailure = b.now()
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot captures the breaker for persistence and dashboards.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := BreakerSnapshot{
		Provider:         b.name,
		State:            b.state,
		FailureCount:     b.failureCount,
		SuccessCount:     b.successCount,
		HalfOpenAttempts: b.halfOpenAttempts,
	}
	if !b.lastFailure.IsZero() {
		snap.SecondsSinceFailure = b.now().Sub(b.lastFailure).Seconds()
	}
	return snap
}

// restore loads persisted state. A persisted OPEN breaker has its last
// failure backdated past the recovery window: an OPEN circuit must not
// survive a restart without at least one probe being allowed.
func (b *Breaker) restore(snap BreakerSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = snap.State
	b.failureCount = snap.FailureCount
	b.successCount = snap.SuccessCount
	b.halfOpenAttempts = snap.HalfOpenAttempts
	switch snap.State {
	case StateOpen:
		b.lastFailure = b.now().Add(-b.config.RecoveryTimeout)
	case StateHalfOpen:
		// Probes from the previous process are gone; start fresh.
		b.successCount = 0
		b.halfOpenAttempts = 0
	}
}
