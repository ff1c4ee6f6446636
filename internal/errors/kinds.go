package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies failures across the kait core. Components wrap the
// sentinel for their kind so callers can branch with errors.Is while the
// message keeps the local context.
type Kind int

const (
	// KindUnknown covers errors produced outside the core.
	KindUnknown Kind = iota
	// KindStorage marks Reasoning Bank failures: backing store unavailable
	// or corrupt. Surfaced to the caller, never retried locally.
	KindStorage
	// KindProviderTimeout through KindProviderAPI classify LLM adapter
	// failures. They never escape the gateway; a failing provider is
	// skipped in the chain.
	KindProviderTimeout
	KindProviderRateLimit
	KindProviderAuth
	KindProviderConnection
	KindProviderAPI
	// KindCircuitOpen is the synthetic signal that a breaker rejected the
	// request. Outside the gateway it is indistinguishable from provider
	// unavailability.
	KindCircuitOpen
	// KindLockHeld means another live instance of the worker holds the
	// PID lock.
	KindLockHeld
	// KindStartFailed means a worker failed its preflight or did not come
	// up within its startup window.
	KindStartFailed
	// KindRateLimited tells an ingest caller to back off; RetryAfter
	// carries the wait in seconds.
	KindRateLimited
	// KindInvalidEvent means the event was quarantined and must not be
	// retried.
	KindInvalidEvent
	// KindUnauthorized means the ingest bearer token was missing or wrong.
	KindUnauthorized
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	KindStorage:            "storage",
	KindProviderTimeout:    "provider/timeout",
	KindProviderRateLimit:  "provider/rate_limit",
	KindProviderAuth:       "provider/auth",
	KindProviderConnection: "provider/connection",
	KindProviderAPI:        "provider/api",
	KindCircuitOpen:        "circuit_open",
	KindLockHeld:           "supervisor/lock_held",
	KindStartFailed:        "supervisor/start_failed",
	KindRateLimited:        "ingest/rate_limited",
	KindInvalidEvent:       "ingest/invalid",
	KindUnauthorized:       "ingest/unauthorized",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Sentinels for errors.Is checks. Wrap them with fmt.Errorf("...: %w", ...).
var (
	ErrStorage            = &kindError{kind: KindStorage}
	ErrProviderTimeout    = &kindError{kind: KindProviderTimeout}
	ErrProviderRateLimit  = &kindError{kind: KindProviderRateLimit}
	ErrProviderAuth       = &kindError{kind: KindProviderAuth}
	ErrProviderConnection = &kindError{kind: KindProviderConnection}
	ErrProviderAPI        = &kindError{kind: KindProviderAPI}
	ErrCircuitOpen        = &kindError{kind: KindCircuitOpen}
	ErrLockHeld           = &kindError{kind: KindLockHeld}
	ErrStartFailed        = &kindError{kind: KindStartFailed}
	ErrRateLimited        = &kindError{kind: KindRateLimited}
	ErrInvalidEvent       = &kindError{kind: KindInvalidEvent}
	ErrUnauthorized       = &kindError{kind: KindUnauthorized}
)

type kindError struct {
	kind Kind
}

func (e *kindError) Error() string { return e.kind.String() }

// KindOf reports the classification of err, unwrapping as needed.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindUnknown
}

// RateLimitedError carries the retry-after hint for ingest callers.
type RateLimitedError struct {
	RetryAfter float64 // seconds
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %.0fs", e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// ClassifyProvider maps a raw adapter error string to an observability
// error class. The match order is deliberate: timeout beats rate, rate
// beats auth, so "429 timeout" classifies as timeout.
func ClassifyProvider(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate"):
		return "rate_limit"
	case strings.Contains(msg, "401") || strings.Contains(msg, "auth") || strings.Contains(msg, "key"):
		return "auth"
	case strings.Contains(msg, "connection") || strings.Contains(msg, "connect") || strings.Contains(msg, "urlopen"):
		return "connection"
	default:
		return "api"
	}
}

// ProviderKind maps an observability error class back to its error kind.
func ProviderKind(class string) Kind {
	switch class {
	case "timeout":
		return KindProviderTimeout
	case "rate_limit":
		return KindProviderRateLimit
	case "auth":
		return KindProviderAuth
	case "connection":
		return KindProviderConnection
	default:
		return KindProviderAPI
	}
}

// WrapProvider attaches the kind matching the classified error class.
func WrapProvider(err error) error {
	if err == nil {
		return nil
	}
	switch ProviderKind(ClassifyProvider(err)) {
	case KindProviderTimeout:
		return fmt.Errorf("%w: %w", ErrProviderTimeout, err)
	case KindProviderRateLimit:
		return fmt.Errorf("%w: %w", ErrProviderRateLimit, err)
	case KindProviderAuth:
		return fmt.Errorf("%w: %w", ErrProviderAuth, err)
	case KindProviderConnection:
		return fmt.Errorf("%w: %w", ErrProviderConnection, err)
	default:
		return fmt.Errorf("%w: %w", ErrProviderAPI, err)
	}
}

// IsTransient reports whether an error is worth retrying: provider
// timeouts, rate limits, connection failures and open circuits clear on
// their own; storage and auth failures do not.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindProviderTimeout, KindProviderRateLimit, KindProviderConnection,
		KindCircuitOpen, KindRateLimited:
		return true
	case KindUnknown:
		msg := strings.ToLower(errString(err))
		for _, pattern := range []string{
			"connection refused", "connection reset", "broken pipe",
			"timeout", "deadline exceeded", "temporary",
		} {
			if strings.Contains(msg, pattern) {
				return true
			}
		}
	}
	return false
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
