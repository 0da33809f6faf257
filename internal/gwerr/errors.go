// Package gwerr defines the typed failures the gateway reports to its callers.
package gwerr

import (
	"errors"
	"fmt"
)

// Kind classifies a gateway failure.
type Kind int

const (
	// KindUnknown is the zero value and never set by gateway code.
	KindUnknown Kind = iota
	// KindNotFound means the namespaced name or subscription target does not resolve to any backend.
	KindNotFound
	// KindTimeout means the router-enforced per-call timeout elapsed before the backend answered.
	KindTimeout
	// KindCircuitOpen means the backend is currently isolated by its circuit breaker.
	KindCircuitOpen
	// KindBackend means the backend returned a protocol-level error; the payload is preserved.
	KindBackend
	// KindSyncFailed means a catalog fetch from a backend failed; the previous catalog is retained.
	KindSyncFailed
	// KindLimitExceeded means the per-client subscription cap was reached.
	KindLimitExceeded
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindTimeout:
		return "timeout"
	case KindCircuitOpen:
		return "circuit_open"
	case KindBackend:
		return "backend_error"
	case KindSyncFailed:
		return "sync_failed"
	case KindLimitExceeded:
		return "limit_exceeded"
	default:
		return "unknown"
	}
}

// Error is a gateway failure tagged with its kind and, where applicable, the owning backend.
type Error struct {
	Kind    Kind
	Backend string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Backend != "" {
		return fmt.Sprintf("%s: backend %q: %s", e.Kind, e.Backend, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NotFound reports an unknown namespaced name or subscription target.
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Timeout reports a router-enforced call timeout for the given backend.
func Timeout(backend string, format string, args ...any) *Error {
	return &Error{Kind: KindTimeout, Backend: backend, Message: fmt.Sprintf(format, args...)}
}

// CircuitOpen reports a short-circuited call for an isolated backend.
func CircuitOpen(backend string) *Error {
	return &Error{Kind: KindCircuitOpen, Backend: backend, Message: "circuit breaker open"}
}

// Backend wraps a protocol-level error from a backend, preserving its payload.
func Backend(backend string, err error) *Error {
	return &Error{Kind: KindBackend, Backend: backend, Err: err}
}

// SyncFailed wraps a catalog fetch failure for a backend.
func SyncFailed(backend string, err error) *Error {
	return &Error{Kind: KindSyncFailed, Backend: backend, Err: err}
}

// LimitExceeded reports a client hitting its subscription cap.
func LimitExceeded(clientID string, limit int) *Error {
	return &Error{Kind: KindLimitExceeded, Message: fmt.Sprintf("client %q exceeds subscription limit %d", clientID, limit)}
}

// KindOf returns the kind carried by err, or KindUnknown if err is not a gateway error.
func KindOf(err error) Kind {
	var gwe *Error
	if errors.As(err, &gwe) {
		return gwe.Kind
	}
	return KindUnknown
}

// Is reports whether err is a gateway error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
