package watchtower

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for transport mapping (HTTP status codes, tool
// results). The zero value is KindInternal.
type Kind int

const (
	KindInternal Kind = iota
	KindConfigMissing
	KindAuthFailed
	KindNotFound
	KindConflict
	KindBadInput
	KindUpstreamUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindConfigMissing:
		return "config_missing"
	case KindAuthFailed:
		return "auth_failed"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindBadInput:
		return "bad_input"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	default:
		return "internal"
	}
}

// Error carries a Kind alongside the operation that failed. Use KindOf to
// recover the kind from a wrapped chain.
type Error struct {
	Kind    Kind
	Op      string // e.g. "archive.insert", "bridge.dispatch"
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs an *Error.
func E(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// KindOf extracts the Kind from err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ErrLLM is a chat/embedding provider failure.
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP is a non-200 response from an upstream HTTP API. RetryAfter is
// parsed from the Retry-After header when the upstream supplied one.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}
