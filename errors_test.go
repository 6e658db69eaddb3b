package watchtower

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindInternal, "internal"},
		{KindConfigMissing, "config_missing"},
		{KindAuthFailed, "auth_failed"},
		{KindNotFound, "not_found"},
		{KindConflict, "conflict"},
		{KindBadInput, "bad_input"},
		{KindUpstreamUnavailable, "upstream_unavailable"},
		{Kind(99), "internal"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestErrorMessage(t *testing.T) {
	e := E(KindNotFound, "archive.event", "event 42 not found", nil)
	want := "archive.event: event 42 not found"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	wrapped := E(KindInternal, "archive.insert", "insert failed", errors.New("disk full"))
	want = "archive.insert: insert failed: disk full"
	if got := wrapped.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestKindOfWrappedChain(t *testing.T) {
	inner := E(KindConflict, "session.user", "username taken", nil)
	outer := fmt.Errorf("create operator account: %w", inner)
	if got := KindOf(outer); got != KindConflict {
		t.Errorf("KindOf(wrapped) = %v, want KindConflict", got)
	}
}

func TestKindOfPlainError(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != KindInternal {
		t.Errorf("KindOf(plain) = %v, want KindInternal", got)
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	e := E(KindUpstreamUnavailable, "telegram.send", "send failed", cause)
	if !errors.Is(e, cause) {
		t.Error("errors.Is should see through Error.Unwrap")
	}
}

func TestErrLLMError(t *testing.T) {
	e := &ErrLLM{Provider: "local-llm", Message: "context length exceeded"}
	want := "local-llm: context length exceeded"
	if got := e.Error(); got != want {
		t.Errorf("ErrLLM.Error() = %q, want %q", got, want)
	}
}

func TestErrHTTPError(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   string
	}{
		{429, "too many requests", "http 429: too many requests"},
		{503, "service unavailable", "http 503: service unavailable"},
	}
	for _, tt := range tests {
		e := &ErrHTTP{Status: tt.status, Body: tt.body}
		if got := e.Error(); got != tt.want {
			t.Errorf("ErrHTTP{%d, %q}.Error() = %q, want %q", tt.status, tt.body, got, tt.want)
		}
	}
}
