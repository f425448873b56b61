package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestIs_MatchesWrappedKind(t *testing.T) {
	base := errors.New("connection refused")
	wrapped := fmt.Errorf("dial: %w", Unavailable("db.connect", base))

	if !Is(wrapped, KindSystemUnavailable) {
		t.Fatalf("expected Is to find KindSystemUnavailable through fmt.Errorf wrapping")
	}
	if Is(wrapped, KindInput) {
		t.Fatalf("expected Is to reject the wrong kind")
	}
}

func TestIs_PlainErrorNeverMatches(t *testing.T) {
	if Is(errors.New("plain"), KindInput) {
		t.Fatalf("a plain error should never match any Kind")
	}
}

func TestError_UnwrapReachesCause(t *testing.T) {
	cause := errors.New("root cause")
	err := Transient("classifier.call", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find the wrapped cause")
	}
}

func TestError_MessageIncludesComponent(t *testing.T) {
	err := Permanent("bulksearch.submit", errors.New("bad request"))
	msg := err.Error()
	if msg == "" {
		t.Fatalf("expected non-empty message")
	}
	want := string(KindStagePermanent) + "[bulksearch.submit]: bad request"
	if msg != want {
		t.Fatalf("got %q, want %q", msg, want)
	}
}
