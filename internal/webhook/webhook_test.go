package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"
)

func sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerify_AcceptsValidSignatureWithinWindow(t *testing.T) {
	v := NewVerifier("shared-secret", 10*time.Minute)
	payload := []byte(`{"eventId":"evt_1"}`)
	sig := sign("shared-secret", payload)

	if err := v.Verify(payload, sig, time.Now()); err != nil {
		t.Fatalf("expected valid signature to verify, got %v", err)
	}
}

func TestVerify_RejectsWrongSecret(t *testing.T) {
	v := NewVerifier("shared-secret", 10*time.Minute)
	payload := []byte(`{"eventId":"evt_1"}`)
	sig := sign("wrong-secret", payload)

	if err := v.Verify(payload, sig, time.Now()); err == nil {
		t.Fatalf("expected signature mismatch error")
	}
}

func TestVerify_RejectsTamperedPayload(t *testing.T) {
	v := NewVerifier("shared-secret", 10*time.Minute)
	sig := sign("shared-secret", []byte(`{"eventId":"evt_1"}`))

	if err := v.Verify([]byte(`{"eventId":"evt_2"}`), sig, time.Now()); err == nil {
		t.Fatalf("expected tampered payload to fail verification")
	}
}

func TestVerify_RejectsOutsideReplayWindow(t *testing.T) {
	v := NewVerifier("shared-secret", time.Minute)
	payload := []byte(`{"eventId":"evt_1"}`)
	sig := sign("shared-secret", payload)
	stale := time.Now().Add(-time.Hour)

	if err := v.Verify(payload, sig, stale); err == nil {
		t.Fatalf("expected stale timestamp to be rejected")
	}
}

func TestVerify_RejectsMalformedSignatureHeader(t *testing.T) {
	v := NewVerifier("shared-secret", 10*time.Minute)
	if err := v.Verify([]byte("payload"), "not-hex!!", time.Now()); err == nil {
		t.Fatalf("expected malformed hex signature to error")
	}
}
