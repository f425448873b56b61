package bulksearch

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/url"
	"strings"
	"testing"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating test key: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	signer, err := NewSigner("consumer-key", string(pemBytes))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	return signer
}

func TestAuthorization_GetOmitsBodyHash(t *testing.T) {
	signer := newTestSigner(t)
	header, err := signer.Authorization("GET", "https://example.com/status/abc", url.Values{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(header, "oauth_body_hash") {
		t.Fatalf("expected a GET request's Authorization header to omit oauth_body_hash, got %q", header)
	}
}

func TestAuthorization_PostIncludesBodyHash(t *testing.T) {
	signer := newTestSigner(t)
	header, err := signer.Authorization("POST", "https://example.com/submit", url.Values{}, []byte(`{"items":[]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(header, "oauth_body_hash") {
		t.Fatalf("expected a POST request's Authorization header to include oauth_body_hash, got %q", header)
	}
}

func TestPercentEncode_UnreservedCharsPassThrough(t *testing.T) {
	in := "abc-XYZ_123.~"
	if got := percentEncode(in); got != in {
		t.Fatalf("unreserved characters should pass through unchanged, got %q", got)
	}
}

func TestPercentEncode_EncodesReservedChars(t *testing.T) {
	cases := map[string]string{
		"a b":     "a%20b",
		"a+b":     "a%2Bb",
		"a/b":     "a%2Fb",
		"a=b&c":   "a%3Db%26c",
		"100%":    "100%25",
	}
	for in, want := range cases {
		if got := percentEncode(in); got != want {
			t.Errorf("percentEncode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBodyHash_DeterministicAndBase64(t *testing.T) {
	a := bodyHash([]byte(`{"items":[]}`))
	b := bodyHash([]byte(`{"items":[]}`))
	if a != b {
		t.Fatalf("bodyHash should be deterministic for identical input")
	}
	if bodyHash([]byte("different")) == a {
		t.Fatalf("different bodies should hash differently")
	}
}
