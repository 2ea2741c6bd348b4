package activitypub

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/halbroth/gallipub/util"
)

const testKeyId = "https://mirror.example/users/artist#main-key"

func testSigner(t *testing.T) (*RSASigner, string) {
	keys, err := util.GeneratePemKeypair()
	if err != nil {
		t.Fatalf("Failed to generate keypair: %v", err)
	}
	signer, err := NewRSASigner(keys.Private, testKeyId)
	if err != nil {
		t.Fatalf("Failed to build signer: %v", err)
	}
	return signer, keys.Public
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	signer, publicPem := testSigner(t)
	publicKey, err := util.ParsePublicKey(publicPem)
	if err != nil {
		t.Fatalf("Failed to parse public key: %v", err)
	}

	body := []byte(`{"type":"Follow"}`)
	req := httptest.NewRequest("POST", "https://remote.example/inbox", bytes.NewReader(body))
	if err := SignRequest(req, body, signer); err != nil {
		t.Fatalf("SignRequest failed: %v", err)
	}

	if req.Header.Get("Digest") == "" {
		t.Error("SignRequest should set the Digest header for bodies")
	}

	if result := VerifyRequest(req, testKeyId, publicKey); result != SigVerified {
		t.Errorf("Expected verified, got %s", result)
	}
}

func TestVerifyTamperedRequestIsMismatch(t *testing.T) {
	signer, publicPem := testSigner(t)
	publicKey, _ := util.ParsePublicKey(publicPem)

	body := []byte(`{"type":"Follow"}`)
	req := httptest.NewRequest("POST", "https://remote.example/inbox", bytes.NewReader(body))
	if err := SignRequest(req, body, signer); err != nil {
		t.Fatalf("SignRequest failed: %v", err)
	}

	// Tamper with a signed header after signing
	req.Header.Set("Date", "Thu, 01 Jan 1970 00:00:00 GMT")

	if result := VerifyRequest(req, testKeyId, publicKey); result != SigMismatch {
		t.Errorf("Expected mismatch, got %s", result)
	}
}

func TestVerifyForeignKeyIdIsNoMatch(t *testing.T) {
	signer, publicPem := testSigner(t)
	publicKey, _ := util.ParsePublicKey(publicPem)

	body := []byte(`{}`)
	req := httptest.NewRequest("POST", "https://remote.example/inbox", bytes.NewReader(body))
	if err := SignRequest(req, body, signer); err != nil {
		t.Fatalf("SignRequest failed: %v", err)
	}

	result := VerifyRequest(req, "https://other.example/users/bob#main-key", publicKey)
	if result != SigNoMatch {
		t.Errorf("Expected no-match for foreign keyId, got %s", result)
	}
}

func TestVerifyMissingSignatureIsNoMatch(t *testing.T) {
	_, publicPem := testSigner(t)
	publicKey, _ := util.ParsePublicKey(publicPem)

	req := httptest.NewRequest("POST", "https://remote.example/inbox", nil)
	if result := VerifyRequest(req, testKeyId, publicKey); result != SigNoMatch {
		t.Errorf("Expected no-match for unsigned request, got %s", result)
	}
}

func TestVerifyMalformedHeaderIsNoMatch(t *testing.T) {
	_, publicPem := testSigner(t)
	publicKey, _ := util.ParsePublicKey(publicPem)

	req := httptest.NewRequest("POST", "https://remote.example/inbox", nil)
	req.Header.Set("Signature", "total garbage")

	if result := VerifyRequest(req, testKeyId, publicKey); result != SigNoMatch {
		t.Errorf("Expected no-match for malformed header, got %s", result)
	}
}

func TestBuildSigningStringRequestTarget(t *testing.T) {
	req := httptest.NewRequest("POST", "https://remote.example/inbox?page=2", nil)
	req.Header.Set("Date", "Mon, 01 Jan 2024 00:00:00 GMT")

	got := BuildSigningString(req, []string{"(request-target)", "date"})
	want := "(request-target): post /inbox?page=2\ndate: Mon, 01 Jan 2024 00:00:00 GMT"
	if got != want {
		t.Errorf("Signing string mismatch:\ngot  %q\nwant %q", got, want)
	}
}

func TestBuildSigningStringImplicitRequestTarget(t *testing.T) {
	req := httptest.NewRequest("POST", "https://remote.example/inbox", nil)
	req.Header.Set("Date", "Mon, 01 Jan 2024 00:00:00 GMT")

	// The request-target pseudo-header is prepended even when absent from
	// the component list
	got := BuildSigningString(req, []string{"date"})
	if !strings.HasPrefix(got, "(request-target): post /inbox\n") {
		t.Errorf("Expected implicit request-target prefix, got %q", got)
	}
}

func TestBuildSigningStringDigestAlias(t *testing.T) {
	// A peer sending only the newer Content-Digest header still satisfies a
	// signed digest component
	req := httptest.NewRequest("POST", "https://remote.example/inbox", nil)
	req.Header.Set("Content-Digest", "SHA-256=abc")

	got := BuildSigningString(req, []string{"digest"})
	if !strings.Contains(got, "digest: SHA-256=abc") {
		t.Errorf("Content-Digest should satisfy a digest component, got %q", got)
	}

	// The component may also be named content-digest; the line is
	// canonicalized to digest either way
	got = BuildSigningString(req, []string{"content-digest"})
	if !strings.Contains(got, "digest: SHA-256=abc") {
		t.Errorf("content-digest component should canonicalize to digest, got %q", got)
	}

	// When both headers are present the legacy Digest value wins
	req.Header.Set("Digest", "SHA-256=def")
	got = BuildSigningString(req, []string{"digest"})
	if !strings.Contains(got, "digest: SHA-256=def") {
		t.Errorf("Digest header should take precedence, got %q", got)
	}
}

func TestBuildSigningStringHostFallback(t *testing.T) {
	req := httptest.NewRequest("POST", "https://remote.example/inbox", nil)

	got := BuildSigningString(req, []string{"host"})
	if !strings.Contains(got, "host: remote.example") {
		t.Errorf("Host should fall back to the request host, got %q", got)
	}
}

func TestContentDigest(t *testing.T) {
	digest := ContentDigest([]byte("hello"))
	if !strings.HasPrefix(digest, "SHA-256=") {
		t.Errorf("Digest should carry the SHA-256 prefix, got %q", digest)
	}
}

func TestParseSignatureHeaderMultipleCandidates(t *testing.T) {
	header := `keyId="https://a.example/u/a#main-key",algorithm="rsa-sha256",headers="date",signature="aaa",keyId="https://b.example/u/b#main-key",algorithm="rsa-sha256",headers="date",signature="bbb"`

	candidates := parseSignatureHeader(header)
	if len(candidates) != 2 {
		t.Fatalf("Expected 2 candidates, got %d", len(candidates))
	}
	if candidates[1]["keyid"] != "https://b.example/u/b#main-key" {
		t.Errorf("Unexpected second candidate: %v", candidates[1])
	}
}
