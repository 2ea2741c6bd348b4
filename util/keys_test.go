package util

import (
	"strings"
	"testing"
)

func TestGeneratePemKeypairRoundTrip(t *testing.T) {
	keys, err := GeneratePemKeypair()
	if err != nil {
		t.Fatalf("GeneratePemKeypair failed: %v", err)
	}

	if !strings.Contains(keys.Private, "RSA PRIVATE KEY") {
		t.Error("Private key should be PKCS1 PEM")
	}
	if !strings.Contains(keys.Public, "PUBLIC KEY") {
		t.Error("Public key should be PKIX PEM")
	}

	privateKey, err := ParsePrivateKey(keys.Private)
	if err != nil {
		t.Fatalf("ParsePrivateKey failed: %v", err)
	}

	publicKey, err := ParsePublicKey(keys.Public)
	if err != nil {
		t.Fatalf("ParsePublicKey failed: %v", err)
	}

	if privateKey.PublicKey.N.Cmp(publicKey.N) != 0 {
		t.Error("Parsed keys do not form a pair")
	}
}

func TestParsePrivateKeyRejectsGarbage(t *testing.T) {
	if _, err := ParsePrivateKey("not a pem"); err == nil {
		t.Error("Expected error for invalid PEM")
	}
}

func TestParsePublicKeyRejectsGarbage(t *testing.T) {
	if _, err := ParsePublicKey("not a pem"); err == nil {
		t.Error("Expected error for invalid PEM")
	}
}
