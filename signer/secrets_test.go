package signer

import (
	"bytes"
	"crypto/ed25519"
	"strings"
	"testing"
)

func TestSeedRoundTrip(t *testing.T) {
	key := strings.Repeat("ab", 32)
	seed := bytes.Repeat([]byte{7}, ed25519.SeedSize)

	encrypted, err := EncryptSeed(key, seed)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	private, err := DecryptSeed(key, encrypted)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(private.Seed(), seed) {
		t.Fatal("seed does not round-trip")
	}

	// A second encryption of the same seed uses a fresh nonce.
	again, err := EncryptSeed(key, seed)
	if err != nil {
		t.Fatalf("encrypt again: %v", err)
	}
	if again == encrypted {
		t.Fatal("nonce must be random per encryption")
	}
}

func TestDecryptSeedRejectsWrongKey(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, ed25519.SeedSize)
	encrypted, err := EncryptSeed(strings.Repeat("ab", 32), seed)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := DecryptSeed(strings.Repeat("cd", 32), encrypted); err == nil {
		t.Fatal("wrong key must fail authentication")
	}
}

func TestDecryptSeedRejectsGarbage(t *testing.T) {
	key := strings.Repeat("ab", 32)
	for _, input := range []string{"", "zz", "abcd"} {
		if _, err := DecryptSeed(key, input); err == nil {
			t.Fatalf("input %q must be rejected", input)
		}
	}
	if _, err := EncryptSeed(key, []byte("short")); err == nil {
		t.Fatal("short seed must be rejected")
	}
	if _, err := EncryptSeed("not-hex", bytes.Repeat([]byte{1}, ed25519.SeedSize)); err == nil {
		t.Fatal("bad key must be rejected")
	}
}
