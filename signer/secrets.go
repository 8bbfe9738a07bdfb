package signer

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Wallet seeds rest encrypted in the database. The ciphertext is
// hex(nonce || AES-256-GCM(seed)) over the 32-byte Ed25519 seed.

// EncryptSeed seals an Ed25519 seed under the process encryption key.
func EncryptSeed(keyHex string, seed []byte) (string, error) {
	if len(seed) != ed25519.SeedSize {
		return "", fmt.Errorf("signer: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	gcm, err := newGCM(keyHex)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("signer: nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, seed, nil)
	return hex.EncodeToString(sealed), nil
}

// DecryptSeed opens an encrypted seed and expands it into a private key.
func DecryptSeed(keyHex, encrypted string) (ed25519.PrivateKey, error) {
	gcm, err := newGCM(keyHex)
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(encrypted)
	if err != nil {
		return nil, fmt.Errorf("signer: malformed encrypted seed: %w", err)
	}
	if len(raw) < gcm.NonceSize() {
		return nil, fmt.Errorf("signer: encrypted seed too short")
	}
	nonce, sealed := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	seed, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("signer: decrypt seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signer: decrypted seed has %d bytes", len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func newGCM(keyHex string) (cipher.AEAD, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil || len(key) != 32 {
		return nil, fmt.Errorf("signer: encryption key must be 64 hex characters")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
