package signer

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"strings"
	"sync"
)

// Signer produces COSE-enveloped Ed25519 signatures for server-managed
// wallets. It holds no domain state beyond the key material itself.
type Signer interface {
	// SignData signs the payload with the wallet owning walletAddress and
	// returns the hex-encoded COSE key and COSE_Sign1 signature.
	SignData(ctx context.Context, walletAddress string, payload []byte) (keyHex, signatureHex string, err error)
}

// WalletSigner keeps Ed25519 keys for hot wallets in memory, indexed by
// bech32 address.
type WalletSigner struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PrivateKey
}

// NewWalletSigner builds an empty signer; wallets are added via AddWallet
// during startup once their secrets are decrypted.
func NewWalletSigner() *WalletSigner {
	return &WalletSigner{keys: make(map[string]ed25519.PrivateKey)}
}

// AddWallet registers the private key serving the given address.
func (s *WalletSigner) AddWallet(address string, key ed25519.PrivateKey) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return fmt.Errorf("signer: empty wallet address")
	}
	if len(key) != ed25519.PrivateKeySize {
		return fmt.Errorf("signer: invalid ed25519 key length %d", len(key))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[address] = key
	return nil
}

// SignData implements Signer.
func (s *WalletSigner) SignData(ctx context.Context, walletAddress string, payload []byte) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	s.mu.RLock()
	key, ok := s.keys[strings.TrimSpace(walletAddress)]
	s.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("signer: no key loaded for address %s", walletAddress)
	}
	addressBytes, err := DecodeAddress(walletAddress)
	if err != nil {
		return "", "", fmt.Errorf("signer: decode address: %w", err)
	}
	return SignPayload(key, addressBytes, payload)
}
