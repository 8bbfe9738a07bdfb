// Package identifier implements the self-describing blockchain identifier
// that binds buyer and seller to the full escrow parameter set without a
// prior handshake. The token is hex(LZ-string(sellerId.purchaserId.sig.key)),
// where the signature covers the RFC 8785 canonical JSON of the preimage.
package identifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	lzstring "github.com/daku10/go-lz-string"
	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"escrowd/signer"
)

// UnitAmount is one entry of the requested funds list inside the preimage.
type UnitAmount struct {
	Unit   string `json:"unit"`
	Amount string `json:"amount"`
}

// Preimage is the signed object both parties reconstruct independently.
// RequestedFunds is nil for fixed pricing, where amounts come from the
// on-chain agent metadata instead.
type Preimage struct {
	InputHash                 string       `json:"inputHash"`
	AgentIdentifier           string       `json:"agentIdentifier"`
	PurchaserIdentifier       string       `json:"purchaserIdentifier"`
	SellerIdentifier          string       `json:"sellerIdentifier"`
	RequestedFunds            []UnitAmount `json:"RequestedFunds"`
	PayByTime                 int64        `json:"payByTime"`
	SubmitResultTime          int64        `json:"submitResultTime"`
	UnlockTime                int64        `json:"unlockTime"`
	ExternalDisputeUnlockTime int64        `json:"externalDisputeUnlockTime"`
	SellerAddress             string       `json:"sellerAddress"`
}

// CanonicalJSON renders the preimage as RFC 8785 canonical JSON. Both sides
// of the escrow must produce identical bytes here.
func (p Preimage) CanonicalJSON() ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("identifier: marshal preimage: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("identifier: canonicalize preimage: %w", err)
	}
	return canonical, nil
}

// Hash returns the lowercase hex SHA-256 of the canonical preimage JSON.
func (p Preimage) Hash() (string, error) {
	canonical, err := p.CanonicalJSON()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// NewSellerIdentifier builds a fresh seller identifier: a 56-hex random
// prefix followed by the agent identifier, so any reader can recover the
// agent from the identifier alone.
func NewSellerIdentifier(agentIdentifier string) string {
	sum := sha256.Sum256([]byte(uuid.NewString()))
	return hex.EncodeToString(sum[:])[:56] + agentIdentifier
}

// Encode signs the preimage with the seller wallet and assembles the final
// compressed identifier token.
func Encode(ctx context.Context, s signer.Signer, sellerWalletAddress string, preimage Preimage) (string, error) {
	hashed, err := preimage.Hash()
	if err != nil {
		return "", err
	}
	keyHex, signatureHex, err := s.SignData(ctx, sellerWalletAddress, []byte(hashed))
	if err != nil {
		return "", fmt.Errorf("identifier: sign preimage: %w", err)
	}
	payload := strings.Join([]string{
		preimage.SellerIdentifier,
		preimage.PurchaserIdentifier,
		signatureHex,
		keyHex,
	}, ".")
	compressed, err := lzstring.CompressToUint8Array(payload)
	if err != nil {
		return "", fmt.Errorf("identifier: compress token: %w", err)
	}
	return hex.EncodeToString(compressed), nil
}

// Decoded holds the fields recovered from an identifier token.
type Decoded struct {
	SellerIdentifier    string
	PurchaserIdentifier string
	Signature           string
	Key                 string
	// AgentIdentifier is empty when the seller identifier carries no agent
	// suffix.
	AgentIdentifier string
}

// Decode unpacks an identifier token. Any malformed input yields nil; the
// caller decides how to surface the failure.
func Decode(token string) *Decoded {
	if !isLowerHex(token) || len(token)%2 != 0 || token == "" {
		return nil
	}
	raw, err := hex.DecodeString(token)
	if err != nil {
		return nil
	}
	payload, err := lzstring.DecompressFromUint8Array(raw)
	if err != nil || payload == "" {
		return nil
	}
	parts := strings.Split(payload, ".")
	if len(parts) != 4 {
		return nil
	}
	sellerID, purchaserID, signature, key := parts[0], parts[1], parts[2], parts[3]
	if !isLowerHex(sellerID) || !isLowerHex(purchaserID) {
		return nil
	}
	decoded := &Decoded{
		SellerIdentifier:    sellerID,
		PurchaserIdentifier: purchaserID,
		Signature:           signature,
		Key:                 key,
	}
	if len(sellerID) > 64 {
		decoded.AgentIdentifier = sellerID[56:]
	}
	return decoded
}

func isLowerHex(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// ComputeInputHash derives the MIP-004 input hash:
// SHA-256(identifierFromPurchaser ";" JCS(inputData)), lowercase hex.
func ComputeInputHash(identifierFromPurchaser string, inputData []byte) (string, error) {
	canonical, err := jcs.Transform(inputData)
	if err != nil {
		return "", fmt.Errorf("identifier: canonicalize input data: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(identifierFromPurchaser))
	h.Write([]byte(";"))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}
