package identifier

import (
	"errors"
	"fmt"

	"escrowd/signer"
)

// Verification failure reasons, surfaced to the purchase-create path.
var (
	ErrInvalidFormat     = errors.New("identifier: invalid format")
	ErrPurchaserMismatch = errors.New("identifier: purchaser id mismatch")
	ErrAgentMismatch     = errors.New("identifier: agent identifier mismatch")
	ErrKeyMismatch       = errors.New("identifier: key does not match seller vkey")
	ErrSignatureInvalid  = errors.New("identifier: signature invalid")
)

// VerifyInput carries the buyer-supplied fields needed to independently
// validate an identifier before a purchase is materialized.
type VerifyInput struct {
	BlockchainIdentifier    string
	AgentIdentifier         string
	IdentifierFromPurchaser string
	SellerVkey              string
	// SellerAddress is read from chain, not trusted from the request.
	SellerAddress             string
	InputHash                 string
	RequestedFunds            []UnitAmount
	PayByTime                 int64
	SubmitResultTime          int64
	UnlockTime                int64
	ExternalDisputeUnlockTime int64
}

// Verify decodes the token and checks agent binding, purchaser binding, key
// ownership and the preimage signature. It returns the decoded fields on
// success so the caller can persist them.
func Verify(input VerifyInput) (*Decoded, error) {
	decoded := Decode(input.BlockchainIdentifier)
	if decoded == nil {
		return nil, ErrInvalidFormat
	}
	if decoded.AgentIdentifier != input.AgentIdentifier {
		return nil, ErrAgentMismatch
	}
	if decoded.PurchaserIdentifier != input.IdentifierFromPurchaser {
		return nil, ErrPurchaserMismatch
	}
	vkey, err := signer.KeyHashFromCOSEKey(decoded.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if vkey != input.SellerVkey {
		return nil, ErrKeyMismatch
	}

	preimage := Preimage{
		InputHash:                 input.InputHash,
		AgentIdentifier:           input.AgentIdentifier,
		PurchaserIdentifier:       input.IdentifierFromPurchaser,
		SellerIdentifier:          decoded.SellerIdentifier,
		RequestedFunds:            input.RequestedFunds,
		PayByTime:                 input.PayByTime,
		SubmitResultTime:          input.SubmitResultTime,
		UnlockTime:                input.UnlockTime,
		ExternalDisputeUnlockTime: input.ExternalDisputeUnlockTime,
		SellerAddress:             input.SellerAddress,
	}
	hashed, err := preimage.Hash()
	if err != nil {
		return nil, err
	}
	if err := signer.VerifyPayload(decoded.Key, decoded.Signature, []byte(hashed)); err != nil {
		return nil, ErrSignatureInvalid
	}
	return decoded, nil
}
