package signer

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"
)

// CIP-8 style message signing: the signature travels as a COSE_Sign1
// envelope and the verification key as a COSE_Key, both hex encoded.

const (
	coseAlgEdDSA   = -8
	coseKtyOKP     = 1
	coseCrvEd25519 = 6
)

var (
	// ErrSignatureInvalid is returned when the Ed25519 check fails.
	ErrSignatureInvalid = errors.New("signer: signature verification failed")
	// ErrPayloadMismatch is returned when the envelope carries a payload
	// that differs from the expected one.
	ErrPayloadMismatch = errors.New("signer: payload mismatch")
)

var detEnc cbor.EncMode

func init() {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	detEnc = mode
}

type coseSign1 struct {
	_           struct{} `cbor:",toarray"`
	Protected   []byte
	Unprotected map[interface{}]interface{}
	Payload     []byte
	Signature   []byte
}

type sigStructure struct {
	_           struct{} `cbor:",toarray"`
	Context     string
	Protected   []byte
	ExternalAAD []byte
	Payload     []byte
}

func protectedHeaders(addressBytes []byte) ([]byte, error) {
	headers := map[interface{}]interface{}{
		int64(1):  int64(coseAlgEdDSA),
		"address": addressBytes,
	}
	return detEnc.Marshal(headers)
}

// SignPayload produces the hex COSE key and COSE_Sign1 envelope for the
// payload, binding the signing wallet's raw address into the protected
// headers.
func SignPayload(key ed25519.PrivateKey, addressBytes, payload []byte) (keyHex, signatureHex string, err error) {
	protected, err := protectedHeaders(addressBytes)
	if err != nil {
		return "", "", fmt.Errorf("signer: encode protected headers: %w", err)
	}
	sigPayload, err := detEnc.Marshal(sigStructure{
		Context:     "Signature1",
		Protected:   protected,
		ExternalAAD: []byte{},
		Payload:     payload,
	})
	if err != nil {
		return "", "", fmt.Errorf("signer: encode sig structure: %w", err)
	}
	signature := ed25519.Sign(key, sigPayload)

	envelope, err := detEnc.Marshal(coseSign1{
		Protected:   protected,
		Unprotected: map[interface{}]interface{}{"hashed": false},
		Payload:     payload,
		Signature:   signature,
	})
	if err != nil {
		return "", "", fmt.Errorf("signer: encode envelope: %w", err)
	}

	pub := key.Public().(ed25519.PublicKey)
	coseKey, err := detEnc.Marshal(map[interface{}]interface{}{
		int64(1):  int64(coseKtyOKP),
		int64(3):  int64(coseAlgEdDSA),
		int64(-1): int64(coseCrvEd25519),
		int64(-2): []byte(pub),
	})
	if err != nil {
		return "", "", fmt.Errorf("signer: encode cose key: %w", err)
	}
	return hex.EncodeToString(coseKey), hex.EncodeToString(envelope), nil
}

// PublicKeyFromCOSEKey extracts the raw Ed25519 public key from a hex
// COSE_Key.
func PublicKeyFromCOSEKey(keyHex string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("signer: cose key is not hex: %w", err)
	}
	var fields map[int64]cbor.RawMessage
	if err := cbor.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("signer: decode cose key: %w", err)
	}
	rawKey, ok := fields[-2]
	if !ok {
		return nil, errors.New("signer: cose key missing x coordinate")
	}
	var pub []byte
	if err := cbor.Unmarshal(rawKey, &pub); err != nil {
		return nil, fmt.Errorf("signer: decode public key bytes: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("signer: unexpected public key length %d", len(pub))
	}
	return ed25519.PublicKey(pub), nil
}

// KeyHashFromCOSEKey derives the Cardano payment key hash (blake2b-224 of
// the raw public key) from a hex COSE_Key.
func KeyHashFromCOSEKey(keyHex string) (string, error) {
	pub, err := PublicKeyFromCOSEKey(keyHex)
	if err != nil {
		return "", err
	}
	return KeyHash(pub)
}

// KeyHash returns the blake2b-224 digest of an Ed25519 public key, hex
// encoded. This is the wallet vkey hash used throughout the data model.
func KeyHash(pub ed25519.PublicKey) (string, error) {
	hasher, err := blake2b.New(28, nil)
	if err != nil {
		return "", err
	}
	hasher.Write(pub)
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// VerifyPayload checks a hex COSE_Sign1 envelope against the COSE key and
// the expected payload bytes.
func VerifyPayload(keyHex, signatureHex string, expectedPayload []byte) error {
	pub, err := PublicKeyFromCOSEKey(keyHex)
	if err != nil {
		return err
	}
	raw, err := hex.DecodeString(signatureHex)
	if err != nil {
		return fmt.Errorf("signer: signature is not hex: %w", err)
	}
	var envelope coseSign1
	if err := cbor.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("signer: decode envelope: %w", err)
	}
	if envelope.Payload != nil && !bytes.Equal(envelope.Payload, expectedPayload) {
		return ErrPayloadMismatch
	}
	sigPayload, err := detEnc.Marshal(sigStructure{
		Context:     "Signature1",
		Protected:   envelope.Protected,
		ExternalAAD: []byte{},
		Payload:     expectedPayload,
	})
	if err != nil {
		return fmt.Errorf("signer: encode sig structure: %w", err)
	}
	if !ed25519.Verify(pub, sigPayload, envelope.Signature) {
		return ErrSignatureInvalid
	}
	return nil
}
