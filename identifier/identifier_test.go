package identifier

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"escrowd/signer"
)

const testAgent = "706f6c696379496458000000000000000000000000000000000000006e616d6531"

type fixture struct {
	signer   *signer.WalletSigner
	address  string
	vkey     string
	preimage Preimage
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	vkey, err := signer.KeyHash(priv.Public().(ed25519.PublicKey))
	if err != nil {
		t.Fatalf("key hash: %v", err)
	}
	hashBytes, _ := hex.DecodeString(vkey)
	addr, err := signer.EncodeAddress("addr_test", append([]byte{0x60}, hashBytes...))
	if err != nil {
		t.Fatalf("encode address: %v", err)
	}
	ws := signer.NewWalletSigner()
	if err := ws.AddWallet(addr, priv); err != nil {
		t.Fatalf("add wallet: %v", err)
	}
	preimage := Preimage{
		InputHash:                 strings.Repeat("a", 64),
		AgentIdentifier:           testAgent,
		PurchaserIdentifier:       "cafebabecafebabe",
		SellerIdentifier:          NewSellerIdentifier(testAgent),
		RequestedFunds:            nil,
		PayByTime:                 1710000000000,
		SubmitResultTime:          1710018000000,
		UnlockTime:                1710039600000,
		ExternalDisputeUnlockTime: 1710061200000,
		SellerAddress:             addr,
	}
	return fixture{signer: ws, address: addr, vkey: vkey, preimage: preimage}
}

func (f fixture) verifyInput(token string) VerifyInput {
	return VerifyInput{
		BlockchainIdentifier:      token,
		AgentIdentifier:           f.preimage.AgentIdentifier,
		IdentifierFromPurchaser:   f.preimage.PurchaserIdentifier,
		SellerVkey:                f.vkey,
		SellerAddress:             f.preimage.SellerAddress,
		InputHash:                 f.preimage.InputHash,
		RequestedFunds:            f.preimage.RequestedFunds,
		PayByTime:                 f.preimage.PayByTime,
		SubmitResultTime:          f.preimage.SubmitResultTime,
		UnlockTime:                f.preimage.UnlockTime,
		ExternalDisputeUnlockTime: f.preimage.ExternalDisputeUnlockTime,
	}
}

func TestSellerIdentifierEmbedsAgent(t *testing.T) {
	id := NewSellerIdentifier(testAgent)
	if len(id) != 56+len(testAgent) {
		t.Fatalf("unexpected seller identifier length %d", len(id))
	}
	if id[56:] != testAgent {
		t.Fatal("agent identifier not recoverable from seller identifier")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := newFixture(t)
	token, err := Encode(context.Background(), f.signer, f.address, f.preimage)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.EqualFold(token, strings.ToLower(token)) {
		t.Fatal("token must be lowercase hex")
	}
	decoded := Decode(token)
	if decoded == nil {
		t.Fatal("decode returned nil for valid token")
	}
	if decoded.SellerIdentifier != f.preimage.SellerIdentifier {
		t.Fatal("seller identifier mismatch after round trip")
	}
	if decoded.PurchaserIdentifier != "cafebabecafebabe" {
		t.Fatalf("purchaser identifier mismatch: %s", decoded.PurchaserIdentifier)
	}
	if decoded.AgentIdentifier != testAgent {
		t.Fatalf("agent identifier mismatch: %s", decoded.AgentIdentifier)
	}
}

func TestDecodeRejectsMalformedTokens(t *testing.T) {
	cases := []string{
		"",
		"zz",
		"abc",        // odd length
		"ABCDEF",     // uppercase
		"deadbeef",   // not a compressed payload
		"0001020304", // decompresses to garbage, if at all
	}
	for _, token := range cases {
		if Decode(token) != nil {
			t.Errorf("expected nil decode for %q", token)
		}
	}
}

func TestVerifySucceeds(t *testing.T) {
	f := newFixture(t)
	token, err := Encode(context.Background(), f.signer, f.address, f.preimage)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Verify(f.verifyInput(token))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if decoded.AgentIdentifier != testAgent {
		t.Fatal("verified token lost agent identifier")
	}
}

func TestVerifyRejectsPurchaserMismatch(t *testing.T) {
	f := newFixture(t)
	token, err := Encode(context.Background(), f.signer, f.address, f.preimage)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	input := f.verifyInput(token)
	input.IdentifierFromPurchaser = "beefbeefbeefbeef"
	if _, err := Verify(input); !errors.Is(err, ErrPurchaserMismatch) {
		t.Fatalf("expected purchaser mismatch, got %v", err)
	}
}

func TestVerifyRejectsAgentMismatch(t *testing.T) {
	f := newFixture(t)
	token, err := Encode(context.Background(), f.signer, f.address, f.preimage)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	input := f.verifyInput(token)
	input.AgentIdentifier = testAgent[:len(testAgent)-2] + "ff"
	if _, err := Verify(input); !errors.Is(err, ErrAgentMismatch) {
		t.Fatalf("expected agent mismatch, got %v", err)
	}
}

func TestVerifyRejectsWrongVkey(t *testing.T) {
	f := newFixture(t)
	token, err := Encode(context.Background(), f.signer, f.address, f.preimage)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	input := f.verifyInput(token)
	input.SellerVkey = strings.Repeat("0", 56)
	if _, err := Verify(input); !errors.Is(err, ErrKeyMismatch) {
		t.Fatalf("expected key mismatch, got %v", err)
	}
}

func TestVerifyRejectsTamperedPreimage(t *testing.T) {
	f := newFixture(t)
	token, err := Encode(context.Background(), f.signer, f.address, f.preimage)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	input := f.verifyInput(token)
	input.PayByTime++
	if _, err := Verify(input); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected signature invalid, got %v", err)
	}
	input = f.verifyInput(token)
	input.InputHash = strings.Repeat("b", 64)
	if _, err := Verify(input); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected signature invalid, got %v", err)
	}
}

func TestCanonicalJSONIsStable(t *testing.T) {
	f := newFixture(t)
	first, err := f.preimage.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	second, err := f.preimage.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if first != second {
		t.Fatal("preimage hash is not deterministic")
	}
	if len(first) != 64 {
		t.Fatalf("hash must be 64 hex chars, got %d", len(first))
	}
}

func TestComputeInputHash(t *testing.T) {
	h1, err := ComputeInputHash("cafebabecafebabe", []byte(`{"b":1,"a":2}`))
	if err != nil {
		t.Fatalf("input hash: %v", err)
	}
	h2, err := ComputeInputHash("cafebabecafebabe", []byte(`{"a":2,"b":1}`))
	if err != nil {
		t.Fatalf("input hash: %v", err)
	}
	if h1 != h2 {
		t.Fatal("input hash must be key-order independent")
	}
	if len(h1) != 64 {
		t.Fatalf("input hash must be 64 hex chars, got %d", len(h1))
	}
}
