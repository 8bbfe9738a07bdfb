package orchestrator

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"escrowd/chain"
	"escrowd/faults"
	"escrowd/identifier"
	"escrowd/lifecycle"
	"escrowd/models"
	"escrowd/signer"
	"escrowd/store"
)

// fakeAdapter serves a single agent NFT with fixed pricing.
type fakeAdapter struct {
	holderAddress string
	pricingType   string
	holderErr     error
	submitted     []chain.ActionRequest
}

func (f *fakeAdapter) AssetHolder(ctx context.Context, network, unit string) (*chain.AssetHolder, error) {
	if f.holderErr != nil {
		return nil, f.holderErr
	}
	return &chain.AssetHolder{Address: f.holderAddress, Quantity: "1"}, nil
}

func (f *fakeAdapter) AgentMetadata(ctx context.Context, network, unit string) (*chain.AgentMetadata, error) {
	pricing := chain.AgentPricing{PricingType: chain.MetaString(f.pricingType)}
	if f.pricingType == "Fixed" {
		pricing.FixedPricing = []chain.AgentPrice{{Unit: "", Amount: "5000000"}}
	}
	return &chain.AgentMetadata{
		Name:            "summarizer",
		APIBaseURL:      "https://agent.example.com/api",
		Author:          chain.AgentAuthor{Name: "Acme"},
		Pricing:         pricing,
		Image:           "ipfs://img",
		MetadataVersion: 1,
	}, nil
}

func (f *fakeAdapter) ContractTransactions(ctx context.Context, network, contractAddress string, sinceMillis int64, limit int) ([]chain.TxObservation, error) {
	return nil, nil
}

func (f *fakeAdapter) SubmitAction(ctx context.Context, req chain.ActionRequest) (*chain.Submission, error) {
	f.submitted = append(f.submitted, req)
	return &chain.Submission{TxHash: "fa11back"}, nil
}

type fixture struct {
	orch    *Orchestrator
	store   *store.Store
	adapter *fakeAdapter
	source  *models.PaymentSource
	agent   string
	vkey    string
	key     *models.APIKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st := store.New(db)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	keyHash, err := signer.KeyHash(pub)
	if err != nil {
		t.Fatalf("key hash: %v", err)
	}
	hashBytes, _ := hex.DecodeString(keyHash)
	// Enterprise testnet address: header 0x60 | network 0.
	sellerAddr, err := signer.EncodeAddress("addr_test", append([]byte{0x60}, hashBytes...))
	if err != nil {
		t.Fatalf("encode address: %v", err)
	}
	walletSigner := signer.NewWalletSigner()
	if err := walletSigner.AddWallet(sellerAddr, priv); err != nil {
		t.Fatalf("add wallet: %v", err)
	}

	policy := hex.EncodeToString(hashOf("policyIdX"))[:56]
	agent := policy + hex.EncodeToString([]byte("name1"))

	source := models.PaymentSource{
		Network:              models.NetworkPreprod,
		SmartContractAddress: "addr_test1wzcontract",
		PolicyID:             &policy,
		FeeRatePermille:      50,
	}
	err = st.CreatePaymentSource(context.Background(), &source,
		models.PaymentSourceConfig{RPCProviderAPIKey: "k"},
		[]models.HotWallet{
			{WalletVkey: keyHash, WalletAddress: sellerAddr, Type: models.WalletSelling},
			{WalletVkey: "00" + keyHash[2:], WalletAddress: "addr_test1buyer", Type: models.WalletPurchasing},
		})
	if err != nil {
		t.Fatalf("seed source: %v", err)
	}

	apiKey, err := st.CreateAPIKey(context.Background(), "buyer-token", models.PermissionReadAndPay, true, nil,
		[]models.APIKeyUnitValue{{Unit: "", Amount: "20000000"}})
	if err != nil {
		t.Fatalf("seed api key: %v", err)
	}

	adapter := &fakeAdapter{holderAddress: sellerAddr, pricingType: "Fixed"}
	orch := New(Config{
		Store:   st,
		Adapter: adapter,
		Signer:  walletSigner,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return &fixture{
		orch:    orch,
		store:   st,
		adapter: adapter,
		source:  &source,
		agent:   agent,
		vkey:    keyHash,
		key:     apiKey,
	}
}

func hashOf(s string) []byte {
	sum := sha256.Sum256([]byte(s))
	return sum[:]
}

func paymentInput(f *fixture) CreatePaymentInput {
	now := time.Now()
	return CreatePaymentInput{
		Network:                 models.NetworkPreprod,
		AgentIdentifier:         f.agent,
		InputHash:               strings.Repeat("a", 64),
		IdentifierFromPurchaser: "cafebabecafebabe",
		PayByTime:               now.Add(time.Hour).UnixMilli(),
		SubmitResultTime:        now.Add(6 * time.Hour).UnixMilli(),
		RequestedBy:             f.key.ID,
	}
}

func TestCreatePaymentHappyPath(t *testing.T) {
	f := newFixture(t)
	payment, err := f.orch.CreatePayment(context.Background(), paymentInput(f))
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	if payment.OnChainState != nil {
		t.Fatal("fresh payment must have null on-chain state")
	}
	if payment.NextAction.RequestedAction != lifecycle.ActionWaitingForExternalAction {
		t.Fatalf("next action: %s", payment.NextAction.RequestedAction)
	}
	decoded := identifier.Decode(payment.BlockchainIdentifier)
	if decoded == nil {
		t.Fatal("identifier does not decode")
	}
	if decoded.PurchaserIdentifier != "cafebabecafebabe" {
		t.Fatalf("purchaser id: %s", decoded.PurchaserIdentifier)
	}
	if decoded.AgentIdentifier != f.agent {
		t.Fatalf("agent id: %s", decoded.AgentIdentifier)
	}
	if len(payment.Funds) != 1 || payment.Funds[0].Amount != "5000000" {
		t.Fatalf("requested funds: %+v", payment.Funds)
	}
}

func TestCreatePaymentTimeWindowRules(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	cases := []struct {
		name   string
		mutate func(in *CreatePaymentInput)
	}{
		{"payBy too close to submit", func(in *CreatePaymentInput) {
			in.PayByTime = in.SubmitResultTime - time.Minute.Milliseconds()
		}},
		{"payBy in the past", func(in *CreatePaymentInput) {
			in.PayByTime = now.Add(-time.Hour).UnixMilli()
		}},
		{"submit too soon", func(in *CreatePaymentInput) {
			in.PayByTime = now.Add(-4 * time.Minute).UnixMilli()
			in.SubmitResultTime = now.Add(10 * time.Minute).UnixMilli()
		}},
		{"unlock too close to submit", func(in *CreatePaymentInput) {
			unlock := in.SubmitResultTime + time.Minute.Milliseconds()
			in.UnlockTime = &unlock
		}},
		{"dispute before unlock", func(in *CreatePaymentInput) {
			dispute := in.SubmitResultTime + 6*time.Hour.Milliseconds()
			in.ExternalDisputeUnlock = &dispute
		}},
	}
	for _, tc := range cases {
		in := paymentInput(f)
		tc.mutate(&in)
		_, err := f.orch.CreatePayment(context.Background(), in)
		if faults.KindOf(err) != faults.InvalidArgument {
			t.Errorf("%s: expected InvalidArgument, got %v", tc.name, err)
		}
	}
}

func TestCreatePaymentUnsupportedPricing(t *testing.T) {
	f := newFixture(t)
	f.adapter.pricingType = "Free"
	_, err := f.orch.CreatePayment(context.Background(), paymentInput(f))
	if faults.KindOf(err) != faults.Unsupported {
		t.Fatalf("expected Unsupported, got %v", err)
	}
}

func TestCreatePaymentHolderNotSellingWallet(t *testing.T) {
	f := newFixture(t)
	f.adapter.holderAddress = "addr_test1someoneelse"
	_, err := f.orch.CreatePayment(context.Background(), paymentInput(f))
	if faults.KindOf(err) != faults.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestCreatePaymentAdapterDown(t *testing.T) {
	f := newFixture(t)
	f.adapter.holderErr = chain.ErrUnavailable
	_, err := f.orch.CreatePayment(context.Background(), paymentInput(f))
	if faults.KindOf(err) != faults.ChainAdapterUnavailable {
		t.Fatalf("expected ChainAdapterUnavailable, got %v", err)
	}
}

func purchaseInputFrom(f *fixture, payment *models.Payment) CreatePurchaseInput {
	return CreatePurchaseInput{
		Network:                   models.NetworkPreprod,
		BlockchainIdentifier:      payment.BlockchainIdentifier,
		AgentIdentifier:           payment.AgentIdentifier,
		IdentifierFromPurchaser:   "cafebabecafebabe",
		SellerVkey:                f.vkey,
		InputHash:                 payment.InputHash,
		PayByTime:                 payment.PayByTime,
		SubmitResultTime:          payment.SubmitResultTime,
		UnlockTime:                payment.UnlockTime,
		ExternalDisputeUnlockTime: payment.ExternalDisputeUnlockTime,
		RequestedBy:               f.key.ID,
	}
}

func TestCreatePurchaseFromPayment(t *testing.T) {
	f := newFixture(t)
	payment, err := f.orch.CreatePayment(context.Background(), paymentInput(f))
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}

	purchase, err := f.orch.CreatePurchase(context.Background(), purchaseInputFrom(f, payment))
	if err != nil {
		t.Fatalf("create purchase: %v", err)
	}
	if purchase.SellerVkey != f.vkey {
		t.Fatalf("seller vkey: %s", purchase.SellerVkey)
	}
	if purchase.NextAction.RequestedAction != lifecycle.ActionWaitingForExternalAction {
		t.Fatalf("next action: %s", purchase.NextAction.RequestedAction)
	}

	// The credit hold must have been taken.
	var credit models.APIKeyUnitValue
	if err := f.store.DB().First(&credit, "api_key_id = ?", f.key.ID).Error; err != nil {
		t.Fatalf("credit: %v", err)
	}
	if credit.Amount != "15000000" {
		t.Fatalf("credit after hold: %s", credit.Amount)
	}
}

func TestCreatePurchaseWrongPurchaser(t *testing.T) {
	f := newFixture(t)
	payment, err := f.orch.CreatePayment(context.Background(), paymentInput(f))
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	in := purchaseInputFrom(f, payment)
	in.IdentifierFromPurchaser = "deadbeefdeadbeef"
	_, err = f.orch.CreatePurchase(context.Background(), in)
	if faults.KindOf(err) != faults.InvalidArgument {
		t.Fatalf("expected InvalidArgument for purchaser mismatch, got %v", err)
	}
	if !errors.Is(err, identifier.ErrPurchaserMismatch) {
		t.Fatalf("cause must be purchaser mismatch: %v", err)
	}
}

func TestCreatePurchaseForgedSellerKey(t *testing.T) {
	f := newFixture(t)
	payment, err := f.orch.CreatePayment(context.Background(), paymentInput(f))
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}

	// A self-consistent identifier signed by a key unrelated to the asset
	// holder: every internal binding checks out, only the holder does not.
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	forgedVkey, err := signer.KeyHash(pub)
	if err != nil {
		t.Fatalf("key hash: %v", err)
	}
	hashBytes, _ := hex.DecodeString(forgedVkey)
	forgedAddr, err := signer.EncodeAddress("addr_test", append([]byte{0x60}, hashBytes...))
	if err != nil {
		t.Fatalf("encode address: %v", err)
	}
	forger := signer.NewWalletSigner()
	if err := forger.AddWallet(forgedAddr, priv); err != nil {
		t.Fatalf("add wallet: %v", err)
	}
	forged, err := identifier.Encode(context.Background(), forger, forgedAddr, identifier.Preimage{
		InputHash:                 payment.InputHash,
		AgentIdentifier:           payment.AgentIdentifier,
		PurchaserIdentifier:       "cafebabecafebabe",
		SellerIdentifier:          identifier.NewSellerIdentifier(payment.AgentIdentifier),
		PayByTime:                 payment.PayByTime,
		SubmitResultTime:          payment.SubmitResultTime,
		UnlockTime:                payment.UnlockTime,
		ExternalDisputeUnlockTime: payment.ExternalDisputeUnlockTime,
		SellerAddress:             f.adapter.holderAddress,
	})
	if err != nil {
		t.Fatalf("encode forged identifier: %v", err)
	}

	in := purchaseInputFrom(f, payment)
	in.BlockchainIdentifier = forged
	in.SellerVkey = forgedVkey
	_, err = f.orch.CreatePurchase(context.Background(), in)
	if faults.KindOf(err) != faults.SignatureInvalid {
		t.Fatalf("expected SignatureInvalid for non-holder key, got %v", err)
	}
}

func TestCreatePurchaseIdempotent(t *testing.T) {
	f := newFixture(t)
	payment, err := f.orch.CreatePayment(context.Background(), paymentInput(f))
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	in := purchaseInputFrom(f, payment)
	first, err := f.orch.CreatePurchase(context.Background(), in)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := f.orch.CreatePurchase(context.Background(), in)
	if faults.KindOf(err) != faults.AlreadyExists {
		t.Fatalf("expected AlreadyExists, got %v", err)
	}
	if second == nil || second.ID != first.ID {
		t.Fatal("AlreadyExists must carry the existing record")
	}
}

func TestAuthorizeRefundGuard(t *testing.T) {
	f := newFixture(t)
	payment, err := f.orch.CreatePayment(context.Background(), paymentInput(f))
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}

	// FundsLocked: refund authorization must be rejected.
	if err := f.store.RecordPaymentObservation(context.Background(), payment.ID, store.ObservedTransition{
		TxHash: "ab01", NewState: lifecycle.StateFundsLocked,
	}); err != nil {
		t.Fatalf("observe: %v", err)
	}
	_, err = f.orch.AuthorizePaymentRefund(context.Background(), models.NetworkPreprod, payment.BlockchainIdentifier)
	if faults.KindOf(err) != faults.PreconditionFailed {
		t.Fatalf("expected PreconditionFailed in FundsLocked, got %v", err)
	}

	// RefundRequested: the same call must succeed.
	if err := f.store.RecordPaymentObservation(context.Background(), payment.ID, store.ObservedTransition{
		TxHash: "ab02", NewState: lifecycle.StateRefundRequested,
	}); err != nil {
		t.Fatalf("observe: %v", err)
	}
	updated, err := f.orch.AuthorizePaymentRefund(context.Background(), models.NetworkPreprod, payment.BlockchainIdentifier)
	if err != nil {
		t.Fatalf("authorize refund: %v", err)
	}
	if updated.NextAction.RequestedAction != lifecycle.ActionAuthorizeRefundRequested {
		t.Fatalf("next action: %s", updated.NextAction.RequestedAction)
	}
}

func TestErrorStateRecoveryScenario(t *testing.T) {
	f := newFixture(t)
	payment, err := f.orch.CreatePayment(context.Background(), paymentInput(f))
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}

	base := time.Now().Add(-time.Minute)
	confirmed := lifecycle.StateFundsLocked
	t1 := models.Transaction{ID: uuid.New(), PaymentID: &payment.ID, TxHash: "t1", Status: models.TxConfirmed, NewOnChainState: &confirmed, CreatedAt: base.Add(10 * time.Second)}
	t2 := models.Transaction{ID: uuid.New(), PaymentID: &payment.ID, TxHash: "t2", Status: models.TxPending, CreatedAt: base.Add(20 * time.Second)}
	t3 := models.Transaction{ID: uuid.New(), PaymentID: &payment.ID, TxHash: "t3", Status: models.TxPending, CreatedAt: base.Add(30 * time.Second)}
	for _, tx := range []*models.Transaction{&t1, &t2, &t3} {
		if err := f.store.DB().Create(tx).Error; err != nil {
			t.Fatalf("seed tx: %v", err)
		}
	}
	errType := lifecycle.ErrorUnknown
	note := "submit blew up"
	if _, err := f.store.AppendPaymentAction(context.Background(), payment.ID, models.PaymentActionData{
		RequestedAction: lifecycle.ActionWaitingForManualAction,
		ErrorType:       &errType,
		ErrorNote:       &note,
	}, nil); err != nil {
		t.Fatalf("seed manual action: %v", err)
	}

	recovered, err := f.orch.RecoverPayment(context.Background(), models.NetworkPreprod, payment.BlockchainIdentifier)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered.CurrentTransactionID == nil || *recovered.CurrentTransactionID != t1.ID {
		t.Fatalf("current transaction: %v, want t1", recovered.CurrentTransactionID)
	}
	if recovered.NextAction.RequestedAction != lifecycle.ActionWaitingForExternalAction {
		t.Fatalf("next action: %s", recovered.NextAction.RequestedAction)
	}
	if recovered.NextAction.ErrorType != nil {
		t.Fatal("error fields must be cleared")
	}
	for _, hash := range []string{"t2", "t3"} {
		var tx models.Transaction
		if err := f.store.DB().First(&tx, "tx_hash = ?", hash).Error; err != nil {
			t.Fatalf("lookup %s: %v", hash, err)
		}
		if tx.Status != models.TxFailedViaManualReset {
			t.Fatalf("%s status: %s", hash, tx.Status)
		}
	}
}

func TestRecoveryRequiresManualState(t *testing.T) {
	f := newFixture(t)
	payment, err := f.orch.CreatePayment(context.Background(), paymentInput(f))
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	_, err = f.orch.RecoverPayment(context.Background(), models.NetworkPreprod, payment.BlockchainIdentifier)
	if faults.KindOf(err) != faults.PreconditionFailed {
		t.Fatalf("expected PreconditionFailed, got %v", err)
	}
}

func TestResolvePaymentWrongNetwork(t *testing.T) {
	f := newFixture(t)
	payment, err := f.orch.CreatePayment(context.Background(), paymentInput(f))
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	_, err = f.orch.ResolvePayment(context.Background(), models.NetworkMainnet, payment.BlockchainIdentifier, false)
	if faults.KindOf(err) != faults.NotFound {
		t.Fatalf("expected NotFound on wrong network, got %v", err)
	}
}
