package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"escrowd/lifecycle"
	"escrowd/models"
)

func newTestStore(t *testing.T) *Store {
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
	return New(db)
}

func seedSource(t *testing.T, s *Store) *models.PaymentSource {
	t.Helper()
	source := models.PaymentSource{
		Network:              models.NetworkPreprod,
		SmartContractAddress: "addr_test1wzlockedcontract",
		FeeRatePermille:      50,
	}
	err := s.CreatePaymentSource(context.Background(), &source,
		models.PaymentSourceConfig{RPCProviderAPIKey: "preprod-key"},
		[]models.HotWallet{
			{WalletVkey: "aa11", WalletAddress: "addr_test1sellwallet", Type: models.WalletSelling},
			{WalletVkey: "bb22", WalletAddress: "addr_test1buywallet", Type: models.WalletPurchasing},
		})
	if err != nil {
		t.Fatalf("seed source: %v", err)
	}
	return &source
}

func seedPayment(t *testing.T, s *Store, source *models.PaymentSource, identifier string) *models.Payment {
	t.Helper()
	payment := models.Payment{
		PaymentSourceID:      source.ID,
		BlockchainIdentifier: identifier,
		AgentIdentifier:      "policyagent" + identifier,
		InputHash:            "11ff",
		PayByTime:            1_700_000_000_000,
		SubmitResultTime:     1_700_000_600_000,
		UnlockTime:           1_700_001_200_000,
		ExternalDisputeUnlockTime: 1_700_001_800_000,
	}
	funds := []models.UnitValue{{Unit: "", Amount: "5000000"}}
	if err := s.CreatePayment(context.Background(), &payment, funds, lifecycle.ActionWaitingForExternalAction); err != nil {
		t.Fatalf("seed payment: %v", err)
	}
	return &payment
}

func TestCreatePaymentSeedsActionAndFunds(t *testing.T) {
	s := newTestStore(t)
	source := seedSource(t, s)
	seedPayment(t, s, source, "id-created")

	got, err := s.PaymentByIdentifier(context.Background(), "id-created", false)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.NextAction == nil || got.NextAction.RequestedAction != lifecycle.ActionWaitingForExternalAction {
		t.Fatalf("next action not seeded: %+v", got.NextAction)
	}
	if len(got.Funds) != 1 || got.Funds[0].Role != models.RoleRequestedFunds || got.Funds[0].Amount != "5000000" {
		t.Fatalf("funds not stored: %+v", got.Funds)
	}
	if got.NextActionLastChangedAt.IsZero() || got.NextActionOrOnChainStateOrResultLastChangedAt.IsZero() {
		t.Fatal("change stamps not set")
	}
	if got.OnChainState != nil {
		t.Fatal("fresh payment must have no on-chain state")
	}
}

func TestAppendPaymentActionKeepsHistory(t *testing.T) {
	s := newTestStore(t)
	source := seedSource(t, s)
	payment := seedPayment(t, s, source, "id-history")

	_, err := s.AppendPaymentAction(context.Background(), payment.ID, models.PaymentActionData{
		RequestedAction: lifecycle.ActionSubmitResultRequested,
	}, nil)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	got, err := s.PaymentByID(context.Background(), payment.ID, true)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.NextAction.RequestedAction != lifecycle.ActionSubmitResultRequested {
		t.Fatalf("active action: %s", got.NextAction.RequestedAction)
	}
	if len(got.ActionHistory) != 2 {
		t.Fatalf("history rows: %d", len(got.ActionHistory))
	}
}

func TestChangeStampsNeverRegress(t *testing.T) {
	s := newTestStore(t)
	source := seedSource(t, s)
	payment := seedPayment(t, s, source, "id-monotone")

	before, err := s.PaymentByID(context.Background(), payment.ID, false)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}

	// A clock running behind the stored stamp must not move stamps backwards.
	past := before.NextActionLastChangedAt.Add(-time.Hour)
	stale := s.WithClock(func() time.Time { return past })
	if _, err := stale.AppendPaymentAction(context.Background(), payment.ID, models.PaymentActionData{
		RequestedAction: lifecycle.ActionAuthorizeRefundRequested,
	}, nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	got, err := s.PaymentByID(context.Background(), payment.ID, false)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.NextActionLastChangedAt.Before(before.NextActionLastChangedAt) {
		t.Fatalf("stamp regressed: %v -> %v", before.NextActionLastChangedAt, got.NextActionLastChangedAt)
	}
}

func TestRecordPaymentObservation(t *testing.T) {
	s := newTestStore(t)
	source := seedSource(t, s)
	payment := seedPayment(t, s, source, "id-observed")

	err := s.RecordPaymentObservation(context.Background(), payment.ID, ObservedTransition{
		TxHash:       "deadbeef01",
		BlockHeight:  100,
		BlockTime:    1_700_000_100,
		FeesLovelace: "180000",
		NewState:     lifecycle.StateFundsLocked,
	})
	if err != nil {
		t.Fatalf("observe lock: %v", err)
	}
	err = s.RecordPaymentObservation(context.Background(), payment.ID, ObservedTransition{
		TxHash:       "deadbeef02",
		BlockHeight:  120,
		NewState:     lifecycle.StateResultSubmitted,
		ResultHash:   "22aa",
	})
	if err != nil {
		t.Fatalf("observe result: %v", err)
	}
	got, err := s.PaymentByID(context.Background(), payment.ID, true)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.OnChainState == nil || *got.OnChainState != lifecycle.StateResultSubmitted {
		t.Fatalf("state: %v", got.OnChainState)
	}
	if got.ResultHash != "22aa" {
		t.Fatalf("result hash: %q", got.ResultHash)
	}
	if len(got.Transactions) != 2 {
		t.Fatalf("transactions: %d", len(got.Transactions))
	}
	known, err := s.PaymentTxHashKnown(context.Background(), payment.ID, "deadbeef01")
	if err != nil || !known {
		t.Fatalf("tx hash not known: %v %v", known, err)
	}
}

func TestRecordObservationWritesLedgers(t *testing.T) {
	s := newTestStore(t)
	source := seedSource(t, s)
	payment := seedPayment(t, s, source, "id-ledger")

	if err := s.RecordPaymentObservation(context.Background(), payment.ID, ObservedTransition{
		TxHash: "aa01", NewState: lifecycle.StateFundsLocked,
	}); err != nil {
		t.Fatalf("lock: %v", err)
	}
	err := s.RecordPaymentObservation(context.Background(), payment.ID, ObservedTransition{
		TxHash:   "aa02",
		NewState: lifecycle.StateWithdrawn,
		WithdrawnForSeller: []models.UnitValue{{Unit: "", Amount: "4750000"}},
	})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	var rows []models.UnitValue
	err = s.DB().Where("payment_id = ? AND role = ?", payment.ID, models.RoleWithdrawnForSeller).Find(&rows).Error
	if err != nil || len(rows) != 1 || rows[0].Amount != "4750000" {
		t.Fatalf("seller ledger: %v %+v", err, rows)
	}
}

func TestRecoverPaymentRollsBackToConfirmed(t *testing.T) {
	s := newTestStore(t)
	source := seedSource(t, s)
	payment := seedPayment(t, s, source, "id-recover")

	// Confirmed lock, then a pending submission that never landed.
	if err := s.RecordPaymentObservation(context.Background(), payment.ID, ObservedTransition{
		TxHash: "cc01", NewState: lifecycle.StateFundsLocked,
	}); err != nil {
		t.Fatalf("lock: %v", err)
	}
	pending := models.Transaction{
		ID:        uuid.New(),
		PaymentID: &payment.ID,
		TxHash:    "cc02",
		Status:    models.TxPending,
		CreatedAt: time.Now().Add(time.Minute),
	}
	if err := s.DB().Create(&pending).Error; err != nil {
		t.Fatalf("pending: %v", err)
	}

	got, err := s.RecoverPayment(context.Background(), payment.ID)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got.OnChainState == nil || *got.OnChainState != lifecycle.StateFundsLocked {
		t.Fatalf("state after recovery: %v", got.OnChainState)
	}
	if got.NextAction.RequestedAction != lifecycle.ActionWaitingForExternalAction {
		t.Fatalf("next action after recovery: %s", got.NextAction.RequestedAction)
	}
	var failed models.Transaction
	if err := s.DB().First(&failed, "tx_hash = ?", "cc02").Error; err != nil {
		t.Fatalf("lookup pending: %v", err)
	}
	if failed.Status != models.TxFailedViaManualReset {
		t.Fatalf("pending not failed: %s", failed.Status)
	}
}

func TestRecoverPaymentTerminalStateMeansNone(t *testing.T) {
	s := newTestStore(t)
	source := seedSource(t, s)
	payment := seedPayment(t, s, source, "id-recover-terminal")

	if err := s.RecordPaymentObservation(context.Background(), payment.ID, ObservedTransition{
		TxHash: "dd01", NewState: lifecycle.StateFundsLocked,
	}); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := s.RecordPaymentObservation(context.Background(), payment.ID, ObservedTransition{
		TxHash: "dd02", NewState: lifecycle.StateWithdrawn,
	}); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	got, err := s.RecoverPayment(context.Background(), payment.ID)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got.NextAction.RequestedAction != lifecycle.ActionNone {
		t.Fatalf("terminal recovery must settle to None, got %s", got.NextAction.RequestedAction)
	}
}

func TestRecoverPaymentPrefersNewestPending(t *testing.T) {
	s := newTestStore(t)
	source := seedSource(t, s)
	payment := seedPayment(t, s, source, "id-recover-pending")

	// No confirmed transaction at all: the newest pending one is the
	// predecessor, and nothing newer exists to fail.
	base := time.Now().Add(-time.Minute)
	locked := lifecycle.StateFundsLocked
	older := models.Transaction{
		ID: uuid.New(), PaymentID: &payment.ID, TxHash: "ee01",
		Status: models.TxPending, CreatedAt: base.Add(20 * time.Second),
	}
	newest := models.Transaction{
		ID: uuid.New(), PaymentID: &payment.ID, TxHash: "ee02",
		Status: models.TxPending, NewOnChainState: &locked,
		CreatedAt: base.Add(30 * time.Second),
	}
	for _, tx := range []*models.Transaction{&older, &newest} {
		if err := s.DB().Create(tx).Error; err != nil {
			t.Fatalf("seed tx: %v", err)
		}
	}

	got, err := s.RecoverPayment(context.Background(), payment.ID)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got.CurrentTransactionID == nil || *got.CurrentTransactionID != newest.ID {
		t.Fatalf("current transaction: %v, want newest pending %s", got.CurrentTransactionID, newest.ID)
	}
	if got.OnChainState == nil || *got.OnChainState != lifecycle.StateFundsLocked {
		t.Fatalf("state after recovery: %v", got.OnChainState)
	}
	for _, tx := range []*models.Transaction{&older, &newest} {
		var reloaded models.Transaction
		if err := s.DB().First(&reloaded, "id = ?", tx.ID).Error; err != nil {
			t.Fatalf("lookup %s: %v", tx.TxHash, err)
		}
		if reloaded.Status != models.TxPending {
			t.Fatalf("%s status: %s, want untouched Pending", tx.TxHash, reloaded.Status)
		}
	}
}

func TestRecoverPaymentWithoutAnchor(t *testing.T) {
	s := newTestStore(t)
	source := seedSource(t, s)
	payment := seedPayment(t, s, source, "id-recover-empty")

	got, err := s.RecoverPayment(context.Background(), payment.ID)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got.CurrentTransactionID != nil {
		t.Fatalf("current transaction must reset to null, got %v", got.CurrentTransactionID)
	}
	if got.OnChainState != nil {
		t.Fatalf("state must reset to null, got %v", got.OnChainState)
	}
	if got.NextAction.RequestedAction != lifecycle.ActionWaitingForExternalAction {
		t.Fatalf("next action after recovery: %s", got.NextAction.RequestedAction)
	}
}

func TestPaymentDiffTieBreak(t *testing.T) {
	s := newTestStore(t)
	source := seedSource(t, s)

	// Two entities stamped at the same instant must both survive a cursor
	// resume at that instant.
	instant := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fixed := s.WithClock(func() time.Time { return instant })
	a := seedPaymentWith(t, fixed, source, "diff-a")
	b := seedPaymentWith(t, fixed, source, "diff-b")

	first, err := s.PaymentDiff(context.Background(), DiffQuery{
		Kind:  DiffAny,
		Since: instant.Add(-time.Second),
		Limit: 1,
	})
	if err != nil || len(first) != 1 {
		t.Fatalf("first page: %v %d", err, len(first))
	}
	second, err := s.PaymentDiff(context.Background(), DiffQuery{
		Kind:     DiffAny,
		Since:    first[0].NextActionOrOnChainStateOrResultLastChangedAt,
		CursorID: &first[0].ID,
		Limit:    10,
	})
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	// The resume page re-includes the cursor row, then the tied neighbour.
	if len(second) != 2 {
		t.Fatalf("tie-broken page size: %d", len(second))
	}
	if second[0].ID != first[0].ID {
		t.Fatal("cursor row must lead the resume page")
	}
	seen := map[string]bool{}
	for _, p := range second {
		seen[p.BlockchainIdentifier] = true
	}
	if !seen["diff-a"] || !seen["diff-b"] {
		t.Fatalf("tied rows lost: %v, seeded %s %s", seen, a.BlockchainIdentifier, b.BlockchainIdentifier)
	}
}

func seedPaymentWith(t *testing.T, s *Store, source *models.PaymentSource, identifier string) *models.Payment {
	t.Helper()
	payment := models.Payment{
		PaymentSourceID:      source.ID,
		BlockchainIdentifier: identifier,
		AgentIdentifier:      "agent-" + identifier,
		PayByTime:            1_700_000_000_000,
	}
	if err := s.CreatePayment(context.Background(), &payment, nil, lifecycle.ActionWaitingForExternalAction); err != nil {
		t.Fatalf("seed payment %s: %v", identifier, err)
	}
	return &payment
}

func TestClaimPaymentsOnlyRequestedActions(t *testing.T) {
	s := newTestStore(t)
	source := seedSource(t, s)
	waiting := seedPayment(t, s, source, "claim-waiting")
	requested := seedPayment(t, s, source, "claim-requested")
	if _, err := s.AppendPaymentAction(context.Background(), requested.ID, models.PaymentActionData{
		RequestedAction: lifecycle.ActionSubmitResultRequested,
	}, nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	var claimed []string
	n, err := s.ClaimPayments(context.Background(),
		[]lifecycle.NextAction{lifecycle.ActionSubmitResultRequested, lifecycle.ActionAuthorizeRefundRequested},
		10,
		func(tx *gorm.DB, payment *models.Payment) error {
			claimed = append(claimed, payment.BlockchainIdentifier)
			action := models.PaymentActionData{
				ID:              uuid.New(),
				PaymentID:       payment.ID,
				RequestedAction: lifecycle.ActionWaitingForExternalAction,
			}
			if err := tx.Create(&action).Error; err != nil {
				return err
			}
			return tx.Model(payment).Update("next_action_id", action.ID).Error
		})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if n != 1 || len(claimed) != 1 || claimed[0] != "claim-requested" {
		t.Fatalf("claimed %d %v; waiting entity %s must be skipped", n, claimed, waiting.BlockchainIdentifier)
	}
}

func TestSpendCredits(t *testing.T) {
	s := newTestStore(t)
	network := models.NetworkPreprod
	key, err := s.CreateAPIKey(context.Background(), "secret-token", models.PermissionReadAndPay, true, &network,
		[]models.APIKeyUnitValue{{Unit: "", Amount: "10000000"}})
	if err != nil {
		t.Fatalf("create key: %v", err)
	}

	if err := s.SpendCredits(context.Background(), key.ID, []models.UnitValue{{Unit: "", Amount: "4000000"}}); err != nil {
		t.Fatalf("spend: %v", err)
	}
	err = s.SpendCredits(context.Background(), key.ID, []models.UnitValue{{Unit: "", Amount: "7000000"}})
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("overdraw must fail, got %v", err)
	}
	if err := s.RefundCredits(context.Background(), key.ID, []models.UnitValue{{Unit: "", Amount: "1000000"}}); err != nil {
		t.Fatalf("refund: %v", err)
	}
	var credit models.APIKeyUnitValue
	if err := s.DB().First(&credit, "api_key_id = ?", key.ID).Error; err != nil {
		t.Fatalf("credit row: %v", err)
	}
	if credit.Amount != "7000000" {
		t.Fatalf("balance after spend+refund: %s", credit.Amount)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateAPIKey(context.Background(), "good-token", models.PermissionAdmin, false, nil, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	key, err := s.APIKeyByToken(context.Background(), "good-token")
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	if key.Permission != models.PermissionAdmin {
		t.Fatalf("permission: %s", key.Permission)
	}
	if _, err := s.APIKeyByToken(context.Background(), "bad-token"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("bad token: %v", err)
	}
	if err := s.RevokeAPIKey(context.Background(), key.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := s.APIKeyByToken(context.Background(), "good-token"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("revoked token must not authenticate: %v", err)
	}
}

func TestRegistryLifecycle(t *testing.T) {
	s := newTestStore(t)
	source := seedSource(t, s)
	request := models.RegistryRequest{
		PaymentSourceID: source.ID,
		Name:            "summarizer",
		APIBaseURL:      "https://agent.example.com/api",
		AuthorName:      "Acme",
		Tags:            "nlp",
		Image:           "ipfs://img",
	}
	err := s.CreateRegistryRequest(context.Background(), &request,
		models.Pricing{PricingType: models.PricingFixed, FixedAmounts: []models.FixedPricingAmount{{Unit: "", Amount: "5000000"}}},
		[]models.ExampleOutput{{Name: "sample", URL: "https://x/s", MimeType: "text/plain"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	agent := "pol1cyid0000000000000000000000000000000000000000000000000a55et"
	confirmed, err := s.TransitionRegistryRequest(context.Background(), request.ID, lifecycle.RegistrationConfirmed, func(r *models.RegistryRequest) {
		r.AgentIdentifier = &agent
	})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.AgentIdentifier == nil || *confirmed.AgentIdentifier != agent {
		t.Fatal("agent identifier not set on confirm")
	}
	if len(confirmed.Pricing.FixedAmounts) != 1 {
		t.Fatalf("pricing not loaded: %+v", confirmed.Pricing)
	}

	if _, err := s.TransitionRegistryRequest(context.Background(), request.ID, lifecycle.DeregistrationConfirmed, nil); err == nil {
		t.Fatal("confirmed -> deregistration confirmed must be rejected")
	}
	if err := s.DeleteRegistryRequest(context.Background(), request.ID); err == nil {
		t.Fatal("confirmed registration must not be deletable")
	}
	if _, err := s.TransitionRegistryRequest(context.Background(), request.ID, lifecycle.DeregistrationRequested, nil); err != nil {
		t.Fatalf("request burn: %v", err)
	}
	if _, err := s.TransitionRegistryRequest(context.Background(), request.ID, lifecycle.DeregistrationConfirmed, nil); err != nil {
		t.Fatalf("confirm burn: %v", err)
	}
	if err := s.DeleteRegistryRequest(context.Background(), request.ID); err != nil {
		t.Fatalf("delete after burn: %v", err)
	}
	if _, err := s.RegistryRequestByID(context.Background(), request.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted row still resolves: %v", err)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	s := newTestStore(t)
	cursor, err := s.Cursor(context.Background(), "preprod")
	if err != nil {
		t.Fatalf("fresh cursor: %v", err)
	}
	if cursor.Timestamp != 0 || cursor.LastID != "" {
		t.Fatalf("fresh cursor not zero: %+v", cursor)
	}
	if err := s.CommitCursor(context.Background(), models.ReconcilerCursor{Name: "preprod", Timestamp: 42, LastID: "aa"}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := s.CommitCursor(context.Background(), models.ReconcilerCursor{Name: "preprod", Timestamp: 77, LastID: "bb"}); err != nil {
		t.Fatalf("recommit: %v", err)
	}
	cursor, err = s.Cursor(context.Background(), "preprod")
	if err != nil || cursor.Timestamp != 77 || cursor.LastID != "bb" {
		t.Fatalf("cursor after upsert: %+v %v", cursor, err)
	}
}
