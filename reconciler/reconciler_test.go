package reconciler

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"escrowd/chain"
	"escrowd/lifecycle"
	"escrowd/models"
	"escrowd/store"
)

type scriptedAdapter struct {
	observations []chain.TxObservation
	calls        int
}

func (a *scriptedAdapter) AssetHolder(ctx context.Context, network, unit string) (*chain.AssetHolder, error) {
	return nil, &chain.RequestError{StatusCode: 404, Message: "not scripted"}
}

func (a *scriptedAdapter) AgentMetadata(ctx context.Context, network, unit string) (*chain.AgentMetadata, error) {
	return nil, &chain.RequestError{StatusCode: 404, Message: "not scripted"}
}

func (a *scriptedAdapter) ContractTransactions(ctx context.Context, network, contractAddress string, sinceMillis int64, limit int) ([]chain.TxObservation, error) {
	a.calls++
	var page []chain.TxObservation
	for _, obs := range a.observations {
		if obs.BlockTime > sinceMillis {
			page = append(page, obs)
		}
	}
	return page, nil
}

func (a *scriptedAdapter) SubmitAction(ctx context.Context, req chain.ActionRequest) (*chain.Submission, error) {
	return &chain.Submission{TxHash: "unused"}, nil
}

func newFixture(t *testing.T) (*store.Store, *scriptedAdapter, *Reconciler, *models.Payment) {
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

	source := models.PaymentSource{
		Network:              models.NetworkPreprod,
		SmartContractAddress: "addr_test1wzcontract",
	}
	if err := st.CreatePaymentSource(context.Background(), &source, models.PaymentSourceConfig{}, nil); err != nil {
		t.Fatalf("seed source: %v", err)
	}
	payment := models.Payment{
		PaymentSourceID:      source.ID,
		BlockchainIdentifier: "escrow-1",
		AgentIdentifier:      "agent-1",
	}
	if err := st.CreatePayment(context.Background(), &payment, []models.UnitValue{{Unit: "", Amount: "5000000"}}, lifecycle.ActionWaitingForExternalAction); err != nil {
		t.Fatalf("seed payment: %v", err)
	}

	adapter := &scriptedAdapter{}
	rec := New(Config{
		Store:   st,
		Adapter: adapter,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return st, adapter, rec, &payment
}

func TestCycleAdvancesStateAndCursor(t *testing.T) {
	st, adapter, rec, payment := newFixture(t)
	adapter.observations = []chain.TxObservation{
		{TxHash: "h1", BlockTime: 1000, BlockchainIdentifier: "escrow-1", State: "FundsLocked", FeesLovelace: "170000"},
	}
	rec.ForceCycle(context.Background())

	got, err := st.PaymentByID(context.Background(), payment.ID, false)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.OnChainState == nil || *got.OnChainState != lifecycle.StateFundsLocked {
		t.Fatalf("state: %v", got.OnChainState)
	}
	cursor, err := st.Cursor(context.Background(), "Preprod:addr_test1wzcontract")
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if cursor.Timestamp != 1000 || cursor.LastID != "h1" {
		t.Fatalf("cursor not advanced: %+v", cursor)
	}
}

func TestReplayedObservationIsIdempotent(t *testing.T) {
	st, adapter, rec, payment := newFixture(t)
	adapter.observations = []chain.TxObservation{
		{TxHash: "h1", BlockTime: 1000, BlockchainIdentifier: "escrow-1", State: "FundsLocked"},
	}
	rec.ForceCycle(context.Background())
	// Reset the cursor to simulate a crash before the cursor commit.
	if err := st.CommitCursor(context.Background(), models.ReconcilerCursor{Name: "Preprod:addr_test1wzcontract"}); err != nil {
		t.Fatalf("reset cursor: %v", err)
	}
	rec.ForceCycle(context.Background())

	got, err := st.PaymentByID(context.Background(), payment.ID, true)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(got.Transactions) != 1 {
		t.Fatalf("replay duplicated transactions: %d", len(got.Transactions))
	}
}

func TestIllegalTransitionFlagsManualAction(t *testing.T) {
	st, adapter, rec, payment := newFixture(t)
	// Disputed before any lock is not a legal first observation.
	adapter.observations = []chain.TxObservation{
		{TxHash: "h1", BlockTime: 1000, BlockchainIdentifier: "escrow-1", State: "Disputed"},
	}
	rec.ForceCycle(context.Background())

	got, err := st.PaymentByID(context.Background(), payment.ID, true)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.OnChainState != nil {
		t.Fatal("illegal transition must not be persisted as state")
	}
	if got.NextAction.RequestedAction != lifecycle.ActionWaitingForManualAction {
		t.Fatalf("next action: %s", got.NextAction.RequestedAction)
	}
	if got.NextAction.ErrorType == nil || *got.NextAction.ErrorType != lifecycle.ErrorUnexpectedTransition {
		t.Fatalf("error type: %v", got.NextAction.ErrorType)
	}
}

func TestTerminalStateWritesLedgersAndNone(t *testing.T) {
	st, adapter, rec, payment := newFixture(t)
	adapter.observations = []chain.TxObservation{
		{TxHash: "h1", BlockTime: 1000, BlockchainIdentifier: "escrow-1", State: "FundsLocked"},
		{TxHash: "h2", BlockTime: 2000, BlockchainIdentifier: "escrow-1", State: "Withdrawn",
			FeesLovelace:  "170000",
			SellerOutputs: []chain.UnitAmount{{Unit: "", Amount: "4750000"}}},
	}
	rec.ForceCycle(context.Background())

	got, err := st.PaymentByID(context.Background(), payment.ID, false)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.OnChainState == nil || *got.OnChainState != lifecycle.StateWithdrawn {
		t.Fatalf("state: %v", got.OnChainState)
	}
	if got.NextAction.RequestedAction != lifecycle.ActionNone {
		t.Fatalf("terminal entity must settle to None, got %s", got.NextAction.RequestedAction)
	}
	if got.TotalSellerCardanoFees != "170000" {
		t.Fatalf("fees: %s", got.TotalSellerCardanoFees)
	}
	var ledger []models.UnitValue
	err = st.DB().Where("payment_id = ? AND role = ?", payment.ID, models.RoleWithdrawnForSeller).Find(&ledger).Error
	if err != nil || len(ledger) != 1 || ledger[0].Amount != "4750000" {
		t.Fatalf("seller ledger: %v %+v", err, ledger)
	}
}

func TestUnknownIdentifierIsSkipped(t *testing.T) {
	st, adapter, rec, payment := newFixture(t)
	adapter.observations = []chain.TxObservation{
		{TxHash: "h1", BlockTime: 1000, BlockchainIdentifier: "nobody-home", State: "FundsLocked"},
	}
	rec.ForceCycle(context.Background())
	got, err := st.PaymentByID(context.Background(), payment.ID, false)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.OnChainState != nil {
		t.Fatal("unmatched observation must not touch other entities")
	}
}

func TestIntervalClamping(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want time.Duration
	}{
		{0, 30 * time.Second},
		{time.Second, 5 * time.Second},
		{time.Hour, 300 * time.Second},
		{45 * time.Second, 45 * time.Second},
	}
	for _, tc := range cases {
		rec := New(Config{Interval: tc.in})
		if rec.interval != tc.want {
			t.Errorf("interval %v clamped to %v, want %v", tc.in, rec.interval, tc.want)
		}
	}
}

func TestStartStopAndStats(t *testing.T) {
	_, adapter, rec, _ := newFixture(t)
	adapter.observations = []chain.TxObservation{
		{TxHash: "h1", BlockTime: 1000, BlockchainIdentifier: "escrow-1", State: "FundsLocked"},
	}
	rec.Start(context.Background())
	if !rec.Trigger() {
		t.Fatal("trigger on running reconciler must succeed")
	}
	rec.Stop()
	if rec.Trigger() {
		t.Fatal("trigger on stopped reconciler must fail")
	}

	stats, err := rec.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.State != Stopped {
		t.Fatalf("state: %s", stats.State)
	}
	if stats.TrackedEntities != 1 {
		t.Fatalf("tracked entities: %d", stats.TrackedEntities)
	}
	if _, ok := stats.Cursors["Preprod:addr_test1wzcontract"]; !ok {
		t.Fatalf("cursor missing from stats: %+v", stats.Cursors)
	}
}
