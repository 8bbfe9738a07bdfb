// Package reconciler folds the chain's view of every escrow back into the
// local store. It is the only writer of on-chain state: the orchestrator and
// dispatcher just queue intent.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"escrowd/chain"
	"escrowd/lifecycle"
	"escrowd/models"
	"escrowd/store"
)

const (
	minInterval     = 5 * time.Second
	maxInterval     = 300 * time.Second
	defaultInterval = 30 * time.Second
	defaultBatch    = 100
)

// Config wires the reconciler.
type Config struct {
	Store    *store.Store
	Adapter  chain.Adapter
	Logger   *slog.Logger
	Interval time.Duration
	Batch    int
	Now      func() time.Time
}

// State is the singleton lifecycle.
type State string

const (
	Stopped State = "Stopped"
	Running State = "Running"
)

// Stats is the operator-facing snapshot.
type Stats struct {
	State           State                   `json:"state"`
	TrackedEntities int64                   `json:"trackedEntities"`
	Cursors         map[string]CursorStat   `json:"cursors"`
	MemoryBytes     uint64                  `json:"memoryUsage"`
	LastCycleAt     *time.Time              `json:"lastCycleAt,omitempty"`
	LastCycleErrors map[string]string       `json:"lastCycleErrors,omitempty"`
}

// CursorStat is one feed's resume point.
type CursorStat struct {
	Timestamp int64  `json:"timestamp"`
	LastID    string `json:"lastId"`
}

// Reconciler is the process-wide chain observer.
type Reconciler struct {
	store   *store.Store
	adapter chain.Adapter
	logger  *slog.Logger
	now     func() time.Time

	interval time.Duration
	batch    int

	mu          sync.Mutex
	state       State
	cancel      context.CancelFunc
	done        chan struct{}
	trigger     chan struct{}
	lastCycleAt *time.Time
	lastErrors  map[string]string
}

// New builds a stopped reconciler, clamping the interval into its bounds.
func New(cfg Config) *Reconciler {
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultInterval
	}
	if interval < minInterval {
		interval = minInterval
	}
	if interval > maxInterval {
		interval = maxInterval
	}
	batch := cfg.Batch
	if batch <= 0 {
		batch = defaultBatch
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		store:    cfg.Store,
		adapter:  cfg.Adapter,
		logger:   logger,
		now:      now,
		interval: interval,
		batch:    batch,
		state:    Stopped,
		trigger:  make(chan struct{}, 1),
	}
}

// Start launches the polling loop. Starting a running reconciler is a no-op.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.state = Running
	go r.loop(loopCtx)
	r.logger.Info("reconciler started", "interval", r.interval)
}

// Stop signals the loop and waits for the in-flight batch to commit.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if r.state != Running {
		r.mu.Unlock()
		return
	}
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()
	<-done

	r.mu.Lock()
	r.state = Stopped
	r.mu.Unlock()
	r.logger.Info("reconciler stopped")
}

// Trigger requests an immediate cycle. Returns false when not running.
func (r *Reconciler) Trigger() bool {
	r.mu.Lock()
	running := r.state == Running
	r.mu.Unlock()
	if !running {
		return false
	}
	select {
	case r.trigger <- struct{}{}:
	default:
	}
	return true
}

func (r *Reconciler) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runCycle(ctx)
		case <-r.trigger:
			r.runCycle(ctx)
		}
	}
}

// runCycle walks every payment source once. A cancelled context stops
// between sources, never inside a batch commit.
func (r *Reconciler) runCycle(ctx context.Context) {
	sources, err := r.store.ListPaymentSources(ctx)
	if err != nil {
		r.logger.Error("reconciler: list sources", "error", err)
		return
	}
	cycleErrors := make(map[string]string)
	for _, source := range sources {
		if ctx.Err() != nil {
			return
		}
		if err := r.reconcileSource(ctx, &source); err != nil {
			cycleErrors[string(source.Network)+"/"+source.SmartContractAddress] = err.Error()
			r.logger.Error("reconciler: source cycle failed",
				"network", source.Network,
				"contract", source.SmartContractAddress,
				"error", err)
		}
	}
	now := r.now()
	r.mu.Lock()
	r.lastCycleAt = &now
	r.lastErrors = cycleErrors
	r.mu.Unlock()
}

// ForceCycle runs one synchronous cycle; the monitoring trigger endpoint and
// tests use it directly.
func (r *Reconciler) ForceCycle(ctx context.Context) {
	r.runCycle(ctx)
}

func cursorName(source *models.PaymentSource) string {
	return string(source.Network) + ":" + source.SmartContractAddress
}

func (r *Reconciler) reconcileSource(ctx context.Context, source *models.PaymentSource) error {
	cursor, err := r.store.Cursor(ctx, cursorName(source))
	if err != nil {
		return fmt.Errorf("reconciler: load cursor: %w", err)
	}
	observations, err := r.adapter.ContractTransactions(ctx, string(source.Network), source.SmartContractAddress, cursor.Timestamp, r.batch)
	if err != nil {
		return fmt.Errorf("reconciler: fetch transactions: %w", err)
	}
	if len(observations) == 0 {
		return nil
	}

	// Replayed batches are harmless: observations are deduplicated by tx
	// hash before anything is written.
	maxTime, lastID := cursor.Timestamp, cursor.LastID
	for _, obs := range observations {
		if err := r.applyObservation(ctx, obs); err != nil {
			return err
		}
		if obs.BlockTime > maxTime {
			maxTime = obs.BlockTime
			lastID = obs.TxHash
		}
	}
	// Cursor advances only after the whole batch landed.
	return r.store.CommitCursor(ctx, models.ReconcilerCursor{
		Name:      cursorName(source),
		Timestamp: maxTime,
		LastID:    lastID,
	})
}

// applyObservation folds one chain transaction into whichever local entities
// track its blockchain identifier.
func (r *Reconciler) applyObservation(ctx context.Context, obs chain.TxObservation) error {
	state, err := lifecycle.ParseOnChainState(obs.State)
	if err != nil {
		r.logger.Warn("reconciler: unparsable datum state",
			"txHash", obs.TxHash, "state", obs.State)
		return nil
	}

	matched := false
	if payment, err := r.store.PaymentByIdentifier(ctx, obs.BlockchainIdentifier, false); err == nil {
		matched = true
		if err := r.applyToPayment(ctx, payment, obs, state); err != nil {
			return err
		}
	} else if err != store.ErrNotFound {
		return err
	}
	if purchase, err := r.store.PurchaseByIdentifier(ctx, obs.BlockchainIdentifier, false); err == nil {
		matched = true
		if err := r.applyToPurchase(ctx, purchase, obs, state); err != nil {
			return err
		}
	} else if err != store.ErrNotFound {
		return err
	}
	if !matched {
		r.logger.Debug("reconciler: transaction for unknown identifier",
			"txHash", obs.TxHash, "identifier", obs.BlockchainIdentifier)
	}
	return nil
}

func (r *Reconciler) applyToPayment(ctx context.Context, payment *models.Payment, obs chain.TxObservation, state lifecycle.OnChainState) error {
	known, err := r.store.PaymentTxHashKnown(ctx, payment.ID, obs.TxHash)
	if err != nil {
		return err
	}
	if known {
		return nil
	}
	if err := lifecycle.ValidateOnChainTransition(payment.OnChainState, state); err != nil {
		r.logger.Warn("payment observed illegal transition",
			"paymentId", payment.ID, "txHash", obs.TxHash, "error", err)
		errType := lifecycle.ErrorUnexpectedTransition
		note := err.Error()
		_, appendErr := r.store.AppendPaymentAction(ctx, payment.ID, models.PaymentActionData{
			RequestedAction: lifecycle.ActionWaitingForManualAction,
			ErrorType:       &errType,
			ErrorNote:       &note,
		}, nil)
		return appendErr
	}
	transition := observationToTransition(obs, state)
	if state.Terminal() {
		transition.WithdrawnForSeller = toUnitValues(obs.SellerOutputs)
		transition.WithdrawnForBuyer = toUnitValues(obs.BuyerOutputs)
		transition.TotalSellerFees = obs.FeesLovelace
	}
	if err := r.store.RecordPaymentObservation(ctx, payment.ID, transition); err != nil {
		return fmt.Errorf("reconciler: record payment observation: %w", err)
	}
	if state.Terminal() {
		if _, err := r.store.AppendPaymentAction(ctx, payment.ID, models.PaymentActionData{
			RequestedAction: lifecycle.ActionNone,
		}, nil); err != nil {
			return err
		}
	}
	r.logger.Info("payment state advanced",
		"paymentId", payment.ID, "state", state, "txHash", obs.TxHash)
	return nil
}

func (r *Reconciler) applyToPurchase(ctx context.Context, purchase *models.Purchase, obs chain.TxObservation, state lifecycle.OnChainState) error {
	known, err := r.store.PurchaseTxHashKnown(ctx, purchase.ID, obs.TxHash)
	if err != nil {
		return err
	}
	if known {
		return nil
	}
	if err := lifecycle.ValidateOnChainTransition(purchase.OnChainState, state); err != nil {
		r.logger.Warn("purchase observed illegal transition",
			"purchaseId", purchase.ID, "txHash", obs.TxHash, "error", err)
		errType := lifecycle.ErrorUnexpectedTransition
		note := err.Error()
		_, appendErr := r.store.AppendPurchaseAction(ctx, purchase.ID, models.PurchaseActionData{
			RequestedAction: lifecycle.ActionWaitingForManualAction,
			ErrorType:       &errType,
			ErrorNote:       &note,
		}, nil)
		return appendErr
	}
	transition := observationToTransition(obs, state)
	transition.CollateralReturn = obs.CollateralReturnLovelace
	if state.Terminal() {
		transition.WithdrawnForSeller = toUnitValues(obs.SellerOutputs)
		transition.WithdrawnForBuyer = toUnitValues(obs.BuyerOutputs)
		transition.TotalBuyerFees = obs.FeesLovelace
	}
	if err := r.store.RecordPurchaseObservation(ctx, purchase.ID, transition); err != nil {
		return fmt.Errorf("reconciler: record purchase observation: %w", err)
	}
	if state.Terminal() {
		if _, err := r.store.AppendPurchaseAction(ctx, purchase.ID, models.PurchaseActionData{
			RequestedAction: lifecycle.ActionNone,
		}, nil); err != nil {
			return err
		}
	}
	r.logger.Info("purchase state advanced",
		"purchaseId", purchase.ID, "state", state, "txHash", obs.TxHash)
	return nil
}

func observationToTransition(obs chain.TxObservation, state lifecycle.OnChainState) store.ObservedTransition {
	return store.ObservedTransition{
		TxHash:        obs.TxHash,
		BlockHeight:   obs.BlockHeight,
		BlockTime:     obs.BlockTime,
		Confirmations: obs.Confirmations,
		FeesLovelace:  obs.FeesLovelace,
		NewState:      state,
		ResultHash:    obs.ResultHash,
	}
}

func toUnitValues(amounts []chain.UnitAmount) []models.UnitValue {
	values := make([]models.UnitValue, 0, len(amounts))
	for _, a := range amounts {
		values = append(values, models.UnitValue{Unit: a.Unit, Amount: a.Amount})
	}
	return values
}

// Stats reports the operator snapshot.
func (r *Reconciler) Stats(ctx context.Context) (Stats, error) {
	r.mu.Lock()
	state := r.state
	lastAt := r.lastCycleAt
	lastErrors := r.lastErrors
	r.mu.Unlock()

	var payments, purchases int64
	if err := r.store.DB().WithContext(ctx).Model(&models.Payment{}).Count(&payments).Error; err != nil {
		return Stats{}, err
	}
	if err := r.store.DB().WithContext(ctx).Model(&models.Purchase{}).Count(&purchases).Error; err != nil {
		return Stats{}, err
	}

	cursors := make(map[string]CursorStat)
	sources, err := r.store.ListPaymentSources(ctx)
	if err != nil {
		return Stats{}, err
	}
	for _, source := range sources {
		cursor, err := r.store.Cursor(ctx, cursorName(&source))
		if err != nil {
			return Stats{}, err
		}
		cursors[cursorName(&source)] = CursorStat{Timestamp: cursor.Timestamp, LastID: cursor.LastID}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return Stats{
		State:           state,
		TrackedEntities: payments + purchases,
		Cursors:         cursors,
		MemoryBytes:     mem.Alloc,
		LastCycleAt:     lastAt,
		LastCycleErrors: lastErrors,
	}, nil
}
