// Package dispatcher drains queued *Requested actions by building and
// submitting the matching chain transactions. It is the second long-lived
// singleton next to the reconciler and shares its lease discipline: an
// entity is only touched while its row lock is held.
package dispatcher

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"escrowd/chain"
	"escrowd/lifecycle"
	"escrowd/models"
	"escrowd/store"
)

const (
	defaultInterval = 15 * time.Second
	defaultBatch    = 10
	minBackoff      = 30 * time.Second
	maxBackoff      = 10 * time.Minute
	maxRetries      = 5
)

// errNotDue skips an entity whose retry backoff has not elapsed; the claim
// loop rolls the transaction back and moves on.
var errNotDue = errors.New("dispatcher: retry not due yet")

// Config wires the dispatcher.
type Config struct {
	Store    *store.Store
	Adapter  chain.Adapter
	Logger   *slog.Logger
	Interval time.Duration
	Batch    int
	Now      func() time.Time
}

// Dispatcher is the process-wide action submitter.
type Dispatcher struct {
	store   *store.Store
	adapter chain.Adapter
	logger  *slog.Logger
	now     func() time.Time

	interval time.Duration
	batch    int

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a stopped dispatcher.
func New(cfg Config) *Dispatcher {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
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
	return &Dispatcher{
		store:    cfg.Store,
		adapter:  cfg.Adapter,
		logger:   logger,
		now:      now,
		interval: interval,
		batch:    batch,
	}
}

// Start launches the cadence loop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.loop(loopCtx)
	d.logger.Info("dispatcher started", "interval", d.interval)
}

// Stop signals the loop and waits for the in-flight pass to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.cancel == nil {
		d.mu.Unlock()
		return
	}
	cancel, done := d.cancel, d.done
	d.cancel = nil
	d.mu.Unlock()

	cancel()
	<-done
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.RunPass(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.RunPass(ctx)
		}
	}
}

// RunPass drains one batch of each queue; tests call it synchronously.
func (d *Dispatcher) RunPass(ctx context.Context) {
	if _, err := d.store.ClaimPayments(ctx,
		[]lifecycle.NextAction{lifecycle.ActionSubmitResultRequested, lifecycle.ActionAuthorizeRefundRequested},
		d.batch, d.dispatchPayment(ctx)); err != nil {
		d.logger.Error("dispatcher: payment pass", "error", err)
	}
	if _, err := d.store.ClaimPurchases(ctx,
		[]lifecycle.NextAction{lifecycle.ActionSetRefundRequested, lifecycle.ActionUnSetRefundRequested},
		d.batch, d.dispatchPurchase(ctx)); err != nil {
		d.logger.Error("dispatcher: purchase pass", "error", err)
	}
	if _, err := d.store.ClaimRegistrations(ctx,
		[]lifecycle.RegistrationState{lifecycle.RegistrationRequested, lifecycle.DeregistrationRequested},
		d.batch, d.dispatchRegistration(ctx)); err != nil {
		d.logger.Error("dispatcher: registry pass", "error", err)
	}
}

func (d *Dispatcher) dispatchPayment(ctx context.Context) func(tx *gorm.DB, payment *models.Payment) error {
	return func(tx *gorm.DB, payment *models.Payment) error {
		if !d.retryDue(payment.NextAction.RetryCount, payment.NextAction.CreatedAt) {
			return errNotDue
		}
		source, wallet, err := d.submissionContext(ctx, payment.PaymentSourceID, payment.SmartContractWalletID)
		if err != nil {
			return err
		}
		request := chain.ActionRequest{
			Network:              string(source.Network),
			ContractAddress:      source.SmartContractAddress,
			Action:               paymentActionKind(payment.NextAction.RequestedAction),
			BlockchainIdentifier: payment.BlockchainIdentifier,
			WalletAddress:        wallet.WalletAddress,
		}
		if payment.NextAction.ResultHash != nil {
			request.ResultHash = *payment.NextAction.ResultHash
		}
		submission, err := d.adapter.SubmitAction(ctx, request)
		if err != nil {
			return d.handlePaymentFailure(tx, payment, err)
		}
		d.logger.Info("payment action submitted",
			"paymentId", payment.ID,
			"action", payment.NextAction.RequestedAction,
			"txHash", submission.TxHash)
		return d.store.ApplyPaymentSubmission(tx, payment, submission.TxHash)
	}
}

func (d *Dispatcher) dispatchPurchase(ctx context.Context) func(tx *gorm.DB, purchase *models.Purchase) error {
	return func(tx *gorm.DB, purchase *models.Purchase) error {
		if !d.retryDue(purchase.NextAction.RetryCount, purchase.NextAction.CreatedAt) {
			return errNotDue
		}
		source, wallet, err := d.submissionContext(ctx, purchase.PaymentSourceID, purchase.SmartContractWalletID)
		if err != nil {
			return err
		}
		request := chain.ActionRequest{
			Network:              string(source.Network),
			ContractAddress:      source.SmartContractAddress,
			Action:               purchaseActionKind(purchase.NextAction.RequestedAction),
			BlockchainIdentifier: purchase.BlockchainIdentifier,
			WalletAddress:        wallet.WalletAddress,
		}
		submission, err := d.adapter.SubmitAction(ctx, request)
		if err != nil {
			return d.handlePurchaseFailure(tx, purchase, err)
		}
		d.logger.Info("purchase action submitted",
			"purchaseId", purchase.ID,
			"action", purchase.NextAction.RequestedAction,
			"txHash", submission.TxHash)
		return d.store.ApplyPurchaseSubmission(tx, purchase, submission.TxHash)
	}
}

// dispatchRegistration mints or burns the agent NFT for a registry row.
func (d *Dispatcher) dispatchRegistration(ctx context.Context) func(tx *gorm.DB, request *models.RegistryRequest) error {
	return func(tx *gorm.DB, request *models.RegistryRequest) error {
		source, err := d.store.PaymentSourceByID(ctx, request.PaymentSourceID)
		if err != nil {
			return err
		}
		kind := chain.ActionMintRegistry
		if request.State == lifecycle.DeregistrationRequested {
			kind = chain.ActionBurnRegistry
		}
		actionRequest := chain.ActionRequest{
			Network:         string(source.Network),
			ContractAddress: source.SmartContractAddress,
			Action:          kind,
			WalletAddress:   sellingAddress(source),
			Metadata:        registryMetadata(request),
		}
		submission, err := d.adapter.SubmitAction(ctx, actionRequest)
		if err != nil {
			if request.State == lifecycle.RegistrationRequested && !transientSubmitError(err) {
				return d.store.FailRegistrySubmission(tx, request, err.Error())
			}
			return err
		}
		switch request.State {
		case lifecycle.RegistrationRequested:
			agent := mintedAgentIdentifier(source, request)
			d.logger.Info("registry mint submitted",
				"registryId", request.ID, "agentIdentifier", agent, "txHash", submission.TxHash)
			return d.store.ApplyRegistrySubmission(tx, request, lifecycle.RegistrationConfirmed, &agent, submission.TxHash)
		case lifecycle.DeregistrationRequested:
			d.logger.Info("registry burn submitted",
				"registryId", request.ID, "txHash", submission.TxHash)
			return d.store.ApplyRegistrySubmission(tx, request, lifecycle.DeregistrationConfirmed, nil, submission.TxHash)
		}
		return nil
	}
}

// submissionContext resolves the contract instance and the signing wallet of
// a claimed entity. A missing wallet reference is a data defect, not a
// transient failure, so it surfaces as a plain error and the claim rolls
// back.
func (d *Dispatcher) submissionContext(ctx context.Context, sourceID uuid.UUID, walletID *uuid.UUID) (*models.PaymentSource, *models.HotWallet, error) {
	source, err := d.store.PaymentSourceByID(ctx, sourceID)
	if err != nil {
		return nil, nil, fmt.Errorf("dispatcher: resolve payment source: %w", err)
	}
	if walletID == nil {
		return nil, nil, fmt.Errorf("dispatcher: entity has no smart contract wallet")
	}
	wallet, err := d.store.HotWalletByID(ctx, *walletID)
	if err != nil {
		return nil, nil, fmt.Errorf("dispatcher: resolve hot wallet: %w", err)
	}
	return source, wallet, nil
}

// retryDue applies exponential backoff with jitter: 30s doubling per retry,
// capped at 10 minutes, +-10%.
func (d *Dispatcher) retryDue(retryCount int, lastAttempt time.Time) bool {
	if retryCount == 0 {
		return true
	}
	backoff := minBackoff << (retryCount - 1)
	if backoff > maxBackoff || backoff <= 0 {
		backoff = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(backoff)/5+1)) - backoff/10
	return d.now().After(lastAttempt.Add(backoff + jitter))
}

// classifySubmitError maps adapter failures onto the action error taxonomy.
func classifySubmitError(err error) lifecycle.ActionErrorType {
	if errors.Is(err, chain.ErrUnavailable) {
		return lifecycle.ErrorNetwork
	}
	var reqErr *chain.RequestError
	if errors.As(err, &reqErr) {
		message := strings.ToLower(reqErr.Message)
		if strings.Contains(message, "insufficient") {
			return lifecycle.ErrorInsufficientFunds
		}
		if reqErr.StatusCode >= 400 && reqErr.StatusCode < 500 {
			return lifecycle.ErrorValidation
		}
		return lifecycle.ErrorNetwork
	}
	return lifecycle.ErrorUnknown
}

func transientSubmitError(err error) bool {
	switch classifySubmitError(err) {
	case lifecycle.ErrorNetwork, lifecycle.ErrorUnknown:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) handlePaymentFailure(tx *gorm.DB, payment *models.Payment, submitErr error) error {
	errType := classifySubmitError(submitErr)
	note := submitErr.Error()
	if !transientSubmitError(submitErr) {
		d.logger.Warn("payment action failed permanently",
			"paymentId", payment.ID, "errorType", errType, "error", submitErr)
		return d.store.ParkPayment(tx, payment, errType, note)
	}
	if payment.NextAction.RetryCount+1 >= maxRetries {
		d.logger.Warn("payment action exhausted retries",
			"paymentId", payment.ID, "errorType", errType, "error", submitErr)
		return d.store.ParkPayment(tx, payment, errType, note)
	}
	d.logger.Info("payment action scheduled for retry",
		"paymentId", payment.ID,
		"retry", payment.NextAction.RetryCount+1,
		"error", submitErr)
	return d.store.SchedulePaymentRetry(tx, payment, errType, note)
}

func (d *Dispatcher) handlePurchaseFailure(tx *gorm.DB, purchase *models.Purchase, submitErr error) error {
	errType := classifySubmitError(submitErr)
	note := submitErr.Error()
	if !transientSubmitError(submitErr) {
		d.logger.Warn("purchase action failed permanently",
			"purchaseId", purchase.ID, "errorType", errType, "error", submitErr)
		return d.store.ParkPurchase(tx, purchase, errType, note)
	}
	if purchase.NextAction.RetryCount+1 >= maxRetries {
		d.logger.Warn("purchase action exhausted retries",
			"purchaseId", purchase.ID, "errorType", errType, "error", submitErr)
		return d.store.ParkPurchase(tx, purchase, errType, note)
	}
	d.logger.Info("purchase action scheduled for retry",
		"purchaseId", purchase.ID,
		"retry", purchase.NextAction.RetryCount+1,
		"error", submitErr)
	return d.store.SchedulePurchaseRetry(tx, purchase, errType, note)
}

func paymentActionKind(action lifecycle.NextAction) chain.ActionKind {
	switch action {
	case lifecycle.ActionSubmitResultRequested:
		return chain.ActionSubmitResult
	case lifecycle.ActionAuthorizeRefundRequested:
		return chain.ActionAuthorizeRefund
	}
	return ""
}

func purchaseActionKind(action lifecycle.NextAction) chain.ActionKind {
	switch action {
	case lifecycle.ActionSetRefundRequested:
		return chain.ActionSetRefundRequest
	case lifecycle.ActionUnSetRefundRequested:
		return chain.ActionUnsetRefundRequest
	}
	return ""
}

func sellingAddress(source *models.PaymentSource) string {
	for _, wallet := range source.Wallets {
		if wallet.Type == models.WalletSelling {
			return wallet.WalletAddress
		}
	}
	return ""
}

// mintedAgentIdentifier derives policyId || hex(assetName) for a freshly
// minted registry NFT.
func mintedAgentIdentifier(source *models.PaymentSource, request *models.RegistryRequest) string {
	policy := ""
	if source.PolicyID != nil {
		policy = *source.PolicyID
	}
	return policy + hex.EncodeToString([]byte(assetName(request)))
}

// assetName is the bounded token name derived from the registration.
func assetName(request *models.RegistryRequest) string {
	name := strings.ToLower(request.Name)
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '-'
	}, name)
	if len(name) > 24 {
		name = name[:24]
	}
	return fmt.Sprintf("%s-%s", name, request.ID.String()[:8])
}

// registryMetadata flattens the registration into the builder's metadata
// map; the builder chunks long values into 64-byte strings on chain.
func registryMetadata(request *models.RegistryRequest) map[string]string {
	meta := map[string]string{
		"name":         request.Name,
		"api_base_url": request.APIBaseURL,
		"author_name":  request.AuthorName,
		"tags":         request.Tags,
		"image":        request.Image,
	}
	if request.Description != nil {
		meta["description"] = *request.Description
	}
	if request.CapabilityName != nil {
		meta["capability_name"] = *request.CapabilityName
	}
	if request.CapabilityVersion != nil {
		meta["capability_version"] = *request.CapabilityVersion
	}
	return meta
}
