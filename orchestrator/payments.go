package orchestrator

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"escrowd/faults"
	"escrowd/identifier"
	"escrowd/lifecycle"
	"escrowd/models"
	"escrowd/store"
)

// CreatePaymentInput is the seller-side creation request.
type CreatePaymentInput struct {
	Network                 models.Network
	AgentIdentifier         string
	InputHash               string
	IdentifierFromPurchaser string
	PayByTime               int64
	SubmitResultTime        int64
	UnlockTime              *int64
	ExternalDisputeUnlock   *int64
	Metadata                *string
	RequestedBy             uuid.UUID
}

func (in CreatePaymentInput) validate() error {
	if !in.Network.Valid() {
		return faults.New(faults.InvalidArgument, "unknown network %q", in.Network)
	}
	if !isLowerHex(in.AgentIdentifier) || len(in.AgentIdentifier) < agentIdentifierMinLen {
		return faults.New(faults.InvalidArgument, "agentIdentifier must be lowercase hex of at least %d characters", agentIdentifierMinLen)
	}
	if !isLowerHex(in.InputHash) || len(in.InputHash) != 64 {
		return faults.New(faults.InvalidArgument, "inputHash must be 64 hex characters")
	}
	if !isLowerHex(in.IdentifierFromPurchaser) ||
		len(in.IdentifierFromPurchaser) < 14 || len(in.IdentifierFromPurchaser) > 26 {
		return faults.New(faults.InvalidArgument, "identifierFromPurchaser must be 14 to 26 hex characters")
	}
	return nil
}

// CreatePayment registers a seller-side escrow expectation. The adapter
// reads run before the database transaction opens; see the concurrency
// notes on the store package.
func (o *Orchestrator) CreatePayment(ctx context.Context, in CreatePaymentInput) (*models.Payment, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	windows, err := resolveWindows(o.now(), in.PayByTime, in.SubmitResultTime, in.UnlockTime, in.ExternalDisputeUnlock)
	if err != nil {
		return nil, err
	}

	source, err := o.store.PaymentSourceByPolicy(ctx, in.Network, policyID(in.AgentIdentifier))
	if err != nil {
		if err == store.ErrNotFound {
			return nil, faults.New(faults.NotFound, "no payment source for network %s and policy %s", in.Network, policyID(in.AgentIdentifier))
		}
		return nil, faults.Wrap(faults.Internal, err, "resolve payment source")
	}

	holder, err := o.adapter.AssetHolder(ctx, string(in.Network), in.AgentIdentifier)
	if err != nil {
		return nil, adapterFault(err, "resolve agent asset holder")
	}
	sellingWallet := matchWallet(source, holder.Address, models.WalletSelling)
	if sellingWallet == nil {
		return nil, faults.New(faults.NotFound, "agent asset is not held by a selling wallet of this payment source")
	}
	meta, err := o.adapter.AgentMetadata(ctx, string(in.Network), in.AgentIdentifier)
	if err != nil {
		return nil, adapterFault(err, "fetch agent metadata")
	}
	if meta.Pricing.PricingType.String() != string(models.PricingFixed) {
		return nil, faults.New(faults.Unsupported, "pricingType %q is not supported", meta.Pricing.PricingType)
	}

	funds := make([]models.UnitValue, 0, len(meta.Pricing.FixedPricing))
	for _, price := range meta.Pricing.FixedPricing {
		funds = append(funds, models.UnitValue{Unit: price.Unit.String(), Amount: price.Amount.String()})
	}

	sellerIdentifier := identifier.NewSellerIdentifier(in.AgentIdentifier)
	preimage := identifier.Preimage{
		InputHash:                 in.InputHash,
		AgentIdentifier:           in.AgentIdentifier,
		PurchaserIdentifier:       in.IdentifierFromPurchaser,
		SellerIdentifier:          sellerIdentifier,
		PayByTime:                 windows.PayByTime,
		SubmitResultTime:          windows.SubmitResultTime,
		UnlockTime:                windows.UnlockTime,
		ExternalDisputeUnlockTime: windows.ExternalDisputeUnlockTime,
		SellerAddress:             sellingWallet.WalletAddress,
	}
	token, err := identifier.Encode(ctx, o.signer, sellingWallet.WalletAddress, preimage)
	if err != nil {
		return nil, faults.Wrap(faults.Internal, err, "encode blockchain identifier")
	}

	payment := models.Payment{
		PaymentSourceID:           source.ID,
		BlockchainIdentifier:      token,
		AgentIdentifier:           in.AgentIdentifier,
		InputHash:                 in.InputHash,
		SmartContractWalletID:     &sellingWallet.ID,
		PayByTime:                 windows.PayByTime,
		SubmitResultTime:          windows.SubmitResultTime,
		UnlockTime:                windows.UnlockTime,
		ExternalDisputeUnlockTime: windows.ExternalDisputeUnlockTime,
		RequestedByID:             in.RequestedBy,
		Metadata:                  in.Metadata,
	}
	if err := o.store.CreatePayment(ctx, &payment, funds, lifecycle.ActionWaitingForExternalAction); err != nil {
		if isUniqueViolation(err) {
			return nil, faults.New(faults.Conflict, "payment with this blockchain identifier already exists")
		}
		return nil, faults.Wrap(faults.Internal, err, "persist payment")
	}
	o.logger.Info("payment created",
		"paymentId", payment.ID,
		"network", in.Network,
		"agentIdentifier", in.AgentIdentifier)
	return o.store.PaymentByID(ctx, payment.ID, false)
}

// SubmitPaymentResult hash-commits the seller's result and queues the
// on-chain submit.
func (o *Orchestrator) SubmitPaymentResult(ctx context.Context, network models.Network, blockchainIdentifier, resultHash string) (*models.Payment, error) {
	if !isLowerHex(resultHash) || len(resultHash) != 64 {
		return nil, faults.New(faults.InvalidArgument, "resultHash must be 64 hex characters")
	}
	return o.paymentTransition(ctx, network, blockchainIdentifier, models.PaymentActionData{
		RequestedAction: lifecycle.ActionSubmitResultRequested,
		ResultHash:      &resultHash,
	}, []lifecycle.OnChainState{
		lifecycle.StateFundsLocked, lifecycle.StateRefundRequested, lifecycle.StateDisputed,
	})
}

// AuthorizePaymentRefund lets the seller approve a buyer's refund request.
func (o *Orchestrator) AuthorizePaymentRefund(ctx context.Context, network models.Network, blockchainIdentifier string) (*models.Payment, error) {
	return o.paymentTransition(ctx, network, blockchainIdentifier, models.PaymentActionData{
		RequestedAction: lifecycle.ActionAuthorizeRefundRequested,
	}, []lifecycle.OnChainState{
		lifecycle.StateRefundRequested, lifecycle.StateDisputed,
	})
}

// paymentTransition runs a guarded NextAction append on a payment resolved
// by identifier. The guard re-checks preconditions under the row lock.
func (o *Orchestrator) paymentTransition(ctx context.Context, network models.Network, blockchainIdentifier string, action models.PaymentActionData, allowedStates []lifecycle.OnChainState) (*models.Payment, error) {
	payment, err := o.resolvePayment(ctx, network, blockchainIdentifier)
	if err != nil {
		return nil, err
	}
	_, err = o.store.AppendPaymentAction(ctx, payment.ID, action, func(locked *models.Payment) error {
		return checkTransitionPreconditions(
			locked.NextAction.RequestedAction,
			locked.OnChainState,
			locked.CurrentTransactionID,
			allowedStates,
		)
	})
	if err != nil {
		if _, ok := err.(*faults.Error); ok {
			return nil, err
		}
		return nil, faults.Wrap(faults.Internal, err, "append next action")
	}
	return o.store.PaymentByID(ctx, payment.ID, false)
}

// RecoverPayment resets a payment stuck in manual review.
func (o *Orchestrator) RecoverPayment(ctx context.Context, network models.Network, blockchainIdentifier string) (*models.Payment, error) {
	payment, err := o.resolvePayment(ctx, network, blockchainIdentifier)
	if err != nil {
		return nil, err
	}
	if payment.NextAction == nil ||
		payment.NextAction.RequestedAction != lifecycle.ActionWaitingForManualAction ||
		payment.NextAction.ErrorType == nil {
		return nil, faults.New(faults.PreconditionFailed, "payment is not waiting for manual action")
	}
	recovered, err := o.store.RecoverPayment(ctx, payment.ID)
	if err != nil {
		return nil, faults.Wrap(faults.Internal, err, "recover payment")
	}
	o.logger.Info("payment recovered", "paymentId", payment.ID)
	return recovered, nil
}

// ResolvePayment is the identifier lookup used by the read surface.
func (o *Orchestrator) ResolvePayment(ctx context.Context, network models.Network, blockchainIdentifier string, includeHistory bool) (*models.Payment, error) {
	payment, err := o.store.PaymentByIdentifier(ctx, blockchainIdentifier, includeHistory)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, faults.New(faults.NotFound, "payment not found")
		}
		return nil, faults.Wrap(faults.Internal, err, "resolve payment")
	}
	if err := o.checkSourceNetwork(ctx, payment.PaymentSourceID, network); err != nil {
		return nil, err
	}
	return payment, nil
}

func (o *Orchestrator) resolvePayment(ctx context.Context, network models.Network, blockchainIdentifier string) (*models.Payment, error) {
	return o.ResolvePayment(ctx, network, blockchainIdentifier, false)
}

func (o *Orchestrator) checkSourceNetwork(ctx context.Context, sourceID uuid.UUID, network models.Network) error {
	source, err := o.store.PaymentSourceByID(ctx, sourceID)
	if err != nil {
		return faults.Wrap(faults.Internal, err, "resolve payment source")
	}
	if source.Network != network {
		return faults.New(faults.NotFound, "entity does not exist on network %s", network)
	}
	return nil
}

// checkTransitionPreconditions is the shared guard for all four refund and
// result operations.
func checkTransitionPreconditions(current lifecycle.NextAction, state *lifecycle.OnChainState, currentTx *uuid.UUID, allowed []lifecycle.OnChainState) error {
	if current != lifecycle.ActionWaitingForExternalAction {
		return faults.New(faults.PreconditionFailed, "entity is busy with action %s", current)
	}
	if currentTx == nil {
		return faults.New(faults.PreconditionFailed, "entity has no confirmed on-chain transaction yet")
	}
	if state == nil {
		return faults.New(faults.PreconditionFailed, "entity has no on-chain state yet")
	}
	for _, s := range allowed {
		if *state == s {
			return nil
		}
	}
	return faults.New(faults.PreconditionFailed, "operation not permitted in on-chain state %s", *state)
}

func matchWallet(source *models.PaymentSource, address string, walletType models.HotWalletType) *models.HotWallet {
	for i := range source.Wallets {
		if source.Wallets[i].Type == walletType && source.Wallets[i].WalletAddress == address {
			return &source.Wallets[i]
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
