package orchestrator

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"escrowd/faults"
	"escrowd/identifier"
	"escrowd/lifecycle"
	"escrowd/models"
	"escrowd/signer"
	"escrowd/store"
)

// CreatePurchaseInput is the buyer-side creation request. All deadline
// fields are mandatory here: the buyer must echo exactly what the seller
// encoded, or the signature check fails.
type CreatePurchaseInput struct {
	Network                   models.Network
	BlockchainIdentifier      string
	AgentIdentifier           string
	IdentifierFromPurchaser   string
	SellerVkey                string
	InputHash                 string
	PayByTime                 int64
	SubmitResultTime          int64
	UnlockTime                int64
	ExternalDisputeUnlockTime int64
	Metadata                  *string
	RequestedBy               uuid.UUID
}

func (in CreatePurchaseInput) validate() error {
	if !in.Network.Valid() {
		return faults.New(faults.InvalidArgument, "unknown network %q", in.Network)
	}
	if in.BlockchainIdentifier == "" {
		return faults.New(faults.InvalidArgument, "blockchainIdentifier is required")
	}
	if !isLowerHex(in.AgentIdentifier) || len(in.AgentIdentifier) < agentIdentifierMinLen {
		return faults.New(faults.InvalidArgument, "agentIdentifier must be lowercase hex of at least %d characters", agentIdentifierMinLen)
	}
	if !isLowerHex(in.InputHash) || len(in.InputHash) != 64 {
		return faults.New(faults.InvalidArgument, "inputHash must be 64 hex characters")
	}
	if !isLowerHex(in.SellerVkey) || len(in.SellerVkey) != 56 {
		return faults.New(faults.InvalidArgument, "sellerVkey must be 56 hex characters")
	}
	if !isLowerHex(in.IdentifierFromPurchaser) ||
		len(in.IdentifierFromPurchaser) < 14 || len(in.IdentifierFromPurchaser) > 26 {
		return faults.New(faults.InvalidArgument, "identifierFromPurchaser must be 14 to 26 hex characters")
	}
	return nil
}

// CreatePurchase materializes the buyer side of an escrow after fully
// independent verification of the identifier token. When the identifier is
// already known the existing record is returned alongside AlreadyExists so
// clients can resume idempotently.
func (o *Orchestrator) CreatePurchase(ctx context.Context, in CreatePurchaseInput) (*models.Purchase, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	if existing, err := o.store.PurchaseByIdentifier(ctx, in.BlockchainIdentifier, false); err == nil {
		return existing, faults.New(faults.AlreadyExists, "purchase with this blockchain identifier already exists")
	} else if err != store.ErrNotFound {
		return nil, faults.Wrap(faults.Internal, err, "check purchase uniqueness")
	}

	windows, err := resolveWindows(o.now(), in.PayByTime, in.SubmitResultTime, &in.UnlockTime, &in.ExternalDisputeUnlockTime)
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

	// Adapter reads happen before any database transaction opens.
	holder, err := o.adapter.AssetHolder(ctx, string(in.Network), in.AgentIdentifier)
	if err != nil {
		return nil, adapterFault(err, "resolve agent asset holder")
	}
	// The identifier signature only proves possession of the supplied vkey;
	// the vkey itself must be the holder's payment credential, or any key
	// could sign an escrow on the agent owner's behalf.
	holderVkey, err := signer.PaymentKeyHashFromAddress(holder.Address)
	if err != nil {
		return nil, faults.Wrap(faults.Internal, err, "decode asset holder address")
	}
	if !strings.EqualFold(holderVkey, in.SellerVkey) {
		return nil, faults.New(faults.SignatureInvalid, "sellerVkey does not match the on-chain asset holder")
	}
	meta, err := o.adapter.AgentMetadata(ctx, string(in.Network), in.AgentIdentifier)
	if err != nil {
		return nil, adapterFault(err, "fetch agent metadata")
	}
	if meta.Pricing.PricingType.String() != string(models.PricingFixed) {
		return nil, faults.New(faults.Unsupported, "pricingType %q is not supported", meta.Pricing.PricingType)
	}

	// Fixed pricing keeps RequestedFunds out of the preimage; both sides
	// derive the amounts from the on-chain metadata.
	decoded, err := identifier.Verify(identifier.VerifyInput{
		BlockchainIdentifier:      in.BlockchainIdentifier,
		AgentIdentifier:           in.AgentIdentifier,
		IdentifierFromPurchaser:   in.IdentifierFromPurchaser,
		SellerVkey:                in.SellerVkey,
		SellerAddress:             holder.Address,
		InputHash:                 in.InputHash,
		PayByTime:                 windows.PayByTime,
		SubmitResultTime:          windows.SubmitResultTime,
		UnlockTime:                windows.UnlockTime,
		ExternalDisputeUnlockTime: windows.ExternalDisputeUnlockTime,
	})
	if err != nil {
		return nil, identifierFault(err)
	}

	funds := make([]models.UnitValue, 0, len(meta.Pricing.FixedPricing))
	hold := make([]models.UnitValue, 0, len(meta.Pricing.FixedPricing))
	for _, price := range meta.Pricing.FixedPricing {
		uv := models.UnitValue{Unit: price.Unit.String(), Amount: price.Amount.String()}
		funds = append(funds, uv)
		hold = append(hold, uv)
	}

	// Credit hold first: an overdrawn key must never leave a purchase row.
	if err := o.store.SpendCredits(ctx, in.RequestedBy, hold); err != nil {
		if errors.Is(err, store.ErrInsufficientCredits) {
			return nil, faults.Wrap(faults.PreconditionFailed, err, "insufficient credits")
		}
		if err == store.ErrNotFound {
			return nil, faults.New(faults.Unauthenticated, "unknown api key")
		}
		return nil, faults.Wrap(faults.Internal, err, "hold credits")
	}

	purchasingWallet := walletOfType(source, models.WalletPurchasing)
	purchase := models.Purchase{
		PaymentSourceID:           source.ID,
		BlockchainIdentifier:      in.BlockchainIdentifier,
		AgentIdentifier:           in.AgentIdentifier,
		InputHash:                 in.InputHash,
		SellerVkey:                in.SellerVkey,
		SellerAddress:             holder.Address,
		PayByTime:                 windows.PayByTime,
		SubmitResultTime:          windows.SubmitResultTime,
		UnlockTime:                windows.UnlockTime,
		ExternalDisputeUnlockTime: windows.ExternalDisputeUnlockTime,
		RequestedByID:             in.RequestedBy,
		Metadata:                  in.Metadata,
	}
	if purchasingWallet != nil {
		purchase.SmartContractWalletID = &purchasingWallet.ID
	}
	if err := o.store.CreatePurchase(ctx, &purchase, funds, lifecycle.ActionWaitingForExternalAction); err != nil {
		// Release the hold; the row never materialized.
		if refundErr := o.store.RefundCredits(ctx, in.RequestedBy, hold); refundErr != nil {
			o.logger.Error("credit hold leaked after failed purchase create",
				"apiKeyId", in.RequestedBy, "error", refundErr)
		}
		if isUniqueViolation(err) {
			if existing, lookupErr := o.store.PurchaseByIdentifier(ctx, in.BlockchainIdentifier, false); lookupErr == nil {
				return existing, faults.New(faults.AlreadyExists, "purchase with this blockchain identifier already exists")
			}
		}
		return nil, faults.Wrap(faults.Internal, err, "persist purchase")
	}
	o.logger.Info("purchase created",
		"purchaseId", purchase.ID,
		"network", in.Network,
		"sellerIdentifier", decoded.SellerIdentifier)
	return o.store.PurchaseByID(ctx, purchase.ID, false)
}

// RequestPurchaseRefund queues the buyer's on-chain refund flag.
func (o *Orchestrator) RequestPurchaseRefund(ctx context.Context, network models.Network, blockchainIdentifier string) (*models.Purchase, error) {
	return o.purchaseTransition(ctx, network, blockchainIdentifier, models.PurchaseActionData{
		RequestedAction: lifecycle.ActionSetRefundRequested,
	}, []lifecycle.OnChainState{
		lifecycle.StateFundsLocked, lifecycle.StateResultSubmitted,
	})
}

// CancelPurchaseRefundRequest withdraws a pending refund flag.
func (o *Orchestrator) CancelPurchaseRefundRequest(ctx context.Context, network models.Network, blockchainIdentifier string) (*models.Purchase, error) {
	return o.purchaseTransition(ctx, network, blockchainIdentifier, models.PurchaseActionData{
		RequestedAction: lifecycle.ActionUnSetRefundRequested,
	}, []lifecycle.OnChainState{
		lifecycle.StateRefundRequested,
	})
}

func (o *Orchestrator) purchaseTransition(ctx context.Context, network models.Network, blockchainIdentifier string, action models.PurchaseActionData, allowedStates []lifecycle.OnChainState) (*models.Purchase, error) {
	purchase, err := o.resolvePurchase(ctx, network, blockchainIdentifier)
	if err != nil {
		return nil, err
	}
	_, err = o.store.AppendPurchaseAction(ctx, purchase.ID, action, func(locked *models.Purchase) error {
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
	return o.store.PurchaseByID(ctx, purchase.ID, false)
}

// RecoverPurchase resets a purchase stuck in manual review.
func (o *Orchestrator) RecoverPurchase(ctx context.Context, network models.Network, blockchainIdentifier string) (*models.Purchase, error) {
	purchase, err := o.resolvePurchase(ctx, network, blockchainIdentifier)
	if err != nil {
		return nil, err
	}
	if purchase.NextAction == nil ||
		purchase.NextAction.RequestedAction != lifecycle.ActionWaitingForManualAction ||
		purchase.NextAction.ErrorType == nil {
		return nil, faults.New(faults.PreconditionFailed, "purchase is not waiting for manual action")
	}
	recovered, err := o.store.RecoverPurchase(ctx, purchase.ID)
	if err != nil {
		return nil, faults.Wrap(faults.Internal, err, "recover purchase")
	}
	o.logger.Info("purchase recovered", "purchaseId", purchase.ID)
	return recovered, nil
}

// ResolvePurchase is the identifier lookup used by the read surface.
func (o *Orchestrator) ResolvePurchase(ctx context.Context, network models.Network, blockchainIdentifier string, includeHistory bool) (*models.Purchase, error) {
	purchase, err := o.store.PurchaseByIdentifier(ctx, blockchainIdentifier, includeHistory)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, faults.New(faults.NotFound, "purchase not found")
		}
		return nil, faults.Wrap(faults.Internal, err, "resolve purchase")
	}
	if err := o.checkSourceNetwork(ctx, purchase.PaymentSourceID, network); err != nil {
		return nil, err
	}
	return purchase, nil
}

func (o *Orchestrator) resolvePurchase(ctx context.Context, network models.Network, blockchainIdentifier string) (*models.Purchase, error) {
	return o.ResolvePurchase(ctx, network, blockchainIdentifier, false)
}

func identifierFault(err error) error {
	switch {
	case errors.Is(err, identifier.ErrSignatureInvalid):
		return faults.Wrap(faults.SignatureInvalid, err, "identifier signature rejected")
	case errors.Is(err, identifier.ErrInvalidFormat),
		errors.Is(err, identifier.ErrAgentMismatch),
		errors.Is(err, identifier.ErrPurchaserMismatch),
		errors.Is(err, identifier.ErrKeyMismatch):
		return faults.Wrap(faults.InvalidArgument, err, "identifier verification failed")
	default:
		return faults.Wrap(faults.Internal, err, "identifier verification")
	}
}

func walletOfType(source *models.PaymentSource, walletType models.HotWalletType) *models.HotWallet {
	for i := range source.Wallets {
		if source.Wallets[i].Type == walletType {
			return &source.Wallets[i]
		}
	}
	return nil
}
