// Package chain defines the contract against the external chain indexer and
// transaction builder. The control plane never derives funds movement from
// raw UTXOs itself; it consumes the indexer's classified view.
package chain

import (
	"context"
	"errors"
	"fmt"
)

// AssetHolder describes the single address holding an agent NFT.
type AssetHolder struct {
	Address  string `json:"address"`
	Quantity string `json:"quantity"`
}

// UnitAmount is one (unit, amount) pair of a transaction output. The empty
// unit denotes lovelace.
type UnitAmount struct {
	Unit   string `json:"unit"`
	Amount string `json:"amount"`
}

// TxObservation is one contract-touching transaction as classified by the
// indexer, including the datum state it left behind.
type TxObservation struct {
	TxHash                   string       `json:"txHash"`
	BlockHeight              uint64       `json:"blockHeight"`
	BlockTime                int64        `json:"blockTime"`
	Confirmations            uint64       `json:"confirmations"`
	BlockchainIdentifier     string       `json:"blockchainIdentifier"`
	State                    string       `json:"state"`
	ResultHash               string       `json:"resultHash"`
	FeesLovelace             string       `json:"feesLovelace"`
	SellerOutputs            []UnitAmount `json:"sellerOutputs"`
	BuyerOutputs             []UnitAmount `json:"buyerOutputs"`
	CollateralReturnLovelace string       `json:"collateralReturnLovelace"`
}

// ActionKind names the transaction the dispatcher asks the builder to
// assemble and submit.
type ActionKind string

const (
	ActionLockFunds        ActionKind = "LockFunds"
	ActionSubmitResult     ActionKind = "SubmitResult"
	ActionAuthorizeRefund  ActionKind = "AuthorizeRefund"
	ActionSetRefundRequest ActionKind = "SetRefundRequested"
	ActionUnsetRefundRequest ActionKind = "UnsetRefundRequested"
	ActionMintRegistry     ActionKind = "MintRegistry"
	ActionBurnRegistry     ActionKind = "BurnRegistry"
)

// ActionRequest carries everything the builder needs for one submission.
type ActionRequest struct {
	Network              string            `json:"network"`
	ContractAddress      string            `json:"contractAddress"`
	Action               ActionKind        `json:"action"`
	BlockchainIdentifier string            `json:"blockchainIdentifier,omitempty"`
	WalletAddress        string            `json:"walletAddress"`
	ResultHash           string            `json:"resultHash,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

// Submission is the builder's acknowledgement of a submitted transaction.
type Submission struct {
	TxHash string `json:"txHash"`
}

// Adapter is the process-wide chain access contract. Implementations hold no
// domain state.
type Adapter interface {
	// AssetHolder resolves the single current holder of an asset unit.
	AssetHolder(ctx context.Context, network, unit string) (*AssetHolder, error)
	// AgentMetadata fetches and decodes the on-chain agent metadata of an
	// asset unit.
	AgentMetadata(ctx context.Context, network, unit string) (*AgentMetadata, error)
	// ContractTransactions lists classified transactions touching the
	// contract address with block time strictly after sinceMillis.
	ContractTransactions(ctx context.Context, network, contractAddress string, sinceMillis int64, limit int) ([]TxObservation, error)
	// SubmitAction builds, signs and submits the requested transaction.
	SubmitAction(ctx context.Context, req ActionRequest) (*Submission, error)
}

// ErrUnavailable marks transport-level indexer failures; callers map it to
// the ChainAdapterUnavailable error kind and retry.
var ErrUnavailable = errors.New("chain: adapter unavailable")

// RequestError is a non-2xx indexer response.
type RequestError struct {
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("chain: request failed with status %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a 404 from the indexer.
func IsNotFound(err error) bool {
	var reqErr *RequestError
	return errors.As(err, &reqErr) && reqErr.StatusCode == 404
}
