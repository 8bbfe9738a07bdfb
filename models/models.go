package models

import (
	"math/big"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"escrowd/lifecycle"
)

// Network identifies the Cardano network a payment source is deployed on.
type Network string

const (
	NetworkMainnet Network = "Mainnet"
	NetworkPreprod Network = "Preprod"
)

// Valid reports whether the network value is supported.
func (n Network) Valid() bool {
	return n == NetworkMainnet || n == NetworkPreprod
}

// HotWalletType distinguishes seller-side and buyer-side server wallets.
type HotWalletType string

const (
	WalletSelling    HotWalletType = "Selling"
	WalletPurchasing HotWalletType = "Purchasing"
)

// TransactionStatus tracks the lifecycle of a submitted chain transaction.
type TransactionStatus string

const (
	TxPending              TransactionStatus = "Pending"
	TxConfirmed            TransactionStatus = "Confirmed"
	TxFailedViaManualReset TransactionStatus = "FailedViaManualReset"
)

// PaymentSource is a deployed escrow smart-contract instance on one network.
type PaymentSource struct {
	ID                   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Network              Network   `gorm:"size:16;index:idx_source_addr"`
	SmartContractAddress string    `gorm:"size:128;index:idx_source_addr"`
	PolicyID             *string   `gorm:"size:56;index"`
	FeeRatePermille      int       `gorm:"not null"`
	DeletedAt            gorm.DeletedAt
	CreatedAt            time.Time
	UpdatedAt            time.Time

	Config  PaymentSourceConfig
	Wallets []HotWallet
}

// PaymentSourceConfig holds per-source indexer credentials.
type PaymentSourceConfig struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	PaymentSourceID   uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	RPCProviderAPIKey string    `gorm:"size:128"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HotWallet is a server-managed wallet scoped to exactly one payment source.
type HotWallet struct {
	ID              uuid.UUID     `gorm:"type:uuid;primaryKey"`
	PaymentSourceID uuid.UUID     `gorm:"type:uuid;index"`
	WalletVkey      string        `gorm:"size:56;index"`
	WalletAddress   string        `gorm:"size:128;index"`
	Type            HotWalletType `gorm:"size:16"`
	DeletedAt       gorm.DeletedAt
	CreatedAt       time.Time
	UpdatedAt       time.Time

	Secret HotWalletSecret
}

// HotWalletSecret stores the encrypted mnemonic for a hot wallet.
type HotWalletSecret struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	HotWalletID       uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	EncryptedMnemonic string    `gorm:"type:text"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// UnitValueRole marks which ledger a unit/amount pair belongs to.
type UnitValueRole string

const (
	RoleRequestedFunds     UnitValueRole = "RequestedFunds"
	RolePaidFunds          UnitValueRole = "PaidFunds"
	RoleWithdrawnForSeller UnitValueRole = "WithdrawnForSeller"
	RoleWithdrawnForBuyer  UnitValueRole = "WithdrawnForBuyer"
)

// UnitValue is a single (unit, amount) pair in one of the fund ledgers. The
// empty unit denotes lovelace. Amounts are decimal strings to keep arbitrary
// precision through the database round-trip.
type UnitValue struct {
	ID         uuid.UUID     `gorm:"type:uuid;primaryKey"`
	PaymentID  *uuid.UUID    `gorm:"type:uuid;index"`
	PurchaseID *uuid.UUID    `gorm:"type:uuid;index"`
	Role       UnitValueRole `gorm:"size:24;index"`
	Unit       string        `gorm:"size:128"`
	Amount     string        `gorm:"size:64"`
	Position   int
	CreatedAt  time.Time
}

// AmountInt returns the amount as a big integer, zero when unparsable.
func (v UnitValue) AmountInt() *big.Int {
	n, ok := new(big.Int).SetString(v.Amount, 10)
	if !ok {
		return big.NewInt(0)
	}
	return n
}

// Payment is the seller-side escrow record.
type Payment struct {
	ID                   uuid.UUID `gorm:"type:uuid;primaryKey"`
	PaymentSourceID      uuid.UUID `gorm:"type:uuid;index"`
	BlockchainIdentifier string    `gorm:"type:text;uniqueIndex:idx_payment_identifier,length:512"`
	AgentIdentifier      string    `gorm:"size:512;index"`
	InputHash            string    `gorm:"size:64"`
	ResultHash           string    `gorm:"size:64"`
	SmartContractWalletID *uuid.UUID `gorm:"type:uuid"`

	PayByTime                 int64
	SubmitResultTime          int64
	UnlockTime                int64
	ExternalDisputeUnlockTime int64

	OnChainState *lifecycle.OnChainState `gorm:"size:32;index"`

	NextActionID         *uuid.UUID `gorm:"type:uuid"`
	CurrentTransactionID *uuid.UUID `gorm:"type:uuid"`

	TotalSellerCardanoFees string `gorm:"size:64;default:0"`
	TotalBuyerCardanoFees  string `gorm:"size:64;default:0"`

	RequestedByID uuid.UUID `gorm:"type:uuid;index"`
	Metadata      *string   `gorm:"type:text"`

	CreatedAt                                time.Time
	UpdatedAt                                time.Time
	NextActionLastChangedAt                  time.Time `gorm:"index"`
	OnChainStateOrResultLastChangedAt        time.Time `gorm:"index"`
	NextActionOrOnChainStateOrResultLastChangedAt time.Time `gorm:"index"`

	NextAction         *PaymentActionData `gorm:"foreignKey:NextActionID;references:ID"`
	CurrentTransaction *Transaction       `gorm:"foreignKey:CurrentTransactionID;references:ID"`
	Funds              []UnitValue        `gorm:"foreignKey:PaymentID"`
	Transactions       []Transaction      `gorm:"foreignKey:PaymentID"`
	ActionHistory      []PaymentActionData `gorm:"foreignKey:PaymentID"`
}

// Purchase is the buyer-side mirror of a payment. It links to the seller's
// record only through the shared blockchain identifier.
type Purchase struct {
	ID                   uuid.UUID `gorm:"type:uuid;primaryKey"`
	PaymentSourceID      uuid.UUID `gorm:"type:uuid;index"`
	BlockchainIdentifier string    `gorm:"type:text;uniqueIndex:idx_purchase_identifier,length:512"`
	AgentIdentifier      string    `gorm:"size:512;index"`
	InputHash            string    `gorm:"size:64"`
	ResultHash           string    `gorm:"size:64"`

	SellerVkey            string     `gorm:"size:56"`
	SellerAddress         string     `gorm:"size:128"`
	SmartContractWalletID *uuid.UUID `gorm:"type:uuid"`

	PayByTime                 int64
	SubmitResultTime          int64
	UnlockTime                int64
	ExternalDisputeUnlockTime int64

	OnChainState *lifecycle.OnChainState `gorm:"size:32;index"`

	NextActionID         *uuid.UUID `gorm:"type:uuid"`
	CurrentTransactionID *uuid.UUID `gorm:"type:uuid"`

	TotalSellerCardanoFees   string `gorm:"size:64;default:0"`
	TotalBuyerCardanoFees    string `gorm:"size:64;default:0"`
	CollateralReturnLovelace string `gorm:"size:64;default:0"`

	RequestedByID uuid.UUID `gorm:"type:uuid;index"`
	Metadata      *string   `gorm:"type:text"`

	CreatedAt                                time.Time
	UpdatedAt                                time.Time
	NextActionLastChangedAt                  time.Time `gorm:"index"`
	OnChainStateOrResultLastChangedAt        time.Time `gorm:"index"`
	NextActionOrOnChainStateOrResultLastChangedAt time.Time `gorm:"index"`

	NextAction         *PurchaseActionData `gorm:"foreignKey:NextActionID;references:ID"`
	CurrentTransaction *Transaction        `gorm:"foreignKey:CurrentTransactionID;references:ID"`
	Funds              []UnitValue         `gorm:"foreignKey:PurchaseID"`
	Transactions       []Transaction       `gorm:"foreignKey:PurchaseID"`
	ActionHistory      []PurchaseActionData `gorm:"foreignKey:PurchaseID"`
}

// Transaction records one submitted or observed chain transaction.
type Transaction struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey"`
	PaymentID  *uuid.UUID `gorm:"type:uuid;index"`
	PurchaseID *uuid.UUID `gorm:"type:uuid;index"`

	TxHash        string            `gorm:"size:64;index:idx_tx_hash"`
	Status        TransactionStatus `gorm:"size:24;index"`
	FeesLovelace  string            `gorm:"size:64;default:0"`
	BlockHeight   uint64
	BlockTime     int64
	Confirmations uint64

	PreviousOnChainState *lifecycle.OnChainState `gorm:"size:32"`
	NewOnChainState      *lifecycle.OnChainState `gorm:"size:32"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PaymentActionData is one NextAction row in a payment's action history. The
// payment's NextActionID points at the single active row.
type PaymentActionData struct {
	ID              uuid.UUID                  `gorm:"type:uuid;primaryKey"`
	PaymentID       uuid.UUID                  `gorm:"type:uuid;index"`
	RequestedAction lifecycle.NextAction       `gorm:"size:40;index"`
	ErrorType       *lifecycle.ActionErrorType `gorm:"size:32"`
	ErrorNote       *string                    `gorm:"type:text"`
	ResultHash      *string                    `gorm:"size:64"`
	RetryCount      int
	CreatedAt       time.Time
}

// PurchaseActionData is the purchase-side action history row.
type PurchaseActionData struct {
	ID              uuid.UUID                  `gorm:"type:uuid;primaryKey"`
	PurchaseID      uuid.UUID                  `gorm:"type:uuid;index"`
	RequestedAction lifecycle.NextAction       `gorm:"size:40;index"`
	ErrorType       *lifecycle.ActionErrorType `gorm:"size:32"`
	ErrorNote       *string                    `gorm:"type:text"`
	RetryCount      int
	CreatedAt       time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&PaymentSource{},
		&PaymentSourceConfig{},
		&HotWallet{},
		&HotWalletSecret{},
		&APIKey{},
		&APIKeyUnitValue{},
		&Payment{},
		&Purchase{},
		&UnitValue{},
		&Transaction{},
		&PaymentActionData{},
		&PurchaseActionData{},
		&RegistryRequest{},
		&Pricing{},
		&FixedPricingAmount{},
		&ExampleOutput{},
		&WebhookEndpoint{},
		&ReconcilerCursor{},
	)
}
