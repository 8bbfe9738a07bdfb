package models

import (
	"time"

	"github.com/google/uuid"

	"escrowd/lifecycle"
)

// PricingType is the agent pricing scheme advertised on chain.
type PricingType string

const (
	PricingFixed PricingType = "Fixed"
	PricingFree  PricingType = "Free"
)

// RegistryRequest is an agent registration draft plus its NFT lifecycle.
type RegistryRequest struct {
	ID              uuid.UUID                   `gorm:"type:uuid;primaryKey"`
	PaymentSourceID uuid.UUID                   `gorm:"type:uuid;index"`
	State           lifecycle.RegistrationState `gorm:"size:32;index"`

	// AgentIdentifier stays nil until the mint is confirmed on chain.
	AgentIdentifier *string `gorm:"size:512;index"`

	Name            string `gorm:"size:250"`
	Description     *string `gorm:"type:text"`
	APIBaseURL      string `gorm:"size:250"`
	CapabilityName    *string `gorm:"size:250"`
	CapabilityVersion *string `gorm:"size:64"`
	AuthorName         string  `gorm:"size:250"`
	AuthorContactEmail *string `gorm:"size:250"`
	AuthorContactOther *string `gorm:"size:250"`
	AuthorOrganization *string `gorm:"size:250"`
	PrivacyPolicy *string `gorm:"size:250"`
	Terms         *string `gorm:"size:250"`
	LegalOther    *string `gorm:"size:250"`
	Tags            string `gorm:"type:text"` // comma-separated, validated non-empty
	Image           string `gorm:"size:250"`
	MetadataVersion int    `gorm:"default:1"`

	SmartContractWalletID *uuid.UUID `gorm:"type:uuid"`

	NextActionID         *uuid.UUID `gorm:"type:uuid"`
	CurrentTransactionID *uuid.UUID `gorm:"type:uuid"`
	ErrorNote            *string    `gorm:"type:text"`

	CreatedAt                                time.Time
	UpdatedAt                                time.Time
	NextActionLastChangedAt                  time.Time `gorm:"index"`
	OnChainStateOrResultLastChangedAt        time.Time `gorm:"index"`
	NextActionOrOnChainStateOrResultLastChangedAt time.Time `gorm:"index"`

	Pricing        Pricing
	ExampleOutputs []ExampleOutput
}

// Pricing holds the advertised pricing scheme for a registry request.
type Pricing struct {
	ID                uuid.UUID   `gorm:"type:uuid;primaryKey"`
	RegistryRequestID uuid.UUID   `gorm:"type:uuid;uniqueIndex"`
	PricingType       PricingType `gorm:"size:16"`
	CreatedAt         time.Time

	FixedAmounts []FixedPricingAmount
}

// FixedPricingAmount is one (unit, amount) entry of a fixed price.
type FixedPricingAmount struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	PricingID uuid.UUID `gorm:"type:uuid;index"`
	Unit      string    `gorm:"size:128"`
	Amount    string    `gorm:"size:64"`
	Position  int
	CreatedAt time.Time
}

// ExampleOutput references sample output advertised with a registration.
type ExampleOutput struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	RegistryRequestID uuid.UUID `gorm:"type:uuid;index"`
	Name              string    `gorm:"size:60"`
	URL               string    `gorm:"size:250"`
	MimeType          string    `gorm:"size:60"`
	CreatedAt         time.Time
}

// ReconcilerCursor persists the reconciler's resume point per feed.
type ReconcilerCursor struct {
	Name      string `gorm:"primaryKey;size:32"`
	Timestamp int64
	LastID    string `gorm:"size:64"`
	UpdatedAt time.Time
}
