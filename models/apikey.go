package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// APIKeyPermission scopes what an API key may do.
type APIKeyPermission string

const (
	PermissionRead       APIKeyPermission = "Read"
	PermissionReadAndPay APIKeyPermission = "ReadAndPay"
	PermissionAdmin      APIKeyPermission = "Admin"
)

// APIKeyStatus marks whether a key is usable.
type APIKeyStatus string

const (
	APIKeyActive  APIKeyStatus = "Active"
	APIKeyRevoked APIKeyStatus = "Revoked"
)

// APIKey authenticates callers of the HTTP surface. Only the SHA-256 of the
// token is stored.
type APIKey struct {
	ID           uuid.UUID        `gorm:"type:uuid;primaryKey"`
	TokenHash    string           `gorm:"size:64;uniqueIndex"`
	TokenPreview string           `gorm:"size:16"`
	Permission   APIKeyPermission `gorm:"size:16"`
	Status       APIKeyStatus     `gorm:"size:16;index"`
	UsageLimited bool
	Network      *Network `gorm:"size:16"`
	CreatedAt    time.Time
	UpdatedAt    time.Time

	Credits []APIKeyUnitValue
}

// APIKeyUnitValue is the remaining credit of a usage-limited key in one unit.
type APIKeyUnitValue struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	APIKeyID  uuid.UUID `gorm:"type:uuid;index"`
	Unit      string    `gorm:"size:128"`
	Amount    string    `gorm:"size:64"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// WebhookEndpoint is a registered subscriber for entity state changes.
type WebhookEndpoint struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	APIKeyID  uuid.UUID `gorm:"type:uuid;index"`
	EventType string    `gorm:"size:64;index"`
	URL       string    `gorm:"size:512"`
	Secret    string    `gorm:"size:128"`
	Active    bool      `gorm:"default:true"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HashToken derives the stored lookup hash for an API token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
