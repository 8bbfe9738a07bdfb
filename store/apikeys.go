package store

import (
	"context"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"escrowd/models"
)

// ErrInsufficientCredits is returned when a usage-limited key cannot cover
// the requested spend.
var ErrInsufficientCredits = fmt.Errorf("store: insufficient credits")

// APIKeyByToken authenticates a raw bearer token against the stored hash.
// Revoked keys resolve to ErrNotFound.
func (s *Store) APIKeyByToken(ctx context.Context, token string) (*models.APIKey, error) {
	var key models.APIKey
	err := s.db.WithContext(ctx).Preload("Credits").
		First(&key, "token_hash = ? AND status = ?", models.HashToken(token), models.APIKeyActive).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &key, nil
}

// CreateAPIKey stores a new key. The caller keeps the raw token; only its
// hash and a short preview survive here.
func (s *Store) CreateAPIKey(ctx context.Context, token string, permission models.APIKeyPermission, usageLimited bool, network *models.Network, credits []models.APIKeyUnitValue) (*models.APIKey, error) {
	preview := token
	if len(preview) > 8 {
		preview = preview[:8]
	}
	key := models.APIKey{
		ID:           uuid.New(),
		TokenHash:    models.HashToken(token),
		TokenPreview: preview,
		Permission:   permission,
		Status:       models.APIKeyActive,
		UsageLimited: usageLimited,
		Network:      network,
	}
	err := s.Transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&key).Error; err != nil {
			return fmt.Errorf("store: create api key: %w", err)
		}
		for i := range credits {
			credits[i].ID = uuid.New()
			credits[i].APIKeyID = key.ID
		}
		if len(credits) > 0 {
			if err := tx.Create(&credits).Error; err != nil {
				return fmt.Errorf("store: create api key credits: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	key.Credits = credits
	return &key, nil
}

// ListAPIKeys returns all keys with their credit balances.
func (s *Store) ListAPIKeys(ctx context.Context, limit int) ([]models.APIKey, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var keys []models.APIKey
	err := s.db.WithContext(ctx).Preload("Credits").
		Order("created_at DESC, id DESC").Limit(limit).Find(&keys).Error
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// RevokeAPIKey deactivates a key.
func (s *Store) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).Model(&models.APIKey{}).
		Where("id = ?", id).Update("status", models.APIKeyRevoked)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SpendCredits deducts the given unit amounts from a usage-limited key. The
// whole deduction runs serializable so concurrent spends cannot overdraw.
// Keys without usage limits pass through untouched.
func (s *Store) SpendCredits(ctx context.Context, keyID uuid.UUID, amounts []models.UnitValue) error {
	if len(amounts) == 0 {
		return nil
	}
	return s.Serializable(ctx, func(tx *gorm.DB) error {
		var key models.APIKey
		if err := tx.First(&key, "id = ?", keyID).Error; err != nil {
			return notFound(err)
		}
		if !key.UsageLimited {
			return nil
		}
		for _, spend := range amounts {
			var credit models.APIKeyUnitValue
			err := tx.First(&credit, "api_key_id = ? AND unit = ?", keyID, spend.Unit).Error
			if err != nil {
				if err == gorm.ErrRecordNotFound {
					return fmt.Errorf("%w: no credit in unit %q", ErrInsufficientCredits, spend.Unit)
				}
				return err
			}
			balance, ok := new(big.Int).SetString(credit.Amount, 10)
			if !ok {
				return fmt.Errorf("store: corrupt credit balance %q", credit.Amount)
			}
			delta := spend.AmountInt()
			if balance.Cmp(delta) < 0 {
				return fmt.Errorf("%w: unit %q has %s, need %s", ErrInsufficientCredits, spend.Unit, balance, delta)
			}
			remaining := new(big.Int).Sub(balance, delta)
			if err := tx.Model(&credit).Update("amount", remaining.String()).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// RefundCredits returns unit amounts to a usage-limited key, creating the
// credit row when the unit is new.
func (s *Store) RefundCredits(ctx context.Context, keyID uuid.UUID, amounts []models.UnitValue) error {
	if len(amounts) == 0 {
		return nil
	}
	return s.Serializable(ctx, func(tx *gorm.DB) error {
		var key models.APIKey
		if err := tx.First(&key, "id = ?", keyID).Error; err != nil {
			return notFound(err)
		}
		if !key.UsageLimited {
			return nil
		}
		for _, refund := range amounts {
			var credit models.APIKeyUnitValue
			err := tx.First(&credit, "api_key_id = ? AND unit = ?", keyID, refund.Unit).Error
			if err == gorm.ErrRecordNotFound {
				credit = models.APIKeyUnitValue{
					ID:       uuid.New(),
					APIKeyID: keyID,
					Unit:     refund.Unit,
					Amount:   refund.AmountInt().String(),
				}
				if err := tx.Create(&credit).Error; err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}
			balance, ok := new(big.Int).SetString(credit.Amount, 10)
			if !ok {
				return fmt.Errorf("store: corrupt credit balance %q", credit.Amount)
			}
			total := new(big.Int).Add(balance, refund.AmountInt())
			if err := tx.Model(&credit).Update("amount", total.String()).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// Webhook endpoints ride on the api key table for ownership.

// CreateWebhookEndpoint registers a subscriber URL for an event type.
func (s *Store) CreateWebhookEndpoint(ctx context.Context, endpoint *models.WebhookEndpoint) error {
	if endpoint.ID == uuid.Nil {
		endpoint.ID = uuid.New()
	}
	endpoint.Active = true
	return s.db.WithContext(ctx).Create(endpoint).Error
}

// WebhookEndpointsForEvent lists active subscribers for an event type.
func (s *Store) WebhookEndpointsForEvent(ctx context.Context, eventType string) ([]models.WebhookEndpoint, error) {
	var endpoints []models.WebhookEndpoint
	err := s.db.WithContext(ctx).
		Where("event_type = ? AND active = ?", eventType, true).
		Find(&endpoints).Error
	if err != nil {
		return nil, err
	}
	return endpoints, nil
}

// WebhookEndpointsForKey lists the endpoints registered by one API key.
func (s *Store) WebhookEndpointsForKey(ctx context.Context, apiKeyID uuid.UUID) ([]models.WebhookEndpoint, error) {
	var endpoints []models.WebhookEndpoint
	err := s.db.WithContext(ctx).
		Where("api_key_id = ?", apiKeyID).
		Order("created_at ASC").Find(&endpoints).Error
	if err != nil {
		return nil, err
	}
	return endpoints, nil
}

// DeleteWebhookEndpoint removes a subscriber owned by the given key.
func (s *Store) DeleteWebhookEndpoint(ctx context.Context, id, apiKeyID uuid.UUID) error {
	result := s.db.WithContext(ctx).
		Where("id = ? AND api_key_id = ?", id, apiKeyID).
		Delete(&models.WebhookEndpoint{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
