package store

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"escrowd/lifecycle"
	"escrowd/models"
)

// ClaimPayments leases payments whose active NextAction is one of the given
// requested actions and runs fn on each while the row lock is held. Each
// entity gets its own transaction so one failed submission never rolls back
// its neighbours. Rows locked by another dispatcher instance are skipped.
func (s *Store) ClaimPayments(ctx context.Context, actions []lifecycle.NextAction, limit int, fn func(tx *gorm.DB, payment *models.Payment) error) (int, error) {
	if limit <= 0 {
		limit = 10
	}
	processed := 0
	seen := make([]uuid.UUID, 0, limit)
	for processed < limit {
		claimed := false
		err := s.Transaction(ctx, func(tx *gorm.DB) error {
			query := lockRowSkip(tx.Model(&models.Payment{})).
				Joins("JOIN payment_action_data ON payment_action_data.id = payments.next_action_id").
				Where("payment_action_data.requested_action IN ?", actions)
			if len(seen) > 0 {
				query = query.Where("payments.id NOT IN ?", seen)
			}
			var payment models.Payment
			if err := query.Order("payments.next_action_last_changed_at ASC").
				First(&payment).Error; err != nil {
				return notFound(err)
			}
			if err := tx.Preload("NextAction").Preload("Funds").
				First(&payment, "id = ?", payment.ID).Error; err != nil {
				return err
			}
			seen = append(seen, payment.ID)
			claimed = true
			return fn(tx, &payment)
		})
		if err == ErrNotFound {
			break
		}
		if err != nil {
			if claimed {
				// fn failed; its transaction rolled back but the row stays
				// excluded for this pass.
				continue
			}
			return processed, err
		}
		processed++
	}
	return processed, nil
}

// ClaimPurchases is the purchase-side twin of ClaimPayments.
func (s *Store) ClaimPurchases(ctx context.Context, actions []lifecycle.NextAction, limit int, fn func(tx *gorm.DB, purchase *models.Purchase) error) (int, error) {
	if limit <= 0 {
		limit = 10
	}
	processed := 0
	seen := make([]uuid.UUID, 0, limit)
	for processed < limit {
		claimed := false
		err := s.Transaction(ctx, func(tx *gorm.DB) error {
			query := lockRowSkip(tx.Model(&models.Purchase{})).
				Joins("JOIN purchase_action_data ON purchase_action_data.id = purchases.next_action_id").
				Where("purchase_action_data.requested_action IN ?", actions)
			if len(seen) > 0 {
				query = query.Where("purchases.id NOT IN ?", seen)
			}
			var purchase models.Purchase
			if err := query.Order("purchases.next_action_last_changed_at ASC").
				First(&purchase).Error; err != nil {
				return notFound(err)
			}
			if err := tx.Preload("NextAction").Preload("Funds").
				First(&purchase, "id = ?", purchase.ID).Error; err != nil {
				return err
			}
			seen = append(seen, purchase.ID)
			claimed = true
			return fn(tx, &purchase)
		})
		if err == ErrNotFound {
			break
		}
		if err != nil {
			if claimed {
				continue
			}
			return processed, err
		}
		processed++
	}
	return processed, nil
}

// ClaimRegistrations leases registry requests in one of the given states and
// runs fn on each under the row lock.
func (s *Store) ClaimRegistrations(ctx context.Context, states []lifecycle.RegistrationState, limit int, fn func(tx *gorm.DB, request *models.RegistryRequest) error) (int, error) {
	if limit <= 0 {
		limit = 10
	}
	processed := 0
	seen := make([]uuid.UUID, 0, limit)
	for processed < limit {
		claimed := false
		err := s.Transaction(ctx, func(tx *gorm.DB) error {
			query := lockRowSkip(tx.Model(&models.RegistryRequest{})).
				Where("state IN ?", states)
			if len(seen) > 0 {
				query = query.Where("id NOT IN ?", seen)
			}
			var request models.RegistryRequest
			if err := query.Order("next_action_last_changed_at ASC").
				First(&request).Error; err != nil {
				return notFound(err)
			}
			if err := registryPreloads(tx).First(&request, "id = ?", request.ID).Error; err != nil {
				return err
			}
			seen = append(seen, request.ID)
			claimed = true
			return fn(tx, &request)
		})
		if err == ErrNotFound {
			break
		}
		if err != nil {
			if claimed {
				continue
			}
			return processed, err
		}
		processed++
	}
	return processed, nil
}
