package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"escrowd/lifecycle"
	"escrowd/models"
)

func registryPreloads(tx *gorm.DB) *gorm.DB {
	return tx.Preload("Pricing").Preload("Pricing.FixedAmounts").Preload("ExampleOutputs")
}

// CreateRegistryRequest persists a registration draft with its pricing and
// example outputs, seeded into the mint-requested state.
func (s *Store) CreateRegistryRequest(ctx context.Context, request *models.RegistryRequest, pricing models.Pricing, outputs []models.ExampleOutput) error {
	now := s.now()
	return s.Transaction(ctx, func(tx *gorm.DB) error {
		if request.ID == uuid.Nil {
			request.ID = uuid.New()
		}
		request.State = lifecycle.RegistrationRequested
		request.NextActionLastChangedAt = now
		request.OnChainStateOrResultLastChangedAt = now
		request.NextActionOrOnChainStateOrResultLastChangedAt = now
		if err := tx.Create(request).Error; err != nil {
			return fmt.Errorf("store: create registry request: %w", err)
		}
		pricing.ID = uuid.New()
		pricing.RegistryRequestID = request.ID
		if err := tx.Create(&pricing).Error; err != nil {
			return fmt.Errorf("store: create pricing: %w", err)
		}
		for i := range pricing.FixedAmounts {
			pricing.FixedAmounts[i].ID = uuid.New()
			pricing.FixedAmounts[i].PricingID = pricing.ID
			pricing.FixedAmounts[i].Position = i
		}
		if len(pricing.FixedAmounts) > 0 {
			if err := tx.Create(&pricing.FixedAmounts).Error; err != nil {
				return fmt.Errorf("store: create pricing amounts: %w", err)
			}
		}
		for i := range outputs {
			outputs[i].ID = uuid.New()
			outputs[i].RegistryRequestID = request.ID
		}
		if len(outputs) > 0 {
			if err := tx.Create(&outputs).Error; err != nil {
				return fmt.Errorf("store: create example outputs: %w", err)
			}
		}
		return nil
	})
}

// RegistryRequestByID resolves one registration with its pricing tree.
func (s *Store) RegistryRequestByID(ctx context.Context, id uuid.UUID) (*models.RegistryRequest, error) {
	var request models.RegistryRequest
	err := registryPreloads(s.db.WithContext(ctx)).First(&request, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &request, nil
}

// RegistryRequestByAgent resolves a confirmed registration by its on-chain
// agent identifier.
func (s *Store) RegistryRequestByAgent(ctx context.Context, agentIdentifier string) (*models.RegistryRequest, error) {
	var request models.RegistryRequest
	err := registryPreloads(s.db.WithContext(ctx)).
		First(&request, "agent_identifier = ?", agentIdentifier).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &request, nil
}

// ListRegistryRequests pages registrations newest first with an id cursor.
func (s *Store) ListRegistryRequests(ctx context.Context, network models.Network, states []lifecycle.RegistrationState, cursorID *uuid.UUID, limit int) ([]models.RegistryRequest, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	tx := s.db.WithContext(ctx).Model(&models.RegistryRequest{})
	if network != "" {
		tx = tx.Joins("JOIN payment_sources ON payment_sources.id = registry_requests.payment_source_id").
			Where("payment_sources.network = ?", network)
	}
	if len(states) > 0 {
		tx = tx.Where("registry_requests.state IN ?", states)
	}
	if cursorID != nil {
		var cursor models.RegistryRequest
		if err := s.db.WithContext(ctx).Select("created_at", "id").First(&cursor, "id = ?", *cursorID).Error; err != nil {
			return nil, notFound(err)
		}
		tx = tx.Where("(registry_requests.created_at < ?) OR (registry_requests.created_at = ? AND registry_requests.id < ?)",
			cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}
	var requests []models.RegistryRequest
	err := registryPreloads(tx).
		Order("registry_requests.created_at DESC, registry_requests.id DESC").
		Limit(limit).Find(&requests).Error
	if err != nil {
		return nil, err
	}
	return requests, nil
}

// TransitionRegistryRequest moves a registration through its lifecycle under
// a row lease. Illegal moves are rejected before anything is written.
func (s *Store) TransitionRegistryRequest(ctx context.Context, id uuid.UUID, next lifecycle.RegistrationState, mutate func(request *models.RegistryRequest)) (*models.RegistryRequest, error) {
	now := s.now()
	err := s.Transaction(ctx, func(tx *gorm.DB) error {
		var request models.RegistryRequest
		if err := lockRow(tx).First(&request, "id = ?", id).Error; err != nil {
			return notFound(err)
		}
		if err := lifecycle.ValidateRegistrationTransition(request.State, next); err != nil {
			return err
		}
		request.State = next
		if mutate != nil {
			mutate(&request)
		}
		request.NextActionLastChangedAt = maxTime(request.NextActionLastChangedAt, now)
		request.OnChainStateOrResultLastChangedAt = maxTime(request.OnChainStateOrResultLastChangedAt, now)
		request.NextActionOrOnChainStateOrResultLastChangedAt = maxTime(request.NextActionOrOnChainStateOrResultLastChangedAt, now)
		return tx.Save(&request).Error
	})
	if err != nil {
		return nil, err
	}
	return s.RegistryRequestByID(ctx, id)
}

// DeleteRegistryRequest removes a registration draft. Only drafts that never
// reached the chain can be deleted.
func (s *Store) DeleteRegistryRequest(ctx context.Context, id uuid.UUID) error {
	return s.Transaction(ctx, func(tx *gorm.DB) error {
		var request models.RegistryRequest
		if err := lockRow(tx).First(&request, "id = ?", id).Error; err != nil {
			return notFound(err)
		}
		if !request.State.Deletable() {
			return fmt.Errorf("store: registration in state %s cannot be deleted", request.State)
		}
		if err := tx.Where("pricing_id IN (?)",
			tx.Session(&gorm.Session{NewDB: true}).Model(&models.Pricing{}).Select("id").Where("registry_request_id = ?", id),
		).Delete(&models.FixedPricingAmount{}).Error; err != nil {
			return err
		}
		if err := tx.Where("registry_request_id = ?", id).Delete(&models.Pricing{}).Error; err != nil {
			return err
		}
		if err := tx.Where("registry_request_id = ?", id).Delete(&models.ExampleOutput{}).Error; err != nil {
			return err
		}
		return tx.Delete(&request).Error
	})
}
