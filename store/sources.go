package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"escrowd/models"
)

// CreatePaymentSource persists a contract instance with its indexer config
// and hot wallets.
func (s *Store) CreatePaymentSource(ctx context.Context, source *models.PaymentSource, config models.PaymentSourceConfig, wallets []models.HotWallet) error {
	return s.Transaction(ctx, func(tx *gorm.DB) error {
		if source.ID == uuid.Nil {
			source.ID = uuid.New()
		}
		if err := tx.Create(source).Error; err != nil {
			return fmt.Errorf("store: create payment source: %w", err)
		}
		config.ID = uuid.New()
		config.PaymentSourceID = source.ID
		if err := tx.Create(&config).Error; err != nil {
			return fmt.Errorf("store: create source config: %w", err)
		}
		for i := range wallets {
			wallets[i].ID = uuid.New()
			wallets[i].PaymentSourceID = source.ID
			if err := tx.Create(&wallets[i]).Error; err != nil {
				return fmt.Errorf("store: create hot wallet: %w", err)
			}
			secret := wallets[i].Secret
			if secret.EncryptedMnemonic != "" {
				secret.ID = uuid.New()
				secret.HotWalletID = wallets[i].ID
				if err := tx.Create(&secret).Error; err != nil {
					return fmt.Errorf("store: create wallet secret: %w", err)
				}
			}
		}
		return nil
	})
}

// PaymentSourceByID resolves one source with its config and wallets.
func (s *Store) PaymentSourceByID(ctx context.Context, id uuid.UUID) (*models.PaymentSource, error) {
	var source models.PaymentSource
	err := s.db.WithContext(ctx).Preload("Config").Preload("Wallets").
		First(&source, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &source, nil
}

// PaymentSource resolves the contract instance for a network and address.
func (s *Store) PaymentSource(ctx context.Context, network models.Network, contractAddress string) (*models.PaymentSource, error) {
	var source models.PaymentSource
	err := s.db.WithContext(ctx).Preload("Config").Preload("Wallets").
		First(&source, "network = ? AND smart_contract_address = ?", network, contractAddress).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &source, nil
}

// PaymentSourceByPolicy resolves the contract instance that minted the given
// registry policy on a network.
func (s *Store) PaymentSourceByPolicy(ctx context.Context, network models.Network, policyID string) (*models.PaymentSource, error) {
	var source models.PaymentSource
	err := s.db.WithContext(ctx).Preload("Config").Preload("Wallets").
		First(&source, "network = ? AND policy_id = ?", network, policyID).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &source, nil
}

// PaymentSourceForNetwork resolves the single source on a network, used when
// the caller does not pin a contract address.
func (s *Store) PaymentSourceForNetwork(ctx context.Context, network models.Network) (*models.PaymentSource, error) {
	var sources []models.PaymentSource
	err := s.db.WithContext(ctx).Preload("Config").Preload("Wallets").
		Where("network = ?", network).Limit(2).Find(&sources).Error
	if err != nil {
		return nil, err
	}
	switch len(sources) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return &sources[0], nil
	}
	return nil, fmt.Errorf("store: network %s has multiple sources, contract address required", network)
}

// ListPaymentSources returns all contract instances with their wallets.
func (s *Store) ListPaymentSources(ctx context.Context) ([]models.PaymentSource, error) {
	var sources []models.PaymentSource
	err := s.db.WithContext(ctx).Preload("Config").Preload("Wallets").
		Order("created_at ASC").Find(&sources).Error
	if err != nil {
		return nil, err
	}
	return sources, nil
}

// HotWalletByID resolves a wallet row directly.
func (s *Store) HotWalletByID(ctx context.Context, id uuid.UUID) (*models.HotWallet, error) {
	var wallet models.HotWallet
	err := s.db.WithContext(ctx).Preload("Secret").First(&wallet, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &wallet, nil
}

// HotWallet resolves a wallet by address within a source.
func (s *Store) HotWallet(ctx context.Context, sourceID uuid.UUID, walletType models.HotWalletType) (*models.HotWallet, error) {
	var wallet models.HotWallet
	err := s.db.WithContext(ctx).Preload("Secret").
		First(&wallet, "payment_source_id = ? AND type = ?", sourceID, walletType).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &wallet, nil
}
