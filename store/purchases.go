package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"escrowd/lifecycle"
	"escrowd/models"
)

func purchasePreloads(tx *gorm.DB, includeHistory bool) *gorm.DB {
	tx = tx.Preload("NextAction").Preload("CurrentTransaction").Preload("Funds")
	if includeHistory {
		tx = tx.Preload("Transactions").Preload("ActionHistory")
	}
	return tx
}

// CreatePurchase persists a new purchase, its paid-fund rows and the seeding
// NextAction in one transaction.
func (s *Store) CreatePurchase(ctx context.Context, purchase *models.Purchase, funds []models.UnitValue, seed lifecycle.NextAction) error {
	now := s.now()
	return s.Transaction(ctx, func(tx *gorm.DB) error {
		if purchase.ID == uuid.Nil {
			purchase.ID = uuid.New()
		}
		action := models.PurchaseActionData{
			ID:              uuid.New(),
			PurchaseID:      purchase.ID,
			RequestedAction: seed,
			CreatedAt:       now,
		}
		purchase.NextActionID = &action.ID
		purchase.NextActionLastChangedAt = now
		purchase.OnChainStateOrResultLastChangedAt = now
		purchase.NextActionOrOnChainStateOrResultLastChangedAt = now
		if err := tx.Create(purchase).Error; err != nil {
			return fmt.Errorf("store: create purchase: %w", err)
		}
		if err := tx.Create(&action).Error; err != nil {
			return fmt.Errorf("store: create purchase action: %w", err)
		}
		for i := range funds {
			funds[i].ID = uuid.New()
			funds[i].PurchaseID = &purchase.ID
			funds[i].Role = models.RolePaidFunds
			funds[i].Position = i
		}
		if len(funds) > 0 {
			if err := tx.Create(&funds).Error; err != nil {
				return fmt.Errorf("store: create purchase funds: %w", err)
			}
		}
		return nil
	})
}

// PurchaseByIdentifier resolves a purchase by its blockchain identifier.
func (s *Store) PurchaseByIdentifier(ctx context.Context, identifier string, includeHistory bool) (*models.Purchase, error) {
	var purchase models.Purchase
	err := purchasePreloads(s.db.WithContext(ctx), includeHistory).
		First(&purchase, "blockchain_identifier = ?", identifier).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &purchase, nil
}

// PurchaseByID resolves a purchase by primary key.
func (s *Store) PurchaseByID(ctx context.Context, id uuid.UUID, includeHistory bool) (*models.Purchase, error) {
	var purchase models.Purchase
	err := purchasePreloads(s.db.WithContext(ctx), includeHistory).
		First(&purchase, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &purchase, nil
}

// PurchaseQuery filters the purchase listing.
type PurchaseQuery struct {
	Network              models.Network
	SmartContractAddress string
	OnChainStates        []lifecycle.OnChainState
	SearchQuery          string
	CursorID             *uuid.UUID
	Limit                int
	IncludeHistory       bool
}

// ListPurchases pages purchases newest first with an id cursor.
func (s *Store) ListPurchases(ctx context.Context, q PurchaseQuery) ([]models.Purchase, error) {
	limit := q.Limit
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	tx := s.db.WithContext(ctx).Model(&models.Purchase{})
	if q.Network != "" || q.SmartContractAddress != "" {
		tx = tx.Joins("JOIN payment_sources ON payment_sources.id = purchases.payment_source_id")
		if q.Network != "" {
			tx = tx.Where("payment_sources.network = ?", q.Network)
		}
		if q.SmartContractAddress != "" {
			tx = tx.Where("payment_sources.smart_contract_address = ?", q.SmartContractAddress)
		}
	}
	if len(q.OnChainStates) > 0 {
		tx = tx.Where("purchases.on_chain_state IN ?", q.OnChainStates)
	}
	if trimmed := strings.TrimSpace(q.SearchQuery); trimmed != "" {
		like := "%" + trimmed + "%"
		tx = tx.Where("purchases.blockchain_identifier LIKE ? OR purchases.agent_identifier LIKE ?", like, like)
	}
	if q.CursorID != nil {
		var cursor models.Purchase
		if err := s.db.WithContext(ctx).Select("created_at", "id").First(&cursor, "id = ?", *q.CursorID).Error; err != nil {
			return nil, notFound(err)
		}
		tx = tx.Where("(purchases.created_at < ?) OR (purchases.created_at = ? AND purchases.id < ?)",
			cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}
	var purchases []models.Purchase
	err := purchasePreloads(tx, q.IncludeHistory).
		Order("purchases.created_at DESC, purchases.id DESC").
		Limit(limit).
		Find(&purchases).Error
	if err != nil {
		return nil, err
	}
	return purchases, nil
}

// AppendPurchaseAction archives the current NextAction and activates a new
// one under a row lease. A non-nil guard runs on the locked row with its
// associations loaded and can veto the append.
func (s *Store) AppendPurchaseAction(ctx context.Context, purchaseID uuid.UUID, action models.PurchaseActionData, guard func(purchase *models.Purchase) error) (*models.PurchaseActionData, error) {
	now := s.now()
	err := s.Transaction(ctx, func(tx *gorm.DB) error {
		var purchase models.Purchase
		if err := lockRow(tx).First(&purchase, "id = ?", purchaseID).Error; err != nil {
			return notFound(err)
		}
		if guard != nil {
			if err := tx.Preload("NextAction").Preload("CurrentTransaction").
				First(&purchase, "id = ?", purchaseID).Error; err != nil {
				return err
			}
			if err := guard(&purchase); err != nil {
				return err
			}
		}
		action.ID = uuid.New()
		action.PurchaseID = purchaseID
		action.CreatedAt = now
		if err := tx.Create(&action).Error; err != nil {
			return fmt.Errorf("store: append purchase action: %w", err)
		}
		updates := map[string]interface{}{
			"next_action_id":              action.ID,
			"next_action_last_changed_at": maxTime(purchase.NextActionLastChangedAt, now),
			"next_action_or_on_chain_state_or_result_last_changed_at": maxTime(purchase.NextActionOrOnChainStateOrResultLastChangedAt, now),
		}
		return tx.Model(&purchase).Updates(updates).Error
	})
	if err != nil {
		return nil, err
	}
	return &action, nil
}

// RecordPurchaseObservation appends a reconciler-observed transaction and
// advances the on-chain state in one atomic step.
func (s *Store) RecordPurchaseObservation(ctx context.Context, purchaseID uuid.UUID, obs ObservedTransition) error {
	now := s.now()
	return s.Transaction(ctx, func(tx *gorm.DB) error {
		var purchase models.Purchase
		if err := lockRow(tx).First(&purchase, "id = ?", purchaseID).Error; err != nil {
			return notFound(err)
		}
		record := models.Transaction{
			ID:                   uuid.New(),
			PurchaseID:           &purchaseID,
			TxHash:               obs.TxHash,
			Status:               models.TxConfirmed,
			FeesLovelace:         obs.FeesLovelace,
			BlockHeight:          obs.BlockHeight,
			BlockTime:            obs.BlockTime,
			Confirmations:        obs.Confirmations,
			PreviousOnChainState: purchase.OnChainState,
			NewOnChainState:      &obs.NewState,
			CreatedAt:            now,
		}
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("store: record purchase transaction: %w", err)
		}
		updates := map[string]interface{}{
			"current_transaction_id":                  record.ID,
			"on_chain_state":                          obs.NewState,
			"on_chain_state_or_result_last_changed_at": maxTime(purchase.OnChainStateOrResultLastChangedAt, now),
			"next_action_or_on_chain_state_or_result_last_changed_at": maxTime(purchase.NextActionOrOnChainStateOrResultLastChangedAt, now),
		}
		if obs.ResultHash != "" {
			updates["result_hash"] = obs.ResultHash
		}
		if obs.TotalSellerFees != "" {
			updates["total_seller_cardano_fees"] = obs.TotalSellerFees
		}
		if obs.TotalBuyerFees != "" {
			updates["total_buyer_cardano_fees"] = obs.TotalBuyerFees
		}
		if obs.CollateralReturn != "" {
			updates["collateral_return_lovelace"] = obs.CollateralReturn
		}
		if err := tx.Model(&purchase).Updates(updates).Error; err != nil {
			return err
		}
		return replaceLedgers(tx, nil, &purchaseID, obs.WithdrawnForSeller, obs.WithdrawnForBuyer)
	})
}

// PurchaseTxHashKnown reports whether a transaction hash was already folded
// into this purchase.
func (s *Store) PurchaseTxHashKnown(ctx context.Context, purchaseID uuid.UUID, txHash string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("purchase_id = ? AND tx_hash = ?", purchaseID, txHash).
		Count(&count).Error
	return count > 0, err
}

// PurchasesForSpending loads purchases in a pay-by-time window with a known
// on-chain state, for the spending aggregator.
func (s *Store) PurchasesForSpending(ctx context.Context, network models.Network, startMillis, endMillis int64) ([]models.Purchase, error) {
	tx := s.db.WithContext(ctx).Model(&models.Purchase{}).
		Joins("JOIN payment_sources ON payment_sources.id = purchases.payment_source_id").
		Where("payment_sources.network = ?", network).
		Where("purchases.on_chain_state IS NOT NULL").
		Where("purchases.pay_by_time >= ? AND purchases.pay_by_time <= ?", startMillis, endMillis)
	var purchases []models.Purchase
	if err := tx.Preload("Funds").Order("purchases.pay_by_time ASC").Find(&purchases).Error; err != nil {
		return nil, err
	}
	return purchases, nil
}
