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

// paymentPreloads loads the associations every read path needs.
func paymentPreloads(tx *gorm.DB, includeHistory bool) *gorm.DB {
	tx = tx.Preload("NextAction").Preload("CurrentTransaction").Preload("Funds")
	if includeHistory {
		tx = tx.Preload("Transactions").Preload("ActionHistory")
	}
	return tx
}

// CreatePayment persists a new payment, its fund rows and the seeding
// NextAction in one transaction.
func (s *Store) CreatePayment(ctx context.Context, payment *models.Payment, funds []models.UnitValue, seed lifecycle.NextAction) error {
	now := s.now()
	return s.Transaction(ctx, func(tx *gorm.DB) error {
		if payment.ID == uuid.Nil {
			payment.ID = uuid.New()
		}
		action := models.PaymentActionData{
			ID:              uuid.New(),
			PaymentID:       payment.ID,
			RequestedAction: seed,
			CreatedAt:       now,
		}
		payment.NextActionID = &action.ID
		payment.NextActionLastChangedAt = now
		payment.OnChainStateOrResultLastChangedAt = now
		payment.NextActionOrOnChainStateOrResultLastChangedAt = now
		if err := tx.Create(payment).Error; err != nil {
			return fmt.Errorf("store: create payment: %w", err)
		}
		if err := tx.Create(&action).Error; err != nil {
			return fmt.Errorf("store: create payment action: %w", err)
		}
		for i := range funds {
			funds[i].ID = uuid.New()
			funds[i].PaymentID = &payment.ID
			funds[i].Role = models.RoleRequestedFunds
			funds[i].Position = i
		}
		if len(funds) > 0 {
			if err := tx.Create(&funds).Error; err != nil {
				return fmt.Errorf("store: create payment funds: %w", err)
			}
		}
		return nil
	})
}

// PaymentByIdentifier resolves a payment by its blockchain identifier.
func (s *Store) PaymentByIdentifier(ctx context.Context, identifier string, includeHistory bool) (*models.Payment, error) {
	var payment models.Payment
	err := paymentPreloads(s.db.WithContext(ctx), includeHistory).
		First(&payment, "blockchain_identifier = ?", identifier).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &payment, nil
}

// PaymentByID resolves a payment by primary key.
func (s *Store) PaymentByID(ctx context.Context, id uuid.UUID, includeHistory bool) (*models.Payment, error) {
	var payment models.Payment
	err := paymentPreloads(s.db.WithContext(ctx), includeHistory).
		First(&payment, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &payment, nil
}

// PaymentQuery filters the payment listing.
type PaymentQuery struct {
	Network              models.Network
	SmartContractAddress string
	OnChainStates        []lifecycle.OnChainState
	SearchQuery          string
	CursorID             *uuid.UUID
	Limit                int
	IncludeHistory       bool
}

// ListPayments pages payments newest first with an id cursor.
func (s *Store) ListPayments(ctx context.Context, q PaymentQuery) ([]models.Payment, error) {
	limit := q.Limit
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	tx := s.db.WithContext(ctx).Model(&models.Payment{})
	if q.Network != "" || q.SmartContractAddress != "" {
		tx = tx.Joins("JOIN payment_sources ON payment_sources.id = payments.payment_source_id")
		if q.Network != "" {
			tx = tx.Where("payment_sources.network = ?", q.Network)
		}
		if q.SmartContractAddress != "" {
			tx = tx.Where("payment_sources.smart_contract_address = ?", q.SmartContractAddress)
		}
	}
	if len(q.OnChainStates) > 0 {
		tx = tx.Where("payments.on_chain_state IN ?", q.OnChainStates)
	}
	if trimmed := strings.TrimSpace(q.SearchQuery); trimmed != "" {
		like := "%" + trimmed + "%"
		tx = tx.Where("payments.blockchain_identifier LIKE ? OR payments.agent_identifier LIKE ?", like, like)
	}
	if q.CursorID != nil {
		var cursor models.Payment
		if err := s.db.WithContext(ctx).Select("created_at", "id").First(&cursor, "id = ?", *q.CursorID).Error; err != nil {
			return nil, notFound(err)
		}
		tx = tx.Where("(payments.created_at < ?) OR (payments.created_at = ? AND payments.id < ?)",
			cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}
	var payments []models.Payment
	err := paymentPreloads(tx, q.IncludeHistory).
		Order("payments.created_at DESC, payments.id DESC").
		Limit(limit).
		Find(&payments).Error
	if err != nil {
		return nil, err
	}
	return payments, nil
}

// AppendPaymentAction archives the current NextAction and activates a new
// one under a row lease. The previous action stays in the history table. A
// non-nil guard runs on the locked row with its associations loaded and can
// veto the append.
func (s *Store) AppendPaymentAction(ctx context.Context, paymentID uuid.UUID, action models.PaymentActionData, guard func(payment *models.Payment) error) (*models.PaymentActionData, error) {
	now := s.now()
	err := s.Transaction(ctx, func(tx *gorm.DB) error {
		var payment models.Payment
		if err := lockRow(tx).First(&payment, "id = ?", paymentID).Error; err != nil {
			return notFound(err)
		}
		if guard != nil {
			if err := tx.Preload("NextAction").Preload("CurrentTransaction").
				First(&payment, "id = ?", paymentID).Error; err != nil {
				return err
			}
			if err := guard(&payment); err != nil {
				return err
			}
		}
		action.ID = uuid.New()
		action.PaymentID = paymentID
		action.CreatedAt = now
		if err := tx.Create(&action).Error; err != nil {
			return fmt.Errorf("store: append payment action: %w", err)
		}
		updates := map[string]interface{}{
			"next_action_id":              action.ID,
			"next_action_last_changed_at": maxTime(payment.NextActionLastChangedAt, now),
			"next_action_or_on_chain_state_or_result_last_changed_at": maxTime(payment.NextActionOrOnChainStateOrResultLastChangedAt, now),
		}
		return tx.Model(&payment).Updates(updates).Error
	})
	if err != nil {
		return nil, err
	}
	return &action, nil
}

// RecordPaymentObservation appends a reconciler-observed transaction and
// advances the on-chain state in one atomic step.
func (s *Store) RecordPaymentObservation(ctx context.Context, paymentID uuid.UUID, obs ObservedTransition) error {
	now := s.now()
	return s.Transaction(ctx, func(tx *gorm.DB) error {
		var payment models.Payment
		if err := lockRow(tx).First(&payment, "id = ?", paymentID).Error; err != nil {
			return notFound(err)
		}
		record := models.Transaction{
			ID:                   uuid.New(),
			PaymentID:            &paymentID,
			TxHash:               obs.TxHash,
			Status:               models.TxConfirmed,
			FeesLovelace:         obs.FeesLovelace,
			BlockHeight:          obs.BlockHeight,
			BlockTime:            obs.BlockTime,
			Confirmations:        obs.Confirmations,
			PreviousOnChainState: payment.OnChainState,
			NewOnChainState:      &obs.NewState,
			CreatedAt:            now,
		}
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("store: record payment transaction: %w", err)
		}
		updates := map[string]interface{}{
			"current_transaction_id":                  record.ID,
			"on_chain_state":                          obs.NewState,
			"on_chain_state_or_result_last_changed_at": maxTime(payment.OnChainStateOrResultLastChangedAt, now),
			"next_action_or_on_chain_state_or_result_last_changed_at": maxTime(payment.NextActionOrOnChainStateOrResultLastChangedAt, now),
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
		if err := tx.Model(&payment).Updates(updates).Error; err != nil {
			return err
		}
		return replaceLedgers(tx, &paymentID, nil, obs.WithdrawnForSeller, obs.WithdrawnForBuyer)
	})
}

// ObservedTransition carries a reconciler-accepted state change.
type ObservedTransition struct {
	TxHash             string
	BlockHeight        uint64
	BlockTime          int64
	Confirmations      uint64
	FeesLovelace       string
	NewState           lifecycle.OnChainState
	ResultHash         string
	TotalSellerFees    string
	TotalBuyerFees     string
	CollateralReturn   string
	WithdrawnForSeller []models.UnitValue
	WithdrawnForBuyer  []models.UnitValue
}

// replaceLedgers rewrites the withdrawal ledgers after a terminal state.
func replaceLedgers(tx *gorm.DB, paymentID, purchaseID *uuid.UUID, seller, buyer []models.UnitValue) error {
	write := func(role models.UnitValueRole, rows []models.UnitValue) error {
		if len(rows) == 0 {
			return nil
		}
		scope := tx.Where("role = ?", role)
		if paymentID != nil {
			scope = scope.Where("payment_id = ?", *paymentID)
		}
		if purchaseID != nil {
			scope = scope.Where("purchase_id = ?", *purchaseID)
		}
		if err := scope.Delete(&models.UnitValue{}).Error; err != nil {
			return err
		}
		for i := range rows {
			rows[i].ID = uuid.New()
			rows[i].PaymentID = paymentID
			rows[i].PurchaseID = purchaseID
			rows[i].Role = role
			rows[i].Position = i
		}
		return tx.Create(&rows).Error
	}
	if err := write(models.RoleWithdrawnForSeller, seller); err != nil {
		return fmt.Errorf("store: write seller ledger: %w", err)
	}
	if err := write(models.RoleWithdrawnForBuyer, buyer); err != nil {
		return fmt.Errorf("store: write buyer ledger: %w", err)
	}
	return nil
}

// PaymentTxHashKnown reports whether a transaction hash was already folded
// into this payment; replayed reconciler batches rely on this idempotency.
func (s *Store) PaymentTxHashKnown(ctx context.Context, paymentID uuid.UUID, txHash string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("payment_id = ? AND tx_hash = ?", paymentID, txHash).
		Count(&count).Error
	return count > 0, err
}

// PaymentsForEarnings loads payments in a pay-by-time window with a known
// on-chain state, for the income aggregator.
func (s *Store) PaymentsForEarnings(ctx context.Context, network models.Network, startMillis, endMillis int64) ([]models.Payment, error) {
	tx := s.db.WithContext(ctx).Model(&models.Payment{}).
		Joins("JOIN payment_sources ON payment_sources.id = payments.payment_source_id").
		Where("payment_sources.network = ?", network).
		Where("payments.on_chain_state IS NOT NULL").
		Where("payments.pay_by_time >= ? AND payments.pay_by_time <= ?", startMillis, endMillis)
	var payments []models.Payment
	if err := tx.Preload("Funds").Order("payments.pay_by_time ASC").Find(&payments).Error; err != nil {
		return nil, err
	}
	return payments, nil
}
