package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"escrowd/lifecycle"
	"escrowd/models"
)

// RecoverPayment resets a manually-stuck payment to its last trustworthy
// transaction. Newer pending submissions are marked failed, the on-chain
// state is rolled back to what that transaction produced, and the next
// action is re-seeded from the resulting state. With no transaction history
// the payment resets to a null current transaction and state.
func (s *Store) RecoverPayment(ctx context.Context, paymentID uuid.UUID) (*models.Payment, error) {
	now := s.now()
	err := s.Transaction(ctx, func(tx *gorm.DB) error {
		var payment models.Payment
		if err := lockRow(tx).First(&payment, "id = ?", paymentID).Error; err != nil {
			return notFound(err)
		}
		anchor, err := recoveryAnchor(tx, "payment_id", paymentID)
		if err != nil {
			return err
		}
		var state *lifecycle.OnChainState
		var currentTransactionID interface{}
		if anchor != nil {
			if err := failNewerPending(tx, "payment_id", paymentID, anchor); err != nil {
				return err
			}
			state = anchor.NewOnChainState
			currentTransactionID = anchor.ID
		}
		next := lifecycle.ActionWaitingForExternalAction
		if state != nil && state.Terminal() {
			next = lifecycle.ActionNone
		}
		action := models.PaymentActionData{
			ID:              uuid.New(),
			PaymentID:       paymentID,
			RequestedAction: next,
			CreatedAt:       now,
		}
		if err := tx.Create(&action).Error; err != nil {
			return fmt.Errorf("store: recovery action: %w", err)
		}
		updates := map[string]interface{}{
			"on_chain_state":              state,
			"current_transaction_id":      currentTransactionID,
			"next_action_id":              action.ID,
			"next_action_last_changed_at": maxTime(payment.NextActionLastChangedAt, now),
			"on_chain_state_or_result_last_changed_at":                maxTime(payment.OnChainStateOrResultLastChangedAt, now),
			"next_action_or_on_chain_state_or_result_last_changed_at": maxTime(payment.NextActionOrOnChainStateOrResultLastChangedAt, now),
		}
		return tx.Model(&payment).Updates(updates).Error
	})
	if err != nil {
		return nil, err
	}
	return s.PaymentByID(ctx, paymentID, false)
}

// RecoverPurchase is the purchase-side twin of RecoverPayment.
func (s *Store) RecoverPurchase(ctx context.Context, purchaseID uuid.UUID) (*models.Purchase, error) {
	now := s.now()
	err := s.Transaction(ctx, func(tx *gorm.DB) error {
		var purchase models.Purchase
		if err := lockRow(tx).First(&purchase, "id = ?", purchaseID).Error; err != nil {
			return notFound(err)
		}
		anchor, err := recoveryAnchor(tx, "purchase_id", purchaseID)
		if err != nil {
			return err
		}
		var state *lifecycle.OnChainState
		var currentTransactionID interface{}
		if anchor != nil {
			if err := failNewerPending(tx, "purchase_id", purchaseID, anchor); err != nil {
				return err
			}
			state = anchor.NewOnChainState
			currentTransactionID = anchor.ID
		}
		next := lifecycle.ActionWaitingForExternalAction
		if state != nil && state.Terminal() {
			next = lifecycle.ActionNone
		}
		action := models.PurchaseActionData{
			ID:              uuid.New(),
			PurchaseID:      purchaseID,
			RequestedAction: next,
			CreatedAt:       now,
		}
		if err := tx.Create(&action).Error; err != nil {
			return fmt.Errorf("store: recovery action: %w", err)
		}
		updates := map[string]interface{}{
			"on_chain_state":              state,
			"current_transaction_id":      currentTransactionID,
			"next_action_id":              action.ID,
			"next_action_last_changed_at": maxTime(purchase.NextActionLastChangedAt, now),
			"on_chain_state_or_result_last_changed_at":                maxTime(purchase.OnChainStateOrResultLastChangedAt, now),
			"next_action_or_on_chain_state_or_result_last_changed_at": maxTime(purchase.NextActionOrOnChainStateOrResultLastChangedAt, now),
		}
		return tx.Model(&purchase).Updates(updates).Error
	})
	if err != nil {
		return nil, err
	}
	return s.PurchaseByID(ctx, purchaseID, false)
}

// recoveryAnchor picks the transaction to roll back to: the most recent
// confirmed one, or failing that the most recent pending one. Nil when the
// entity has no transaction to restore.
func recoveryAnchor(tx *gorm.DB, column string, entityID uuid.UUID) (*models.Transaction, error) {
	for _, status := range []models.TransactionStatus{models.TxConfirmed, models.TxPending} {
		var anchor models.Transaction
		err := tx.Where(column+" = ? AND status = ?", entityID, status).
			Order("created_at DESC, id DESC").
			First(&anchor).Error
		if err == nil {
			return &anchor, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

// failNewerPending marks pending submissions newer than the anchor as failed
// by the manual reset.
func failNewerPending(tx *gorm.DB, column string, entityID uuid.UUID, anchor *models.Transaction) error {
	return tx.Model(&models.Transaction{}).
		Where(column+" = ? AND status = ? AND id <> ?", entityID, models.TxPending, anchor.ID).
		Where("created_at >= ?", anchor.CreatedAt).
		Update("status", models.TxFailedViaManualReset).Error
}
