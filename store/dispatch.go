package store

import (
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"escrowd/lifecycle"
	"escrowd/models"
)

// In-transaction helpers for the dispatcher's claim callbacks. The caller
// already holds the row lock; these only write.

// ApplyPaymentSubmission records a successful on-chain submission: a pending
// transaction becomes current and the entity goes back to waiting.
func (s *Store) ApplyPaymentSubmission(tx *gorm.DB, payment *models.Payment, txHash string) error {
	now := s.now()
	record := models.Transaction{
		ID:        uuid.New(),
		PaymentID: &payment.ID,
		TxHash:    txHash,
		Status:    models.TxPending,
		CreatedAt: now,
	}
	if err := tx.Create(&record).Error; err != nil {
		return fmt.Errorf("store: create pending transaction: %w", err)
	}
	action := models.PaymentActionData{
		ID:              uuid.New(),
		PaymentID:       payment.ID,
		RequestedAction: lifecycle.ActionWaitingForExternalAction,
		CreatedAt:       now,
	}
	if err := tx.Create(&action).Error; err != nil {
		return fmt.Errorf("store: create follow-up action: %w", err)
	}
	return tx.Model(payment).Updates(map[string]interface{}{
		"current_transaction_id":      record.ID,
		"next_action_id":              action.ID,
		"next_action_last_changed_at": maxTime(payment.NextActionLastChangedAt, now),
		"next_action_or_on_chain_state_or_result_last_changed_at": maxTime(payment.NextActionOrOnChainStateOrResultLastChangedAt, now),
	}).Error
}

// SchedulePaymentRetry re-queues the same requested action with an
// incremented retry count.
func (s *Store) SchedulePaymentRetry(tx *gorm.DB, payment *models.Payment, errType lifecycle.ActionErrorType, note string) error {
	now := s.now()
	action := models.PaymentActionData{
		ID:              uuid.New(),
		PaymentID:       payment.ID,
		RequestedAction: payment.NextAction.RequestedAction,
		ErrorType:       &errType,
		ErrorNote:       &note,
		ResultHash:      payment.NextAction.ResultHash,
		RetryCount:      payment.NextAction.RetryCount + 1,
		CreatedAt:       now,
	}
	if err := tx.Create(&action).Error; err != nil {
		return fmt.Errorf("store: create retry action: %w", err)
	}
	return tx.Model(payment).Updates(map[string]interface{}{
		"next_action_id":              action.ID,
		"next_action_last_changed_at": maxTime(payment.NextActionLastChangedAt, now),
		"next_action_or_on_chain_state_or_result_last_changed_at": maxTime(payment.NextActionOrOnChainStateOrResultLastChangedAt, now),
	}).Error
}

// ParkPayment moves the entity into manual review with the failure recorded.
func (s *Store) ParkPayment(tx *gorm.DB, payment *models.Payment, errType lifecycle.ActionErrorType, note string) error {
	now := s.now()
	action := models.PaymentActionData{
		ID:              uuid.New(),
		PaymentID:       payment.ID,
		RequestedAction: lifecycle.ActionWaitingForManualAction,
		ErrorType:       &errType,
		ErrorNote:       &note,
		RetryCount:      payment.NextAction.RetryCount,
		CreatedAt:       now,
	}
	if err := tx.Create(&action).Error; err != nil {
		return fmt.Errorf("store: create manual action: %w", err)
	}
	return tx.Model(payment).Updates(map[string]interface{}{
		"next_action_id":              action.ID,
		"next_action_last_changed_at": maxTime(payment.NextActionLastChangedAt, now),
		"next_action_or_on_chain_state_or_result_last_changed_at": maxTime(payment.NextActionOrOnChainStateOrResultLastChangedAt, now),
	}).Error
}

// ApplyPurchaseSubmission is the purchase-side twin of
// ApplyPaymentSubmission.
func (s *Store) ApplyPurchaseSubmission(tx *gorm.DB, purchase *models.Purchase, txHash string) error {
	now := s.now()
	record := models.Transaction{
		ID:         uuid.New(),
		PurchaseID: &purchase.ID,
		TxHash:     txHash,
		Status:     models.TxPending,
		CreatedAt:  now,
	}
	if err := tx.Create(&record).Error; err != nil {
		return fmt.Errorf("store: create pending transaction: %w", err)
	}
	action := models.PurchaseActionData{
		ID:              uuid.New(),
		PurchaseID:      purchase.ID,
		RequestedAction: lifecycle.ActionWaitingForExternalAction,
		CreatedAt:       now,
	}
	if err := tx.Create(&action).Error; err != nil {
		return fmt.Errorf("store: create follow-up action: %w", err)
	}
	return tx.Model(purchase).Updates(map[string]interface{}{
		"current_transaction_id":      record.ID,
		"next_action_id":              action.ID,
		"next_action_last_changed_at": maxTime(purchase.NextActionLastChangedAt, now),
		"next_action_or_on_chain_state_or_result_last_changed_at": maxTime(purchase.NextActionOrOnChainStateOrResultLastChangedAt, now),
	}).Error
}

// SchedulePurchaseRetry re-queues the same requested action with an
// incremented retry count.
func (s *Store) SchedulePurchaseRetry(tx *gorm.DB, purchase *models.Purchase, errType lifecycle.ActionErrorType, note string) error {
	now := s.now()
	action := models.PurchaseActionData{
		ID:              uuid.New(),
		PurchaseID:      purchase.ID,
		RequestedAction: purchase.NextAction.RequestedAction,
		ErrorType:       &errType,
		ErrorNote:       &note,
		RetryCount:      purchase.NextAction.RetryCount + 1,
		CreatedAt:       now,
	}
	if err := tx.Create(&action).Error; err != nil {
		return fmt.Errorf("store: create retry action: %w", err)
	}
	return tx.Model(purchase).Updates(map[string]interface{}{
		"next_action_id":              action.ID,
		"next_action_last_changed_at": maxTime(purchase.NextActionLastChangedAt, now),
		"next_action_or_on_chain_state_or_result_last_changed_at": maxTime(purchase.NextActionOrOnChainStateOrResultLastChangedAt, now),
	}).Error
}

// ParkPurchase moves the entity into manual review with the failure
// recorded.
func (s *Store) ParkPurchase(tx *gorm.DB, purchase *models.Purchase, errType lifecycle.ActionErrorType, note string) error {
	now := s.now()
	action := models.PurchaseActionData{
		ID:              uuid.New(),
		PurchaseID:      purchase.ID,
		RequestedAction: lifecycle.ActionWaitingForManualAction,
		ErrorType:       &errType,
		ErrorNote:       &note,
		RetryCount:      purchase.NextAction.RetryCount,
		CreatedAt:       now,
	}
	if err := tx.Create(&action).Error; err != nil {
		return fmt.Errorf("store: create manual action: %w", err)
	}
	return tx.Model(purchase).Updates(map[string]interface{}{
		"next_action_id":              action.ID,
		"next_action_last_changed_at": maxTime(purchase.NextActionLastChangedAt, now),
		"next_action_or_on_chain_state_or_result_last_changed_at": maxTime(purchase.NextActionOrOnChainStateOrResultLastChangedAt, now),
	}).Error
}

// ApplyRegistrySubmission finalizes a mint or burn submission for a locked
// registry row: the state moves, the identifier lands and the transaction
// is linked.
func (s *Store) ApplyRegistrySubmission(tx *gorm.DB, request *models.RegistryRequest, next lifecycle.RegistrationState, agentIdentifier *string, txHash string) error {
	if err := lifecycle.ValidateRegistrationTransition(request.State, next); err != nil {
		return err
	}
	now := s.now()
	record := models.Transaction{
		ID:        uuid.New(),
		TxHash:    txHash,
		Status:    models.TxPending,
		CreatedAt: now,
	}
	if err := tx.Create(&record).Error; err != nil {
		return fmt.Errorf("store: create registry transaction: %w", err)
	}
	updates := map[string]interface{}{
		"state":                       next,
		"current_transaction_id":      record.ID,
		"next_action_last_changed_at": maxTime(request.NextActionLastChangedAt, now),
		"on_chain_state_or_result_last_changed_at":                maxTime(request.OnChainStateOrResultLastChangedAt, now),
		"next_action_or_on_chain_state_or_result_last_changed_at": maxTime(request.NextActionOrOnChainStateOrResultLastChangedAt, now),
	}
	if agentIdentifier != nil {
		updates["agent_identifier"] = *agentIdentifier
	}
	return tx.Model(request).Updates(updates).Error
}

// FailRegistrySubmission marks a registration attempt as failed with a note.
func (s *Store) FailRegistrySubmission(tx *gorm.DB, request *models.RegistryRequest, note string) error {
	if err := lifecycle.ValidateRegistrationTransition(request.State, lifecycle.RegistrationFailed); err != nil {
		return err
	}
	now := s.now()
	return tx.Model(request).Updates(map[string]interface{}{
		"state":      lifecycle.RegistrationFailed,
		"error_note": note,
		"next_action_last_changed_at": maxTime(request.NextActionLastChangedAt, now),
		"next_action_or_on_chain_state_or_result_last_changed_at": maxTime(request.NextActionOrOnChainStateOrResultLastChangedAt, now),
	}).Error
}
