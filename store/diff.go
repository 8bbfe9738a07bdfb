package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"escrowd/models"
)

// DiffKind selects which change timestamp a diff feed follows.
type DiffKind string

const (
	DiffNextAction   DiffKind = "NextAction"
	DiffOnChainState DiffKind = "OnChainStateOrResult"
	DiffAny          DiffKind = "Any"
)

func (k DiffKind) column() (string, error) {
	switch k {
	case DiffNextAction:
		return "next_action_last_changed_at", nil
	case DiffOnChainState:
		return "on_chain_state_or_result_last_changed_at", nil
	case DiffAny:
		return "next_action_or_on_chain_state_or_result_last_changed_at", nil
	}
	return "", fmt.Errorf("store: unknown diff kind %q", k)
}

// DiffQuery is a cursor into one of the change feeds. Since is inclusive at
// the cursor id so a consumer resuming from its last row sees it again and
// can skip it, never missing same-timestamp neighbours.
type DiffQuery struct {
	Kind     DiffKind
	Since    time.Time
	CursorID *uuid.UUID
	Limit    int
}

func applyDiffCursor(tx *gorm.DB, table string, q DiffQuery) (*gorm.DB, error) {
	column, err := q.Kind.column()
	if err != nil {
		return nil, err
	}
	col := table + "." + column
	if q.CursorID != nil {
		tx = tx.Where("("+col+" > ?) OR ("+col+" = ? AND "+table+".id >= ?)", q.Since, q.Since, *q.CursorID)
	} else {
		tx = tx.Where(col+" > ?", q.Since)
	}
	return tx.Order(col + " ASC, " + table + ".id ASC"), nil
}

// PaymentDiff returns payments whose tracked timestamp advanced past the
// cursor, oldest first.
func (s *Store) PaymentDiff(ctx context.Context, q DiffQuery) ([]models.Payment, error) {
	limit := q.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	tx := s.db.WithContext(ctx).Model(&models.Payment{})
	tx, err := applyDiffCursor(tx, "payments", q)
	if err != nil {
		return nil, err
	}
	var payments []models.Payment
	if err := paymentPreloads(tx, false).Limit(limit).Find(&payments).Error; err != nil {
		return nil, err
	}
	return payments, nil
}

// PurchaseDiff returns purchases whose tracked timestamp advanced past the
// cursor, oldest first.
func (s *Store) PurchaseDiff(ctx context.Context, q DiffQuery) ([]models.Purchase, error) {
	limit := q.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	tx := s.db.WithContext(ctx).Model(&models.Purchase{})
	tx, err := applyDiffCursor(tx, "purchases", q)
	if err != nil {
		return nil, err
	}
	var purchases []models.Purchase
	if err := purchasePreloads(tx, false).Limit(limit).Find(&purchases).Error; err != nil {
		return nil, err
	}
	return purchases, nil
}

// RegistryDiff returns registry requests changed since the cursor. The
// registry feed always follows the combined change timestamp.
func (s *Store) RegistryDiff(ctx context.Context, since time.Time, cursorID *uuid.UUID, limit int) ([]models.RegistryRequest, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	const col = "next_action_or_on_chain_state_or_result_last_changed_at"
	tx := s.db.WithContext(ctx).Model(&models.RegistryRequest{})
	if cursorID != nil {
		tx = tx.Where("("+col+" > ?) OR ("+col+" = ? AND id >= ?)", since, since, *cursorID)
	} else {
		tx = tx.Where(col+" > ?", since)
	}
	var requests []models.RegistryRequest
	err := tx.Order(col + " ASC, id ASC").
		Preload("Pricing").Preload("Pricing.FixedAmounts").Preload("ExampleOutputs").
		Limit(limit).Find(&requests).Error
	if err != nil {
		return nil, err
	}
	return requests, nil
}
