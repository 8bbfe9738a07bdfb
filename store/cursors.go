package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"escrowd/models"
)

// Cursor returns the reconciler's saved resume point for a feed, or a zero
// cursor when the feed was never visited.
func (s *Store) Cursor(ctx context.Context, name string) (*models.ReconcilerCursor, error) {
	var cursor models.ReconcilerCursor
	err := s.db.WithContext(ctx).First(&cursor, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.ReconcilerCursor{Name: name}, nil
	}
	if err != nil {
		return nil, err
	}
	return &cursor, nil
}

// CommitCursor advances a feed cursor. The upsert keeps cursor writes
// idempotent when a batch is replayed.
func (s *Store) CommitCursor(ctx context.Context, cursor models.ReconcilerCursor) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"timestamp", "last_id", "updated_at"}),
	}).Create(&cursor).Error
}

// CommitCursorTx is the in-transaction variant used when a batch's entity
// writes and its cursor advance must land atomically.
func CommitCursorTx(tx *gorm.DB, cursor models.ReconcilerCursor) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"timestamp", "last_id", "updated_at"}),
	}).Create(&cursor).Error
}
