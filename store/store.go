// Package store wraps all relational persistence for the control plane.
// Every mutation to a payment, purchase or registration flows through a
// row-scoped lease so the orchestrator, dispatcher and reconciler never
// write the same entity concurrently.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Store provides typed access to the escrow database.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// New wraps a gorm handle. The clock is injectable for tests.
func New(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// WithClock overrides the store clock; test only.
func (s *Store) WithClock(now func() time.Time) *Store {
	clone := *s
	clone.now = now
	return &clone
}

// DB exposes the underlying handle for migration and wiring.
func (s *Store) DB() *gorm.DB { return s.db }

// Transaction runs fn inside a database transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// Serializable runs fn inside a serializable transaction; required wherever
// credit deltas are applied.
func (s *Store) Serializable(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn, &sql.TxOptions{Isolation: sql.LevelSerializable})
}

// lockRow acquires a row-scoped lease on the given model instance. SQLite
// serializes writers on its own and rejects FOR UPDATE, so the clause is a
// postgres-only concern.
func lockRow(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// lockRowSkip acquires a lease, skipping rows already held by another worker.
func lockRowSkip(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
}

// maxTime keeps change timestamps monotone so diff cursors never regress.
func maxTime(existing, candidate time.Time) time.Time {
	if existing.After(candidate) {
		return existing
	}
	return candidate
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
