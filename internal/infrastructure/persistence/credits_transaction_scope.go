package persistence

import (
	"context"

	appcredits "github.com/fieldops/backend/internal/application/credits"
	"github.com/fieldops/backend/internal/domain/credits"
	"gorm.io/gorm"
)

// GormCreditsTransactionScope implements TransactionScope using GORM
// transactions. It provides atomic execution of multiple repository
// operations.
type GormCreditsTransactionScope struct {
	db *gorm.DB
}

// NewGormCreditsTransactionScope creates a new GormCreditsTransactionScope
func NewGormCreditsTransactionScope(db *gorm.DB) *GormCreditsTransactionScope {
	return &GormCreditsTransactionScope{db: db}
}

// Execute runs the given function within a database transaction.
// If the function returns an error, the transaction is rolled back.
// If the function succeeds, the transaction is committed.
func (s *GormCreditsTransactionScope) Execute(ctx context.Context, fn func(repos appcredits.TransactionalRepositories) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repos := &gormCreditsRepositories{tx: tx}
		return fn(repos)
	})
}

// gormCreditsRepositories provides access to the credits repositories within
// a transaction
type gormCreditsRepositories struct {
	tx *gorm.DB
}

// Packs returns the pack repository scoped to the current transaction
func (r *gormCreditsRepositories) Packs() credits.PackRepository {
	return NewGormPackRepository(r.tx)
}

// Reservations returns the reservation repository scoped to the current transaction
func (r *gormCreditsRepositories) Reservations() credits.ReservationRepository {
	return NewGormReservationRepository(r.tx)
}

// Ensure GormCreditsTransactionScope implements TransactionScope
var _ appcredits.TransactionScope = (*GormCreditsTransactionScope)(nil)

// Ensure gormCreditsRepositories implements TransactionalRepositories
var _ appcredits.TransactionalRepositories = (*gormCreditsRepositories)(nil)
