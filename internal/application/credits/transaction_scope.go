package credits

import (
	"context"

	"github.com/fieldops/backend/internal/domain/credits"
)

// TransactionScope provides transactional access to the credit repositories.
// When a function is executed within a transaction scope, all repository
// operations are part of the same database transaction and commit or roll
// back atomically. Row locks taken inside the scope are held until it ends.
type TransactionScope interface {
	// Execute runs the given function within a database transaction.
	// If the function returns an error, the transaction is rolled back.
	Execute(ctx context.Context, fn func(repos TransactionalRepositories) error) error
}

// TransactionalRepositories provides access to the credit repositories within
// a transaction. Both repositories share the same underlying transaction.
type TransactionalRepositories interface {
	// Packs returns the pack repository scoped to the current transaction
	Packs() credits.PackRepository

	// Reservations returns the reservation repository scoped to the current transaction
	Reservations() credits.ReservationRepository
}
