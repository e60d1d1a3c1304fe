package credits

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PackRepository defines persistence for credit packs
type PackRepository interface {
	// FindByID finds a pack by its ID
	FindByID(ctx context.Context, id uuid.UUID) (*Pack, error)

	// FindByTenantAndType finds all packs of a channel for a tenant, oldest purchase first
	FindByTenantAndType(ctx context.Context, tenantID uuid.UUID, packType PackType) ([]Pack, error)

	// FindConsumable finds active, non-expired packs with headroom for a
	// tenant and channel, ordered oldest-purchased-first (FIFO)
	FindConsumable(ctx context.Context, tenantID uuid.UUID, packType PackType, now time.Time) ([]Pack, error)

	// FindConsumableForUpdate is FindConsumable with row locks, skipping rows
	// already locked by a concurrent transaction. Must run inside a transaction.
	FindConsumableForUpdate(ctx context.Context, tenantID uuid.UUID, packType PackType, now time.Time) ([]Pack, error)

	// FindByIDsForUpdate locks and returns the given packs. Must run inside a transaction.
	FindByIDsForUpdate(ctx context.Context, ids []uuid.UUID) ([]Pack, error)

	// Save persists a pack
	Save(ctx context.Context, pack *Pack) error

	// IncrementUsed atomically adds quantity to a pack's used count. The
	// update re-checks used + quantity <= quantity bound and active status in
	// its WHERE clause and flips the pack to used_up when it fills. Returns
	// false if the conditional update matched no row.
	IncrementUsed(ctx context.Context, packID uuid.UUID, quantity int64, now time.Time) (bool, error)

	// ExpireOverdue flips active packs past their expiry to expired, returning
	// the number of packs transitioned
	ExpireOverdue(ctx context.Context, now time.Time) (int64, error)

	// AcquireConsumeLock serializes reservations for one tenant and channel
	// within the current transaction. Must run inside a transaction.
	AcquireConsumeLock(ctx context.Context, tenantID uuid.UUID, packType PackType) error
}

// ResolutionStats summarizes how reservations resolved within a window,
// the read-side input for success-rate and retry metrics
type ResolutionStats struct {
	Finalized            int64
	Released             int64
	CompensationRequired int64
	AvgFinalizeAttempts  float64
}

// Resolved returns the total number of reservations that reached an outcome
func (s *ResolutionStats) Resolved() int64 {
	return s.Finalized + s.Released + s.CompensationRequired
}

// SuccessRate returns the fraction of resolved reservations that finalized,
// or 1 when nothing resolved in the window
func (s *ResolutionStats) SuccessRate() float64 {
	resolved := s.Resolved()
	if resolved == 0 {
		return 1
	}
	return float64(s.Finalized) / float64(resolved)
}

// ReservationRepository defines persistence for the reservation ledger
type ReservationRepository interface {
	// CreateBatch inserts the ledger lines of one reservation group
	CreateBatch(ctx context.Context, reservations []*Reservation) error

	// FindByGroup returns every line of a group regardless of status
	FindByGroup(ctx context.Context, groupID uuid.UUID) ([]Reservation, error)

	// FindOpenByGroupForUpdate locks and returns the group's pending and
	// compensation_required lines. Must run inside a transaction.
	FindOpenByGroupForUpdate(ctx context.Context, groupID uuid.UUID) ([]Reservation, error)

	// SumPending returns the total quantity of non-expired pending
	// reservations for a tenant and channel: capacity spoken for but not
	// yet committed
	SumPending(ctx context.Context, tenantID uuid.UUID, packType PackType, now time.Time) (int64, error)

	// Save persists a reservation line
	Save(ctx context.Context, reservation *Reservation) error

	// ReleaseGroup marks the group's pending lines released, returning how
	// many rows transitioned. Lines already terminal are untouched.
	ReleaseGroup(ctx context.Context, groupID uuid.UUID, now time.Time) (int64, error)

	// ReleaseExpired marks pending lines past their deadline as released,
	// returning the number of rows transitioned
	ReleaseExpired(ctx context.Context, now time.Time) (int64, error)

	// IncrementAttempts records a failed finalize attempt on the group's
	// pending lines without loading them
	IncrementAttempts(ctx context.Context, groupID uuid.UUID, lastError string, nextRetryAt *time.Time) (int64, error)

	// FindDueForRetry finds pending lines whose next_retry_at has elapsed and
	// whose background attempt count is below the ceiling
	FindDueForRetry(ctx context.Context, now time.Time, maxAttempts int, limit int) ([]Reservation, error)

	// FindNearingExpiry finds pending lines expiring within the window that
	// have no retry scheduled
	FindNearingExpiry(ctx context.Context, now time.Time, window time.Duration, limit int) ([]Reservation, error)

	// FindStalePending finds pending lines created before the cutoff,
	// regardless of retry scheduling
	FindStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]Reservation, error)

	// FindCompensationRequired returns lines awaiting escalated handling
	FindCompensationRequired(ctx context.Context, limit int) ([]Reservation, error)

	// CountPending returns the number of pending lines
	CountPending(ctx context.Context) (int64, error)

	// CountNearingExpiry returns the number of pending lines expiring within the window
	CountNearingExpiry(ctx context.Context, now time.Time, window time.Duration) (int64, error)

	// CountCompensationRequired returns the compensation queue depth
	CountCompensationRequired(ctx context.Context) (int64, error)

	// ResolutionStats aggregates outcomes for lines resolved since the cutoff
	ResolutionStats(ctx context.Context, since time.Time) (*ResolutionStats, error)
}
