package persistence

import (
	"context"
	"time"

	"github.com/fieldops/backend/internal/domain/credits"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormReservationRepository implements ReservationRepository using GORM
type GormReservationRepository struct {
	db *gorm.DB
}

// NewGormReservationRepository creates a new GormReservationRepository
func NewGormReservationRepository(db *gorm.DB) *GormReservationRepository {
	return &GormReservationRepository{db: db}
}

// WithTx returns a new repository instance with the given transaction
func (r *GormReservationRepository) WithTx(tx *gorm.DB) *GormReservationRepository {
	return &GormReservationRepository{db: tx}
}

// CreateBatch inserts the ledger lines of one reservation group
func (r *GormReservationRepository) CreateBatch(ctx context.Context, reservations []*credits.Reservation) error {
	if len(reservations) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(reservations).Error
}

// FindByGroup returns every line of a group regardless of status
func (r *GormReservationRepository) FindByGroup(ctx context.Context, groupID uuid.UUID) ([]credits.Reservation, error) {
	var rows []credits.Reservation
	if err := r.db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("created_at ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// FindOpenByGroupForUpdate locks and returns the group's pending and
// compensation_required lines. Ordered by ID to match the pack lock order.
func (r *GormReservationRepository) FindOpenByGroupForUpdate(ctx context.Context, groupID uuid.UUID) ([]credits.Reservation, error) {
	var rows []credits.Reservation
	openStatuses := []credits.ReservationStatus{
		credits.ReservationStatusPending,
		credits.ReservationStatusCompensationRequired,
	}
	if err := withRowLock(r.db.WithContext(ctx).Model(&credits.Reservation{}), "").
		Where("group_id = ? AND status IN ?", groupID, openStatuses).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// SumPending returns the total quantity of non-expired pending reservations
// for a tenant and channel
func (r *GormReservationRepository) SumPending(ctx context.Context, tenantID uuid.UUID, packType credits.PackType, now time.Time) (int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).
		Model(&credits.Reservation{}).
		Select("COALESCE(SUM(quantity), 0)").
		Where("tenant_id = ? AND pack_type = ? AND status = ? AND expires_at > ?",
			tenantID, packType, credits.ReservationStatusPending, now).
		Scan(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

// Save persists a reservation line
func (r *GormReservationRepository) Save(ctx context.Context, reservation *credits.Reservation) error {
	return r.db.WithContext(ctx).Save(reservation).Error
}

// ReleaseGroup marks the group's pending lines released. Lines already
// terminal are untouched, which is what keeps release idempotent.
func (r *GormReservationRepository) ReleaseGroup(ctx context.Context, groupID uuid.UUID, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&credits.Reservation{}).
		Where("group_id = ? AND status = ?", groupID, credits.ReservationStatusPending).
		Updates(map[string]interface{}{
			"status":        credits.ReservationStatusReleased,
			"released_at":   now,
			"next_retry_at": nil,
			"updated_at":    now,
		})
	return result.RowsAffected, result.Error
}

// ReleaseExpired marks pending lines past their deadline as released
func (r *GormReservationRepository) ReleaseExpired(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&credits.Reservation{}).
		Where("status = ? AND expires_at <= ?", credits.ReservationStatusPending, now).
		Updates(map[string]interface{}{
			"status":        credits.ReservationStatusReleased,
			"released_at":   now,
			"next_retry_at": nil,
			"updated_at":    now,
		})
	return result.RowsAffected, result.Error
}

// IncrementAttempts records a failed finalize attempt on the group's pending
// lines without loading them
func (r *GormReservationRepository) IncrementAttempts(ctx context.Context, groupID uuid.UUID, lastError string, nextRetryAt *time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&credits.Reservation{}).
		Where("group_id = ? AND status = ?", groupID, credits.ReservationStatusPending).
		Updates(map[string]interface{}{
			"attempt_count": gorm.Expr("attempt_count + 1"),
			"last_error":    lastError,
			"next_retry_at": nextRetryAt,
			"updated_at":    time.Now(),
		})
	return result.RowsAffected, result.Error
}

// FindDueForRetry finds pending lines whose scheduled retry has elapsed and
// whose background attempt count is still below the ceiling. Inline attempts
// recorded before handoff do not count against it.
func (r *GormReservationRepository) FindDueForRetry(ctx context.Context, now time.Time, maxAttempts int, limit int) ([]credits.Reservation, error) {
	var rows []credits.Reservation
	if err := r.db.WithContext(ctx).
		Where("status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ? AND attempt_count - inline_attempts < ?",
			credits.ReservationStatusPending, now, maxAttempts).
		Order("next_retry_at ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// FindNearingExpiry finds pending lines expiring within the window that have
// no retry scheduled
func (r *GormReservationRepository) FindNearingExpiry(ctx context.Context, now time.Time, window time.Duration, limit int) ([]credits.Reservation, error) {
	var rows []credits.Reservation
	if err := r.db.WithContext(ctx).
		Where("status = ? AND next_retry_at IS NULL AND expires_at > ? AND expires_at <= ?",
			credits.ReservationStatusPending, now, now.Add(window)).
		Order("expires_at ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// FindStalePending finds pending lines created before the cutoff
func (r *GormReservationRepository) FindStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]credits.Reservation, error) {
	var rows []credits.Reservation
	if err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", credits.ReservationStatusPending, createdBefore).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// FindCompensationRequired returns lines awaiting escalated handling, oldest
// escalation first
func (r *GormReservationRepository) FindCompensationRequired(ctx context.Context, limit int) ([]credits.Reservation, error) {
	var rows []credits.Reservation
	if err := r.db.WithContext(ctx).
		Where("status = ?", credits.ReservationStatusCompensationRequired).
		Order("compensation_required_at ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// CountPending returns the number of pending lines
func (r *GormReservationRepository) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&credits.Reservation{}).
		Where("status = ?", credits.ReservationStatusPending).
		Count(&count).Error
	return count, err
}

// CountNearingExpiry returns the number of pending lines expiring within the window
func (r *GormReservationRepository) CountNearingExpiry(ctx context.Context, now time.Time, window time.Duration) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&credits.Reservation{}).
		Where("status = ? AND expires_at > ? AND expires_at <= ?",
			credits.ReservationStatusPending, now, now.Add(window)).
		Count(&count).Error
	return count, err
}

// CountCompensationRequired returns the compensation queue depth
func (r *GormReservationRepository) CountCompensationRequired(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&credits.Reservation{}).
		Where("status = ?", credits.ReservationStatusCompensationRequired).
		Count(&count).Error
	return count, err
}

// ResolutionStats aggregates outcomes for lines resolved since the cutoff.
// Resolution bumps updated_at, so the cutoff filters on it.
func (r *GormReservationRepository) ResolutionStats(ctx context.Context, since time.Time) (*credits.ResolutionStats, error) {
	var row struct {
		Finalized            int64
		Released             int64
		CompensationRequired int64
		AvgFinalizeAttempts  float64
	}
	err := r.db.WithContext(ctx).
		Model(&credits.Reservation{}).
		Select(`
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS finalized,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS released,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS compensation_required,
			COALESCE(AVG(CASE WHEN status = ? THEN attempt_count END), 0) AS avg_finalize_attempts`,
			credits.ReservationStatusFinalized,
			credits.ReservationStatusReleased,
			credits.ReservationStatusCompensationRequired,
			credits.ReservationStatusFinalized).
		Where("status != ? AND updated_at >= ?", credits.ReservationStatusPending, since).
		Scan(&row).Error
	if err != nil {
		return nil, err
	}
	return &credits.ResolutionStats{
		Finalized:            row.Finalized,
		Released:             row.Released,
		CompensationRequired: row.CompensationRequired,
		AvgFinalizeAttempts:  row.AvgFinalizeAttempts,
	}, nil
}

// Ensure GormReservationRepository implements ReservationRepository
var _ credits.ReservationRepository = (*GormReservationRepository)(nil)
