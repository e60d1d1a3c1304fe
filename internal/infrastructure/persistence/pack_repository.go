package persistence

import (
	"context"
	"errors"
	"hash/fnv"
	"time"

	"github.com/fieldops/backend/internal/domain/credits"
	"github.com/fieldops/backend/internal/domain/shared"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormPackRepository implements PackRepository using GORM
type GormPackRepository struct {
	db *gorm.DB
}

// NewGormPackRepository creates a new GormPackRepository
func NewGormPackRepository(db *gorm.DB) *GormPackRepository {
	return &GormPackRepository{db: db}
}

// WithTx returns a new repository instance with the given transaction
func (r *GormPackRepository) WithTx(tx *gorm.DB) *GormPackRepository {
	return &GormPackRepository{db: tx}
}

// FindByID finds a pack by its ID
func (r *GormPackRepository) FindByID(ctx context.Context, id uuid.UUID) (*credits.Pack, error) {
	var pack credits.Pack
	if err := r.db.WithContext(ctx).First(&pack, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &pack, nil
}

// FindByTenantAndType finds all packs of a channel for a tenant, oldest purchase first
func (r *GormPackRepository) FindByTenantAndType(ctx context.Context, tenantID uuid.UUID, packType credits.PackType) ([]credits.Pack, error) {
	var packs []credits.Pack
	if err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND pack_type = ?", tenantID, packType).
		Order("purchased_at ASC").
		Find(&packs).Error; err != nil {
		return nil, err
	}
	return packs, nil
}

// FindConsumable finds active, non-expired packs with headroom for a tenant
// and channel, ordered oldest-purchased-first
func (r *GormPackRepository) FindConsumable(ctx context.Context, tenantID uuid.UUID, packType credits.PackType, now time.Time) ([]credits.Pack, error) {
	var packs []credits.Pack
	if err := r.consumableQuery(ctx, tenantID, packType, now).
		Find(&packs).Error; err != nil {
		return nil, err
	}
	return packs, nil
}

// FindConsumableForUpdate is FindConsumable with FOR UPDATE SKIP LOCKED row
// locks, so concurrent reserves for the same tenant proceed against disjoint
// packs instead of queueing
func (r *GormPackRepository) FindConsumableForUpdate(ctx context.Context, tenantID uuid.UUID, packType credits.PackType, now time.Time) ([]credits.Pack, error) {
	var packs []credits.Pack
	if err := withRowLock(r.consumableQuery(ctx, tenantID, packType, now), "SKIP LOCKED").
		Find(&packs).Error; err != nil {
		return nil, err
	}
	return packs, nil
}

func (r *GormPackRepository) consumableQuery(ctx context.Context, tenantID uuid.UUID, packType credits.PackType, now time.Time) *gorm.DB {
	return r.db.WithContext(ctx).
		Model(&credits.Pack{}).
		Where("tenant_id = ? AND pack_type = ? AND status = ? AND used < quantity AND expires_at > ?",
			tenantID, packType, credits.PackStatusActive, now).
		Order("purchased_at ASC")
}

// FindByIDsForUpdate locks and returns the given packs. Plain FOR UPDATE, no
// skipping: a finalize needs exactly these rows and must wait for them.
// Ordered by ID so concurrent finalizes acquire locks in the same order.
func (r *GormPackRepository) FindByIDsForUpdate(ctx context.Context, ids []uuid.UUID) ([]credits.Pack, error) {
	var packs []credits.Pack
	if err := withRowLock(r.db.WithContext(ctx).Model(&credits.Pack{}), "").
		Where("id IN ?", ids).
		Order("id ASC").
		Find(&packs).Error; err != nil {
		return nil, err
	}
	return packs, nil
}

// Save persists a pack
func (r *GormPackRepository) Save(ctx context.Context, pack *credits.Pack) error {
	return r.db.WithContext(ctx).Save(pack).Error
}

// IncrementUsed atomically consumes quantity units from a pack. The WHERE
// clause re-checks status and headroom so the update is a no-op if a
// concurrent writer got there first; the CASE flips the pack to used_up the
// moment it fills.
func (r *GormPackRepository) IncrementUsed(ctx context.Context, packID uuid.UUID, quantity int64, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&credits.Pack{}).
		Where("id = ? AND status = ? AND used + ? <= quantity", packID, credits.PackStatusActive, quantity).
		Updates(map[string]interface{}{
			"used":       gorm.Expr("used + ?", quantity),
			"status":     gorm.Expr("CASE WHEN used + ? = quantity THEN ? ELSE status END", quantity, credits.PackStatusUsedUp),
			"updated_at": now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ExpireOverdue flips active packs past their expiry to expired
func (r *GormPackRepository) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&credits.Pack{}).
		Where("status = ? AND expires_at <= ?", credits.PackStatusActive, now).
		Updates(map[string]interface{}{
			"status":     credits.PackStatusExpired,
			"updated_at": now,
		})
	return result.RowsAffected, result.Error
}

// AcquireConsumeLock takes a transaction-scoped advisory lock keyed on the
// tenant and channel. It serializes concurrent reserves for one tenant and
// channel, which closes the window where two transactions could both read
// the pending sum before either writes its reservation rows. Released
// automatically at commit or rollback. No-op off Postgres.
func (r *GormPackRepository) AcquireConsumeLock(ctx context.Context, tenantID uuid.UUID, packType credits.PackType) error {
	if r.db.Dialector.Name() != "postgres" {
		return nil
	}
	return r.db.WithContext(ctx).
		Exec("SELECT pg_advisory_xact_lock(?)", consumeLockKey(tenantID, packType)).Error
}

// consumeLockKey hashes the tenant and channel into the 64-bit advisory lock
// keyspace
func consumeLockKey(tenantID uuid.UUID, packType credits.PackType) int64 {
	h := fnv.New64a()
	h.Write(tenantID[:])
	h.Write([]byte(packType))
	return int64(h.Sum64())
}

// withRowLock adds a FOR UPDATE clause with the given options on Postgres.
// SQLite serializes writers at the database level and rejects the syntax, so
// the clause is skipped there.
func withRowLock(db *gorm.DB, options string) *gorm.DB {
	if db.Dialector.Name() != "postgres" {
		return db
	}
	return db.Clauses(clause.Locking{
		Strength: "UPDATE",
		Options:  options,
	})
}

// Ensure GormPackRepository implements PackRepository
var _ credits.PackRepository = (*GormPackRepository)(nil)
