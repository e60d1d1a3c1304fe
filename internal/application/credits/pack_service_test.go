package credits_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	appcredits "github.com/fieldops/backend/internal/application/credits"
	"github.com/fieldops/backend/internal/domain/credits"
	"github.com/fieldops/backend/internal/infrastructure/cache"
	"github.com/fieldops/backend/internal/infrastructure/persistence"
)

func newPackService(t *testing.T, db *gorm.DB, availabilityCache appcredits.AvailabilityCache) *appcredits.PackService {
	t.Helper()

	return appcredits.NewPackService(
		persistence.NewGormPackRepository(db),
		availabilityCache,
		zap.NewNop(),
	)
}

func TestPackService_CreatePack(t *testing.T) {
	ctx := context.Background()
	db := setupCreditsTestDB(t)
	availabilityCache := cache.NewInMemoryAvailabilityCache(time.Minute)
	service := newPackService(t, db, availabilityCache)
	tenantID := uuid.New()
	now := time.Now()

	t.Run("persists the pack and refreshes availability", func(t *testing.T) {
		require.NoError(t, availabilityCache.Set(ctx, &credits.Availability{
			TenantID: tenantID,
			PackType: credits.PackTypeSMS,
		}))

		pack, err := service.CreatePack(ctx, tenantID, credits.PackTypeSMS, 500, now, now.Add(30*24*time.Hour))
		require.NoError(t, err)

		stored := reloadPack(t, db, pack.ID)
		assert.Equal(t, int64(500), stored.Quantity)
		assert.Equal(t, credits.PackStatusActive, stored.Status)

		cached, err := availabilityCache.Get(ctx, tenantID, credits.PackTypeSMS)
		require.NoError(t, err)
		assert.Nil(t, cached, "a new pack invalidates the cached snapshot")
	})

	t.Run("rejects invalid packs without writing", func(t *testing.T) {
		_, err := service.CreatePack(ctx, tenantID, credits.PackTypeSMS, -1, now, now.Add(time.Hour))
		require.Error(t, err)
	})
}

func TestPackService_ListPacks(t *testing.T) {
	ctx := context.Background()
	db := setupCreditsTestDB(t)
	service := newPackService(t, db, nil)
	tenantID := uuid.New()
	now := time.Now()

	newer := seedPack(t, db, tenantID, credits.PackTypeSMS, 100, now)
	older := seedPack(t, db, tenantID, credits.PackTypeSMS, 50, now.Add(-24*time.Hour))
	seedPack(t, db, tenantID, credits.PackTypeEmail, 10, now)
	seedPack(t, db, uuid.New(), credits.PackTypeSMS, 10, now)

	packs, err := service.ListPacks(ctx, tenantID, credits.PackTypeSMS)
	require.NoError(t, err)
	require.Len(t, packs, 2)
	assert.Equal(t, older.ID, packs[0].ID, "oldest purchase first")
	assert.Equal(t, newer.ID, packs[1].ID)
}

func TestPackService_ExpirePacks(t *testing.T) {
	ctx := context.Background()
	db := setupCreditsTestDB(t)
	service := newPackService(t, db, nil)
	tenantID := uuid.New()
	now := time.Now()

	overdue := seedPack(t, db, tenantID, credits.PackTypeSMS, 100, now.Add(-48*time.Hour))
	require.NoError(t, db.Model(&credits.Pack{}).
		Where("id = ?", overdue.ID).
		Update("expires_at", now.Add(-time.Hour)).Error)
	live := seedPack(t, db, tenantID, credits.PackTypeSMS, 100, now)

	expired, err := service.ExpirePacks(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), expired)

	assert.Equal(t, credits.PackStatusExpired, reloadPack(t, db, overdue.ID).Status)
	assert.Equal(t, credits.PackStatusActive, reloadPack(t, db, live.ID).Status)

	again, err := service.ExpirePacks(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), again, "already expired packs are not flipped twice")
}
