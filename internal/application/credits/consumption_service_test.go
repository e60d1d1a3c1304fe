package credits_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	appcredits "github.com/fieldops/backend/internal/application/credits"
	"github.com/fieldops/backend/internal/domain/credits"
	"github.com/fieldops/backend/internal/infrastructure/cache"
	"github.com/fieldops/backend/internal/infrastructure/persistence"
)

func setupCreditsTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	// An in-memory sqlite database exists per connection; a second pooled
	// connection would see an empty schema. One connection also serializes
	// concurrent transactions the way row locks do on postgres.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&credits.Pack{}, &credits.Reservation{}))
	return db
}

func newConsumptionService(t *testing.T, db *gorm.DB, availabilityCache appcredits.AvailabilityCache) *appcredits.ConsumptionService {
	t.Helper()

	return appcredits.NewConsumptionService(
		persistence.NewGormCreditsTransactionScope(db),
		persistence.NewGormPackRepository(db),
		persistence.NewGormReservationRepository(db),
		availabilityCache,
		zap.NewNop(),
		appcredits.ConsumptionConfig{ReservationTTL: 5 * time.Minute},
	)
}

func seedPack(t *testing.T, db *gorm.DB, tenantID uuid.UUID, packType credits.PackType, quantity int64, purchasedAt time.Time) *credits.Pack {
	t.Helper()

	pack, err := credits.NewPack(tenantID, packType, quantity, purchasedAt, purchasedAt.Add(365*24*time.Hour))
	require.NoError(t, err)
	require.NoError(t, db.Create(pack).Error)
	return pack
}

func reloadPack(t *testing.T, db *gorm.DB, id uuid.UUID) *credits.Pack {
	t.Helper()

	var pack credits.Pack
	require.NoError(t, db.First(&pack, "id = ?", id).Error)
	return &pack
}

func groupRows(t *testing.T, db *gorm.DB, groupID uuid.UUID) []credits.Reservation {
	t.Helper()

	var rows []credits.Reservation
	require.NoError(t, db.Where("group_id = ?", groupID).Order("id ASC").Find(&rows).Error)
	return rows
}

// forceGroupExpiry backdates a group's deadlines so it is already expired
func forceGroupExpiry(t *testing.T, db *gorm.DB, groupID uuid.UUID) {
	t.Helper()

	past := time.Now().Add(-time.Minute)
	require.NoError(t, db.Model(&credits.Reservation{}).
		Where("group_id = ?", groupID).
		Updates(map[string]interface{}{"expires_at": past, "original_expires_at": past}).Error)
}

func TestConsumptionService_Reserve(t *testing.T) {
	ctx := context.Background()

	t.Run("writes pending lines without touching the pack", func(t *testing.T) {
		db := setupCreditsTestDB(t)
		service := newConsumptionService(t, db, nil)
		tenantID := uuid.New()
		pack := seedPack(t, db, tenantID, credits.PackTypeSMS, 100, time.Now())

		result, err := service.Reserve(ctx, tenantID, credits.PackTypeSMS, 40)
		require.NoError(t, err)
		require.True(t, result.Reserved())
		assert.Equal(t, int64(100), result.Available)
		require.Len(t, result.Lines, 1)
		assert.Equal(t, pack.ID, result.Lines[0].PackID)
		assert.Equal(t, int64(40), result.Lines[0].Quantity)

		rows := groupRows(t, db, result.GroupID)
		require.Len(t, rows, 1)
		assert.Equal(t, credits.ReservationStatusPending, rows[0].Status)
		assert.Equal(t, int64(0), reloadPack(t, db, pack.ID).Used)
	})

	t.Run("draws packs in purchase order", func(t *testing.T) {
		db := setupCreditsTestDB(t)
		service := newConsumptionService(t, db, nil)
		tenantID := uuid.New()
		now := time.Now()
		older := seedPack(t, db, tenantID, credits.PackTypeSMS, 30, now.Add(-48*time.Hour))
		newer := seedPack(t, db, tenantID, credits.PackTypeSMS, 100, now)

		result, err := service.Reserve(ctx, tenantID, credits.PackTypeSMS, 50)
		require.NoError(t, err)
		require.True(t, result.Reserved())
		require.Len(t, result.Lines, 2)
		assert.Equal(t, older.ID, result.Lines[0].PackID)
		assert.Equal(t, int64(30), result.Lines[0].Quantity)
		assert.Equal(t, newer.ID, result.Lines[1].PackID)
		assert.Equal(t, int64(20), result.Lines[1].Quantity)
	})

	t.Run("pending reservations count against availability", func(t *testing.T) {
		db := setupCreditsTestDB(t)
		service := newConsumptionService(t, db, nil)
		tenantID := uuid.New()
		seedPack(t, db, tenantID, credits.PackTypeSMS, 100, time.Now())

		first, err := service.Reserve(ctx, tenantID, credits.PackTypeSMS, 60)
		require.NoError(t, err)
		require.True(t, first.Reserved())

		second, err := service.Reserve(ctx, tenantID, credits.PackTypeSMS, 50)
		require.NoError(t, err)
		assert.Equal(t, appcredits.ReserveStatusNoCapacity, second.Status)
		assert.Equal(t, int64(40), second.Available)
		assert.Empty(t, second.Lines)

		third, err := service.Reserve(ctx, tenantID, credits.PackTypeSMS, 40)
		require.NoError(t, err)
		assert.True(t, third.Reserved())
	})

	t.Run("channels do not share capacity", func(t *testing.T) {
		db := setupCreditsTestDB(t)
		service := newConsumptionService(t, db, nil)
		tenantID := uuid.New()
		seedPack(t, db, tenantID, credits.PackTypeSMS, 100, time.Now())

		result, err := service.Reserve(ctx, tenantID, credits.PackTypeEmail, 1)
		require.NoError(t, err)
		assert.Equal(t, appcredits.ReserveStatusNoCapacity, result.Status)
		assert.Equal(t, int64(0), result.Available)
	})

	t.Run("rejects invalid input", func(t *testing.T) {
		db := setupCreditsTestDB(t)
		service := newConsumptionService(t, db, nil)

		_, err := service.Reserve(ctx, uuid.Nil, credits.PackTypeSMS, 1)
		require.Error(t, err)

		_, err = service.Reserve(ctx, uuid.New(), credits.PackType("fax"), 1)
		require.Error(t, err)

		_, err = service.Reserve(ctx, uuid.New(), credits.PackTypeSMS, 0)
		require.Error(t, err)
	})
}

func TestConsumptionService_Finalize(t *testing.T) {
	ctx := context.Background()

	t.Run("consumes every line and increments packs atomically", func(t *testing.T) {
		db := setupCreditsTestDB(t)
		service := newConsumptionService(t, db, nil)
		tenantID := uuid.New()
		now := time.Now()
		older := seedPack(t, db, tenantID, credits.PackTypeSMS, 30, now.Add(-48*time.Hour))
		newer := seedPack(t, db, tenantID, credits.PackTypeSMS, 100, now)

		reserved, err := service.Reserve(ctx, tenantID, credits.PackTypeSMS, 50)
		require.NoError(t, err)
		require.True(t, reserved.Reserved())

		result, err := service.Finalize(ctx, reserved.GroupID)
		require.NoError(t, err)
		assert.Equal(t, appcredits.FinalizeStatusFinalized, result.Status)
		assert.Equal(t, int64(50), result.Consumed)

		oldPack := reloadPack(t, db, older.ID)
		assert.Equal(t, int64(30), oldPack.Used)
		assert.Equal(t, credits.PackStatusUsedUp, oldPack.Status, "fully drawn pack flips to used_up")

		newPack := reloadPack(t, db, newer.ID)
		assert.Equal(t, int64(20), newPack.Used)
		assert.Equal(t, credits.PackStatusActive, newPack.Status)

		for _, row := range groupRows(t, db, reserved.GroupID) {
			assert.Equal(t, credits.ReservationStatusFinalized, row.Status)
			assert.NotNil(t, row.FinalizedAt)
		}
	})

	t.Run("unknown group reports expired", func(t *testing.T) {
		db := setupCreditsTestDB(t)
		service := newConsumptionService(t, db, nil)

		result, err := service.Finalize(ctx, uuid.New())
		require.NoError(t, err)
		assert.Equal(t, appcredits.FinalizeStatusExpired, result.Status)
		assert.Equal(t, int64(0), result.Consumed)
	})

	t.Run("second finalize is a no-op", func(t *testing.T) {
		db := setupCreditsTestDB(t)
		service := newConsumptionService(t, db, nil)
		tenantID := uuid.New()
		pack := seedPack(t, db, tenantID, credits.PackTypeEmail, 100, time.Now())

		reserved, err := service.Reserve(ctx, tenantID, credits.PackTypeEmail, 25)
		require.NoError(t, err)

		first, err := service.Finalize(ctx, reserved.GroupID)
		require.NoError(t, err)
		require.True(t, first.Finalized())

		second, err := service.Finalize(ctx, reserved.GroupID)
		require.NoError(t, err)
		assert.Equal(t, appcredits.FinalizeStatusExpired, second.Status)
		assert.Equal(t, int64(25), reloadPack(t, db, pack.ID).Used, "capacity is consumed exactly once")
	})

	t.Run("expired group releases instead of consuming", func(t *testing.T) {
		db := setupCreditsTestDB(t)
		service := newConsumptionService(t, db, nil)
		tenantID := uuid.New()
		pack := seedPack(t, db, tenantID, credits.PackTypeSMS, 100, time.Now())

		reserved, err := service.Reserve(ctx, tenantID, credits.PackTypeSMS, 40)
		require.NoError(t, err)
		forceGroupExpiry(t, db, reserved.GroupID)

		result, err := service.Finalize(ctx, reserved.GroupID)
		require.NoError(t, err)
		assert.Equal(t, appcredits.FinalizeStatusExpired, result.Status)

		rows := groupRows(t, db, reserved.GroupID)
		require.Len(t, rows, 1)
		assert.Equal(t, credits.ReservationStatusReleased, rows[0].Status)
		assert.Equal(t, int64(0), reloadPack(t, db, pack.ID).Used)
	})

	t.Run("capacity violation rolls the whole group back", func(t *testing.T) {
		db := setupCreditsTestDB(t)
		service := newConsumptionService(t, db, nil)
		tenantID := uuid.New()
		pack := seedPack(t, db, tenantID, credits.PackTypeSMS, 100, time.Now())

		reserved, err := service.Reserve(ctx, tenantID, credits.PackTypeSMS, 40)
		require.NoError(t, err)

		// Corrupt the accounting behind the reservation's back.
		require.NoError(t, db.Model(&credits.Pack{}).
			Where("id = ?", pack.ID).
			Update("used", 90).Error)

		result, err := service.Finalize(ctx, reserved.GroupID)
		require.NoError(t, err)
		assert.Equal(t, appcredits.FinalizeStatusCapacityExceeded, result.Status)
		assert.Equal(t, int64(0), result.Consumed)

		assert.Equal(t, int64(90), reloadPack(t, db, pack.ID).Used, "aborted finalize must not consume")
		rows := groupRows(t, db, reserved.GroupID)
		require.Len(t, rows, 1)
		assert.Equal(t, credits.ReservationStatusPending, rows[0].Status)
	})
}

func TestConsumptionService_Release(t *testing.T) {
	ctx := context.Background()
	db := setupCreditsTestDB(t)
	service := newConsumptionService(t, db, nil)
	tenantID := uuid.New()
	pack := seedPack(t, db, tenantID, credits.PackTypeSMS, 100, time.Now())

	reserved, err := service.Reserve(ctx, tenantID, credits.PackTypeSMS, 40)
	require.NoError(t, err)

	require.NoError(t, service.Release(ctx, reserved.GroupID))
	rows := groupRows(t, db, reserved.GroupID)
	require.Len(t, rows, 1)
	assert.Equal(t, credits.ReservationStatusReleased, rows[0].Status)
	assert.Equal(t, int64(0), reloadPack(t, db, pack.ID).Used)

	require.NoError(t, service.Release(ctx, reserved.GroupID), "release is idempotent")
	require.NoError(t, service.Release(ctx, uuid.New()), "releasing an unknown group is not an error")

	result, err := service.Finalize(ctx, reserved.GroupID)
	require.NoError(t, err)
	assert.Equal(t, appcredits.FinalizeStatusExpired, result.Status, "a released group can no longer finalize")

	// The released capacity is reservable again.
	again, err := service.Reserve(ctx, tenantID, credits.PackTypeSMS, 100)
	require.NoError(t, err)
	assert.True(t, again.Reserved())
}

func TestConsumptionService_CheckAvailability(t *testing.T) {
	ctx := context.Background()

	t.Run("reports headroom minus pending", func(t *testing.T) {
		db := setupCreditsTestDB(t)
		service := newConsumptionService(t, db, nil)
		tenantID := uuid.New()
		seedPack(t, db, tenantID, credits.PackTypeSMS, 100, time.Now())

		_, err := service.Reserve(ctx, tenantID, credits.PackTypeSMS, 30)
		require.NoError(t, err)

		ok, snapshot, err := service.CheckAvailability(ctx, tenantID, credits.PackTypeSMS, 70)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(100), snapshot.TotalHeadroom)
		assert.Equal(t, int64(30), snapshot.PendingReserved)
		assert.Equal(t, int64(70), snapshot.Available)

		ok, _, err = service.CheckAvailability(ctx, tenantID, credits.PackTypeSMS, 71)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("serves repeat checks from cache and invalidates on reserve", func(t *testing.T) {
		db := setupCreditsTestDB(t)
		service := newConsumptionService(t, db, cache.NewInMemoryAvailabilityCache(time.Minute))
		tenantID := uuid.New()
		seedPack(t, db, tenantID, credits.PackTypeSMS, 100, time.Now())

		_, first, err := service.CheckAvailability(ctx, tenantID, credits.PackTypeSMS, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(100), first.Available)

		// A write the cache knows nothing about: the snapshot stays stale
		// until something invalidates it.
		seedPack(t, db, tenantID, credits.PackTypeSMS, 50, time.Now())
		_, cached, err := service.CheckAvailability(ctx, tenantID, credits.PackTypeSMS, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(100), cached.Available)

		reserved, err := service.Reserve(ctx, tenantID, credits.PackTypeSMS, 20)
		require.NoError(t, err)
		require.True(t, reserved.Reserved())

		_, fresh, err := service.CheckAvailability(ctx, tenantID, credits.PackTypeSMS, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(130), fresh.Available)
	})
}

func TestConsumptionService_CleanupExpired(t *testing.T) {
	ctx := context.Background()
	db := setupCreditsTestDB(t)
	service := newConsumptionService(t, db, nil)
	tenantID := uuid.New()
	seedPack(t, db, tenantID, credits.PackTypeSMS, 100, time.Now())

	expired, err := service.Reserve(ctx, tenantID, credits.PackTypeSMS, 30)
	require.NoError(t, err)
	live, err := service.Reserve(ctx, tenantID, credits.PackTypeSMS, 20)
	require.NoError(t, err)

	forceGroupExpiry(t, db, expired.GroupID)

	released, err := service.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), released)

	assert.Equal(t, credits.ReservationStatusReleased, groupRows(t, db, expired.GroupID)[0].Status)
	assert.Equal(t, credits.ReservationStatusPending, groupRows(t, db, live.GroupID)[0].Status)

	again, err := service.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), again)
}

func TestConsumptionService_ConcurrentReserve(t *testing.T) {
	ctx := context.Background()

	t.Run("rivals for the last unit, exactly one wins", func(t *testing.T) {
		db := setupCreditsTestDB(t)
		service := newConsumptionService(t, db, nil)
		tenantID := uuid.New()
		pack := seedPack(t, db, tenantID, credits.PackTypeSMS, 1, time.Now())

		const rivals = 8
		var wg sync.WaitGroup
		var reserved, rejected atomic.Int64
		errs := make(chan error, rivals)

		for i := 0; i < rivals; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				result, err := service.Reserve(ctx, tenantID, credits.PackTypeSMS, 1)
				if err != nil {
					errs <- err
					return
				}
				if result.Reserved() {
					reserved.Add(1)
				} else {
					rejected.Add(1)
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		assert.Equal(t, int64(1), reserved.Load())
		assert.Equal(t, int64(rivals-1), rejected.Load())

		var pending int64
		require.NoError(t, db.Model(&credits.Reservation{}).
			Where("status = ?", credits.ReservationStatusPending).
			Count(&pending).Error)
		assert.Equal(t, int64(1), pending, "losers leave no ledger lines behind")

		loaded := reloadPack(t, db, pack.ID)
		assert.GreaterOrEqual(t, loaded.Used, int64(0))
		assert.LessOrEqual(t, loaded.Used, loaded.Quantity)
	})

	t.Run("finalize storm consumes exactly once", func(t *testing.T) {
		db := setupCreditsTestDB(t)
		service := newConsumptionService(t, db, nil)
		tenantID := uuid.New()
		pack := seedPack(t, db, tenantID, credits.PackTypeSMS, 100, time.Now())

		result, err := service.Reserve(ctx, tenantID, credits.PackTypeSMS, 40)
		require.NoError(t, err)
		require.True(t, result.Reserved())

		const callers = 8
		var wg sync.WaitGroup
		var finalized atomic.Int64
		errs := make(chan error, callers)

		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := service.Finalize(ctx, result.GroupID)
				if err != nil {
					errs <- err
					return
				}
				if res.Finalized() {
					finalized.Add(1)
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		assert.Equal(t, int64(1), finalized.Load(), "only one caller sees the consume")
		loaded := reloadPack(t, db, pack.ID)
		assert.Equal(t, int64(40), loaded.Used)
		assert.LessOrEqual(t, loaded.Used, loaded.Quantity)
	})
}

// fixedScope hands the same repositories to every execution, bypassing real
// transaction handling so a test can inject skewed repository behavior
type fixedScope struct {
	repos appcredits.TransactionalRepositories
}

func (s *fixedScope) Execute(ctx context.Context, fn func(appcredits.TransactionalRepositories) error) error {
	return fn(s.repos)
}

type stubRepos struct {
	packs        credits.PackRepository
	reservations credits.ReservationRepository
}

func (r *stubRepos) Packs() credits.PackRepository               { return r.packs }
func (r *stubRepos) Reservations() credits.ReservationRepository { return r.reservations }

// skewedPendingReservations reports a fixed pending sum regardless of ledger
// contents
type skewedPendingReservations struct {
	credits.ReservationRepository
	pending int64
}

func (r *skewedPendingReservations) SumPending(ctx context.Context, tenantID uuid.UUID, packType credits.PackType, now time.Time) (int64, error) {
	return r.pending, nil
}

func TestConsumptionService_Reserve_SkewedAccounting(t *testing.T) {
	ctx := context.Background()
	db := setupCreditsTestDB(t)
	tenantID := uuid.New()
	seedPack(t, db, tenantID, credits.PackTypeSMS, 10, time.Now())

	// A corrupted pending sum inflates the availability arithmetic past what
	// the packs can actually cover. The draw must fail closed, and the
	// rejection must not echo the inflated figure back to the caller.
	reservations := &skewedPendingReservations{
		ReservationRepository: persistence.NewGormReservationRepository(db),
		pending:               -30,
	}
	scope := &fixedScope{repos: &stubRepos{
		packs:        persistence.NewGormPackRepository(db),
		reservations: reservations,
	}}
	service := appcredits.NewConsumptionService(
		scope,
		persistence.NewGormPackRepository(db),
		reservations,
		nil,
		zap.NewNop(),
		appcredits.ConsumptionConfig{ReservationTTL: 5 * time.Minute},
	)

	result, err := service.Reserve(ctx, tenantID, credits.PackTypeSMS, 20)
	require.NoError(t, err)
	assert.Equal(t, appcredits.ReserveStatusNoCapacity, result.Status)
	assert.Equal(t, int64(10), result.Available, "only what the packs could cover")
	assert.Less(t, result.Available, result.Requested)

	var rows int64
	require.NoError(t, db.Model(&credits.Reservation{}).Count(&rows).Error)
	assert.Equal(t, int64(0), rows, "nothing was written")
}
