package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fieldops/backend/internal/domain/credits"
	"github.com/fieldops/backend/internal/domain/shared"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// errCapacityExceeded aborts a finalize transaction when consuming the group
// would push a pack past its quantity. Internal control flow only; callers
// see FinalizeStatusCapacityExceeded.
var errCapacityExceeded = errors.New("pack capacity would be exceeded")

// AvailabilityCache caches advisory availability snapshots. Implementations
// must treat a miss as (nil, nil); cache failures are logged and never block
// the engine.
type AvailabilityCache interface {
	Get(ctx context.Context, tenantID uuid.UUID, packType credits.PackType) (*credits.Availability, error)
	Set(ctx context.Context, availability *credits.Availability) error
	Invalidate(ctx context.Context, tenantID uuid.UUID, packType credits.PackType) error
}

// ConsumptionConfig holds the engine's tunables
type ConsumptionConfig struct {
	// ReservationTTL is the soft deadline given to new reservations; anything
	// not finalized or released within it becomes eligible for expiry release
	ReservationTTL time.Duration
}

// DefaultConsumptionConfig returns the default engine configuration
func DefaultConsumptionConfig() ConsumptionConfig {
	return ConsumptionConfig{
		ReservationTTL: 5 * time.Minute,
	}
}

// ConsumptionService implements the reserve/finalize/release protocol that
// guarantees every credit is consumed exactly once. Reserve claims capacity
// without consuming it; the caller performs the external send between reserve
// and finalize/release, outside any lock; finalize converts the claim into
// consumed capacity atomically with the pack arithmetic.
type ConsumptionService struct {
	scope        TransactionScope
	packs        credits.PackRepository
	reservations credits.ReservationRepository
	cache        AvailabilityCache
	logger       *zap.Logger
	config       ConsumptionConfig
}

// NewConsumptionService creates a new ConsumptionService. cache may be nil.
func NewConsumptionService(
	scope TransactionScope,
	packs credits.PackRepository,
	reservations credits.ReservationRepository,
	cache AvailabilityCache,
	logger *zap.Logger,
	config ConsumptionConfig,
) *ConsumptionService {
	if config.ReservationTTL <= 0 {
		config.ReservationTTL = DefaultConsumptionConfig().ReservationTTL
	}
	return &ConsumptionService{
		scope:        scope,
		packs:        packs,
		reservations: reservations,
		cache:        cache,
		logger:       logger,
		config:       config,
	}
}

// Reserve claims quantity units of a channel for a tenant. On success it
// writes one pending ledger line per pack drawn from (FIFO by purchase time)
// and leaves every pack's used count untouched: a crash after reserve leaves
// capacity unconsumed and recoverable by expiry release.
func (s *ConsumptionService) Reserve(ctx context.Context, tenantID uuid.UUID, packType credits.PackType, quantity int64) (*ReserveResult, error) {
	if tenantID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}
	if !packType.IsValid() {
		return nil, shared.NewDomainError("INVALID_PACK_TYPE", "Unknown pack type")
	}
	if quantity <= 0 {
		return nil, shared.NewDomainError("INVALID_QUANTITY", "Reserve quantity must be positive")
	}

	result := &ReserveResult{
		Status:    ReserveStatusNoCapacity,
		Requested: quantity,
	}

	err := s.scope.Execute(ctx, func(repos TransactionalRepositories) error {
		now := time.Now()

		// Serializes concurrent reserves for the same tenant and channel so
		// the pending sum and the pack selection below observe a consistent
		// view. Finalize and release against other packs are unaffected.
		if err := repos.Packs().AcquireConsumeLock(ctx, tenantID, packType); err != nil {
			return err
		}

		pending, err := repos.Reservations().SumPending(ctx, tenantID, packType, now)
		if err != nil {
			return err
		}

		packs, err := repos.Packs().FindConsumableForUpdate(ctx, tenantID, packType, now)
		if err != nil {
			return err
		}

		var headroom int64
		for i := range packs {
			headroom += packs[i].Remaining()
		}

		available := headroom - pending
		if available < 0 {
			available = 0
		}
		result.Available = available

		if available < quantity {
			return nil
		}

		// Greedy FIFO walk: the oldest capacity expires soonest, so it is
		// drawn down first.
		var draws []packDraw
		remaining := quantity
		for i := range packs {
			if remaining == 0 {
				break
			}
			take := packs[i].Remaining()
			if take > remaining {
				take = remaining
			}
			draws = append(draws, packDraw{pack: &packs[i], quantity: take})
			remaining -= take
		}
		if remaining > 0 {
			// A concurrent transaction held locks on rows the availability
			// arithmetic counted on. Fail closed; nothing was written.
			// Report only what the walk could actually cover so callers never
			// see Available >= Requested on a rejection.
			result.Available = quantity - remaining
			return nil
		}

		groupID := uuid.New()
		lines := make([]*credits.Reservation, 0, len(draws))
		for _, d := range draws {
			line, err := credits.NewReservation(groupID, d.pack, d.quantity, s.config.ReservationTTL)
			if err != nil {
				return err
			}
			lines = append(lines, line)
		}
		if err := repos.Reservations().CreateBatch(ctx, lines); err != nil {
			return err
		}

		result.Status = ReserveStatusReserved
		result.GroupID = groupID
		result.Lines = make([]ReservedLine, len(lines))
		for i, line := range lines {
			result.Lines[i] = ReservedLine{
				ReservationID: line.ID,
				PackID:        line.PackID,
				Quantity:      line.Quantity,
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reserve credits: %w", err)
	}

	if result.Reserved() {
		s.invalidateAvailability(ctx, tenantID, packType)
		s.logger.Debug("Reserved credits",
			zap.String("tenant_id", tenantID.String()),
			zap.String("pack_type", packType.String()),
			zap.Int64("quantity", quantity),
			zap.String("group_id", result.GroupID.String()),
			zap.Int("packs_drawn", len(result.Lines)),
		)
	} else {
		s.logger.Info("Reservation rejected, no capacity",
			zap.String("tenant_id", tenantID.String()),
			zap.String("pack_type", packType.String()),
			zap.Int64("requested", quantity),
			zap.Int64("available", result.Available),
		)
	}
	return result, nil
}

// Finalize converts a reservation group into consumed capacity. All lines of
// the group finalize and all touched packs update in one transaction, or
// nothing does. Finalizing an unknown or already-terminal group returns
// FinalizeStatusExpired without touching any pack.
func (s *ConsumptionService) Finalize(ctx context.Context, groupID uuid.UUID) (*FinalizeResult, error) {
	if groupID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_GROUP", "Reservation group ID cannot be empty")
	}

	result := &FinalizeResult{
		Status:  FinalizeStatusExpired,
		GroupID: groupID,
	}
	var tenantID uuid.UUID
	var packType credits.PackType

	err := s.scope.Execute(ctx, func(repos TransactionalRepositories) error {
		now := time.Now()

		rows, err := repos.Reservations().FindOpenByGroupForUpdate(ctx, groupID)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		tenantID = rows[0].TenantID
		packType = rows[0].PackType

		// Fail closed on a passed deadline: release the whole group rather
		// than finalize part of it. Lines parked in compensation_required are
		// exempt; they are past their deadline by construction and are being
		// recovered deliberately.
		for i := range rows {
			if rows[i].IsPending() && rows[i].IsExpired(now) {
				if _, err := repos.Reservations().ReleaseGroup(ctx, groupID, now); err != nil {
					return err
				}
				result.Status = FinalizeStatusExpired
				return nil
			}
		}

		packIDs := make([]uuid.UUID, 0, len(rows))
		for i := range rows {
			packIDs = append(packIDs, rows[i].PackID)
		}
		packs, err := repos.Packs().FindByIDsForUpdate(ctx, packIDs)
		if err != nil {
			return err
		}
		packByID := make(map[uuid.UUID]*credits.Pack, len(packs))
		for i := range packs {
			packByID[packs[i].ID] = &packs[i]
		}

		// Verify before mutating so the whole group aborts on the first
		// violation. Unreachable given correct reserve accounting; the
		// conditional update below is the last line of defense.
		for i := range rows {
			pack, ok := packByID[rows[i].PackID]
			if !ok {
				return errCapacityExceeded
			}
			if pack.Status != credits.PackStatusActive || pack.Used+rows[i].Quantity > pack.Quantity {
				return errCapacityExceeded
			}
		}

		var consumed int64
		for i := range rows {
			ok, err := repos.Packs().IncrementUsed(ctx, rows[i].PackID, rows[i].Quantity, now)
			if err != nil {
				return err
			}
			if !ok {
				return errCapacityExceeded
			}
			if err := rows[i].Finalize(now); err != nil {
				return err
			}
			if err := repos.Reservations().Save(ctx, &rows[i]); err != nil {
				return err
			}
			consumed += rows[i].Quantity
		}

		result.Status = FinalizeStatusFinalized
		result.Consumed = consumed
		return nil
	})
	if errors.Is(err, errCapacityExceeded) {
		// Accounting bug: reserve promised capacity a pack does not have.
		// The transaction rolled back, so nothing was over-consumed.
		s.logger.Error("Finalize aborted, pack capacity would be exceeded",
			zap.String("group_id", groupID.String()),
			zap.String("tenant_id", tenantID.String()),
			zap.String("pack_type", packType.String()),
		)
		result.Status = FinalizeStatusCapacityExceeded
		result.Consumed = 0
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finalize credits: %w", err)
	}

	if result.Finalized() {
		s.invalidateAvailability(ctx, tenantID, packType)
		s.logger.Info("Finalized reservation",
			zap.String("group_id", groupID.String()),
			zap.String("tenant_id", tenantID.String()),
			zap.String("pack_type", packType.String()),
			zap.Int64("consumed", result.Consumed),
		)
	} else {
		s.logger.Info("Finalize found no open reservation",
			zap.String("group_id", groupID.String()),
		)
	}
	return result, nil
}

// Release discards a reservation group without consuming capacity. Safe to
// call repeatedly: lines already finalized or released are untouched.
func (s *ConsumptionService) Release(ctx context.Context, groupID uuid.UUID) error {
	if groupID == uuid.Nil {
		return shared.NewDomainError("INVALID_GROUP", "Reservation group ID cannot be empty")
	}

	rows, err := s.reservations.FindByGroup(ctx, groupID)
	if err != nil {
		return fmt.Errorf("release credits: %w", err)
	}

	released, err := s.reservations.ReleaseGroup(ctx, groupID, time.Now())
	if err != nil {
		return fmt.Errorf("release credits: %w", err)
	}

	if released > 0 && len(rows) > 0 {
		s.invalidateAvailability(ctx, rows[0].TenantID, rows[0].PackType)
		s.logger.Info("Released reservation",
			zap.String("group_id", groupID.String()),
			zap.String("tenant_id", rows[0].TenantID.String()),
			zap.Int64("lines_released", released),
		)
	}
	return nil
}

// CheckAvailability reports whether a tenant could reserve the requested
// quantity right now. Advisory only: the snapshot is computed outside any
// transaction and may be slightly stale. Enforcement happens in Reserve.
func (s *ConsumptionService) CheckAvailability(ctx context.Context, tenantID uuid.UUID, packType credits.PackType, quantity int64) (bool, *credits.Availability, error) {
	if tenantID == uuid.Nil {
		return false, nil, shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}
	if !packType.IsValid() {
		return false, nil, shared.NewDomainError("INVALID_PACK_TYPE", "Unknown pack type")
	}

	if s.cache != nil {
		cached, err := s.cache.Get(ctx, tenantID, packType)
		if err != nil {
			s.logger.Warn("Availability cache read failed", zap.Error(err))
		} else if cached != nil {
			return cached.CanCover(quantity), cached, nil
		}
	}

	now := time.Now()
	packs, err := s.packs.FindConsumable(ctx, tenantID, packType, now)
	if err != nil {
		return false, nil, fmt.Errorf("check availability: %w", err)
	}
	pending, err := s.reservations.SumPending(ctx, tenantID, packType, now)
	if err != nil {
		return false, nil, fmt.Errorf("check availability: %w", err)
	}

	var headroom int64
	for i := range packs {
		headroom += packs[i].Remaining()
	}
	available := headroom - pending
	if available < 0 {
		available = 0
	}

	snapshot := &credits.Availability{
		TenantID:        tenantID,
		PackType:        packType,
		TotalHeadroom:   headroom,
		PendingReserved: pending,
		Available:       available,
		ComputedAt:      now,
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, snapshot); err != nil {
			s.logger.Warn("Availability cache write failed", zap.Error(err))
		}
	}
	return snapshot.CanCover(quantity), snapshot, nil
}

// CleanupExpired releases pending reservations whose deadline passed without
// a finalize or release. Their capacity was never consumed, so there is
// nothing to compensate; they only need to stop starving availability.
func (s *ConsumptionService) CleanupExpired(ctx context.Context) (int64, error) {
	released, err := s.reservations.ReleaseExpired(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("cleanup expired reservations: %w", err)
	}
	if released > 0 {
		s.logger.Info("Released expired reservations", zap.Int64("count", released))
	}
	return released, nil
}

func (s *ConsumptionService) invalidateAvailability(ctx context.Context, tenantID uuid.UUID, packType credits.PackType) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, tenantID, packType); err != nil {
		s.logger.Warn("Availability cache invalidation failed",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err),
		)
	}
}
