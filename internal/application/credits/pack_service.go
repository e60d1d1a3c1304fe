package credits

import (
	"context"
	"time"

	"github.com/fieldops/backend/internal/domain/credits"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PackService manages the credit pack lifecycle around the consumption path:
// provisioning purchased packs and expiring overdue ones
type PackService struct {
	packs  credits.PackRepository
	cache  AvailabilityCache
	logger *zap.Logger
}

// NewPackService creates a new PackService
func NewPackService(packs credits.PackRepository, cache AvailabilityCache, logger *zap.Logger) *PackService {
	return &PackService{
		packs:  packs,
		cache:  cache,
		logger: logger,
	}
}

// CreatePack provisions a purchased credit pack for a tenant
func (s *PackService) CreatePack(
	ctx context.Context,
	tenantID uuid.UUID,
	packType credits.PackType,
	quantity int64,
	purchasedAt, expiresAt time.Time,
) (*credits.Pack, error) {
	pack, err := credits.NewPack(tenantID, packType, quantity, purchasedAt, expiresAt)
	if err != nil {
		return nil, err
	}

	if err := s.packs.Save(ctx, pack); err != nil {
		return nil, err
	}

	s.invalidateAvailability(ctx, tenantID, packType)
	s.logger.Info("Credit pack created",
		zap.String("pack_id", pack.ID.String()),
		zap.String("tenant_id", tenantID.String()),
		zap.String("pack_type", string(packType)),
		zap.Int64("quantity", quantity),
		zap.Time("expires_at", expiresAt),
	)
	return pack, nil
}

// ListPacks returns a tenant's packs for one channel, oldest purchase first
func (s *PackService) ListPacks(ctx context.Context, tenantID uuid.UUID, packType credits.PackType) ([]credits.Pack, error) {
	return s.packs.FindByTenantAndType(ctx, tenantID, packType)
}

// ExpirePacks transitions active packs past their expiry to expired. Expiry
// eligibility is time-based either way; the status flip keeps reads honest.
func (s *PackService) ExpirePacks(ctx context.Context) (int64, error) {
	expired, err := s.packs.ExpireOverdue(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		s.logger.Info("Expired overdue credit packs", zap.Int64("count", expired))
	}
	return expired, nil
}

func (s *PackService) invalidateAvailability(ctx context.Context, tenantID uuid.UUID, packType credits.PackType) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, tenantID, packType); err != nil {
		s.logger.Warn("Failed to invalidate availability cache",
			zap.String("tenant_id", tenantID.String()),
			zap.String("pack_type", string(packType)),
			zap.Error(err),
		)
	}
}
