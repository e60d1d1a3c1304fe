package credits

import (
	"time"

	"github.com/fieldops/backend/internal/domain/shared"
	"github.com/google/uuid"
)

// PackType identifies the messaging channel a credit pack pays for
type PackType string

const (
	// PackTypeSMS covers outbound text messages
	PackTypeSMS PackType = "sms"

	// PackTypeEmail covers outbound emails
	PackTypeEmail PackType = "email"
)

// String returns the string representation of PackType
func (t PackType) String() string {
	return string(t)
}

// IsValid returns true if the pack type is a known channel
func (t PackType) IsValid() bool {
	switch t {
	case PackTypeSMS, PackTypeEmail:
		return true
	}
	return false
}

// PackStatus represents the lifecycle state of a credit pack
type PackStatus string

const (
	// PackStatusActive means the pack still has consumable headroom
	PackStatusActive PackStatus = "active"

	// PackStatusUsedUp means every unit of the pack has been consumed
	PackStatusUsedUp PackStatus = "used_up"

	// PackStatusExpired means the pack passed its expiry before being used up
	PackStatusExpired PackStatus = "expired"
)

// String returns the string representation of PackStatus
func (s PackStatus) String() string {
	return string(s)
}

// Pack is a purchased block of prepaid send capacity for one channel.
// Used is monotonically non-decreasing and only ever incremented by a
// successful finalize; 0 <= Used <= Quantity holds at all times.
type Pack struct {
	shared.TenantEntity
	PackType    PackType   `gorm:"type:varchar(20);not null;index:idx_packs_tenant_type"`
	Quantity    int64      `gorm:"not null"`
	Used        int64      `gorm:"not null;default:0"`
	Status      PackStatus `gorm:"type:varchar(20);not null;default:'active';index"`
	PurchasedAt time.Time  `gorm:"not null;index"`
	ExpiresAt   time.Time  `gorm:"not null;index"`
}

// TableName returns the table name for GORM
func (Pack) TableName() string {
	return "credit_packs"
}

// NewPack registers a purchased credit pack
func NewPack(tenantID uuid.UUID, packType PackType, quantity int64, purchasedAt, expiresAt time.Time) (*Pack, error) {
	if tenantID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}
	if !packType.IsValid() {
		return nil, shared.NewDomainError("INVALID_PACK_TYPE", "Unknown pack type")
	}
	if quantity <= 0 {
		return nil, shared.NewDomainError("INVALID_QUANTITY", "Pack quantity must be positive")
	}
	if !expiresAt.After(purchasedAt) {
		return nil, shared.NewDomainError("INVALID_EXPIRY", "Pack expiry must be after purchase time")
	}

	return &Pack{
		TenantEntity: shared.NewTenantEntity(tenantID),
		PackType:     packType,
		Quantity:     quantity,
		Used:         0,
		Status:       PackStatusActive,
		PurchasedAt:  purchasedAt,
		ExpiresAt:    expiresAt,
	}, nil
}

// Remaining returns the unconsumed headroom of the pack
func (p *Pack) Remaining() int64 {
	return p.Quantity - p.Used
}

// IsExpired returns true if the pack's expiry has passed, regardless of status
func (p *Pack) IsExpired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// IsConsumable returns true if the pack can still be drawn from
func (p *Pack) IsConsumable(now time.Time) bool {
	return p.Status == PackStatusActive && !p.IsExpired(now) && p.Remaining() > 0
}

// RecordConsumption increments the used count after a finalize.
// The persistence layer re-checks the same bound in its conditional update;
// this guard exists so the in-memory aggregate can never go inconsistent.
func (p *Pack) RecordConsumption(quantity int64) error {
	if quantity <= 0 {
		return shared.NewDomainError("INVALID_QUANTITY", "Consumption quantity must be positive")
	}
	if p.Status != PackStatusActive {
		return shared.ErrInvalidState
	}
	if p.Used+quantity > p.Quantity {
		return shared.NewDomainError("CAPACITY_EXCEEDED", "Consumption would exceed pack quantity")
	}

	p.Used += quantity
	if p.Used == p.Quantity {
		p.Status = PackStatusUsedUp
	}
	p.Touch()
	return nil
}

// MarkExpired flips the pack to expired. Selection already excludes packs past
// their expiry, so this is housekeeping for reporting, not enforcement.
func (p *Pack) MarkExpired() {
	if p.Status == PackStatusActive {
		p.Status = PackStatusExpired
		p.Touch()
	}
}
