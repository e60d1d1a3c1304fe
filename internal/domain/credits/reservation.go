package credits

import (
	"time"

	"github.com/fieldops/backend/internal/domain/shared"
	"github.com/google/uuid"
)

// ReservationStatus represents the state of a ledger entry
type ReservationStatus string

const (
	// ReservationStatusPending means the reservation is in flight: capacity is
	// spoken for but the pack's used count is untouched
	ReservationStatusPending ReservationStatus = "pending"

	// ReservationStatusFinalized means the reservation's quantity has been
	// permanently consumed from its pack. Terminal.
	ReservationStatusFinalized ReservationStatus = "finalized"

	// ReservationStatusReleased means the reservation was discarded without
	// consuming capacity (send failed or deadline passed). Terminal.
	ReservationStatusReleased ReservationStatus = "released"

	// ReservationStatusCompensationRequired means automatic retries were
	// exhausted and the reservation awaits escalated handling. The only exit
	// is a successful finalize.
	ReservationStatusCompensationRequired ReservationStatus = "compensation_required"
)

// String returns the string representation of ReservationStatus
func (s ReservationStatus) String() string {
	return string(s)
}

// IsTerminal returns true for states a reservation never leaves
func (s ReservationStatus) IsTerminal() bool {
	return s == ReservationStatusFinalized || s == ReservationStatusReleased
}

// Reservation is one line of the reservation ledger: a time-boxed claim
// against a single pack's headroom. A caller-visible reservation is a group
// of 1..N lines sharing a GroupID, one per pack drawn from in FIFO order;
// the whole group transitions together.
type Reservation struct {
	shared.BaseEntity
	GroupID                uuid.UUID         `gorm:"type:uuid;not null;index"`
	TenantID               uuid.UUID         `gorm:"type:uuid;not null;index:idx_reservations_tenant_type"`
	PackID                 uuid.UUID         `gorm:"type:uuid;not null;index"`
	PackType               PackType          `gorm:"type:varchar(20);not null;index:idx_reservations_tenant_type"`
	Quantity               int64             `gorm:"not null"`
	Status                 ReservationStatus `gorm:"type:varchar(30);not null;default:'pending';index"`
	ExpiresAt              time.Time         `gorm:"not null;index"`
	OriginalExpiresAt      time.Time         `gorm:"not null"`
	AttemptCount           int               `gorm:"not null;default:0"`
	InlineAttempts         int               `gorm:"not null;default:0"`
	LastError              string            `gorm:"type:text"`
	NextRetryAt            *time.Time        `gorm:"index"`
	CompensationRequiredAt *time.Time
	FinalizedAt            *time.Time
	ReleasedAt             *time.Time
}

// TableName returns the table name for GORM
func (Reservation) TableName() string {
	return "credit_reservations"
}

// NewReservation creates a pending ledger line against one pack.
// OriginalExpiresAt anchors the maximum deadline-extension window and is
// never mutated afterwards.
func NewReservation(groupID uuid.UUID, pack *Pack, quantity int64, ttl time.Duration) (*Reservation, error) {
	if groupID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_GROUP", "Reservation group ID cannot be empty")
	}
	if quantity <= 0 {
		return nil, shared.NewDomainError("INVALID_QUANTITY", "Reservation quantity must be positive")
	}
	if quantity > pack.Remaining() {
		return nil, shared.NewDomainError("INVALID_QUANTITY", "Reservation quantity exceeds pack headroom")
	}
	if ttl <= 0 {
		return nil, shared.NewDomainError("INVALID_TTL", "Reservation TTL must be positive")
	}

	expiresAt := time.Now().Add(ttl)
	return &Reservation{
		BaseEntity:        shared.NewBaseEntity(),
		GroupID:           groupID,
		TenantID:          pack.TenantID,
		PackID:            pack.ID,
		PackType:          pack.PackType,
		Quantity:          quantity,
		Status:            ReservationStatusPending,
		ExpiresAt:         expiresAt,
		OriginalExpiresAt: expiresAt,
	}, nil
}

// IsPending returns true while the reservation is in flight
func (r *Reservation) IsPending() bool {
	return r.Status == ReservationStatusPending
}

// IsExpired returns true if the soft deadline has passed
func (r *Reservation) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Finalize transitions the reservation to finalized. Permitted from pending
// and from compensation_required (the recovery path).
func (r *Reservation) Finalize(now time.Time) error {
	if r.Status != ReservationStatusPending && r.Status != ReservationStatusCompensationRequired {
		return shared.ErrInvalidState
	}
	r.Status = ReservationStatusFinalized
	r.FinalizedAt = &now
	r.NextRetryAt = nil
	r.Touch()
	return nil
}

// Release transitions the reservation to released. Only pending reservations
// can be released; anything else is a no-op so that release stays idempotent.
func (r *Reservation) Release(now time.Time) bool {
	if r.Status != ReservationStatusPending {
		return false
	}
	r.Status = ReservationStatusReleased
	r.ReleasedAt = &now
	r.NextRetryAt = nil
	r.Touch()
	return true
}

// RecordAttempt persists the outcome of a failed finalize attempt so that a
// later process (or instance) can pick up where this one left off.
func (r *Reservation) RecordAttempt(lastError string, nextRetryAt *time.Time) {
	r.AttemptCount++
	r.LastError = lastError
	r.NextRetryAt = nextRetryAt
	r.Touch()
}

// MarkHandedOff snapshots the attempt count accumulated by inline retries.
// Attempts recorded before the snapshot never count against the background
// retry ceiling; only attempts made after it do.
func (r *Reservation) MarkHandedOff() {
	r.InlineAttempts = r.AttemptCount
	r.Touch()
}

// BackgroundAttempts returns how many finalize attempts have been made since
// the reservation was handed to background processing
func (r *Reservation) BackgroundAttempts() int {
	if r.AttemptCount <= r.InlineAttempts {
		return 0
	}
	return r.AttemptCount - r.InlineAttempts
}

// MaxExtendedDeadline returns the latest deadline this reservation may ever
// be extended to, given the configured extension window.
func (r *Reservation) MaxExtendedDeadline(maxExtension time.Duration) time.Time {
	return r.OriginalExpiresAt.Add(maxExtension)
}

// ExtendDeadline moves the soft deadline to the given time, capped at
// OriginalExpiresAt + maxExtension. Returns false if the requested deadline
// lies beyond the cap, in which case nothing changes and the caller must
// escalate instead of extending.
func (r *Reservation) ExtendDeadline(until time.Time, maxExtension time.Duration) bool {
	if until.After(r.MaxExtendedDeadline(maxExtension)) {
		return false
	}
	if until.After(r.ExpiresAt) {
		r.ExpiresAt = until
		r.Touch()
	}
	return true
}

// RequireCompensation parks the reservation for escalated handling. The
// deadline stops mattering from here on; recovery happens via an explicit
// finalize against the group.
func (r *Reservation) RequireCompensation(now time.Time) error {
	if r.Status != ReservationStatusPending {
		return shared.ErrInvalidState
	}
	r.Status = ReservationStatusCompensationRequired
	r.CompensationRequiredAt = &now
	r.NextRetryAt = nil
	r.Touch()
	return nil
}
