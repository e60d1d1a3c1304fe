package credits

import (
	"github.com/fieldops/backend/internal/domain/credits"
	"github.com/google/uuid"
)

// ReserveStatus is the caller-visible outcome of a Reserve call.
// Running out of quota is an expected business condition, not an error;
// errors are reserved for transient infrastructure failures.
type ReserveStatus string

const (
	// ReserveStatusReserved means pending ledger lines were written and the
	// caller may attempt the send
	ReserveStatusReserved ReserveStatus = "reserved"

	// ReserveStatusNoCapacity means the tenant lacks headroom for the
	// requested quantity; nothing was written
	ReserveStatusNoCapacity ReserveStatus = "no_capacity"
)

// ReservedLine describes one ledger line of a successful reservation
type ReservedLine struct {
	ReservationID uuid.UUID `json:"reservation_id"`
	PackID        uuid.UUID `json:"pack_id"`
	Quantity      int64     `json:"quantity"`
}

// ReserveResult is the outcome of a Reserve call
type ReserveResult struct {
	Status    ReserveStatus  `json:"status"`
	GroupID   uuid.UUID      `json:"group_id,omitempty"` // set when Status is reserved
	Lines     []ReservedLine `json:"lines,omitempty"`
	Requested int64          `json:"requested"`
	Available int64          `json:"available"` // headroom seen inside the transaction
}

// Reserved returns true if capacity was successfully claimed
func (r *ReserveResult) Reserved() bool {
	return r.Status == ReserveStatusReserved
}

// FinalizeStatus is the caller-visible outcome of a Finalize call
type FinalizeStatus string

const (
	// FinalizeStatusFinalized means every line of the group was consumed and
	// the packs' used counts were incremented in the same transaction
	FinalizeStatusFinalized FinalizeStatus = "finalized"

	// FinalizeStatusExpired means no open lines existed for the group: it was
	// already terminal, never existed, or its deadline passed (in which case
	// the lines were released, fail closed)
	FinalizeStatusExpired FinalizeStatus = "expired"

	// FinalizeStatusCapacityExceeded means consuming the group would push a
	// pack past its quantity. This indicates a reservation accounting bug and
	// is logged at the highest severity; the transaction is rolled back and
	// no capacity is consumed.
	FinalizeStatusCapacityExceeded FinalizeStatus = "capacity_exceeded"

	// FinalizeStatusDeferred means inline retries were exhausted and the group
	// was handed to the background compensation processor. Only produced by
	// the retry orchestrator under the fail-open policy.
	FinalizeStatusDeferred FinalizeStatus = "deferred"
)

// FinalizeResult is the outcome of a Finalize call
type FinalizeResult struct {
	Status   FinalizeStatus `json:"status"`
	GroupID  uuid.UUID      `json:"group_id"`
	Consumed int64          `json:"consumed"` // total units consumed, 0 unless finalized
}

// Finalized returns true if capacity was consumed
func (r *FinalizeResult) Finalized() bool {
	return r.Status == FinalizeStatusFinalized
}

// packDraw pairs a pack with the quantity greedily assigned from it during
// FIFO selection
type packDraw struct {
	pack     *credits.Pack
	quantity int64
}
