package credits

import (
	"time"

	"github.com/google/uuid"
)

// Availability is an advisory snapshot of how many units a tenant could
// reserve right now for one channel. It is computed outside any transaction
// and may be slightly stale; the authoritative check happens inside Reserve.
type Availability struct {
	TenantID        uuid.UUID `json:"tenant_id"`
	PackType        PackType  `json:"pack_type"`
	TotalHeadroom   int64     `json:"total_headroom"`   // sum of remaining units across consumable packs
	PendingReserved int64     `json:"pending_reserved"` // units spoken for by non-expired pending reservations
	Available       int64     `json:"available"`        // TotalHeadroom - PendingReserved, floored at 0
	ComputedAt      time.Time `json:"computed_at"`
}

// CanCover returns true if the snapshot shows room for the requested quantity
func (a *Availability) CanCover(quantity int64) bool {
	return quantity > 0 && a.Available >= quantity
}
