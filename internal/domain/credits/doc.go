// Package credits contains the domain model for prepaid messaging credits.
//
// Tenants purchase credit packs (a finite quantity of SMS or email sends with
// an expiry date). Before a send attempt, the consumption engine reserves
// units against one or more packs; after the send resolves, the reservation is
// finalized (units permanently consumed) or released (units returned). The
// reservation ledger is append-only and doubles as the audit trail: rows
// transition between statuses but are never deleted.
//
// Two invariants are load-bearing and enforced here and in the persistence
// layer:
//
//   - a pack's used count never exceeds its quantity, guarded by a
//     conditional update rather than read-then-write;
//   - exactly one reservation row reaches finalized per unit consumed, and
//     its quantity is reflected in the pack's used count within the same
//     transaction.
package credits
