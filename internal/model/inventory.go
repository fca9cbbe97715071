package model

import "time"

// CounterKind distinguishes the two sellable pools.  Ticket tiers are
// paid and flow through payment intents; guestlist quotas confirm
// without a charge.
type CounterKind string

const (
	KindTicketTier CounterKind = "TICKET_TIER"
	KindGuestlist  CounterKind = "GUESTLIST"
)

// InventoryCounter is one versioned stock pool.  Version increments on
// every counter write; updates are conditioned on the version read, so
// two transactions can never both apply against the same snapshot.
//
// Fields:
//
//	Capacity   – total sellable quantity, never exceeded
//	Sold       – quantity on confirmed purchases
//	Reserved   – quantity on live holds (advisory; the reservation path
//	             recomputes the live sum inside its transaction)
//	PriceCents – unit price, zero for guestlist quotas
type InventoryCounter struct {
	ID         uint64
	Name       string
	Kind       CounterKind
	Capacity   int
	Sold       int
	Reserved   int
	PriceCents int64
	Version    uint64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Available returns the open quantity according to the counter columns
// alone.  Expired-but-unswept holds still count here; callers needing
// the exact figure recompute from the live reservation sum.
func (c InventoryCounter) Available() int {
	a := c.Capacity - c.Sold - c.Reserved
	if a < 0 {
		return 0
	}
	return a
}
