package model

import "time"

// ReservationStatus enumerates the lifecycle states of a stock hold.
// RESERVED is the only non-terminal state; a reservation must reach a
// terminal state before its expiry or be forced to EXPIRED by the
// sweeper.
type ReservationStatus string

const (
	ReservationReserved  ReservationStatus = "RESERVED"
	ReservationConfirmed ReservationStatus = "CONFIRMED"
	ReservationCancelled ReservationStatus = "CANCELLED"
	ReservationExpired   ReservationStatus = "EXPIRED"
)

// Terminal reports whether the status permits no further transitions.
func (s ReservationStatus) Terminal() bool {
	return s == ReservationConfirmed || s == ReservationCancelled || s == ReservationExpired
}

// Reservation is a time-bounded hold of quantity units against one
// inventory counter.  Creation and the counter increment are atomic;
// confirm moves the quantity from reserved to sold, cancel and expire
// return it to the pool.
//
// Fields:
//  ID          – UUID primary key.
//  CounterID   – inventory counter being held against.
//  HolderID    – identity of the purchasing user.
//  Quantity    – units held; always positive.
//  Status      – RESERVED, CONFIRMED, CANCELLED or EXPIRED.
//  IntentID    – linked payment intent, when created through one.
//  ExternalRef – payment gateway transaction reference (set on confirm).
//  ExpiresAt   – implicit cancellation deadline.
//  CreatedAt   – creation timestamp.
//  UpdatedAt   – last update timestamp.
type Reservation struct {
	ID          string            // reservations.id
	CounterID   uint64            // reservations.counter_id
	HolderID    uint64            // reservations.holder_id
	Quantity    int               // reservations.quantity
	Status      ReservationStatus // reservations.status
	IntentID    *string           // reservations.intent_id (nullable)
	ExternalRef *string           // reservations.external_ref (nullable)
	ExpiresAt   time.Time         // reservations.expires_at
	CreatedAt   time.Time         // reservations.created_at
	UpdatedAt   time.Time         // reservations.updated_at
}

// ExpiredAt reports whether the reservation's TTL has elapsed at the
// given instant.  Terminal reservations are never considered expired;
// their state already records the outcome.
func (r Reservation) ExpiredAt(now time.Time) bool {
	return r.Status == ReservationReserved && !r.ExpiresAt.After(now)
}
