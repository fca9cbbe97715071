package model

import "time"

// IntentStatus enumerates the payment intent state machine.
//
// Allowed transitions:
//  PENDING    → PROCESSING, CANCELLED
//  PROCESSING → COMPLETED, FAILED
//  FAILED     → PENDING (retry after the failure backoff)
//  COMPLETED and CANCELLED are terminal.
type IntentStatus string

const (
	IntentPending    IntentStatus = "PENDING"
	IntentProcessing IntentStatus = "PROCESSING"
	IntentCompleted  IntentStatus = "COMPLETED"
	IntentFailed     IntentStatus = "FAILED"
	IntentCancelled  IntentStatus = "CANCELLED"
)

// Terminal reports whether the status permits no further transitions.
func (s IntentStatus) Terminal() bool {
	return s == IntentCompleted || s == IntentCancelled
}

// intentTransitions is the authoritative transition table.  Any edge
// not listed here is rejected with ErrInvalidStateTransition by the
// intent manager.
var intentTransitions = map[IntentStatus][]IntentStatus{
	IntentPending:    {IntentProcessing, IntentCancelled},
	IntentProcessing: {IntentCompleted, IntentFailed},
	IntentFailed:     {IntentPending},
}

// CanTransition reports whether moving from one intent status to
// another is permitted by the state machine.
func CanTransition(from, to IntentStatus) bool {
	for _, next := range intentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PaymentIntent represents one logical attempt to pay for a quantity of
// a single item.  At most one live (PENDING or PROCESSING) intent may
// exist per holder+counter pair; the purchase_locks table enforces the
// exclusion.
//
// Fields:
//  ID             – UUID primary key.
//  HolderID       – purchasing user.
//  CounterID      – item being purchased.
//  Quantity       – units requested.
//  AmountCents    – total charge amount in cents.
//  IdempotencyKey – caller supplied or derived token; retries with the
//                   same key replay the original intent.
//  Status         – see IntentStatus.
//  LockKey        – purchase lock this intent is guarded by.
//  ReservationID  – stock hold created together with the intent.
//  ExternalRef    – gateway transaction id once a charge exists.
//  CreatedAt      – creation timestamp.
//  UpdatedAt      – last update timestamp.
type PaymentIntent struct {
	ID             string       // payment_intents.id
	HolderID       uint64       // payment_intents.holder_id
	CounterID      uint64       // payment_intents.counter_id
	Quantity       int          // payment_intents.quantity
	AmountCents    int64        // payment_intents.amount_cents
	IdempotencyKey string       // payment_intents.idempotency_key
	Status         IntentStatus // payment_intents.status
	LockKey        string       // payment_intents.lock_key
	ReservationID  string       // payment_intents.reservation_id
	ExternalRef    *string      // payment_intents.external_ref (nullable)
	CreatedAt      time.Time    // payment_intents.created_at
	UpdatedAt      time.Time    // payment_intents.updated_at
}

// Live reports whether the intent still blocks a new purchase attempt
// for the same holder and item.
func (p PaymentIntent) Live() bool {
	return p.Status == IntentPending || p.Status == IntentProcessing
}
