// Package queue defines message payloads exchanged over the message broker
// and the publisher/consumer pair moving them.
package queue

// Queue names.  Each event type gets its own durable queue; the routing
// key equals the queue name on the default exchange.
const (
	PurchaseConfirmedQueue = "purchase.confirmed"
	PurchaseReleasedQueue  = "purchase.released"
	PaymentFailedQueue     = "payment.failed"
)

// PurchaseConfirmedEvent is published when a reservation is confirmed
// after a settled payment.  It contains enough information for
// downstream consumers to log, notify, or trigger analytics without
// querying the primary database.
type PurchaseConfirmedEvent struct {
	ReservationID string `json:"reservation_id"`
	IntentID      string `json:"intent_id,omitempty"`
	HolderID      uint64 `json:"holder_id"`
	CounterID     uint64 `json:"counter_id"`
	Quantity      int    `json:"quantity"`
	ExternalRef   string `json:"external_ref,omitempty"`
	ConfirmedAt   string `json:"confirmed_at"`
}

// PurchaseReleasedEvent is published when held stock returns to the
// pool, either through an explicit cancellation or sweeper expiry.
type PurchaseReleasedEvent struct {
	ReservationID string `json:"reservation_id"`
	HolderID      uint64 `json:"holder_id"`
	CounterID     uint64 `json:"counter_id"`
	Quantity      int    `json:"quantity"`
	Reason        string `json:"reason"`
	ReleasedAt    string `json:"released_at"`
}

// PaymentFailedEvent is published when a payment intent reaches FAILED,
// so notification consumers can prompt the buyer to retry.
type PaymentFailedEvent struct {
	IntentID    string `json:"intent_id"`
	HolderID    uint64 `json:"holder_id"`
	CounterID   uint64 `json:"counter_id"`
	AmountCents int64  `json:"amount_cents"`
	ExternalRef string `json:"external_ref,omitempty"`
	FailedAt    string `json:"failed_at"`
}
