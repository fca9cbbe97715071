// Package service implements the commerce core: stock reservation with
// optimistic concurrency, payment intent locking, webhook
// deduplication and the expiry sweeper.  Services depend on narrow
// store interfaces so the concurrency behaviour can be exercised
// against in-memory fakes; the production implementations live in
// internal/repository.
package service

import (
	"context"
	"time"

	"github.com/alfarukhan/apinyads-sub000/internal/model"
)

// ReservationStore is the persistence surface required by the
// reservation manager.  WithTx must make every call made through the
// returned context part of one atomic unit.
type ReservationStore interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetCounter(ctx context.Context, counterID uint64) (model.InventoryCounter, error)
	UpdateCounters(ctx context.Context, counterID uint64, sold, reserved int, expectedVersion uint64) error
	SumLiveReserved(ctx context.Context, counterID uint64, now time.Time) (int, error)
	CreateReservation(ctx context.Context, res model.Reservation) error
	GetReservation(ctx context.Context, id string) (model.Reservation, error)
	MarkReservation(ctx context.Context, id string, to model.ReservationStatus, externalRef *string, now time.Time) (bool, error)
	ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]model.Reservation, error)
}

// IntentStore is the persistence surface required by the payment
// intent manager.  Lock acquisition must be an atomic insert-if-absent.
type IntentStore interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	AcquireLock(ctx context.Context, lock model.PurchaseLock) error
	GetLock(ctx context.Context, lockKey string) (*model.PurchaseLock, error)
	ReleaseLock(ctx context.Context, lockKey, idempotencyKey string) error
	ReapLock(ctx context.Context, lockKey string, now time.Time) (bool, error)
	ExtendLock(ctx context.Context, lockKey string, expiresAt time.Time) error
	DeleteOrphanLocks(ctx context.Context, now time.Time) (int64, error)
	CreateIntent(ctx context.Context, in model.PaymentIntent) error
	GetIntent(ctx context.Context, id string) (model.PaymentIntent, error)
	FindIntentByIdempotencyKey(ctx context.Context, holderID, counterID uint64, key string) (*model.PaymentIntent, error)
	FindIntentByExternalRef(ctx context.Context, externalRef string) (*model.PaymentIntent, error)
	UpdateIntentStatus(ctx context.Context, id string, from, to model.IntentStatus, externalRef *string, now time.Time) (bool, error)
	SetIntentReservation(ctx context.Context, id, reservationID string) error
	ListStalePendingIntents(ctx context.Context, cutoff time.Time, limit int) ([]model.PaymentIntent, error)
}

// LedgerStore is the persistence surface required by the webhook
// deduplicator.  Admit must be an atomic insert against the unique
// event hash.
type LedgerStore interface {
	Admit(ctx context.Context, rec model.ConfirmationRecord) error
	Get(ctx context.Context, eventHash string) (*model.ConfirmationRecord, error)
	RecordOutcome(ctx context.Context, eventHash string, outcome model.ConfirmationOutcome, intentID *string, now time.Time) error
}

// Notifier receives fire-and-forget commerce events.  Implementations
// must never fail the calling transaction; delivery errors are their
// own problem to log.  Services tolerate a nil Notifier.
type Notifier interface {
	ReservationConfirmed(ctx context.Context, res model.Reservation)
	ReservationReleased(ctx context.Context, res model.Reservation, reason string)
	PaymentFailed(ctx context.Context, intent model.PaymentIntent)
}

// AttemptLimiter bounds purchase attempts per holder per time window.
// A nil limiter disables throttling.
type AttemptLimiter interface {
	Allow(ctx context.Context, holderID uint64) (bool, time.Duration, error)
}
