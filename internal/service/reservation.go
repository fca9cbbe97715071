package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/alfarukhan/apinyads-sub000/internal/clock"
	"github.com/alfarukhan/apinyads-sub000/internal/model"
	"github.com/alfarukhan/apinyads-sub000/internal/repository"
)

// Default hold TTLs by item kind.  Guestlist spots get a longer window
// because no payment round-trip is involved before confirmation.
const (
	defaultTicketTTL    = 15 * time.Minute
	defaultGuestlistTTL = 30 * time.Minute
)

// casRetries bounds how often a reserve/confirm/cancel re-reads and
// retries after losing the version race before surfacing
// ErrConcurrentModification to the caller.
const casRetries = 3

// casBackoff is the pause between retries; long enough to let the
// winning transaction commit, short enough to stay inside a request.
const casBackoff = 25 * time.Millisecond

// ReservationService is the reservation manager: it creates
// time-bounded holds against the versioned inventory counter and
// transitions them through their lifecycle.  Every mutation runs in a
// single transaction and writes the counter through a compare-and-swap
// on its version, so the invariant sold + reserved <= capacity holds at
// every commit point without long-lived row locks.
type ReservationService struct {
	store        ReservationStore
	clock        clock.Clock
	notifier     Notifier
	ticketTTL    time.Duration
	guestlistTTL time.Duration
}

// ReservationOption customises a ReservationService.
type ReservationOption func(*ReservationService)

// WithTicketTTL overrides the hold TTL for ticket tiers.
func WithTicketTTL(d time.Duration) ReservationOption {
	return func(s *ReservationService) {
		if d > 0 {
			s.ticketTTL = d
		}
	}
}

// WithGuestlistTTL overrides the hold TTL for guestlist quotas.
func WithGuestlistTTL(d time.Duration) ReservationOption {
	return func(s *ReservationService) {
		if d > 0 {
			s.guestlistTTL = d
		}
	}
}

// WithReservationNotifier attaches a fire-and-forget event publisher.
func WithReservationNotifier(n Notifier) ReservationOption {
	return func(s *ReservationService) { s.notifier = n }
}

// NewReservationService constructs the reservation manager.
func NewReservationService(store ReservationStore, clk clock.Clock, opts ...ReservationOption) *ReservationService {
	s := &ReservationService{
		store:        store,
		clock:        clk,
		ticketTTL:    defaultTicketTTL,
		guestlistTTL: defaultGuestlistTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ReserveInput carries a validated reserve request.
type ReserveInput struct {
	HolderID  uint64
	CounterID uint64
	Quantity  int
	// IntentID links the hold to a payment intent when the reserve is
	// part of intent creation.  Empty for direct holds (guestlist).
	IntentID string
}

// ErrInvalidQuantity rejects non-positive quantities before any
// database work.
var ErrInvalidQuantity = errors.New("quantity must be positive")

// Reserve atomically creates a RESERVED hold and increments the
// counter's reserved column.  Availability is computed from the live
// reservation sum re-read inside the transaction, not from the counter
// column alone, so expired holds stop counting immediately.  A lost
// version race is retried a bounded number of times.
func (s *ReservationService) Reserve(ctx context.Context, in ReserveInput) (model.Reservation, error) {
	if in.Quantity <= 0 {
		return model.Reservation{}, ErrInvalidQuantity
	}
	var out model.Reservation
	err := s.withCASRetry(ctx, func() error {
		return s.store.WithTx(ctx, func(txCtx context.Context) error {
			res, _, err := s.reserveTx(txCtx, in)
			if err != nil {
				return err
			}
			out = res
			return nil
		})
	})
	if err != nil {
		return model.Reservation{}, err
	}
	return out, nil
}

// reserveTx performs one reserve attempt inside an existing
// transaction context and returns the created hold together with the
// counter it was taken from.  The payment intent manager joins this
// from its own transaction so intent and hold commit together.
func (s *ReservationService) reserveTx(ctx context.Context, in ReserveInput) (model.Reservation, model.InventoryCounter, error) {
	now := s.clock.Now()
	counter, err := s.store.GetCounter(ctx, in.CounterID)
	if err != nil {
		return model.Reservation{}, model.InventoryCounter{}, err
	}
	liveReserved, err := s.store.SumLiveReserved(ctx, in.CounterID, now)
	if err != nil {
		return model.Reservation{}, model.InventoryCounter{}, err
	}
	actualAvailable := counter.Capacity - counter.Sold - liveReserved
	if in.Quantity > actualAvailable {
		return model.Reservation{}, model.InventoryCounter{}, repository.ErrInsufficientStock
	}

	res := model.Reservation{
		ID:        uuid.NewString(),
		CounterID: in.CounterID,
		HolderID:  in.HolderID,
		Quantity:  in.Quantity,
		Status:    model.ReservationReserved,
		ExpiresAt: now.Add(s.ttlFor(counter.Kind)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if in.IntentID != "" {
		id := in.IntentID
		res.IntentID = &id
	}
	if err := s.store.CreateReservation(ctx, res); err != nil {
		return model.Reservation{}, model.InventoryCounter{}, err
	}
	// The reserved column is rewritten as liveReserved + qty rather
	// than incremented, folding any expired-but-unswept holds back
	// into the pool on the same write.
	if err := s.store.UpdateCounters(ctx, in.CounterID, counter.Sold, liveReserved+in.Quantity, counter.Version); err != nil {
		return model.Reservation{}, model.InventoryCounter{}, err
	}
	return res, counter, nil
}

// Confirm moves a hold's quantity from reserved to sold and marks the
// reservation CONFIRMED.  Valid only from RESERVED and before the
// hold's expiry; a terminal reservation is returned as-is so
// at-least-once upstream delivery stays harmless.
func (s *ReservationService) Confirm(ctx context.Context, reservationID string, externalRef string) (model.Reservation, error) {
	var out model.Reservation
	transitioned := false
	err := s.withCASRetry(ctx, func() error {
		return s.store.WithTx(ctx, func(txCtx context.Context) error {
			res, done, err := s.confirmTx(txCtx, reservationID, externalRef)
			if err != nil {
				return err
			}
			out = res
			transitioned = done
			return nil
		})
	})
	if err != nil {
		return model.Reservation{}, err
	}
	if transitioned && s.notifier != nil {
		s.notifier.ReservationConfirmed(ctx, out)
	}
	return out, nil
}

func (s *ReservationService) confirmTx(ctx context.Context, reservationID, externalRef string) (model.Reservation, bool, error) {
	now := s.clock.Now()
	res, err := s.store.GetReservation(ctx, reservationID)
	if err != nil {
		return model.Reservation{}, false, err
	}
	if res.Status.Terminal() {
		return res, false, nil
	}
	if res.ExpiredAt(now) {
		return model.Reservation{}, false, repository.ErrReservationExpired
	}
	counter, err := s.store.GetCounter(ctx, res.CounterID)
	if err != nil {
		return model.Reservation{}, false, err
	}
	var ref *string
	if externalRef != "" {
		ref = &externalRef
	}
	updated, err := s.store.MarkReservation(ctx, reservationID, model.ReservationConfirmed, ref, now)
	if err != nil {
		return model.Reservation{}, false, err
	}
	if !updated {
		// Lost the race to another terminal transition; report the
		// winner's state instead of erroring.
		winner, err := s.store.GetReservation(ctx, reservationID)
		return winner, false, err
	}
	newReserved := counter.Reserved - res.Quantity
	if newReserved < 0 {
		newReserved = 0
	}
	if err := s.store.UpdateCounters(ctx, res.CounterID, counter.Sold+res.Quantity, newReserved, counter.Version); err != nil {
		return model.Reservation{}, false, err
	}
	res.Status = model.ReservationConfirmed
	res.ExternalRef = ref
	res.UpdatedAt = now
	return res, true, nil
}

// CancelReasonExpired marks sweeper-driven cancellations; any other
// reason yields the CANCELLED status.
const CancelReasonExpired = "expired"

// Cancel returns a hold's quantity to the pool.  Valid only from
// RESERVED; cancelling a terminal reservation is a no-op that returns
// the existing state.  Explicit user cancellation and sweeper expiry
// reduce to this same transition and are safe to race.
func (s *ReservationService) Cancel(ctx context.Context, reservationID string, reason string) (model.Reservation, error) {
	var out model.Reservation
	wasReserved := false
	err := s.withCASRetry(ctx, func() error {
		return s.store.WithTx(ctx, func(txCtx context.Context) error {
			res, transitioned, err := s.cancelTx(txCtx, reservationID, reason)
			if err != nil {
				return err
			}
			out = res
			wasReserved = transitioned
			return nil
		})
	})
	if err != nil {
		return model.Reservation{}, err
	}
	if wasReserved && s.notifier != nil {
		s.notifier.ReservationReleased(ctx, out, reason)
	}
	return out, nil
}

func (s *ReservationService) cancelTx(ctx context.Context, reservationID, reason string) (model.Reservation, bool, error) {
	now := s.clock.Now()
	res, err := s.store.GetReservation(ctx, reservationID)
	if err != nil {
		return model.Reservation{}, false, err
	}
	if res.Status.Terminal() {
		return res, false, nil
	}
	to := model.ReservationCancelled
	if reason == CancelReasonExpired {
		to = model.ReservationExpired
	}
	counter, err := s.store.GetCounter(ctx, res.CounterID)
	if err != nil {
		return model.Reservation{}, false, err
	}
	updated, err := s.store.MarkReservation(ctx, reservationID, to, nil, now)
	if err != nil {
		return model.Reservation{}, false, err
	}
	if !updated {
		winner, err := s.store.GetReservation(ctx, reservationID)
		return winner, false, err
	}
	// Rewrite the reserved column from the live sum rather than
	// decrementing it.  A hold that expired and was already folded out
	// of the counter by a later reserve must not be released twice; the
	// sum is taken after the mark, so the cancelled row no longer
	// counts.
	live, err := s.store.SumLiveReserved(ctx, res.CounterID, now)
	if err != nil {
		return model.Reservation{}, false, err
	}
	if err := s.store.UpdateCounters(ctx, res.CounterID, counter.Sold, live, counter.Version); err != nil {
		return model.Reservation{}, false, err
	}
	res.Status = to
	res.UpdatedAt = now
	return res, true, nil
}

// Get returns one reservation by id.
func (s *ReservationService) Get(ctx context.Context, reservationID string) (model.Reservation, error) {
	return s.store.GetReservation(ctx, reservationID)
}

// Counter returns one inventory counter by id, for availability reads
// and price lookups.
func (s *ReservationService) Counter(ctx context.Context, counterID uint64) (model.InventoryCounter, error) {
	return s.store.GetCounter(ctx, counterID)
}

// Availability reports the item's actual open quantity: capacity minus
// sold minus the live reservation sum.
func (s *ReservationService) Availability(ctx context.Context, counterID uint64) (int, error) {
	counter, err := s.store.GetCounter(ctx, counterID)
	if err != nil {
		return 0, err
	}
	live, err := s.store.SumLiveReserved(ctx, counterID, s.clock.Now())
	if err != nil {
		return 0, err
	}
	a := counter.Capacity - counter.Sold - live
	if a < 0 {
		a = 0
	}
	return a, nil
}

// ttlFor selects the hold TTL for an item kind.
func (s *ReservationService) ttlFor(kind model.CounterKind) time.Duration {
	if kind == model.KindGuestlist {
		return s.guestlistTTL
	}
	return s.ticketTTL
}

// withCASRetry runs fn and retries a bounded number of times when it
// loses the counter version race.  Any other error is returned
// immediately.
func (s *ReservationService) withCASRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= casRetries; attempt++ {
		err = fn()
		if !errors.Is(err, repository.ErrConcurrentModification) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(casBackoff):
		}
	}
	return err
}
