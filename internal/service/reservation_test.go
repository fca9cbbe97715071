package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alfarukhan/apinyads-sub000/internal/model"
	"github.com/alfarukhan/apinyads-sub000/internal/repository"
)

func TestReserve(t *testing.T) {
	ctx := context.Background()

	t.Run("creates hold and increments reserved", func(t *testing.T) {
		store := newFakeStore()
		store.addCounter(1, model.KindTicketTier, 10, 5000)
		clk := newTestClock()
		svc := NewReservationService(store, clk)

		res, err := svc.Reserve(ctx, ReserveInput{HolderID: 7, CounterID: 1, Quantity: 3})
		if err != nil {
			t.Fatalf("reserve: %v", err)
		}
		if res.Status != model.ReservationReserved {
			t.Fatalf("status = %s, want RESERVED", res.Status)
		}
		if want := clk.Now().Add(defaultTicketTTL); !res.ExpiresAt.Equal(want) {
			t.Fatalf("expires_at = %v, want %v", res.ExpiresAt, want)
		}
		c := store.counters[1]
		if c.Reserved != 3 || c.Sold != 0 {
			t.Fatalf("counter = sold %d reserved %d, want 0/3", c.Sold, c.Reserved)
		}
		if c.Version != 2 {
			t.Fatalf("version = %d, want 2", c.Version)
		}
	})

	t.Run("guestlist holds get the longer TTL", func(t *testing.T) {
		store := newFakeStore()
		store.addCounter(2, model.KindGuestlist, 5, 0)
		clk := newTestClock()
		svc := NewReservationService(store, clk)

		res, err := svc.Reserve(ctx, ReserveInput{HolderID: 7, CounterID: 2, Quantity: 1})
		if err != nil {
			t.Fatalf("reserve: %v", err)
		}
		if want := clk.Now().Add(defaultGuestlistTTL); !res.ExpiresAt.Equal(want) {
			t.Fatalf("expires_at = %v, want %v", res.ExpiresAt, want)
		}
	})

	t.Run("rejects non-positive quantity", func(t *testing.T) {
		store := newFakeStore()
		store.addCounter(1, model.KindTicketTier, 10, 5000)
		svc := NewReservationService(store, newTestClock())

		if _, err := svc.Reserve(ctx, ReserveInput{HolderID: 7, CounterID: 1, Quantity: 0}); !errors.Is(err, ErrInvalidQuantity) {
			t.Fatalf("err = %v, want ErrInvalidQuantity", err)
		}
	})

	t.Run("rejects oversell", func(t *testing.T) {
		store := newFakeStore()
		store.addCounter(1, model.KindTicketTier, 2, 5000)
		svc := NewReservationService(store, newTestClock())

		if _, err := svc.Reserve(ctx, ReserveInput{HolderID: 7, CounterID: 1, Quantity: 3}); !errors.Is(err, repository.ErrInsufficientStock) {
			t.Fatalf("err = %v, want ErrInsufficientStock", err)
		}
	})

	t.Run("unknown counter", func(t *testing.T) {
		svc := NewReservationService(newFakeStore(), newTestClock())
		if _, err := svc.Reserve(ctx, ReserveInput{HolderID: 7, CounterID: 99, Quantity: 1}); !errors.Is(err, repository.ErrCounterNotFound) {
			t.Fatalf("err = %v, want ErrCounterNotFound", err)
		}
	})

	t.Run("expired holds fold back into the pool", func(t *testing.T) {
		store := newFakeStore()
		store.addCounter(1, model.KindTicketTier, 10, 5000)
		clk := newTestClock()
		svc := NewReservationService(store, clk)

		if _, err := svc.Reserve(ctx, ReserveInput{HolderID: 7, CounterID: 1, Quantity: 10}); err != nil {
			t.Fatalf("first reserve: %v", err)
		}
		// Sold out while the hold is live.
		if _, err := svc.Reserve(ctx, ReserveInput{HolderID: 8, CounterID: 1, Quantity: 1}); !errors.Is(err, repository.ErrInsufficientStock) {
			t.Fatalf("err = %v, want ErrInsufficientStock", err)
		}

		clk.Advance(defaultTicketTTL + time.Minute)

		// The expired hold no longer counts even though the sweeper has
		// not run yet.
		res, err := svc.Reserve(ctx, ReserveInput{HolderID: 8, CounterID: 1, Quantity: 10})
		if err != nil {
			t.Fatalf("reserve after expiry: %v", err)
		}
		if res.Quantity != 10 {
			t.Fatalf("quantity = %d, want 10", res.Quantity)
		}
		if c := store.counters[1]; c.Reserved != 10 {
			t.Fatalf("reserved = %d, want 10 (expired hold folded out)", c.Reserved)
		}
	})
}

func TestReserveConcurrent(t *testing.T) {
	store := newFakeStore()
	store.addCounter(1, model.KindTicketTier, 10, 5000)
	svc := NewReservationService(store, newTestClock())

	const attempts = 15
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Reserve(context.Background(), ReserveInput{
				HolderID:  uint64(i + 1),
				CounterID: 1,
				Quantity:  1,
			})
		}(i)
	}
	wg.Wait()

	ok, insufficient := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, repository.ErrInsufficientStock):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 10 || insufficient != 5 {
		t.Fatalf("ok = %d insufficient = %d, want 10/5", ok, insufficient)
	}
	c := store.counters[1]
	if c.Sold+c.Reserved > c.Capacity {
		t.Fatalf("oversold: sold %d + reserved %d > capacity %d", c.Sold, c.Reserved, c.Capacity)
	}
	if c.Reserved != 10 {
		t.Fatalf("reserved = %d, want 10", c.Reserved)
	}
}

func TestConfirm(t *testing.T) {
	ctx := context.Background()

	setup := func() (*fakeStore, *testClock, *fakeNotifier, *ReservationService, model.Reservation) {
		store := newFakeStore()
		store.addCounter(1, model.KindTicketTier, 10, 5000)
		clk := newTestClock()
		notifier := &fakeNotifier{}
		svc := NewReservationService(store, clk, WithReservationNotifier(notifier))
		res, err := svc.Reserve(ctx, ReserveInput{HolderID: 7, CounterID: 1, Quantity: 2})
		if err != nil {
			t.Fatalf("reserve: %v", err)
		}
		return store, clk, notifier, svc, res
	}

	t.Run("moves reserved to sold", func(t *testing.T) {
		store, _, notifier, svc, res := setup()

		got, err := svc.Confirm(ctx, res.ID, "txn-1")
		if err != nil {
			t.Fatalf("confirm: %v", err)
		}
		if got.Status != model.ReservationConfirmed {
			t.Fatalf("status = %s, want CONFIRMED", got.Status)
		}
		if got.ExternalRef == nil || *got.ExternalRef != "txn-1" {
			t.Fatalf("external_ref = %v, want txn-1", got.ExternalRef)
		}
		c := store.counters[1]
		if c.Sold != 2 || c.Reserved != 0 {
			t.Fatalf("counter = sold %d reserved %d, want 2/0", c.Sold, c.Reserved)
		}
		if notifier.confirmedCount() != 1 {
			t.Fatalf("confirmed events = %d, want 1", notifier.confirmedCount())
		}
	})

	t.Run("double confirm is a no-op", func(t *testing.T) {
		store, _, notifier, svc, res := setup()

		if _, err := svc.Confirm(ctx, res.ID, "txn-1"); err != nil {
			t.Fatalf("first confirm: %v", err)
		}
		got, err := svc.Confirm(ctx, res.ID, "txn-1")
		if err != nil {
			t.Fatalf("second confirm: %v", err)
		}
		if got.Status != model.ReservationConfirmed {
			t.Fatalf("status = %s, want CONFIRMED", got.Status)
		}
		c := store.counters[1]
		if c.Sold != 2 {
			t.Fatalf("sold = %d, want 2 (not double-counted)", c.Sold)
		}
		if notifier.confirmedCount() != 1 {
			t.Fatalf("confirmed events = %d, want 1", notifier.confirmedCount())
		}
	})

	t.Run("confirm after expiry fails", func(t *testing.T) {
		_, clk, _, svc, res := setup()

		clk.Advance(defaultTicketTTL + time.Minute)
		if _, err := svc.Confirm(ctx, res.ID, ""); !errors.Is(err, repository.ErrReservationExpired) {
			t.Fatalf("err = %v, want ErrReservationExpired", err)
		}
	})

	t.Run("confirm after cancel reports cancelled state", func(t *testing.T) {
		_, _, _, svc, res := setup()

		if _, err := svc.Cancel(ctx, res.ID, "user_cancelled"); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		got, err := svc.Confirm(ctx, res.ID, "")
		if err != nil {
			t.Fatalf("confirm: %v", err)
		}
		if got.Status != model.ReservationCancelled {
			t.Fatalf("status = %s, want CANCELLED", got.Status)
		}
	})
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.addCounter(1, model.KindTicketTier, 10, 5000)
	notifier := &fakeNotifier{}
	svc := NewReservationService(store, newTestClock(), WithReservationNotifier(notifier))

	res, err := svc.Reserve(ctx, ReserveInput{HolderID: 7, CounterID: 1, Quantity: 4})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	got, err := svc.Cancel(ctx, res.ID, "user_cancelled")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != model.ReservationCancelled {
		t.Fatalf("status = %s, want CANCELLED", got.Status)
	}
	if c := store.counters[1]; c.Reserved != 0 {
		t.Fatalf("reserved = %d, want 0", c.Reserved)
	}
	if notifier.releasedCount() != 1 {
		t.Fatalf("released events = %d, want 1", notifier.releasedCount())
	}

	// The expired reason produces EXPIRED instead of CANCELLED.
	res2, err := svc.Reserve(ctx, ReserveInput{HolderID: 7, CounterID: 1, Quantity: 1})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	got2, err := svc.Cancel(ctx, res2.ID, CancelReasonExpired)
	if err != nil {
		t.Fatalf("cancel expired: %v", err)
	}
	if got2.Status != model.ReservationExpired {
		t.Fatalf("status = %s, want EXPIRED", got2.Status)
	}
}

func TestCancelAfterFoldBack(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.addCounter(1, model.KindTicketTier, 10, 5000)
	clk := newTestClock()
	svc := NewReservationService(store, clk)

	// An expired hold that a later reserve already folded out of the
	// counter must not be released a second time when it is swept.
	stale, err := svc.Reserve(ctx, ReserveInput{HolderID: 7, CounterID: 1, Quantity: 3})
	if err != nil {
		t.Fatalf("reserve stale: %v", err)
	}
	clk.Advance(defaultTicketTTL + time.Minute)

	if _, err := svc.Reserve(ctx, ReserveInput{HolderID: 8, CounterID: 1, Quantity: 2}); err != nil {
		t.Fatalf("reserve fresh: %v", err)
	}
	if c := store.counters[1]; c.Reserved != 2 {
		t.Fatalf("reserved = %d, want 2 (stale hold folded out)", c.Reserved)
	}

	if _, err := svc.Cancel(ctx, stale.ID, CancelReasonExpired); err != nil {
		t.Fatalf("cancel stale: %v", err)
	}
	if c := store.counters[1]; c.Reserved != 2 {
		t.Fatalf("reserved = %d, want 2 (no double release)", c.Reserved)
	}
}

func TestAvailability(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.addCounter(1, model.KindTicketTier, 10, 5000)
	clk := newTestClock()
	svc := NewReservationService(store, clk)

	if _, err := svc.Reserve(ctx, ReserveInput{HolderID: 7, CounterID: 1, Quantity: 3}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	a, err := svc.Availability(ctx, 1)
	if err != nil {
		t.Fatalf("availability: %v", err)
	}
	if a != 7 {
		t.Fatalf("available = %d, want 7", a)
	}

	// The expired hold stops counting without a sweep.
	clk.Advance(defaultTicketTTL + time.Minute)
	a, err = svc.Availability(ctx, 1)
	if err != nil {
		t.Fatalf("availability: %v", err)
	}
	if a != 10 {
		t.Fatalf("available = %d, want 10", a)
	}
}
