package service

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/alfarukhan/apinyads-sub000/internal/clock"
	"github.com/alfarukhan/apinyads-sub000/internal/model"
	"github.com/alfarukhan/apinyads-sub000/internal/repository"
)

const (
	defaultSweepInterval  = 30 * time.Second
	defaultSweepBatchSize = 200

	// defaultStaleIntentAge is how long a PENDING intent may sit
	// without progress before the sweeper cancels it.  Matches the
	// lock TTL so a crashed request loses its exclusivity and its
	// stock at the same moment.
	defaultStaleIntentAge = defaultLockTTL
)

// Sweeper is the background process that releases expired
// reservations, cancels stale payment intents and removes leaked
// purchase locks.  Every step reduces to a conditional write, so
// running multiple sweeper instances concurrently is safe: duplicate
// attempts on the same row are no-ops.
type Sweeper struct {
	reservations   *ReservationService
	intents        *PaymentIntentService
	clock          clock.Clock
	interval       time.Duration
	batchSize      int
	staleIntentAge time.Duration
}

// SweeperOption customises a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepInterval overrides the pause between passes.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSweepBatchSize bounds how many rows one pass touches per step.
func WithSweepBatchSize(n int) SweeperOption {
	return func(s *Sweeper) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithStaleIntentAge overrides how old a PENDING intent must be before
// the sweeper cancels it.
func WithStaleIntentAge(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.staleIntentAge = d
		}
	}
}

// NewSweeper constructs the sweeper.
func NewSweeper(reservations *ReservationService, intents *PaymentIntentService, clk clock.Clock, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		reservations:   reservations,
		intents:        intents,
		clock:          clk,
		interval:       defaultSweepInterval,
		batchSize:      defaultSweepBatchSize,
		staleIntentAge: defaultStaleIntentAge,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes sweep passes on a fixed interval until the context is
// cancelled.  Errors are logged and the loop continues; one broken
// pass must not stop expiry processing.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	log.Printf("sweeper: running every %s", s.interval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("sweeper: stopped: %v", ctx.Err())
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				log.Printf("sweeper: pass failed: %v", err)
			}
		}
	}
}

// Sweep performs one pass: expire overdue holds, cancel stale PENDING
// intents, then drop expired locks with no live intent behind them.
func (s *Sweeper) Sweep(ctx context.Context) error {
	now := s.clock.Now()

	expired, err := s.reservations.store.ListExpiredReservations(ctx, now, s.batchSize)
	if err != nil {
		return err
	}
	released := 0
	for _, res := range expired {
		if _, err := s.reservations.Cancel(ctx, res.ID, CancelReasonExpired); err != nil {
			// Raced by a confirm or another sweeper; both are fine.
			if errors.Is(err, repository.ErrConcurrentModification) || errors.Is(err, repository.ErrReservationNotFound) {
				continue
			}
			log.Printf("sweeper: expire reservation %s: %v", res.ID, err)
			continue
		}
		released++
	}

	stale, err := s.intents.intents.ListStalePendingIntents(ctx, now.Add(-s.staleIntentAge), s.batchSize)
	if err != nil {
		return err
	}
	cancelled := 0
	for _, intent := range stale {
		if _, err := s.intents.UpdateStatus(ctx, intent.ID, model.IntentCancelled, ""); err != nil {
			if errors.Is(err, repository.ErrInvalidStateTransition) {
				continue
			}
			log.Printf("sweeper: cancel stale intent %s: %v", intent.ID, err)
			continue
		}
		cancelled++
	}

	reaped, err := s.intents.intents.DeleteOrphanLocks(ctx, now)
	if err != nil {
		return err
	}

	if released > 0 || cancelled > 0 || reaped > 0 {
		log.Printf("sweeper: released %d holds, cancelled %d stale intents, reaped %d locks", released, cancelled, reaped)
	}
	return nil
}
