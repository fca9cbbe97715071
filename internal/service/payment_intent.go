package service

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/alfarukhan/apinyads-sub000/internal/clock"
	"github.com/alfarukhan/apinyads-sub000/internal/gateway"
	"github.com/alfarukhan/apinyads-sub000/internal/model"
	"github.com/alfarukhan/apinyads-sub000/internal/repository"
	"github.com/alfarukhan/apinyads-sub000/internal/utils"
)

const (
	// defaultLockTTL is how long a purchase lock blocks competing
	// attempts before it may be taken over or swept.  It is deliberately
	// longer than the gateway checkout flow so a slow but live payment
	// keeps its exclusivity.
	defaultLockTTL = 20 * time.Minute

	// defaultFailureBackoff is how long the lock's idempotency record is
	// retained after a FAILED attempt, damping retry storms before a
	// fresh PENDING attempt is allowed.
	defaultFailureBackoff = 30 * time.Second
)

// PaymentGateway is the external charge API consumed by the intent
// manager and the webhook handler.  Contract only; the implementation
// lives in internal/gateway.
type PaymentGateway interface {
	CreateCharge(ctx context.Context, orderID string, amountCents int64, metadata map[string]string) (gateway.Charge, error)
	GetStatus(ctx context.Context, orderID string) (gateway.TransactionStatus, error)
}

// PaymentIntentService issues one logical intent to pay per
// (holder, item) pair.  Mutual exclusion is carried by the
// purchase_locks table: acquisition is an atomic insert, so two
// concurrent purchase requests for the same pair can never both
// proceed.  The lock row doubles as idempotency-key storage, letting a
// retried request replay its original intent instead of conflicting
// with itself.
type PaymentIntentService struct {
	intents        IntentStore
	reservations   *ReservationService
	gateway        PaymentGateway
	limiter        AttemptLimiter
	notifier       Notifier
	clock          clock.Clock
	lockTTL        time.Duration
	failureBackoff time.Duration
}

// IntentOption customises a PaymentIntentService.
type IntentOption func(*PaymentIntentService)

// WithLockTTL overrides the purchase lock TTL.
func WithLockTTL(d time.Duration) IntentOption {
	return func(s *PaymentIntentService) {
		if d > 0 {
			s.lockTTL = d
		}
	}
}

// WithFailureBackoff overrides how long a FAILED attempt retains its
// lock before retries are allowed.
func WithFailureBackoff(d time.Duration) IntentOption {
	return func(s *PaymentIntentService) {
		if d > 0 {
			s.failureBackoff = d
		}
	}
}

// WithAttemptLimiter attaches the per-holder rate limiter.
func WithAttemptLimiter(l AttemptLimiter) IntentOption {
	return func(s *PaymentIntentService) { s.limiter = l }
}

// WithIntentNotifier attaches a fire-and-forget event publisher.
func WithIntentNotifier(n Notifier) IntentOption {
	return func(s *PaymentIntentService) { s.notifier = n }
}

// NewPaymentIntentService constructs the intent manager.
func NewPaymentIntentService(intents IntentStore, reservations *ReservationService, gw PaymentGateway, clk clock.Clock, opts ...IntentOption) *PaymentIntentService {
	s := &PaymentIntentService{
		intents:        intents,
		reservations:   reservations,
		gateway:        gw,
		clock:          clk,
		lockTTL:        defaultLockTTL,
		failureBackoff: defaultFailureBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateIntentInput carries a validated intent creation request.  An
// empty IdempotencyKey is replaced by a deterministic server-derived
// key.
type CreateIntentInput struct {
	HolderID       uint64
	CounterID      uint64
	Quantity       int
	IdempotencyKey string
}

// CreateIntentResult bundles the created (or replayed) intent with its
// stock hold.
type CreateIntentResult struct {
	Intent      model.PaymentIntent
	Reservation model.Reservation
	// Replayed is true when the idempotency key matched an existing
	// attempt and no new state was created.
	Replayed bool
}

// CreateIntent acquires the purchase lock for the holder+item pair,
// creates a PENDING intent and reserves stock, all three visible
// atomically: the intent and hold share one transaction, and a failed
// transaction deletes the freshly acquired lock as compensation.
//
// Conflicts are typed for the caller: a live lock held by a different
// attempt yields ErrPaymentInProgress, a matching idempotency key
// replays the original intent, and exceeding the attempt budget yields
// ErrRateLimited before any lock work happens.
func (s *PaymentIntentService) CreateIntent(ctx context.Context, in CreateIntentInput) (CreateIntentResult, error) {
	if in.Quantity <= 0 {
		return CreateIntentResult{}, ErrInvalidQuantity
	}
	now := s.clock.Now()
	key := in.IdempotencyKey
	if key == "" {
		key = utils.DeriveIdempotencyKey(in.HolderID, in.CounterID, in.Quantity, now)
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(ctx, in.HolderID)
		if err != nil {
			// Throttling degrades open: a broken limiter must not block
			// purchases.
			log.Printf("intent: attempt limiter error for holder %d: %v", in.HolderID, err)
		} else if !allowed {
			return CreateIntentResult{}, repository.ErrRateLimited
		}
	}

	lockKey := model.LockKeyFor(in.HolderID, in.CounterID)
	replay, err := s.acquireLock(ctx, lockKey, key, in, now)
	if err != nil {
		return CreateIntentResult{}, err
	}
	if replay != nil {
		res, err := s.reservations.Get(ctx, replay.ReservationID)
		if err != nil {
			return CreateIntentResult{}, err
		}
		return CreateIntentResult{Intent: *replay, Reservation: res, Replayed: true}, nil
	}

	var intent model.PaymentIntent
	var hold model.Reservation
	err = s.reservations.withCASRetry(ctx, func() error {
		return s.intents.WithTx(ctx, func(txCtx context.Context) error {
			intent = model.PaymentIntent{
				ID:             uuid.NewString(),
				HolderID:       in.HolderID,
				CounterID:      in.CounterID,
				Quantity:       in.Quantity,
				IdempotencyKey: key,
				Status:         model.IntentPending,
				LockKey:        lockKey,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			res, counter, err := s.reservations.reserveTx(txCtx, ReserveInput{
				HolderID:  in.HolderID,
				CounterID: in.CounterID,
				Quantity:  in.Quantity,
				IntentID:  intent.ID,
			})
			if err != nil {
				return err
			}
			intent.ReservationID = res.ID
			intent.AmountCents = counter.PriceCents * int64(in.Quantity)
			hold = res
			return s.intents.CreateIntent(txCtx, intent)
		})
	})
	if err != nil {
		// Transactional compensation: the lock row is outside the
		// transaction, so roll it back by hand.
		if relErr := s.intents.ReleaseLock(ctx, lockKey, key); relErr != nil {
			log.Printf("intent: release lock %s after failed create: %v", lockKey, relErr)
		}
		if errors.Is(err, repository.ErrIdempotencyConflict) {
			// A concurrent request with the same key won the insert
			// race; replay its intent.
			if existing, findErr := s.intents.FindIntentByIdempotencyKey(ctx, in.HolderID, in.CounterID, key); findErr == nil && existing != nil {
				res, resErr := s.reservations.Get(ctx, existing.ReservationID)
				if resErr != nil {
					return CreateIntentResult{}, resErr
				}
				return CreateIntentResult{Intent: *existing, Reservation: res, Replayed: true}, nil
			}
		}
		return CreateIntentResult{}, err
	}
	return CreateIntentResult{Intent: intent, Reservation: hold, Replayed: false}, nil
}

// acquireLock takes the purchase lock or resolves the conflict.  It
// returns a non-nil intent when the held lock belongs to the same
// idempotency key and the request should replay.
func (s *PaymentIntentService) acquireLock(ctx context.Context, lockKey, idemKey string, in CreateIntentInput, now time.Time) (*model.PaymentIntent, error) {
	lock := model.PurchaseLock{
		LockKey:        lockKey,
		HolderID:       in.HolderID,
		CounterID:      in.CounterID,
		IdempotencyKey: idemKey,
		ExpiresAt:      now.Add(s.lockTTL),
		CreatedAt:      now,
	}
	for attempt := 0; attempt < 2; attempt++ {
		err := s.intents.AcquireLock(ctx, lock)
		if err == nil {
			return nil, nil
		}
		if !errors.Is(err, repository.ErrPaymentInProgress) {
			return nil, err
		}
		existing, getErr := s.intents.GetLock(ctx, lockKey)
		if getErr != nil {
			return nil, getErr
		}
		if existing == nil {
			// Released between insert and read; try the insert again.
			continue
		}
		if existing.LiveAt(now) {
			if existing.IdempotencyKey == idemKey {
				intent, findErr := s.intents.FindIntentByIdempotencyKey(ctx, in.HolderID, in.CounterID, idemKey)
				if findErr != nil {
					return nil, findErr
				}
				if intent != nil {
					if intent.Quantity != in.Quantity {
						return nil, repository.ErrIdempotencyConflict
					}
					return intent, nil
				}
				// Lock exists but its intent never landed (crashed
				// mid-create); treat as in progress until swept.
			}
			return nil, repository.ErrPaymentInProgress
		}
		// Expired lock from an abandoned attempt: reap and retry once.
		if _, reapErr := s.intents.ReapLock(ctx, lockKey, now); reapErr != nil {
			return nil, reapErr
		}
	}
	return nil, repository.ErrPaymentInProgress
}

// StartProcessing creates the gateway charge for a PENDING intent and
// transitions it to PROCESSING with the returned transaction reference.
func (s *PaymentIntentService) StartProcessing(ctx context.Context, intentID string) (model.PaymentIntent, gateway.Charge, error) {
	intent, err := s.intents.GetIntent(ctx, intentID)
	if err != nil {
		return model.PaymentIntent{}, gateway.Charge{}, err
	}
	if intent.Status == model.IntentProcessing {
		return intent, gateway.Charge{}, nil
	}
	if !model.CanTransition(intent.Status, model.IntentProcessing) {
		return model.PaymentIntent{}, gateway.Charge{}, repository.ErrInvalidStateTransition
	}
	charge, err := s.gateway.CreateCharge(ctx, intent.ID, intent.AmountCents, map[string]string{
		"holder_id":      formatUint(intent.HolderID),
		"counter_id":     formatUint(intent.CounterID),
		"reservation_id": intent.ReservationID,
	})
	if err != nil {
		return model.PaymentIntent{}, gateway.Charge{}, err
	}
	ref := charge.TransactionRef
	updated, err := s.intents.UpdateIntentStatus(ctx, intentID, intent.Status, model.IntentProcessing, &ref, s.clock.Now())
	if err != nil {
		return model.PaymentIntent{}, gateway.Charge{}, err
	}
	if !updated {
		return model.PaymentIntent{}, gateway.Charge{}, repository.ErrInvalidStateTransition
	}
	intent.Status = model.IntentProcessing
	intent.ExternalRef = &ref
	return intent, charge, nil
}

// UpdateStatus transitions an intent along the state machine and
// applies the coupled side effects: COMPLETED confirms the hold,
// CANCELLED and FAILED release it, terminal statuses release the
// purchase lock and FAILED shortens it to the failure backoff instead.
// Re-confirming an already COMPLETED intent is an idempotent no-op.
func (s *PaymentIntentService) UpdateStatus(ctx context.Context, intentID string, to model.IntentStatus, externalRef string) (model.PaymentIntent, error) {
	intent, err := s.intents.GetIntent(ctx, intentID)
	if err != nil {
		return model.PaymentIntent{}, err
	}
	if intent.Status == to && to == model.IntentCompleted {
		return intent, nil
	}
	if !model.CanTransition(intent.Status, to) {
		return model.PaymentIntent{}, repository.ErrInvalidStateTransition
	}
	now := s.clock.Now()
	var ref *string
	if externalRef != "" {
		ref = &externalRef
	}

	err = s.intents.WithTx(ctx, func(txCtx context.Context) error {
		updated, err := s.intents.UpdateIntentStatus(txCtx, intentID, intent.Status, to, ref, now)
		if err != nil {
			return err
		}
		if !updated {
			current, err := s.intents.GetIntent(txCtx, intentID)
			if err != nil {
				return err
			}
			if current.Status == to {
				// A concurrent caller performed the same transition;
				// adopt its result.
				intent = current
				return nil
			}
			return repository.ErrInvalidStateTransition
		}
		switch to {
		case model.IntentCompleted:
			if _, _, err := s.reservations.confirmTx(txCtx, intent.ReservationID, externalRef); err != nil {
				return err
			}
		case model.IntentCancelled:
			if _, _, err := s.reservations.cancelTx(txCtx, intent.ReservationID, "intent_cancelled"); err != nil {
				return err
			}
		case model.IntentFailed:
			if _, _, err := s.reservations.cancelTx(txCtx, intent.ReservationID, "payment_failed"); err != nil {
				return err
			}
		}
		intent.Status = to
		if ref != nil {
			intent.ExternalRef = ref
		}
		intent.UpdatedAt = now
		return nil
	})
	if err != nil {
		return model.PaymentIntent{}, err
	}

	switch {
	case to.Terminal():
		// Keyed by the intent's own idempotency key: cancelling a stale
		// intent must not delete a live lock a newer attempt took over.
		if err := s.intents.ReleaseLock(ctx, intent.LockKey, intent.IdempotencyKey); err != nil {
			log.Printf("intent: release lock %s: %v", intent.LockKey, err)
		}
		if s.notifier != nil {
			if res, resErr := s.reservations.Get(ctx, intent.ReservationID); resErr == nil {
				if to == model.IntentCompleted {
					s.notifier.ReservationConfirmed(ctx, res)
				} else {
					s.notifier.ReservationReleased(ctx, res, "intent_cancelled")
				}
			}
		}
	case to == model.IntentFailed:
		if err := s.intents.ExtendLock(ctx, intent.LockKey, now.Add(s.failureBackoff)); err != nil {
			log.Printf("intent: shorten lock %s after failure: %v", intent.LockKey, err)
		}
		if s.notifier != nil {
			s.notifier.PaymentFailed(ctx, intent)
		}
	}
	return intent, nil
}

// Retry moves a FAILED intent back to PENDING once its failure backoff
// elapsed, re-acquiring the purchase lock for the fresh attempt.
func (s *PaymentIntentService) Retry(ctx context.Context, intentID string) (model.PaymentIntent, error) {
	intent, err := s.intents.GetIntent(ctx, intentID)
	if err != nil {
		return model.PaymentIntent{}, err
	}
	if !model.CanTransition(intent.Status, model.IntentPending) {
		return model.PaymentIntent{}, repository.ErrInvalidStateTransition
	}
	now := s.clock.Now()
	existing, err := s.intents.GetLock(ctx, intent.LockKey)
	if err != nil {
		return model.PaymentIntent{}, err
	}
	if existing != nil && existing.LiveAt(now) {
		return model.PaymentIntent{}, repository.ErrPaymentInProgress
	}
	if existing != nil {
		if _, err := s.intents.ReapLock(ctx, intent.LockKey, now); err != nil {
			return model.PaymentIntent{}, err
		}
	}
	if err := s.intents.AcquireLock(ctx, model.PurchaseLock{
		LockKey:        intent.LockKey,
		HolderID:       intent.HolderID,
		CounterID:      intent.CounterID,
		IdempotencyKey: intent.IdempotencyKey,
		ExpiresAt:      now.Add(s.lockTTL),
		CreatedAt:      now,
	}); err != nil {
		return model.PaymentIntent{}, err
	}
	// The failed attempt released its hold, so the retry reserves
	// fresh stock together with the status flip.
	err = s.reservations.withCASRetry(ctx, func() error {
		return s.intents.WithTx(ctx, func(txCtx context.Context) error {
			res, _, err := s.reservations.reserveTx(txCtx, ReserveInput{
				HolderID:  intent.HolderID,
				CounterID: intent.CounterID,
				Quantity:  intent.Quantity,
				IntentID:  intent.ID,
			})
			if err != nil {
				return err
			}
			updated, err := s.intents.UpdateIntentStatus(txCtx, intentID, model.IntentFailed, model.IntentPending, nil, now)
			if err != nil {
				return err
			}
			if !updated {
				return repository.ErrInvalidStateTransition
			}
			if err := s.intents.SetIntentReservation(txCtx, intentID, res.ID); err != nil {
				return err
			}
			intent.ReservationID = res.ID
			return nil
		})
	})
	if err != nil {
		if relErr := s.intents.ReleaseLock(ctx, intent.LockKey, intent.IdempotencyKey); relErr != nil {
			log.Printf("intent: release lock %s after failed retry: %v", intent.LockKey, relErr)
		}
		return model.PaymentIntent{}, err
	}
	intent.Status = model.IntentPending
	intent.UpdatedAt = now
	return intent, nil
}

// Get returns one payment intent by id.
func (s *PaymentIntentService) Get(ctx context.Context, intentID string) (model.PaymentIntent, error) {
	return s.intents.GetIntent(ctx, intentID)
}

func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}
