package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alfarukhan/apinyads-sub000/internal/gateway"
	"github.com/alfarukhan/apinyads-sub000/internal/model"
	"github.com/alfarukhan/apinyads-sub000/internal/repository"
)

// testClock is a mutable clock for driving TTL and expiry logic.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// inTxKey marks a context as running inside a fake transaction so
// store methods skip taking the store mutex again.
type inTxKey struct{}

func inTx(ctx context.Context) bool {
	v, _ := ctx.Value(inTxKey{}).(bool)
	return v
}

// fakeStore is an in-memory implementation of ReservationStore,
// IntentStore and LedgerStore.  WithTx serializes transactions behind
// one mutex and snapshots all state up front, so an error rolls the
// whole unit back the way the database would.
type fakeStore struct {
	mu           sync.Mutex
	counters     map[uint64]model.InventoryCounter
	reservations map[string]model.Reservation
	locks        map[string]model.PurchaseLock
	intents      map[string]model.PaymentIntent
	ledger       map[string]model.ConfirmationRecord
}

var (
	_ ReservationStore = (*fakeStore)(nil)
	_ IntentStore      = (*fakeStore)(nil)
	_ LedgerStore      = (*fakeStore)(nil)
)

func newFakeStore() *fakeStore {
	return &fakeStore{
		counters:     map[uint64]model.InventoryCounter{},
		reservations: map[string]model.Reservation{},
		locks:        map[string]model.PurchaseLock{},
		intents:      map[string]model.PaymentIntent{},
		ledger:       map[string]model.ConfirmationRecord{},
	}
}

func (s *fakeStore) addCounter(id uint64, kind model.CounterKind, capacity int, priceCents int64) {
	s.counters[id] = model.InventoryCounter{
		ID:         id,
		Name:       fmt.Sprintf("item-%d", id),
		Kind:       kind,
		Capacity:   capacity,
		PriceCents: priceCents,
		Version:    1,
	}
}

type storeSnapshot struct {
	counters     map[uint64]model.InventoryCounter
	reservations map[string]model.Reservation
	locks        map[string]model.PurchaseLock
	intents      map[string]model.PaymentIntent
	ledger       map[string]model.ConfirmationRecord
}

func (s *fakeStore) snapshot() storeSnapshot {
	snap := storeSnapshot{
		counters:     make(map[uint64]model.InventoryCounter, len(s.counters)),
		reservations: make(map[string]model.Reservation, len(s.reservations)),
		locks:        make(map[string]model.PurchaseLock, len(s.locks)),
		intents:      make(map[string]model.PaymentIntent, len(s.intents)),
		ledger:       make(map[string]model.ConfirmationRecord, len(s.ledger)),
	}
	for k, v := range s.counters {
		snap.counters[k] = v
	}
	for k, v := range s.reservations {
		snap.reservations[k] = v
	}
	for k, v := range s.locks {
		snap.locks[k] = v
	}
	for k, v := range s.intents {
		snap.intents[k] = v
	}
	for k, v := range s.ledger {
		snap.ledger[k] = v
	}
	return snap
}

func (s *fakeStore) restore(snap storeSnapshot) {
	s.counters = snap.counters
	s.reservations = snap.reservations
	s.locks = snap.locks
	s.intents = snap.intents
	s.ledger = snap.ledger
}

// enter takes the store mutex unless the context already runs inside a
// transaction, which holds it for its whole duration.
func (s *fakeStore) enter(ctx context.Context) func() {
	if inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *fakeStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if inTx(ctx) {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshot()
	if err := fn(context.WithValue(ctx, inTxKey{}, true)); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// ----- ReservationStore -----

func (s *fakeStore) GetCounter(ctx context.Context, counterID uint64) (model.InventoryCounter, error) {
	defer s.enter(ctx)()
	c, ok := s.counters[counterID]
	if !ok {
		return model.InventoryCounter{}, repository.ErrCounterNotFound
	}
	return c, nil
}

func (s *fakeStore) UpdateCounters(ctx context.Context, counterID uint64, sold, reserved int, expectedVersion uint64) error {
	defer s.enter(ctx)()
	c, ok := s.counters[counterID]
	if !ok || c.Version != expectedVersion {
		return repository.ErrConcurrentModification
	}
	c.Sold = sold
	c.Reserved = reserved
	c.Version++
	s.counters[counterID] = c
	return nil
}

func (s *fakeStore) SumLiveReserved(ctx context.Context, counterID uint64, now time.Time) (int, error) {
	defer s.enter(ctx)()
	total := 0
	for _, r := range s.reservations {
		if r.CounterID == counterID && r.Status == model.ReservationReserved && r.ExpiresAt.After(now) {
			total += r.Quantity
		}
	}
	return total, nil
}

func (s *fakeStore) CreateReservation(ctx context.Context, res model.Reservation) error {
	defer s.enter(ctx)()
	s.reservations[res.ID] = res
	return nil
}

func (s *fakeStore) GetReservation(ctx context.Context, id string) (model.Reservation, error) {
	defer s.enter(ctx)()
	r, ok := s.reservations[id]
	if !ok {
		return model.Reservation{}, repository.ErrReservationNotFound
	}
	return r, nil
}

func (s *fakeStore) MarkReservation(ctx context.Context, id string, to model.ReservationStatus, externalRef *string, now time.Time) (bool, error) {
	defer s.enter(ctx)()
	r, ok := s.reservations[id]
	if !ok || r.Status != model.ReservationReserved {
		return false, nil
	}
	r.Status = to
	if externalRef != nil {
		r.ExternalRef = externalRef
	}
	r.UpdatedAt = now
	s.reservations[id] = r
	return true, nil
}

func (s *fakeStore) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]model.Reservation, error) {
	defer s.enter(ctx)()
	var out []model.Reservation
	for _, r := range s.reservations {
		if r.Status == model.ReservationReserved && !r.ExpiresAt.After(now) {
			out = append(out, r)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// ----- IntentStore -----

func (s *fakeStore) AcquireLock(ctx context.Context, lock model.PurchaseLock) error {
	defer s.enter(ctx)()
	if _, exists := s.locks[lock.LockKey]; exists {
		return repository.ErrPaymentInProgress
	}
	s.locks[lock.LockKey] = lock
	return nil
}

func (s *fakeStore) GetLock(ctx context.Context, lockKey string) (*model.PurchaseLock, error) {
	defer s.enter(ctx)()
	l, ok := s.locks[lockKey]
	if !ok {
		return nil, nil
	}
	cp := l
	return &cp, nil
}

func (s *fakeStore) ReleaseLock(ctx context.Context, lockKey, idempotencyKey string) error {
	defer s.enter(ctx)()
	if l, ok := s.locks[lockKey]; ok && l.IdempotencyKey == idempotencyKey {
		delete(s.locks, lockKey)
	}
	return nil
}

func (s *fakeStore) ReapLock(ctx context.Context, lockKey string, now time.Time) (bool, error) {
	defer s.enter(ctx)()
	l, ok := s.locks[lockKey]
	if !ok || l.ExpiresAt.After(now) {
		return false, nil
	}
	delete(s.locks, lockKey)
	return true, nil
}

func (s *fakeStore) ExtendLock(ctx context.Context, lockKey string, expiresAt time.Time) error {
	defer s.enter(ctx)()
	l, ok := s.locks[lockKey]
	if !ok {
		return nil
	}
	l.ExpiresAt = expiresAt
	s.locks[lockKey] = l
	return nil
}

func (s *fakeStore) DeleteOrphanLocks(ctx context.Context, now time.Time) (int64, error) {
	defer s.enter(ctx)()
	var n int64
	for key, l := range s.locks {
		if l.ExpiresAt.After(now) {
			continue
		}
		backed := false
		for _, in := range s.intents {
			if in.LockKey == key && in.Live() {
				backed = true
				break
			}
		}
		if !backed {
			delete(s.locks, key)
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) CreateIntent(ctx context.Context, in model.PaymentIntent) error {
	defer s.enter(ctx)()
	for _, existing := range s.intents {
		if existing.HolderID == in.HolderID && existing.CounterID == in.CounterID && existing.IdempotencyKey == in.IdempotencyKey {
			return repository.ErrIdempotencyConflict
		}
	}
	s.intents[in.ID] = in
	return nil
}

func (s *fakeStore) GetIntent(ctx context.Context, id string) (model.PaymentIntent, error) {
	defer s.enter(ctx)()
	in, ok := s.intents[id]
	if !ok {
		return model.PaymentIntent{}, repository.ErrIntentNotFound
	}
	return in, nil
}

func (s *fakeStore) FindIntentByIdempotencyKey(ctx context.Context, holderID, counterID uint64, key string) (*model.PaymentIntent, error) {
	defer s.enter(ctx)()
	for _, in := range s.intents {
		if in.HolderID == holderID && in.CounterID == counterID && in.IdempotencyKey == key {
			cp := in
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) FindIntentByExternalRef(ctx context.Context, externalRef string) (*model.PaymentIntent, error) {
	defer s.enter(ctx)()
	for _, in := range s.intents {
		if in.ExternalRef != nil && *in.ExternalRef == externalRef {
			cp := in
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) UpdateIntentStatus(ctx context.Context, id string, from, to model.IntentStatus, externalRef *string, now time.Time) (bool, error) {
	defer s.enter(ctx)()
	in, ok := s.intents[id]
	if !ok || in.Status != from {
		return false, nil
	}
	in.Status = to
	if externalRef != nil {
		in.ExternalRef = externalRef
	}
	in.UpdatedAt = now
	s.intents[id] = in
	return true, nil
}

func (s *fakeStore) SetIntentReservation(ctx context.Context, id, reservationID string) error {
	defer s.enter(ctx)()
	in, ok := s.intents[id]
	if !ok {
		return repository.ErrIntentNotFound
	}
	in.ReservationID = reservationID
	s.intents[id] = in
	return nil
}

func (s *fakeStore) ListStalePendingIntents(ctx context.Context, cutoff time.Time, limit int) ([]model.PaymentIntent, error) {
	defer s.enter(ctx)()
	var out []model.PaymentIntent
	for _, in := range s.intents {
		if in.Status == model.IntentPending && !in.CreatedAt.After(cutoff) {
			out = append(out, in)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// ----- LedgerStore -----

func (s *fakeStore) Admit(ctx context.Context, rec model.ConfirmationRecord) error {
	defer s.enter(ctx)()
	if _, exists := s.ledger[rec.EventHash]; exists {
		return repository.ErrDuplicateConfirmation
	}
	s.ledger[rec.EventHash] = rec
	return nil
}

func (s *fakeStore) Get(ctx context.Context, eventHash string) (*model.ConfirmationRecord, error) {
	defer s.enter(ctx)()
	rec, ok := s.ledger[eventHash]
	if !ok {
		return nil, nil
	}
	cp := rec
	return &cp, nil
}

func (s *fakeStore) RecordOutcome(ctx context.Context, eventHash string, outcome model.ConfirmationOutcome, intentID *string, now time.Time) error {
	defer s.enter(ctx)()
	rec, ok := s.ledger[eventHash]
	if !ok {
		return nil
	}
	rec.Outcome = outcome
	rec.IntentID = intentID
	rec.ProcessedAt = now
	s.ledger[eventHash] = rec
	return nil
}

// fakeGateway scripts gateway responses and counts status queries.
type fakeGateway struct {
	mu          sync.Mutex
	chargeErr   error
	statusErr   error
	status      map[string]gateway.TransactionStatus
	statusCalls int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{status: map[string]gateway.TransactionStatus{}}
}

func (g *fakeGateway) CreateCharge(ctx context.Context, orderID string, amountCents int64, metadata map[string]string) (gateway.Charge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.chargeErr != nil {
		return gateway.Charge{}, g.chargeErr
	}
	return gateway.Charge{
		TransactionRef: "txn-" + orderID,
		Token:          "tok-" + orderID,
		RedirectURL:    "https://pay.example/" + orderID,
	}, nil
}

func (g *fakeGateway) GetStatus(ctx context.Context, orderID string) (gateway.TransactionStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statusCalls++
	if g.statusErr != nil {
		return gateway.TransactionStatus{}, g.statusErr
	}
	st, ok := g.status[orderID]
	if !ok {
		return gateway.TransactionStatus{}, fmt.Errorf("unknown transaction %s", orderID)
	}
	return st, nil
}

func (g *fakeGateway) setStatus(ref, status, fraud string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status[ref] = gateway.TransactionStatus{TransactionRef: ref, Status: status, FraudStatus: fraud}
}

// fakeNotifier records published events.
type fakeNotifier struct {
	mu        sync.Mutex
	confirmed []model.Reservation
	released  []model.Reservation
	failed    []model.PaymentIntent
}

func (n *fakeNotifier) ReservationConfirmed(ctx context.Context, res model.Reservation) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.confirmed = append(n.confirmed, res)
}

func (n *fakeNotifier) ReservationReleased(ctx context.Context, res model.Reservation, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.released = append(n.released, res)
}

func (n *fakeNotifier) PaymentFailed(ctx context.Context, intent model.PaymentIntent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, intent)
}

func (n *fakeNotifier) confirmedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.confirmed)
}

func (n *fakeNotifier) releasedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.released)
}

func (n *fakeNotifier) failedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.failed)
}

// fakeLimiter scripts the attempt limiter.
type fakeLimiter struct {
	allowed    bool
	retryAfter time.Duration
	err        error
}

func (l *fakeLimiter) Allow(ctx context.Context, holderID uint64) (bool, time.Duration, error) {
	return l.allowed, l.retryAfter, l.err
}
