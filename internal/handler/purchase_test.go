package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/alfarukhan/apinyads-sub000/internal/clock"
	"github.com/alfarukhan/apinyads-sub000/internal/model"
	"github.com/alfarukhan/apinyads-sub000/internal/repository"
	"github.com/alfarukhan/apinyads-sub000/internal/service"
)

// stubStore is a minimal ReservationStore for handler tests.  No
// locking: handler tests are single-threaded.
type stubStore struct {
	counters     map[uint64]model.InventoryCounter
	reservations map[string]model.Reservation
}

var _ service.ReservationStore = (*stubStore)(nil)

func newStubStore() *stubStore {
	return &stubStore{
		counters:     map[uint64]model.InventoryCounter{},
		reservations: map[string]model.Reservation{},
	}
}

func (s *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (s *stubStore) GetCounter(ctx context.Context, counterID uint64) (model.InventoryCounter, error) {
	c, ok := s.counters[counterID]
	if !ok {
		return model.InventoryCounter{}, repository.ErrCounterNotFound
	}
	return c, nil
}

func (s *stubStore) UpdateCounters(ctx context.Context, counterID uint64, sold, reserved int, expectedVersion uint64) error {
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

func (s *stubStore) SumLiveReserved(ctx context.Context, counterID uint64, now time.Time) (int, error) {
	total := 0
	for _, r := range s.reservations {
		if r.CounterID == counterID && r.Status == model.ReservationReserved && r.ExpiresAt.After(now) {
			total += r.Quantity
		}
	}
	return total, nil
}

func (s *stubStore) CreateReservation(ctx context.Context, res model.Reservation) error {
	s.reservations[res.ID] = res
	return nil
}

func (s *stubStore) GetReservation(ctx context.Context, id string) (model.Reservation, error) {
	r, ok := s.reservations[id]
	if !ok {
		return model.Reservation{}, repository.ErrReservationNotFound
	}
	return r, nil
}

func (s *stubStore) MarkReservation(ctx context.Context, id string, to model.ReservationStatus, externalRef *string, now time.Time) (bool, error) {
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

func (s *stubStore) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]model.Reservation, error) {
	return nil, nil
}

func newPurchaseFixture(t *testing.T) (*stubStore, *PurchaseHandler) {
	t.Helper()
	store := newStubStore()
	store.counters[1] = model.InventoryCounter{
		ID: 1, Name: "item-1", Kind: model.KindTicketTier,
		Capacity: 10, PriceCents: 5000, Version: 1,
	}
	clk := clock.NewFixed(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return store, NewPurchaseHandler(service.NewReservationService(store, clk))
}

func invoke(t *testing.T, h echo.HandlerFunc, holderID uint64, reservationID string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("holder_id", holderID)
	c.SetParamNames("id")
	c.SetParamValues(reservationID)
	if err := h(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	return rec
}

func TestConfirmRejectsForeignHolder(t *testing.T) {
	store, h := newPurchaseFixture(t)
	store.reservations["res-1"] = model.Reservation{
		ID: "res-1", CounterID: 1, HolderID: 7, Quantity: 2,
		Status:    model.ReservationReserved,
		ExpiresAt: time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC),
	}

	rec := invoke(t, h.Confirm, 99, "res-1")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if got := store.reservations["res-1"]; got.Status != model.ReservationReserved {
		t.Fatalf("reservation status = %s, want RESERVED (untouched)", got.Status)
	}

	// The owner succeeds.
	rec = invoke(t, h.Confirm, 7, "res-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}
	if got := store.reservations["res-1"]; got.Status != model.ReservationConfirmed {
		t.Fatalf("reservation status = %s, want CONFIRMED", got.Status)
	}
}

func TestCancelRejectsForeignHolder(t *testing.T) {
	store, h := newPurchaseFixture(t)
	store.reservations["res-1"] = model.Reservation{
		ID: "res-1", CounterID: 1, HolderID: 7, Quantity: 2,
		Status:    model.ReservationReserved,
		ExpiresAt: time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC),
	}

	rec := invoke(t, h.Cancel, 99, "res-1")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}

	rec = invoke(t, h.Cancel, 7, "res-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}
	if got := store.reservations["res-1"]; got.Status != model.ReservationCancelled {
		t.Fatalf("reservation status = %s, want CANCELLED", got.Status)
	}
}
