package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/alfarukhan/apinyads-sub000/internal/middleware"
	"github.com/alfarukhan/apinyads-sub000/internal/model"
	"github.com/alfarukhan/apinyads-sub000/internal/repository"
	"github.com/alfarukhan/apinyads-sub000/internal/service"
)

// PurchaseHandler serves the reservation lifecycle: direct holds,
// confirmation, cancellation and availability reads.
type PurchaseHandler struct {
	Reservations *service.ReservationService
}

func NewPurchaseHandler(r *service.ReservationService) *PurchaseHandler {
	return &PurchaseHandler{Reservations: r}
}

// ----- DTOs -----

type reserveReq struct {
	ItemID   uint64 `json:"item_id"`
	Quantity int    `json:"quantity"`
}

type cancelReq struct {
	Reason string `json:"reason"`
}

type reservationResp struct {
	ID          string    `json:"id"`
	ItemID      uint64    `json:"item_id"`
	HolderID    uint64    `json:"holder_id"`
	Quantity    int       `json:"quantity"`
	Status      string    `json:"status"`
	IntentID    *string   `json:"intent_id,omitempty"`
	ExternalRef *string   `json:"external_ref,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toReservationResp(r model.Reservation) reservationResp {
	return reservationResp{
		ID:          r.ID,
		ItemID:      r.CounterID,
		HolderID:    r.HolderID,
		Quantity:    r.Quantity,
		Status:      string(r.Status),
		IntentID:    r.IntentID,
		ExternalRef: r.ExternalRef,
		ExpiresAt:   r.ExpiresAt,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

// Reserve creates a time-bounded hold for the authenticated holder.
// Used directly for guestlist spots; ticket purchases go through the
// payment intent endpoint, which reserves as part of intent creation.
func (h *PurchaseHandler) Reserve(c echo.Context) error {
	var req reserveReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if req.ItemID == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "item_id required"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	res, err := h.Reservations.Reserve(ctx, service.ReserveInput{
		HolderID:  middleware.HolderID(c),
		CounterID: req.ItemID,
		Quantity:  req.Quantity,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, toReservationResp(res))
}

// Confirm finalises a hold, moving its quantity from reserved to sold.
// Only the reservation's own holder may confirm it.
func (h *PurchaseHandler) Confirm(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "reservation id required"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := h.checkOwner(ctx, c, id); err != nil {
		return writeError(c, err)
	}
	res, err := h.Reservations.Confirm(ctx, id, "")
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, toReservationResp(res))
}

// Cancel releases a hold back to the pool.  Only the reservation's own
// holder may cancel it.
func (h *PurchaseHandler) Cancel(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "reservation id required"})
	}
	var req cancelReq
	_ = c.Bind(&req) // reason is optional

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := h.checkOwner(ctx, c, id); err != nil {
		return writeError(c, err)
	}
	reason := req.Reason
	if reason == "" {
		reason = "user_cancelled"
	}
	res, err := h.Reservations.Cancel(ctx, id, reason)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, toReservationResp(res))
}

// checkOwner verifies the authenticated holder owns the reservation.
func (h *PurchaseHandler) checkOwner(ctx context.Context, c echo.Context, reservationID string) error {
	res, err := h.Reservations.Get(ctx, reservationID)
	if err != nil {
		return err
	}
	if res.HolderID != middleware.HolderID(c) {
		return repository.ErrForbidden
	}
	return nil
}

// Get returns one reservation.
func (h *PurchaseHandler) Get(c echo.Context) error {
	id := c.Param("id")

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	res, err := h.Reservations.Get(ctx, id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, toReservationResp(res))
}

// Availability reports an item's open quantity, computed from the live
// reservation sum so expired holds do not count against the pool.
func (h *PurchaseHandler) Availability(c echo.Context) error {
	itemID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || itemID == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid item id"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	counter, err := h.Reservations.Counter(ctx, itemID)
	if err != nil {
		return writeError(c, err)
	}
	available, err := h.Reservations.Availability(ctx, itemID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"item_id":     counter.ID,
		"name":        counter.Name,
		"kind":        string(counter.Kind),
		"capacity":    counter.Capacity,
		"sold":        counter.Sold,
		"available":   available,
		"price_cents": counter.PriceCents,
	})
}
