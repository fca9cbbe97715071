// Package handler exposes the commerce core over HTTP.  Handlers bind
// request DTOs, call into the service layer and translate the typed
// sentinel errors into status codes; no business logic lives here.
package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/alfarukhan/apinyads-sub000/internal/repository"
	"github.com/alfarukhan/apinyads-sub000/internal/service"
)

// writeError maps service-layer sentinels onto HTTP responses.  Every
// contended-state conflict surfaces as 409 so clients can distinguish
// "try again" from a genuine failure.
func writeError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrInvalidQuantity):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "quantity must be positive"})
	case errors.Is(err, repository.ErrForbidden):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
	case errors.Is(err, repository.ErrCounterNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "item not found"})
	case errors.Is(err, repository.ErrReservationNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "reservation not found"})
	case errors.Is(err, repository.ErrIntentNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "payment intent not found"})
	case errors.Is(err, repository.ErrInsufficientStock):
		return c.JSON(http.StatusConflict, echo.Map{"error": "insufficient stock"})
	case errors.Is(err, repository.ErrPaymentInProgress):
		return c.JSON(http.StatusConflict, echo.Map{"error": "payment already in progress"})
	case errors.Is(err, repository.ErrIdempotencyConflict):
		return c.JSON(http.StatusConflict, echo.Map{"error": "idempotency key conflict"})
	case errors.Is(err, repository.ErrReservationExpired):
		return c.JSON(http.StatusGone, echo.Map{"error": "reservation expired"})
	case errors.Is(err, repository.ErrInvalidStateTransition):
		return c.JSON(http.StatusConflict, echo.Map{"error": "invalid state transition"})
	case errors.Is(err, repository.ErrConcurrentModification):
		return c.JSON(http.StatusConflict, echo.Map{"error": "conflicting update, retry"})
	case errors.Is(err, repository.ErrRateLimited):
		c.Response().Header().Set("Retry-After", "60")
		return c.JSON(http.StatusTooManyRequests, echo.Map{"error": "too many purchase attempts"})
	default:
		c.Logger().Errorf("internal error: %v", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
}
