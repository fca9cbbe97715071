package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/alfarukhan/apinyads-sub000/internal/middleware"
	"github.com/alfarukhan/apinyads-sub000/internal/model"
	"github.com/alfarukhan/apinyads-sub000/internal/service"
)

// PaymentHandler serves the payment intent lifecycle and the gateway
// webhook.
type PaymentHandler struct {
	Intents       *service.PaymentIntentService
	Confirmations *service.ConfirmationService
}

func NewPaymentHandler(i *service.PaymentIntentService, conf *service.ConfirmationService) *PaymentHandler {
	return &PaymentHandler{Intents: i, Confirmations: conf}
}

// ----- DTOs -----

type createIntentReq struct {
	ItemID         uint64 `json:"item_id"`
	Quantity       int    `json:"quantity"`
	IdempotencyKey string `json:"idempotency_key"`
}

type intentResp struct {
	ID            string    `json:"id"`
	ItemID        uint64    `json:"item_id"`
	HolderID      uint64    `json:"holder_id"`
	Quantity      int       `json:"quantity"`
	AmountCents   int64     `json:"amount_cents"`
	Status        string    `json:"status"`
	ReservationID string    `json:"reservation_id"`
	ExternalRef   *string   `json:"external_ref,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func toIntentResp(in model.PaymentIntent) intentResp {
	return intentResp{
		ID:            in.ID,
		ItemID:        in.CounterID,
		HolderID:      in.HolderID,
		Quantity:      in.Quantity,
		AmountCents:   in.AmountCents,
		Status:        string(in.Status),
		ReservationID: in.ReservationID,
		ExternalRef:   in.ExternalRef,
		CreatedAt:     in.CreatedAt,
		UpdatedAt:     in.UpdatedAt,
	}
}

type webhookReq struct {
	OrderID           string `json:"order_id"`
	TransactionStatus string `json:"transaction_status"`
	SignatureKey      string `json:"signature_key"`
}

// CreateIntent opens a payment intent for the authenticated holder,
// reserving stock under the purchase lock.  A replayed idempotency key
// returns the original intent with 200 instead of 201.
func (h *PaymentHandler) CreateIntent(c echo.Context) error {
	var req createIntentReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if req.ItemID == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "item_id required"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	out, err := h.Intents.CreateIntent(ctx, service.CreateIntentInput{
		HolderID:       middleware.HolderID(c),
		CounterID:      req.ItemID,
		Quantity:       req.Quantity,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return writeError(c, err)
	}
	status := http.StatusCreated
	if out.Replayed {
		status = http.StatusOK
	}
	return c.JSON(status, echo.Map{
		"intent":      toIntentResp(out.Intent),
		"reservation": toReservationResp(out.Reservation),
		"replayed":    out.Replayed,
	})
}

// Process creates the gateway charge for a PENDING intent and returns
// the redirect the buyer completes payment on.
func (h *PaymentHandler) Process(c echo.Context) error {
	id := c.Param("id")

	ctx, cancel := context.WithTimeout(c.Request().Context(), 20*time.Second)
	defer cancel()

	intent, charge, err := h.Intents.StartProcessing(ctx, id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"intent":       toIntentResp(intent),
		"token":        charge.Token,
		"redirect_url": charge.RedirectURL,
	})
}

// Retry reopens a FAILED intent once its failure backoff elapsed.
func (h *PaymentHandler) Retry(c echo.Context) error {
	id := c.Param("id")

	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	intent, err := h.Intents.Retry(ctx, id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, toIntentResp(intent))
}

// Get returns one payment intent.
func (h *PaymentHandler) Get(c echo.Context) error {
	id := c.Param("id")

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	intent, err := h.Intents.Get(ctx, id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, toIntentResp(intent))
}

// Webhook receives gateway payment notifications.  The response is
// always 200 for admitted events, duplicates included, so the gateway
// stops redelivering; only signature failures and transient errors ask
// for a retry.
func (h *PaymentHandler) Webhook(c echo.Context) error {
	var req webhookReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if req.OrderID == "" || req.TransactionStatus == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "order_id and transaction_status required"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 20*time.Second)
	defer cancel()

	out, err := h.Confirmations.HandleNotification(ctx, service.Notification{
		ExternalRef:    req.OrderID,
		ReportedStatus: req.TransactionStatus,
		Signature:      req.SignatureKey,
	})
	if err != nil {
		if errors.Is(err, service.ErrInvalidSignature) {
			return c.JSON(http.StatusForbidden, echo.Map{"error": "invalid signature"})
		}
		// Transient failure (gateway unreachable, DB error); the event
		// stays pending and the gateway redelivers.
		c.Logger().Errorf("webhook: %v", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "processing failed, retry"})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"outcome":   string(out.Outcome),
		"duplicate": out.Duplicate,
	})
}
