// Package repository implements raw SQL persistence for the commerce
// core.  This file defines the sentinel errors shared across
// repositories and services.  Higher layers compare against these
// values with errors.Is to distinguish failure scenarios: stock and
// lock violations are expected outcomes handled at the component
// boundary, while unexpected database failures propagate unwrapped so
// the caller can retry the whole operation.
package repository

import "errors"

// ErrInsufficientStock is returned when a reserve requests more units
// than the item's actual availability.  Handlers should translate this
// into an HTTP 409 response with a distinct message; it is never
// retried automatically.
var ErrInsufficientStock = errors.New("insufficient stock")

// ErrConcurrentModification is returned when a compare-and-swap on the
// counter version fails because another transaction committed first.
// Services retry a bounded number of times before surfacing it.
var ErrConcurrentModification = errors.New("concurrent modification")

// ErrPaymentInProgress is returned when a purchase lock for the same
// holder and item is already held by a different attempt.  Handlers
// should translate this into an HTTP 409 with a Retry-After hint.
var ErrPaymentInProgress = errors.New("payment already in progress")

// ErrReservationExpired is returned when confirming a reservation whose
// TTL has elapsed.
var ErrReservationExpired = errors.New("reservation expired")

// ErrInvalidStateTransition is returned when an operation would move a
// reservation or payment intent along an edge the state machine does
// not allow.
var ErrInvalidStateTransition = errors.New("invalid state transition")

// ErrRateLimited is returned when a holder exceeded the bounded number
// of purchase attempts per time window.  Distinct from
// ErrPaymentInProgress so clients can tell abuse throttling from a
// legitimate in-flight payment.
var ErrRateLimited = errors.New("rate limited")

// ErrDuplicateConfirmation is returned when a gateway notification was
// already admitted into the confirmation ledger.  Callers treat it as
// success and replay the original outcome.
var ErrDuplicateConfirmation = errors.New("duplicate confirmation")

// ErrIdempotencyConflict is returned when a request reuses an
// idempotency key with different parameters than the original attempt.
var ErrIdempotencyConflict = errors.New("idempotency conflict")

// ErrForbidden is returned when a holder operates on a reservation
// that belongs to someone else.
var ErrForbidden = errors.New("forbidden")

// ErrCounterNotFound is returned when the referenced inventory counter
// does not exist.
var ErrCounterNotFound = errors.New("inventory counter not found")

// ErrReservationNotFound is returned when the referenced reservation
// does not exist.
var ErrReservationNotFound = errors.New("reservation not found")

// ErrIntentNotFound is returned when the referenced payment intent does
// not exist.
var ErrIntentNotFound = errors.New("payment intent not found")
