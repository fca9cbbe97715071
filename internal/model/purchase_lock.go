package model

import (
	"fmt"
	"time"
)

// PurchaseLock is the mutual-exclusion record guarding one
// holder+counter pair during checkout.  Existence of a live row is the
// lock: acquisition is an atomic insert against the unique lock_key
// column, release is deletion.  The row also stores the idempotency
// key of the attempt that holds it, so a retried request can be told
// apart from a competing one.
//
// Fields:
//  LockKey        – unique key, "holder:counter".
//  HolderID       – user holding the lock.
//  CounterID      – item the lock covers.
//  IdempotencyKey – idempotency key of the owning attempt.
//  ExpiresAt      – after this instant the row no longer blocks and
//                   may be taken over or swept.
//  CreatedAt      – acquisition timestamp.
type PurchaseLock struct {
	LockKey        string    // purchase_locks.lock_key
	HolderID       uint64    // purchase_locks.holder_id
	CounterID      uint64    // purchase_locks.counter_id
	IdempotencyKey string    // purchase_locks.idempotency_key
	ExpiresAt      time.Time // purchase_locks.expires_at
	CreatedAt      time.Time // purchase_locks.created_at
}

// LockKeyFor builds the canonical lock key for a holder and counter.
func LockKeyFor(holderID, counterID uint64) string {
	return fmt.Sprintf("%d:%d", holderID, counterID)
}

// LiveAt reports whether the lock still blocks acquisition at the
// given instant.
func (l PurchaseLock) LiveAt(now time.Time) bool {
	return l.ExpiresAt.After(now)
}
