package utils // package utils provides hashing helpers shared by the commerce core

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"time"
)

// idempotencyWindow is the time bucket used when deriving idempotency
// keys server-side.  Two identical purchase requests arriving within
// the same window derive the same key and therefore replay instead of
// duplicating.
const idempotencyWindow = 5 * time.Minute

// DeriveIdempotencyKey builds a deterministic idempotency key for a
// purchase attempt when the client did not supply one.  The key hashes
// holder, counter, quantity and the current time bucket, so retries of
// the same request within the window collapse onto one attempt.
func DeriveIdempotencyKey(holderID, counterID uint64, quantity int, now time.Time) string {
	bucket := now.UTC().Truncate(idempotencyWindow).Unix()
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%d|%d|%d", holderID, counterID, quantity, bucket)))
	return hex.EncodeToString(sum[:])
}

// EventHash computes the confirmation-ledger key for a gateway
// notification.  Hashing the full triple means a replayed callback
// maps onto the same ledger row while a genuinely new status for the
// same transaction does not.
func EventHash(externalRef, reportedStatus, signature string) string {
	sum := sha256.Sum256([]byte(externalRef + "|" + reportedStatus + "|" + signature))
	return hex.EncodeToString(sum[:])
}

// NotificationSignature computes the signature the gateway attaches to
// its callbacks: sha512 over the transaction reference, the reported
// status and the merchant server key.
func NotificationSignature(externalRef, reportedStatus, serverKey string) string {
	sum := sha512.Sum512([]byte(externalRef + reportedStatus + serverKey))
	return hex.EncodeToString(sum[:])
}
