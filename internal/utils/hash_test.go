package utils

import (
	"testing"
	"time"
)

func TestDeriveIdempotencyKey(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	a := DeriveIdempotencyKey(7, 1, 2, base)
	b := DeriveIdempotencyKey(7, 1, 2, base.Add(2*time.Minute))
	if a != b {
		t.Error("same request within the window must derive the same key")
	}

	c := DeriveIdempotencyKey(7, 1, 2, base.Add(6*time.Minute))
	if a == c {
		t.Error("requests in different windows must derive different keys")
	}

	if DeriveIdempotencyKey(7, 1, 3, base) == a {
		t.Error("different quantity must derive a different key")
	}
	if DeriveIdempotencyKey(8, 1, 2, base) == a {
		t.Error("different holder must derive a different key")
	}
}

func TestEventHash(t *testing.T) {
	a := EventHash("txn-1", "settlement", "sig")
	if a != EventHash("txn-1", "settlement", "sig") {
		t.Error("hash must be deterministic")
	}
	if a == EventHash("txn-1", "deny", "sig") {
		t.Error("different status must hash differently")
	}
}

func TestNotificationSignature(t *testing.T) {
	sig := NotificationSignature("txn-1", "settlement", "server-key")
	if sig == NotificationSignature("txn-1", "settlement", "other-key") {
		t.Error("different server keys must sign differently")
	}
	if len(sig) != 128 {
		t.Errorf("signature length = %d, want 128 hex chars", len(sig))
	}
}
