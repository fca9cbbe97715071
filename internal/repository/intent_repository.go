package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/alfarukhan/apinyads-sub000/internal/model"
)

// PaymentIntentRepo provides data access for payment intents and the
// purchase_locks table.  Lock acquisition relies on the unique index
// on purchase_locks.lock_key: a plain INSERT either succeeds and
// thereby takes the lock, or fails with a duplicate-key error when a
// row already exists.  No SELECT-then-INSERT window exists.
type PaymentIntentRepo struct {
	db *sql.DB
}

// NewPaymentIntentRepo returns a PaymentIntentRepo bound to the
// provided database.
func NewPaymentIntentRepo(db *sql.DB) *PaymentIntentRepo { return &PaymentIntentRepo{db: db} }

// WithTx runs fn inside a transaction shared through the context.
func (r *PaymentIntentRepo) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.db, fn)
}

// AcquireLock atomically inserts the lock row.  It returns
// ErrPaymentInProgress when a row with the same lock key already
// exists; the caller inspects the existing row to distinguish an
// idempotent replay from a competing attempt.
func (r *PaymentIntentRepo) AcquireLock(ctx context.Context, lock model.PurchaseLock) error {
	const q = `INSERT INTO purchase_locks (lock_key, holder_id, counter_id, idempotency_key, expires_at, created_at)
	           VALUES (?, ?, ?, ?, ?, ?)`
	_, err := conn(ctx, r.db).ExecContext(ctx, q,
		lock.LockKey, lock.HolderID, lock.CounterID, lock.IdempotencyKey,
		lock.ExpiresAt.UTC(), lock.CreatedAt.UTC(),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrPaymentInProgress
		}
		return fmt.Errorf("acquire lock: %w", err)
	}
	return nil
}

// GetLock loads the lock row for a key.  A nil result with nil error
// means no row exists.
func (r *PaymentIntentRepo) GetLock(ctx context.Context, lockKey string) (*model.PurchaseLock, error) {
	const q = `SELECT lock_key, holder_id, counter_id, idempotency_key, expires_at, created_at
	           FROM purchase_locks WHERE lock_key = ?`
	var l model.PurchaseLock
	err := conn(ctx, r.db).QueryRowContext(ctx, q, lockKey).Scan(
		&l.LockKey, &l.HolderID, &l.CounterID, &l.IdempotencyKey, &l.ExpiresAt, &l.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get lock: %w", err)
	}
	return &l, nil
}

// ReleaseLock deletes the lock row, conditioned on the idempotency key
// that acquired it.  The condition keeps releases owned: an attempt
// whose expired lock was taken over by a newer attempt cannot delete
// the newer attempt's live lock.  Deleting an absent or foreign row is
// a no-op, which keeps release idempotent under races with the sweeper.
func (r *PaymentIntentRepo) ReleaseLock(ctx context.Context, lockKey, idempotencyKey string) error {
	const q = `DELETE FROM purchase_locks WHERE lock_key = ? AND idempotency_key = ?`
	if _, err := conn(ctx, r.db).ExecContext(ctx, q, lockKey, idempotencyKey); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// ReapLock deletes the lock row only when it has already expired.  It
// returns true when a row was removed.  Used both for atomic takeover
// of abandoned locks and by the sweeper.
func (r *PaymentIntentRepo) ReapLock(ctx context.Context, lockKey string, now time.Time) (bool, error) {
	const q = `DELETE FROM purchase_locks WHERE lock_key = ? AND expires_at <= ?`
	res, err := conn(ctx, r.db).ExecContext(ctx, q, lockKey, now.UTC())
	if err != nil {
		return false, fmt.Errorf("reap lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reap lock: %w", err)
	}
	return n > 0, nil
}

// ExtendLock moves the lock's expiry.  The payment intent manager uses
// this to shorten a lock after a FAILED attempt so retries are damped
// without blocking the holder for the full checkout TTL.
func (r *PaymentIntentRepo) ExtendLock(ctx context.Context, lockKey string, expiresAt time.Time) error {
	const q = `UPDATE purchase_locks SET expires_at = ? WHERE lock_key = ?`
	if _, err := conn(ctx, r.db).ExecContext(ctx, q, expiresAt.UTC(), lockKey); err != nil {
		return fmt.Errorf("extend lock: %w", err)
	}
	return nil
}

// DeleteOrphanLocks removes expired lock rows that are not backed by a
// live payment intent.  Locks held by PENDING or PROCESSING intents
// are left alone even when expired; their lifecycle is resolved
// through the intent state machine instead.
func (r *PaymentIntentRepo) DeleteOrphanLocks(ctx context.Context, now time.Time) (int64, error) {
	const q = `DELETE l FROM purchase_locks l
	           LEFT JOIN payment_intents i
	             ON i.lock_key = l.lock_key AND i.status IN ('PENDING', 'PROCESSING')
	           WHERE l.expires_at <= ? AND i.id IS NULL`
	res, err := conn(ctx, r.db).ExecContext(ctx, q, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete orphan locks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete orphan locks: %w", err)
	}
	return n, nil
}

// CreateIntent inserts a new payment intent.  The unique index on
// (holder_id, counter_id, idempotency_key) turns a replayed insert into
// ErrIdempotencyConflict, which the service resolves by re-reading the
// original row.
func (r *PaymentIntentRepo) CreateIntent(ctx context.Context, in model.PaymentIntent) error {
	const q = `INSERT INTO payment_intents
	           (id, holder_id, counter_id, quantity, amount_cents, idempotency_key, status, lock_key, reservation_id, external_ref, created_at, updated_at)
	           VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := conn(ctx, r.db).ExecContext(ctx, q,
		in.ID, in.HolderID, in.CounterID, in.Quantity, in.AmountCents, in.IdempotencyKey,
		in.Status, in.LockKey, in.ReservationID, in.ExternalRef, in.CreatedAt.UTC(), in.UpdatedAt.UTC(),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrIdempotencyConflict
		}
		return fmt.Errorf("create intent: %w", err)
	}
	return nil
}

// GetIntent loads one payment intent by id.
func (r *PaymentIntentRepo) GetIntent(ctx context.Context, id string) (model.PaymentIntent, error) {
	return r.getIntentWhere(ctx, `id = ?`, id)
}

// FindIntentByIdempotencyKey returns the intent created under the
// given holder, counter and idempotency key, or nil when none exists.
func (r *PaymentIntentRepo) FindIntentByIdempotencyKey(ctx context.Context, holderID, counterID uint64, key string) (*model.PaymentIntent, error) {
	in, err := r.getIntentWhere(ctx, `holder_id = ? AND counter_id = ? AND idempotency_key = ?`, holderID, counterID, key)
	if err != nil {
		if err == ErrIntentNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &in, nil
}

// FindIntentByExternalRef returns the intent linked to a gateway
// transaction reference, or nil when none exists.  The webhook handler
// resolves callbacks through this lookup.
func (r *PaymentIntentRepo) FindIntentByExternalRef(ctx context.Context, externalRef string) (*model.PaymentIntent, error) {
	in, err := r.getIntentWhere(ctx, `external_ref = ?`, externalRef)
	if err != nil {
		if err == ErrIntentNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &in, nil
}

func (r *PaymentIntentRepo) getIntentWhere(ctx context.Context, where string, args ...any) (model.PaymentIntent, error) {
	q := `SELECT id, holder_id, counter_id, quantity, amount_cents, idempotency_key, status, lock_key, reservation_id, external_ref, created_at, updated_at
	      FROM payment_intents WHERE ` + where
	var in model.PaymentIntent
	var externalRef sql.NullString
	err := conn(ctx, r.db).QueryRowContext(ctx, q, args...).Scan(
		&in.ID, &in.HolderID, &in.CounterID, &in.Quantity, &in.AmountCents, &in.IdempotencyKey,
		&in.Status, &in.LockKey, &in.ReservationID, &externalRef, &in.CreatedAt, &in.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.PaymentIntent{}, ErrIntentNotFound
		}
		return model.PaymentIntent{}, fmt.Errorf("get intent: %w", err)
	}
	if externalRef.Valid {
		v := externalRef.String
		in.ExternalRef = &v
	}
	return in, nil
}

// UpdateIntentStatus transitions an intent conditioned on its current
// status, mirroring the CAS discipline used for counters: zero rows
// affected means a concurrent transition won and the caller re-reads.
func (r *PaymentIntentRepo) UpdateIntentStatus(ctx context.Context, id string, from, to model.IntentStatus, externalRef *string, now time.Time) (bool, error) {
	const q = `UPDATE payment_intents
	           SET status = ?, external_ref = COALESCE(?, external_ref), updated_at = ?
	           WHERE id = ? AND status = ?`
	res, err := conn(ctx, r.db).ExecContext(ctx, q, to, externalRef, now.UTC(), id, from)
	if err != nil {
		return false, fmt.Errorf("update intent status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update intent status: %w", err)
	}
	return n > 0, nil
}

// SetIntentReservation points an intent at a new stock hold.  Used by
// the retry path, where the failed attempt's hold was already released
// and a fresh one is reserved.
func (r *PaymentIntentRepo) SetIntentReservation(ctx context.Context, id, reservationID string) error {
	const q = `UPDATE payment_intents SET reservation_id = ? WHERE id = ?`
	if _, err := conn(ctx, r.db).ExecContext(ctx, q, reservationID, id); err != nil {
		return fmt.Errorf("set intent reservation: %w", err)
	}
	return nil
}

// ListStalePendingIntents returns PENDING intents created before the
// cutoff, oldest first.  The sweeper cancels them and releases their
// locks; a request that crashed between lock acquisition and gateway
// hand-off leaves exactly this shape behind.
func (r *PaymentIntentRepo) ListStalePendingIntents(ctx context.Context, cutoff time.Time, limit int) ([]model.PaymentIntent, error) {
	const q = `SELECT id, holder_id, counter_id, quantity, amount_cents, idempotency_key, status, lock_key, reservation_id, external_ref, created_at, updated_at
	           FROM payment_intents
	           WHERE status = 'PENDING' AND created_at <= ?
	           ORDER BY created_at ASC
	           LIMIT ?`
	rows, err := conn(ctx, r.db).QueryContext(ctx, q, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale intents: %w", err)
	}
	defer rows.Close()
	var out []model.PaymentIntent
	for rows.Next() {
		var in model.PaymentIntent
		var externalRef sql.NullString
		if err := rows.Scan(
			&in.ID, &in.HolderID, &in.CounterID, &in.Quantity, &in.AmountCents, &in.IdempotencyKey,
			&in.Status, &in.LockKey, &in.ReservationID, &externalRef, &in.CreatedAt, &in.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("list stale intents: %w", err)
		}
		if externalRef.Valid {
			v := externalRef.String
			in.ExternalRef = &v
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list stale intents: %w", err)
	}
	return out, nil
}
