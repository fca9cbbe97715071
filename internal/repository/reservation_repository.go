package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/alfarukhan/apinyads-sub000/internal/model"
)

// ReservationRepo provides data access for inventory counters and
// reservations.  Both tables are mutated together inside one
// transaction: a hold is never visible without its counter increment
// and vice versa.  All timestamps are stored and compared in UTC.
type ReservationRepo struct {
	db *sql.DB
}

// NewReservationRepo returns a ReservationRepo bound to the provided
// database.
func NewReservationRepo(db *sql.DB) *ReservationRepo { return &ReservationRepo{db: db} }

// WithTx runs fn inside a transaction shared through the context.
func (r *ReservationRepo) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.db, fn)
}

// GetCounter loads one inventory counter including its current
// version.  Callers that intend to mutate must pass the version back
// to UpdateCounters unchanged so the compare-and-swap can detect
// concurrent writers.
func (r *ReservationRepo) GetCounter(ctx context.Context, counterID uint64) (model.InventoryCounter, error) {
	const q = `SELECT id, name, kind, capacity, sold, reserved, price_cents, version, created_at, updated_at
	           FROM inventory_counters WHERE id = ?`
	var c model.InventoryCounter
	err := conn(ctx, r.db).QueryRowContext(ctx, q, counterID).Scan(
		&c.ID, &c.Name, &c.Kind, &c.Capacity, &c.Sold, &c.Reserved, &c.PriceCents,
		&c.Version, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.InventoryCounter{}, ErrCounterNotFound
		}
		return model.InventoryCounter{}, fmt.Errorf("get counter: %w", err)
	}
	return c, nil
}

// UpdateCounters writes new sold/reserved values conditioned on the
// previously read version.  The version column is incremented in the
// same statement; zero rows affected means another transaction
// committed in between and the caller must re-read and retry.
func (r *ReservationRepo) UpdateCounters(ctx context.Context, counterID uint64, sold, reserved int, expectedVersion uint64) error {
	const q = `UPDATE inventory_counters
	           SET sold = ?, reserved = ?, version = version + 1
	           WHERE id = ? AND version = ?`
	res, err := conn(ctx, r.db).ExecContext(ctx, q, sold, reserved, counterID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update counters: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update counters: %w", err)
	}
	if n == 0 {
		return ErrConcurrentModification
	}
	return nil
}

// SumLiveReserved returns the total quantity of non-expired RESERVED
// rows for a counter at the given instant.  The reserve path uses this
// sum, not the counter's reserved column, as the authoritative live
// figure: rows past their expiry stop counting even before the sweeper
// reclaims them.
func (r *ReservationRepo) SumLiveReserved(ctx context.Context, counterID uint64, now time.Time) (int, error) {
	const q = `SELECT COALESCE(SUM(quantity), 0) FROM reservations
	           WHERE counter_id = ? AND status = 'RESERVED' AND expires_at > ?`
	var total int
	if err := conn(ctx, r.db).QueryRowContext(ctx, q, counterID, now.UTC()).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum live reserved: %w", err)
	}
	return total, nil
}

// CreateReservation inserts a new RESERVED row.  It must be called
// inside the same transaction as the counter update.
func (r *ReservationRepo) CreateReservation(ctx context.Context, res model.Reservation) error {
	const q = `INSERT INTO reservations (id, counter_id, holder_id, quantity, status, intent_id, external_ref, expires_at, created_at, updated_at)
	           VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := conn(ctx, r.db).ExecContext(ctx, q,
		res.ID, res.CounterID, res.HolderID, res.Quantity, res.Status,
		res.IntentID, res.ExternalRef, res.ExpiresAt.UTC(), res.CreatedAt.UTC(), res.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("create reservation: %w", err)
	}
	return nil
}

// GetReservation loads one reservation by id.
func (r *ReservationRepo) GetReservation(ctx context.Context, id string) (model.Reservation, error) {
	const q = `SELECT id, counter_id, holder_id, quantity, status, intent_id, external_ref, expires_at, created_at, updated_at
	           FROM reservations WHERE id = ?`
	var res model.Reservation
	var intentID, externalRef sql.NullString
	err := conn(ctx, r.db).QueryRowContext(ctx, q, id).Scan(
		&res.ID, &res.CounterID, &res.HolderID, &res.Quantity, &res.Status,
		&intentID, &externalRef, &res.ExpiresAt, &res.CreatedAt, &res.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.Reservation{}, ErrReservationNotFound
		}
		return model.Reservation{}, fmt.Errorf("get reservation: %w", err)
	}
	if intentID.Valid {
		v := intentID.String
		res.IntentID = &v
	}
	if externalRef.Valid {
		v := externalRef.String
		res.ExternalRef = &v
	}
	return res, nil
}

// MarkReservation transitions a reservation out of RESERVED.  The
// status predicate in the WHERE clause makes the write conditional:
// when another transaction already moved the row to a terminal state,
// zero rows are affected and false is returned so the caller can
// re-read and report the winner's outcome instead of erroring.
func (r *ReservationRepo) MarkReservation(ctx context.Context, id string, to model.ReservationStatus, externalRef *string, now time.Time) (bool, error) {
	const q = `UPDATE reservations
	           SET status = ?, external_ref = COALESCE(?, external_ref), updated_at = ?
	           WHERE id = ? AND status = 'RESERVED'`
	res, err := conn(ctx, r.db).ExecContext(ctx, q, to, externalRef, now.UTC(), id)
	if err != nil {
		return false, fmt.Errorf("mark reservation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark reservation: %w", err)
	}
	return n > 0, nil
}

// ListExpiredReservations returns up to limit RESERVED rows whose
// expiry has passed, oldest first.  The sweeper feeds each id through
// the regular cancel path; because every cancellation is itself a CAS,
// concurrent sweeps over the same rows are harmless.
func (r *ReservationRepo) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]model.Reservation, error) {
	const q = `SELECT id, counter_id, holder_id, quantity, status, intent_id, external_ref, expires_at, created_at, updated_at
	           FROM reservations
	           WHERE status = 'RESERVED' AND expires_at <= ?
	           ORDER BY expires_at ASC
	           LIMIT ?`
	rows, err := conn(ctx, r.db).QueryContext(ctx, q, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired reservations: %w", err)
	}
	defer rows.Close()
	var out []model.Reservation
	for rows.Next() {
		var res model.Reservation
		var intentID, externalRef sql.NullString
		if err := rows.Scan(
			&res.ID, &res.CounterID, &res.HolderID, &res.Quantity, &res.Status,
			&intentID, &externalRef, &res.ExpiresAt, &res.CreatedAt, &res.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("list expired reservations: %w", err)
		}
		if intentID.Valid {
			v := intentID.String
			res.IntentID = &v
		}
		if externalRef.Valid {
			v := externalRef.String
			res.ExternalRef = &v
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list expired reservations: %w", err)
	}
	return out, nil
}
