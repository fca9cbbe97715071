package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/alfarukhan/apinyads-sub000/internal/model"
)

// ConfirmationRepo provides data access to the confirmation ledger.
// The ledger gives gateway notifications at-most-once semantics: the
// unique index on event_hash makes admission an atomic insert, and the
// stored outcome lets duplicates replay the original result.
type ConfirmationRepo struct {
	db *sql.DB
}

// NewConfirmationRepo returns a ConfirmationRepo bound to the provided
// database.
func NewConfirmationRepo(db *sql.DB) *ConfirmationRepo { return &ConfirmationRepo{db: db} }

// WithTx runs fn inside a transaction shared through the context.
func (r *ConfirmationRepo) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.db, fn)
}

// Admit inserts the ledger row for a notification.  When the event
// hash already exists it returns ErrDuplicateConfirmation; callers
// then load the original row and short-circuit instead of reprocessing
// side effects.
func (r *ConfirmationRepo) Admit(ctx context.Context, rec model.ConfirmationRecord) error {
	const q = `INSERT INTO confirmation_ledger (event_hash, external_ref, reported_status, outcome, intent_id, processed_at)
	           VALUES (?, ?, ?, ?, ?, ?)`
	_, err := conn(ctx, r.db).ExecContext(ctx, q,
		rec.EventHash, rec.ExternalRef, rec.ReportedStatus, rec.Outcome, rec.IntentID, rec.ProcessedAt.UTC(),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrDuplicateConfirmation
		}
		return fmt.Errorf("admit confirmation: %w", err)
	}
	return nil
}

// Get loads the ledger row for an event hash.  A nil result with nil
// error means the event was never admitted.
func (r *ConfirmationRepo) Get(ctx context.Context, eventHash string) (*model.ConfirmationRecord, error) {
	const q = `SELECT event_hash, external_ref, reported_status, outcome, intent_id, processed_at
	           FROM confirmation_ledger WHERE event_hash = ?`
	var rec model.ConfirmationRecord
	var intentID sql.NullString
	err := conn(ctx, r.db).QueryRowContext(ctx, q, eventHash).Scan(
		&rec.EventHash, &rec.ExternalRef, &rec.ReportedStatus, &rec.Outcome, &intentID, &rec.ProcessedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get confirmation: %w", err)
	}
	if intentID.Valid {
		v := intentID.String
		rec.IntentID = &v
	}
	return &rec, nil
}

// RecordOutcome stores how an admitted event was resolved so later
// duplicates can replay it.
func (r *ConfirmationRepo) RecordOutcome(ctx context.Context, eventHash string, outcome model.ConfirmationOutcome, intentID *string, now time.Time) error {
	const q = `UPDATE confirmation_ledger SET outcome = ?, intent_id = ?, processed_at = ? WHERE event_hash = ?`
	if _, err := conn(ctx, r.db).ExecContext(ctx, q, outcome, intentID, now.UTC(), eventHash); err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}
