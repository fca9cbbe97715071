package model

import "time"

// ConfirmationOutcome records how an admitted gateway notification was
// resolved.  The outcome is replayed verbatim when the same event is
// delivered again.
type ConfirmationOutcome string

const (
	OutcomeSettled  ConfirmationOutcome = "settled"  // charge captured, reservation confirmed
	OutcomeFailed   ConfirmationOutcome = "failed"   // terminal gateway failure, stock released
	OutcomePending  ConfirmationOutcome = "pending"  // gateway still settling, no side effects
	OutcomeRejected ConfirmationOutcome = "rejected" // signature or state validation failed
)

// ConfirmationRecord is one row of the confirmation ledger.  The
// event hash covers (external ref, reported status, signature); an
// atomic insert on the unique hash guarantees each logical gateway
// event produces side effects at most once.
//
// Fields:
//  EventHash      – sha256 over the notification triple, primary key.
//  ExternalRef    – gateway transaction id.
//  ReportedStatus – status string carried by the callback body.
//  Outcome        – how the first processing of this event resolved.
//  IntentID       – payment intent the event applied to, when resolved.
//  ProcessedAt    – when the event was first admitted.
type ConfirmationRecord struct {
	EventHash      string              // confirmation_ledger.event_hash
	ExternalRef    string              // confirmation_ledger.external_ref
	ReportedStatus string              // confirmation_ledger.reported_status
	Outcome        ConfirmationOutcome // confirmation_ledger.outcome
	IntentID       *string             // confirmation_ledger.intent_id (nullable)
	ProcessedAt    time.Time           // confirmation_ledger.processed_at
}
