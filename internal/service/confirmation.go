package service

import (
	"context"
	"crypto/hmac"
	"errors"
	"log"

	"github.com/alfarukhan/apinyads-sub000/internal/clock"
	"github.com/alfarukhan/apinyads-sub000/internal/gateway"
	"github.com/alfarukhan/apinyads-sub000/internal/model"
	"github.com/alfarukhan/apinyads-sub000/internal/repository"
	"github.com/alfarukhan/apinyads-sub000/internal/utils"
)

// ErrInvalidSignature rejects callbacks whose signature does not match
// the merchant server key before they reach the ledger.
var ErrInvalidSignature = errors.New("invalid notification signature")

// Notification is one inbound gateway callback.
type Notification struct {
	ExternalRef    string
	ReportedStatus string
	Signature      string
}

// ConfirmationResult reports how a notification was resolved.  A
// duplicate delivery carries the original outcome with Duplicate set,
// so gateway retries observe success without any side effect running
// twice.
type ConfirmationResult struct {
	Outcome   model.ConfirmationOutcome
	Duplicate bool
	IntentID  *string
}

// ConfirmationService admits gateway callbacks exactly once and applies
// their side effects.  Admission is an atomic insert into the
// confirmation ledger keyed by a hash of (external ref, reported
// status, signature); processing follows a trust-but-verify policy
// where the callback body only triggers an authoritative status query
// and never drives side effects directly.
type ConfirmationService struct {
	ledger    LedgerStore
	intents   *PaymentIntentService
	gateway   PaymentGateway
	clock     clock.Clock
	serverKey string
}

// NewConfirmationService constructs the webhook deduplicator.
func NewConfirmationService(ledger LedgerStore, intents *PaymentIntentService, gw PaymentGateway, clk clock.Clock, serverKey string) *ConfirmationService {
	return &ConfirmationService{
		ledger:    ledger,
		intents:   intents,
		gateway:   gw,
		clock:     clk,
		serverKey: serverKey,
	}
}

// HandleNotification verifies, admits and processes one callback.
//
// Order of defenses: the signature check rejects forgeries before they
// can occupy ledger rows; the ledger insert collapses redeliveries of
// the same event onto the first outcome; the gateway status query
// decides what actually happened.  Only a pending outcome may be
// reprocessed on redelivery, because pending recorded no side effects.
func (s *ConfirmationService) HandleNotification(ctx context.Context, n Notification) (ConfirmationResult, error) {
	expected := utils.NotificationSignature(n.ExternalRef, n.ReportedStatus, s.serverKey)
	if !hmac.Equal([]byte(expected), []byte(n.Signature)) {
		return ConfirmationResult{}, ErrInvalidSignature
	}

	now := s.clock.Now()
	hash := utils.EventHash(n.ExternalRef, n.ReportedStatus, n.Signature)
	err := s.ledger.Admit(ctx, model.ConfirmationRecord{
		EventHash:      hash,
		ExternalRef:    n.ExternalRef,
		ReportedStatus: n.ReportedStatus,
		Outcome:        model.OutcomePending,
		ProcessedAt:    now,
	})
	if err != nil {
		if !errors.Is(err, repository.ErrDuplicateConfirmation) {
			return ConfirmationResult{}, err
		}
		existing, getErr := s.ledger.Get(ctx, hash)
		if getErr != nil {
			return ConfirmationResult{}, getErr
		}
		if existing != nil && existing.Outcome != model.OutcomePending {
			return ConfirmationResult{Outcome: existing.Outcome, Duplicate: true, IntentID: existing.IntentID}, nil
		}
		// Admitted earlier but never resolved (crash or gateway error
		// mid-processing); fall through and process it now.
	}

	outcome, intentID, procErr := s.process(ctx, n)
	if procErr != nil {
		return ConfirmationResult{}, procErr
	}
	if err := s.ledger.RecordOutcome(ctx, hash, outcome, intentID, s.clock.Now()); err != nil {
		log.Printf("confirmation: record outcome for %s: %v", n.ExternalRef, err)
	}
	return ConfirmationResult{Outcome: outcome, IntentID: intentID}, nil
}

// process queries the gateway and applies the resolved outcome to the
// linked payment intent.
func (s *ConfirmationService) process(ctx context.Context, n Notification) (model.ConfirmationOutcome, *string, error) {
	st, err := s.gateway.GetStatus(ctx, n.ExternalRef)
	if err != nil {
		// Leaving the ledger row at pending lets the gateway's retry
		// reprocess once it can be verified.
		return model.OutcomePending, nil, err
	}

	intent, err := s.intents.intents.FindIntentByExternalRef(ctx, n.ExternalRef)
	if err != nil {
		return model.OutcomePending, nil, err
	}
	if intent == nil {
		// No intent knows this transaction; record and ignore rather
		// than trusting an unattributable callback.
		return model.OutcomeRejected, nil, nil
	}

	switch gateway.Resolve(st) {
	case gateway.ResolutionSuccess:
		if err := s.complete(ctx, *intent, n.ExternalRef); err != nil {
			return model.OutcomePending, nil, err
		}
		return model.OutcomeSettled, &intent.ID, nil
	case gateway.ResolutionFailure:
		if err := s.fail(ctx, *intent, n.ExternalRef); err != nil {
			return model.OutcomePending, nil, err
		}
		return model.OutcomeFailed, &intent.ID, nil
	default:
		return model.OutcomePending, &intent.ID, nil
	}
}

// complete walks the intent to COMPLETED.  A callback can arrive while
// the intent is still PENDING (the charge response raced the webhook),
// so the PROCESSING hop is taken first when needed.
func (s *ConfirmationService) complete(ctx context.Context, intent model.PaymentIntent, externalRef string) error {
	if intent.Status == model.IntentCompleted {
		return nil
	}
	if intent.Status == model.IntentPending {
		if _, err := s.intents.UpdateStatus(ctx, intent.ID, model.IntentProcessing, externalRef); err != nil {
			return err
		}
	}
	_, err := s.intents.UpdateStatus(ctx, intent.ID, model.IntentCompleted, externalRef)
	return err
}

func (s *ConfirmationService) fail(ctx context.Context, intent model.PaymentIntent, externalRef string) error {
	if intent.Status == model.IntentFailed || intent.Status.Terminal() {
		return nil
	}
	if intent.Status == model.IntentPending {
		if _, err := s.intents.UpdateStatus(ctx, intent.ID, model.IntentProcessing, externalRef); err != nil {
			return err
		}
	}
	_, err := s.intents.UpdateStatus(ctx, intent.ID, model.IntentFailed, externalRef)
	return err
}
