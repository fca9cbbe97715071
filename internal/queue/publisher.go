package queue

import (
	"context"
	"encoding/json"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/alfarukhan/apinyads-sub000/internal/model"
)

// Publisher pushes commerce events to RabbitMQ.  Publishing is
// fire-and-forget: any error is logged and swallowed so a broker outage
// never fails the purchase flow that produced the event.  Each publish
// dials a fresh connection; the broker sits on the same network and the
// event rate is low enough that connection reuse is not worth the
// state management.
type Publisher struct {
	url string
}

// NewPublisher returns a Publisher targeting the given AMQP URL.  An
// empty URL disables publishing entirely.
func NewPublisher(url string) *Publisher {
	return &Publisher{url: url}
}

// ReservationConfirmed publishes a PurchaseConfirmedEvent.
func (p *Publisher) ReservationConfirmed(ctx context.Context, res model.Reservation) {
	ev := PurchaseConfirmedEvent{
		ReservationID: res.ID,
		HolderID:      res.HolderID,
		CounterID:     res.CounterID,
		Quantity:      res.Quantity,
		ConfirmedAt:   res.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if res.IntentID != nil {
		ev.IntentID = *res.IntentID
	}
	if res.ExternalRef != nil {
		ev.ExternalRef = *res.ExternalRef
	}
	p.publish(ctx, PurchaseConfirmedQueue, ev)
}

// ReservationReleased publishes a PurchaseReleasedEvent.
func (p *Publisher) ReservationReleased(ctx context.Context, res model.Reservation, reason string) {
	p.publish(ctx, PurchaseReleasedQueue, PurchaseReleasedEvent{
		ReservationID: res.ID,
		HolderID:      res.HolderID,
		CounterID:     res.CounterID,
		Quantity:      res.Quantity,
		Reason:        reason,
		ReleasedAt:    res.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

// PaymentFailed publishes a PaymentFailedEvent.
func (p *Publisher) PaymentFailed(ctx context.Context, intent model.PaymentIntent) {
	ev := PaymentFailedEvent{
		IntentID:    intent.ID,
		HolderID:    intent.HolderID,
		CounterID:   intent.CounterID,
		AmountCents: intent.AmountCents,
		FailedAt:    intent.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if intent.ExternalRef != nil {
		ev.ExternalRef = *intent.ExternalRef
	}
	p.publish(ctx, PaymentFailedQueue, ev)
}

// publish marshals the event and delivers it as a persistent message to
// the named durable queue on the default exchange.
func (p *Publisher) publish(ctx context.Context, queueName string, event any) {
	if p.url == "" {
		return
	}
	conn, err := amqp.Dial(p.url)
	if err != nil {
		log.Printf("rabbitmq: dial failed: %v", err)
		return
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		log.Printf("rabbitmq: channel open failed: %v", err)
		return
	}
	defer func() { _ = ch.Close() }()

	// Idempotent declare; durable so messages survive broker restarts.
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		log.Printf("rabbitmq: queue declare failed: %v", err)
		return
	}

	body, err := json.Marshal(event)
	if err != nil {
		log.Printf("rabbitmq: marshal event failed: %v", err)
		return
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", queueName, false, false, pub); err != nil {
		log.Printf("rabbitmq: publish to %s failed: %v", queueName, err)
	}
}
