package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-txflow/txflow/internal/nilcheck"
	"github.com/LerianStudio/lib-txflow/txflow/outbox"
	"github.com/LerianStudio/lib-txflow/txflow/saga"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// CommandHandler binds a saga participant to a command queue. Deliveries
// are decoded as saga commands and handled; the reply lands in the
// participant's own outbox and the relay delivers it with the same
// guarantees as commands. With OutboxPublisher the reply event type is
// also the routing key, so replyEventType names the orchestrator's reply
// channel (e.g. "saga.reply.order").
//
// Malformed payloads are dead-lettered. Transient handler errors requeue
// the delivery so the broker retries; duplicate commands are acked without
// a reply because the original processing already stored one.
func CommandHandler(participant *saga.Participant, replies outbox.Repository, replyEventType string) DeliveryHandler {
	return func(ctx context.Context, delivery amqp.Delivery) error {
		if participant == nil {
			return saga.ErrHandlerRequired
		}

		var command saga.Command
		if err := json.Unmarshal(delivery.Body, &command); err != nil {
			return fmt.Errorf("decoding saga command: %w", err)
		}

		reply, err := participant.HandleCommand(ctx, command)
		if err != nil {
			return Transient(err)
		}

		if reply == nil {
			return nil
		}

		if err := storeReply(ctx, replies, replyEventType, reply); err != nil {
			// The command is already marked processed, so a requeue yields
			// no second reply. The watchdog settles the saga if the outbox
			// write keeps failing.
			return Transient(err)
		}

		return nil
	}
}

// storeReply appends the reply to the participant's outbox. The event id
// is derived from the reply id, so a retried store never enqueues a second
// distinct reply event.
func storeReply(ctx context.Context, replies outbox.Repository, eventType string, reply *saga.Reply) error {
	if nilcheck.Interface(replies) {
		return outbox.ErrOutboxRepositoryRequired
	}

	payload, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("encoding saga reply: %w", err)
	}

	eventID := uuid.NewSHA1(uuid.NameSpaceOID, []byte("saga.reply:"+reply.MessageID))

	event, err := outbox.NewOutboxEventWithID(eventID, eventType, reply.SagaID, payload)
	if err != nil {
		return err
	}

	if _, err := replies.Create(ctx, event); err != nil {
		return fmt.Errorf("storing saga reply: %w", err)
	}

	return nil
}

// ReplyHandler binds a saga orchestrator to a reply queue. Deliveries are
// decoded as saga replies and applied to the saga instance.
//
// Every orchestration error requeues the delivery: version conflicts and
// compensation failures resolve on retry, and replies that can never apply
// (missing compensation data) keep failing until the watchdog forces the
// saga to FAILED, after which redelivery is a terminal-state no-op and the
// message is acked.
func ReplyHandler(orchestrator *saga.Orchestrator) DeliveryHandler {
	return func(ctx context.Context, delivery amqp.Delivery) error {
		if orchestrator == nil {
			return saga.ErrRepositoryRequired
		}

		var reply saga.Reply
		if err := json.Unmarshal(delivery.Body, &reply); err != nil {
			return fmt.Errorf("decoding saga reply: %w", err)
		}

		if err := reply.Validate(); err != nil {
			return fmt.Errorf("invalid saga reply: %w", err)
		}

		if err := orchestrator.HandleReply(ctx, reply); err != nil {
			return Transient(err)
		}

		return nil
	}
}

// NotificationPublisher adapts the confirm publisher to the saga notifier
// port, publishing state-change notifications to routingKey.
func NotificationPublisher(publisher *Publisher, routingKey string) saga.Notifier {
	return saga.NotifierFunc(func(ctx context.Context, notification saga.Notification) error {
		if publisher == nil {
			return ErrPublisherRequired
		}

		payload, err := json.Marshal(notification)
		if err != nil {
			return fmt.Errorf("encoding saga notification: %w", err)
		}

		return publisher.Publish(ctx, routingKey, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Type:         "saga.notification",
			Timestamp:    time.Now().UTC(),
			Body:         payload,
		})
	})
}
