package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-txflow/txflow/internal/nilcheck"
	"github.com/LerianStudio/lib-txflow/txflow/log"
	"github.com/LerianStudio/lib-txflow/txflow/outbox"
	"github.com/LerianStudio/lib-txflow/txflow/runtime"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher errors.
var (
	ErrPublisherRequired = errors.New("rabbitmq publisher is required")
	ErrExchangeRequired  = errors.New("rabbitmq exchange is required")
	ErrPublishNacked     = errors.New("message was nacked by broker")
	ErrConfirmTimeout    = errors.New("broker confirmation timed out")
	ErrPublisherClosed   = errors.New("publisher is closed")
)

const (
	// DefaultConfirmTimeout bounds the wait for a broker ack per publish.
	DefaultConfirmTimeout = 5 * time.Second

	// confirmChannelBuffer must cover the max unconfirmed messages so the
	// broker's confirm stream never blocks.
	confirmChannelBuffer = 256
)

// confirmChannel is the channel surface the publisher needs. *amqp.Channel
// satisfies it; tests supply fakes.
type confirmChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(
		ctx context.Context,
		exchange, key string,
		mandatory, immediate bool,
		msg amqp.Publishing,
	) error
	Close() error
}

// channelSource provides fresh confirm-capable channels. *Connection
// satisfies it through the adapter in NewPublisher.
type channelSource func(ctx context.Context) (confirmChannel, error)

// Publisher sends messages in confirm mode and waits for the broker ack
// before returning. Publishes are serialized per instance to keep the
// confirm stream in order without delivery-tag bookkeeping; shard across
// instances for throughput.
//
// When the channel dies the next Publish transparently obtains a fresh one
// from the connection.
type Publisher struct {
	source         channelSource
	exchange       string
	logger         log.Logger
	confirmTimeout time.Duration

	mu       sync.Mutex
	ch       confirmChannel
	confirms chan amqp.Confirmation
	closedCh chan struct{}
	shutdown bool
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithPublisherLogger sets a structured logger for the publisher.
func WithPublisherLogger(logger log.Logger) PublisherOption {
	return func(publisher *Publisher) {
		if nilcheck.Interface(logger) {
			return
		}

		publisher.logger = logger
	}
}

// WithConfirmTimeout sets the timeout for waiting on the broker ack.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(publisher *Publisher) {
		if timeout > 0 {
			publisher.confirmTimeout = timeout
		}
	}
}

// NewPublisher creates a confirm-mode publisher over the connection. The
// channel is opened lazily on first publish.
func NewPublisher(connection *Connection, exchange string, opts ...PublisherOption) (*Publisher, error) {
	if connection == nil {
		return nil, ErrNilConnection
	}

	return newPublisher(func(ctx context.Context) (confirmChannel, error) {
		return connection.Channel(ctx)
	}, exchange, opts...)
}

func newPublisher(source channelSource, exchange string, opts ...PublisherOption) (*Publisher, error) {
	if source == nil {
		return nil, ErrNilConnection
	}

	publisher := &Publisher{
		source:         source,
		exchange:       exchange,
		logger:         log.NewNop(),
		confirmTimeout: DefaultConfirmTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(publisher)
		}
	}

	return publisher, nil
}

// Publish sends one message and blocks until the broker acks it. A nack,
// confirm timeout, or context cancellation returns an error and the caller
// must treat delivery as unknown; republishing is safe because consumers
// deduplicate by message id.
func (publisher *Publisher) Publish(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	if publisher == nil {
		return ErrPublisherRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	publisher.mu.Lock()
	defer publisher.mu.Unlock()

	if publisher.shutdown {
		return ErrPublisherClosed
	}

	if err := publisher.ensureChannelLocked(ctx); err != nil {
		return err
	}

	if err := publisher.ch.PublishWithContext(ctx, publisher.exchange, routingKey, false, false, msg); err != nil {
		publisher.invalidateChannelLocked()

		return fmt.Errorf("publish: %w", err)
	}

	err := publisher.waitForConfirmLocked(ctx)
	if err != nil && confirmStreamCorrupted(err) {
		// A late confirmation for this publish would desynchronize the next
		// wait; drop the channel so the next publish starts clean.
		publisher.invalidateChannelLocked()
	}

	return err
}

// ensureChannelLocked lazily opens a confirm-mode channel, replacing one
// the broker closed.
func (publisher *Publisher) ensureChannelLocked(ctx context.Context) error {
	if publisher.ch != nil && !signalClosed(publisher.closedCh) {
		return nil
	}

	publisher.invalidateChannelLocked()

	channel, err := publisher.source(ctx)
	if err != nil {
		return fmt.Errorf("obtaining publisher channel: %w", err)
	}

	if err := channel.Confirm(false); err != nil {
		_ = channel.Close()

		return fmt.Errorf("enabling confirm mode: %w", err)
	}

	confirms := make(chan amqp.Confirmation, confirmChannelBuffer)
	channel.NotifyPublish(confirms)

	closedCh := make(chan struct{})
	closeNotify := channel.NotifyClose(make(chan *amqp.Error, 1))

	runtime.SafeGo(context.Background(), publisher.logger, "rabbitmq", "publisher_close_monitor", runtime.KeepRunning, func() {
		amqpErr := <-closeNotify
		if amqpErr != nil {
			publisher.logger.Log(context.Background(), log.LevelWarn,
				"rabbitmq publisher channel closed",
				log.String("error", sanitizeError(amqpErr, "").Error()))
		}

		close(closedCh)
	})

	publisher.ch = channel
	publisher.confirms = confirms
	publisher.closedCh = closedCh

	return nil
}

func (publisher *Publisher) waitForConfirmLocked(ctx context.Context) error {
	timeout := time.NewTimer(publisher.confirmTimeout)
	defer timeout.Stop()

	select {
	case confirmed, ok := <-publisher.confirms:
		if !ok {
			return ErrPublisherClosed
		}

		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}

		return nil

	case <-publisher.closedCh:
		return ErrPublisherClosed

	case <-timeout.C:
		return ErrConfirmTimeout

	case <-ctx.Done():
		return fmt.Errorf("waiting for broker ack: %w", ctx.Err())
	}
}

func (publisher *Publisher) invalidateChannelLocked() {
	if publisher.ch != nil {
		_ = publisher.ch.Close()
	}

	publisher.ch = nil
	publisher.confirms = nil
	publisher.closedCh = nil
}

// Close releases the publisher channel permanently.
func (publisher *Publisher) Close() error {
	if publisher == nil {
		return nil
	}

	publisher.mu.Lock()
	defer publisher.mu.Unlock()

	if publisher.shutdown {
		return nil
	}

	publisher.shutdown = true

	if publisher.ch == nil {
		return nil
	}

	channel := publisher.ch
	publisher.ch = nil
	publisher.confirms = nil
	publisher.closedCh = nil

	if err := channel.Close(); err != nil {
		return fmt.Errorf("closing publisher channel: %w", err)
	}

	return nil
}

func confirmStreamCorrupted(err error) bool {
	return errors.Is(err, ErrConfirmTimeout) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func signalClosed(signal <-chan struct{}) bool {
	if signal == nil {
		return false
	}

	select {
	case <-signal:
		return true
	default:
		return false
	}
}

// OutboxPublisher adapts the confirm publisher to the outbox relay's
// publisher contract. The routing key is the event type and the AMQP
// message id is the outbox event id, so consumers can deduplicate
// republished events.
func OutboxPublisher(publisher *Publisher) outbox.Publisher {
	return func(ctx context.Context, event *outbox.OutboxEvent) error {
		if publisher == nil {
			return ErrPublisherRequired
		}

		if event == nil {
			return outbox.ErrOutboxEventRequired
		}

		return publisher.Publish(ctx, event.EventType, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    event.ID.String(),
			Type:         event.EventType,
			Timestamp:    time.Now().UTC(),
			Body:         event.Payload,
		})
	}
}
