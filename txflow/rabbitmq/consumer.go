package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	txflow "github.com/LerianStudio/lib-txflow/txflow"
	"github.com/LerianStudio/lib-txflow/txflow/internal/nilcheck"
	"github.com/LerianStudio/lib-txflow/txflow/log"
	"github.com/LerianStudio/lib-txflow/txflow/runtime"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer errors.
var (
	ErrConsumerRequired = errors.New("rabbitmq consumer is required")
	ErrConsumerRunning  = errors.New("rabbitmq consumer already running")
	ErrQueueRequired    = errors.New("rabbitmq queue name is required")
	ErrHandlerRequired  = errors.New("rabbitmq delivery handler is required")
)

// defaultPrefetch bounds unacked deliveries per consumer channel.
const defaultPrefetch = 16

// DeliveryHandler processes one delivery. A nil return acks the message.
// An error wrapped with Transient nacks with requeue so the broker
// redelivers; any other error nacks without requeue, dead-lettering the
// message when the queue declares a DLX.
type DeliveryHandler func(ctx context.Context, delivery amqp.Delivery) error

// transientError marks an error as retryable by redelivery.
type transientError struct {
	err error
}

func (err *transientError) Error() string { return err.err.Error() }

func (err *transientError) Unwrap() error { return err.err }

// Transient wraps err so the consumer requeues the delivery instead of
// dead-lettering it.
func Transient(err error) error {
	if err == nil {
		return nil
	}

	return &transientError{err: err}
}

// IsTransient reports whether err carries the requeue marker.
func IsTransient(err error) bool {
	var marker *transientError

	return errors.As(err, &marker)
}

// Consumer runs a delivery loop over one queue. When the channel dies it
// obtains a fresh one from the connection, which applies reconnect backoff.
type Consumer struct {
	connection  *Connection
	queue       string
	consumerTag string
	prefetch    int
	handler     DeliveryHandler
	logger      log.Logger

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
}

var _ txflow.App = (*Consumer)(nil)

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets a structured logger for the consumer.
func WithConsumerLogger(logger log.Logger) ConsumerOption {
	return func(consumer *Consumer) {
		if nilcheck.Interface(logger) {
			return
		}

		consumer.logger = logger
	}
}

// WithConsumerTag sets the consumer tag reported to the broker.
func WithConsumerTag(tag string) ConsumerOption {
	return func(consumer *Consumer) {
		if tag != "" {
			consumer.consumerTag = tag
		}
	}
}

// WithPrefetch bounds unacked deliveries in flight.
func WithPrefetch(prefetch int) ConsumerOption {
	return func(consumer *Consumer) {
		if prefetch > 0 {
			consumer.prefetch = prefetch
		}
	}
}

// NewConsumer creates a consumer for queue delivering to handler.
func NewConsumer(
	connection *Connection,
	queue string,
	handler DeliveryHandler,
	opts ...ConsumerOption,
) (*Consumer, error) {
	if connection == nil {
		return nil, ErrNilConnection
	}

	if queue == "" {
		return nil, ErrQueueRequired
	}

	if handler == nil {
		return nil, ErrHandlerRequired
	}

	consumer := &Consumer{
		connection: connection,
		queue:      queue,
		prefetch:   defaultPrefetch,
		handler:    handler,
		logger:     log.NewNop(),
		stop:       make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(consumer)
		}
	}

	return consumer, nil
}

// Run starts the delivery loop until Stop is called.
func (consumer *Consumer) Run(launcher *txflow.Launcher) error {
	return consumer.RunContext(context.Background(), launcher)
}

// RunContext starts the delivery loop until Stop is called or ctx is
// cancelled.
func (consumer *Consumer) RunContext(parentCtx context.Context, launcher *txflow.Launcher) error {
	if consumer == nil {
		return ErrConsumerRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !consumer.registerRun(cancel) {
		cancel()

		return ErrConsumerRunning
	}

	defer consumer.clearRun()

	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(context.Background(), log.LevelInfo,
			fmt.Sprintf("rabbitmq consumer started on queue %s", consumer.queue))
		defer launcher.Logger.Log(context.Background(), log.LevelInfo,
			fmt.Sprintf("rabbitmq consumer stopped on queue %s", consumer.queue))
	}

	defer runtime.RecoverAndLog(ctx, consumer.logger, "rabbitmq", "consumer_run")

	for {
		select {
		case <-consumer.stop:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		if err := consumer.consumeOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			log.SafeError(consumer.logger, ctx, "rabbitmq consume session failed", err)
		}
	}
}

// consumeOnce runs one consume session: open a channel, subscribe, drain
// deliveries until the channel closes or the consumer stops.
func (consumer *Consumer) consumeOnce(ctx context.Context) error {
	channel, err := consumer.connection.Channel(ctx)
	if err != nil {
		return err
	}

	defer func() { _ = channel.Close() }()

	if err := channel.Qos(consumer.prefetch, 0, false); err != nil {
		return fmt.Errorf("setting prefetch: %w", err)
	}

	deliveries, err := channel.ConsumeWithContext(ctx, consumer.queue, consumer.consumerTag,
		false, false, false, false, nil)
	if err != nil {
		return sanitizeError(fmt.Errorf("starting consume on %s: %w", consumer.queue, err), "")
	}

	for {
		select {
		case <-consumer.stop:
			return nil
		case <-ctx.Done():
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				return nil
			}

			consumer.handleDelivery(ctx, delivery)
		}
	}
}

func (consumer *Consumer) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	defer runtime.RecoverAndLog(ctx, consumer.logger, "rabbitmq", "consumer_handle_delivery")

	err := consumer.handler(ctx, delivery)
	if err == nil {
		if ackErr := delivery.Ack(false); ackErr != nil {
			consumer.logger.Log(ctx, log.LevelError, "failed to ack delivery",
				log.String("message_id", delivery.MessageId), log.Err(ackErr))
		}

		return
	}

	requeue := IsTransient(err)

	consumer.logger.Log(ctx, log.LevelWarn, "delivery handler failed",
		log.String("message_id", delivery.MessageId),
		log.Bool("requeue", requeue),
		log.Err(err))

	if nackErr := delivery.Nack(false, requeue); nackErr != nil {
		consumer.logger.Log(ctx, log.LevelError, "failed to nack delivery",
			log.String("message_id", delivery.MessageId), log.Err(nackErr))
	}
}

// Stop signals the delivery loop to stop.
func (consumer *Consumer) Stop() {
	if consumer == nil {
		return
	}

	consumer.stopOnce.Do(func() {
		consumer.runStateMu.Lock()
		cancel := consumer.cancelFunc
		stop := consumer.stop
		if stop == nil {
			stop = make(chan struct{})
			consumer.stop = stop
		}
		consumer.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

func (consumer *Consumer) registerRun(cancel context.CancelFunc) bool {
	consumer.runStateMu.Lock()
	defer consumer.runStateMu.Unlock()

	if consumer.running {
		return false
	}

	if consumer.stop == nil || signalClosed(consumer.stop) {
		consumer.stop = make(chan struct{})
		consumer.stopOnce = sync.Once{}
	}

	consumer.running = true
	consumer.cancelFunc = cancel

	return true
}

func (consumer *Consumer) clearRun() {
	consumer.runStateMu.Lock()
	defer consumer.runStateMu.Unlock()

	consumer.running = false
	consumer.cancelFunc = nil
}
