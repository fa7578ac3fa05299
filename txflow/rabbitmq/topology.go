package rabbitmq

import (
	"fmt"
	"time"

	"github.com/LerianStudio/lib-txflow/txflow/internal/nilcheck"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultDLXExchangeName = "txflow.dlx"
	defaultDLQName         = "txflow.dlq"
	defaultExchangeType    = "topic"
	defaultBindingKey      = "#"
)

// topologyChannel defines the channel operations topology declaration
// needs. *amqp.Channel satisfies it.
type topologyChannel interface {
	ExchangeDeclare(
		name, kind string,
		durable, autoDelete, internal, noWait bool,
		args amqp.Table,
	) error
	QueueDeclare(
		name string,
		durable, autoDelete, exclusive, noWait bool,
		args amqp.Table,
	) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// DLQConfig defines exchange and queue names for dead-letter topology.
type DLQConfig struct {
	DLXExchangeName string
	DLQName         string
	ExchangeType    string
	BindingKey      string
	QueueMessageTTL time.Duration
	QueueMaxLength  int64
}

// DLQOption configures dead-letter topology declaration.
type DLQOption func(*DLQConfig)

// WithDLXExchangeName overrides the dead-letter exchange name.
func WithDLXExchangeName(name string) DLQOption {
	return func(cfg *DLQConfig) {
		if name != "" {
			cfg.DLXExchangeName = name
		}
	}
}

// WithDLQName overrides the dead-letter queue name.
func WithDLQName(name string) DLQOption {
	return func(cfg *DLQConfig) {
		if name != "" {
			cfg.DLQName = name
		}
	}
}

// WithDLQMessageTTL sets x-message-ttl on the dead-letter queue.
func WithDLQMessageTTL(ttl time.Duration) DLQOption {
	return func(cfg *DLQConfig) {
		if ttl > 0 {
			cfg.QueueMessageTTL = ttl
		}
	}
}

// WithDLQMaxLength sets x-max-length on the dead-letter queue.
func WithDLQMaxLength(maxLength int64) DLQOption {
	return func(cfg *DLQConfig) {
		if maxLength > 0 {
			cfg.QueueMaxLength = maxLength
		}
	}
}

func defaultDLQConfig() DLQConfig {
	return DLQConfig{
		DLXExchangeName: defaultDLXExchangeName,
		DLQName:         defaultDLQName,
		ExchangeType:    defaultExchangeType,
		BindingKey:      defaultBindingKey,
	}
}

func (cfg DLQConfig) queueDeclareArgs() amqp.Table {
	args := make(amqp.Table)

	if cfg.QueueMessageTTL > 0 {
		ttlMillis := cfg.QueueMessageTTL.Milliseconds()
		if ttlMillis <= 0 {
			ttlMillis = 1
		}

		args["x-message-ttl"] = ttlMillis
	}

	if cfg.QueueMaxLength > 0 {
		args["x-max-length"] = cfg.QueueMaxLength
	}

	if len(args) == 0 {
		return nil
	}

	return args
}

// DeclareDLQTopology declares the dead-letter exchange and queue that
// non-requeued nacks land on.
func DeclareDLQTopology(ch topologyChannel, opts ...DLQOption) error {
	if nilcheck.Interface(ch) {
		return fmt.Errorf("declare dlq topology: %w", ErrNilConnection)
	}

	cfg := defaultDLQConfig()

	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	if err := ch.ExchangeDeclare(cfg.DLXExchangeName, cfg.ExchangeType,
		true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(cfg.DLQName,
		true, false, false, false, cfg.queueDeclareArgs()); err != nil {
		return fmt.Errorf("declare dlq queue: %w", err)
	}

	if err := ch.QueueBind(cfg.DLQName, cfg.BindingKey, cfg.DLXExchangeName, false, nil); err != nil {
		return fmt.Errorf("bind dlq to dlx: %w", err)
	}

	return nil
}

// DLXArgs returns queue declaration args that route dead-lettered messages
// to the given exchange. Empty name selects the default.
func DLXArgs(dlxExchangeName string) amqp.Table {
	if dlxExchangeName == "" {
		dlxExchangeName = defaultDLXExchangeName
	}

	return amqp.Table{
		"x-dead-letter-exchange": dlxExchangeName,
	}
}

// DeclareWorkQueue declares a durable work queue bound to exchange under
// bindingKey, with dead-lettering to dlxExchange. This is the topology the
// saga command, reply, and notification queues use.
func DeclareWorkQueue(ch topologyChannel, exchange, queue, bindingKey, dlxExchange string) error {
	if nilcheck.Interface(ch) {
		return fmt.Errorf("declare work queue: %w", ErrNilConnection)
	}

	if err := ch.ExchangeDeclare(exchange, defaultExchangeType,
		true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	if _, err := ch.QueueDeclare(queue,
		true, false, false, false, DLXArgs(dlxExchange)); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}

	if err := ch.QueueBind(queue, bindingKey, exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s to %s: %w", queue, exchange, err)
	}

	return nil
}
