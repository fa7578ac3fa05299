//go:build unit

package rabbitmq

import (
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

type declaredExchange struct {
	name    string
	kind    string
	durable bool
}

type declaredQueue struct {
	name    string
	durable bool
	args    amqp.Table
}

type declaredBinding struct {
	queue    string
	key      string
	exchange string
}

type fakeTopologyChannel struct {
	exchangeErr error
	queueErr    error
	bindErr     error

	exchanges []declaredExchange
	queues    []declaredQueue
	bindings  []declaredBinding
}

func (ch *fakeTopologyChannel) ExchangeDeclare(
	name, kind string,
	durable, _, _, _ bool,
	_ amqp.Table,
) error {
	if ch.exchangeErr != nil {
		return ch.exchangeErr
	}

	ch.exchanges = append(ch.exchanges, declaredExchange{name: name, kind: kind, durable: durable})

	return nil
}

func (ch *fakeTopologyChannel) QueueDeclare(
	name string,
	durable, _, _, _ bool,
	args amqp.Table,
) (amqp.Queue, error) {
	if ch.queueErr != nil {
		return amqp.Queue{}, ch.queueErr
	}

	ch.queues = append(ch.queues, declaredQueue{name: name, durable: durable, args: args})

	return amqp.Queue{Name: name}, nil
}

func (ch *fakeTopologyChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	if ch.bindErr != nil {
		return ch.bindErr
	}

	ch.bindings = append(ch.bindings, declaredBinding{queue: name, key: key, exchange: exchange})

	return nil
}

func TestDeclareDLQTopology_Defaults(t *testing.T) {
	t.Parallel()

	channel := &fakeTopologyChannel{}

	require.NoError(t, DeclareDLQTopology(channel))

	require.Len(t, channel.exchanges, 1)
	require.Equal(t, declaredExchange{name: "txflow.dlx", kind: "topic", durable: true}, channel.exchanges[0])

	require.Len(t, channel.queues, 1)
	require.Equal(t, "txflow.dlq", channel.queues[0].name)
	require.True(t, channel.queues[0].durable)
	require.Nil(t, channel.queues[0].args)

	require.Len(t, channel.bindings, 1)
	require.Equal(t, declaredBinding{queue: "txflow.dlq", key: "#", exchange: "txflow.dlx"}, channel.bindings[0])
}

func TestDeclareDLQTopology_Options(t *testing.T) {
	t.Parallel()

	channel := &fakeTopologyChannel{}

	require.NoError(t, DeclareDLQTopology(channel,
		WithDLXExchangeName("orders.dlx"),
		WithDLQName("orders.dlq"),
		WithDLQMessageTTL(30*time.Second),
		WithDLQMaxLength(1000),
	))

	require.Equal(t, "orders.dlx", channel.exchanges[0].name)
	require.Equal(t, "orders.dlq", channel.queues[0].name)
	require.Equal(t, int64(30000), channel.queues[0].args["x-message-ttl"])
	require.Equal(t, int64(1000), channel.queues[0].args["x-max-length"])
}

func TestDeclareDLQTopology_Errors(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, DeclareDLQTopology(nil), ErrNilConnection)

	broken := &fakeTopologyChannel{exchangeErr: errors.New("access refused")}
	require.ErrorContains(t, DeclareDLQTopology(broken), "declare dlx exchange")

	broken = &fakeTopologyChannel{queueErr: errors.New("precondition failed")}
	require.ErrorContains(t, DeclareDLQTopology(broken), "declare dlq queue")

	broken = &fakeTopologyChannel{bindErr: errors.New("not found")}
	require.ErrorContains(t, DeclareDLQTopology(broken), "bind dlq to dlx")
}

func TestDLXArgs(t *testing.T) {
	t.Parallel()

	require.Equal(t, amqp.Table{"x-dead-letter-exchange": "orders.dlx"}, DLXArgs("orders.dlx"))
	require.Equal(t, amqp.Table{"x-dead-letter-exchange": "txflow.dlx"}, DLXArgs(""))
}

func TestDeclareWorkQueue(t *testing.T) {
	t.Parallel()

	channel := &fakeTopologyChannel{}

	require.NoError(t, DeclareWorkQueue(channel, "txflow.saga", "saga.commands.ticket", "ticket.*", "txflow.dlx"))

	require.Equal(t, declaredExchange{name: "txflow.saga", kind: "topic", durable: true}, channel.exchanges[0])

	require.Equal(t, "saga.commands.ticket", channel.queues[0].name)
	require.True(t, channel.queues[0].durable)
	require.Equal(t, "txflow.dlx", channel.queues[0].args["x-dead-letter-exchange"])

	require.Equal(t, declaredBinding{queue: "saga.commands.ticket", key: "ticket.*", exchange: "txflow.saga"}, channel.bindings[0])
}
