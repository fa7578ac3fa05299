//go:build unit

package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-txflow/txflow/outbox"
)

type publishedMessage struct {
	exchange   string
	routingKey string
	msg        amqp.Publishing
}

// fakeConfirmChannel acks or nacks each publish according to a programmed
// confirmation queue; an exhausted queue simulates a lost confirmation.
type fakeConfirmChannel struct {
	mu sync.Mutex

	confirmErr error
	publishErr error

	confirmations []amqp.Confirmation
	nextTag       uint64

	confirms    chan amqp.Confirmation
	closeNotify chan *amqp.Error

	confirmModeOn bool
	closed        bool
	published     []publishedMessage
}

func newFakeConfirmChannel(confirmations ...amqp.Confirmation) *fakeConfirmChannel {
	return &fakeConfirmChannel{confirmations: confirmations}
}

func (ch *fakeConfirmChannel) Confirm(bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.confirmErr != nil {
		return ch.confirmErr
	}

	ch.confirmModeOn = true

	return nil
}

func (ch *fakeConfirmChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.confirms = confirm

	return confirm
}

func (ch *fakeConfirmChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.closeNotify = c

	return c
}

func (ch *fakeConfirmChannel) PublishWithContext(
	_ context.Context,
	exchange, key string,
	_, _ bool,
	msg amqp.Publishing,
) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.publishErr != nil {
		return ch.publishErr
	}

	ch.published = append(ch.published, publishedMessage{exchange: exchange, routingKey: key, msg: msg})
	ch.nextTag++

	if len(ch.confirmations) > 0 {
		confirmation := ch.confirmations[0]
		ch.confirmations = ch.confirmations[1:]
		confirmation.DeliveryTag = ch.nextTag
		ch.confirms <- confirmation
	}

	return nil
}

func (ch *fakeConfirmChannel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.closed = true

	return nil
}

func (ch *fakeConfirmChannel) isClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	return ch.closed
}

func (ch *fakeConfirmChannel) publishedMessages() []publishedMessage {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	return append([]publishedMessage(nil), ch.published...)
}

// channelQueue hands out fake channels in order and counts how many were
// requested.
type channelQueue struct {
	mu       sync.Mutex
	channels []*fakeConfirmChannel
	requests int
}

func (queue *channelQueue) source(context.Context) (confirmChannel, error) {
	queue.mu.Lock()
	defer queue.mu.Unlock()

	queue.requests++

	if len(queue.channels) == 0 {
		return nil, errors.New("no channel available")
	}

	channel := queue.channels[0]
	queue.channels = queue.channels[1:]

	return channel, nil
}

func (queue *channelQueue) requestCount() int {
	queue.mu.Lock()
	defer queue.mu.Unlock()

	return queue.requests
}

func ack() amqp.Confirmation  { return amqp.Confirmation{Ack: true} }
func nack() amqp.Confirmation { return amqp.Confirmation{Ack: false} }

func TestPublisher_PublishWaitsForAck(t *testing.T) {
	t.Parallel()

	channel := newFakeConfirmChannel(ack(), ack())
	queue := &channelQueue{channels: []*fakeConfirmChannel{channel}}

	publisher, err := newPublisher(queue.source, "txflow.events")
	require.NoError(t, err)

	require.NoError(t, publisher.Publish(context.Background(), "order.created", amqp.Publishing{Body: []byte("{}")}))
	require.NoError(t, publisher.Publish(context.Background(), "order.created", amqp.Publishing{Body: []byte("{}")}))

	require.True(t, channel.confirmModeOn)

	published := channel.publishedMessages()
	require.Len(t, published, 2)
	require.Equal(t, "txflow.events", published[0].exchange)
	require.Equal(t, "order.created", published[0].routingKey)

	// The channel survived both publishes.
	require.Equal(t, 1, queue.requestCount())
}

func TestPublisher_NackSurfaces(t *testing.T) {
	t.Parallel()

	channel := newFakeConfirmChannel(nack())
	queue := &channelQueue{channels: []*fakeConfirmChannel{channel}}

	publisher, err := newPublisher(queue.source, "txflow.events")
	require.NoError(t, err)

	err = publisher.Publish(context.Background(), "order.created", amqp.Publishing{})
	require.ErrorIs(t, err, ErrPublishNacked)
}

func TestPublisher_ConfirmTimeoutDropsChannel(t *testing.T) {
	t.Parallel()

	// First channel never confirms; the second acks normally.
	silent := newFakeConfirmChannel()
	healthy := newFakeConfirmChannel(ack())
	queue := &channelQueue{channels: []*fakeConfirmChannel{silent, healthy}}

	publisher, err := newPublisher(queue.source, "txflow.events",
		WithConfirmTimeout(20*time.Millisecond))
	require.NoError(t, err)

	err = publisher.Publish(context.Background(), "order.created", amqp.Publishing{})
	require.ErrorIs(t, err, ErrConfirmTimeout)
	require.True(t, silent.isClosed())

	require.NoError(t, publisher.Publish(context.Background(), "order.created", amqp.Publishing{}))
	require.Equal(t, 2, queue.requestCount())
}

func TestPublisher_PublishErrorDropsChannel(t *testing.T) {
	t.Parallel()

	broken := newFakeConfirmChannel()
	broken.publishErr = errors.New("channel/connection is not open")
	healthy := newFakeConfirmChannel(ack())
	queue := &channelQueue{channels: []*fakeConfirmChannel{broken, healthy}}

	publisher, err := newPublisher(queue.source, "txflow.events")
	require.NoError(t, err)

	require.Error(t, publisher.Publish(context.Background(), "order.created", amqp.Publishing{}))
	require.True(t, broken.isClosed())

	require.NoError(t, publisher.Publish(context.Background(), "order.created", amqp.Publishing{}))
}

func TestPublisher_BrokerCloseTriggersFreshChannel(t *testing.T) {
	t.Parallel()

	first := newFakeConfirmChannel(ack())
	second := newFakeConfirmChannel(ack(), ack(), ack())
	queue := &channelQueue{channels: []*fakeConfirmChannel{first, second}}

	publisher, err := newPublisher(queue.source, "txflow.events",
		WithConfirmTimeout(50*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, publisher.Publish(context.Background(), "order.created", amqp.Publishing{}))

	first.mu.Lock()
	closeNotify := first.closeNotify
	first.mu.Unlock()

	closeNotify <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "broker restart"}

	// The close monitor runs asynchronously; the next publish replaces the
	// dead channel once the signal lands.
	require.Eventually(t, func() bool {
		if err := publisher.Publish(context.Background(), "order.created", amqp.Publishing{}); err != nil {
			return false
		}

		return queue.requestCount() == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPublisher_ConfirmModeFailureClosesChannel(t *testing.T) {
	t.Parallel()

	channel := newFakeConfirmChannel()
	channel.confirmErr = errors.New("confirms not supported")
	queue := &channelQueue{channels: []*fakeConfirmChannel{channel}}

	publisher, err := newPublisher(queue.source, "txflow.events")
	require.NoError(t, err)

	err = publisher.Publish(context.Background(), "order.created", amqp.Publishing{})
	require.ErrorContains(t, err, "enabling confirm mode")
	require.True(t, channel.isClosed())
}

func TestPublisher_CloseIsTerminal(t *testing.T) {
	t.Parallel()

	channel := newFakeConfirmChannel(ack())
	queue := &channelQueue{channels: []*fakeConfirmChannel{channel}}

	publisher, err := newPublisher(queue.source, "txflow.events")
	require.NoError(t, err)

	require.NoError(t, publisher.Publish(context.Background(), "order.created", amqp.Publishing{}))
	require.NoError(t, publisher.Close())
	require.NoError(t, publisher.Close())
	require.True(t, channel.isClosed())

	err = publisher.Publish(context.Background(), "order.created", amqp.Publishing{})
	require.ErrorIs(t, err, ErrPublisherClosed)
}

func TestOutboxPublisher_MapsEventToMessage(t *testing.T) {
	t.Parallel()

	channel := newFakeConfirmChannel(ack())
	queue := &channelQueue{channels: []*fakeConfirmChannel{channel}}

	publisher, err := newPublisher(queue.source, "txflow.events")
	require.NoError(t, err)

	payload, err := json.Marshal(map[string]string{"orderId": "O-1"})
	require.NoError(t, err)

	event, err := outbox.NewOutboxEventWithID(uuid.New(), "order.created", uuid.New(), payload)
	require.NoError(t, err)

	publish := OutboxPublisher(publisher)
	require.NoError(t, publish(context.Background(), event))

	published := channel.publishedMessages()
	require.Len(t, published, 1)
	require.Equal(t, "order.created", published[0].routingKey)
	require.Equal(t, event.ID.String(), published[0].msg.MessageId)
	require.Equal(t, amqp.Persistent, published[0].msg.DeliveryMode)
	require.JSONEq(t, string(payload), string(published[0].msg.Body))
}

func TestOutboxPublisher_NilEvent(t *testing.T) {
	t.Parallel()

	queue := &channelQueue{}

	publisher, err := newPublisher(queue.source, "txflow.events")
	require.NoError(t, err)

	publish := OutboxPublisher(publisher)
	require.ErrorIs(t, publish(context.Background(), nil), outbox.ErrOutboxEventRequired)
}
