//go:build unit

package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

type fakeAcknowledger struct {
	mu      sync.Mutex
	acks    int
	nacks   int
	rejects int
	requeue bool
}

func (ack *fakeAcknowledger) Ack(uint64, bool) error {
	ack.mu.Lock()
	defer ack.mu.Unlock()

	ack.acks++

	return nil
}

func (ack *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	ack.mu.Lock()
	defer ack.mu.Unlock()

	ack.nacks++
	ack.requeue = requeue

	return nil
}

func (ack *fakeAcknowledger) Reject(uint64, bool) error {
	ack.mu.Lock()
	defer ack.mu.Unlock()

	ack.rejects++

	return nil
}

func delivery(ack *fakeAcknowledger) amqp.Delivery {
	return amqp.Delivery{Acknowledger: ack, MessageId: "m-1", Body: []byte("{}")}
}

func TestTransientMarker(t *testing.T) {
	t.Parallel()

	require.Nil(t, Transient(nil))

	base := errors.New("broker unavailable")
	marked := Transient(base)

	require.True(t, IsTransient(marked))
	require.True(t, IsTransient(errors.Join(errors.New("outer"), marked)))
	require.ErrorIs(t, marked, base)
	require.Equal(t, base.Error(), marked.Error())

	require.False(t, IsTransient(base))
	require.False(t, IsTransient(nil))
}

func TestNewConsumer_Validation(t *testing.T) {
	t.Parallel()

	connection := newTestConnection(t, &fakeDialer{})
	handler := func(context.Context, amqp.Delivery) error { return nil }

	_, err := NewConsumer(nil, "q", handler)
	require.ErrorIs(t, err, ErrNilConnection)

	_, err = NewConsumer(connection, "", handler)
	require.ErrorIs(t, err, ErrQueueRequired)

	_, err = NewConsumer(connection, "q", nil)
	require.ErrorIs(t, err, ErrHandlerRequired)
}

func TestConsumer_HandleDelivery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		handlerErr  error
		wantAcks    int
		wantNacks   int
		wantRequeue bool
	}{
		{name: "success acks", handlerErr: nil, wantAcks: 1},
		{name: "transient error requeues", handlerErr: Transient(errors.New("db timeout")), wantNacks: 1, wantRequeue: true},
		{name: "permanent error dead letters", handlerErr: errors.New("malformed payload"), wantNacks: 1, wantRequeue: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			connection := newTestConnection(t, &fakeDialer{})

			consumer, err := NewConsumer(connection, "q", func(context.Context, amqp.Delivery) error {
				return tt.handlerErr
			})
			require.NoError(t, err)

			ack := &fakeAcknowledger{}
			consumer.handleDelivery(context.Background(), delivery(ack))

			require.Equal(t, tt.wantAcks, ack.acks)
			require.Equal(t, tt.wantNacks, ack.nacks)
			require.Equal(t, tt.wantRequeue, ack.requeue)
		})
	}
}

func TestConsumer_HandlerPanicIsContained(t *testing.T) {
	t.Parallel()

	connection := newTestConnection(t, &fakeDialer{})

	consumer, err := NewConsumer(connection, "q", func(context.Context, amqp.Delivery) error {
		panic("handler bug")
	})
	require.NoError(t, err)

	ack := &fakeAcknowledger{}

	require.NotPanics(t, func() {
		consumer.handleDelivery(context.Background(), delivery(ack))
	})

	// The delivery stays unacked; the broker redelivers it when the channel
	// closes.
	require.Zero(t, ack.acks)
	require.Zero(t, ack.nacks)
}

func TestConsumer_StopUnblocksRun(t *testing.T) {
	t.Parallel()

	// The dialer never succeeds, so the loop cycles through reconnect
	// attempts until Stop is observed.
	dialer := &fakeDialer{err: errors.New("connection refused")}
	connection := newTestConnection(t, dialer)

	consumer, err := NewConsumer(connection, "q", func(context.Context, amqp.Delivery) error { return nil })
	require.NoError(t, err)

	done := make(chan error, 1)

	go func() {
		done <- consumer.Run(nil)
	}()

	require.Eventually(t, func() bool {
		return dialer.dialCount() >= 1
	}, 2*time.Second, 5*time.Millisecond)

	consumer.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}
