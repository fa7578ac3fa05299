//go:build unit

package outbox

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewOutboxEvent(t *testing.T) {
	t.Parallel()

	aggregateID := uuid.New()

	event, err := NewOutboxEvent("ticket.created", aggregateID, []byte(`{"ticket":"T-1"}`))
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, event.ID)
	require.Equal(t, OutboxStatusPending, event.Status)
	require.Zero(t, event.Attempts)
	require.Nil(t, event.PublishedAt)
}

func TestNewOutboxEventWithID_StableAcrossRetries(t *testing.T) {
	t.Parallel()

	eventID := uuid.New()
	aggregateID := uuid.New()

	first, err := NewOutboxEventWithID(eventID, "ticket.created", aggregateID, []byte(`{}`))
	require.NoError(t, err)

	second, err := NewOutboxEventWithID(eventID, "ticket.created", aggregateID, []byte(`{}`))
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
}

func TestNewOutboxEventValidation(t *testing.T) {
	t.Parallel()

	aggregateID := uuid.New()

	tests := []struct {
		name        string
		eventType   string
		aggregateID uuid.UUID
		payload     []byte
		wantErr     error
	}{
		{name: "empty type", eventType: "  ", aggregateID: aggregateID, payload: []byte(`{}`), wantErr: ErrEventTypeRequired},
		{name: "nil aggregate", eventType: "t", aggregateID: uuid.Nil, payload: []byte(`{}`), wantErr: ErrOutboxEventRequired},
		{name: "empty payload", eventType: "t", aggregateID: aggregateID, payload: nil, wantErr: ErrOutboxEventPayloadRequired},
		{name: "non-json payload", eventType: "t", aggregateID: aggregateID, payload: []byte("not json"), wantErr: ErrOutboxEventPayloadNotJSON},
		{
			name:        "oversized payload",
			eventType:   "t",
			aggregateID: aggregateID,
			payload:     append([]byte(`{"pad":"`), append(bytes.Repeat([]byte("x"), DefaultMaxPayloadBytes), []byte(`"}`)...)...),
			wantErr:     ErrOutboxEventPayloadTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := NewOutboxEvent(tt.eventType, tt.aggregateID, tt.payload)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}
