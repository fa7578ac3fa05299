//go:build unit

package saga

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-txflow/txflow/circuitbreaker"
	inboxmemory "github.com/LerianStudio/lib-txflow/txflow/inbox/memory"
	"github.com/LerianStudio/lib-txflow/txflow/log"
)

func newTestParticipant(t *testing.T, opts ...ParticipantOption) *Participant {
	t.Helper()

	participant, err := NewParticipant(inboxmemory.NewGuard(), log.NewNop(), nil, opts...)
	require.NoError(t, err)

	return participant
}

func command(commandType string, body map[string]string) Command {
	return Command{
		MessageID: uuid.New().String(),
		SagaID:    uuid.New(),
		Step:      1,
		Type:      commandType,
		Body:      body,
	}
}

// authorizePayment is the pivot-step fixture: it totals the order line
// items and rejects non-positive totals as a deterministic business
// failure.
func authorizePayment(_ context.Context, cmd Command) (map[string]string, error) {
	total := decimal.Zero

	for _, raw := range []string{cmd.Body["lineA"], cmd.Body["lineB"]} {
		if raw == "" {
			continue
		}

		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, NewBusinessError("malformed line item amount: " + raw)
		}

		total = total.Add(amount)
	}

	if total.Cmp(decimal.Zero) <= 0 {
		return nil, NewBusinessError("order total must be positive, got " + total.StringFixed(2))
	}

	return map[string]string{"authorizedAmount": total.StringFixed(2)}, nil
}

func TestParticipant_SuccessReply(t *testing.T) {
	t.Parallel()

	participant := newTestParticipant(t)
	require.NoError(t, participant.Register("payment.authorize", authorizePayment))

	cmd := command("payment.authorize", map[string]string{"lineA": "12.50", "lineB": "7.49"})

	reply, err := participant.HandleCommand(context.Background(), cmd)
	require.NoError(t, err)
	require.NotNil(t, reply)
	require.True(t, reply.Success)
	require.Equal(t, "reply:"+cmd.MessageID, reply.MessageID)
	require.Equal(t, cmd.SagaID, reply.SagaID)
	require.Equal(t, cmd.Step, reply.Step)
	require.Equal(t, "19.99", reply.Result["authorizedAmount"])
}

func TestParticipant_BusinessFailureReply(t *testing.T) {
	t.Parallel()

	participant := newTestParticipant(t)
	require.NoError(t, participant.Register("payment.authorize", authorizePayment))

	// Two line items netting below zero: deterministic rejection, never retried.
	cmd := command("payment.authorize", map[string]string{"lineA": "10.00", "lineB": "-15.00"})

	reply, err := participant.HandleCommand(context.Background(), cmd)
	require.NoError(t, err)
	require.NotNil(t, reply)
	require.False(t, reply.Success)
	require.Equal(t, "order total must be positive, got -5.00", reply.Reason)
}

func TestParticipant_TransientErrorReturnsError(t *testing.T) {
	t.Parallel()

	transient := errors.New("inventory service timeout")

	participant := newTestParticipant(t)
	require.NoError(t, participant.Register("ticket.create", func(context.Context, Command) (map[string]string, error) {
		return nil, transient
	}))

	reply, err := participant.HandleCommand(context.Background(), command("ticket.create", nil))
	require.ErrorIs(t, err, transient)
	require.Nil(t, reply)
}

func TestParticipant_RedeliveryRetriesAfterTransientError(t *testing.T) {
	t.Parallel()

	participant := newTestParticipant(t)

	calls := 0

	require.NoError(t, participant.Register("ticket.create", func(context.Context, Command) (map[string]string, error) {
		calls++

		if calls == 1 {
			return nil, errors.New("inventory service timeout")
		}

		return map[string]string{"ticketId": "T-1"}, nil
	}))

	cmd := command("ticket.create", nil)

	_, err := participant.HandleCommand(context.Background(), cmd)
	require.Error(t, err)

	// The admission was released, so the redelivered command runs the
	// handler again instead of being absorbed as a duplicate.
	reply, err := participant.HandleCommand(context.Background(), cmd)
	require.NoError(t, err)
	require.NotNil(t, reply)
	require.True(t, reply.Success)
	require.Equal(t, 2, calls)
}

func TestParticipant_DuplicateCommandAbsorbed(t *testing.T) {
	t.Parallel()

	participant := newTestParticipant(t)

	calls := 0

	require.NoError(t, participant.Register("ticket.create", func(context.Context, Command) (map[string]string, error) {
		calls++

		return map[string]string{"ticketId": "T-1"}, nil
	}))

	cmd := command("ticket.create", nil)

	first, err := participant.HandleCommand(context.Background(), cmd)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := participant.HandleCommand(context.Background(), cmd)
	require.NoError(t, err)
	require.Nil(t, second)
	require.Equal(t, 1, calls)
}

func TestParticipant_PanicBecomesFailureReply(t *testing.T) {
	t.Parallel()

	participant := newTestParticipant(t)
	require.NoError(t, participant.Register("ticket.create", func(context.Context, Command) (map[string]string, error) {
		panic("nil dereference in handler")
	}))

	reply, err := participant.HandleCommand(context.Background(), command("ticket.create", nil))
	require.NoError(t, err)
	require.NotNil(t, reply)
	require.False(t, reply.Success)
	require.Contains(t, reply.Reason, "handler panic")
}

func TestParticipant_CompensationReplyTagged(t *testing.T) {
	t.Parallel()

	participant := newTestParticipant(t)
	require.NoError(t, participant.Register("ticket.cancel", func(context.Context, Command) (map[string]string, error) {
		return nil, nil
	}))

	cmd := command("ticket.cancel", map[string]string{"ticketId": "T-1"})
	cmd.Compensation = true

	reply, err := participant.HandleCommand(context.Background(), cmd)
	require.NoError(t, err)
	require.NotNil(t, reply)
	require.True(t, reply.Compensation)
}

func TestParticipant_UnregisteredCommandType(t *testing.T) {
	t.Parallel()

	participant := newTestParticipant(t)

	_, err := participant.HandleCommand(context.Background(), command("unknown.type", nil))
	require.ErrorIs(t, err, ErrHandlerNotRegistered)
}

func TestParticipant_RegisterValidation(t *testing.T) {
	t.Parallel()

	participant := newTestParticipant(t)
	handler := func(context.Context, Command) (map[string]string, error) { return nil, nil }

	require.ErrorIs(t, participant.Register(" ", handler), ErrCommandTypeRequired)
	require.ErrorIs(t, participant.Register("a", nil), ErrHandlerRequired)
	require.NoError(t, participant.Register("a", handler))
	require.ErrorIs(t, participant.Register("a", handler), ErrHandlerAlreadyRegistered)
}

func TestParticipant_OpenBreakerRejectsAsTransient(t *testing.T) {
	t.Parallel()

	manager := circuitbreaker.NewManager(log.NewNop())
	config := circuitbreaker.Config{
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             time.Minute,
		ConsecutiveFailures: 1,
		FailureRatio:        1.0,
		MinRequests:         100,
	}

	participant := newTestParticipant(t, WithBreakerManager(manager, config))

	require.NoError(t, participant.Register("vim.deploy", func(context.Context, Command) (map[string]string, error) {
		return nil, errors.New("vim unreachable")
	}))

	// First command trips the breaker.
	_, err := participant.HandleCommand(context.Background(), command("vim.deploy", nil))
	require.Error(t, err)

	// Second command is rejected without running the handler; the error is
	// transient so the command is redelivered, not failed.
	reply, err := participant.HandleCommand(context.Background(), command("vim.deploy", nil))
	require.Error(t, err)
	require.Nil(t, reply)
	require.True(t, circuitbreaker.IsRejection(err))
}
