//go:build unit

package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-txflow/txflow/inbox"
)

func TestGuard_FirstDeliveryWins(t *testing.T) {
	t.Parallel()

	guard := NewGuard()

	admission, err := guard.Admit(context.Background(), "fault:link-down:1")
	require.NoError(t, err)
	require.Equal(t, inbox.AdmissionAdmitted, admission)

	admission, err = guard.Admit(context.Background(), "fault:link-down:1")
	require.NoError(t, err)
	require.Equal(t, inbox.AdmissionDuplicate, admission)
}

func TestGuard_ConcurrentAdmitSingleWinner(t *testing.T) {
	t.Parallel()

	guard := NewGuard()

	const workers = 32

	var admitted int32

	var wg sync.WaitGroup

	wg.Add(workers)

	for range workers {
		go func() {
			defer wg.Done()

			admission, err := guard.Admit(context.Background(), "same-id")
			if err == nil && admission == inbox.AdmissionAdmitted {
				atomic.AddInt32(&admitted, 1)
			}
		}()
	}

	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&admitted))
}

func TestGuard_AdmitWithTxSharesState(t *testing.T) {
	t.Parallel()

	guard := NewGuard()

	admission, err := guard.AdmitWithTx(context.Background(), nil, "msg-1")
	require.NoError(t, err)
	require.Equal(t, inbox.AdmissionAdmitted, admission)

	admission, err = guard.Admit(context.Background(), "msg-1")
	require.NoError(t, err)
	require.Equal(t, inbox.AdmissionDuplicate, admission)
}

func TestGuard_PruneBeforeReopensWindow(t *testing.T) {
	t.Parallel()

	guard := NewGuard()

	_, err := guard.Admit(context.Background(), "old-message")
	require.NoError(t, err)

	removed, err := guard.PruneBefore(context.Background(), time.Now().UTC().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	admission, err := guard.Admit(context.Background(), "old-message")
	require.NoError(t, err)
	require.Equal(t, inbox.AdmissionAdmitted, admission)
}

func TestGuard_ForgetReadmits(t *testing.T) {
	t.Parallel()

	guard := NewGuard()

	_, err := guard.Admit(context.Background(), "msg-1")
	require.NoError(t, err)

	require.NoError(t, guard.Forget(context.Background(), "msg-1"))

	admission, err := guard.Admit(context.Background(), "msg-1")
	require.NoError(t, err)
	require.Equal(t, inbox.AdmissionAdmitted, admission)

	require.ErrorIs(t, guard.Forget(context.Background(), " "), inbox.ErrMessageIDRequired)
}

func TestGuard_BlankMessageID(t *testing.T) {
	t.Parallel()

	guard := NewGuard()

	_, err := guard.Admit(context.Background(), " ")
	require.ErrorIs(t, err, inbox.ErrMessageIDRequired)
}
