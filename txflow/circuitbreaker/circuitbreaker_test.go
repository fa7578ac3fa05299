//go:build unit

package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-txflow/txflow/log"
)

func testConfig() Config {
	return Config{
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             time.Minute,
		ConsecutiveFailures: 2,
		FailureRatio:        0.9,
		MinRequests:         100,
	}
}

func TestManager_ExecuteUnknownBreaker(t *testing.T) {
	t.Parallel()

	manager := NewManager(log.NewNop())

	_, err := manager.Execute(context.Background(), "inventory", func() (any, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, ErrBreakerNotFound)
}

func TestManager_ExecutePassesThroughResult(t *testing.T) {
	t.Parallel()

	manager := NewManager(log.NewNop())
	manager.GetOrCreate("inventory", testConfig())

	result, err := manager.Execute(context.Background(), "inventory", func() (any, error) {
		return "reserved", nil
	})
	require.NoError(t, err)
	require.Equal(t, "reserved", result)

	counts := manager.GetCounts("inventory")
	require.Equal(t, uint32(1), counts.TotalSuccesses)
}

func TestManager_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	manager := NewManager(log.NewNop())
	manager.GetOrCreate("inventory", testConfig())

	ctx := context.Background()
	downstream := errors.New("inventory service timeout")

	for range 2 {
		_, err := manager.Execute(ctx, "inventory", func() (any, error) {
			return nil, downstream
		})
		require.ErrorIs(t, err, downstream)
	}

	require.Equal(t, StateOpen, manager.GetState("inventory"))
	require.False(t, manager.IsHealthy("inventory"))

	// The open breaker rejects without invoking the call.
	invoked := false

	_, err := manager.Execute(ctx, "inventory", func() (any, error) {
		invoked = true

		return nil, nil
	})
	require.Error(t, err)
	require.True(t, IsRejection(err))
	require.False(t, invoked)
}

func TestManager_ResetClosesOpenBreaker(t *testing.T) {
	t.Parallel()

	manager := NewManager(log.NewNop())
	manager.GetOrCreate("inventory", testConfig())

	ctx := context.Background()

	for range 2 {
		_, _ = manager.Execute(ctx, "inventory", func() (any, error) {
			return nil, errors.New("down")
		})
	}

	require.Equal(t, StateOpen, manager.GetState("inventory"))

	manager.Reset("inventory")
	require.Equal(t, StateClosed, manager.GetState("inventory"))

	_, err := manager.Execute(ctx, "inventory", func() (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
}

func TestManager_GetOrCreateKeepsExistingConfig(t *testing.T) {
	t.Parallel()

	manager := NewManager(log.NewNop())
	manager.GetOrCreate("inventory", testConfig())

	ctx := context.Background()

	_, _ = manager.Execute(ctx, "inventory", func() (any, error) {
		return nil, errors.New("down")
	})

	// A second registration under the same name never resets the counts.
	manager.GetOrCreate("inventory", DefaultConfig())

	counts := manager.GetCounts("inventory")
	require.Equal(t, uint32(1), counts.TotalFailures)
}

func TestManager_UnknownBreakerState(t *testing.T) {
	t.Parallel()

	manager := NewManager(log.NewNop())

	require.Equal(t, StateUnknown, manager.GetState("ghost"))
	require.Equal(t, Counts{}, manager.GetCounts("ghost"))
	require.False(t, manager.IsHealthy("ghost"))
}

func TestIsRejection(t *testing.T) {
	t.Parallel()

	require.False(t, IsRejection(nil))
	require.False(t, IsRejection(errors.New("inventory service timeout")))
}

type recordingListener struct {
	mu          sync.Mutex
	transitions []string
	notified    chan struct{}
}

func (listener *recordingListener) OnStateChange(name string, from State, to State) {
	listener.mu.Lock()
	listener.transitions = append(listener.transitions, name+":"+string(from)+"->"+string(to))
	listener.mu.Unlock()

	select {
	case listener.notified <- struct{}{}:
	default:
	}
}

func TestManager_NotifiesStateChangeListener(t *testing.T) {
	t.Parallel()

	manager := NewManager(log.NewNop())
	manager.GetOrCreate("inventory", testConfig())

	listener := &recordingListener{notified: make(chan struct{}, 1)}
	manager.RegisterStateChangeListener(listener)
	manager.RegisterStateChangeListener(nil)

	ctx := context.Background()

	for range 2 {
		_, _ = manager.Execute(ctx, "inventory", func() (any, error) {
			return nil, errors.New("down")
		})
	}

	select {
	case <-listener.notified:
	case <-time.After(2 * time.Second):
		t.Fatal("listener was not notified")
	}

	listener.mu.Lock()
	defer listener.mu.Unlock()
	require.Contains(t, listener.transitions, "inventory:closed->open")
}
