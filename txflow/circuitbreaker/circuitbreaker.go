// Package circuitbreaker wraps sony/gobreaker behind a named-breaker manager.
// Saga participants use it to fast-fail handler calls against dependencies
// that are already known to be down, so replies come back quickly instead of
// burning the orchestration deadline on retries.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-txflow/txflow/log"
	"github.com/sony/gobreaker"
)

// State represents circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
	StateUnknown  State = "unknown"
)

// Config holds circuit breaker configuration.
type Config struct {
	MaxRequests         uint32        // Max requests in half-open state
	Interval            time.Duration // Counting window before counts reset
	Timeout             time.Duration // Open duration before half-open retry
	ConsecutiveFailures uint32        // Consecutive failures to trigger open state
	FailureRatio        float64       // Failure ratio to trigger open (e.g., 0.5 for 50%)
	MinRequests         uint32        // Min requests before checking ratio
}

// DefaultConfig returns conservative settings suited to participant handlers.
func DefaultConfig() Config {
	return Config{
		MaxRequests:         1,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.6,
		MinRequests:         10,
	}
}

// Counts represents circuit breaker statistics.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// StateChangeListener is notified when a breaker changes state.
type StateChangeListener interface {
	OnStateChange(name string, from State, to State)
}

// Manager holds one circuit breaker per named dependency.
type Manager struct {
	breakers  map[string]*gobreaker.CircuitBreaker
	configs   map[string]Config
	listeners []StateChangeListener
	mu        sync.RWMutex
	logger    log.Logger
}

// ErrBreakerNotFound is returned by Execute when the named breaker was never
// created.
var ErrBreakerNotFound = errors.New("circuit breaker not found")

// NewManager creates an empty circuit breaker manager.
func NewManager(logger log.Logger) *Manager {
	if logger == nil {
		logger = log.NewNop()
	}

	return &Manager{
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		configs:   make(map[string]Config),
		listeners: make([]StateChangeListener, 0),
		logger:    logger,
	}
}

// GetOrCreate returns the breaker registered under name, creating it with
// config on first use. The config of an existing breaker is not changed.
func (manager *Manager) GetOrCreate(name string, config Config) {
	manager.mu.RLock()
	_, exists := manager.breakers[name]
	manager.mu.RUnlock()

	if exists {
		return
	}

	manager.mu.Lock()
	defer manager.mu.Unlock()

	// Double-check after acquiring write lock
	if _, exists = manager.breakers[name]; exists {
		return
	}

	manager.breakers[name] = manager.build(name, config)
	manager.configs[name] = config

	manager.logger.Log(context.Background(), log.LevelInfo, "circuit breaker created",
		log.String("breaker", name))
}

func (manager *Manager) build(name string, config Config) *gobreaker.CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)

			return counts.ConsecutiveFailures >= config.ConsecutiveFailures ||
				(counts.Requests >= config.MinRequests && failureRatio >= config.FailureRatio)
		},
		OnStateChange: func(_ string, from gobreaker.State, to gobreaker.State) {
			manager.handleStateChange(name, from, to)
		},
	}

	return gobreaker.NewCircuitBreaker(settings)
}

// Execute runs fn through the named breaker. When the breaker is open the
// call is rejected immediately without invoking fn.
func (manager *Manager) Execute(ctx context.Context, name string, fn func() (any, error)) (any, error) {
	manager.mu.RLock()
	breaker, exists := manager.breakers[name]
	manager.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s (call GetOrCreate first)", ErrBreakerNotFound, name)
	}

	result, err := breaker.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			manager.logger.Log(ctx, log.LevelWarn, "circuit breaker open, request rejected",
				log.String("breaker", name))

			return nil, fmt.Errorf("dependency %s unavailable (circuit breaker open): %w", name, err)
		}

		if errors.Is(err, gobreaker.ErrTooManyRequests) {
			manager.logger.Log(ctx, log.LevelWarn, "circuit breaker half-open, too many probe requests",
				log.String("breaker", name))

			return nil, fmt.Errorf("dependency %s recovering (too many requests): %w", name, err)
		}
	}

	return result, err
}

// IsRejection reports whether err came from the breaker itself rather than
// from the wrapped call.
func IsRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// GetState returns the current state of the named breaker.
func (manager *Manager) GetState(name string) State {
	manager.mu.RLock()
	breaker, exists := manager.breakers[name]
	manager.mu.RUnlock()

	if !exists {
		return StateUnknown
	}

	return convertState(breaker.State())
}

// GetCounts returns the current counts of the named breaker.
func (manager *Manager) GetCounts(name string) Counts {
	manager.mu.RLock()
	breaker, exists := manager.breakers[name]
	manager.mu.RUnlock()

	if !exists {
		return Counts{}
	}

	counts := breaker.Counts()

	return Counts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

// IsHealthy reports whether the named breaker is closed. Open and half-open
// both count as unhealthy.
func (manager *Manager) IsHealthy(name string) bool {
	return manager.GetState(name) == StateClosed
}

// Reset recreates the named breaker with its stored config, clearing all
// counts and returning it to the closed state.
func (manager *Manager) Reset(name string) {
	manager.mu.Lock()
	defer manager.mu.Unlock()

	if _, exists := manager.breakers[name]; !exists {
		return
	}

	config, configExists := manager.configs[name]
	if !configExists {
		delete(manager.breakers, name)

		return
	}

	manager.breakers[name] = manager.build(name, config)

	manager.logger.Log(context.Background(), log.LevelInfo, "circuit breaker reset",
		log.String("breaker", name))
}

// RegisterStateChangeListener registers a listener notified on every breaker
// state transition. Nil listeners are ignored.
func (manager *Manager) RegisterStateChangeListener(listener StateChangeListener) {
	if listener == nil {
		return
	}

	manager.mu.Lock()
	defer manager.mu.Unlock()

	manager.listeners = append(manager.listeners, listener)
}

func (manager *Manager) handleStateChange(name string, from gobreaker.State, to gobreaker.State) {
	level := log.LevelInfo
	if to == gobreaker.StateOpen {
		level = log.LevelError
	}

	manager.logger.Log(context.Background(), level, "circuit breaker state changed",
		log.String("breaker", name),
		log.String("from", string(convertState(from))),
		log.String("to", string(convertState(to))),
	)

	fromState := convertState(from)
	toState := convertState(to)

	manager.mu.RLock()
	listeners := make([]StateChangeListener, len(manager.listeners))
	copy(listeners, manager.listeners)
	manager.mu.RUnlock()

	for _, listener := range listeners {
		// Notify on a goroutine so slow listeners never block breaker operations.
		go func(l StateChangeListener) {
			defer func() {
				if r := recover(); r != nil {
					manager.logger.Log(context.Background(), log.LevelError, "state change listener panic",
						log.String("breaker", name),
						log.Any("panic", r),
					)
				}
			}()

			l.OnStateChange(name, fromState, toState)
		}(listener)
	}
}

func convertState(state gobreaker.State) State {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateUnknown
	}
}
