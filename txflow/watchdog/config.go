package watchdog

import (
	"time"

	"github.com/LerianStudio/lib-txflow/txflow/cron"
	"github.com/LerianStudio/lib-txflow/txflow/internal/nilcheck"
	"github.com/LerianStudio/lib-txflow/txflow/saga"
)

const (
	defaultSweepInterval = 60 * time.Second
	defaultDeadline      = 15 * time.Minute
	defaultBatchSize     = 100
)

// SweeperConfig controls sweep cadence and staleness policy.
type SweeperConfig struct {
	// SweepInterval is the fixed period between sweeps when no cron
	// schedule is set.
	SweepInterval time.Duration
	// Deadline is the staleness threshold: items untouched longer than
	// this are forced to failure.
	Deadline time.Duration
	// BatchSize bounds the number of items handled per sweep.
	BatchSize int
	// States is the set of in-flight state values the sweep scans for.
	States []string
}

// DefaultSweeperConfig returns the baseline sweeper configuration.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		SweepInterval: defaultSweepInterval,
		Deadline:      defaultDeadline,
		BatchSize:     defaultBatchSize,
		States:        nil,
	}
}

func (cfg *SweeperConfig) normalize() {
	defaults := DefaultSweeperConfig()

	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaults.SweepInterval
	}

	if cfg.Deadline <= 0 {
		cfg.Deadline = defaults.Deadline
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
}

// SweeperOption mutates sweeper configuration at construction.
type SweeperOption func(*Sweeper)

// WithSweepInterval sets the fixed sweep period.
func WithSweepInterval(interval time.Duration) SweeperOption {
	return func(sweeper *Sweeper) {
		if interval > 0 {
			sweeper.cfg.SweepInterval = interval
		}
	}
}

// WithDeadline sets the staleness threshold.
func WithDeadline(deadline time.Duration) SweeperOption {
	return func(sweeper *Sweeper) {
		if deadline > 0 {
			sweeper.cfg.Deadline = deadline
		}
	}
}

// WithBatchSize bounds items handled per sweep.
func WithBatchSize(size int) SweeperOption {
	return func(sweeper *Sweeper) {
		if size > 0 {
			sweeper.cfg.BatchSize = size
		}
	}
}

// WithStates sets the in-flight states the sweeper scans for.
func WithStates(states ...string) SweeperOption {
	return func(sweeper *Sweeper) {
		if len(states) > 0 {
			sweeper.cfg.States = states
		}
	}
}

// WithSchedule runs sweeps on a cron schedule instead of a fixed ticker.
func WithSchedule(schedule cron.Schedule) SweeperOption {
	return func(sweeper *Sweeper) {
		if nilcheck.Interface(schedule) {
			return
		}

		sweeper.schedule = schedule
	}
}

// WithNotifier sets the observer notification publisher.
func WithNotifier(notifier saga.Notifier) SweeperOption {
	return func(sweeper *Sweeper) {
		if nilcheck.Interface(notifier) {
			return
		}

		sweeper.notifier = notifier
	}
}
