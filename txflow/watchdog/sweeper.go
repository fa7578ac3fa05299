package watchdog

import (
	"context"
	"fmt"
	"sync"
	"time"

	txflow "github.com/LerianStudio/lib-txflow/txflow"
	"github.com/LerianStudio/lib-txflow/txflow/cron"
	"github.com/LerianStudio/lib-txflow/txflow/internal/nilcheck"
	"github.com/LerianStudio/lib-txflow/txflow/log"
	"github.com/LerianStudio/lib-txflow/txflow/runtime"
	"github.com/LerianStudio/lib-txflow/txflow/saga"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Sweeper periodically forces stale in-flight items to their terminal
// failure state.
type Sweeper struct {
	store    Store
	notifier saga.Notifier
	logger   log.Logger
	tracer   trace.Tracer
	schedule cron.Schedule
	cfg      SweeperConfig

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	sweepWg    sync.WaitGroup
}

var _ txflow.App = (*Sweeper)(nil)

// SweepResult captures one sweep outcome.
type SweepResult struct {
	Scanned  int
	Forced   int
	LostRace int
	Errors   int
}

// NewSweeper creates a timeout sweeper over the given store.
func NewSweeper(
	store Store,
	logger log.Logger,
	tracer trace.Tracer,
	opts ...SweeperOption,
) (*Sweeper, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("txflow.noop")
	}

	sweeper := &Sweeper{
		store:  store,
		logger: logger,
		tracer: tracer,
		cfg:    DefaultSweeperConfig(),
		stop:   make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(sweeper)
		}
	}

	sweeper.cfg.normalize()

	if len(sweeper.cfg.States) == 0 {
		return nil, ErrStatesRequired
	}

	return sweeper, nil
}

// Run starts the sweep loop until Stop is called.
func (sweeper *Sweeper) Run(launcher *txflow.Launcher) error {
	return sweeper.RunContext(context.Background(), launcher)
}

// RunContext starts the sweep loop until Stop is called or ctx is cancelled.
func (sweeper *Sweeper) RunContext(parentCtx context.Context, launcher *txflow.Launcher) error {
	if sweeper == nil {
		return ErrSweeperRequired
	}

	if sweeper.store == nil {
		return ErrStoreRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !sweeper.registerRun(cancel) {
		cancel()

		return ErrSweeperRunning
	}

	defer sweeper.clearRun()

	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(context.Background(), log.LevelInfo, "timeout watchdog started")
		defer launcher.Logger.Log(context.Background(), log.LevelInfo, "timeout watchdog stopped")
	}

	defer runtime.RecoverAndLog(ctx, sweeper.logger, "watchdog", "sweeper_run")

	for {
		wait, err := sweeper.nextWait(time.Now())
		if err != nil {
			return err
		}

		timer := time.NewTimer(wait)

		select {
		case <-sweeper.stop:
			timer.Stop()

			return nil
		case <-ctx.Done():
			timer.Stop()

			return nil
		case <-timer.C:
			sweeper.runSweep(ctx)
		}
	}
}

// nextWait computes the delay until the next sweep: cron schedule when
// configured, fixed interval otherwise.
func (sweeper *Sweeper) nextWait(now time.Time) (time.Duration, error) {
	if sweeper.schedule == nil {
		return sweeper.cfg.SweepInterval, nil
	}

	next, err := sweeper.schedule.Next(now)
	if err != nil {
		return 0, fmt.Errorf("computing next sweep time: %w", err)
	}

	wait := time.Until(next)
	if wait < 0 {
		wait = 0
	}

	return wait, nil
}

func (sweeper *Sweeper) runSweep(ctx context.Context) {
	sweeper.sweepWg.Add(1)
	defer sweeper.sweepWg.Done()

	sweepCtx, span := sweeper.tracer.Start(ctx, "watchdog.sweep")
	defer span.End()
	defer runtime.RecoverAndLog(sweepCtx, sweeper.logger, "watchdog", "sweep")

	result, err := sweeper.SweepOnce(sweepCtx)
	if err != nil {
		txflow.HandleSpanError(span, "watchdog sweep failed", err)
		log.SafeError(sweeper.logger, sweepCtx, "watchdog sweep failed", err)

		return
	}

	span.SetAttributes(
		attribute.Int("watchdog.sweep.scanned", result.Scanned),
		attribute.Int("watchdog.sweep.forced", result.Forced),
		attribute.Int("watchdog.sweep.lost_race", result.LostRace),
		attribute.Int("watchdog.sweep.errors", result.Errors),
	)
}

// Stop signals the sweep loop to stop.
func (sweeper *Sweeper) Stop() {
	if sweeper == nil {
		return
	}

	sweeper.stopOnce.Do(func() {
		sweeper.runStateMu.Lock()
		cancel := sweeper.cancelFunc
		stop := sweeper.stop
		if stop == nil {
			stop = make(chan struct{})
			sweeper.stop = stop
		}
		sweeper.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown waits for in-flight sweep completion.
func (sweeper *Sweeper) Shutdown(ctx context.Context) error {
	if sweeper == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	sweeper.Stop()

	done := make(chan struct{})

	runtime.SafeGo(ctx, sweeper.logger, "watchdog", "sweeper_shutdown_wait", runtime.KeepRunning, func() {
		sweeper.sweepWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sweeper shutdown: %w", ctx.Err())
	}
}

// SweepOnce runs a single sweep: list expired items and force each to the
// terminal failure state. One bad item never blocks the rest.
func (sweeper *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	if sweeper == nil || sweeper.store == nil {
		return SweepResult{}, ErrStoreRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	cutoff := time.Now().UTC().Add(-sweeper.cfg.Deadline)

	items, err := sweeper.store.ListExpired(ctx, sweeper.cfg.States, cutoff, sweeper.cfg.BatchSize)
	if err != nil {
		return SweepResult{}, fmt.Errorf("listing expired items: %w", err)
	}

	result := SweepResult{Scanned: len(items)}
	reason := sweeper.timeoutReason()

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}

		forced, err := sweeper.store.ForceFail(ctx, item.ID, item.Version, reason)
		if err != nil {
			sweeper.logger.Log(ctx, log.LevelError, "failed to force item to failure state",
				log.String("item_id", item.ID.String()), log.Err(err))

			result.Errors++

			continue
		}

		if !forced {
			// The real reply committed first; our transition is a no-op.
			sweeper.logger.Log(ctx, log.LevelDebug, "item settled before forced failure",
				log.String("item_id", item.ID.String()))

			result.LostRace++

			continue
		}

		result.Forced++

		sweeper.logger.Log(ctx, log.LevelWarn, "item forced to failure state after timeout",
			log.String("item_id", item.ID.String()),
			log.String("previous_state", item.State),
			log.String("reason", reason))

		sweeper.notify(ctx, saga.Notification{
			SubjectID: item.ID.String(),
			NewState:  saga.StateFailed,
			Message:   reason,
		})
	}

	return result, nil
}

func (sweeper *Sweeper) timeoutReason() string {
	minutes := int(sweeper.cfg.Deadline.Round(time.Minute) / time.Minute)
	if minutes < 1 {
		return fmt.Sprintf("no response within %s", sweeper.cfg.Deadline)
	}

	return fmt.Sprintf("no response within %d minutes", minutes)
}

func (sweeper *Sweeper) notify(ctx context.Context, notification saga.Notification) {
	if sweeper.notifier == nil {
		return
	}

	if err := sweeper.notifier.Notify(ctx, notification); err != nil {
		sweeper.logger.Log(ctx, log.LevelWarn, "failed to publish watchdog notification",
			log.String("subject_id", notification.SubjectID), log.Err(err))
	}
}

func (sweeper *Sweeper) registerRun(cancel context.CancelFunc) bool {
	sweeper.runStateMu.Lock()
	defer sweeper.runStateMu.Unlock()

	if sweeper.running {
		return false
	}

	if sweeper.stop == nil || isClosedSignal(sweeper.stop) {
		sweeper.stop = make(chan struct{})
		sweeper.stopOnce = sync.Once{}
	}

	sweeper.running = true
	sweeper.cancelFunc = cancel

	return true
}

func (sweeper *Sweeper) clearRun() {
	sweeper.runStateMu.Lock()
	defer sweeper.runStateMu.Unlock()

	sweeper.running = false
	sweeper.cancelFunc = nil
}

func isClosedSignal(signal <-chan struct{}) bool {
	if signal == nil {
		return false
	}

	select {
	case <-signal:
		return true
	default:
		return false
	}
}
