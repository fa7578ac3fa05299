package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	txflow "github.com/LerianStudio/lib-txflow/txflow"
	"github.com/LerianStudio/lib-txflow/txflow/backoff"
	"github.com/LerianStudio/lib-txflow/txflow/log"
	"github.com/LerianStudio/lib-txflow/txflow/runtime"
)

// Relay polls the outbox and publishes claimed events through the registry.
// It runs on its own cadence, decoupled from request traffic.
type Relay struct {
	repo            Repository
	publishers      *PublisherRegistry
	retryClassifier RetryClassifier
	logger          log.Logger
	tracer          trace.Tracer
	cfg             RelayConfig

	listPendingFailures int
	failureCountMu      sync.Mutex

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	cycleWg    sync.WaitGroup

	metrics relayMetrics
}

var _ txflow.App = (*Relay)(nil)

// CycleResult captures one relay cycle outcome.
type CycleResult struct {
	Processed         int
	Published         int
	Failed            int
	StateUpdateFailed int
}

// NewRelay creates an outbox relay.
func NewRelay(
	repo Repository,
	publishers *PublisherRegistry,
	logger log.Logger,
	tracer trace.Tracer,
	opts ...RelayOption,
) (*Relay, error) {
	if repo == nil {
		return nil, ErrOutboxRepositoryRequired
	}

	if publishers == nil {
		return nil, ErrPublisherRegistryRequired
	}

	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("txflow.noop")
	}

	if logger == nil {
		logger = log.NewNop()
	}

	relay := &Relay{
		repo:       repo,
		publishers: publishers,
		logger:     logger,
		tracer:     tracer,
		cfg:        DefaultRelayConfig(),
		stop:       make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(relay)
		}
	}

	relay.cfg.normalize()

	metrics, err := newRelayMetrics(relay.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	relay.metrics = metrics

	return relay, nil
}

// Run starts the relay loop until Stop is called.
func (relay *Relay) Run(launcher *txflow.Launcher) error {
	return relay.RunContext(context.Background(), launcher)
}

// RunContext starts the relay loop until Stop is called or ctx is cancelled.
func (relay *Relay) RunContext(parentCtx context.Context, launcher *txflow.Launcher) error {
	if relay == nil {
		return ErrOutboxRelayRequired
	}

	if relay.repo == nil || relay.publishers == nil {
		return ErrOutboxRelayRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !relay.registerRun(cancel) {
		cancel()

		return ErrOutboxRelayRunning
	}

	defer relay.clearRun()

	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(context.Background(), log.LevelInfo, "outbox relay started")
		defer launcher.Logger.Log(context.Background(), log.LevelInfo, "outbox relay stopped")
	}

	defer runtime.RecoverAndLog(ctx, relay.logger, "outbox", "relay_run")

	ticker := time.NewTicker(relay.cfg.PollInterval)
	defer ticker.Stop()

	relay.runCycle(ctx, "outbox.relay.initial_cycle")

	for {
		select {
		case <-relay.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case <-relay.stop:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}

			relay.runCycle(ctx, "outbox.relay.cycle")
		}
	}
}

func (relay *Relay) runCycle(ctx context.Context, spanName string) {
	relay.cycleWg.Add(1)
	defer relay.cycleWg.Done()

	cycleCtx, span := relay.tracer.Start(ctx, spanName)
	defer span.End()
	defer runtime.RecoverAndLog(cycleCtx, relay.logger, "outbox", "relay_cycle")

	result := relay.CycleOnceResult(cycleCtx)
	span.SetAttributes(
		attribute.Int("outbox.cycle.processed", result.Processed),
		attribute.Int("outbox.cycle.published", result.Published),
		attribute.Int("outbox.cycle.failed", result.Failed),
		attribute.Int("outbox.cycle.state_update_failed", result.StateUpdateFailed),
	)
}

// Stop signals the relay loop to stop.
func (relay *Relay) Stop() {
	if relay == nil {
		return
	}

	relay.stopOnce.Do(func() {
		relay.runStateMu.Lock()
		cancel := relay.cancelFunc
		stop := relay.stop
		if stop == nil {
			stop = make(chan struct{})
			relay.stop = stop
		}
		relay.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown waits for in-flight cycle completion.
func (relay *Relay) Shutdown(ctx context.Context) error {
	if relay == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	relay.Stop()

	done := make(chan struct{})

	runtime.SafeGo(ctx, relay.logger, "outbox", "relay_shutdown_wait", runtime.KeepRunning, func() {
		relay.cycleWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay shutdown: %w", ctx.Err())
	}
}

// CycleOnce processes one relay cycle and returns the processed count.
func (relay *Relay) CycleOnce(ctx context.Context) int {
	return relay.CycleOnceResult(ctx).Processed
}

// CycleOnceResult processes one relay cycle and returns counters.
func (relay *Relay) CycleOnceResult(ctx context.Context) CycleResult {
	if relay == nil {
		return CycleResult{}
	}

	if relay.repo == nil || relay.publishers == nil {
		return CycleResult{}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	logger := relay.logger
	if logger == nil {
		logger = log.NewNop()
	}

	start := time.Now().UTC()

	ctx, span := relay.tracer.Start(ctx, "outbox.relay.publish_batch")
	defer span.End()

	events := relay.collectEvents(ctx, span)
	processed := 0
	published := 0
	failed := 0
	stateUpdateFailed := 0

	relay.recordQueueDepth(ctx, int64(len(events)))

	// Delivery semantics are at-least-once: publish happens before MarkPublished.
	// If state persistence fails after publish, consumers must remain idempotent.
	for _, event := range events {
		if ctx.Err() != nil {
			break
		}

		if event == nil {
			continue
		}

		processed++

		if err := relay.publishEventWithRetry(ctx, event); err != nil {
			relay.handlePublishError(ctx, logger, event, err)

			failed++

			continue
		}

		published++

		if err := relay.repo.MarkPublished(ctx, event.ID, time.Now().UTC()); err != nil {
			logger.Log(
				ctx,
				log.LevelError,
				"outbox event published to broker but failed to persist PUBLISHED state; event may be retried",
				log.String("event_id", event.ID.String()),
				log.String("error", sanitizeErrorForStorage(err)),
			)

			relay.addStateUpdateFailure(ctx, 1)

			stateUpdateFailed++

			continue
		}
	}

	relay.addPublishedEvents(ctx, int64(published))
	relay.addFailedEvents(ctx, int64(failed))
	relay.recordCycleLatency(ctx, time.Since(start).Seconds())

	return CycleResult{
		Processed:         processed,
		Published:         published,
		Failed:            failed,
		StateUpdateFailed: stateUpdateFailed,
	}
}

// collectEvents gathers events for a single relay cycle using a layered
// strategy, oldest first within each layer:
//
//  1. Stuck events: PROCESSING events older than ProcessingTimeout (reclaimed)
//  2. Failed events: FAILED events older than RetryWindow with remaining attempts
//  3. Pending events: PENDING events ordered by created_at ASC
//
// The total batch is bounded by BatchSize. Duplicate events are removed.
func (relay *Relay) collectEvents(ctx context.Context, span trace.Span) []*OutboxEvent {
	logger := relay.logger
	failedBefore := time.Now().UTC().Add(-relay.cfg.RetryWindow)
	processingBefore := time.Now().UTC().Add(-relay.cfg.ProcessingTimeout)

	stuckEvents, err := relay.repo.ResetStuckProcessing(
		ctx,
		relay.cfg.BatchSize,
		processingBefore,
		relay.cfg.MaxDispatchAttempts,
	)
	if err != nil {
		txflow.HandleSpanError(span, "failed to reset stuck events", err)
		log.SafeError(logger, ctx, "failed to reset stuck events", err)
	}

	collected := len(stuckEvents)

	failedLimit := min(relay.cfg.BatchSize-collected, relay.cfg.MaxFailedPerBatch)
	if failedLimit <= 0 {
		return deduplicateEvents(stuckEvents)
	}

	failedEvents, err := relay.repo.ResetForRetry(
		ctx,
		failedLimit,
		failedBefore,
		relay.cfg.MaxDispatchAttempts,
	)
	if err != nil {
		txflow.HandleSpanError(span, "failed to reset failed events for retry", err)
		log.SafeError(logger, ctx, "failed to reset failed events for retry", err)
	}

	collected += len(failedEvents)

	remaining := relay.cfg.BatchSize - collected
	if remaining <= 0 {
		return deduplicateEvents(append(stuckEvents, failedEvents...))
	}

	pendingEvents, err := relay.repo.ListPending(ctx, remaining)
	if err != nil {
		relay.handleListPendingError(ctx, span, err)

		return deduplicateEvents(append(stuckEvents, failedEvents...))
	}

	relay.clearListPendingFailureCount()

	all := make([]*OutboxEvent, 0, collected+len(pendingEvents))
	all = append(all, stuckEvents...)
	all = append(all, failedEvents...)
	all = append(all, pendingEvents...)

	return deduplicateEvents(all)
}

func deduplicateEvents(events []*OutboxEvent) []*OutboxEvent {
	if len(events) == 0 {
		return events
	}

	seen := make(map[uuid.UUID]bool, len(events))
	result := make([]*OutboxEvent, 0, len(events))

	for _, event := range events {
		if event == nil {
			continue
		}

		if seen[event.ID] {
			continue
		}

		seen[event.ID] = true
		result = append(result, event)
	}

	return result
}

func (relay *Relay) handleListPendingError(ctx context.Context, span trace.Span, err error) {
	txflow.HandleSpanError(span, "failed to list outbox events", err)
	log.SafeError(relay.logger, ctx, "failed to list outbox events", err)

	relay.failureCountMu.Lock()
	relay.listPendingFailures++
	count := relay.listPendingFailures
	relay.failureCountMu.Unlock()

	if count >= relay.cfg.ListPendingFailureThreshold {
		relay.logger.Log(ctx, log.LevelError, "outbox list pending failures exceeded threshold",
			log.Int("count", count))
	}
}

func (relay *Relay) clearListPendingFailureCount() {
	relay.failureCountMu.Lock()
	relay.listPendingFailures = 0
	relay.failureCountMu.Unlock()
}

func (relay *Relay) publishEventWithRetry(ctx context.Context, event *OutboxEvent) error {
	return backoff.Retry(ctx, relay.cfg.PublishMaxAttempts, relay.cfg.PublishBackoff, func(ctx context.Context) error {
		err := relay.publishEvent(ctx, event)
		if err != nil && relay.isNonRetryableError(err) {
			return backoff.Permanent(err)
		}

		return err
	})
}

func (relay *Relay) publishEvent(ctx context.Context, event *OutboxEvent) error {
	if event == nil {
		return ErrOutboxEventRequired
	}

	if len(event.Payload) == 0 {
		return ErrOutboxEventPayloadRequired
	}

	return relay.publishers.Publish(ctx, event)
}

func (relay *Relay) handlePublishError(
	ctx context.Context,
	logger log.Logger,
	event *OutboxEvent,
	err error,
) {
	if relay.isNonRetryableError(err) {
		if markErr := relay.repo.MarkInvalid(ctx, event.ID, sanitizeErrorForStorage(err)); markErr != nil {
			logger.Log(ctx, log.LevelError, "failed to mark outbox invalid",
				log.String("error", sanitizeErrorForStorage(markErr)))
		}

		return
	}

	if markErr := relay.repo.MarkFailed(ctx, event.ID, sanitizeErrorForStorage(err), relay.cfg.MaxDispatchAttempts); markErr != nil {
		logger.Log(ctx, log.LevelError, "failed to mark outbox failed",
			log.String("error", sanitizeErrorForStorage(markErr)))
	}
}

func (relay *Relay) isNonRetryableError(err error) bool {
	if err == nil || relay.retryClassifier == nil {
		return false
	}

	return relay.retryClassifier.IsNonRetryable(err)
}

func (relay *Relay) registerRun(cancel context.CancelFunc) bool {
	relay.runStateMu.Lock()
	defer relay.runStateMu.Unlock()

	if relay.running {
		return false
	}

	if relay.stop == nil || isClosedSignal(relay.stop) {
		relay.stop = make(chan struct{})
		relay.stopOnce = sync.Once{}
	}

	relay.running = true
	relay.cancelFunc = cancel

	return true
}

func (relay *Relay) clearRun() {
	relay.runStateMu.Lock()
	defer relay.runStateMu.Unlock()

	relay.running = false
	relay.cancelFunc = nil
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

func (relay *Relay) recordQueueDepth(ctx context.Context, depth int64) {
	if relay.metrics.queueDepth == nil {
		return
	}

	relay.metrics.queueDepth.Record(ctx, depth)
}

func (relay *Relay) addPublishedEvents(ctx context.Context, count int64) {
	if relay.metrics.eventsPublished == nil || count <= 0 {
		return
	}

	relay.metrics.eventsPublished.Add(ctx, count)
}

func (relay *Relay) addFailedEvents(ctx context.Context, count int64) {
	if relay.metrics.eventsFailed == nil || count <= 0 {
		return
	}

	relay.metrics.eventsFailed.Add(ctx, count)
}

func (relay *Relay) addStateUpdateFailure(ctx context.Context, count int64) {
	if relay.metrics.eventsStateFailed == nil || count <= 0 {
		return
	}

	relay.metrics.eventsStateFailed.Add(ctx, count)
}

func (relay *Relay) recordCycleLatency(ctx context.Context, latencySeconds float64) {
	if relay.metrics.cycleLatency == nil {
		return
	}

	relay.metrics.cycleLatency.Record(ctx, latencySeconds)
}
