package outbox

import (
	"time"

	"go.opentelemetry.io/otel/metric"
)

const (
	defaultPollInterval                = 500 * time.Millisecond
	defaultBatchSize                   = 50
	defaultPublishMaxAttempts          = 3
	defaultPublishBackoff              = 200 * time.Millisecond
	defaultListPendingFailureThreshold = 3
	defaultRetryWindow                 = 5 * time.Minute
	defaultMaxDispatchAttempts         = 10
	defaultProcessingTimeout           = 10 * time.Minute
	defaultMaxFailedPerBatch           = 25
)

// RelayConfig controls relay polling, retry, and metric behavior.
type RelayConfig struct {
	// PollInterval is the periodic interval between relay cycles.
	PollInterval time.Duration
	// BatchSize is the max number of events processed per cycle.
	BatchSize int
	// PublishMaxAttempts is the max publish attempts for one event within a cycle.
	// Across cycles retries are unbounded; an event is never silently dropped.
	PublishMaxAttempts int
	// PublishBackoff is the base backoff between publish retries.
	PublishBackoff time.Duration
	// ListPendingFailureThreshold emits an error log once repeated list failures reach this count.
	ListPendingFailureThreshold int
	// RetryWindow is the minimum age for failed events to become retry-eligible.
	RetryWindow time.Duration
	// MaxDispatchAttempts is the max total dispatch attempts before invalidation.
	MaxDispatchAttempts int
	// ProcessingTimeout is the age threshold for reclaiming stuck processing events.
	ProcessingTimeout time.Duration
	// MaxFailedPerBatch limits how many failed events are reclaimed in one cycle.
	MaxFailedPerBatch int
	// MeterProvider overrides the default global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultRelayConfig returns the baseline relay configuration.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PollInterval:                defaultPollInterval,
		BatchSize:                   defaultBatchSize,
		PublishMaxAttempts:          defaultPublishMaxAttempts,
		PublishBackoff:              defaultPublishBackoff,
		ListPendingFailureThreshold: defaultListPendingFailureThreshold,
		RetryWindow:                 defaultRetryWindow,
		MaxDispatchAttempts:         defaultMaxDispatchAttempts,
		ProcessingTimeout:           defaultProcessingTimeout,
		MaxFailedPerBatch:           defaultMaxFailedPerBatch,
		MeterProvider:               nil,
	}
}

func (cfg *RelayConfig) normalize() {
	defaults := DefaultRelayConfig()

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.PublishMaxAttempts <= 0 {
		cfg.PublishMaxAttempts = defaults.PublishMaxAttempts
	}

	if cfg.PublishBackoff <= 0 {
		cfg.PublishBackoff = defaults.PublishBackoff
	}

	if cfg.ListPendingFailureThreshold <= 0 {
		cfg.ListPendingFailureThreshold = defaults.ListPendingFailureThreshold
	}

	if cfg.RetryWindow <= 0 {
		cfg.RetryWindow = defaults.RetryWindow
	}

	if cfg.MaxDispatchAttempts <= 0 {
		cfg.MaxDispatchAttempts = defaults.MaxDispatchAttempts
	}

	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = defaults.ProcessingTimeout
	}

	if cfg.MaxFailedPerBatch <= 0 {
		cfg.MaxFailedPerBatch = defaults.MaxFailedPerBatch
	}
}

// RelayOption mutates relay configuration at construction.
type RelayOption func(*Relay)

// WithBatchSize sets the maximum events processed in one relay cycle.
func WithBatchSize(size int) RelayOption {
	return func(relay *Relay) {
		if size > 0 {
			relay.cfg.BatchSize = size
		}
	}
}

// WithPollInterval sets the relay polling interval.
func WithPollInterval(interval time.Duration) RelayOption {
	return func(relay *Relay) {
		if interval > 0 {
			relay.cfg.PollInterval = interval
		}
	}
}

// WithPublishMaxAttempts sets max publish attempts per event within a cycle.
func WithPublishMaxAttempts(maxAttempts int) RelayOption {
	return func(relay *Relay) {
		if maxAttempts > 0 {
			relay.cfg.PublishMaxAttempts = maxAttempts
		}
	}
}

// WithPublishBackoff sets base backoff for publish retry attempts.
func WithPublishBackoff(backoff time.Duration) RelayOption {
	return func(relay *Relay) {
		if backoff > 0 {
			relay.cfg.PublishBackoff = backoff
		}
	}
}

// WithRetryWindow sets failed-event cooldown before retry reclamation.
func WithRetryWindow(retryWindow time.Duration) RelayOption {
	return func(relay *Relay) {
		if retryWindow > 0 {
			relay.cfg.RetryWindow = retryWindow
		}
	}
}

// WithMaxDispatchAttempts sets max dispatch attempts before invalidation.
func WithMaxDispatchAttempts(attempts int) RelayOption {
	return func(relay *Relay) {
		if attempts > 0 {
			relay.cfg.MaxDispatchAttempts = attempts
		}
	}
}

// WithProcessingTimeout sets the timeout used to reclaim stuck processing events.
func WithProcessingTimeout(timeout time.Duration) RelayOption {
	return func(relay *Relay) {
		if timeout > 0 {
			relay.cfg.ProcessingTimeout = timeout
		}
	}
}

// WithListPendingFailureThreshold sets the log threshold for repeated list failures.
func WithListPendingFailureThreshold(threshold int) RelayOption {
	return func(relay *Relay) {
		if threshold > 0 {
			relay.cfg.ListPendingFailureThreshold = threshold
		}
	}
}

// WithMaxFailedPerBatch sets max failed events reclaimed each cycle.
func WithMaxFailedPerBatch(maxFailed int) RelayOption {
	return func(relay *Relay) {
		if maxFailed > 0 {
			relay.cfg.MaxFailedPerBatch = maxFailed
		}
	}
}

// WithRetryClassifier sets the non-retryable error classifier.
func WithRetryClassifier(classifier RetryClassifier) RelayOption {
	return func(relay *Relay) {
		relay.retryClassifier = classifier
	}
}

// WithMeterProvider injects a custom meter provider for relay metrics.
// Passing nil keeps the default global OpenTelemetry meter provider.
func WithMeterProvider(provider metric.MeterProvider) RelayOption {
	return func(relay *Relay) {
		relay.cfg.MeterProvider = provider
	}
}
