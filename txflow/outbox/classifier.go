package outbox

// RetryClassifier determines whether a publish error should not be retried.
// Non-retryable events are routed to INVALID instead of looping forever
// (malformed payload, unroutable destination).
type RetryClassifier interface {
	IsNonRetryable(err error) bool
}

type RetryClassifierFunc func(err error) bool

func (fn RetryClassifierFunc) IsNonRetryable(err error) bool {
	if fn == nil {
		return false
	}

	return fn(err)
}
