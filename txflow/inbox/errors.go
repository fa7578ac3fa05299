package inbox

import "errors"

var (
	// ErrMessageIDRequired indicates an empty or blank message id.
	ErrMessageIDRequired = errors.New("message id is required")

	// ErrGuardRequired indicates a nil guard was supplied where one is required.
	ErrGuardRequired = errors.New("inbox guard is required")

	// ErrGuardNotInitialized indicates the guard was constructed without a store.
	ErrGuardNotInitialized = errors.New("inbox guard not initialized")
)
