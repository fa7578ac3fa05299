// Package runtime provides panic recovery helpers for the long-lived
// goroutines lib-txflow spawns (relay loops, watchdog sweeps, consumers).
package runtime

import (
	"context"
	"runtime/debug"

	"github.com/LerianStudio/lib-txflow/txflow/log"
)

// PanicPolicy controls what a recovery helper does after logging a panic.
type PanicPolicy int

const (
	// KeepRunning swallows the panic after logging it. Use for background
	// loops that must outlive a single bad iteration.
	KeepRunning PanicPolicy = iota

	// CrashProcess re-panics after logging, preserving the original value.
	// Use when continuing would corrupt state.
	CrashProcess
)

// RecoverAndLog recovers from a panic, logs it with the goroutine stack, and
// keeps the process running. Meant to be deferred.
func RecoverAndLog(ctx context.Context, logger log.Logger, component, operation string) {
	if r := recover(); r != nil {
		logPanic(ctx, logger, component, operation, r)
	}
}

// RecoverAndCrash recovers from a panic, logs it, then re-panics with the
// original value so the process still dies with a useful stack. Meant to be
// deferred.
func RecoverAndCrash(ctx context.Context, logger log.Logger, component, operation string) {
	if r := recover(); r != nil {
		logPanic(ctx, logger, component, operation, r)

		panic(r)
	}
}

// RecoverWithPolicy recovers from a panic and applies the given policy.
// Meant to be deferred.
func RecoverWithPolicy(ctx context.Context, logger log.Logger, component, operation string, policy PanicPolicy) {
	if r := recover(); r != nil {
		logPanic(ctx, logger, component, operation, r)

		if policy == CrashProcess {
			panic(r)
		}
	}
}

// HandlePanicValue logs an already-recovered panic value. It exists for call
// sites that run their own recover() but want uniform panic logging. A nil
// value is a no-op.
func HandlePanicValue(ctx context.Context, logger log.Logger, value any, component, operation string) {
	if value == nil {
		return
	}

	logPanic(ctx, logger, component, operation, value)
}

// SafeGo runs fn on a new goroutine guarded by RecoverWithPolicy. The context
// is used for log correlation only; fn is responsible for honoring
// cancellation itself.
func SafeGo(ctx context.Context, logger log.Logger, component, operation string, policy PanicPolicy, fn func()) {
	go func() {
		defer RecoverWithPolicy(ctx, logger, component, operation, policy)

		fn()
	}()
}

func logPanic(ctx context.Context, logger log.Logger, component, operation string, value any) {
	if logger == nil {
		return
	}

	logger.Log(ctx, log.LevelError, "panic recovered",
		log.String("component", component),
		log.String("operation", operation),
		log.Any("panic", value),
		log.String("stack", string(debug.Stack())),
	)
}
