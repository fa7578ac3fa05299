// Package zap provides the production implementation of log.Logger backed by
// go.uber.org/zap, with automatic trace/span correlation when the context
// carries an active OpenTelemetry span.
package zap
