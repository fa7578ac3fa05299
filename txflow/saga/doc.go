// Package saga implements orchestrated sagas: a sequence of local
// transactions with defined compensations, driven by commands and replies
// over a message channel.
//
// The Orchestrator owns the saga instance state machine and issues
// commands through the caller's outbox inside the same transaction as the
// instance update. The Participant registry executes one handler per
// command type and converts business failures into failure replies.
// Both sides run inbound messages through the inbox guard, so duplicate
// delivery is absorbed rather than reprocessed.
package saga
