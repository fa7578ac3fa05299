// Package txflow is a transactional-messaging toolkit: a transactional
// outbox with a polling relay, an idempotent-consumer guard, a saga
// orchestrator with compensations, and a timeout watchdog for choreographed
// workflows. Engines live in subpackages (outbox, inbox, saga, watchdog);
// this package carries the runtime harness and context plumbing they share.
package txflow
