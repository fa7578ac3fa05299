// Package inbox implements the idempotent-consumer guard. A consumer asks
// the guard to admit a message id before running side effects; the first
// delivery wins, later deliveries of the same id are reported as duplicates.
//
// Admission relies on a uniqueness constraint in the backing store, so the
// guarantee holds across processes and under concurrent delivery. Running
// AdmitWithTx inside the consumer's own transaction makes the side effects
// and the processed-message record atomic.
package inbox
