// Package postgres provides the PostgreSQL adapter for the outbox
// repository contract.
//
// Listing operations claim rows inside the same transaction using
// FOR UPDATE SKIP LOCKED, so concurrent relays never hand the same event
// to two publishers. Status updates are guarded by the expected current
// status; a lost race surfaces as ErrStateTransitionConflict.
package postgres
