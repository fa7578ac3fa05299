// Package outbox implements the transactional outbox pattern: business code
// appends events in the same local transaction as the state change they
// describe, and a background Relay delivers them to the message channel
// at-least-once.
//
// Delivery is at-least-once by construction: the Relay publishes before it
// marks an event PUBLISHED, so a crash between the two republishes the event
// on restart. Consumers must be idempotent (see the inbox package).
package outbox
