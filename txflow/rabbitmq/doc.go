// Package rabbitmq provides AMQP transport for the outbox relay and the
// saga message flow.
//
// The confirm-mode publisher only returns after the broker acknowledges the
// message, which is what the relay needs before marking an event PUBLISHED.
// Errors carrying connection strings are sanitized before logging.
package rabbitmq
