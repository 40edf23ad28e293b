// Package rabbitmq provides the RabbitMQ boundary of the event bus.
//
// This package includes:
//   - ConnectionManager: owns the persistent connection and reconnects on
//     shutdown, blocked and callback-exception signals
//   - Dialer, Connection and Channel: the narrow broker client surface,
//     satisfied by amqp091-go through NewDialer
//   - Topology helpers for the bus exchange, queue and bindings
//   - IsTransient: classification of errors worth retrying
//
// Connect attempts are bounded by the retry count and wait 2^attempt seconds
// between tries. All connects, including reconnects, are serialized.
package rabbitmq
