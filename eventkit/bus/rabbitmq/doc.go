// Package rabbitmq implements the event bus on RabbitMQ with publisher
// confirms. Delayed delivery uses a per-message TTL on a wait queue that
// dead-letters into the main exchange.
package rabbitmq
