// Package bus defines the event bus contract the outbox publishes through
// and subscriptions consume from. Adapters live in the subpackages rabbitmq
// and kafka.
package bus
