// Package eventkit provides the shared primitives of the event-sourcing and
// transactional-outbox toolkit: correlation-ID propagation through context and
// the top-level configuration surface consumed at startup.
//
// The subsystem itself lives in the subpackages: event (models), codec
// (serialization), dispatcher (in-process domain events), eventstore
// (append-only streams with optimistic concurrency), outbox (durable
// integration-event staging and background publication), and bus (the publish
// contract the outbox drains into).
package eventkit
