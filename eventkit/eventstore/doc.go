// Package eventstore defines the append-only, per-stream event log contract
// with optimistic concurrency. The memory and postgres subpackages provide
// implementations.
package eventstore
