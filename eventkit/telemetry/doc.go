// Package telemetry carries OpenTelemetry helpers shared by the storage and
// messaging adapters: context-scoped tracer propagation and span error
// recording.
package telemetry
