// Package event defines the immutable event model: domain events handled
// synchronously in-process and integration events delivered across service
// boundaries through the outbox.
package event
