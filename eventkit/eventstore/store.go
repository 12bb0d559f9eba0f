package eventstore

import (
	"context"
	"time"

	"github.com/onuraltintas/lib-eventkit/eventkit/event"
)

// StoredEvent is one persisted record of an append-only stream.
type StoredEvent struct {
	StreamID   string
	Version    int64
	EventType  string
	EventData  []byte
	Metadata   event.Metadata
	OccurredAt time.Time
	StoredAt   time.Time
}

// EventStream is the raw view of a stream: its current version, lifecycle
// timestamps, and the stored records from a requested version onward. Used by
// diagnostics and replay tooling rather than business logic.
type EventStream struct {
	StreamID  string
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
	Events    []StoredEvent
}

// Store is the append-only, per-stream event log with optimistic concurrency.
//
// For a given stream, versions are contiguous starting at 1 with no gaps and
// no duplicates; AppendEvents is the sole admission path and enforces this
// via a compare-and-append on expectedVersion. Streams are created implicitly
// by their first append (expectedVersion 0) and are immutable except for
// further appends.
type Store interface {
	// AppendEvents appends events to streamID only when the stream's current
	// version equals expectedVersion, atomically: all events commit or none
	// do. A mismatch fails with a *ConcurrencyError; the caller re-reads,
	// recomputes, and retries the whole business operation.
	AppendEvents(ctx context.Context, streamID string, events []event.DomainEvent, expectedVersion int64) error

	// GetEvents returns re-hydrated events with version greater than
	// fromVersion in ascending version order (0 = from the beginning).
	// Unknown streams yield an empty slice, not an error.
	GetEvents(ctx context.Context, streamID string, fromVersion int64) ([]event.DomainEvent, error)

	// GetStream returns the raw stored records plus stream-level metadata.
	// Unknown streams yield nil.
	GetStream(ctx context.Context, streamID string, fromVersion int64) (*EventStream, error)

	// GetStreamVersion returns the current version, 0 for unknown streams.
	GetStreamVersion(ctx context.Context, streamID string) (int64, error)

	// StreamExists reports whether the stream has at least one event.
	StreamExists(ctx context.Context, streamID string) (bool, error)

	// DeleteStream hard-deletes a stream and its events. Administrative
	// operation, not part of normal application flow.
	DeleteStream(ctx context.Context, streamID string) error
}
