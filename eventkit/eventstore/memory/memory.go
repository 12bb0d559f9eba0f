// Package memory provides an in-memory event store used by tests and by
// hosts that have no relational store, e.g. local tooling. It honors the full
// Store contract including optimistic concurrency.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/onuraltintas/lib-eventkit/eventkit/codec"
	"github.com/onuraltintas/lib-eventkit/eventkit/event"
	"github.com/onuraltintas/lib-eventkit/eventkit/eventstore"
	"github.com/onuraltintas/lib-eventkit/eventkit/internal/nilcheck"
)

type stream struct {
	version   int64
	createdAt time.Time
	updatedAt time.Time
	events    []eventstore.StoredEvent
}

// Store is an in-memory eventstore.Store. Safe for concurrent use.
type Store struct {
	mu         sync.RWMutex
	serializer codec.Serializer
	streams    map[string]*stream
}

var _ eventstore.Store = (*Store)(nil)

// NewStore creates an empty in-memory store over serializer.
func NewStore(serializer codec.Serializer) (*Store, error) {
	if nilcheck.Interface(serializer) {
		return nil, eventstore.ErrSerializerRequired
	}

	return &Store{
		serializer: serializer,
		streams:    map[string]*stream{},
	}, nil
}

// AppendEvents implements eventstore.Store.
func (store *Store) AppendEvents(
	ctx context.Context,
	streamID string,
	events []event.DomainEvent,
	expectedVersion int64,
) error {
	streamID, err := validateStreamID(streamID)
	if err != nil {
		return err
	}

	if len(events) == 0 {
		return eventstore.ErrNoEventsToAppend
	}

	if expectedVersion < 0 {
		return eventstore.ErrNegativeExpectedVersion
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	// Serialize before touching state so a codec failure persists nothing.
	now := time.Now().UTC()
	records := make([]eventstore.StoredEvent, 0, len(events))

	for i, evt := range events {
		record, encodeErr := encodeEvent(store.serializer, streamID, expectedVersion+int64(i)+1, evt, now)
		if encodeErr != nil {
			return encodeErr
		}

		records = append(records, record)
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	current := store.streams[streamID]

	actualVersion := int64(0)
	if current != nil {
		actualVersion = current.version
	}

	if actualVersion != expectedVersion {
		return eventstore.NewConcurrencyError(streamID, expectedVersion, actualVersion)
	}

	if current == nil {
		current = &stream{createdAt: now}
		store.streams[streamID] = current
	}

	current.events = append(current.events, records...)
	current.version = expectedVersion + int64(len(records))
	current.updatedAt = now

	return nil
}

// GetEvents implements eventstore.Store.
func (store *Store) GetEvents(
	ctx context.Context,
	streamID string,
	fromVersion int64,
) ([]event.DomainEvent, error) {
	records, err := store.storedEventsAfter(ctx, streamID, fromVersion)
	if err != nil {
		return nil, err
	}

	events := make([]event.DomainEvent, 0, len(records))

	for _, record := range records {
		evt, decodeErr := store.serializer.Deserialize(record.EventType, record.EventData)
		if decodeErr != nil {
			return nil, decodeErr
		}

		events = append(events, evt)
	}

	return events, nil
}

// GetStream implements eventstore.Store.
func (store *Store) GetStream(
	ctx context.Context,
	streamID string,
	fromVersion int64,
) (*eventstore.EventStream, error) {
	streamID, err := validateStreamID(streamID)
	if err != nil {
		return nil, err
	}

	if fromVersion < 0 {
		return nil, eventstore.ErrNegativeFromVersion
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	store.mu.RLock()
	defer store.mu.RUnlock()

	current := store.streams[streamID]
	if current == nil {
		return nil, nil
	}

	result := &eventstore.EventStream{
		StreamID:  streamID,
		Version:   current.version,
		CreatedAt: current.createdAt,
		UpdatedAt: current.updatedAt,
	}

	for _, record := range current.events {
		if record.Version > fromVersion {
			result.Events = append(result.Events, record)
		}
	}

	return result, nil
}

// GetStreamVersion implements eventstore.Store.
func (store *Store) GetStreamVersion(ctx context.Context, streamID string) (int64, error) {
	streamID, err := validateStreamID(streamID)
	if err != nil {
		return 0, err
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	store.mu.RLock()
	defer store.mu.RUnlock()

	current := store.streams[streamID]
	if current == nil {
		return 0, nil
	}

	return current.version, nil
}

// StreamExists implements eventstore.Store.
func (store *Store) StreamExists(ctx context.Context, streamID string) (bool, error) {
	version, err := store.GetStreamVersion(ctx, streamID)
	if err != nil {
		return false, err
	}

	return version > 0, nil
}

// DeleteStream implements eventstore.Store.
func (store *Store) DeleteStream(ctx context.Context, streamID string) error {
	streamID, err := validateStreamID(streamID)
	if err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	if _, exists := store.streams[streamID]; !exists {
		return eventstore.ErrStreamNotFound
	}

	delete(store.streams, streamID)

	return nil
}

func (store *Store) storedEventsAfter(
	ctx context.Context,
	streamID string,
	fromVersion int64,
) ([]eventstore.StoredEvent, error) {
	streamID, err := validateStreamID(streamID)
	if err != nil {
		return nil, err
	}

	if fromVersion < 0 {
		return nil, eventstore.ErrNegativeFromVersion
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	store.mu.RLock()
	defer store.mu.RUnlock()

	current := store.streams[streamID]
	if current == nil {
		return nil, nil
	}

	records := make([]eventstore.StoredEvent, 0, len(current.events))

	for _, record := range current.events {
		if record.Version > fromVersion {
			records = append(records, record)
		}
	}

	return records, nil
}

func encodeEvent(
	serializer codec.Serializer,
	streamID string,
	version int64,
	evt event.DomainEvent,
	now time.Time,
) (eventstore.StoredEvent, error) {
	payload, eventType, err := serializer.Serialize(evt)
	if err != nil {
		return eventstore.StoredEvent{}, err
	}

	var metadata event.Metadata
	if correlationID := evt.CorrelationID(); correlationID != "" {
		metadata = event.Metadata{"correlation_id": correlationID}
	}

	return eventstore.StoredEvent{
		StreamID:   streamID,
		Version:    version,
		EventType:  eventType,
		EventData:  payload,
		Metadata:   metadata,
		OccurredAt: evt.OccurredAt(),
		StoredAt:   now,
	}, nil
}

func validateStreamID(streamID string) (string, error) {
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return "", eventstore.ErrStreamIDRequired
	}

	return streamID, nil
}
