//go:build unit

package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onuraltintas/lib-eventkit/eventkit/codec"
	"github.com/onuraltintas/lib-eventkit/eventkit/event"
	"github.com/onuraltintas/lib-eventkit/eventkit/eventstore"
)

type orderCreated struct {
	event.DomainBase

	OrderID string `json:"order_id"`
}

type brokenEvent struct {
	event.DomainBase

	Bad chan int `json:"bad"`
}

func newStore(t *testing.T) *Store {
	t.Helper()

	registry := codec.NewRegistry()
	registry.MustRegister("order.created", func() event.DomainEvent { return &orderCreated{} })
	registry.MustRegister("broken.event", func() event.DomainEvent { return &brokenEvent{} })

	serializer, err := codec.NewJSONSerializer(registry)
	require.NoError(t, err)

	store, err := NewStore(serializer)
	require.NoError(t, err)

	return store
}

func newOrderCreated(t *testing.T, orderID string) *orderCreated {
	t.Helper()

	base, err := event.NewDomainBase(context.Background(), "order.created")
	require.NoError(t, err)

	return &orderCreated{DomainBase: base, OrderID: orderID}
}

func TestNewStore_RequiresSerializer(t *testing.T) {
	t.Parallel()

	_, err := NewStore(nil)
	require.ErrorIs(t, err, eventstore.ErrSerializerRequired)
}

func TestAppendEvents_NewStream(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()

	events := []event.DomainEvent{
		newOrderCreated(t, "a"),
		newOrderCreated(t, "b"),
		newOrderCreated(t, "c"),
	}

	require.NoError(t, store.AppendEvents(ctx, "order-42", events, 0))

	version, err := store.GetStreamVersion(ctx, "order-42")
	require.NoError(t, err)
	assert.EqualValues(t, 3, version)

	loaded, err := store.GetEvents(ctx, "order-42", 0)
	require.NoError(t, err)
	require.Len(t, loaded, 3)

	for i, evt := range loaded {
		typed, ok := evt.(*orderCreated)
		require.True(t, ok)
		assert.Equal(t, events[i].EventID(), typed.EventID())
	}

	assert.Equal(t, "a", loaded[0].(*orderCreated).OrderID)
	assert.Equal(t, "b", loaded[1].(*orderCreated).OrderID)
	assert.Equal(t, "c", loaded[2].(*orderCreated).OrderID)
}

func TestAppendEvents_Validation(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()
	evt := newOrderCreated(t, "a")

	require.ErrorIs(t, store.AppendEvents(ctx, " ", []event.DomainEvent{evt}, 0), eventstore.ErrStreamIDRequired)
	require.ErrorIs(t, store.AppendEvents(ctx, "s", nil, 0), eventstore.ErrNoEventsToAppend)
	require.ErrorIs(t, store.AppendEvents(ctx, "s", []event.DomainEvent{evt}, -1), eventstore.ErrNegativeExpectedVersion)
}

func TestAppendEvents_VersionMismatch(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendEvents(ctx, "order-42", []event.DomainEvent{newOrderCreated(t, "a")}, 0))

	err := store.AppendEvents(ctx, "order-42", []event.DomainEvent{newOrderCreated(t, "b")}, 0)
	require.ErrorIs(t, err, eventstore.ErrConcurrency)

	var conflict *eventstore.ConcurrencyError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "order-42", conflict.StreamID)
	assert.EqualValues(t, 0, conflict.ExpectedVersion)
	assert.EqualValues(t, 1, conflict.ActualVersion)
}

func TestAppendEvents_ConcurrentAppenders_ExactlyOneWins(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendEvents(ctx, "order-42", []event.DomainEvent{
		newOrderCreated(t, "1"), newOrderCreated(t, "2"), newOrderCreated(t, "3"),
	}, 0))

	const racers = 8

	var wg sync.WaitGroup
	errs := make([]error, racers)

	for i := 0; i < racers; i++ {
		i := i
		wg.Add(1)

		go func() {
			defer wg.Done()
			errs[i] = store.AppendEvents(ctx, "order-42", []event.DomainEvent{newOrderCreated(t, "x")}, 3)
		}()
	}

	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++

			continue
		}

		require.ErrorIs(t, err, eventstore.ErrConcurrency)
	}

	assert.Equal(t, 1, winners)

	version, err := store.GetStreamVersion(ctx, "order-42")
	require.NoError(t, err)
	assert.EqualValues(t, 4, version)
}

func TestAppendEvents_SerializationFailurePersistsNothing(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()

	base, err := event.NewDomainBase(ctx, "broken.event")
	require.NoError(t, err)

	events := []event.DomainEvent{
		newOrderCreated(t, "ok"),
		&brokenEvent{DomainBase: base, Bad: make(chan int)},
	}

	require.ErrorIs(t, store.AppendEvents(ctx, "order-42", events, 0), codec.ErrSerializeFailed)

	version, err := store.GetStreamVersion(ctx, "order-42")
	require.NoError(t, err)
	assert.EqualValues(t, 0, version)

	exists, err := store.StreamExists(ctx, "order-42")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestGetEvents_FromVersion(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()

	first := []event.DomainEvent{newOrderCreated(t, "a"), newOrderCreated(t, "b")}
	require.NoError(t, store.AppendEvents(ctx, "order-42", first, 0))

	second := []event.DomainEvent{newOrderCreated(t, "c"), newOrderCreated(t, "d")}
	require.NoError(t, store.AppendEvents(ctx, "order-42", second, 2))

	loaded, err := store.GetEvents(ctx, "order-42", 2)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "c", loaded[0].(*orderCreated).OrderID)
	assert.Equal(t, "d", loaded[1].(*orderCreated).OrderID)
}

func TestGetEvents_UnknownStream(t *testing.T) {
	t.Parallel()

	store := newStore(t)

	loaded, err := store.GetEvents(context.Background(), "nope", 0)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestGetStream(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()

	missing, err := store.GetStream(ctx, "nope", 0)
	require.NoError(t, err)
	assert.Nil(t, missing)

	evt := newOrderCreated(t, "a")
	require.NoError(t, store.AppendEvents(ctx, "order-42", []event.DomainEvent{evt}, 0))

	result, err := store.GetStream(ctx, "order-42", 0)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "order-42", result.StreamID)
	assert.EqualValues(t, 1, result.Version)
	assert.False(t, result.CreatedAt.IsZero())
	require.Len(t, result.Events, 1)
	assert.Equal(t, "order.created", result.Events[0].EventType)
	assert.EqualValues(t, 1, result.Events[0].Version)
	assert.NotEmpty(t, result.Events[0].EventData)
}

func TestDeleteStream(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()

	require.ErrorIs(t, store.DeleteStream(ctx, "nope"), eventstore.ErrStreamNotFound)

	require.NoError(t, store.AppendEvents(ctx, "order-42", []event.DomainEvent{newOrderCreated(t, "a")}, 0))
	require.NoError(t, store.DeleteStream(ctx, "order-42"))

	exists, err := store.StreamExists(ctx, "order-42")
	require.NoError(t, err)
	assert.False(t, exists)

	// A deleted stream can be recreated from version 0.
	require.NoError(t, store.AppendEvents(ctx, "order-42", []event.DomainEvent{newOrderCreated(t, "b")}, 0))
}

func TestAppendEvents_CancelledContext(t *testing.T) {
	t.Parallel()

	store := newStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.AppendEvents(ctx, "order-42", []event.DomainEvent{newOrderCreated(t, "a")}, 0)
	require.ErrorIs(t, err, context.Canceled)
}
