//go:build unit

package codec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onuraltintas/lib-eventkit/eventkit/event"
)

type orderPlaced struct {
	event.DomainBase

	OrderID string `json:"order_id"`
	Total   int64  `json:"total"`
}

func newOrderPlaced(t *testing.T, orderID string) *orderPlaced {
	t.Helper()

	base, err := event.NewDomainBase(context.Background(), "order.placed")
	require.NoError(t, err)

	return &orderPlaced{DomainBase: base, OrderID: orderID, Total: 4200}
}

func TestRegistry_Register(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()

	require.NoError(t, registry.Register("order.placed", func() event.DomainEvent { return &orderPlaced{} }))

	err := registry.Register("order.placed", func() event.DomainEvent { return &orderPlaced{} })
	require.ErrorIs(t, err, ErrTypeAlreadyRegistered)

	require.ErrorIs(t, registry.Register("  ", func() event.DomainEvent { return &orderPlaced{} }), ErrEventTypeRequired)
	require.ErrorIs(t, registry.Register("x", nil), ErrFactoryRequired)

	err = registry.Register("value", func() event.DomainEvent { return orderPlaced{} })
	require.ErrorIs(t, err, ErrFactoryMustReturnPointer)

	assert.ElementsMatch(t, []string{"order.placed"}, registry.Types())
}

func TestRegistry_Resolve(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	registry.MustRegister("order.placed", func() event.DomainEvent { return &orderPlaced{} })

	factory, ok := registry.Resolve(" order.placed ")
	require.True(t, ok)
	require.NotNil(t, factory())

	_, ok = registry.Resolve("order.cancelled")
	assert.False(t, ok)

	var nilRegistry *Registry
	_, ok = nilRegistry.Resolve("order.placed")
	assert.False(t, ok)
}

func TestJSONSerializer_RoundTrip(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	registry.MustRegister("order.placed", func() event.DomainEvent { return &orderPlaced{} })

	serializer, err := NewJSONSerializer(registry)
	require.NoError(t, err)

	original := newOrderPlaced(t, "ord-42")

	payload, eventType, err := serializer.Serialize(original)
	require.NoError(t, err)
	assert.Equal(t, "order.placed", eventType)
	require.NotEmpty(t, payload)

	decoded, err := serializer.Deserialize(eventType, payload)
	require.NoError(t, err)

	typed, ok := decoded.(*orderPlaced)
	require.True(t, ok)
	assert.Equal(t, original.EventID(), typed.EventID())
	assert.Equal(t, "ord-42", typed.OrderID)
	assert.EqualValues(t, 4200, typed.Total)
}

func TestJSONSerializer_Errors(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	serializer, err := NewJSONSerializer(registry)
	require.NoError(t, err)

	_, _, err = serializer.Serialize(nil)
	require.ErrorIs(t, err, event.ErrEventRequired)

	_, err = serializer.Deserialize("unknown.type", []byte(`{}`))
	require.ErrorIs(t, err, ErrTypeNotRegistered)

	registry.MustRegister("order.placed", func() event.DomainEvent { return &orderPlaced{} })

	_, err = serializer.Deserialize("order.placed", nil)
	require.ErrorIs(t, err, ErrPayloadRequired)

	_, err = serializer.Deserialize("order.placed", []byte("not-json"))
	require.ErrorIs(t, err, ErrDeserializeFailed)

	_, err = NewJSONSerializer(nil)
	require.ErrorIs(t, err, ErrRegistryRequired)
}

func TestDeserialize_Generic(t *testing.T) {
	t.Parallel()

	decoded, err := Deserialize[orderPlaced]([]byte(`{"order_id":"ord-1","total":10}`))
	require.NoError(t, err)
	assert.Equal(t, "ord-1", decoded.OrderID)

	_, err = Deserialize[orderPlaced](nil)
	require.ErrorIs(t, err, ErrPayloadRequired)

	_, err = Deserialize[orderPlaced]([]byte("{"))
	require.ErrorIs(t, err, ErrDeserializeFailed)
}
