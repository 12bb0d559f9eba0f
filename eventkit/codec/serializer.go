package codec

import (
	"encoding/json"
	"fmt"

	"github.com/onuraltintas/lib-eventkit/eventkit/event"
	"github.com/onuraltintas/lib-eventkit/eventkit/internal/nilcheck"
)

// Serializer converts events to and from a textual payload plus a type
// discriminator. Both the event store and the outbox persist through it.
type Serializer interface {
	Serialize(evt event.DomainEvent) (payload []byte, eventType string, err error)
	Deserialize(eventType string, payload []byte) (event.DomainEvent, error)
}

// JSONSerializer is the JSON implementation of Serializer backed by a type
// registry.
type JSONSerializer struct {
	registry *Registry
}

var _ Serializer = (*JSONSerializer)(nil)

// NewJSONSerializer creates a serializer over registry.
func NewJSONSerializer(registry *Registry) (*JSONSerializer, error) {
	if registry == nil {
		return nil, ErrRegistryRequired
	}

	return &JSONSerializer{registry: registry}, nil
}

// Serialize encodes evt as JSON and returns its type discriminator.
func (serializer *JSONSerializer) Serialize(evt event.DomainEvent) ([]byte, string, error) {
	if nilcheck.Interface(evt) {
		return nil, "", event.ErrEventRequired
	}

	eventType := evt.EventType()
	if eventType == "" {
		return nil, "", ErrEventTypeRequired
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s: %w", ErrSerializeFailed, eventType, err)
	}

	return payload, eventType, nil
}

// Deserialize re-hydrates a typed event from its discriminator and payload.
// Unknown discriminators fail with ErrTypeNotRegistered.
func (serializer *JSONSerializer) Deserialize(eventType string, payload []byte) (event.DomainEvent, error) {
	factory, ok := serializer.registry.Resolve(eventType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTypeNotRegistered, eventType)
	}

	if len(payload) == 0 {
		return nil, ErrPayloadRequired
	}

	instance := factory()
	if err := json.Unmarshal(payload, instance); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDeserializeFailed, eventType, err)
	}

	return instance, nil
}

// Deserialize decodes payload into a concrete event type without going
// through a registry. Useful for consumers that statically know the type.
func Deserialize[T any](payload []byte) (T, error) {
	var target T

	if len(payload) == 0 {
		return target, ErrPayloadRequired
	}

	if err := json.Unmarshal(payload, &target); err != nil {
		return target, fmt.Errorf("%w: %w", ErrDeserializeFailed, err)
	}

	return target, nil
}
