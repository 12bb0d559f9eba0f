package codec

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/onuraltintas/lib-eventkit/eventkit/event"
)

// Factory creates a fresh, zero-valued event instance ready for decoding.
// The returned value must be a pointer so the deserializer can populate it.
type Factory func() event.DomainEvent

// Registry maps event type discriminators to typed factories. It is built
// once at process start and passed by reference to the serializer and any
// stores that re-hydrate events; there is no ambient global registry.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty type registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register binds eventType to factory. Registering the same type twice is an
// error: silently replacing a factory would make startup order significant.
func (registry *Registry) Register(eventType string, factory Factory) error {
	if registry == nil {
		return ErrRegistryRequired
	}

	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return ErrEventTypeRequired
	}

	if factory == nil {
		return ErrFactoryRequired
	}

	instance := factory()
	if instance == nil || reflect.ValueOf(instance).Kind() != reflect.Pointer {
		return fmt.Errorf("%w: %s", ErrFactoryMustReturnPointer, eventType)
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if registry.factories == nil {
		registry.factories = make(map[string]Factory)
	}

	if _, exists := registry.factories[eventType]; exists {
		return fmt.Errorf("%w: %s", ErrTypeAlreadyRegistered, eventType)
	}

	registry.factories[eventType] = factory

	return nil
}

// MustRegister is Register for static wiring at startup; it panics on error.
func (registry *Registry) MustRegister(eventType string, factory Factory) {
	if err := registry.Register(eventType, factory); err != nil {
		panic(err)
	}
}

// Resolve returns the factory bound to eventType.
func (registry *Registry) Resolve(eventType string) (Factory, bool) {
	if registry == nil {
		return nil, false
	}

	registry.mu.RLock()
	defer registry.mu.RUnlock()

	factory, ok := registry.factories[strings.TrimSpace(eventType)]

	return factory, ok
}

// Types returns the registered discriminators in unspecified order.
func (registry *Registry) Types() []string {
	if registry == nil {
		return nil
	}

	registry.mu.RLock()
	defer registry.mu.RUnlock()

	types := make([]string, 0, len(registry.factories))
	for eventType := range registry.factories {
		types = append(types, eventType)
	}

	return types
}
