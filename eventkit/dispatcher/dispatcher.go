package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/onuraltintas/lib-eventkit/eventkit/event"
	"github.com/onuraltintas/lib-eventkit/eventkit/internal/nilcheck"
	libLog "github.com/onuraltintas/lib-eventkit/eventkit/log"
)

var (
	ErrDispatcherRequired = errors.New("dispatcher is required")
	ErrEventTypeRequired  = errors.New("event type is required")
	ErrHandlerRequired    = errors.New("event handler is required")
)

// Handler reacts to one domain event. Handlers run synchronously on the
// caller's goroutine inside the surrounding unit of work; a returned error
// aborts that unit of work. Anything that must survive a remote failure
// belongs in an integration event through the outbox instead.
type Handler func(ctx context.Context, evt event.DomainEvent) error

// Dispatcher fans domain events out to in-process handlers registered per
// event type. Handlers for one type run in registration order; there is no
// ordering guarantee across types, no retry, and no persistence.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   libLog.Logger
}

// New creates an empty dispatcher.
func New(logger libLog.Logger) *Dispatcher {
	if nilcheck.Interface(logger) {
		logger = libLog.NewNop()
	}

	return &Dispatcher{
		handlers: map[string][]Handler{},
		logger:   logger,
	}
}

// Register appends handler to the invocation list for eventType. Multiple
// handlers per type are allowed and keep registration order.
func (dispatcher *Dispatcher) Register(eventType string, handler Handler) error {
	if dispatcher == nil {
		return ErrDispatcherRequired
	}

	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return ErrEventTypeRequired
	}

	if handler == nil {
		return ErrHandlerRequired
	}

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()

	if dispatcher.handlers == nil {
		dispatcher.handlers = make(map[string][]Handler)
	}

	dispatcher.handlers[eventType] = append(dispatcher.handlers[eventType], handler)

	return nil
}

// Dispatch invokes every handler registered for the event's type. The first
// handler error stops the fan-out and propagates to the caller. Events with
// no registered handler are a no-op, not an error.
func (dispatcher *Dispatcher) Dispatch(ctx context.Context, evt event.DomainEvent) error {
	if dispatcher == nil {
		return ErrDispatcherRequired
	}

	if nilcheck.Interface(evt) {
		return event.ErrEventRequired
	}

	eventType := strings.TrimSpace(evt.EventType())
	if eventType == "" {
		return ErrEventTypeRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	dispatcher.mu.RLock()
	handlers := append([]Handler(nil), dispatcher.handlers[eventType]...)
	dispatcher.mu.RUnlock()

	if len(handlers) == 0 {
		dispatcher.logger.Log(ctx, libLog.LevelDebug, "no handlers registered for domain event",
			libLog.String("event_type", eventType))

		return nil
	}

	for i, handler := range handlers {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("dispatch interrupted: %w", err)
		}

		if err := handler(ctx, evt); err != nil {
			return fmt.Errorf("handler %d for %s: %w", i, eventType, err)
		}
	}

	return nil
}

// DispatchAll dispatches events in order, stopping at the first failure.
func (dispatcher *Dispatcher) DispatchAll(ctx context.Context, events []event.DomainEvent) error {
	for _, evt := range events {
		if err := dispatcher.Dispatch(ctx, evt); err != nil {
			return err
		}
	}

	return nil
}

// HandlerCount returns how many handlers are registered for eventType.
func (dispatcher *Dispatcher) HandlerCount(eventType string) int {
	if dispatcher == nil {
		return 0
	}

	dispatcher.mu.RLock()
	defer dispatcher.mu.RUnlock()

	return len(dispatcher.handlers[strings.TrimSpace(eventType)])
}
