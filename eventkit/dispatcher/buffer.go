package dispatcher

import (
	"context"
	"sync"

	"github.com/onuraltintas/lib-eventkit/eventkit/event"
	"github.com/onuraltintas/lib-eventkit/eventkit/internal/nilcheck"
)

// Buffer collects domain events during a unit of work so they can be
// dispatched only after the surrounding transaction commits. Create one
// Buffer per unit of work when the publish-after-commit toggle is enabled; a
// rolled-back unit of work simply calls Drop.
type Buffer struct {
	mu         sync.Mutex
	dispatcher *Dispatcher
	events     []event.DomainEvent
}

// NewBuffer creates a buffer that flushes into dispatcher.
func NewBuffer(dispatcher *Dispatcher) (*Buffer, error) {
	if dispatcher == nil {
		return nil, ErrDispatcherRequired
	}

	return &Buffer{dispatcher: dispatcher}, nil
}

// Add queues events for a later Flush. Nil events are ignored.
func (buffer *Buffer) Add(events ...event.DomainEvent) {
	if buffer == nil {
		return
	}

	buffer.mu.Lock()
	defer buffer.mu.Unlock()

	for _, evt := range events {
		if nilcheck.Interface(evt) {
			continue
		}

		buffer.events = append(buffer.events, evt)
	}
}

// Flush dispatches the queued events in insertion order and clears the
// buffer. On a handler error the failing event and those after it stay
// queued so the caller can decide whether to retry or Drop.
func (buffer *Buffer) Flush(ctx context.Context) error {
	if buffer == nil {
		return nil
	}

	buffer.mu.Lock()
	defer buffer.mu.Unlock()

	for len(buffer.events) > 0 {
		evt := buffer.events[0]

		if err := buffer.dispatcher.Dispatch(ctx, evt); err != nil {
			return err
		}

		buffer.events = buffer.events[1:]
	}

	buffer.events = nil

	return nil
}

// Drop discards queued events without dispatching them.
func (buffer *Buffer) Drop() {
	if buffer == nil {
		return
	}

	buffer.mu.Lock()
	defer buffer.mu.Unlock()

	buffer.events = nil
}

// Len returns the number of queued events.
func (buffer *Buffer) Len() int {
	if buffer == nil {
		return 0
	}

	buffer.mu.Lock()
	defer buffer.mu.Unlock()

	return len(buffer.events)
}
