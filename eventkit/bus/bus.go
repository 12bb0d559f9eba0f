package bus

import (
	"context"
	"errors"
	"time"

	"github.com/onuraltintas/lib-eventkit/eventkit/event"
)

var (
	ErrBusRequired               = errors.New("event bus is required")
	ErrEventRequired             = errors.New("event is required")
	ErrHandlerRequired           = errors.New("handler is required")
	ErrEventTypeRequired         = errors.New("event type is required")
	ErrRoutingKeyRequired        = errors.New("routing key is required")
	ErrNegativeDelay             = errors.New("delay must not be negative")
	ErrDelayedPublishUnsupported = errors.New("delayed publish is not supported by this bus")
	ErrPublishNotConfirmed       = errors.New("publish was not confirmed by the broker")
	ErrSubscriptionAlreadyExists = errors.New("subscription already exists for event type")
	ErrBusClosed                 = errors.New("event bus is closed")
)

// Handler consumes one event delivered by a subscription. Returning an error
// rejects the delivery; redelivery policy is adapter-specific.
type Handler func(ctx context.Context, evt event.DomainEvent) error

// Bus is the transmission boundary the outbox publishes through. Publish
// returns nil only after the broker has durably accepted the message; any
// ambiguous outcome surfaces as an error so the outbox retries.
type Bus interface {
	// Publish sends evt routed by its event type.
	Publish(ctx context.Context, evt event.DomainEvent) error

	// PublishWithKey sends evt with an explicit routing key.
	PublishWithKey(ctx context.Context, evt event.DomainEvent, routingKey string) error

	// PublishDelayed sends evt so that consumers see it no earlier than
	// delay from now. Adapters without broker-side delay support return
	// ErrDelayedPublishUnsupported.
	PublishDelayed(ctx context.Context, evt event.DomainEvent, delay time.Duration) error

	// Subscribe registers handler for the given event type discriminator.
	Subscribe(eventType string, handler Handler) error
}
