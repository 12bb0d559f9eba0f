package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/onuraltintas/lib-eventkit/eventkit"
	"github.com/onuraltintas/lib-eventkit/eventkit/bus"
	"github.com/onuraltintas/lib-eventkit/eventkit/codec"
	"github.com/onuraltintas/lib-eventkit/eventkit/event"
	"github.com/onuraltintas/lib-eventkit/eventkit/internal/nilcheck"
	"github.com/onuraltintas/lib-eventkit/eventkit/log"
)

var (
	ErrChannelRequired        = errors.New("rabbitmq channel is required")
	ErrConfirmModeUnavailable = errors.New("channel does not support confirm mode")
	ErrConfirmTimeout         = errors.New("confirmation timed out")
)

const (
	// DefaultExchange is the topic exchange events are published to.
	DefaultExchange = "eventkit.events"

	// DefaultConfirmTimeout is the default timeout for waiting on broker
	// confirmation.
	DefaultConfirmTimeout = 5 * time.Second

	// confirmChannelBuffer is the buffer size for the confirmation channel.
	// Should be >= max unconfirmed messages to avoid blocking.
	confirmChannelBuffer = 256

	contentTypeJSON = "application/json"
)

// Channel is the subset of *amqp.Channel the bus uses. Narrowed for testing.
type Channel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(
		ctx context.Context,
		exchange, key string,
		mandatory, immediate bool,
		msg amqp.Publishing,
	) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

type Option func(*Bus)

func WithLogger(logger log.Logger) Option {
	return func(b *Bus) {
		if nilcheck.Interface(logger) {
			return
		}

		b.logger = logger
	}
}

func WithExchange(exchange string) Option {
	return func(b *Bus) {
		if strings.TrimSpace(exchange) != "" {
			b.exchange = strings.TrimSpace(exchange)
		}
	}
}

func WithConfirmTimeout(timeout time.Duration) Option {
	return func(b *Bus) {
		if timeout > 0 {
			b.confirmTimeout = timeout
		}
	}
}

// Bus publishes events through a RabbitMQ topic exchange with publisher
// confirms enabled, so Publish returns nil only after the broker acked the
// message. Delayed publishes route through a TTL wait queue that dead-letters
// into the main exchange with the original routing key.
type Bus struct {
	channel        Channel
	serializer     codec.Serializer
	logger         log.Logger
	exchange       string
	confirmTimeout time.Duration
	confirms       chan amqp.Confirmation

	publishMu sync.Mutex

	mu            sync.Mutex
	subscriptions map[string]bus.Handler
	closed        bool
}

var _ bus.Bus = (*Bus)(nil)

// NewBus creates a RabbitMQ bus over an open channel and declares its
// exchange topology.
func NewBus(channel Channel, serializer codec.Serializer, opts ...Option) (*Bus, error) {
	if nilcheck.Interface(channel) {
		return nil, ErrChannelRequired
	}

	if nilcheck.Interface(serializer) {
		return nil, codec.ErrSerializerRequired
	}

	b := &Bus{
		channel:        channel,
		serializer:     serializer,
		logger:         log.NewNop(),
		exchange:       DefaultExchange,
		confirmTimeout: DefaultConfirmTimeout,
		subscriptions:  map[string]bus.Handler{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}

	if nilcheck.Interface(b.logger) {
		b.logger = log.NewNop()
	}

	if err := channel.Confirm(false); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	b.confirms = channel.NotifyPublish(make(chan amqp.Confirmation, confirmChannelBuffer))

	if err := b.declareTopology(); err != nil {
		return nil, err
	}

	return b, nil
}

func (b *Bus) declareTopology() error {
	if err := b.channel.ExchangeDeclare(b.exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring exchange %q: %w", b.exchange, err)
	}

	// Fanout so the wait queue receives every delayed message while the
	// message keeps its final routing key for the dead-letter hop.
	if err := b.channel.ExchangeDeclare(b.delayExchange(), "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring delay exchange %q: %w", b.delayExchange(), err)
	}

	waitQueue := b.waitQueue()

	if _, err := b.channel.QueueDeclare(waitQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": b.exchange,
	}); err != nil {
		return fmt.Errorf("declaring wait queue %q: %w", waitQueue, err)
	}

	if err := b.channel.QueueBind(waitQueue, "", b.delayExchange(), false, nil); err != nil {
		return fmt.Errorf("binding wait queue %q: %w", waitQueue, err)
	}

	return nil
}

func (b *Bus) delayExchange() string { return b.exchange + ".delay" }

func (b *Bus) waitQueue() string { return b.exchange + ".wait" }

// Publish implements bus.Bus.
func (b *Bus) Publish(ctx context.Context, evt event.DomainEvent) error {
	if nilcheck.Interface(evt) {
		return bus.ErrEventRequired
	}

	return b.publish(ctx, evt, b.exchange, evt.EventType(), 0)
}

// PublishWithKey implements bus.Bus.
func (b *Bus) PublishWithKey(ctx context.Context, evt event.DomainEvent, routingKey string) error {
	if nilcheck.Interface(evt) {
		return bus.ErrEventRequired
	}

	routingKey = strings.TrimSpace(routingKey)
	if routingKey == "" {
		return bus.ErrRoutingKeyRequired
	}

	return b.publish(ctx, evt, b.exchange, routingKey, 0)
}

// PublishDelayed implements bus.Bus.
func (b *Bus) PublishDelayed(ctx context.Context, evt event.DomainEvent, delay time.Duration) error {
	if nilcheck.Interface(evt) {
		return bus.ErrEventRequired
	}

	if delay < 0 {
		return bus.ErrNegativeDelay
	}

	if delay == 0 {
		return b.publish(ctx, evt, b.exchange, evt.EventType(), 0)
	}

	return b.publish(ctx, evt, b.delayExchange(), evt.EventType(), delay)
}

func (b *Bus) publish(
	ctx context.Context,
	evt event.DomainEvent,
	exchange, routingKey string,
	delay time.Duration,
) error {
	if ctx == nil {
		ctx = context.Background()
	}

	payload, eventType, err := b.serializer.Serialize(evt)
	if err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:   contentTypeJSON,
		DeliveryMode:  amqp.Persistent,
		MessageId:     evt.EventID().String(),
		Type:          eventType,
		Timestamp:     evt.OccurredAt(),
		CorrelationId: evt.CorrelationID(),
		Body:          payload,
	}

	if delay > 0 {
		msg.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	}

	// Serialized per bus instance to preserve confirm ordering without
	// delivery-tag correlation state.
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()

	if closed {
		return bus.ErrBusClosed
	}

	if err := b.channel.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	err = b.waitForConfirm(ctx)
	if err != nil && isConfirmStreamCorrupted(err) {
		// The confirmation is still pending and would pair with the next
		// publish. Close the channel so later publishes fail fast instead of
		// reading the stale entry.
		b.invalidate()
	}

	return err
}

// isConfirmStreamCorrupted reports whether the error left a pending
// confirmation queued that would desynchronize the next waitForConfirm call.
func isConfirmStreamCorrupted(err error) bool {
	return errors.Is(err, ErrConfirmTimeout) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// invalidate marks the bus closed and closes the underlying channel.
// Must be called while holding publishMu.
func (b *Bus) invalidate() {
	b.mu.Lock()
	alreadyClosed := b.closed
	b.closed = true
	b.mu.Unlock()

	if alreadyClosed {
		return
	}

	b.logger.Log(context.Background(), log.LevelWarn, "confirm stream desynchronized, closing channel")

	_ = b.channel.Close()
}

func (b *Bus) waitForConfirm(ctx context.Context) error {
	timer := time.NewTimer(b.confirmTimeout)
	defer timer.Stop()

	select {
	case confirmation, ok := <-b.confirms:
		if !ok {
			return bus.ErrBusClosed
		}

		if !confirmation.Ack {
			return bus.ErrPublishNotConfirmed
		}

		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrConfirmTimeout
	}
}

// Subscribe implements bus.Bus. It declares a durable queue per event type,
// binds it to the exchange, and consumes deliveries on a background
// goroutine. Handler errors reject the delivery without requeue.
func (b *Bus) Subscribe(eventType string, handler bus.Handler) error {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return bus.ErrEventTypeRequired
	}

	if handler == nil {
		return bus.ErrHandlerRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return bus.ErrBusClosed
	}

	if _, exists := b.subscriptions[eventType]; exists {
		return fmt.Errorf("%w: %s", bus.ErrSubscriptionAlreadyExists, eventType)
	}

	queueName := b.exchange + "." + eventType

	if _, err := b.channel.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring queue %q: %w", queueName, err)
	}

	if err := b.channel.QueueBind(queueName, eventType, b.exchange, false, nil); err != nil {
		return fmt.Errorf("binding queue %q: %w", queueName, err)
	}

	deliveries, err := b.channel.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consuming queue %q: %w", queueName, err)
	}

	b.subscriptions[eventType] = handler

	go b.consume(eventType, handler, deliveries)

	return nil
}

func (b *Bus) consume(eventType string, handler bus.Handler, deliveries <-chan amqp.Delivery) {
	defer func() {
		if recovered := recover(); recovered != nil {
			b.logger.Log(context.Background(), log.LevelError, "consumer panicked",
				log.String("event_type", eventType), log.Any("panic", recovered))
		}
	}()

	for delivery := range deliveries {
		b.handleDelivery(eventType, handler, delivery)
	}
}

func (b *Bus) handleDelivery(eventType string, handler bus.Handler, delivery amqp.Delivery) {
	ctx := context.Background()
	if delivery.CorrelationId != "" {
		ctx = eventkit.ContextWithCorrelationID(ctx, delivery.CorrelationId)
	}

	wireType := delivery.Type
	if wireType == "" {
		wireType = eventType
	}

	evt, err := b.serializer.Deserialize(wireType, delivery.Body)
	if err != nil {
		b.logger.Log(ctx, log.LevelError, "failed to deserialize delivery",
			log.String("event_type", wireType), log.Err(err))

		_ = delivery.Nack(false, false)

		return
	}

	if err := handler(ctx, evt); err != nil {
		b.logger.Log(ctx, log.LevelError, "handler rejected delivery",
			log.String("event_type", wireType), log.Err(err))

		_ = delivery.Nack(false, false)

		return
	}

	_ = delivery.Ack(false)
}

// Close stops the bus and closes the underlying channel. Consumers drain and
// exit when the broker closes their delivery streams.
func (b *Bus) Close() error {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()

		return nil
	}

	b.closed = true
	b.mu.Unlock()

	if err := b.channel.Close(); err != nil {
		return fmt.Errorf("closing channel: %w", err)
	}

	return nil
}
