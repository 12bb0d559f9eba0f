package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/onuraltintas/lib-eventkit/eventkit"
	"github.com/onuraltintas/lib-eventkit/eventkit/backoff"
	"github.com/onuraltintas/lib-eventkit/eventkit/bus"
	"github.com/onuraltintas/lib-eventkit/eventkit/codec"
	"github.com/onuraltintas/lib-eventkit/eventkit/event"
	"github.com/onuraltintas/lib-eventkit/eventkit/internal/nilcheck"
	"github.com/onuraltintas/lib-eventkit/eventkit/log"
)

var (
	ErrWriterRequired  = errors.New("kafka writer is required")
	ErrBrokersRequired = errors.New("kafka brokers are required for subscriptions")
)

const (
	// DefaultTopic is the topic events are published to.
	DefaultTopic = "eventkit.events"

	headerEventID       = "event_id"
	headerEventType     = "event_type"
	headerCorrelationID = "correlation_id"

	readErrorBackoffBase = 100 * time.Millisecond
	readErrorBackoffMax  = 10 * time.Second
)

// Writer is the subset of *kafka.Writer the bus uses. Narrowed for testing.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// reader is the subset of *kafka.Reader a subscription consumes from.
type reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// NewWriter builds a kafka.Writer that satisfies the durable-accept
// requirement: acks from all in-sync replicas before WriteMessages returns.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	if strings.TrimSpace(topic) == "" {
		topic = DefaultTopic
	}

	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}

// SplitBrokers parses a comma-separated broker list.
func SplitBrokers(raw string) []string {
	var brokers []string

	for _, broker := range strings.Split(raw, ",") {
		broker = strings.TrimSpace(broker)
		if broker != "" {
			brokers = append(brokers, broker)
		}
	}

	return brokers
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

func WithTopic(topic string) Option {
	return func(b *Bus) {
		if strings.TrimSpace(topic) != "" {
			b.topic = strings.TrimSpace(topic)
		}
	}
}

// WithBrokers sets the broker list used to build subscription readers.
func WithBrokers(brokers []string) Option {
	return func(b *Bus) {
		b.brokers = brokers
	}
}

// WithGroupID sets the consumer group prefix for subscriptions.
func WithGroupID(groupID string) Option {
	return func(b *Bus) {
		if strings.TrimSpace(groupID) != "" {
			b.groupID = strings.TrimSpace(groupID)
		}
	}
}

// Bus publishes events to a single Kafka topic, routed to partitions by
// message key. All subscriptions of one bus share the topic and filter on the
// event_type header.
//
// Kafka has no broker-side per-message delay, PublishDelayed returns
// bus.ErrDelayedPublishUnsupported; callers that need deferred delivery use
// the rabbitmq bus or schedule at the application layer.
type Bus struct {
	writer     Writer
	serializer codec.Serializer
	logger     log.Logger
	topic      string
	brokers    []string
	groupID    string
	newReader  func(groupID string) reader

	cancelCtx context.Context
	cancel    context.CancelFunc

	mu            sync.Mutex
	subscriptions map[string]bus.Handler
	readers       []reader
	closed        bool
}

var _ bus.Bus = (*Bus)(nil)

// NewBus creates a Kafka bus over writer.
func NewBus(writer Writer, serializer codec.Serializer, opts ...Option) (*Bus, error) {
	if nilcheck.Interface(writer) {
		return nil, ErrWriterRequired
	}

	if nilcheck.Interface(serializer) {
		return nil, codec.ErrSerializerRequired
	}

	ctx, cancel := context.WithCancel(context.Background())

	b := &Bus{
		writer:        writer,
		serializer:    serializer,
		logger:        log.NewNop(),
		topic:         DefaultTopic,
		groupID:       "eventkit",
		cancelCtx:     ctx,
		cancel:        cancel,
		subscriptions: map[string]bus.Handler{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}

	if nilcheck.Interface(b.logger) {
		b.logger = log.NewNop()
	}

	if b.newReader == nil {
		b.newReader = func(groupID string) reader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers:  b.brokers,
				GroupID:  groupID,
				Topic:    b.topic,
				MinBytes: 1,
				MaxBytes: 10e6,
			})
		}
	}

	return b, nil
}

// Publish implements bus.Bus.
func (b *Bus) Publish(ctx context.Context, evt event.DomainEvent) error {
	if nilcheck.Interface(evt) {
		return bus.ErrEventRequired
	}

	return b.publish(ctx, evt, evt.EventType())
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

	return b.publish(ctx, evt, routingKey)
}

// PublishDelayed implements bus.Bus.
func (b *Bus) PublishDelayed(_ context.Context, evt event.DomainEvent, delay time.Duration) error {
	if nilcheck.Interface(evt) {
		return bus.ErrEventRequired
	}

	if delay < 0 {
		return bus.ErrNegativeDelay
	}

	return bus.ErrDelayedPublishUnsupported
}

func (b *Bus) publish(ctx context.Context, evt event.DomainEvent, key string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()

	if closed {
		return bus.ErrBusClosed
	}

	payload, eventType, err := b.serializer.Serialize(evt)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Time:  evt.OccurredAt(),
		Headers: []kafka.Header{
			{Key: headerEventID, Value: []byte(evt.EventID().String())},
			{Key: headerEventType, Value: []byte(eventType)},
		},
	}

	if correlationID := evt.CorrelationID(); correlationID != "" {
		msg.Headers = append(msg.Headers, kafka.Header{
			Key:   headerCorrelationID,
			Value: []byte(correlationID),
		})
	}

	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}

	return nil
}

// Subscribe implements bus.Bus. Each subscription consumes the topic in its
// own consumer group and skips messages of other event types.
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

	if len(b.brokers) == 0 {
		return ErrBrokersRequired
	}

	consumer := b.newReader(b.groupID + "." + eventType)

	b.subscriptions[eventType] = handler
	b.readers = append(b.readers, consumer)

	go b.consume(eventType, handler, consumer)

	return nil
}

func (b *Bus) consume(eventType string, handler bus.Handler, consumer reader) {
	defer func() {
		if recovered := recover(); recovered != nil {
			b.logger.Log(context.Background(), log.LevelError, "consumer panicked",
				log.String("event_type", eventType), log.Any("panic", recovered))
		}
	}()

	readFailures := 0

	for {
		msg, err := consumer.ReadMessage(b.cancelCtx)
		if err != nil {
			if b.cancelCtx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}

			b.logger.Log(b.cancelCtx, log.LevelError, "kafka read error",
				log.String("event_type", eventType), log.Err(err))

			// Pace consecutive failures so a broken broker connection does
			// not spin the loop.
			delay := backoff.ExponentialWithJitter(readErrorBackoffBase, readFailures, readErrorBackoffMax)
			if backoff.SleepWithContext(b.cancelCtx, delay) != nil {
				return
			}

			readFailures++

			continue
		}

		readFailures = 0

		b.handleMessage(eventType, handler, msg)
	}
}

func (b *Bus) handleMessage(eventType string, handler bus.Handler, msg kafka.Message) {
	wireType := headerValue(msg.Headers, headerEventType)
	if wireType == "" {
		wireType = eventType
	}

	if wireType != eventType {
		return
	}

	ctx := b.cancelCtx
	if correlationID := headerValue(msg.Headers, headerCorrelationID); correlationID != "" {
		ctx = eventkit.ContextWithCorrelationID(ctx, correlationID)
	}

	evt, err := b.serializer.Deserialize(wireType, msg.Value)
	if err != nil {
		b.logger.Log(ctx, log.LevelError, "failed to deserialize message",
			log.String("event_type", wireType), log.Err(err))

		return
	}

	if err := handler(ctx, evt); err != nil {
		b.logger.Log(ctx, log.LevelError, "handler rejected message",
			log.String("event_type", wireType), log.Err(err))
	}
}

func headerValue(headers []kafka.Header, key string) string {
	for _, header := range headers {
		if header.Key == key {
			return string(header.Value)
		}
	}

	return ""
}

// Close stops consumers and closes the writer and all readers.
func (b *Bus) Close() error {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()

		return nil
	}

	b.closed = true
	readers := b.readers
	b.mu.Unlock()

	b.cancel()

	var errs []error

	for _, consumer := range readers {
		if err := consumer.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := b.writer.Close(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("closing kafka bus: %w", errors.Join(errs...))
	}

	return nil
}
