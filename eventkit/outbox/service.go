package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/onuraltintas/lib-eventkit/eventkit"
	"github.com/onuraltintas/lib-eventkit/eventkit/bus"
	"github.com/onuraltintas/lib-eventkit/eventkit/codec"
	"github.com/onuraltintas/lib-eventkit/eventkit/event"
	"github.com/onuraltintas/lib-eventkit/eventkit/internal/nilcheck"
	"github.com/onuraltintas/lib-eventkit/eventkit/log"
	"github.com/onuraltintas/lib-eventkit/eventkit/telemetry"
)

// ProcessResult summarizes one processing cycle.
type ProcessResult struct {
	Processed int `json:"processed"`
	Published int `json:"published"`
	Failed    int `json:"failed"`
}

// Service captures domain events in the caller's database transaction and
// later publishes them to the event bus, guaranteeing at-least-once delivery.
// Consumers must tolerate duplicates.
type Service struct {
	repo       Repository
	bus        bus.Bus
	serializer codec.Serializer
	cfg        ServiceConfig
	logger     log.Logger
	metrics    serviceMetrics
}

// NewService wires a repository, an event bus, and a serializer into an
// outbox service. Options override the defaults from DefaultServiceConfig.
func NewService(repo Repository, eventBus bus.Bus, serializer codec.Serializer, opts ...ServiceOption) (*Service, error) {
	if nilcheck.Interface(repo) {
		return nil, ErrRepositoryRequired
	}

	if nilcheck.Interface(eventBus) {
		return nil, ErrBusRequired
	}

	if nilcheck.Interface(serializer) {
		return nil, codec.ErrSerializerRequired
	}

	service := &Service{
		repo:       repo,
		bus:        eventBus,
		serializer: serializer,
		cfg:        DefaultServiceConfig(),
		logger:     log.NewNop(),
	}

	for _, opt := range opts {
		opt(service)
	}

	service.cfg.normalize()

	metrics, err := newServiceMetrics(service.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	service.metrics = metrics

	return service, nil
}

// Config returns the effective configuration after normalization.
func (service *Service) Config() ServiceConfig {
	return service.cfg
}

// AddEvent serializes evt and stores it as an unpublished outbox row inside
// the caller's transaction, so the event commits or rolls back with the state
// change that produced it.
func (service *Service) AddEvent(ctx context.Context, tx Tx, evt event.DomainEvent) (*Event, error) {
	return service.AddEventWithKey(ctx, tx, evt, "")
}

// AddEventWithKey is AddEvent with an explicit routing key used at publish
// time.
func (service *Service) AddEventWithKey(ctx context.Context, tx Tx, evt event.DomainEvent, routingKey string) (*Event, error) {
	if tx == nil {
		return nil, ErrTransactionRequired
	}

	payload, eventType, err := service.serializer.Serialize(evt)
	if err != nil {
		return nil, fmt.Errorf("serialize outbox event: %w", err)
	}

	record, err := NewEvent(eventType, payload)
	if err != nil {
		return nil, err
	}

	record.RoutingKey = routingKey
	if correlationID, ok := eventkit.CorrelationIDFromContext(ctx); ok {
		record.CorrelationID = correlationID
	}

	if err := service.repo.Create(ctx, tx, record); err != nil {
		return nil, fmt.Errorf("store outbox event: %w", err)
	}

	return record, nil
}

// AddEvents stores several events in order inside the same transaction.
func (service *Service) AddEvents(ctx context.Context, tx Tx, evts ...event.DomainEvent) ([]*Event, error) {
	records := make([]*Event, 0, len(evts))

	for _, evt := range evts {
		record, err := service.AddEvent(ctx, tx, evt)
		if err != nil {
			return nil, err
		}

		records = append(records, record)
	}

	return records, nil
}

// ProcessUnpublishedEvents claims a batch of pending events and attempts to
// publish each one. Fresh events are attempted immediately, previously failed
// events once their backoff delay has elapsed. Per-event failures are
// recorded on the row and do not abort the batch. Calling it repeatedly
// drains the outbox.
func (service *Service) ProcessUnpublishedEvents(ctx context.Context) (*ProcessResult, error) {
	return service.processCycle(ctx, "outbox.process_unpublished", service.cfg.MaxRetryCount, service.repo.ClaimUnpublished)
}

// RetryFailedEvents is ProcessUnpublishedEvents restricted to events that
// already failed at least once. The retry budget of the configured service
// can be overridden per call, which lets operator tooling drain rows that
// the background processor has already given up on.
func (service *Service) RetryFailedEvents(ctx context.Context, maxRetryCount int) (*ProcessResult, error) {
	if maxRetryCount <= 0 {
		return nil, ErrMaxRetryMustBePositive
	}

	return service.processCycle(ctx, "outbox.retry_failed", maxRetryCount, service.repo.ClaimFailedForRetry)
}

type claimFunc func(ctx context.Context, limit, maxRetryCount int, baseDelay, maxDelay time.Duration) ([]*Event, error)

func (service *Service) processCycle(ctx context.Context, spanName string, maxRetryCount int, claim claimFunc) (*ProcessResult, error) {
	tracer := telemetry.TracerFromContext(ctx)
	ctx, span := tracer.Start(ctx, spanName)

	defer span.End()

	started := time.Now()

	events, err := claim(ctx, service.cfg.BatchSize, maxRetryCount, service.cfg.RetryBackoffBase, service.cfg.RetryBackoffMax)
	if err != nil {
		telemetry.HandleSpanError(&span, "claim outbox events failed", err)

		return nil, fmt.Errorf("claim outbox events: %w", err)
	}

	service.metrics.batchSize.Record(ctx, int64(len(events)))

	result := &ProcessResult{}

	for _, evt := range events {
		result.Processed++

		if service.publishOne(ctx, evt, maxRetryCount) {
			result.Published++
		} else {
			result.Failed++
		}
	}

	service.metrics.processLatency.Record(ctx, time.Since(started).Seconds())

	if result.Processed > 0 {
		service.logger.Log(ctx, log.LevelInfo, "outbox cycle complete",
			log.Int("processed", result.Processed),
			log.Int("published", result.Published),
			log.Int("failed", result.Failed),
		)
	}

	return result, nil
}

// publishOne attempts a single event and records the outcome on its row.
// It reports whether the event was published.
func (service *Service) publishOne(ctx context.Context, evt *Event, maxRetryCount int) bool {
	domainEvent, err := service.serializer.Deserialize(evt.EventType, evt.Payload)
	if err != nil {
		// The payload will never decode, so retrying is pointless. Park the
		// row at the retry ceiling where ListDeadLettered will surface it.
		service.markPermanentFailure(ctx, evt, maxRetryCount, err)

		return false
	}

	publishCtx := ctx
	if evt.CorrelationID != "" {
		publishCtx = eventkit.ContextWithCorrelationID(ctx, evt.CorrelationID)
	}

	publishCtx, cancel := context.WithTimeout(publishCtx, service.cfg.PublishTimeout)
	defer cancel()

	if evt.RoutingKey != "" {
		err = service.bus.PublishWithKey(publishCtx, domainEvent, evt.RoutingKey)
	} else {
		err = service.bus.Publish(publishCtx, domainEvent)
	}

	if err != nil {
		service.markFailure(ctx, evt, maxRetryCount, err)

		return false
	}

	if err := service.repo.MarkPublished(ctx, evt.ID, time.Now().UTC()); err != nil {
		// The broker accepted the event but the row could not be flipped, so
		// a later cycle will publish it again. That duplicate is within the
		// at-least-once contract.
		service.logger.Log(ctx, log.LevelWarn, "outbox event published but not marked",
			log.String("event_id", evt.ID.String()),
			log.String("event_type", evt.EventType),
			log.Err(err),
		)
	}

	service.metrics.eventsPublished.Add(ctx, 1)

	return true
}

func (service *Service) markFailure(ctx context.Context, evt *Event, maxRetryCount int, publishErr error) {
	service.metrics.eventsFailed.Add(ctx, 1)

	now := time.Now().UTC()

	err := service.repo.MarkFailed(ctx, evt.ID, sanitizeError(publishErr), evt.RetryCount, now)
	if err != nil {
		service.logger.Log(ctx, log.LevelError, "record outbox failure",
			log.String("event_id", evt.ID.String()),
			log.Err(err),
		)

		return
	}

	if evt.RetryCount+1 >= maxRetryCount {
		service.metrics.eventsDeadLetters.Add(ctx, 1)
		service.logger.Log(ctx, log.LevelWarn, "outbox event dead-lettered",
			log.String("event_id", evt.ID.String()),
			log.String("event_type", evt.EventType),
			log.Int("retry_count", evt.RetryCount+1),
			log.Err(publishErr),
		)

		return
	}

	service.logger.Log(ctx, log.LevelWarn, "outbox publish failed",
		log.String("event_id", evt.ID.String()),
		log.String("event_type", evt.EventType),
		log.Int("retry_count", evt.RetryCount+1),
		log.Err(publishErr),
	)
}

func (service *Service) markPermanentFailure(ctx context.Context, evt *Event, maxRetryCount int, cause error) {
	service.metrics.eventsFailed.Add(ctx, 1)
	service.metrics.eventsDeadLetters.Add(ctx, 1)

	now := time.Now().UTC()

	err := service.repo.MarkFailedPermanent(ctx, evt.ID, sanitizeError(cause), maxRetryCount, now)
	if err != nil {
		service.logger.Log(ctx, log.LevelError, "record permanent outbox failure",
			log.String("event_id", evt.ID.String()),
			log.Err(err),
		)

		return
	}

	service.logger.Log(ctx, log.LevelError, "outbox event undecodable, dead-lettered",
		log.String("event_id", evt.ID.String()),
		log.String("event_type", evt.EventType),
		log.Err(cause),
	)
}

// CleanupOldEvents deletes events published more than olderThanDays ago and
// reports how many rows were removed. Unpublished events are kept regardless
// of age.
func (service *Service) CleanupOldEvents(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		return 0, ErrRetentionMustBePositive
	}

	tracer := telemetry.TracerFromContext(ctx)
	ctx, span := tracer.Start(ctx, "outbox.cleanup")

	defer span.End()

	threshold := time.Now().UTC().AddDate(0, 0, -olderThanDays)

	deleted, err := service.repo.DeletePublishedBefore(ctx, threshold)
	if err != nil {
		telemetry.HandleSpanError(&span, "outbox cleanup failed", err)

		return 0, fmt.Errorf("cleanup outbox events: %w", err)
	}

	if deleted > 0 {
		service.logger.Log(ctx, log.LevelInfo, "outbox cleanup complete",
			log.Int64("deleted", deleted),
			log.Int("retention_days", olderThanDays),
		)
	}

	return deleted, nil
}

// GetStatistics returns an aggregate snapshot of the outbox table.
func (service *Service) GetStatistics(ctx context.Context) (*Statistics, error) {
	stats, err := service.repo.Statistics(ctx, service.cfg.MaxRetryCount)
	if err != nil {
		return nil, fmt.Errorf("outbox statistics: %w", err)
	}

	return stats, nil
}

// ListDeadLetteredEvents returns up to limit events that exhausted their
// retry budget, oldest first.
func (service *Service) ListDeadLetteredEvents(ctx context.Context, limit int) ([]*Event, error) {
	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	events, err := service.repo.ListDeadLettered(ctx, limit, service.cfg.MaxRetryCount)
	if err != nil {
		return nil, fmt.Errorf("list dead-lettered events: %w", err)
	}

	return events, nil
}
