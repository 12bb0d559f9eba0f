//go:build unit

package outbox

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onuraltintas/lib-eventkit/eventkit"
	"github.com/onuraltintas/lib-eventkit/eventkit/bus"
	"github.com/onuraltintas/lib-eventkit/eventkit/codec"
	"github.com/onuraltintas/lib-eventkit/eventkit/event"
)

type invoiceIssued struct {
	event.DomainBase

	InvoiceID string `json:"invoice_id"`
}

func newOutboxSerializer(t *testing.T) codec.Serializer {
	t.Helper()

	registry := codec.NewRegistry()
	registry.MustRegister("invoice.issued", func() event.DomainEvent { return &invoiceIssued{} })

	serializer, err := codec.NewJSONSerializer(registry)
	require.NoError(t, err)

	return serializer
}

func newInvoiceIssued(t *testing.T, ctx context.Context, invoiceID string) *invoiceIssued {
	t.Helper()

	base, err := event.NewDomainBase(ctx, "invoice.issued")
	require.NoError(t, err)

	return &invoiceIssued{DomainBase: base, InvoiceID: invoiceID}
}

// fakeRepo keeps outbox rows in memory with the same conditional-update
// semantics the real repository promises. Backoff timing is not simulated:
// every unpublished row under the retry ceiling is claim-eligible.
type fakeRepo struct {
	mu    sync.Mutex
	rows  map[uuid.UUID]*Event
	order []uuid.UUID

	createErr        error
	claimErr         error
	markPublishedErr error
	statsErr         error
	deleteErr        error

	claimCalls      int
	deleted         int64
	deleteThreshold time.Time
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{rows: map[uuid.UUID]*Event{}}
}

func (repo *fakeRepo) Create(_ context.Context, tx Tx, evt *Event) error {
	if repo.createErr != nil {
		return repo.createErr
	}

	if tx == nil {
		return ErrTransactionRequired
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()

	clone := *evt
	repo.rows[evt.ID] = &clone
	repo.order = append(repo.order, evt.ID)

	return nil
}

func (repo *fakeRepo) ClaimUnpublished(_ context.Context, limit, maxRetryCount int, _, _ time.Duration) ([]*Event, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	repo.claimCalls++
	if repo.claimErr != nil {
		return nil, repo.claimErr
	}

	var claimed []*Event

	for _, id := range repo.order {
		row := repo.rows[id]
		if row.Published || row.RetryCount >= maxRetryCount {
			continue
		}

		clone := *row
		claimed = append(claimed, &clone)

		if len(claimed) == limit {
			break
		}
	}

	return claimed, nil
}

func (repo *fakeRepo) ClaimFailedForRetry(ctx context.Context, limit, maxRetryCount int, baseDelay, maxDelay time.Duration) ([]*Event, error) {
	claimed, err := repo.ClaimUnpublished(ctx, limit, maxRetryCount, baseDelay, maxDelay)
	if err != nil {
		return nil, err
	}

	var failed []*Event

	for _, row := range claimed {
		if row.RetryCount > 0 {
			failed = append(failed, row)
		}
	}

	return failed, nil
}

func (repo *fakeRepo) MarkPublished(_ context.Context, id uuid.UUID, publishedAt time.Time) error {
	if repo.markPublishedErr != nil {
		return repo.markPublishedErr
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()

	row, ok := repo.rows[id]
	if !ok || row.Published {
		return ErrStateConflict
	}

	row.Published = true
	row.PublishedAt = &publishedAt

	return nil
}

func (repo *fakeRepo) MarkFailed(_ context.Context, id uuid.UUID, errMsg string, expectedRetryCount int, failedAt time.Time) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	row, ok := repo.rows[id]
	if !ok || row.Published || row.RetryCount != expectedRetryCount {
		return ErrStateConflict
	}

	row.RetryCount++
	row.LastError = errMsg
	row.LastRetryAt = &failedAt

	return nil
}

func (repo *fakeRepo) MarkFailedPermanent(_ context.Context, id uuid.UUID, errMsg string, retryCeiling int, failedAt time.Time) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	row, ok := repo.rows[id]
	if !ok || row.Published {
		return ErrStateConflict
	}

	row.RetryCount = retryCeiling
	row.LastError = errMsg
	row.LastRetryAt = &failedAt

	return nil
}

func (repo *fakeRepo) DeletePublishedBefore(_ context.Context, threshold time.Time) (int64, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	if repo.deleteErr != nil {
		return 0, repo.deleteErr
	}

	repo.deleteThreshold = threshold

	return repo.deleted, nil
}

func (repo *fakeRepo) Statistics(_ context.Context, maxRetryCount int) (*Statistics, error) {
	if repo.statsErr != nil {
		return nil, repo.statsErr
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()

	stats := &Statistics{}

	for _, row := range repo.rows {
		stats.TotalEvents++

		switch {
		case row.Published:
			stats.PublishedEvents++
		case row.RetryCount >= maxRetryCount:
			stats.FailedEvents++
			stats.DeadLetteredEvents++
			stats.UnpublishedEvents++
		default:
			if row.RetryCount > 0 {
				stats.FailedEvents++
			}

			stats.UnpublishedEvents++
		}
	}

	return stats, nil
}

func (repo *fakeRepo) ListDeadLettered(_ context.Context, limit, maxRetryCount int) ([]*Event, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	var dead []*Event

	for _, id := range repo.order {
		row := repo.rows[id]
		if !row.IsDeadLettered(maxRetryCount) {
			continue
		}

		clone := *row
		dead = append(dead, &clone)

		if len(dead) == limit {
			break
		}
	}

	return dead, nil
}

func (repo *fakeRepo) row(t *testing.T, id uuid.UUID) Event {
	t.Helper()

	repo.mu.Lock()
	defer repo.mu.Unlock()

	row, ok := repo.rows[id]
	require.True(t, ok)

	return *row
}

type publishedRecord struct {
	evt           event.DomainEvent
	routingKey    string
	correlationID string
}

type fakeBus struct {
	mu        sync.Mutex
	published []publishedRecord
	failures  int
	err       error
}

var _ bus.Bus = (*fakeBus)(nil)

func (b *fakeBus) Publish(ctx context.Context, evt event.DomainEvent) error {
	return b.PublishWithKey(ctx, evt, "")
}

func (b *fakeBus) PublishWithKey(ctx context.Context, evt event.DomainEvent, routingKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failures > 0 {
		b.failures--

		return errors.New("broker unavailable")
	}

	if b.err != nil {
		return b.err
	}

	correlationID, _ := eventkit.CorrelationIDFromContext(ctx)
	b.published = append(b.published, publishedRecord{evt: evt, routingKey: routingKey, correlationID: correlationID})

	return nil
}

func (b *fakeBus) PublishDelayed(ctx context.Context, evt event.DomainEvent, _ time.Duration) error {
	return b.Publish(ctx, evt)
}

func (b *fakeBus) Subscribe(string, bus.Handler) error {
	return nil
}

func (b *fakeBus) records() []publishedRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]publishedRecord(nil), b.published...)
}

func newTestService(t *testing.T, repo Repository, eventBus *fakeBus, opts ...ServiceOption) *Service {
	t.Helper()

	service, err := NewService(repo, eventBus, newOutboxSerializer(t), opts...)
	require.NoError(t, err)

	return service
}

func TestNewService_Validation(t *testing.T) {
	serializer := newOutboxSerializer(t)

	_, err := NewService(nil, &fakeBus{}, serializer)
	require.ErrorIs(t, err, ErrRepositoryRequired)

	_, err = NewService(newFakeRepo(), nil, serializer)
	require.ErrorIs(t, err, ErrBusRequired)

	_, err = NewService(newFakeRepo(), &fakeBus{}, nil)
	require.ErrorIs(t, err, codec.ErrSerializerRequired)
}

func TestNewService_Defaults(t *testing.T) {
	service := newTestService(t, newFakeRepo(), &fakeBus{})

	assert.Equal(t, DefaultServiceConfig(), service.Config())
}

func TestNewService_Options(t *testing.T) {
	service := newTestService(t, newFakeRepo(), &fakeBus{},
		WithBatchSize(50),
		WithMaxRetryCount(3),
		WithPublishTimeout(5*time.Second),
		WithRetryBackoff(30*time.Second, 10*time.Minute),
		WithRetentionDays(14),
	)

	assert.Equal(t, 50, service.Config().BatchSize)
	assert.Equal(t, 3, service.Config().MaxRetryCount)
	assert.Equal(t, 5*time.Second, service.Config().PublishTimeout)
	assert.Equal(t, 30*time.Second, service.Config().RetryBackoffBase)
	assert.Equal(t, 10*time.Minute, service.Config().RetryBackoffMax)
	assert.Equal(t, 14, service.Config().RetentionDays)

	// Invalid values keep the defaults.
	service = newTestService(t, newFakeRepo(), &fakeBus{},
		WithBatchSize(0),
		WithMaxRetryCount(-1),
		WithRetentionDays(0),
	)

	assert.Equal(t, DefaultServiceConfig(), service.Config())
}

func TestAddEvent(t *testing.T) {
	repo := newFakeRepo()
	service := newTestService(t, repo, &fakeBus{})

	ctx := eventkit.ContextWithCorrelationID(context.Background(), "corr-42")

	record, err := service.AddEvent(ctx, &sql.Tx{}, newInvoiceIssued(t, ctx, "inv-1"))
	require.NoError(t, err)

	assert.Equal(t, "invoice.issued", record.EventType)
	assert.Equal(t, "corr-42", record.CorrelationID)
	assert.Contains(t, string(record.Payload), `"invoice_id":"inv-1"`)
	assert.False(t, record.Published)

	stored := repo.row(t, record.ID)
	assert.Equal(t, record.EventType, stored.EventType)
}

func TestAddEvent_RequiresTransaction(t *testing.T) {
	service := newTestService(t, newFakeRepo(), &fakeBus{})

	_, err := service.AddEvent(context.Background(), nil, newInvoiceIssued(t, context.Background(), "inv-1"))
	require.ErrorIs(t, err, ErrTransactionRequired)
}

func TestAddEvent_SerializeFailure(t *testing.T) {
	service := newTestService(t, newFakeRepo(), &fakeBus{})

	_, err := service.AddEvent(context.Background(), &sql.Tx{}, nil)
	require.ErrorIs(t, err, event.ErrEventRequired)
}

func TestAddEventWithKey(t *testing.T) {
	repo := newFakeRepo()
	service := newTestService(t, repo, &fakeBus{})

	record, err := service.AddEventWithKey(context.Background(), &sql.Tx{},
		newInvoiceIssued(t, context.Background(), "inv-2"), "billing.eu")
	require.NoError(t, err)

	assert.Equal(t, "billing.eu", record.RoutingKey)
}

func TestAddEvents_StopsOnFirstError(t *testing.T) {
	repo := newFakeRepo()
	service := newTestService(t, repo, &fakeBus{})

	ctx := context.Background()

	_, err := service.AddEvents(ctx, &sql.Tx{},
		newInvoiceIssued(t, ctx, "inv-1"),
		nil,
		newInvoiceIssued(t, ctx, "inv-3"),
	)
	require.ErrorIs(t, err, event.ErrEventRequired)
	assert.Len(t, repo.order, 1)
}

func TestProcessUnpublishedEvents(t *testing.T) {
	repo := newFakeRepo()
	eventBus := &fakeBus{}
	service := newTestService(t, repo, eventBus)

	ctx := eventkit.ContextWithCorrelationID(context.Background(), "corr-loop")

	record, err := service.AddEvent(ctx, &sql.Tx{}, newInvoiceIssued(t, ctx, "inv-1"))
	require.NoError(t, err)

	result, err := service.ProcessUnpublishedEvents(context.Background())
	require.NoError(t, err)

	assert.Equal(t, &ProcessResult{Processed: 1, Published: 1}, result)

	records := eventBus.records()
	require.Len(t, records, 1)
	assert.Equal(t, "invoice.issued", records[0].evt.EventType())
	assert.Equal(t, "corr-loop", records[0].correlationID)
	assert.Empty(t, records[0].routingKey)

	stored := repo.row(t, record.ID)
	assert.True(t, stored.Published)
	require.NotNil(t, stored.PublishedAt)
}

func TestProcessUnpublishedEvents_Empty(t *testing.T) {
	service := newTestService(t, newFakeRepo(), &fakeBus{})

	result, err := service.ProcessUnpublishedEvents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &ProcessResult{}, result)
}

func TestProcessUnpublishedEvents_ClaimError(t *testing.T) {
	repo := newFakeRepo()
	repo.claimErr = errors.New("db down")
	service := newTestService(t, repo, &fakeBus{})

	_, err := service.ProcessUnpublishedEvents(context.Background())
	require.ErrorContains(t, err, "claim outbox events")
}

func TestProcessUnpublishedEvents_RoutingKey(t *testing.T) {
	repo := newFakeRepo()
	eventBus := &fakeBus{}
	service := newTestService(t, repo, eventBus)

	_, err := service.AddEventWithKey(context.Background(), &sql.Tx{},
		newInvoiceIssued(t, context.Background(), "inv-1"), "billing.eu")
	require.NoError(t, err)

	_, err = service.ProcessUnpublishedEvents(context.Background())
	require.NoError(t, err)

	records := eventBus.records()
	require.Len(t, records, 1)
	assert.Equal(t, "billing.eu", records[0].routingKey)
}

func TestProcessUnpublishedEvents_PublishFailure(t *testing.T) {
	repo := newFakeRepo()
	eventBus := &fakeBus{failures: 1}
	service := newTestService(t, repo, eventBus)

	record, err := service.AddEvent(context.Background(), &sql.Tx{},
		newInvoiceIssued(t, context.Background(), "inv-1"))
	require.NoError(t, err)

	result, err := service.ProcessUnpublishedEvents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &ProcessResult{Processed: 1, Failed: 1}, result)

	stored := repo.row(t, record.ID)
	assert.False(t, stored.Published)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Equal(t, "broker unavailable", stored.LastError)
	require.NotNil(t, stored.LastRetryAt)
}

// A persistently failing event climbs through its retry budget with the last
// error recorded on every attempt, then settles as a dead letter visible in
// the statistics.
func TestProcessUnpublishedEvents_RetryProgressionToDeadLetter(t *testing.T) {
	repo := newFakeRepo()
	eventBus := &fakeBus{err: errors.New("broker unavailable")}
	service := newTestService(t, repo, eventBus, WithMaxRetryCount(3))

	record, err := service.AddEvent(context.Background(), &sql.Tx{},
		newInvoiceIssued(t, context.Background(), "inv-1"))
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		result, err := service.ProcessUnpublishedEvents(context.Background())
		require.NoError(t, err)
		assert.Equal(t, &ProcessResult{Processed: 1, Failed: 1}, result)

		stored := repo.row(t, record.ID)
		assert.Equal(t, attempt, stored.RetryCount)
		assert.Equal(t, "broker unavailable", stored.LastError)
	}

	// The budget is spent; the row is no longer claimed.
	result, err := service.ProcessUnpublishedEvents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &ProcessResult{}, result)

	stats, err := service.GetStatistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.FailedEvents)
	assert.Equal(t, int64(1), stats.DeadLetteredEvents)
	assert.Equal(t, int64(0), stats.PublishedEvents)

	dead, err := service.ListDeadLetteredEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, record.ID, dead[0].ID)
}

func TestProcessUnpublishedEvents_UndecodablePayloadDeadLettersImmediately(t *testing.T) {
	repo := newFakeRepo()
	eventBus := &fakeBus{}
	service := newTestService(t, repo, eventBus)

	record, err := NewEvent("subscription.cancelled", []byte(`{"subscription_id":"sub-1"}`))
	require.NoError(t, err)
	require.NoError(t, repo.Create(context.Background(), &sql.Tx{}, record))

	result, err := service.ProcessUnpublishedEvents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &ProcessResult{Processed: 1, Failed: 1}, result)
	assert.Empty(t, eventBus.records())

	stored := repo.row(t, record.ID)
	assert.Equal(t, service.Config().MaxRetryCount, stored.RetryCount)
	assert.Contains(t, stored.LastError, "subscription.cancelled")
}

func TestProcessUnpublishedEvents_MarkPublishedConflictStillPublished(t *testing.T) {
	repo := newFakeRepo()
	repo.markPublishedErr = ErrStateConflict
	service := newTestService(t, repo, &fakeBus{})

	_, err := service.AddEvent(context.Background(), &sql.Tx{},
		newInvoiceIssued(t, context.Background(), "inv-1"))
	require.NoError(t, err)

	result, err := service.ProcessUnpublishedEvents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &ProcessResult{Processed: 1, Published: 1}, result)
}

func TestRetryFailedEvents_OnlyTouchesFailedRows(t *testing.T) {
	repo := newFakeRepo()
	eventBus := &fakeBus{failures: 1}
	service := newTestService(t, repo, eventBus)

	ctx := context.Background()

	failing, err := service.AddEvent(ctx, &sql.Tx{}, newInvoiceIssued(t, ctx, "inv-fail"))
	require.NoError(t, err)

	// First cycle fails the first row and publishes nothing else yet.
	_, err = service.ProcessUnpublishedEvents(ctx)
	require.NoError(t, err)

	fresh, err := service.AddEvent(ctx, &sql.Tx{}, newInvoiceIssued(t, ctx, "inv-fresh"))
	require.NoError(t, err)

	result, err := service.RetryFailedEvents(ctx, service.Config().MaxRetryCount)
	require.NoError(t, err)
	assert.Equal(t, &ProcessResult{Processed: 1, Published: 1}, result)

	assert.True(t, repo.row(t, failing.ID).Published)
	assert.False(t, repo.row(t, fresh.ID).Published)
}

func TestRetryFailedEvents_Validation(t *testing.T) {
	service := newTestService(t, newFakeRepo(), &fakeBus{})

	_, err := service.RetryFailedEvents(context.Background(), 0)
	require.ErrorIs(t, err, ErrMaxRetryMustBePositive)
}

func TestCleanupOldEvents(t *testing.T) {
	repo := newFakeRepo()
	repo.deleted = 12
	service := newTestService(t, repo, &fakeBus{})

	deleted, err := service.CleanupOldEvents(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(12), deleted)

	wantThreshold := time.Now().UTC().AddDate(0, 0, -3)
	assert.WithinDuration(t, wantThreshold, repo.deleteThreshold, time.Minute)
}

func TestCleanupOldEvents_Validation(t *testing.T) {
	service := newTestService(t, newFakeRepo(), &fakeBus{})

	_, err := service.CleanupOldEvents(context.Background(), 0)
	require.ErrorIs(t, err, ErrRetentionMustBePositive)
}

func TestCleanupOldEvents_Error(t *testing.T) {
	repo := newFakeRepo()
	repo.deleteErr = errors.New("db down")
	service := newTestService(t, repo, &fakeBus{})

	_, err := service.CleanupOldEvents(context.Background(), 7)
	require.ErrorContains(t, err, "cleanup outbox events")
}

func TestGetStatistics_Error(t *testing.T) {
	repo := newFakeRepo()
	repo.statsErr = errors.New("db down")
	service := newTestService(t, repo, &fakeBus{})

	_, err := service.GetStatistics(context.Background())
	require.ErrorContains(t, err, "outbox statistics")
}

func TestListDeadLetteredEvents_Validation(t *testing.T) {
	service := newTestService(t, newFakeRepo(), &fakeBus{})

	_, err := service.ListDeadLetteredEvents(context.Background(), 0)
	require.ErrorIs(t, err, ErrLimitMustBePositive)
}
