//go:build unit

package outbox

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func counterValue(t *testing.T, data metricdata.ResourceMetrics, name string) int64 {
	t.Helper()

	for _, scope := range data.ScopeMetrics {
		for _, instrument := range scope.Metrics {
			if instrument.Name != name {
				continue
			}

			sum, ok := instrument.Data.(metricdata.Sum[int64])
			require.True(t, ok, "instrument %s is not an int64 sum", name)

			var total int64
			for _, point := range sum.DataPoints {
				total += point.Value
			}

			return total
		}
	}

	return 0
}

func TestServiceMetrics_PublishedCounter(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	repo := newFakeRepo()
	service := newTestService(t, repo, &fakeBus{}, WithMeterProvider(provider))

	_, err := service.AddEvent(context.Background(), &sql.Tx{},
		newInvoiceIssued(t, context.Background(), "inv-1"))
	require.NoError(t, err)

	_, err = service.ProcessUnpublishedEvents(context.Background())
	require.NoError(t, err)

	var data metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &data))

	assert.Equal(t, int64(1), counterValue(t, data, "outbox.events.published"))
	assert.Equal(t, int64(0), counterValue(t, data, "outbox.events.failed"))
	assert.Equal(t, int64(0), counterValue(t, data, "outbox.events.dead_lettered"))
}

func TestServiceMetrics_FailedAndDeadLetterCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	repo := newFakeRepo()
	eventBus := &fakeBus{failures: 10}
	service := newTestService(t, repo, eventBus,
		WithMeterProvider(provider),
		WithMaxRetryCount(2),
	)

	_, err := service.AddEvent(context.Background(), &sql.Tx{},
		newInvoiceIssued(t, context.Background(), "inv-1"))
	require.NoError(t, err)

	// Two cycles exhaust the retry budget; the second failure dead-letters.
	for i := 0; i < 2; i++ {
		_, err = service.ProcessUnpublishedEvents(context.Background())
		require.NoError(t, err)
	}

	var data metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &data))

	assert.Equal(t, int64(0), counterValue(t, data, "outbox.events.published"))
	assert.Equal(t, int64(2), counterValue(t, data, "outbox.events.failed"))
	assert.Equal(t, int64(1), counterValue(t, data, "outbox.events.dead_lettered"))
}
