package outbox

import (
	"time"

	"github.com/onuraltintas/lib-eventkit/eventkit"
	"github.com/onuraltintas/lib-eventkit/eventkit/internal/nilcheck"
	"github.com/onuraltintas/lib-eventkit/eventkit/log"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultBatchSize        = 100
	defaultMaxRetryCount    = 5
	defaultPublishTimeout   = 30 * time.Second
	defaultRetryBackoffBase = 1 * time.Minute
	defaultRetryBackoffMax  = 1 * time.Hour
	defaultRetentionDays    = 7
)

// ServiceConfig controls batching, retry, and retention behavior.
type ServiceConfig struct {
	// BatchSize is the max number of events claimed per processing cycle.
	BatchSize int
	// MaxRetryCount is the retry budget; events at or past it are dead-lettered.
	MaxRetryCount int
	// PublishTimeout bounds each individual publish attempt.
	PublishTimeout time.Duration
	// RetryBackoffBase is the delay after the first failure; it doubles per retry.
	RetryBackoffBase time.Duration
	// RetryBackoffMax caps the exponential backoff delay.
	RetryBackoffMax time.Duration
	// RetentionDays is how long published events are kept before cleanup.
	RetentionDays int
	// MeterProvider overrides the default global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultServiceConfig returns the baseline service configuration.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		BatchSize:        defaultBatchSize,
		MaxRetryCount:    defaultMaxRetryCount,
		PublishTimeout:   defaultPublishTimeout,
		RetryBackoffBase: defaultRetryBackoffBase,
		RetryBackoffMax:  defaultRetryBackoffMax,
		RetentionDays:    defaultRetentionDays,
		MeterProvider:    nil,
	}
}

func (cfg *ServiceConfig) normalize() {
	defaults := DefaultServiceConfig()

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.MaxRetryCount <= 0 {
		cfg.MaxRetryCount = defaults.MaxRetryCount
	}

	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaults.PublishTimeout
	}

	if cfg.RetryBackoffBase <= 0 {
		cfg.RetryBackoffBase = defaults.RetryBackoffBase
	}

	if cfg.RetryBackoffMax < cfg.RetryBackoffBase {
		cfg.RetryBackoffMax = defaults.RetryBackoffMax
	}

	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = defaults.RetentionDays
	}
}

// ServiceOption mutates service configuration at construction.
type ServiceOption func(*Service)

// WithConfig applies the outbox fields of the host-level startup
// configuration. Zero or negative values are normalized to defaults first.
func WithConfig(cfg eventkit.Config) ServiceOption {
	return func(service *Service) {
		cfg.Normalize()

		service.cfg.BatchSize = cfg.OutboxBatchSize
		service.cfg.MaxRetryCount = cfg.OutboxMaxRetryCount
		service.cfg.RetentionDays = cfg.OutboxRetentionDays
	}
}

// WithBatchSize sets the maximum events claimed per processing cycle.
func WithBatchSize(size int) ServiceOption {
	return func(service *Service) {
		if size > 0 {
			service.cfg.BatchSize = size
		}
	}
}

// WithMaxRetryCount sets the retry budget per event.
func WithMaxRetryCount(maxRetries int) ServiceOption {
	return func(service *Service) {
		if maxRetries > 0 {
			service.cfg.MaxRetryCount = maxRetries
		}
	}
}

// WithPublishTimeout bounds each publish attempt.
func WithPublishTimeout(timeout time.Duration) ServiceOption {
	return func(service *Service) {
		if timeout > 0 {
			service.cfg.PublishTimeout = timeout
		}
	}
}

// WithRetryBackoff sets the base and cap of the exponential retry backoff.
func WithRetryBackoff(base, maxDelay time.Duration) ServiceOption {
	return func(service *Service) {
		if base > 0 {
			service.cfg.RetryBackoffBase = base
		}

		if maxDelay >= service.cfg.RetryBackoffBase {
			service.cfg.RetryBackoffMax = maxDelay
		}
	}
}

// WithRetentionDays sets how long published events are kept.
func WithRetentionDays(days int) ServiceOption {
	return func(service *Service) {
		if days > 0 {
			service.cfg.RetentionDays = days
		}
	}
}

// WithLogger injects a structured logger. Passing nil keeps the no-op logger.
func WithLogger(logger log.Logger) ServiceOption {
	return func(service *Service) {
		if nilcheck.Interface(logger) {
			return
		}

		service.logger = logger
	}
}

// WithMeterProvider injects a custom meter provider for service metrics.
// Passing nil keeps the default global OpenTelemetry meter provider.
func WithMeterProvider(provider metric.MeterProvider) ServiceOption {
	return func(service *Service) {
		if nilcheck.Interface(provider) {
			service.cfg.MeterProvider = nil

			return
		}

		service.cfg.MeterProvider = provider
	}
}
