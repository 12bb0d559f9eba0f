package eventkit

import "time"

const (
	defaultOutboxProcessInterval = 30 * time.Second
	defaultOutboxBatchSize       = 100
	defaultOutboxMaxRetryCount   = 5
	defaultOutboxRetentionDays   = 7
	defaultSnapshotInterval      = 100
	defaultStoreRetentionDays    = 365
)

// Config is the startup configuration surface of the subsystem. Hosts build
// one at process start and pass the relevant fields to the outbox processor,
// the event store, and the dispatcher. There is no dynamic reconfiguration.
type Config struct {
	// OutboxProcessInterval is the polling interval of the background outbox
	// processor.
	OutboxProcessInterval time.Duration
	// OutboxBatchSize bounds how many unpublished rows one pass may select.
	OutboxBatchSize int
	// OutboxMaxRetryCount is the retry ceiling after which an event is left
	// dead-lettered for operator inspection.
	OutboxMaxRetryCount int
	// OutboxRetentionDays is how long published rows are kept before
	// CleanupOldEvents may purge them.
	OutboxRetentionDays int
	// EventStoreSnapshotInterval is the advisory number of events between
	// aggregate snapshots taken by the host.
	EventStoreSnapshotInterval int
	// EventStoreRetentionDays is the advisory retention applied by stream
	// deletion tooling.
	EventStoreRetentionDays int
	// PublishDomainEventsAfterCommit defers in-process domain event handlers
	// until the unit of work commits instead of running them inline.
	PublishDomainEventsAfterCommit bool
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() Config {
	return Config{
		OutboxProcessInterval:          defaultOutboxProcessInterval,
		OutboxBatchSize:                defaultOutboxBatchSize,
		OutboxMaxRetryCount:            defaultOutboxMaxRetryCount,
		OutboxRetentionDays:            defaultOutboxRetentionDays,
		EventStoreSnapshotInterval:     defaultSnapshotInterval,
		EventStoreRetentionDays:        defaultStoreRetentionDays,
		PublishDomainEventsAfterCommit: false,
	}
}

// Normalize replaces zero or negative values with defaults.
func (cfg *Config) Normalize() {
	defaults := DefaultConfig()

	if cfg.OutboxProcessInterval <= 0 {
		cfg.OutboxProcessInterval = defaults.OutboxProcessInterval
	}

	if cfg.OutboxBatchSize <= 0 {
		cfg.OutboxBatchSize = defaults.OutboxBatchSize
	}

	if cfg.OutboxMaxRetryCount <= 0 {
		cfg.OutboxMaxRetryCount = defaults.OutboxMaxRetryCount
	}

	if cfg.OutboxRetentionDays <= 0 {
		cfg.OutboxRetentionDays = defaults.OutboxRetentionDays
	}

	if cfg.EventStoreSnapshotInterval <= 0 {
		cfg.EventStoreSnapshotInterval = defaults.EventStoreSnapshotInterval
	}

	if cfg.EventStoreRetentionDays <= 0 {
		cfg.EventStoreRetentionDays = defaults.EventStoreRetentionDays
	}
}
