package outbox

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/onuraltintas/lib-eventkit/eventkit"
	"github.com/onuraltintas/lib-eventkit/eventkit/internal/nilcheck"
	"github.com/onuraltintas/lib-eventkit/eventkit/lock"
	"github.com/onuraltintas/lib-eventkit/eventkit/log"
	"github.com/onuraltintas/lib-eventkit/eventkit/telemetry"
)

const (
	defaultProcessInterval = 10 * time.Second
	defaultLockKey         = "eventkit:outbox:processor"
	defaultLockTTL         = 30 * time.Second
)

// Processor runs the outbox service on a schedule. When a distributed locker
// is configured, replicas compete for the lock each cycle and only the winner
// processes; the others skip the cycle.
type Processor struct {
	service *Service
	logger  log.Logger
	locker  lock.Locker
	lockKey string
	lockTTL time.Duration

	interval        time.Duration
	cleanupInterval time.Duration

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	cycleWg    sync.WaitGroup
}

// ProcessorOption mutates processor configuration at construction.
type ProcessorOption func(*Processor)

// WithProcessorConfig applies the polling interval of the host-level startup
// configuration. Zero or negative values are normalized to defaults first.
func WithProcessorConfig(cfg eventkit.Config) ProcessorOption {
	return func(processor *Processor) {
		cfg.Normalize()

		processor.interval = cfg.OutboxProcessInterval
	}
}

// WithProcessInterval sets the polling interval between processing cycles.
func WithProcessInterval(interval time.Duration) ProcessorOption {
	return func(processor *Processor) {
		if interval > 0 {
			processor.interval = interval
		}
	}
}

// WithCleanupInterval enables periodic retention cleanup. Zero disables it.
func WithCleanupInterval(interval time.Duration) ProcessorOption {
	return func(processor *Processor) {
		if interval > 0 {
			processor.cleanupInterval = interval
		}
	}
}

// WithLocker makes cycles mutually exclusive across replicas.
// Passing nil keeps single-instance behavior.
func WithLocker(locker lock.Locker) ProcessorOption {
	return func(processor *Processor) {
		if nilcheck.Interface(locker) {
			return
		}

		processor.locker = locker
	}
}

// WithLockKey overrides the lock key shared by competing replicas.
func WithLockKey(key string) ProcessorOption {
	return func(processor *Processor) {
		if key != "" {
			processor.lockKey = key
		}
	}
}

// WithLockTTL sets the lease expiry for the processing lock. It should
// comfortably exceed the duration of one cycle.
func WithLockTTL(ttl time.Duration) ProcessorOption {
	return func(processor *Processor) {
		if ttl > 0 {
			processor.lockTTL = ttl
		}
	}
}

// WithProcessorLogger injects a structured logger. Passing nil keeps the
// no-op logger.
func WithProcessorLogger(logger log.Logger) ProcessorOption {
	return func(processor *Processor) {
		if nilcheck.Interface(logger) {
			return
		}

		processor.logger = logger
	}
}

// NewProcessor wraps service in a scheduled loop.
func NewProcessor(service *Service, opts ...ProcessorOption) (*Processor, error) {
	if service == nil {
		return nil, ErrServiceRequired
	}

	processor := &Processor{
		service:  service,
		logger:   log.NewNop(),
		lockKey:  defaultLockKey,
		lockTTL:  defaultLockTTL,
		interval: defaultProcessInterval,
		stop:     make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(processor)
		}
	}

	return processor, nil
}

// Run starts the processing loop and blocks until Stop is called or ctx is
// cancelled. A cycle runs immediately, then once per interval.
func (processor *Processor) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, cancel := context.WithCancel(ctx)
	if !processor.registerRun(cancel) {
		cancel()

		return ErrProcessorRunning
	}

	defer processor.clearRun()

	processor.logger.Log(ctx, log.LevelInfo, "outbox processor started",
		log.String("interval", processor.interval.String()),
		log.Bool("locking", processor.locker != nil),
	)
	defer processor.logger.Log(context.Background(), log.LevelInfo, "outbox processor stopped")

	ticker := time.NewTicker(processor.interval)
	defer ticker.Stop()

	var lastCleanup time.Time

	processor.runCycle(ctx, &lastCleanup)

	for {
		select {
		case <-processor.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case <-processor.stop:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}

			processor.runCycle(ctx, &lastCleanup)
		}
	}
}

// Stop signals the processing loop to stop. It does not wait for an in-flight
// cycle; use Shutdown for that.
func (processor *Processor) Stop() {
	processor.stopOnce.Do(func() {
		processor.runStateMu.Lock()
		cancel := processor.cancelFunc
		processor.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(processor.stop)
	})
}

// Shutdown stops the loop and waits for the in-flight cycle, bounded by ctx.
func (processor *Processor) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	processor.Stop()

	done := make(chan struct{})

	go func() {
		processor.cycleWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("outbox processor shutdown: %w", ctx.Err())
	}
}

func (processor *Processor) registerRun(cancel context.CancelFunc) bool {
	processor.runStateMu.Lock()
	defer processor.runStateMu.Unlock()

	if processor.running {
		return false
	}

	processor.running = true
	processor.cancelFunc = cancel

	return true
}

func (processor *Processor) clearRun() {
	processor.runStateMu.Lock()
	defer processor.runStateMu.Unlock()

	processor.running = false
	processor.cancelFunc = nil
}

func (processor *Processor) runCycle(ctx context.Context, lastCleanup *time.Time) {
	processor.cycleWg.Add(1)
	defer processor.cycleWg.Done()

	defer func() {
		if recovered := recover(); recovered != nil {
			processor.logger.Log(ctx, log.LevelError, "outbox cycle panicked",
				log.Any("panic", recovered),
				log.String("stack", string(debug.Stack())),
			)
		}
	}()

	tracer := telemetry.TracerFromContext(ctx)
	cycleCtx, span := tracer.Start(ctx, "outbox.processor.cycle")

	defer span.End()

	if processor.locker != nil {
		lease, err := processor.locker.TryAcquire(cycleCtx, processor.lockKey, processor.lockTTL)
		if err != nil {
			if errors.Is(err, lock.ErrNotAcquired) {
				processor.logger.Log(cycleCtx, log.LevelDebug, "outbox cycle skipped, lock held elsewhere")

				return
			}

			telemetry.HandleSpanError(&span, "outbox lock acquisition failed", err)
			processor.logger.Log(cycleCtx, log.LevelWarn, "outbox lock acquisition failed", log.Err(err))

			return
		}

		defer func() {
			if err := lease.Release(cycleCtx); err != nil {
				processor.logger.Log(cycleCtx, log.LevelWarn, "outbox lock release failed", log.Err(err))
			}
		}()
	}

	if _, err := processor.service.ProcessUnpublishedEvents(cycleCtx); err != nil {
		telemetry.HandleSpanError(&span, "outbox cycle failed", err)
		processor.logger.Log(cycleCtx, log.LevelError, "outbox cycle failed", log.Err(err))

		return
	}

	if processor.cleanupInterval > 0 && time.Since(*lastCleanup) >= processor.cleanupInterval {
		if _, err := processor.service.CleanupOldEvents(cycleCtx, processor.service.cfg.RetentionDays); err != nil {
			processor.logger.Log(cycleCtx, log.LevelWarn, "outbox cleanup failed", log.Err(err))
		} else {
			*lastCleanup = time.Now()
		}
	}
}
