// Package redis implements the lock.Locker contract on Redis using the
// RedLock algorithm, so a fleet of outbox processors elects a single active
// instance per cycle.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"

	"github.com/onuraltintas/lib-eventkit/eventkit/internal/nilcheck"
	"github.com/onuraltintas/lib-eventkit/eventkit/lock"
	"github.com/onuraltintas/lib-eventkit/eventkit/log"
)

// ErrClientRequired is returned when NewLocker is given a nil Redis client.
var ErrClientRequired = errors.New("redis client is required")

// ErrTTLInvalid is returned when a non-positive lease TTL is requested.
var ErrTTLInvalid = errors.New("lock ttl must be greater than 0")

const driftFactor = 0.01

// Locker implements lock.Locker with redsync over a Redis deployment.
type Locker struct {
	redsync *redsync.Redsync
	logger  log.Logger
}

var _ lock.Locker = (*Locker)(nil)

// Option configures a Locker.
type Option func(*Locker)

// WithLogger injects a structured logger. Passing nil keeps the no-op logger.
func WithLogger(logger log.Logger) Option {
	return func(locker *Locker) {
		if nilcheck.Interface(logger) {
			return
		}

		locker.logger = logger
	}
}

// NewLocker creates a RedLock-based locker over client.
func NewLocker(client goredislib.UniversalClient, opts ...Option) (*Locker, error) {
	if nilcheck.Interface(client) {
		return nil, ErrClientRequired
	}

	locker := &Locker{
		redsync: redsync.New(goredis.NewPool(client)),
		logger:  log.NewNop(),
	}

	for _, opt := range opts {
		opt(locker)
	}

	return locker, nil
}

// TryAcquire takes the named lock with a single attempt. Contention maps to
// lock.ErrNotAcquired; everything else (network failure, cancelled context)
// is reported as-is so callers can tell "busy" apart from "broken".
func (locker *Locker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (lock.Lease, error) {
	if strings.TrimSpace(key) == "" {
		return nil, lock.ErrLockKeyRequired
	}

	if ttl <= 0 {
		return nil, ErrTTLInvalid
	}

	mutex := locker.redsync.NewMutex(
		key,
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
		redsync.WithDriftFactor(driftFactor),
	)

	if err := mutex.TryLockContext(ctx); err != nil {
		if isContention(err) {
			locker.logger.Log(ctx, log.LevelDebug, "lock held by another instance", log.String("lock_key", key))

			return nil, lock.ErrNotAcquired
		}

		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}

	locker.logger.Log(ctx, log.LevelDebug, "lock acquired", log.String("lock_key", key))

	return &lease{mutex: mutex, logger: locker.logger, key: key}, nil
}

// isContention distinguishes "someone else holds it" from real failures.
// redsync reports contention as ErrFailed or a taken-node error.
func isContention(err error) bool {
	if errors.Is(err, redsync.ErrFailed) {
		return true
	}

	var taken *redsync.ErrTaken
	if errors.As(err, &taken) {
		return true
	}

	return strings.Contains(err.Error(), "lock already taken")
}

type lease struct {
	mutex  *redsync.Mutex
	logger log.Logger
	key    string
}

// Release lets the lock go. Releasing an expired lease is not an error; the
// lock already moved on.
func (l *lease) Release(ctx context.Context) error {
	ok, err := l.mutex.UnlockContext(ctx)
	if err != nil {
		var taken *redsync.ErrTaken
		if errors.As(err, &taken) {
			l.logger.Log(ctx, log.LevelWarn, "lock expired before release", log.String("lock_key", l.key))

			return nil
		}

		return fmt.Errorf("release lock %s: %w", l.key, err)
	}

	if !ok {
		l.logger.Log(ctx, log.LevelWarn, "lock was not held at release", log.String("lock_key", l.key))
	}

	return nil
}
