// Package lock defines the distributed lock contract used to serialize
// outbox processing across replicas, so only one instance drains the table
// at a time. Processing without a lock is still correct, just noisier:
// delivery stays at-least-once either way.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotAcquired is returned when another holder owns the lock.
var ErrNotAcquired = errors.New("lock not acquired")

// ErrLockKeyRequired is returned when an empty lock key is given.
var ErrLockKeyRequired = errors.New("lock key is required")

// Lease is a held lock. Release is idempotent.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker hands out time-bounded exclusive leases on named keys.
type Locker interface {
	// TryAcquire attempts to take the lock without blocking. It returns
	// ErrNotAcquired when another holder owns it. The lease expires on its
	// own after ttl if never released.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}
