package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Tx aliases the database transaction handed to Create so callers can enlist
// outbox writes in the same transaction as their state change.
type Tx = *sql.Tx

// Statistics is an aggregate snapshot of the outbox table, intended as an
// operator signal for dashboards and alerts.
type Statistics struct {
	TotalEvents         int64      `json:"totalEvents"`
	PublishedEvents     int64      `json:"publishedEvents"`
	UnpublishedEvents   int64      `json:"unpublishedEvents"`
	FailedEvents        int64      `json:"failedEvents"`
	DeadLetteredEvents  int64      `json:"deadLetteredEvents"`
	LastPublishedAt     *time.Time `json:"lastPublishedAt,omitempty"`
	OldestUnpublishedAt *time.Time `json:"oldestUnpublishedAt,omitempty"`
}

// Repository is the persistence contract for outbox events.
//
// Claim methods must hand each pending row to at most one concurrent caller,
// and the mark methods must refuse to apply when the row no longer matches
// the state the caller observed (returning ErrStateConflict), so that two
// dispatchers racing over the same row cannot double-apply an outcome.
type Repository interface {
	// Create inserts an unpublished event inside the caller's transaction.
	Create(ctx context.Context, tx Tx, evt *Event) error

	// ClaimUnpublished locks and returns up to limit unpublished events that
	// are eligible for a publish attempt: fresh rows immediately, failed rows
	// once their backoff delay has elapsed, dead-lettered rows never.
	ClaimUnpublished(ctx context.Context, limit, maxRetryCount int, baseDelay, maxDelay time.Duration) ([]*Event, error)

	// ClaimFailedForRetry is ClaimUnpublished restricted to rows that have
	// failed at least once.
	ClaimFailedForRetry(ctx context.Context, limit, maxRetryCount int, baseDelay, maxDelay time.Duration) ([]*Event, error)

	// MarkPublished flips an unpublished row to published. It returns
	// ErrStateConflict if the row was already published or is gone.
	MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error

	// MarkFailed records a failed attempt, incrementing the retry count from
	// expectedRetryCount. It returns ErrStateConflict if the row's retry
	// count no longer matches, meaning another dispatcher got there first.
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, expectedRetryCount int, failedAt time.Time) error

	// MarkFailedPermanent moves a row straight to the retry ceiling, used
	// when the event can never succeed (for example an undecodable payload).
	MarkFailedPermanent(ctx context.Context, id uuid.UUID, errMsg string, retryCeiling int, failedAt time.Time) error

	// DeletePublishedBefore removes rows published before the threshold and
	// reports how many were deleted. Retention counts from publication, not
	// insertion; unpublished rows are never removed.
	DeletePublishedBefore(ctx context.Context, threshold time.Time) (int64, error)

	// Statistics aggregates the table into an operator snapshot.
	Statistics(ctx context.Context, maxRetryCount int) (*Statistics, error)

	// ListDeadLettered returns up to limit events that exhausted their retry
	// budget, oldest first, for inspection and manual intervention.
	ListDeadLettered(ctx context.Context, limit, maxRetryCount int) ([]*Event, error)
}
