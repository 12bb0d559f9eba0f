package eventstore

import (
	"errors"
	"fmt"
)

var (
	// ErrConcurrency matches any *ConcurrencyError via errors.Is.
	ErrConcurrency = errors.New("event stream version conflict")

	ErrStreamIDRequired        = errors.New("stream id is required")
	ErrNoEventsToAppend        = errors.New("at least one event is required")
	ErrNegativeExpectedVersion = errors.New("expected version must not be negative")
	ErrNegativeFromVersion     = errors.New("from version must not be negative")
	ErrStreamNotFound          = errors.New("event stream not found")
	ErrSerializerRequired      = errors.New("event serializer is required")
)

// ConcurrencyError reports a failed compare-and-append: the stream's actual
// version differed from the version the caller built its events against. The
// conflict is always recoverable by re-reading and retrying the operation.
type ConcurrencyError struct {
	StreamID        string
	ExpectedVersion int64
	ActualVersion   int64
}

// NewConcurrencyError creates a ConcurrencyError for streamID.
func NewConcurrencyError(streamID string, expectedVersion, actualVersion int64) *ConcurrencyError {
	return &ConcurrencyError{
		StreamID:        streamID,
		ExpectedVersion: expectedVersion,
		ActualVersion:   actualVersion,
	}
}

func (err *ConcurrencyError) Error() string {
	return fmt.Sprintf(
		"concurrency conflict on stream %q: expected version %d, actual version %d",
		err.StreamID, err.ExpectedVersion, err.ActualVersion,
	)
}

// Is makes errors.Is(err, ErrConcurrency) succeed.
func (err *ConcurrencyError) Is(target error) bool {
	return target == ErrConcurrency
}
