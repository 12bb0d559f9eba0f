package outbox

import "errors"

var (
	ErrRepositoryRequired      = errors.New("outbox repository is required")
	ErrBusRequired             = errors.New("event bus is required")
	ErrServiceRequired         = errors.New("outbox service is required")
	ErrProcessorRunning        = errors.New("outbox processor is already running")
	ErrOutboxEventRequired     = errors.New("outbox event is required")
	ErrEventIDRequired         = errors.New("event id is required")
	ErrEventTypeRequired       = errors.New("event type is required")
	ErrPayloadRequired         = errors.New("payload is required")
	ErrPayloadTooLarge         = errors.New("payload exceeds max size")
	ErrPayloadNotJSON          = errors.New("payload must be valid JSON")
	ErrTransactionRequired     = errors.New("transaction is required")
	ErrLimitMustBePositive     = errors.New("limit must be greater than zero")
	ErrMaxRetryMustBePositive  = errors.New("maxRetryCount must be greater than zero")
	ErrRetentionMustBePositive = errors.New("olderThanDays must be greater than zero")
	ErrStateConflict           = errors.New("outbox event state conflict")
	ErrPublishedAtMissing      = errors.New("published event must carry a published timestamp")
)
