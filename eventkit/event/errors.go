package event

import "errors"

var (
	ErrEventTypeRequired = errors.New("event type is required")
	ErrEventRequired     = errors.New("event is required")
)
