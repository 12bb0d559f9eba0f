package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxPayloadBytes bounds the serialized payload accepted into the
// outbox. Oversized payloads belong in blob storage with a reference here.
const DefaultMaxPayloadBytes = 1 << 20

// Event is a single outbox row: a domain event captured in the same
// transaction as the state change that produced it, waiting to be published.
type Event struct {
	ID            uuid.UUID       `json:"id"`
	EventType     string          `json:"eventType"`
	Payload       json.RawMessage `json:"payload"`
	RoutingKey    string          `json:"routingKey,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	Published     bool            `json:"published"`
	PublishedAt   *time.Time      `json:"publishedAt,omitempty"`
	RetryCount    int             `json:"retryCount"`
	LastError     string          `json:"lastError,omitempty"`
	LastRetryAt   *time.Time      `json:"lastRetryAt,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// NewEvent builds an unpublished outbox event and validates it. The payload
// must be non-empty, valid JSON and no larger than DefaultMaxPayloadBytes.
func NewEvent(eventType string, payload []byte) (*Event, error) {
	evt := &Event{
		ID:        uuid.New(),
		EventType: eventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}

	if err := evt.Validate(); err != nil {
		return nil, err
	}

	return evt, nil
}

// Validate checks the structural invariants of an outbox event.
func (evt *Event) Validate() error {
	if evt.ID == uuid.Nil {
		return ErrEventIDRequired
	}

	if evt.EventType == "" {
		return ErrEventTypeRequired
	}

	if len(evt.Payload) == 0 {
		return ErrPayloadRequired
	}

	if len(evt.Payload) > DefaultMaxPayloadBytes {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(evt.Payload), DefaultMaxPayloadBytes)
	}

	if !json.Valid(evt.Payload) {
		return ErrPayloadNotJSON
	}

	if evt.Published && evt.PublishedAt == nil {
		return ErrPublishedAtMissing
	}

	return nil
}

// IsDeadLettered reports whether the event has exhausted its retry budget
// without ever being published.
func (evt *Event) IsDeadLettered(maxRetryCount int) bool {
	return !evt.Published && evt.RetryCount >= maxRetryCount
}
