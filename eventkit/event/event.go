package event

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/onuraltintas/lib-eventkit/eventkit"
)

// DefaultSchemaVersion is the schema version assigned to integration events
// when the producer does not set one.
const DefaultSchemaVersion = 1

// DomainEvent is a fact about a state change, meaningful only within the
// service that produced it. Domain events are transient: they are dispatched
// synchronously inside the unit of work that created them and then discarded.
//
// Concrete events embed DomainBase and add their own payload fields.
type DomainEvent interface {
	EventID() uuid.UUID
	EventType() string
	OccurredAt() time.Time
	CorrelationID() string
}

// IntegrationEvent is a fact meant to cross a service boundary. It extends
// the domain event identity with a schema version, the originating service,
// and an open metadata bag. Its durable lifecycle is owned by the outbox
// record that wraps it.
type IntegrationEvent interface {
	DomainEvent
	Version() int
	Source() string
	Metadata() Metadata
}

// DomainBase carries the identity fields shared by all domain events. Treat a
// constructed base as immutable.
type DomainBase struct {
	ID          uuid.UUID `json:"event_id"`
	Type        string    `json:"event_type"`
	Occurred    time.Time `json:"occurred_at"`
	Correlation string    `json:"correlation_id,omitempty"`
}

// NewDomainBase creates the identity of a new domain event. The correlation
// id is taken from ctx when present so causally related events share a chain.
func NewDomainBase(ctx context.Context, eventType string) (DomainBase, error) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return DomainBase{}, ErrEventTypeRequired
	}

	correlationID, _ := eventkit.CorrelationIDFromContext(ctx)

	return DomainBase{
		ID:          uuid.New(),
		Type:        eventType,
		Occurred:    time.Now().UTC(),
		Correlation: correlationID,
	}, nil
}

// EventID returns the unique event identifier.
func (base DomainBase) EventID() uuid.UUID { return base.ID }

// EventType returns the type discriminator.
func (base DomainBase) EventType() string { return base.Type }

// OccurredAt returns the UTC creation timestamp.
func (base DomainBase) OccurredAt() time.Time { return base.Occurred }

// CorrelationID returns the causal-chain identifier, empty when unset.
func (base DomainBase) CorrelationID() string { return base.Correlation }

// IntegrationBase extends DomainBase with the cross-service fields.
type IntegrationBase struct {
	DomainBase

	SchemaVersion int      `json:"version"`
	EventSource   string   `json:"source,omitempty"`
	Meta          Metadata `json:"metadata,omitempty"`
}

// NewIntegrationBase creates the identity of a new integration event
// originating from source.
func NewIntegrationBase(ctx context.Context, eventType, source string) (IntegrationBase, error) {
	base, err := NewDomainBase(ctx, eventType)
	if err != nil {
		return IntegrationBase{}, err
	}

	return IntegrationBase{
		DomainBase:    base,
		SchemaVersion: DefaultSchemaVersion,
		EventSource:   strings.TrimSpace(source),
	}, nil
}

// Version returns the schema version, defaulting to DefaultSchemaVersion.
func (base IntegrationBase) Version() int {
	if base.SchemaVersion <= 0 {
		return DefaultSchemaVersion
	}

	return base.SchemaVersion
}

// Source returns the originating service name.
func (base IntegrationBase) Source() string { return base.EventSource }

// Metadata returns the metadata bag, never nil.
func (base IntegrationBase) Metadata() Metadata {
	if base.Meta == nil {
		return Metadata{}
	}

	return base.Meta
}

// WithMetadata returns a copy of the base carrying an additional metadata
// entry. The receiver is not mutated.
func (base IntegrationBase) WithMetadata(key string, value any) IntegrationBase {
	meta := base.Meta.Clone()
	meta.Set(key, value)

	base.Meta = meta

	return base
}
