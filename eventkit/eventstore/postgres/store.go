package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver, name "pgx"

	"github.com/onuraltintas/lib-eventkit/eventkit/codec"
	"github.com/onuraltintas/lib-eventkit/eventkit/event"
	"github.com/onuraltintas/lib-eventkit/eventkit/eventstore"
	"github.com/onuraltintas/lib-eventkit/eventkit/internal/nilcheck"
	"github.com/onuraltintas/lib-eventkit/eventkit/log"
	"github.com/onuraltintas/lib-eventkit/eventkit/telemetry"
)

const (
	maxSQLIdentifierLength = 63
	uniqueViolationCode    = "23505"

	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	ErrConnectionRequired     = errors.New("postgres connection is required")
	ErrInvalidIdentifier      = errors.New("invalid sql identifier")
	identifierPattern         = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	defaultTransactionTimeout = 30 * time.Second
)

// Open opens a pgx-backed database/sql pool with sane pool defaults.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}

	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetMaxIdleConns(defaultMaxIdleConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	return db, nil
}

type Option func(*Store)

func WithLogger(logger log.Logger) Option {
	return func(store *Store) {
		if nilcheck.Interface(logger) {
			return
		}

		store.logger = logger
	}
}

func WithStreamsTable(tableName string) Option {
	return func(store *Store) {
		store.streamsTable = tableName
	}
}

func WithEventsTable(tableName string) Option {
	return func(store *Store) {
		store.eventsTable = tableName
	}
}

func WithTransactionTimeout(timeout time.Duration) Option {
	return func(store *Store) {
		if timeout > 0 {
			store.transactionTimeout = timeout
		}
	}
}

// Store persists event streams in PostgreSQL.
type Store struct {
	db                 *sql.DB
	serializer         codec.Serializer
	logger             log.Logger
	streamsTable       string
	eventsTable        string
	transactionTimeout time.Duration
}

var _ eventstore.Store = (*Store)(nil)

// NewStore creates a PostgreSQL event store over db.
func NewStore(db *sql.DB, serializer codec.Serializer, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrConnectionRequired
	}

	if nilcheck.Interface(serializer) {
		return nil, eventstore.ErrSerializerRequired
	}

	store := &Store{
		db:                 db,
		serializer:         serializer,
		logger:             log.NewNop(),
		streamsTable:       "event_streams",
		eventsTable:        "stored_events",
		transactionTimeout: defaultTransactionTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	if nilcheck.Interface(store.logger) {
		store.logger = log.NewNop()
	}

	store.streamsTable = strings.TrimSpace(store.streamsTable)
	if store.streamsTable == "" {
		store.streamsTable = "event_streams"
	}

	store.eventsTable = strings.TrimSpace(store.eventsTable)
	if store.eventsTable == "" {
		store.eventsTable = "stored_events"
	}

	if err := validateIdentifierPath(store.streamsTable); err != nil {
		return nil, fmt.Errorf("streams table: %w", err)
	}

	if err := validateIdentifierPath(store.eventsTable); err != nil {
		return nil, fmt.Errorf("events table: %w", err)
	}

	return store, nil
}

// AppendEvents implements eventstore.Store. The version check, event inserts,
// and version bump run in a single transaction, so concurrent appenders to
// the same stream serialize on the stream row and the loser observes a
// *eventstore.ConcurrencyError.
func (store *Store) AppendEvents(
	ctx context.Context,
	streamID string,
	events []event.DomainEvent,
	expectedVersion int64,
) error {
	streamID, err := validateStreamID(streamID)
	if err != nil {
		return err
	}

	if len(events) == 0 {
		return eventstore.ErrNoEventsToAppend
	}

	if expectedVersion < 0 {
		return eventstore.ErrNegativeExpectedVersion
	}

	// Serialize before opening the transaction so a codec failure costs no
	// database work and persists nothing.
	now := time.Now().UTC()
	records := make([]eventstore.StoredEvent, 0, len(events))

	for i, evt := range events {
		record, encodeErr := encodeEvent(store.serializer, streamID, expectedVersion+int64(i)+1, evt, now)
		if encodeErr != nil {
			return encodeErr
		}

		records = append(records, record)
	}

	tracer := telemetry.TracerFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.append_events")
	defer span.End()

	_, err = withTx(store, ctx, func(tx *sql.Tx) (struct{}, error) {
		return struct{}{}, store.appendTx(ctx, tx, streamID, records, expectedVersion, now)
	})
	if err != nil {
		var conflict *eventstore.ConcurrencyError
		if errors.As(err, &conflict) {
			return err
		}

		telemetry.HandleSpanError(&span, "failed to append events", err)
		store.logger.Log(ctx, log.LevelError, "failed to append events",
			log.String("stream_id", streamID), log.Err(err))

		return fmt.Errorf("appending events: %w", err)
	}

	return nil
}

func (store *Store) appendTx(
	ctx context.Context,
	tx *sql.Tx,
	streamID string,
	records []eventstore.StoredEvent,
	expectedVersion int64,
	now time.Time,
) error {
	streams := quoteIdentifierPath(store.streamsTable)
	events := quoteIdentifierPath(store.eventsTable)

	insertStream := "INSERT INTO " + streams +
		" (stream_id, version, created_at, updated_at) VALUES ($1, 0, $2, $2) ON CONFLICT (stream_id) DO NOTHING"
	if _, err := tx.ExecContext(ctx, insertStream, streamID, now); err != nil {
		return fmt.Errorf("ensuring stream row: %w", err)
	}

	var actualVersion int64

	selectVersion := "SELECT version FROM " + streams + " WHERE stream_id = $1 FOR UPDATE"
	if err := tx.QueryRowContext(ctx, selectVersion, streamID).Scan(&actualVersion); err != nil {
		return fmt.Errorf("locking stream row: %w", err)
	}

	if actualVersion != expectedVersion {
		return eventstore.NewConcurrencyError(streamID, expectedVersion, actualVersion)
	}

	insertEvent := "INSERT INTO " + events +
		" (stream_id, version, event_type, event_data, metadata, occurred_at, stored_at)" +
		" VALUES ($1, $2, $3, $4, $5, $6, $7)"

	for _, record := range records {
		metadata, err := marshalMetadata(record.Metadata)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, insertEvent,
			record.StreamID,
			record.Version,
			record.EventType,
			record.EventData,
			metadata,
			record.OccurredAt,
			record.StoredAt,
		); err != nil {
			// The (stream_id, version) primary key backstops the version
			// check against writers that bypass the stream row lock.
			if isUniqueViolation(err) {
				return eventstore.NewConcurrencyError(streamID, expectedVersion, actualVersion)
			}

			return fmt.Errorf("inserting event version %d: %w", record.Version, err)
		}
	}

	newVersion := expectedVersion + int64(len(records))

	updateStream := "UPDATE " + streams + " SET version = $1, updated_at = $2 WHERE stream_id = $3"
	if _, err := tx.ExecContext(ctx, updateStream, newVersion, now, streamID); err != nil {
		return fmt.Errorf("advancing stream version: %w", err)
	}

	return nil
}

// GetEvents implements eventstore.Store.
func (store *Store) GetEvents(
	ctx context.Context,
	streamID string,
	fromVersion int64,
) ([]event.DomainEvent, error) {
	records, err := store.storedEventsAfter(ctx, streamID, fromVersion)
	if err != nil {
		return nil, err
	}

	events := make([]event.DomainEvent, 0, len(records))

	for _, record := range records {
		evt, decodeErr := store.serializer.Deserialize(record.EventType, record.EventData)
		if decodeErr != nil {
			return nil, decodeErr
		}

		events = append(events, evt)
	}

	return events, nil
}

// GetStream implements eventstore.Store.
func (store *Store) GetStream(
	ctx context.Context,
	streamID string,
	fromVersion int64,
) (*eventstore.EventStream, error) {
	streamID, err := validateStreamID(streamID)
	if err != nil {
		return nil, err
	}

	if fromVersion < 0 {
		return nil, eventstore.ErrNegativeFromVersion
	}

	tracer := telemetry.TracerFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.get_stream")
	defer span.End()

	result, err := withTx(store, ctx, func(tx *sql.Tx) (*eventstore.EventStream, error) {
		streams := quoteIdentifierPath(store.streamsTable)
		query := "SELECT version, created_at, updated_at FROM " + streams + " WHERE stream_id = $1"

		stream := &eventstore.EventStream{StreamID: streamID}

		err := tx.QueryRowContext(ctx, query, streamID).Scan(&stream.Version, &stream.CreatedAt, &stream.UpdatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		if err != nil {
			return nil, fmt.Errorf("querying stream: %w", err)
		}

		records, err := store.queryStoredEvents(ctx, tx, streamID, fromVersion)
		if err != nil {
			return nil, err
		}

		stream.Events = records

		return stream, nil
	})
	if err != nil {
		telemetry.HandleSpanError(&span, "failed to get stream", err)
		store.logger.Log(ctx, log.LevelError, "failed to get stream",
			log.String("stream_id", streamID), log.Err(err))

		return nil, fmt.Errorf("getting stream: %w", err)
	}

	return result, nil
}

// GetStreamVersion implements eventstore.Store.
func (store *Store) GetStreamVersion(ctx context.Context, streamID string) (int64, error) {
	streamID, err := validateStreamID(streamID)
	if err != nil {
		return 0, err
	}

	streams := quoteIdentifierPath(store.streamsTable)
	query := "SELECT version FROM " + streams + " WHERE stream_id = $1"

	var version int64

	err = store.db.QueryRowContext(ctx, query, streamID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("querying stream version: %w", err)
	}

	return version, nil
}

// StreamExists implements eventstore.Store.
func (store *Store) StreamExists(ctx context.Context, streamID string) (bool, error) {
	version, err := store.GetStreamVersion(ctx, streamID)
	if err != nil {
		return false, err
	}

	return version > 0, nil
}

// DeleteStream implements eventstore.Store. Events follow the stream row via
// ON DELETE CASCADE.
func (store *Store) DeleteStream(ctx context.Context, streamID string) error {
	streamID, err := validateStreamID(streamID)
	if err != nil {
		return err
	}

	tracer := telemetry.TracerFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.delete_stream")
	defer span.End()

	_, err = withTx(store, ctx, func(tx *sql.Tx) (struct{}, error) {
		streams := quoteIdentifierPath(store.streamsTable)

		result, execErr := tx.ExecContext(ctx, "DELETE FROM "+streams+" WHERE stream_id = $1", streamID)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("deleting stream: %w", execErr)
		}

		rows, rowsErr := result.RowsAffected()
		if rowsErr != nil {
			return struct{}{}, fmt.Errorf("rows affected: %w", rowsErr)
		}

		if rows == 0 {
			return struct{}{}, eventstore.ErrStreamNotFound
		}

		return struct{}{}, nil
	})
	if err != nil {
		if errors.Is(err, eventstore.ErrStreamNotFound) {
			return err
		}

		telemetry.HandleSpanError(&span, "failed to delete stream", err)
		store.logger.Log(ctx, log.LevelError, "failed to delete stream",
			log.String("stream_id", streamID), log.Err(err))

		return fmt.Errorf("deleting stream: %w", err)
	}

	return nil
}

func (store *Store) storedEventsAfter(
	ctx context.Context,
	streamID string,
	fromVersion int64,
) ([]eventstore.StoredEvent, error) {
	streamID, err := validateStreamID(streamID)
	if err != nil {
		return nil, err
	}

	if fromVersion < 0 {
		return nil, eventstore.ErrNegativeFromVersion
	}

	tracer := telemetry.TracerFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.get_events")
	defer span.End()

	records, err := withTx(store, ctx, func(tx *sql.Tx) ([]eventstore.StoredEvent, error) {
		return store.queryStoredEvents(ctx, tx, streamID, fromVersion)
	})
	if err != nil {
		telemetry.HandleSpanError(&span, "failed to get events", err)
		store.logger.Log(ctx, log.LevelError, "failed to get events",
			log.String("stream_id", streamID), log.Err(err))

		return nil, fmt.Errorf("getting events: %w", err)
	}

	return records, nil
}

func (store *Store) queryStoredEvents(
	ctx context.Context,
	tx *sql.Tx,
	streamID string,
	fromVersion int64,
) ([]eventstore.StoredEvent, error) {
	events := quoteIdentifierPath(store.eventsTable)
	query := "SELECT stream_id, version, event_type, event_data, metadata, occurred_at, stored_at FROM " +
		events + " WHERE stream_id = $1 AND version > $2 ORDER BY version ASC"

	rows, err := tx.QueryContext(ctx, query, streamID, fromVersion)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}

	defer rows.Close()

	var records []eventstore.StoredEvent

	for rows.Next() {
		var (
			record   eventstore.StoredEvent
			metadata []byte
		)

		if err := rows.Scan(
			&record.StreamID,
			&record.Version,
			&record.EventType,
			&record.EventData,
			&metadata,
			&record.OccurredAt,
			&record.StoredAt,
		); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}

		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &record.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshaling event metadata: %w", err)
			}
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}

	return records, nil
}

func withTx[T any](store *Store, ctx context.Context, fn func(*sql.Tx) (T, error)) (T, error) {
	var zero T

	if ctx == nil {
		ctx = context.Background()
	}

	txCtx := ctx

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc

		txCtx, cancel = context.WithTimeout(ctx, store.transactionTimeout)
		defer cancel()
	}

	tx, err := store.db.BeginTx(txCtx, nil)
	if err != nil {
		return zero, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	result, err := fn(tx)
	if err != nil {
		return zero, err
	}

	if err := tx.Commit(); err != nil {
		return zero, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return result, nil
}

func encodeEvent(
	serializer codec.Serializer,
	streamID string,
	version int64,
	evt event.DomainEvent,
	now time.Time,
) (eventstore.StoredEvent, error) {
	payload, eventType, err := serializer.Serialize(evt)
	if err != nil {
		return eventstore.StoredEvent{}, err
	}

	var metadata event.Metadata
	if correlationID := evt.CorrelationID(); correlationID != "" {
		metadata = event.Metadata{"correlation_id": correlationID}
	}

	return eventstore.StoredEvent{
		StreamID:   streamID,
		Version:    version,
		EventType:  eventType,
		EventData:  payload,
		Metadata:   metadata,
		OccurredAt: evt.OccurredAt(),
		StoredAt:   now,
	}, nil
}

func marshalMetadata(metadata event.Metadata) ([]byte, error) {
	if len(metadata) == 0 {
		return []byte("{}"), nil
	}

	encoded, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshaling event metadata: %w", err)
	}

	return encoded, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError

	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

func validateStreamID(streamID string) (string, error) {
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return "", eventstore.ErrStreamIDRequired
	}

	return streamID, nil
}

func validateIdentifier(identifier string) error {
	if len(identifier) > maxSQLIdentifierLength {
		return ErrInvalidIdentifier
	}

	if !identifierPattern.MatchString(identifier) {
		return ErrInvalidIdentifier
	}

	return nil
}

func validateIdentifierPath(path string) error {
	parts := strings.Split(path, ".")
	if len(parts) == 0 {
		return ErrInvalidIdentifier
	}

	for _, part := range parts {
		if err := validateIdentifier(strings.TrimSpace(part)); err != nil {
			return err
		}
	}

	return nil
}

func quoteIdentifierPath(path string) string {
	parts := strings.Split(path, ".")
	quoted := make([]string, 0, len(parts))

	for _, part := range parts {
		quoted = append(quoted, quoteIdentifier(strings.TrimSpace(part)))
	}

	return strings.Join(quoted, ".")
}

func quoteIdentifier(identifier string) string {
	identifier = strings.ReplaceAll(identifier, "\x00", "")

	return "\"" + strings.ReplaceAll(identifier, "\"", "\"\"") + "\""
}
