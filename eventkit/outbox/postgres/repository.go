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

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver, name "pgx"

	"github.com/onuraltintas/lib-eventkit/eventkit/internal/nilcheck"
	"github.com/onuraltintas/lib-eventkit/eventkit/log"
	"github.com/onuraltintas/lib-eventkit/eventkit/outbox"
	"github.com/onuraltintas/lib-eventkit/eventkit/telemetry"
)

const (
	maxSQLIdentifierLength = 63
	defaultTable           = "outbox_events"

	// maxBackoffExponent bounds POWER(2, n) so the interval math cannot
	// overflow for rows with absurd retry counts.
	maxBackoffExponent = 16
)

var (
	ErrConnectionRequired     = errors.New("postgres connection is required")
	ErrInvalidIdentifier      = errors.New("invalid sql identifier")
	identifierPattern         = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	defaultTransactionTimeout = 30 * time.Second
)

const eventColumns = "id, event_type, payload, routing_key, correlation_id, metadata, " +
	"published, published_at, retry_count, last_error, last_retry_at, created_at"

type Option func(*Repository)

func WithLogger(logger log.Logger) Option {
	return func(repo *Repository) {
		if nilcheck.Interface(logger) {
			return
		}

		repo.logger = logger
	}
}

func WithTable(tableName string) Option {
	return func(repo *Repository) {
		repo.table = tableName
	}
}

func WithTransactionTimeout(timeout time.Duration) Option {
	return func(repo *Repository) {
		if timeout > 0 {
			repo.transactionTimeout = timeout
		}
	}
}

// Repository is the PostgreSQL outbox.Repository. Claims take row locks with
// SKIP LOCKED so concurrent processors divide pending events instead of
// fighting over them, and every mark is a conditional update so a stale
// claimer loses with outbox.ErrStateConflict instead of double-applying.
type Repository struct {
	db                 *sql.DB
	logger             log.Logger
	table              string
	transactionTimeout time.Duration
}

var _ outbox.Repository = (*Repository)(nil)

// NewRepository creates a PostgreSQL outbox repository over db.
func NewRepository(db *sql.DB, opts ...Option) (*Repository, error) {
	if db == nil {
		return nil, ErrConnectionRequired
	}

	repo := &Repository{
		db:                 db,
		logger:             log.NewNop(),
		table:              defaultTable,
		transactionTimeout: defaultTransactionTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}

	repo.table = strings.TrimSpace(repo.table)
	if repo.table == "" {
		repo.table = defaultTable
	}

	if err := validateIdentifierPath(repo.table); err != nil {
		return nil, fmt.Errorf("outbox table: %w", err)
	}

	return repo, nil
}

// Create implements outbox.Repository. The insert rides the caller's
// transaction, so the event commits or rolls back with the surrounding state
// change.
func (repo *Repository) Create(ctx context.Context, tx outbox.Tx, evt *outbox.Event) error {
	if tx == nil {
		return outbox.ErrTransactionRequired
	}

	if evt == nil {
		return outbox.ErrOutboxEventRequired
	}

	if err := evt.Validate(); err != nil {
		return err
	}

	metadata, err := marshalMetadata(evt.Metadata)
	if err != nil {
		return err
	}

	query := "INSERT INTO " + repo.quotedTable() + " (" + eventColumns + ")" +
		" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)"

	if _, err := tx.ExecContext(ctx, query,
		evt.ID,
		evt.EventType,
		evt.Payload,
		evt.RoutingKey,
		evt.CorrelationID,
		metadata,
		evt.Published,
		evt.PublishedAt,
		evt.RetryCount,
		evt.LastError,
		evt.LastRetryAt,
		evt.CreatedAt,
	); err != nil {
		return fmt.Errorf("inserting outbox event: %w", err)
	}

	return nil
}

// ClaimUnpublished implements outbox.Repository. Eligibility is evaluated in
// SQL: fresh rows immediately, failed rows once
// baseDelay * 2^(retry_count-1), capped at maxDelay, has elapsed since the
// last attempt.
func (repo *Repository) ClaimUnpublished(
	ctx context.Context,
	limit, maxRetryCount int,
	baseDelay, maxDelay time.Duration,
) ([]*outbox.Event, error) {
	return repo.claim(ctx, "postgres.claim_unpublished", false, limit, maxRetryCount, baseDelay, maxDelay)
}

// ClaimFailedForRetry implements outbox.Repository.
func (repo *Repository) ClaimFailedForRetry(
	ctx context.Context,
	limit, maxRetryCount int,
	baseDelay, maxDelay time.Duration,
) ([]*outbox.Event, error) {
	return repo.claim(ctx, "postgres.claim_failed", true, limit, maxRetryCount, baseDelay, maxDelay)
}

func (repo *Repository) claim(
	ctx context.Context,
	spanName string,
	failedOnly bool,
	limit, maxRetryCount int,
	baseDelay, maxDelay time.Duration,
) ([]*outbox.Event, error) {
	if limit <= 0 {
		return nil, outbox.ErrLimitMustBePositive
	}

	if maxRetryCount <= 0 {
		return nil, outbox.ErrMaxRetryMustBePositive
	}

	tracer := telemetry.TracerFromContext(ctx)

	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	query := "SELECT " + eventColumns + " FROM " + repo.quotedTable() +
		" WHERE published = FALSE" +
		" AND retry_count < $2" +
		" AND (retry_count = 0 OR last_retry_at IS NULL" +
		" OR last_retry_at + make_interval(secs =>" +
		" LEAST($3 * POWER(2, LEAST(retry_count - 1, " + fmt.Sprint(maxBackoffExponent) + ")), $4)) <= now())"

	if failedOnly {
		query += " AND retry_count > 0"
	}

	query += " ORDER BY created_at ASC LIMIT $1 FOR UPDATE SKIP LOCKED"

	events, err := withTx(repo, ctx, func(tx *sql.Tx) ([]*outbox.Event, error) {
		rows, err := tx.QueryContext(ctx, query, limit, maxRetryCount, baseDelay.Seconds(), maxDelay.Seconds())
		if err != nil {
			return nil, fmt.Errorf("querying pending events: %w", err)
		}

		defer rows.Close()

		return scanEvents(rows)
	})
	if err != nil {
		telemetry.HandleSpanError(&span, "failed to claim outbox events", err)
		repo.logger.Log(ctx, log.LevelError, "failed to claim outbox events", log.Err(err))

		return nil, fmt.Errorf("claiming outbox events: %w", err)
	}

	return events, nil
}

// MarkPublished implements outbox.Repository.
func (repo *Repository) MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error {
	query := "UPDATE " + repo.quotedTable() +
		" SET published = TRUE, published_at = $2 WHERE id = $1 AND published = FALSE"

	return repo.conditionalUpdate(ctx, "marking outbox event published", query, id, publishedAt)
}

// MarkFailed implements outbox.Repository. The retry count only advances when
// it still matches what the caller claimed, so two processors racing over one
// row record a single failure.
func (repo *Repository) MarkFailed(
	ctx context.Context,
	id uuid.UUID,
	errMsg string,
	expectedRetryCount int,
	failedAt time.Time,
) error {
	query := "UPDATE " + repo.quotedTable() +
		" SET retry_count = retry_count + 1, last_error = $2, last_retry_at = $3" +
		" WHERE id = $1 AND published = FALSE AND retry_count = $4"

	return repo.conditionalUpdate(ctx, "marking outbox event failed", query, id, errMsg, failedAt, expectedRetryCount)
}

// MarkFailedPermanent implements outbox.Repository.
func (repo *Repository) MarkFailedPermanent(
	ctx context.Context,
	id uuid.UUID,
	errMsg string,
	retryCeiling int,
	failedAt time.Time,
) error {
	query := "UPDATE " + repo.quotedTable() +
		" SET retry_count = GREATEST(retry_count, $4), last_error = $2, last_retry_at = $3" +
		" WHERE id = $1 AND published = FALSE"

	return repo.conditionalUpdate(ctx, "dead-lettering outbox event", query, id, errMsg, failedAt, retryCeiling)
}

func (repo *Repository) conditionalUpdate(ctx context.Context, action, query string, args ...any) error {
	result, err := repo.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", action, err)
	}

	if rows == 0 {
		return outbox.ErrStateConflict
	}

	return nil
}

// DeletePublishedBefore implements outbox.Repository.
func (repo *Repository) DeletePublishedBefore(ctx context.Context, threshold time.Time) (int64, error) {
	tracer := telemetry.TracerFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.outbox_cleanup")
	defer span.End()

	query := "DELETE FROM " + repo.quotedTable() + " WHERE published = TRUE AND published_at < $1"

	result, err := repo.db.ExecContext(ctx, query, threshold)
	if err != nil {
		telemetry.HandleSpanError(&span, "failed to clean up outbox events", err)
		repo.logger.Log(ctx, log.LevelError, "failed to clean up outbox events", log.Err(err))

		return 0, fmt.Errorf("deleting published events: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("deleting published events: rows affected: %w", err)
	}

	return deleted, nil
}

// Statistics implements outbox.Repository.
func (repo *Repository) Statistics(ctx context.Context, maxRetryCount int) (*outbox.Statistics, error) {
	if maxRetryCount <= 0 {
		return nil, outbox.ErrMaxRetryMustBePositive
	}

	query := "SELECT COUNT(*)," +
		" COUNT(*) FILTER (WHERE published)," +
		" COUNT(*) FILTER (WHERE NOT published)," +
		" COUNT(*) FILTER (WHERE NOT published AND retry_count > 0)," +
		" COUNT(*) FILTER (WHERE NOT published AND retry_count >= $1)," +
		" MAX(published_at) FILTER (WHERE published)," +
		" MIN(created_at) FILTER (WHERE NOT published)" +
		" FROM " + repo.quotedTable()

	stats := &outbox.Statistics{}

	var (
		lastPublished     sql.NullTime
		oldestUnpublished sql.NullTime
	)

	if err := repo.db.QueryRowContext(ctx, query, maxRetryCount).Scan(
		&stats.TotalEvents,
		&stats.PublishedEvents,
		&stats.UnpublishedEvents,
		&stats.FailedEvents,
		&stats.DeadLetteredEvents,
		&lastPublished,
		&oldestUnpublished,
	); err != nil {
		return nil, fmt.Errorf("querying outbox statistics: %w", err)
	}

	if lastPublished.Valid {
		stats.LastPublishedAt = &lastPublished.Time
	}

	if oldestUnpublished.Valid {
		stats.OldestUnpublishedAt = &oldestUnpublished.Time
	}

	return stats, nil
}

// ListDeadLettered implements outbox.Repository.
func (repo *Repository) ListDeadLettered(ctx context.Context, limit, maxRetryCount int) ([]*outbox.Event, error) {
	if limit <= 0 {
		return nil, outbox.ErrLimitMustBePositive
	}

	if maxRetryCount <= 0 {
		return nil, outbox.ErrMaxRetryMustBePositive
	}

	query := "SELECT " + eventColumns + " FROM " + repo.quotedTable() +
		" WHERE published = FALSE AND retry_count >= $2 ORDER BY created_at ASC LIMIT $1"

	rows, err := repo.db.QueryContext(ctx, query, limit, maxRetryCount)
	if err != nil {
		return nil, fmt.Errorf("querying dead-lettered events: %w", err)
	}

	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("querying dead-lettered events: %w", err)
	}

	return events, nil
}

func scanEvents(rows *sql.Rows) ([]*outbox.Event, error) {
	var events []*outbox.Event

	for rows.Next() {
		var (
			evt         outbox.Event
			metadata    []byte
			publishedAt sql.NullTime
			lastRetryAt sql.NullTime
		)

		if err := rows.Scan(
			&evt.ID,
			&evt.EventType,
			&evt.Payload,
			&evt.RoutingKey,
			&evt.CorrelationID,
			&metadata,
			&evt.Published,
			&publishedAt,
			&evt.RetryCount,
			&evt.LastError,
			&lastRetryAt,
			&evt.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning outbox event: %w", err)
		}

		if len(metadata) > 0 && string(metadata) != "{}" {
			if err := json.Unmarshal(metadata, &evt.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshaling outbox metadata: %w", err)
			}
		}

		if publishedAt.Valid {
			evt.PublishedAt = &publishedAt.Time
		}

		if lastRetryAt.Valid {
			evt.LastRetryAt = &lastRetryAt.Time
		}

		events = append(events, &evt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outbox events: %w", err)
	}

	return events, nil
}

func withTx[T any](repo *Repository, ctx context.Context, fn func(*sql.Tx) (T, error)) (T, error) {
	var zero T

	if ctx == nil {
		ctx = context.Background()
	}

	txCtx := ctx

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc

		txCtx, cancel = context.WithTimeout(ctx, repo.transactionTimeout)
		defer cancel()
	}

	tx, err := repo.db.BeginTx(txCtx, nil)
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

func marshalMetadata(metadata map[string]any) ([]byte, error) {
	if len(metadata) == 0 {
		return []byte("{}"), nil
	}

	encoded, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshaling outbox metadata: %w", err)
	}

	return encoded, nil
}

func (repo *Repository) quotedTable() string {
	return quoteIdentifierPath(repo.table)
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
