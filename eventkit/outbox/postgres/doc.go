// Package postgres stores outbox events in PostgreSQL.
//
// Pending rows are claimed with FOR UPDATE SKIP LOCKED so concurrent
// processors partition the backlog, retry backoff is evaluated in SQL, and
// publish outcomes are recorded through conditional updates that surface
// outbox.ErrStateConflict when another processor already applied a result.
// RunMigrations applies the embedded schema.
package postgres
