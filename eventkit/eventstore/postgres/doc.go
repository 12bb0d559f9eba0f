// Package postgres implements the event store on PostgreSQL.
//
// Appends run as a single transaction that locks the stream row, verifies the
// expected version, inserts the event records, and advances the stream
// version. The (stream_id, version) primary key on the events table backstops
// the optimistic concurrency check. Schema management is embedded, call
// RunMigrations on startup.
package postgres
