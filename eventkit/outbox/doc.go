// Package outbox implements the transactional outbox pattern: domain events
// are stored in the same database transaction as the state change that
// produced them, then published to the event bus by a background processor.
//
// Delivery is at-least-once. An event row is only marked published after the
// bus accepts it, so a crash between publish and mark replays the event on
// the next cycle; consumers must deduplicate by event id. Publish failures
// are retried with capped exponential backoff until the retry budget is
// exhausted, after which the row stays unpublished and is surfaced through
// GetStatistics and ListDeadLetteredEvents.
package outbox
