// Package dispatcher fans domain events out to synchronous in-process
// handlers as part of the unit of work that produced them.
package dispatcher
