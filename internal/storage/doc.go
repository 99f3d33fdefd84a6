// Package storage is the durable backend of the campaign repository.
//
// Two tables hold the state: campaign (one row, id 1) and queue (one row per
// recipient, ordered by position). Every write that touches more than one row
// runs in a single transaction, so a crash can never leave the queue and the
// campaign counters disagreeing.
//
// Drivers:
//   - "sqlite": pure-Go SQLite file (modernc.org/sqlite)
//   - "postgres": PostgreSQL via github.com/lib/pq
package storage
