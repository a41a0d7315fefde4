// Package storage persists the connectivity state that must survive a
// restart: which devices are offline since when, and the last instant each
// device was notified.
//
// Drivers:
//   - "memory" (default): process-local maps, nothing persisted
//   - "file": JSON snapshot + append-only journal
//   - "sqlite": modernc.org/sqlite database file
//   - "postgres": pgx connection pool
package storage
