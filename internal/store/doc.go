// Package store records agent activity and human decisions using SQLite.
//
// # Architecture
//
// The Store interface covers two append-mostly tables:
//
//   - activity_log: auto-approved actions, review records, agent spawn/exit
//     and attention notifications
//   - decisions: the outcome of every human request (approved, rejected or
//     timed out), keyed by request ID
//
// SQLiteStore implements Store with modernc.org/sqlite. MockStore keeps the
// same data in memory for unit tests.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode:
//
//	PRAGMA journal_mode=WAL;
//
// Timestamps are stored as fixed-width UTC strings so ORDER BY on them is
// chronological. Column additions are applied on open and are idempotent.
//
// # Error Handling
//
// GetDecision returns ErrNotFound for unknown request IDs. All methods accept
// context.Context for cancellation support.
//
// This is an audit trail, not a message queue: nothing here is replayed.
package store
