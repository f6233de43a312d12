// Package store provides persistent storage for coven-concierge using SQLite.
//
// # Architecture
//
// A single Store interface covers the four kinds of durable data the service
// owns. SQLiteStore is the production implementation; MockStore is an
// in-memory implementation with the same semantics for unit tests.
//
// # Data Models
//
//   - Customer: tenant-scoped identity keyed by channel address
//   - ConversationState: the one active state record per customer, with an
//     optimistic-concurrency version
//   - Interaction: append-only log of inbound and outbound exchanges
//   - QueueEntry: a customer waiting for, or being handled by, an operator
//   - AuditEntry: one row per committed transition or queue status change
//
// # Atomicity
//
// CommitTransition writes the state row, its interactions and its audit row
// in one transaction. Queue transitions are single guarded UPDATE statements;
// when the guard matches no row the current row is read in the same
// transaction to report why (ErrAlreadyClaimed, ErrNotHolder,
// ErrLockExpired, ErrInvalidTransition).
//
// The database handle is limited to one open connection, so transactions in
// one process never interleave. Busy or locked errors from other processes
// surface as ErrTransient.
//
// # Multi-tenancy
//
// Every row carries workspace_id and every query filters on it.
package store
