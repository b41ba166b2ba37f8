// Package store provides a SQLite-backed Gateway for the sync engine.
//
// Sessions are stored across three tables:
//   - sessions: one row per (user_id, project_id), current phase and fingerprint
//   - phases: the eight phase rows of each session
//   - steps: step rows, ordered by position within their phase
//
// # Write Semantics
//
// SaveStep stores the step exactly as the engine sent it (including its
// completed_at) and recomputes the phase's completion percentage inside the
// same transaction, so the stored rows always satisfy the progress model's
// invariants. Every write refreshes the session fingerprint
// (progress.Fingerprint).
//
// # Change Notifications
//
// Subscribe polls the session fingerprint. A change not written by this
// Store instance is reported to the subscriber, which lets a process watch
// edits made by another process sharing the database file.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Two drivers are supported: "sqlite3" (github.com/mattn/go-sqlite3, cgo)
// and "sqlite" (modernc.org/sqlite, pure Go).
package store
