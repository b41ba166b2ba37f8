// Package progress provides the value types for a user's progress through the
// eight-phase workflow and the pure functions that derive completion metrics
// from them.
//
// This package has no I/O and imports nothing internal. Every other internal
// package builds on it.
//
// Key design constraints:
//   - Sessions are values: ApplyStepUpdate and ApplyPhaseChange return a new
//     Session and never mutate their input, so a snapshot can be shared with a
//     pending save while the caller keeps editing.
//   - Every Session carries all eight phases (Normalize restores the invariant
//     for sessions decoded from a backing store).
//   - completionPercentage is derived, never set by callers.
//   - All JSON tags use snake_case.
package progress
