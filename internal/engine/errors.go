package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/stepsync/internal/progress"
)

// ErrClosed is returned by every operation invoked after Close.
var ErrClosed = errors.New("engine: closed")

// BackingStoreError wraps a failure reported by a Gateway.
type BackingStoreError struct {
	// Op names the gateway call: create_session, fetch_session, save_step,
	// save_phase or subscribe.
	Op string

	// Key identifies the affected session.
	Key progress.SessionKey

	// Err is the error returned by the gateway.
	Err error
}

// Error implements the error interface.
func (e *BackingStoreError) Error() string {
	return fmt.Sprintf("backing store %s (session=%s): %v", e.Op, e.Key, e.Err)
}

// Unwrap returns the gateway error.
func (e *BackingStoreError) Unwrap() error {
	return e.Err
}

// SyncError is returned to callers of the synchronous operations
// (InitializeProgress, GetProgress, UpdateStepSync, ForceFlush, Refresh)
// when the backing store could not be reached. Background saves never
// surface a SyncError; they go through the retry queue instead.
type SyncError struct {
	Op  string
	Key progress.SessionKey
	Err error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s (session=%s): %v", e.Op, e.Key, e.Err)
}

// Unwrap returns the underlying error, usually a *BackingStoreError.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// IsSyncError returns true if err is or wraps a *SyncError.
func IsSyncError(err error) bool {
	var se *SyncError
	return errors.As(err, &se)
}

// IsBackingStoreError returns true if err is or wraps a *BackingStoreError.
func IsBackingStoreError(err error) bool {
	var be *BackingStoreError
	return errors.As(err, &be)
}

func storeErr(op string, key progress.SessionKey, err error) error {
	if err == nil {
		return nil
	}
	return &BackingStoreError{Op: op, Key: key, Err: err}
}
