package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/stepsync/internal/progress"
)

var (
	t0      = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	testKey = progress.SessionKey{UserID: "u1", ProjectID: "p1"}
	drivers = []string{DriverCGo, DriverPureGo}
)

// createTestStore opens a store in a fresh temp directory.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	return openTestStore(t, filepath.Join(t.TempDir(), "test.db"), opts...)
}

// openTestStore opens path and closes it when the test ends.
func openTestStore(t *testing.T, path string, opts ...Option) *Store {
	t.Helper()
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// stepClock returns a time source that advances one second per call.
func stepClock(start time.Time) func() time.Time {
	next := start
	return func() time.Time {
		now := next
		next = next.Add(time.Second)
		return now
	}
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }
