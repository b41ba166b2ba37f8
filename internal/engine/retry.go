package engine

import (
	"sync"
	"time"

	"github.com/roach88/stepsync/internal/progress"
)

// Default retry policy: three retries, linear backoff from one second.
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
)

// RetryPolicy bounds how failed saves are retried.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the original save. Zero
	// drops a batch on its first failure.
	MaxRetries int

	// BaseDelay is multiplied by the attempt number to get the delay before
	// each retry.
	BaseDelay time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: DefaultMaxRetries, BaseDelay: DefaultBaseDelay}
}

// Delay returns the wait before retry number attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	return p.BaseDelay * time.Duration(attempt)
}

// retryQueue tracks the attempt counter and the single armed retry timer of
// every session whose last save failed.
type retryQueue struct {
	clock  Clock
	policy RetryPolicy

	mu      sync.Mutex
	seq     uint64
	entries map[progress.SessionKey]*retryEntry
}

type retryEntry struct {
	attempt int
	id      uint64
	due     time.Time
	cancel  CancelFunc
	lastErr error
}

// retryState is a point-in-time view of a retry entry.
type retryState struct {
	Attempt   int
	Scheduled bool
	Due       time.Time
	LastErr   error
}

func newRetryQueue(clock Clock, policy RetryPolicy) *retryQueue {
	return &retryQueue{
		clock:   clock,
		policy:  policy,
		entries: make(map[progress.SessionKey]*retryEntry),
	}
}

// OnFailure records a failed save for key. While the attempt count is within
// the policy it arms a timer that calls op after the backoff delay and
// returns dropped=false. Otherwise the entry is removed and dropped=true.
func (q *retryQueue) OnFailure(key progress.SessionKey, cause error, op func()) (attempt int, delay time.Duration, dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[key]
	if !ok {
		e = &retryEntry{}
		q.entries[key] = e
	}
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.attempt++
	e.lastErr = cause

	if e.attempt > q.policy.MaxRetries {
		delete(q.entries, key)
		return e.attempt, 0, true
	}

	delay = q.policy.Delay(e.attempt)
	q.seq++
	id := q.seq
	e.id = id
	e.due = q.clock.Now().Add(delay)
	e.cancel = q.clock.AfterFunc(delay, func() { q.fire(key, id, op) })
	return e.attempt, delay, false
}

func (q *retryQueue) fire(key progress.SessionKey, id uint64, op func()) {
	q.mu.Lock()
	e, ok := q.entries[key]
	if !ok || e.id != id || e.cancel == nil {
		q.mu.Unlock()
		return
	}
	e.cancel = nil
	q.mu.Unlock()

	op()
}

// Clear forgets key after a successful retry. It reports whether an entry
// existed.
func (q *retryQueue) Clear(key progress.SessionKey) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[key]
	if !ok {
		return false
	}
	if e.cancel != nil {
		e.cancel()
	}
	delete(q.entries, key)
	return true
}

func (q *retryQueue) State(key progress.SessionKey) (retryState, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[key]
	if !ok {
		return retryState{}, false
	}
	return retryState{
		Attempt:   e.attempt,
		Scheduled: e.cancel != nil,
		Due:       e.due,
		LastErr:   e.lastErr,
	}, true
}

// CancelAll disarms every retry timer and forgets all entries.
func (q *retryQueue) CancelAll() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for key, e := range q.entries {
		if e.cancel != nil {
			e.cancel()
		}
		delete(q.entries, key)
	}
}
