package engine

import (
	"sync"
	"time"

	"github.com/roach88/stepsync/internal/progress"
)

// debouncer keeps at most one armed save timer per session. Scheduling again
// before the timer fires cancels the previous one, so a burst of mutations
// produces a single save debounce after the last of them.
//
// A generation id guards against a cancelled timer whose callback was
// already on its way when Cancel or Schedule ran.
type debouncer struct {
	clock Clock

	mu     sync.Mutex
	seq    uint64
	timers map[progress.SessionKey]*armedTimer
}

type armedTimer struct {
	id     uint64
	due    time.Time
	cancel CancelFunc
}

func newDebouncer(clock Clock) *debouncer {
	return &debouncer{
		clock:  clock,
		timers: make(map[progress.SessionKey]*armedTimer),
	}
}

// Schedule arms (or re-arms) the timer for key to call fn after delay.
func (d *debouncer) Schedule(key progress.SessionKey, delay time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.timers[key]; ok {
		prev.cancel()
	}
	d.seq++
	id := d.seq
	t := &armedTimer{id: id, due: d.clock.Now().Add(delay)}
	t.cancel = d.clock.AfterFunc(delay, func() { d.fire(key, id, fn) })
	d.timers[key] = t
}

func (d *debouncer) fire(key progress.SessionKey, id uint64, fn func()) {
	d.mu.Lock()
	cur, ok := d.timers[key]
	if !ok || cur.id != id {
		d.mu.Unlock()
		return
	}
	delete(d.timers, key)
	d.mu.Unlock()

	fn()
}

// Cancel disarms the timer for key. It reports whether one was armed.
func (d *debouncer) Cancel(key progress.SessionKey) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.timers[key]
	if !ok {
		return false
	}
	t.cancel()
	delete(d.timers, key)
	return true
}

// Due reports when the armed timer for key fires.
func (d *debouncer) Due(key progress.SessionKey) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.timers[key]
	if !ok {
		return time.Time{}, false
	}
	return t.due, true
}

// CancelAll disarms every timer.
func (d *debouncer) CancelAll() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key, t := range d.timers {
		t.cancel()
		delete(d.timers, key)
	}
}
