package engine

import (
	"context"
	"sync"

	"github.com/roach88/stepsync/internal/progress"
)

// saveLanes serializes the work that writes one session to the gateway.
// Each lane is a one-slot semaphore, so a waiter can give up when its context
// ends. Lanes are dropped once nobody holds or waits on them.
type saveLanes struct {
	mu    sync.Mutex
	lanes map[progress.SessionKey]*lane
}

type lane struct {
	sem  chan struct{}
	refs int
}

func newSaveLanes() *saveLanes {
	return &saveLanes{lanes: make(map[progress.SessionKey]*lane)}
}

// Acquire blocks until the lane for key is free or ctx is done. The returned
// release must be called exactly once.
func (l *saveLanes) Acquire(ctx context.Context, key progress.SessionKey) (release func(), err error) {
	l.mu.Lock()
	ln, ok := l.lanes[key]
	if !ok {
		ln = &lane{sem: make(chan struct{}, 1)}
		l.lanes[key] = ln
	}
	ln.refs++
	l.mu.Unlock()

	select {
	case ln.sem <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, ln)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-ln.sem
			l.unref(key, ln)
		})
	}, nil
}

func (l *saveLanes) unref(key progress.SessionKey, ln *lane) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ln.refs--
	if ln.refs == 0 && l.lanes[key] == ln {
		delete(l.lanes, key)
	}
}
