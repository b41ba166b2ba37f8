package engine

import (
	"sync"

	"github.com/roach88/stepsync/internal/progress"
)

// sessionCache holds the optimistic, authoritative-for-reads copy of each
// session. Values stored here are owned by the cache; callers receive
// clones from Get so they cannot mutate cached state.
type sessionCache struct {
	mu       sync.RWMutex
	sessions map[progress.SessionKey]progress.Session
}

func newSessionCache() *sessionCache {
	return &sessionCache{sessions: make(map[progress.SessionKey]progress.Session)}
}

// Get returns a deep copy of the cached session.
func (c *sessionCache) Get(key progress.SessionKey) (progress.Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[key]
	if !ok {
		return progress.Session{}, false
	}
	return s.Clone(), true
}

// peek returns the cached value without copying. The result must be treated
// as read-only.
func (c *sessionCache) peek(key progress.SessionKey) (progress.Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[key]
	return s, ok
}

// Put replaces the cached session unconditionally.
func (c *sessionCache) Put(key progress.SessionKey, s progress.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[key] = s
}

// PutIfAbsent stores s only when no entry exists and returns whichever value
// ends up cached. It keeps a late-finishing load from clobbering mutations
// applied while the load was in flight.
func (c *sessionCache) PutIfAbsent(key progress.SessionKey, s progress.Session) progress.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.sessions[key]; ok {
		return cur
	}
	c.sessions[key] = s
	return s
}

func (c *sessionCache) Invalidate(key progress.SessionKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, key)
}

func (c *sessionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = make(map[progress.SessionKey]progress.Session)
}

func (c *sessionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}
