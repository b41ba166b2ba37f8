package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/stepsync/internal/progress"
)

// Listener receives the session after a remote change has been applied to
// the cache. Listeners run on the gateway's delivery goroutine and must not
// block for long.
type Listener func(progress.Session)

// Subscription is a local listener registration returned by Engine.Subscribe.
type Subscription struct {
	id       string
	key      progress.SessionKey
	listener Listener
	relay    *relay
	once     sync.Once

	// mu is held while the listener runs, so Close waits out a delivery
	// in progress and no delivery starts after it.
	mu     sync.Mutex
	closed bool
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string { return s.id }

// Key returns the session the subscription listens to.
func (s *Subscription) Key() progress.SessionKey { return s.key }

// Close removes the listener. Once Close returns the listener is not called
// again; Close must therefore not be called from inside the listener. The
// gateway subscription is released with the last listener of the session.
// Close is idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.relay.remove(s)
	})
}

func (s *Subscription) deliver(session progress.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.listener(session)
}

// topic is the relay state for one session.
type topic struct {
	subs        []*Subscription
	unsubscribe func()
}

// relay multiplexes local listeners onto one gateway subscription per
// session and routes every push through apply before delivery.
type relay struct {
	gateway Gateway
	ids     IDGenerator
	logger  *slog.Logger
	apply   func(progress.SessionKey, progress.Session) (progress.Session, bool)

	mu     sync.Mutex
	topics map[progress.SessionKey]*topic
}

func newRelay(gw Gateway, ids IDGenerator, logger *slog.Logger, apply func(progress.SessionKey, progress.Session) (progress.Session, bool)) *relay {
	return &relay{
		gateway: gw,
		ids:     ids,
		logger:  logger,
		apply:   apply,
		topics:  make(map[progress.SessionKey]*topic),
	}
}

// Subscribe registers l for key, opening the gateway subscription if this is
// the first listener.
func (r *relay) Subscribe(ctx context.Context, key progress.SessionKey, l Listener) (*Subscription, error) {
	sub := &Subscription{id: r.ids.Generate(), key: key, listener: l, relay: r}

	r.mu.Lock()
	if t, ok := r.topics[key]; ok {
		t.subs = append(t.subs, sub)
		r.mu.Unlock()
		return sub, nil
	}
	r.mu.Unlock()

	// The gateway call happens without r.mu so an implementation that
	// delivers synchronously from Subscribe cannot deadlock the relay.
	unsubscribe, err := r.gateway.Subscribe(ctx, key, func(s progress.Session) { r.deliver(key, s) })
	if err != nil {
		return nil, storeErr("subscribe", key, err)
	}

	r.mu.Lock()
	if t, ok := r.topics[key]; ok {
		t.subs = append(t.subs, sub)
		r.mu.Unlock()
		unsubscribe()
		return sub, nil
	}
	r.topics[key] = &topic{subs: []*Subscription{sub}, unsubscribe: unsubscribe}
	r.mu.Unlock()

	r.logger.Debug("subscription opened",
		"user_id", key.UserID,
		"project_id", key.ProjectID,
		"subscription_id", sub.id,
	)
	return sub, nil
}

func (r *relay) deliver(key progress.SessionKey, pushed progress.Session) {
	s, ok := r.apply(key, pushed)
	if !ok {
		return
	}

	r.mu.Lock()
	t, exists := r.topics[key]
	var subs []*Subscription
	if exists {
		subs = make([]*Subscription, len(t.subs))
		copy(subs, t.subs)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(s.Clone())
	}
}

func (r *relay) remove(sub *Subscription) {
	r.mu.Lock()
	t, ok := r.topics[sub.key]
	if !ok {
		r.mu.Unlock()
		return
	}
	for i, s := range t.subs {
		if s == sub {
			t.subs = append(t.subs[:i], t.subs[i+1:]...)
			break
		}
	}
	var unsubscribe func()
	if len(t.subs) == 0 {
		delete(r.topics, sub.key)
		unsubscribe = t.unsubscribe
	}
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
		r.logger.Debug("subscription released",
			"user_id", sub.key.UserID,
			"project_id", sub.key.ProjectID,
		)
	}
}

// listeners returns the number of local listeners for key.
func (r *relay) listeners(key progress.SessionKey) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.topics[key]; ok {
		return len(t.subs)
	}
	return 0
}

// CloseAll releases every gateway subscription.
func (r *relay) CloseAll() {
	r.mu.Lock()
	topics := r.topics
	r.topics = make(map[progress.SessionKey]*topic)
	r.mu.Unlock()

	for _, t := range topics {
		t.unsubscribe()
	}
}
