package remote

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/stepsync/internal/progress"
)

// Subscribe implements engine.Gateway. onChange receives every session
// published on the key's channel by other Gateways.
func (g *Gateway) Subscribe(ctx context.Context, key progress.SessionKey, onChange func(progress.Session)) (func(), error) {
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	pubsub := g.client.Subscribe(ctx, changesChannel(g.prefix, key))
	// Wait for the subscription confirmation so no change published after
	// Subscribe returns can be missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	logger := g.logger.With("user_id", key.UserID, "project_id", key.ProjectID)
	ch := pubsub.Channel()

	g.watchers.Add(1)
	go func() {
		defer g.watchers.Done()
		for msg := range ch {
			c, err := decodeChange([]byte(msg.Payload))
			if err != nil {
				logger.Warn("discard malformed change", "event", "change_malformed", "error", err)
				continue
			}
			if c.Origin == g.origin || c.Session.Key != key {
				continue
			}
			logger.Debug("session changed", "event", "remote_change", "origin", c.Origin)
			onChange(c.Session)
		}
	}()

	g.mu.Lock()
	g.nextSub++
	id := g.nextSub
	g.subs[id] = pubsub
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			_, open := g.subs[id]
			delete(g.subs, id)
			g.mu.Unlock()
			if open {
				pubsub.Close()
			}
		})
	}, nil
}
