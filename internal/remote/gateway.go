package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/roach88/stepsync/internal/progress"
)

// maxTxAttempts bounds optimistic transaction retries when another client
// modifies a watched session concurrently.
const maxTxAttempts = 8

// ErrSessionNotFound is returned by writes that target a missing session.
var ErrSessionNotFound = errors.New("session not found")

// Gateway is a Redis implementation of engine.Gateway.
type Gateway struct {
	client *redis.Client
	prefix string
	origin string
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	nextSub  int
	subs     map[int]io.Closer
	watchers sync.WaitGroup
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithPrefix sets the key namespace. Default DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(g *Gateway) {
		g.prefix = prefix
	}
}

// WithOrigin sets the id stamped on published changes. Defaults to a fresh
// UUIDv7 per Gateway.
func WithOrigin(origin string) Option {
	return func(g *Gateway) {
		g.origin = origin
	}
}

// WithNow sets the time source for session timestamps.
func WithNow(now func() time.Time) Option {
	return func(g *Gateway) {
		g.now = now
	}
}

// WithLogger sets the logger used by subscription goroutines.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = l
	}
}

// New wraps an existing client. The Gateway does not own the client unless
// it was created by Dial.
func New(client *redis.Client, opts ...Option) *Gateway {
	g := &Gateway{
		client: client,
		prefix: DefaultPrefix,
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default(),
		subs:   make(map[int]io.Closer),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.origin == "" {
		g.origin = uuid.Must(uuid.NewV7()).String()
	}
	return g
}

// Dial parses a redis:// URL, connects and verifies the connection.
func Dial(ctx context.Context, rawURL string, opts ...Option) (*Gateway, error) {
	redisOpts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return New(client, opts...), nil
}

// Origin returns the id this Gateway stamps on its changes.
func (g *Gateway) Origin() string {
	return g.origin
}

// Close ends open subscriptions, waits for their goroutines and closes the
// client.
func (g *Gateway) Close() error {
	g.mu.Lock()
	subs := g.subs
	g.subs = make(map[int]io.Closer)
	g.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	g.watchers.Wait()
	return g.client.Close()
}

// FetchSession implements engine.Gateway.
func (g *Gateway) FetchSession(ctx context.Context, key progress.SessionKey) (progress.Session, bool, error) {
	data, err := g.client.Get(ctx, sessionKey(g.prefix, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return progress.Session{}, false, nil
	}
	if err != nil {
		return progress.Session{}, false, fmt.Errorf("fetch session: %w", err)
	}
	s, err := decodeSession(data)
	if err != nil {
		return progress.Session{}, false, fmt.Errorf("fetch session: %w", err)
	}
	return s, true, nil
}

// CreateSession implements engine.Gateway. An existing session is returned
// unchanged.
func (g *Gateway) CreateSession(ctx context.Context, key progress.SessionKey, initial progress.Phase) (progress.Session, error) {
	if err := key.Validate(); err != nil {
		return progress.Session{}, fmt.Errorf("create session: %w", err)
	}
	out, err := g.update(ctx, key, func(s progress.Session, found bool) (progress.Session, bool, error) {
		if found {
			return s, false, nil
		}
		now := g.now()
		next, err := progress.ApplyPhaseChange(progress.NewSession(key, now), initial, now)
		return next, true, err
	})
	if err != nil {
		return progress.Session{}, fmt.Errorf("create session: %w", err)
	}
	return out, nil
}

// SaveStep implements engine.Gateway.
func (g *Gateway) SaveStep(ctx context.Context, key progress.SessionKey, phase progress.Phase, step progress.StepProgress) error {
	_, err := g.update(ctx, key, func(s progress.Session, found bool) (progress.Session, bool, error) {
		if !found {
			return s, false, fmt.Errorf("%w: %s", ErrSessionNotFound, key)
		}
		next, err := progress.PutStep(s, phase, step, g.now())
		return next, true, err
	})
	if err != nil {
		return fmt.Errorf("save step: %w", err)
	}
	return nil
}

// SavePhase implements engine.Gateway.
func (g *Gateway) SavePhase(ctx context.Context, key progress.SessionKey, phase progress.Phase) error {
	_, err := g.update(ctx, key, func(s progress.Session, found bool) (progress.Session, bool, error) {
		if !found {
			return s, false, fmt.Errorf("%w: %s", ErrSessionNotFound, key)
		}
		next, err := progress.ApplyPhaseChange(s, phase, g.now())
		return next, true, err
	})
	if err != nil {
		return fmt.Errorf("save phase: %w", err)
	}
	return nil
}

// update runs fn inside a WATCH transaction on the session key. When fn
// asks to write, the new session is stored and published atomically.
func (g *Gateway) update(ctx context.Context, key progress.SessionKey, fn func(progress.Session, bool) (progress.Session, bool, error)) (progress.Session, error) {
	rkey := sessionKey(g.prefix, key)
	var out progress.Session

	txf := func(tx *redis.Tx) error {
		var (
			current progress.Session
			found   bool
		)
		data, err := tx.Get(ctx, rkey).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("read session: %w", err)
		default:
			if current, err = decodeSession(data); err != nil {
				return err
			}
			found = true
		}

		next, write, err := fn(current, found)
		if err != nil {
			return err
		}
		out = next
		if !write {
			return nil
		}

		doc, err := encodeSession(next)
		if err != nil {
			return err
		}
		msg, err := encodeChange(g.origin, next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rkey, doc, 0)
			pipe.Publish(ctx, changesChannel(g.prefix, key), msg)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := g.client.Watch(ctx, txf, rkey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return progress.Session{}, err
		}
		return out, nil
	}
	return progress.Session{}, fmt.Errorf("session %s: too much contention after %d attempts", key, maxTxAttempts)
}
