package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/stepsync/internal/progress"
)

// ErrStoreClosed is returned by Subscribe after Close.
var ErrStoreClosed = errors.New("store closed")

// Subscribe implements engine.Gateway. A goroutine polls the session's
// fingerprint and calls onChange with the full session whenever it changes
// because of a write from another connection or process. Writes made
// through this Store are not reported back.
func (s *Store) Subscribe(ctx context.Context, key progress.SessionKey, onChange func(progress.Session)) (func(), error) {
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	select {
	case <-s.closing:
		return nil, fmt.Errorf("subscribe: %w", ErrStoreClosed)
	default:
	}

	last, _, err := s.readFingerprint(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	stop := make(chan struct{})
	s.watchers.Add(1)
	go s.watch(key, last, onChange, stop)

	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }, nil
}

func (s *Store) watch(key progress.SessionKey, last string, onChange func(progress.Session), stop <-chan struct{}) {
	defer s.watchers.Done()

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
		case <-s.closing:
		}
		cancel()
	}()

	logger := s.logger.With("user_id", key.UserID, "project_id", key.ProjectID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		fp, found, err := s.readFingerprint(ctx, key)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("poll session fingerprint", "event", "poll_failed", "error", err)
			}
			continue
		}
		if !found || fp == last {
			continue
		}
		last = fp
		if s.wroteLast(key, fp) {
			continue
		}

		sess, _, found, err := readSession(ctx, s.db, key)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("read changed session", "event", "poll_failed", "error", err)
			}
			continue
		}
		if !found {
			continue
		}
		logger.Debug("session changed", "event", "remote_change", "fingerprint", fp)
		onChange(sess)
	}
}
