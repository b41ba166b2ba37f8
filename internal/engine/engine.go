package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/stepsync/internal/progress"
)

// DefaultDebounce is the quiet period after the last mutation before the
// auto-save fires.
const DefaultDebounce = 2 * time.Second

// closeConcurrency bounds the number of sessions flushed in parallel by Close.
const closeConcurrency = 8

const tracerName = "github.com/roach88/stepsync/engine"

// Save triggers, used in logs and span attributes.
const (
	triggerDebounce = "debounce"
	triggerRetry    = "retry"
	triggerForce    = "force"
	triggerShutdown = "shutdown"
)

// Engine keeps users' progress sessions in memory and synchronizes them with
// a backing store.
//
// Thread-safety model:
//   - every exported method is safe from any goroutine
//   - mutations are serialized per engine by mu, which also guards dirty
//   - saves of one session are serialized by its lane: at most one batch of
//     a session is being written at any time, and Refresh waits for it
//   - timer callbacks (debounced saves, retries) run on the Clock's
//     goroutines and take mu like any other caller
//
// INVARIANTS:
//   - a mutation is visible in the cache before the call returns
//   - the cache is never rolled back because a save failed
//   - at most one debounce timer and one retry timer are armed per session
type Engine struct {
	gateway Gateway
	clock   Clock
	logger  *slog.Logger
	tracer  trace.Tracer
	ids     IDGenerator

	debounce time.Duration
	policy   RetryPolicy

	cache   *sessionCache
	saver   *debouncer
	retries *retryQueue
	relay   *relay
	lanes   *saveLanes
	loads   singleflight.Group

	mu       sync.Mutex
	idle     chan struct{} // closed when inflight drops to zero
	dirty    map[progress.SessionKey]*dirtySet
	inflight int
	closed   bool

	// ctx is used by timer-driven saves. It is cancelled at the end of Close.
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithDebounce sets the auto-save quiet period.
//
// Default: 2s (DefaultDebounce).
func WithDebounce(d time.Duration) Option {
	return func(e *Engine) {
		e.debounce = d
	}
}

// WithRetryPolicy sets how failed saves are retried.
//
// Default: DefaultRetryPolicy() (3 retries, 1s base delay).
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithClock replaces the wall clock, typically with testutil.FakeClock.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithTracer sets the OpenTelemetry tracer used for gateway spans.
// Default: the global provider's tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = t
	}
}

// WithIDGenerator sets the generator for subscription ids.
// Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) {
		e.ids = g
	}
}

// New creates an Engine on top of gw.
func New(gw Gateway, opts ...Option) *Engine {
	e := &Engine{
		gateway:  gw,
		clock:    SystemClock{},
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
		ids:      UUIDv7Generator{},
		debounce: DefaultDebounce,
		policy:   DefaultRetryPolicy(),
		cache:    newSessionCache(),
		dirty:    make(map[progress.SessionKey]*dirtySet),
		lanes:    newSaveLanes(),
	}

	for _, opt := range opts {
		opt(e)
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.saver = newDebouncer(e.clock)
	e.retries = newRetryQueue(e.clock, e.policy)
	e.relay = newRelay(gw, e.ids, e.logger, e.applyPush)
	return e
}

// InitializeProgress returns the session for key, creating it in the backing
// store when it does not exist yet. Concurrent calls for the same key share
// one fetch and at most one create.
func (e *Engine) InitializeProgress(ctx context.Context, key progress.SessionKey) (progress.Session, error) {
	return e.getOrLoad(ctx, "initialize_progress", key)
}

// GetProgress returns the cached session, loading it on a miss.
func (e *Engine) GetProgress(ctx context.Context, key progress.SessionKey) (progress.Session, error) {
	return e.getOrLoad(ctx, "get_progress", key)
}

// UpdateStep applies u to the cached session and schedules a debounced save.
// The returned session already reflects the update; persistence happens in
// the background and failures go to the retry queue.
func (e *Engine) UpdateStep(ctx context.Context, key progress.SessionKey, u progress.StepUpdate) (progress.Session, error) {
	return e.mutate(ctx, "update_step", key,
		func(cur progress.Session, now time.Time) (progress.Session, error) {
			return progress.ApplyStepUpdate(cur, u, now)
		},
		func(d *dirtySet) {
			d.markStep(progress.StepRef{Phase: u.Phase, StepID: progress.NormalizeStepID(u.StepID)})
		},
	)
}

// UpdateStepSync applies u like UpdateStep and then saves immediately.
//
// On a failed save the optimistic update stays applied, the returned session
// reflects it, and the error is a *SyncError. The failed items are handed to
// the retry queue.
func (e *Engine) UpdateStepSync(ctx context.Context, key progress.SessionKey, u progress.StepUpdate) (progress.Session, error) {
	s, err := e.UpdateStep(ctx, key, u)
	if err != nil {
		return progress.Session{}, err
	}
	if err := e.flush(ctx, "update_step_sync", key); err != nil {
		return s, err
	}
	return s, nil
}

// ChangePhase sets the session's current phase and schedules a debounced save.
func (e *Engine) ChangePhase(ctx context.Context, key progress.SessionKey, phase progress.Phase) (progress.Session, error) {
	return e.mutate(ctx, "change_phase", key,
		func(cur progress.Session, now time.Time) (progress.Session, error) {
			return progress.ApplyPhaseChange(cur, phase, now)
		},
		func(d *dirtySet) {
			d.markPhase()
		},
	)
}

// ForceFlush cancels the debounce timer for key and saves every dirty item
// now. A failure is returned as a *SyncError and also enters the retry queue.
func (e *Engine) ForceFlush(ctx context.Context, key progress.SessionKey) error {
	return e.flush(ctx, "force_flush", key)
}

// Refresh discards local unsaved state for key (dirty items, timers, retry
// bookkeeping and the cached session) and reloads it from the backing store.
// A save of key already in flight completes before the reload.
func (e *Engine) Refresh(ctx context.Context, key progress.SessionKey) (progress.Session, error) {
	if err := e.check(key); err != nil {
		return progress.Session{}, err
	}

	release, err := e.lanes.Acquire(ctx, key)
	if err != nil {
		return progress.Session{}, &SyncError{Op: "refresh", Key: key, Err: err}
	}
	defer release()

	e.mu.Lock()
	e.saver.Cancel(key)
	e.retries.Clear(key)
	delete(e.dirty, key)
	e.cache.Invalidate(key)
	e.mu.Unlock()
	e.loads.Forget(key.String())

	e.log(key).Debug("session refreshed")
	return e.getOrLoad(ctx, "refresh", key)
}

// CalculateProgress returns the completion summary of the session.
func (e *Engine) CalculateProgress(ctx context.Context, key progress.SessionKey) (progress.Summary, error) {
	s, err := e.GetProgress(ctx, key)
	if err != nil {
		return progress.Summary{}, err
	}
	return progress.Calculate(s), nil
}

// Subscribe registers l for remote changes to key. Every push is written to
// the cache before l sees it.
func (e *Engine) Subscribe(ctx context.Context, key progress.SessionKey, l Listener) (*Subscription, error) {
	if err := e.check(key); err != nil {
		return nil, err
	}
	if l == nil {
		return nil, &progress.ValidationError{Field: "listener", Message: "listener is required"}
	}
	sub, err := e.relay.Subscribe(ctx, key, l)
	if err != nil {
		return nil, &SyncError{Op: "subscribe", Key: key, Err: err}
	}
	return sub, nil
}

// Pending reports the unsaved or unconfirmed work for key. ok is false when
// the session has nothing dirty, no armed timer and no failed attempts.
func (e *Engine) Pending(key progress.SessionKey) (op PendingOperation, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	op.Key = key
	if d, exists := e.dirty[key]; exists {
		op.DirtySteps, op.PhaseDirty = d.snapshot()
	}
	op.SaveDue, op.SaveScheduled = e.saver.Due(key)
	if st, exists := e.retries.State(key); exists {
		op.Attempt = st.Attempt
		op.RetryScheduled = st.Scheduled
		op.RetryDue = st.Due
		op.LastError = st.LastErr
	}
	if len(op.DirtySteps) == 0 && !op.PhaseDirty && !op.SaveScheduled && op.Attempt == 0 {
		return PendingOperation{}, false
	}
	if s, cached := e.cache.Get(key); cached {
		op.LastState = s
	}
	return op, true
}

// Close stops all timers, flushes every session with dirty items in parallel,
// releases gateway subscriptions and evicts the cache. Operations invoked
// afterwards return ErrClosed. Close is idempotent.
//
// If ctx ends before in-flight saves finish, Close still releases everything
// and cancels the context those saves run with, then reports ctx's error.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	keys := make([]progress.SessionKey, 0, len(e.dirty))
	for key, d := range e.dirty {
		if !d.empty() {
			keys = append(keys, key)
		}
	}
	e.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	e.saver.CancelAll()
	e.retries.CancelAll()

	var g errgroup.Group
	g.SetLimit(closeConcurrency)
	for _, key := range keys {
		g.Go(func() error {
			return e.save(ctx, key, triggerShutdown)
		})
	}
	flushErr := g.Wait()

	idleErr := e.waitIdle(ctx)

	e.relay.CloseAll()
	e.cache.Clear()
	e.cancel()

	e.logger.Info("engine closed", "flushed_sessions", len(keys))
	if idleErr != nil {
		return fmt.Errorf("close: wait for in-flight saves: %w", idleErr)
	}
	if flushErr != nil {
		return fmt.Errorf("close: flush pending saves: %w", flushErr)
	}
	return nil
}

// check validates key and reports ErrClosed after Close.
func (e *Engine) check(key progress.SessionKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return nil
}

func (e *Engine) getOrLoad(ctx context.Context, op string, key progress.SessionKey) (progress.Session, error) {
	if err := e.check(key); err != nil {
		return progress.Session{}, err
	}
	if s, ok := e.cache.Get(key); ok {
		return s, nil
	}
	s, err := e.load(ctx, key)
	if err != nil {
		if errors.Is(err, ErrClosed) {
			return progress.Session{}, err
		}
		return progress.Session{}, &SyncError{Op: op, Key: key, Err: err}
	}
	return s.Clone(), nil
}

// load fetches key from the gateway, creating it when absent, and caches the
// result. Concurrent loads of one key share a single gateway round trip.
func (e *Engine) load(ctx context.Context, key progress.SessionKey) (progress.Session, error) {
	v, err, _ := e.loads.Do(key.String(), func() (any, error) {
		if s, ok := e.cache.peek(key); ok {
			return s, nil
		}
		s, err := e.fetchOrCreate(ctx, key)
		if err != nil {
			return nil, err
		}

		e.mu.Lock()
		defer e.mu.Unlock()
		if e.closed {
			return nil, ErrClosed
		}
		return e.cache.PutIfAbsent(key, s), nil
	})
	if err != nil {
		return progress.Session{}, err
	}
	return v.(progress.Session), nil
}

func (e *Engine) fetchOrCreate(ctx context.Context, key progress.SessionKey) (progress.Session, error) {
	fctx, span := e.tracer.Start(ctx, "stepsync.fetch_session", trace.WithAttributes(keyAttrs(key)...))
	s, found, err := e.gateway.FetchSession(fctx, key)
	if err != nil {
		err = storeErr("fetch_session", key, err)
		recordError(span, err)
		span.End()
		return progress.Session{}, err
	}
	span.SetAttributes(foundAttr(found))
	span.End()

	if found {
		return normalizeFor(key, s), nil
	}

	cctx, span := e.tracer.Start(ctx, "stepsync.create_session", trace.WithAttributes(keyAttrs(key)...))
	defer span.End()
	s, err = e.gateway.CreateSession(cctx, key, progress.FirstPhase)
	if err != nil {
		err = storeErr("create_session", key, err)
		recordError(span, err)
		return progress.Session{}, err
	}

	e.log(key).Info("session created")
	return normalizeFor(key, s), nil
}

// mutate runs apply against the cached session under mu, stores the result,
// marks the changed items dirty and re-arms the debounce timer.
func (e *Engine) mutate(
	ctx context.Context,
	op string,
	key progress.SessionKey,
	apply func(cur progress.Session, now time.Time) (progress.Session, error),
	mark func(*dirtySet),
) (progress.Session, error) {
	if err := e.check(key); err != nil {
		return progress.Session{}, err
	}

	var cur progress.Session
	for {
		if _, ok := e.cache.peek(key); !ok {
			if _, err := e.load(ctx, key); err != nil {
				if errors.Is(err, ErrClosed) {
					return progress.Session{}, err
				}
				return progress.Session{}, &SyncError{Op: op, Key: key, Err: err}
			}
		}
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return progress.Session{}, ErrClosed
		}
		var ok bool
		if cur, ok = e.cache.peek(key); ok {
			break
		}
		// Evicted by a concurrent Refresh between load and lock.
		e.mu.Unlock()
	}
	defer e.mu.Unlock()

	next, err := apply(cur, e.clock.Now())
	if err != nil {
		return progress.Session{}, err
	}

	e.cache.Put(key, next)
	d, ok := e.dirty[key]
	if !ok {
		d = newDirtySet()
		e.dirty[key] = d
	}
	mark(d)
	e.saver.Schedule(key, e.debounce, func() { e.autoSave(key) })

	return next.Clone(), nil
}

func (e *Engine) flush(ctx context.Context, op string, key progress.SessionKey) error {
	if err := e.check(key); err != nil {
		return err
	}
	e.saver.Cancel(key)
	if err := e.save(ctx, key, triggerForce); err != nil {
		return &SyncError{Op: op, Key: key, Err: err}
	}
	return nil
}

func (e *Engine) autoSave(key progress.SessionKey) {
	_ = e.save(e.ctx, key, triggerDebounce)
}

func (e *Engine) retrySave(key progress.SessionKey) {
	if err := e.save(e.ctx, key, triggerRetry); err != nil {
		return
	}
	// Nothing dirty after the lane wait means an overlapping save already
	// wrote the batch, which is a recovery too.
	if st, ok := e.retries.State(key); ok && !st.Scheduled {
		e.retries.Clear(key)
		e.log(key).Info("save recovered", "attempt", st.Attempt)
	}
}

// save takes the dirty items of key and writes their current cached state
// through the gateway. Saves of one session run one at a time: a save that
// arrives while another is writing waits for it and then takes whatever is
// still dirty. Unsaved items are handed to the retry queue before save
// returns.
func (e *Engine) save(ctx context.Context, key progress.SessionKey, trigger string) error {
	e.beginInflight()
	defer e.doneInflight()

	release, err := e.lanes.Acquire(ctx, key)
	if err != nil {
		e.rearm(key)
		return fmt.Errorf("wait for running save: %w", err)
	}
	defer release()

	e.mu.Lock()
	d, ok := e.dirty[key]
	if !ok || d.empty() {
		e.mu.Unlock()
		return nil
	}
	batch := d.take()
	snapshot, cached := e.cache.peek(key)
	attempt := 0
	if st, exists := e.retries.State(key); exists {
		attempt = st.Attempt
	}
	e.mu.Unlock()

	if !cached {
		return nil
	}

	rest, err := e.persist(ctx, key, snapshot, batch, trigger, attempt)
	if err != nil {
		e.onSaveFailed(key, rest, err)
		return err
	}

	e.log(key).Debug("session saved", "trigger", trigger, "items", batch.size())
	return nil
}

// persist issues one SaveStep per dirty step and a SavePhase when the phase
// changed. On failure it returns the items that were not confirmed.
func (e *Engine) persist(
	ctx context.Context,
	key progress.SessionKey,
	snapshot progress.Session,
	batch saveBatch,
	trigger string,
	attempt int,
) (saveBatch, error) {
	ctx, span := e.tracer.Start(ctx, "stepsync.save", trace.WithAttributes(
		saveAttrs(key, trigger, attempt, batch.size())...,
	))
	defer span.End()

	for i, ref := range batch.steps {
		step, ok := snapshot.Phases[ref.Phase].Step(ref.StepID)
		if !ok {
			// Replaced by a remote push that no longer carries the step.
			continue
		}
		if err := e.gateway.SaveStep(ctx, key, ref.Phase, step); err != nil {
			err = storeErr("save_step", key, err)
			recordError(span, err)
			return saveBatch{steps: batch.steps[i:], phase: batch.phase}, err
		}
	}

	if batch.phase {
		if err := e.gateway.SavePhase(ctx, key, snapshot.CurrentPhase); err != nil {
			err = storeErr("save_phase", key, err)
			recordError(span, err)
			return saveBatch{phase: true}, err
		}
	}
	return saveBatch{}, nil
}

// rearm schedules a debounced save for key if it still has dirty items and
// no timer is armed, so items left behind by an abandoned save are not
// stranded.
func (e *Engine) rearm(key progress.SessionKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if d, ok := e.dirty[key]; !ok || d.empty() {
		return
	}
	if _, armed := e.saver.Due(key); armed {
		return
	}
	e.saver.Schedule(key, e.debounce, func() { e.autoSave(key) })
}

// onSaveFailed merges the unsaved items back and arms the next retry, or
// drops them once the policy is exhausted. The cache is left as is.
func (e *Engine) onSaveFailed(key progress.SessionKey, rest saveBatch, cause error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	logger := e.log(key)
	if e.closed {
		logger.Error("save failed during shutdown",
			"items", rest.size(),
			"error", cause,
			"event", "save_dropped",
		)
		return
	}

	attempt, delay, dropped := e.retries.OnFailure(key, cause, func() { e.retrySave(key) })
	if dropped {
		logger.Error("save dropped after retries exhausted",
			"attempt", attempt,
			"items", rest.size(),
			"error", cause,
			"event", "save_dropped",
		)
		return
	}

	d, ok := e.dirty[key]
	if !ok {
		d = newDirtySet()
		e.dirty[key] = d
	}
	d.merge(rest)

	logger.Warn("save failed, retry scheduled",
		"attempt", attempt,
		"delay", delay,
		"error", cause,
		"event", "save_retry_scheduled",
	)
}

// applyPush writes a remote session into the cache. It returns false once
// the engine is closed.
func (e *Engine) applyPush(key progress.SessionKey, pushed progress.Session) (progress.Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return progress.Session{}, false
	}
	s := normalizeFor(key, pushed)
	e.cache.Put(key, s)
	e.log(key).Debug("remote change applied", "current_phase", s.CurrentPhase)
	return s, true
}

func (e *Engine) beginInflight() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight == 0 {
		e.idle = make(chan struct{})
	}
	e.inflight++
}

func (e *Engine) doneInflight() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inflight--
	if e.inflight == 0 {
		close(e.idle)
		e.idle = nil
	}
}

// waitIdle returns once no save is in flight or ctx is done. It starts no
// goroutine, so giving up on ctx leaves nothing behind.
func (e *Engine) waitIdle(ctx context.Context) error {
	e.mu.Lock()
	idle := e.idle
	e.mu.Unlock()
	if idle == nil {
		return nil
	}

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) log(key progress.SessionKey) *slog.Logger {
	return e.logger.With("user_id", key.UserID, "project_id", key.ProjectID)
}

func normalizeFor(key progress.SessionKey, s progress.Session) progress.Session {
	out := progress.Normalize(s)
	out.Key = key
	return out
}
