package testutil

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/roach88/stepsync/internal/progress"
)

// Gateway operation names recorded in Call.Op.
const (
	OpCreateSession = "create_session"
	OpFetchSession  = "fetch_session"
	OpSaveStep      = "save_step"
	OpSavePhase     = "save_phase"
	OpSubscribe     = "subscribe"
)

// ErrInjected is the default error returned by scripted failures.
var ErrInjected = errors.New("injected gateway failure")

// Call is one recorded gateway invocation.
type Call struct {
	Op    string
	At    time.Time
	Key   progress.SessionKey
	Phase progress.Phase
	Step  progress.StepProgress
	Err   error
}

// MemoryGateway is an in-memory backing store that records every call and
// can be scripted to fail. It satisfies engine.Gateway.
//
// Push simulates a change made by another client: it replaces the stored
// session and notifies subscribers synchronously.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
// Subscriber callbacks run without the lock held.
type MemoryGateway struct {
	mu       sync.Mutex
	now      func() time.Time
	sessions map[progress.SessionKey]progress.Session
	calls    []Call

	failNext   map[string][]error
	failAlways map[string]error

	nextSub     int
	subscribers map[progress.SessionKey]map[int]func(progress.Session)
}

// NewMemoryGateway creates an empty gateway whose timestamps come from now.
// A nil now uses time.Now.
func NewMemoryGateway(now func() time.Time) *MemoryGateway {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryGateway{
		now:         now,
		sessions:    make(map[progress.SessionKey]progress.Session),
		failNext:    make(map[string][]error),
		failAlways:  make(map[string]error),
		subscribers: make(map[progress.SessionKey]map[int]func(progress.Session)),
	}
}

// Seed stores s as if it had been persisted earlier. No call is recorded.
func (g *MemoryGateway) Seed(s progress.Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions[s.Key] = s.Clone()
}

// Stored returns the persisted copy of a session.
func (g *MemoryGateway) Stored(key progress.SessionKey) (progress.Session, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[key]
	if !ok {
		return progress.Session{}, false
	}
	return s.Clone(), true
}

// FailNext makes the next len(errs) calls to op fail with errs in order.
// A nil entry fails with ErrInjected.
func (g *MemoryGateway) FailNext(op string, errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, err := range errs {
		if err == nil {
			err = ErrInjected
		}
		g.failNext[op] = append(g.failNext[op], err)
	}
}

// FailAlways makes every call to op fail until ClearFailures. A nil err
// fails with ErrInjected.
func (g *MemoryGateway) FailAlways(op string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		err = ErrInjected
	}
	g.failAlways[op] = err
}

// ClearFailures removes every scripted failure.
func (g *MemoryGateway) ClearFailures() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNext = make(map[string][]error)
	g.failAlways = make(map[string]error)
}

// Calls returns every recorded call in order.
func (g *MemoryGateway) Calls() []Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Call, len(g.calls))
	copy(out, g.calls)
	return out
}

// CallsTo returns the recorded calls of one operation.
func (g *MemoryGateway) CallsTo(op string) []Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Call
	for _, c := range g.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls forgets the recorded calls.
func (g *MemoryGateway) ResetCalls() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = nil
}

// Subscribers returns the number of open subscriptions for key.
func (g *MemoryGateway) Subscribers(key progress.SessionKey) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subscribers[key])
}

// Push replaces the stored session and notifies its subscribers.
func (g *MemoryGateway) Push(s progress.Session) {
	g.mu.Lock()
	g.sessions[s.Key] = s.Clone()
	subs := g.subscriberList(s.Key)
	g.mu.Unlock()

	for _, fn := range subs {
		fn(s.Clone())
	}
}

// CreateSession implements engine.Gateway.
func (g *MemoryGateway) CreateSession(_ context.Context, key progress.SessionKey, initial progress.Phase) (progress.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.record(Call{Op: OpCreateSession, Key: key, Phase: initial}); err != nil {
		return progress.Session{}, err
	}
	if s, ok := g.sessions[key]; ok {
		return s.Clone(), nil
	}
	s := progress.NewSession(key, g.now())
	s.CurrentPhase = initial
	g.sessions[key] = s
	return s.Clone(), nil
}

// FetchSession implements engine.Gateway.
func (g *MemoryGateway) FetchSession(_ context.Context, key progress.SessionKey) (progress.Session, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.record(Call{Op: OpFetchSession, Key: key}); err != nil {
		return progress.Session{}, false, err
	}
	s, ok := g.sessions[key]
	if !ok {
		return progress.Session{}, false, nil
	}
	return s.Clone(), true, nil
}

// SaveStep implements engine.Gateway.
func (g *MemoryGateway) SaveStep(_ context.Context, key progress.SessionKey, phase progress.Phase, step progress.StepProgress) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.record(Call{Op: OpSaveStep, Key: key, Phase: phase, Step: step}); err != nil {
		return err
	}
	s, ok := g.sessions[key]
	if !ok {
		return fmt.Errorf("save step %s/%s: session %s not found", phase, step.StepID, key)
	}
	next, err := progress.PutStep(s, phase, step, g.now())
	if err != nil {
		return fmt.Errorf("save step: %w", err)
	}
	g.sessions[key] = next
	return nil
}

// SavePhase implements engine.Gateway.
func (g *MemoryGateway) SavePhase(_ context.Context, key progress.SessionKey, phase progress.Phase) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.record(Call{Op: OpSavePhase, Key: key, Phase: phase}); err != nil {
		return err
	}
	s, ok := g.sessions[key]
	if !ok {
		return fmt.Errorf("save phase %s: session %s not found", phase, key)
	}
	next, err := progress.ApplyPhaseChange(s, phase, g.now())
	if err != nil {
		return fmt.Errorf("save phase: %w", err)
	}
	g.sessions[key] = next
	return nil
}

// Subscribe implements engine.Gateway.
func (g *MemoryGateway) Subscribe(_ context.Context, key progress.SessionKey, onChange func(progress.Session)) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.record(Call{Op: OpSubscribe, Key: key}); err != nil {
		return nil, err
	}
	g.nextSub++
	id := g.nextSub
	if g.subscribers[key] == nil {
		g.subscribers[key] = make(map[int]func(progress.Session))
	}
	g.subscribers[key][id] = onChange

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			delete(g.subscribers[key], id)
			if len(g.subscribers[key]) == 0 {
				delete(g.subscribers, key)
			}
		})
	}, nil
}

// record appends the call and returns the scripted failure for it, if any.
// Caller holds g.mu.
func (g *MemoryGateway) record(c Call) error {
	c.At = g.now()
	if errs := g.failNext[c.Op]; len(errs) > 0 {
		c.Err = errs[0]
		g.failNext[c.Op] = errs[1:]
	} else if err, ok := g.failAlways[c.Op]; ok {
		c.Err = err
	}
	g.calls = append(g.calls, c)
	return c.Err
}

// subscriberList snapshots the callbacks for key in subscription order.
// Caller holds g.mu.
func (g *MemoryGateway) subscriberList(key progress.SessionKey) []func(progress.Session) {
	subs := g.subscribers[key]
	ids := make([]int, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(progress.Session), 0, len(ids))
	for _, id := range ids {
		out = append(out, subs[id])
	}
	return out
}
