package harness

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/stepsync/internal/engine"
	"github.com/roach88/stepsync/internal/progress"
	"github.com/roach88/stepsync/internal/testutil"
)

// Default session key for scenarios that do not name one.
const (
	DefaultUser    = "user-1"
	DefaultProject = "project-1"
)

// Epoch is the fake clock reading at scenario start. Every at_ms in a trace
// is an offset from it.
var Epoch = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

// Harness runs one scenario against a fresh engine, fake clock and recording
// gateway.
type Harness struct {
	scenario *Scenario
	key      progress.SessionKey
	clock    *testutil.FakeClock
	gateway  *testutil.MemoryGateway
	engine   *engine.Engine
	logs     *logBuffer
	result   *Result

	// seen is the number of gateway calls already copied into the trace.
	seen int

	closed bool
	subs   []*engine.Subscription

	mu            sync.Mutex
	notifications []progress.Session
}

// Run executes a scenario and returns the result.
//
// Execution flow:
// 1. Create fake clock, recording gateway and engine
// 2. Seed the gateway
// 3. Execute steps, tracing each action and the gateway calls it caused
// 4. Evaluate assertions
// 5. Close the engine
//
// Run only returns an error when the harness itself cannot proceed; failed
// actions and assertions are reported in Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	if scenario == nil {
		return nil, fmt.Errorf("scenario is nil")
	}

	h := newHarness(scenario)
	if err := h.seed(); err != nil {
		return nil, fmt.Errorf("failed to seed gateway: %w", err)
	}

	ctx := context.Background()
	for i, action := range scenario.Steps {
		at := h.offset(h.clock.Now())
		err := h.execute(ctx, action)
		h.result.AddActionTrace(at, action)
		h.collectCalls()

		switch {
		case err != nil && !action.ExpectError:
			h.result.AddError(fmt.Sprintf("step %d (%s): %v", i+1, action.Do, err))
		case err == nil && action.ExpectError:
			h.result.AddError(fmt.Sprintf("step %d (%s): expected an error, got none", i+1, action.Do))
		}
	}

	calls := h.gateway.Calls()
	actx := &AssertionContext{
		Ctx:           ctx,
		Key:           h.key,
		Engine:        h.engine,
		Gateway:       h.gateway,
		Calls:         calls,
		Logs:          h.logs.Entries(),
		Notifications: h.notificationCount(),
		Closed:        h.closed,
	}
	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions, actx) {
		h.result.AddError(msg)
	}

	if !h.closed {
		if summary, err := h.engine.CalculateProgress(ctx, h.key); err == nil {
			h.result.Final = &summary
		}
		for _, sub := range h.subs {
			sub.Close()
		}
		_ = h.engine.Close(ctx)
	}

	return h.result, nil
}

func newHarness(s *Scenario) *Harness {
	key := progress.SessionKey{UserID: s.User, ProjectID: s.Project}
	if key.UserID == "" {
		key.UserID = DefaultUser
	}
	if key.ProjectID == "" {
		key.ProjectID = DefaultProject
	}

	clock := testutil.NewFakeClock(Epoch)
	gw := testutil.NewMemoryGateway(clock.Now)
	logs := &logBuffer{}
	logger := slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	opts := []engine.Option{
		engine.WithClock(clock),
		engine.WithLogger(logger),
		engine.WithIDGenerator(engine.NewFixedGenerator("sub-1", "sub-2", "sub-3", "sub-4")),
	}
	if s.Engine.DebounceMs != nil {
		opts = append(opts, engine.WithDebounce(time.Duration(*s.Engine.DebounceMs)*time.Millisecond))
	}
	policy := engine.DefaultRetryPolicy()
	if s.Engine.MaxRetries != nil {
		policy.MaxRetries = *s.Engine.MaxRetries
	}
	if s.Engine.BaseDelayMs != nil {
		policy.BaseDelay = time.Duration(*s.Engine.BaseDelayMs) * time.Millisecond
	}
	opts = append(opts, engine.WithRetryPolicy(policy))

	return &Harness{
		scenario: s,
		key:      key,
		clock:    clock,
		gateway:  gw,
		engine:   engine.New(gw, opts...),
		logs:     logs,
		result:   NewResult(),
	}
}

// seed stores the scenario's seed steps in the gateway without recording
// calls.
func (h *Harness) seed() error {
	if len(h.scenario.Seed) == 0 {
		return nil
	}
	s := progress.NewSession(h.key, Epoch)
	for _, st := range h.scenario.Seed {
		next, err := putStep(s, st.Phase, st.Step, st.Status, Epoch)
		if err != nil {
			return err
		}
		s = next
	}
	h.gateway.Seed(s)
	return nil
}

// execute performs one action.
func (h *Harness) execute(ctx context.Context, a Action) error {
	switch a.Do {
	case DoInitialize:
		return h.initialize(ctx, a.Parallel)
	case DoUpdate, DoUpdateSync:
		u := progress.StepUpdate{
			Phase:  progress.Phase(a.Phase),
			StepID: a.Step,
			Status: progress.StepStatus(a.Status),
			Data:   a.Data,
			Notes:  a.Notes,
		}
		var err error
		if a.Do == DoUpdate {
			_, err = h.engine.UpdateStep(ctx, h.key, u)
		} else {
			_, err = h.engine.UpdateStepSync(ctx, h.key, u)
		}
		return err
	case DoPhase:
		_, err := h.engine.ChangePhase(ctx, h.key, progress.Phase(a.Phase))
		return err
	case DoAdvance:
		h.clock.Advance(time.Duration(a.Ms) * time.Millisecond)
		return nil
	case DoFlush:
		return h.engine.ForceFlush(ctx, h.key)
	case DoRefresh:
		_, err := h.engine.Refresh(ctx, h.key)
		return err
	case DoSubscribe:
		sub, err := h.engine.Subscribe(ctx, h.key, h.notify)
		if err != nil {
			return err
		}
		h.subs = append(h.subs, sub)
		return nil
	case DoPush:
		return h.push(a)
	case DoFail:
		if a.Times == 0 {
			h.gateway.FailAlways(a.Op, nil)
			return nil
		}
		h.gateway.FailNext(a.Op, make([]error, a.Times)...)
		return nil
	case DoRecover:
		h.gateway.ClearFailures()
		return nil
	case DoClose:
		h.closed = true
		return h.engine.Close(ctx)
	default:
		return fmt.Errorf("unknown action %q", a.Do)
	}
}

// initialize calls InitializeProgress from n goroutines at once.
func (h *Harness) initialize(ctx context.Context, n int) error {
	if n <= 1 {
		_, err := h.engine.InitializeProgress(ctx, h.key)
		return err
	}
	var g errgroup.Group
	for range n {
		g.Go(func() error {
			_, err := h.engine.InitializeProgress(ctx, h.key)
			return err
		})
	}
	return g.Wait()
}

// push simulates another client writing one step.
func (h *Harness) push(a Action) error {
	s, ok := h.gateway.Stored(h.key)
	if !ok {
		s = progress.NewSession(h.key, h.clock.Now())
	}
	next, err := putStep(s, a.Phase, a.Step, a.Status, h.clock.Now())
	if err != nil {
		return err
	}
	h.gateway.Push(next)
	return nil
}

func (h *Harness) notify(s progress.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notifications = append(h.notifications, s)
}

func (h *Harness) notificationCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.notifications)
}

// collectCalls appends the gateway calls made since the last collection.
func (h *Harness) collectCalls() {
	calls := h.gateway.Calls()
	for _, c := range calls[h.seen:] {
		var step, status string
		if c.Op == testutil.OpSaveStep {
			step = c.Step.StepID
			status = string(c.Step.Status)
		}
		h.result.AddCallTrace(h.offset(c.At), c.Op, string(c.Phase), step, status, c.Err != nil)
	}
	h.seen = len(calls)
}

func (h *Harness) offset(t time.Time) int64 {
	return t.Sub(Epoch).Milliseconds()
}

func putStep(s progress.Session, phase, stepID, status string, now time.Time) (progress.Session, error) {
	step := progress.StepProgress{
		StepID: stepID,
		Status: progress.StepStatus(status),
		Data:   map[string]any{},
	}
	if step.Status == progress.StatusCompleted {
		at := now
		step.CompletedAt = &at
	}
	return progress.PutStep(s, progress.Phase(phase), step, now)
}

// logBuffer collects the engine's JSON log lines.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// Entries returns a copy of everything logged so far.
func (b *logBuffer) Entries() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}
