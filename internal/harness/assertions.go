package harness

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/stepsync/internal/engine"
	"github.com/roach88/stepsync/internal/progress"
	"github.com/roach88/stepsync/internal/testutil"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", i+1, describeEvent(event))
		}
	}

	return buf.String()
}

func describeEvent(ev TraceEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "+%dms %s", ev.AtMs, ev.Type)
	if ev.Action != "" {
		fmt.Fprintf(&b, " %s", ev.Action)
	}
	if ev.Op != "" {
		fmt.Fprintf(&b, " %s", ev.Op)
	}
	if ev.Phase != "" {
		fmt.Fprintf(&b, " %s", ev.Phase)
	}
	if ev.Step != "" {
		fmt.Fprintf(&b, "/%s", ev.Step)
	}
	if ev.Status != "" {
		fmt.Fprintf(&b, "=%s", ev.Status)
	}
	if ev.Ms != 0 {
		fmt.Fprintf(&b, " %dms", ev.Ms)
	}
	if ev.Failed {
		b.WriteString(" FAILED")
	}
	return b.String()
}

// AssertionContext provides the state assertions are evaluated against.
type AssertionContext struct {
	Ctx     context.Context
	Key     progress.SessionKey
	Engine  *engine.Engine
	Gateway *testutil.MemoryGateway

	// Calls is the gateway call log at the end of the steps.
	Calls []testutil.Call

	// Logs holds the engine's JSON log lines.
	Logs []byte

	// Notifications is the number of sessions delivered to subscribe actions.
	Notifications int

	// Closed is true when a close action ran.
	Closed bool
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		if actx == nil {
			err = fmt.Errorf("assertion[%d]: no assertion context", i)
			errors = append(errors, err.Error())
			continue
		}

		switch assertion.Type {
		case AssertCallCount:
			err = assertCallCount(actx, assertion)
		case AssertCallTimes:
			err = assertCallTimes(actx, assertion)
		case AssertCallPayload:
			err = assertCallPayload(actx, assertion)
		case AssertCachedStep:
			err = assertCachedStep(actx, assertion)
		case AssertStoredStep:
			err = assertStoredStep(actx, assertion)
		case AssertCurrentPhase:
			err = assertCurrentPhase(actx, assertion)
		case AssertPhaseProgress:
			err = assertPhaseProgress(actx, assertion)
		case AssertOverall:
			err = assertOverall(actx, assertion)
		case AssertPending:
			err = assertPending(actx, assertion)
		case AssertLogEvent:
			err = assertLogEvent(actx, assertion)
		case AssertNotifications:
			err = assertNotifications(actx, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			if ae, ok := err.(*AssertionError); ok {
				ae.Trace = result.Trace
			}
			errors = append(errors, err.Error())
		}
	}

	return errors
}

func callsTo(calls []testutil.Call, op string) []testutil.Call {
	var out []testutil.Call
	for _, c := range calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// assertCallCount checks how many times a gateway operation was called,
// failed attempts included.
func assertCallCount(actx *AssertionContext, a Assertion) error {
	got := len(callsTo(actx.Calls, a.Op))
	if got != *a.Count {
		return &AssertionError{
			Type:     AssertCallCount,
			Expected: fmt.Sprintf("%d %s call(s)", *a.Count, a.Op),
			Actual:   fmt.Sprintf("%d %s call(s)", got, a.Op),
		}
	}
	return nil
}

// assertCallTimes checks the clock offsets of every call to an operation.
func assertCallTimes(actx *AssertionContext, a Assertion) error {
	got := []int64{}
	for _, c := range callsTo(actx.Calls, a.Op) {
		got = append(got, c.At.Sub(Epoch).Milliseconds())
	}
	want := a.AtMs
	if want == nil {
		want = []int64{}
	}
	if !slices.Equal(got, want) {
		return &AssertionError{
			Type:     AssertCallTimes,
			Expected: fmt.Sprintf("%s at %v ms", a.Op, want),
			Actual:   fmt.Sprintf("%s at %v ms", a.Op, got),
		}
	}
	return nil
}

// assertCallPayload checks what the index-th save_step or save_phase carried.
func assertCallPayload(actx *AssertionContext, a Assertion) error {
	calls := callsTo(actx.Calls, a.Op)
	if a.Index >= len(calls) {
		return &AssertionError{
			Type:     AssertCallPayload,
			Expected: fmt.Sprintf("%s call #%d", a.Op, a.Index),
			Actual:   fmt.Sprintf("only %d %s call(s)", len(calls), a.Op),
		}
	}
	c := calls[a.Index]

	var mismatches []string
	if a.Phase != "" && string(c.Phase) != a.Phase {
		mismatches = append(mismatches, fmt.Sprintf("phase %s", c.Phase))
	}
	if a.Step != "" && c.Step.StepID != a.Step {
		mismatches = append(mismatches, fmt.Sprintf("step %q", c.Step.StepID))
	}
	if a.Status != "" && string(c.Step.Status) != a.Status {
		mismatches = append(mismatches, fmt.Sprintf("status %s", c.Step.Status))
	}
	if len(mismatches) > 0 {
		return &AssertionError{
			Type:     AssertCallPayload,
			Expected: fmt.Sprintf("%s #%d with phase=%q step=%q status=%q", a.Op, a.Index, a.Phase, a.Step, a.Status),
			Actual:   strings.Join(mismatches, ", "),
		}
	}
	return nil
}

// cached returns the engine's view of the session.
func cached(actx *AssertionContext, kind string) (progress.Session, error) {
	if actx.Closed {
		return progress.Session{}, fmt.Errorf("%s: engine was closed by the scenario", kind)
	}
	s, err := actx.Engine.GetProgress(actx.Ctx, actx.Key)
	if err != nil {
		return progress.Session{}, fmt.Errorf("%s: %w", kind, err)
	}
	return s, nil
}

func assertCachedStep(actx *AssertionContext, a Assertion) error {
	s, err := cached(actx, AssertCachedStep)
	if err != nil {
		return err
	}
	return checkStep(AssertCachedStep, s, a)
}

func assertStoredStep(actx *AssertionContext, a Assertion) error {
	s, ok := actx.Gateway.Stored(actx.Key)
	if !ok {
		if a.Absent {
			return nil
		}
		return &AssertionError{
			Type:     AssertStoredStep,
			Expected: fmt.Sprintf("stored session with %s/%s", a.Phase, a.Step),
			Actual:   "no stored session",
		}
	}
	return checkStep(AssertStoredStep, s, a)
}

func checkStep(kind string, s progress.Session, a Assertion) error {
	step, found := s.Phase(progress.Phase(a.Phase)).Step(a.Step)
	switch {
	case a.Absent && found:
		return &AssertionError{
			Type:     kind,
			Expected: fmt.Sprintf("no step %s/%s", a.Phase, a.Step),
			Actual:   fmt.Sprintf("step with status %s", step.Status),
		}
	case a.Absent:
		return nil
	case !found:
		return &AssertionError{
			Type:     kind,
			Expected: fmt.Sprintf("step %s/%s with status %s", a.Phase, a.Step, a.Status),
			Actual:   "step not found",
		}
	case string(step.Status) != a.Status:
		return &AssertionError{
			Type:     kind,
			Expected: fmt.Sprintf("step %s/%s with status %s", a.Phase, a.Step, a.Status),
			Actual:   fmt.Sprintf("status %s", step.Status),
		}
	}
	return nil
}

func assertCurrentPhase(actx *AssertionContext, a Assertion) error {
	s, err := cached(actx, AssertCurrentPhase)
	if err != nil {
		return err
	}
	if string(s.CurrentPhase) != a.Phase {
		return &AssertionError{
			Type:     AssertCurrentPhase,
			Expected: a.Phase,
			Actual:   string(s.CurrentPhase),
		}
	}
	return nil
}

func assertPhaseProgress(actx *AssertionContext, a Assertion) error {
	s, err := cached(actx, AssertPhaseProgress)
	if err != nil {
		return err
	}
	pp := s.Phase(progress.Phase(a.Phase))
	if a.Percentage != nil && pp.CompletionPercentage != *a.Percentage {
		return &AssertionError{
			Type:     AssertPhaseProgress,
			Expected: fmt.Sprintf("%s at %d%%", a.Phase, *a.Percentage),
			Actual:   fmt.Sprintf("%s at %d%%", a.Phase, pp.CompletionPercentage),
		}
	}
	if a.Completed != nil && (pp.CompletedAt != nil) != *a.Completed {
		return &AssertionError{
			Type:     AssertPhaseProgress,
			Expected: fmt.Sprintf("%s completed=%t", a.Phase, *a.Completed),
			Actual:   fmt.Sprintf("%s completed=%t", a.Phase, pp.CompletedAt != nil),
		}
	}
	return nil
}

func assertOverall(actx *AssertionContext, a Assertion) error {
	s, err := cached(actx, AssertOverall)
	if err != nil {
		return err
	}
	got := progress.Calculate(s).OverallCompletion
	if got != *a.Overall {
		return &AssertionError{
			Type:     AssertOverall,
			Expected: fmt.Sprintf("%d%% overall", *a.Overall),
			Actual:   fmt.Sprintf("%d%% overall", got),
		}
	}
	return nil
}

func assertPending(actx *AssertionContext, a Assertion) error {
	op, ok := actx.Engine.Pending(actx.Key)
	if ok != *a.Pending {
		return &AssertionError{
			Type:     AssertPending,
			Expected: fmt.Sprintf("pending=%t", *a.Pending),
			Actual:   fmt.Sprintf("pending=%t (attempt %d, dirty steps %d)", ok, op.Attempt, len(op.DirtySteps)),
		}
	}
	if a.Attempt != nil && op.Attempt != *a.Attempt {
		return &AssertionError{
			Type:     AssertPending,
			Expected: fmt.Sprintf("attempt %d", *a.Attempt),
			Actual:   fmt.Sprintf("attempt %d", op.Attempt),
		}
	}
	return nil
}

// assertLogEvent checks that a log line carried the given event attribute
// and, when set, the given level.
func assertLogEvent(actx *AssertionContext, a Assertion) error {
	var levels []string
	sc := bufio.NewScanner(bytes.NewReader(actx.Logs))
	for sc.Scan() {
		var line struct {
			Level string `json:"level"`
			Event string `json:"event"`
		}
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			continue
		}
		if line.Event != a.Event {
			continue
		}
		if a.Level == "" || strings.EqualFold(line.Level, a.Level) {
			return nil
		}
		levels = append(levels, line.Level)
	}

	actual := "no matching log line"
	if len(levels) > 0 {
		actual = fmt.Sprintf("logged at %s", strings.Join(levels, ", "))
	}
	return &AssertionError{
		Type:     AssertLogEvent,
		Expected: strings.TrimSpace(fmt.Sprintf("event %q %s", a.Event, a.Level)),
		Actual:   actual,
	}
}

func assertNotifications(actx *AssertionContext, a Assertion) error {
	if actx.Notifications != *a.Count {
		return &AssertionError{
			Type:     AssertNotifications,
			Expected: fmt.Sprintf("%d notification(s)", *a.Count),
			Actual:   fmt.Sprintf("%d notification(s)", actx.Notifications),
		}
	}
	return nil
}
