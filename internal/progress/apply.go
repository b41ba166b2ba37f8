package progress

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// NewSession builds a fresh session with all eight phases present, no steps,
// and CurrentPhase set to FirstPhase.
func NewSession(key SessionKey, now time.Time) Session {
	s := Session{
		Key:          key,
		CurrentPhase: FirstPhase,
		Phases:       make(map[Phase]PhaseProgress, len(Phases)),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for _, p := range Phases {
		s.Phases[p] = PhaseProgress{
			Phase:     p,
			Steps:     []StepProgress{},
			StartedAt: now,
		}
	}
	return s
}

// Normalize restores the structural invariants on a session that came from
// outside the engine (a backing store or a push notification): every phase is
// present, CurrentPhase is valid, and each percentage matches its steps.
// Unknown phase keys are dropped.
func Normalize(s Session) Session {
	out := s.Clone()
	if out.Phases == nil {
		out.Phases = make(map[Phase]PhaseProgress, len(Phases))
	}
	for p := range out.Phases {
		if !p.Valid() {
			delete(out.Phases, p)
		}
	}
	for _, p := range Phases {
		pp, ok := out.Phases[p]
		if !ok {
			pp = PhaseProgress{StartedAt: out.CreatedAt}
		}
		pp.Phase = p
		if pp.Steps == nil {
			pp.Steps = []StepProgress{}
		}
		pp.CompletionPercentage = completionPercentage(pp.Steps)
		out.Phases[p] = pp
	}
	if !out.CurrentPhase.Valid() {
		out.CurrentPhase = FirstPhase
	}
	return out
}

// Clone returns a deep copy of the session. Step payloads are copied
// recursively so the clone shares no mutable state with s.
func (s Session) Clone() Session {
	out := s
	if s.Phases == nil {
		return out
	}
	out.Phases = make(map[Phase]PhaseProgress, len(s.Phases))
	for p, pp := range s.Phases {
		out.Phases[p] = pp.clone()
	}
	return out
}

func (p PhaseProgress) clone() PhaseProgress {
	out := p
	out.CompletedAt = cloneTime(p.CompletedAt)
	if p.Steps != nil {
		out.Steps = make([]StepProgress, len(p.Steps))
		for i, st := range p.Steps {
			out.Steps[i] = st.clone()
		}
	}
	return out
}

func (s StepProgress) clone() StepProgress {
	out := s
	out.CompletedAt = cloneTime(s.CompletedAt)
	if s.Notes != nil {
		n := *s.Notes
		out.Notes = &n
	}
	if s.Data != nil {
		out.Data = cloneMap(s.Data)
	}
	return out
}

// ApplyStepUpdate returns a new session with the update applied. The step is
// replaced in place when it already exists in the phase and appended
// otherwise; the phase's percentage and completion time are recomputed.
//
// The input session is never modified. A ValidationError is returned, and no
// change made, when the update fails a precondition.
func ApplyStepUpdate(s Session, u StepUpdate, now time.Time) (Session, error) {
	u, err := normalizeUpdate(u)
	if err != nil {
		return Session{}, err
	}

	out := Normalize(s)
	pp := out.Phases[u.Phase]

	idx := -1
	for i, st := range pp.Steps {
		if st.StepID == u.StepID {
			idx = i
			break
		}
	}

	var step StepProgress
	if idx >= 0 {
		step = pp.Steps[idx]
	} else {
		step = StepProgress{StepID: u.StepID, Status: StatusNotStarted, Data: map[string]any{}}
	}

	if u.Data != nil {
		step.Data = cloneMap(u.Data)
	}
	if u.Notes != nil {
		n := *u.Notes
		step.Notes = &n
	}

	switch {
	case u.Status != StatusCompleted:
		step.CompletedAt = nil
	case step.Status != StatusCompleted || step.CompletedAt == nil:
		step.CompletedAt = cloneTime(&now)
	}
	step.Status = u.Status

	if idx >= 0 {
		pp.Steps[idx] = step
	} else {
		pp.Steps = append(pp.Steps, step)
	}

	pp.CompletionPercentage = completionPercentage(pp.Steps)
	if pp.CompletedAt == nil && pp.Complete() {
		pp.CompletedAt = cloneTime(&now)
	}

	out.Phases[u.Phase] = pp
	out.UpdatedAt = now
	return out, nil
}

// PutStep stores step verbatim in phase, replacing the step with the same id
// or appending it, and recomputes the phase's percentage and completion
// time. Backing stores use it to persist a step exactly as the engine sent
// it. The input session is never modified.
func PutStep(s Session, phase Phase, step StepProgress, now time.Time) (Session, error) {
	if !phase.Valid() {
		return Session{}, &ValidationError{Field: "phase", Message: fmt.Sprintf("unknown phase %q", phase)}
	}
	step = step.clone()
	step.StepID = NormalizeStepID(step.StepID)
	if step.StepID == "" {
		return Session{}, &ValidationError{Field: "step_id", Message: "step id is required"}
	}
	if !step.Status.Valid() {
		return Session{}, &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", step.Status)}
	}
	if step.Data == nil {
		step.Data = map[string]any{}
	}

	out := Normalize(s)
	pp := out.Phases[phase]
	replaced := false
	for i, st := range pp.Steps {
		if st.StepID == step.StepID {
			pp.Steps[i] = step
			replaced = true
			break
		}
	}
	if !replaced {
		pp.Steps = append(pp.Steps, step)
	}

	pp.CompletionPercentage = completionPercentage(pp.Steps)
	if pp.CompletedAt == nil && pp.Complete() {
		pp.CompletedAt = cloneTime(&now)
	}
	out.Phases[phase] = pp
	out.UpdatedAt = now
	return out, nil
}

// ApplyPhaseChange returns a new session whose CurrentPhase is p. Step data is
// untouched.
func ApplyPhaseChange(s Session, p Phase, now time.Time) (Session, error) {
	if !p.Valid() {
		return Session{}, &ValidationError{Field: "phase", Message: fmt.Sprintf("unknown phase %q", p)}
	}
	out := Normalize(s)
	out.CurrentPhase = p
	out.UpdatedAt = now
	return out, nil
}

// normalizeUpdate validates u and applies NFC normalization to its identifiers.
func normalizeUpdate(u StepUpdate) (StepUpdate, error) {
	if !u.Phase.Valid() {
		return u, &ValidationError{Field: "phase", Message: fmt.Sprintf("unknown phase %q", u.Phase)}
	}
	u.StepID = NormalizeStepID(u.StepID)
	if u.StepID == "" {
		return u, &ValidationError{Field: "step_id", Message: "step id is required"}
	}
	if !u.Status.Valid() {
		return u, &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", u.Status)}
	}
	if u.Notes != nil {
		n := norm.NFC.String(*u.Notes)
		u.Notes = &n
	}
	if u.Data != nil {
		if _, err := json.Marshal(u.Data); err != nil {
			return u, &ValidationError{Field: "data", Message: fmt.Sprintf("payload is not JSON-encodable: %v", err)}
		}
	}
	return u, nil
}

// NormalizeStepID trims surrounding space and applies NFC normalization, so
// visually identical ids always address the same step.
func NormalizeStepID(id string) string {
	return norm.NFC.String(strings.TrimSpace(id))
}

// completionPercentage implements round(100 * completed / total), 0 for no steps.
// Skipped steps count towards the total but not towards completion.
func completionPercentage(steps []StepProgress) int {
	if len(steps) == 0 {
		return 0
	}
	completed := 0
	for _, s := range steps {
		if s.Status == StatusCompleted {
			completed++
		}
	}
	return int(math.Round(100 * float64(completed) / float64(len(steps))))
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = cloneValue(elem)
		}
		return out
	default:
		return v
	}
}
