package progress

import (
	"fmt"
	"time"
)

// SessionKey identifies one Progress Session. It is stable for the lifetime of
// a project and is the map key everywhere in the sync engine.
type SessionKey struct {
	UserID    string `json:"user_id"`
	ProjectID string `json:"project_id"`
}

// String returns "user/project" for logs and map keys.
func (k SessionKey) String() string {
	return k.UserID + "/" + k.ProjectID
}

// Validate checks that both halves of the key are present.
func (k SessionKey) Validate() error {
	if k.UserID == "" {
		return &ValidationError{Field: "user_id", Message: "user id is required"}
	}
	if k.ProjectID == "" {
		return &ValidationError{Field: "project_id", Message: "project id is required"}
	}
	return nil
}

// Phase is one of the eight fixed, ordered workflow stages.
type Phase string

const (
	PhaseValidation   Phase = "validation"
	PhasePlanning     Phase = "planning"
	PhaseSetup        Phase = "setup"
	PhaseDevelopment  Phase = "development"
	PhaseTesting      Phase = "testing"
	PhaseLaunch       Phase = "launch"
	PhaseGrowth       Phase = "growth"
	PhaseOptimization Phase = "optimization"
)

// Phases lists every phase in workflow order. Callers must not modify it.
var Phases = []Phase{
	PhaseValidation,
	PhasePlanning,
	PhaseSetup,
	PhaseDevelopment,
	PhaseTesting,
	PhaseLaunch,
	PhaseGrowth,
	PhaseOptimization,
}

// FirstPhase is the phase a fresh session starts in.
const FirstPhase = PhaseValidation

// Index returns the phase's position in workflow order, or -1 if unknown.
func (p Phase) Index() int {
	for i, candidate := range Phases {
		if candidate == p {
			return i
		}
	}
	return -1
}

// Valid reports whether p is one of the eight phases.
func (p Phase) Valid() bool {
	return p.Index() >= 0
}

// ParsePhase converts a string into a Phase.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if !p.Valid() {
		return "", &ValidationError{Field: "phase", Message: fmt.Sprintf("unknown phase %q", s)}
	}
	return p, nil
}

// StepStatus is the lifecycle state of a single step.
type StepStatus string

const (
	StatusNotStarted StepStatus = "not_started"
	StatusInProgress StepStatus = "in_progress"
	StatusCompleted  StepStatus = "completed"
	StatusSkipped    StepStatus = "skipped"
)

// Valid reports whether s is a known status.
func (s StepStatus) Valid() bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusCompleted, StatusSkipped:
		return true
	}
	return false
}

// Done reports whether the step no longer needs attention.
func (s StepStatus) Done() bool {
	return s == StatusCompleted || s == StatusSkipped
}

// Actionable reports whether the step is a candidate for "next step".
func (s StepStatus) Actionable() bool {
	return s == StatusNotStarted || s == StatusInProgress
}

// ParseStepStatus converts a string into a StepStatus.
func ParseStepStatus(s string) (StepStatus, error) {
	st := StepStatus(s)
	if !st.Valid() {
		return "", &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", s)}
	}
	return st, nil
}

// StepProgress is the state of one actionable item within a phase.
type StepProgress struct {
	StepID      string         `json:"step_id"`
	Status      StepStatus     `json:"status"`
	Data        map[string]any `json:"data"`
	Notes       *string        `json:"notes,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// PhaseProgress is the state of one phase.
//
// CompletionPercentage == round(100 * completed / len(Steps)), 0 for no steps.
// CompletedAt is set the first time every step is completed or skipped and
// is never cleared afterwards.
type PhaseProgress struct {
	Phase                Phase          `json:"phase"`
	Steps                []StepProgress `json:"steps"`
	CompletionPercentage int            `json:"completion_percentage"`
	StartedAt            time.Time      `json:"started_at"`
	CompletedAt          *time.Time     `json:"completed_at,omitempty"`
}

// Step returns the step with the given id.
func (p PhaseProgress) Step(stepID string) (StepProgress, bool) {
	for _, s := range p.Steps {
		if s.StepID == stepID {
			return s, true
		}
	}
	return StepProgress{}, false
}

// Complete reports whether the phase has at least one step and all of them
// are completed or skipped.
func (p PhaseProgress) Complete() bool {
	if len(p.Steps) == 0 {
		return false
	}
	for _, s := range p.Steps {
		if !s.Status.Done() {
			return false
		}
	}
	return true
}

// Session is a user's progress through one project.
//
// INVARIANTS:
//   - Phases has an entry for every value in Phases
//   - CurrentPhase is a key of Phases
//   - UpdatedAt is refreshed on every mutation
type Session struct {
	Key          SessionKey              `json:"key"`
	CurrentPhase Phase                   `json:"current_phase"`
	Phases       map[Phase]PhaseProgress `json:"phases"`
	CreatedAt    time.Time               `json:"created_at"`
	UpdatedAt    time.Time               `json:"updated_at"`
}

// Phase returns the progress for p. The zero PhaseProgress is returned for
// unknown phases.
func (s Session) Phase(p Phase) PhaseProgress {
	return s.Phases[p]
}

// StepUpdate is the payload of a step mutation. Nil Data or Notes keep the
// step's existing values.
type StepUpdate struct {
	Phase  Phase
	StepID string
	Status StepStatus
	Data   map[string]any
	Notes  *string
}

// StepRef names one step within a session.
type StepRef struct {
	Phase  Phase  `json:"phase"`
	StepID string `json:"step_id"`
}

// String returns "phase/step".
func (r StepRef) String() string {
	return string(r.Phase) + "/" + r.StepID
}
