package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/stepsync/internal/progress"
	"github.com/roach88/stepsync/internal/testutil"
)

// Scenario scripts engine actions against a recording gateway and asserts on
// the outcome.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// User and Project form the session key. Default "user-1"/"project-1".
	User    string `yaml:"user,omitempty"`
	Project string `yaml:"project,omitempty"`

	// Engine overrides the engine's timing. Unset fields keep the defaults.
	Engine EngineSettings `yaml:"engine,omitempty"`

	// Seed lists steps already present in the backing store at start. When
	// empty the session does not exist until initialized.
	Seed []SeedStep `yaml:"seed,omitempty"`

	// Steps are executed in order.
	Steps []Action `yaml:"steps"`

	// Assertions are evaluated after the last step.
	Assertions []Assertion `yaml:"assertions"`
}

// EngineSettings overrides engine timing for one scenario.
type EngineSettings struct {
	DebounceMs  *int `yaml:"debounce_ms,omitempty"`
	MaxRetries  *int `yaml:"max_retries,omitempty"`
	BaseDelayMs *int `yaml:"base_delay_ms,omitempty"`
}

// SeedStep is one step stored before the scenario starts.
type SeedStep struct {
	Phase  string `yaml:"phase"`
	Step   string `yaml:"step"`
	Status string `yaml:"status"`
}

// Action is one scenario step. Which fields apply depends on Do.
type Action struct {
	Do       string         `yaml:"do"`
	Phase    string         `yaml:"phase,omitempty"`
	Step     string         `yaml:"step,omitempty"`
	Status   string         `yaml:"status,omitempty"`
	Data     map[string]any `yaml:"data,omitempty"`
	Notes    *string        `yaml:"notes,omitempty"`
	Ms       int64          `yaml:"ms,omitempty"`
	Op       string         `yaml:"op,omitempty"`
	Times    int            `yaml:"times,omitempty"`
	Parallel int            `yaml:"parallel,omitempty"`

	// ExpectError marks an action that must fail.
	ExpectError bool `yaml:"expect_error,omitempty"`
}

// Action names.
const (
	DoInitialize = "initialize"
	DoUpdate     = "update"
	DoUpdateSync = "update_sync"
	DoPhase      = "phase"
	DoAdvance    = "advance"
	DoFlush      = "flush"
	DoRefresh    = "refresh"
	DoSubscribe  = "subscribe"
	DoPush       = "push"
	DoFail       = "fail"
	DoRecover    = "recover"
	DoClose      = "close"
)

// Assertion validates the state after the steps ran.
type Assertion struct {
	Type       string  `yaml:"type"`
	Op         string  `yaml:"op,omitempty"`
	Count      *int    `yaml:"count,omitempty"`
	AtMs       []int64 `yaml:"at_ms,omitempty"`
	Index      int     `yaml:"index,omitempty"`
	Phase      string  `yaml:"phase,omitempty"`
	Step       string  `yaml:"step,omitempty"`
	Status     string  `yaml:"status,omitempty"`
	Absent     bool    `yaml:"absent,omitempty"`
	Percentage *int    `yaml:"percentage,omitempty"`
	Completed  *bool   `yaml:"completed,omitempty"`
	Overall    *int    `yaml:"overall,omitempty"`
	Pending    *bool   `yaml:"pending,omitempty"`
	Attempt    *int    `yaml:"attempt,omitempty"`
	Event      string  `yaml:"event,omitempty"`
	Level      string  `yaml:"level,omitempty"`
}

// Assertion type constants.
const (
	AssertCallCount     = "call_count"
	AssertCallTimes     = "call_times"
	AssertCallPayload   = "call_payload"
	AssertCachedStep    = "cached_step"
	AssertStoredStep    = "stored_step"
	AssertCurrentPhase  = "current_phase"
	AssertPhaseProgress = "phase_progress"
	AssertOverall       = "overall"
	AssertPending       = "pending"
	AssertLogEvent      = "log_event"
	AssertNotifications = "notifications"
)

var gatewayOps = map[string]bool{
	testutil.OpCreateSession: true,
	testutil.OpFetchSession:  true,
	testutil.OpSaveStep:      true,
	testutil.OpSavePhase:     true,
	testutil.OpSubscribe:     true,
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for name, v := range map[string]*int{
		"debounce_ms":   s.Engine.DebounceMs,
		"max_retries":   s.Engine.MaxRetries,
		"base_delay_ms": s.Engine.BaseDelayMs,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("engine.%s must be non-negative", name)
		}
	}

	for i, seed := range s.Seed {
		if err := validateStepFields(seed.Phase, seed.Step, seed.Status); err != nil {
			return fmt.Errorf("seed[%d]: %w", i, err)
		}
	}

	for i := range s.Steps {
		if err := validateAction(&s.Steps[i]); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(&s.Assertions[i]); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}

	return nil
}

func validateAction(a *Action) error {
	switch a.Do {
	case "":
		return fmt.Errorf("do is required")
	case DoInitialize:
		if a.Parallel < 0 {
			return fmt.Errorf("parallel must be non-negative")
		}
	case DoUpdate, DoUpdateSync, DoPush:
		return validateStepFields(a.Phase, a.Step, a.Status)
	case DoPhase:
		if _, err := progress.ParsePhase(a.Phase); err != nil {
			return err
		}
	case DoAdvance:
		if a.Ms <= 0 {
			return fmt.Errorf("ms must be positive for advance")
		}
	case DoFail:
		if !gatewayOps[a.Op] {
			return fmt.Errorf("unknown gateway op %q", a.Op)
		}
		if a.Times < 0 {
			return fmt.Errorf("times must be non-negative")
		}
	case DoFlush, DoRefresh, DoSubscribe, DoRecover, DoClose:
	default:
		return fmt.Errorf("unknown action %q", a.Do)
	}
	return nil
}

func validateStepFields(phase, step, status string) error {
	if _, err := progress.ParsePhase(phase); err != nil {
		return err
	}
	if step == "" {
		return fmt.Errorf("step is required")
	}
	if _, err := progress.ParseStepStatus(status); err != nil {
		return err
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("type is required")
	case AssertCallCount:
		if !gatewayOps[a.Op] {
			return fmt.Errorf("unknown gateway op %q", a.Op)
		}
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("non-negative count is required for call_count")
		}
	case AssertCallTimes:
		if !gatewayOps[a.Op] {
			return fmt.Errorf("unknown gateway op %q", a.Op)
		}
	case AssertCallPayload:
		if a.Op != testutil.OpSaveStep && a.Op != testutil.OpSavePhase {
			return fmt.Errorf("call_payload supports save_step and save_phase, got %q", a.Op)
		}
		if a.Index < 0 {
			return fmt.Errorf("index must be non-negative")
		}
	case AssertCachedStep, AssertStoredStep:
		if _, err := progress.ParsePhase(a.Phase); err != nil {
			return err
		}
		if a.Step == "" {
			return fmt.Errorf("step is required for %s", a.Type)
		}
		if !a.Absent {
			if _, err := progress.ParseStepStatus(a.Status); err != nil {
				return err
			}
		}
	case AssertCurrentPhase:
		if _, err := progress.ParsePhase(a.Phase); err != nil {
			return err
		}
	case AssertPhaseProgress:
		if _, err := progress.ParsePhase(a.Phase); err != nil {
			return err
		}
		if a.Percentage == nil && a.Completed == nil {
			return fmt.Errorf("percentage or completed is required for phase_progress")
		}
	case AssertOverall:
		if a.Overall == nil {
			return fmt.Errorf("overall is required")
		}
	case AssertPending:
		if a.Pending == nil {
			return fmt.Errorf("pending is required")
		}
	case AssertLogEvent:
		if a.Event == "" {
			return fmt.Errorf("event is required for log_event")
		}
	case AssertNotifications:
		if a.Count == nil {
			return fmt.Errorf("count is required for notifications")
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
