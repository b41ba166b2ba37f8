package harness

import "github.com/roach88/stepsync/internal/progress"

// Trace event types.
const (
	EventAction = "action"
	EventCall   = "call"
)

// TraceEvent is one scenario action or one gateway call.
type TraceEvent struct {
	Type string `json:"type"`
	// AtMs is the fake clock offset from scenario start.
	AtMs   int64  `json:"at_ms"`
	Action string `json:"action,omitempty"`
	Op     string `json:"op,omitempty"`
	Phase  string `json:"phase,omitempty"`
	Step   string `json:"step,omitempty"`
	Status string `json:"status,omitempty"`
	Ms     int64  `json:"ms,omitempty"`
	Failed bool   `json:"failed,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when no action failed unexpectedly and every assertion held.
	Pass bool `json:"pass"`

	// Trace contains every action and gateway call in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Final is the completion summary of the cached session at the end of
	// the steps, when one was loaded.
	Final *progress.Summary `json:"final,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddActionTrace records a scenario action.
func (r *Result) AddActionTrace(atMs int64, a Action) {
	r.Trace = append(r.Trace, TraceEvent{
		Type:   EventAction,
		AtMs:   atMs,
		Action: a.Do,
		Op:     a.Op,
		Phase:  a.Phase,
		Step:   a.Step,
		Status: a.Status,
		Ms:     a.Ms,
	})
}

// AddCallTrace records a gateway call.
func (r *Result) AddCallTrace(atMs int64, op, phase, step, status string, failed bool) {
	r.Trace = append(r.Trace, TraceEvent{
		Type:   EventCall,
		AtMs:   atMs,
		Op:     op,
		Phase:  phase,
		Step:   step,
		Status: status,
		Failed: failed,
	})
}
