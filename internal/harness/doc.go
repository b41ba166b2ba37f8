// Package harness runs scripted scenarios against a real engine backed by a
// recording in-memory gateway and a fake clock, so debounce and retry timing
// can be asserted to the millisecond.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: retry_recovers
//	description: "Two failed saves, then success"
//	engine:
//	  debounce_ms: 2000
//	  max_retries: 3
//	  base_delay_ms: 1000
//	steps:
//	  - do: initialize
//	  - do: fail
//	    op: save_step
//	    times: 2
//	  - do: update
//	    phase: validation
//	    step: step1
//	    status: completed
//	  - do: advance
//	    ms: 10000
//	assertions:
//	  - type: call_times
//	    op: save_step
//	    at_ms: [2000, 3000, 5000]
//	  - type: pending
//	    pending: false
//
// A scenario may list seed steps (phase, step, status) that exist in the
// backing store before the first action; without them the session is new.
//
// # Actions
//
//   - initialize: InitializeProgress; parallel: N runs N calls concurrently
//   - update, update_sync: UpdateStep / UpdateStepSync (phase, step, status,
//     data, notes)
//   - phase: ChangePhase
//   - advance: move the fake clock forward by ms, firing due timers
//   - flush: ForceFlush
//   - refresh: Refresh
//   - subscribe: register a listener on the engine
//   - push: another client writes a step to the backing store and notifies
//     subscribers
//   - fail: make the next `times` calls to op fail, or every call when times
//     is 0
//   - recover: clear every scripted failure
//   - close: Close the engine
//
// Any action may set expect_error: true.
//
// # Assertion Types
//
//   - call_count: number of gateway calls to op
//   - call_times: offsets in ms of every call to op
//   - call_payload: phase, step and status of the index-th call to op
//   - cached_step, stored_step: a step in the engine cache or backing store
//     (absent: true asserts it does not exist)
//   - current_phase: the cached current phase
//   - phase_progress: percentage and completion of a cached phase
//   - overall: overall completion percentage of the cached session
//   - pending: whether the engine still holds unsaved work, and its attempt
//   - log_event: a log record with the given event attr (and level)
//   - notifications: number of pushes delivered to subscribe listeners
//
// # Golden Traces
//
// Every action and gateway call is recorded as a TraceEvent. RunWithGolden
// compares the canonical JSON of the trace with testdata/golden/<name>.golden.
package harness
