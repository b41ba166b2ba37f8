package engine

import (
	"time"

	"github.com/roach88/stepsync/internal/progress"
)

// PendingOperation is the engine's bookkeeping for a session with unsaved or
// unconfirmed changes.
type PendingOperation struct {
	Key progress.SessionKey

	// LastState is the cached session the next save will read from.
	LastState progress.Session

	// DirtySteps lists the steps awaiting a save, in first-touch order.
	DirtySteps []progress.StepRef

	// PhaseDirty is set when CurrentPhase changed since the last save.
	PhaseDirty bool

	// Attempt counts failed saves since the last success; 0 when none.
	Attempt int

	// SaveScheduled is set while a debounce timer is armed.
	SaveScheduled bool
	SaveDue       time.Time

	// RetryScheduled is set while a retry timer is armed.
	RetryScheduled bool
	RetryDue       time.Time

	// LastError is the failure that armed the current retry.
	LastError error
}

// dirtySet is the set of (phase, step) keys modified since they were last
// handed to a save, plus the phase flag. Insertion order is kept so saves
// are issued in the order the user touched the steps.
type dirtySet struct {
	steps []progress.StepRef
	index map[progress.StepRef]struct{}
	phase bool
}

// saveBatch is the slice of a dirtySet handed to one save.
type saveBatch struct {
	steps []progress.StepRef
	phase bool
}

func newDirtySet() *dirtySet {
	return &dirtySet{index: make(map[progress.StepRef]struct{})}
}

func (d *dirtySet) markStep(ref progress.StepRef) {
	if _, ok := d.index[ref]; ok {
		return
	}
	d.index[ref] = struct{}{}
	d.steps = append(d.steps, ref)
}

func (d *dirtySet) markPhase() {
	d.phase = true
}

func (d *dirtySet) empty() bool {
	return len(d.steps) == 0 && !d.phase
}

// take empties the set and returns its contents.
func (d *dirtySet) take() saveBatch {
	b := saveBatch{steps: d.steps, phase: d.phase}
	d.steps = nil
	d.index = make(map[progress.StepRef]struct{})
	d.phase = false
	return b
}

// merge puts an unsaved batch back in front of anything dirtied since it was
// taken.
func (d *dirtySet) merge(b saveBatch) {
	newer := d.steps
	d.steps = nil
	d.index = make(map[progress.StepRef]struct{}, len(b.steps)+len(newer))
	for _, ref := range b.steps {
		d.markStep(ref)
	}
	for _, ref := range newer {
		d.markStep(ref)
	}
	d.phase = d.phase || b.phase
}

func (d *dirtySet) snapshot() ([]progress.StepRef, bool) {
	out := make([]progress.StepRef, len(d.steps))
	copy(out, d.steps)
	return out, d.phase
}

func (b saveBatch) empty() bool {
	return len(b.steps) == 0 && !b.phase
}

func (b saveBatch) size() int {
	n := len(b.steps)
	if b.phase {
		n++
	}
	return n
}
