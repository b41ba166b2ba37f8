package progress

import "math"

// Summary holds the metrics derived from a session by Calculate.
type Summary struct {
	PhaseCompletion    map[Phase]int `json:"phase_completion"`
	OverallCompletion  int           `json:"overall_completion"`
	CompletedStepCount int           `json:"completed_step_count"`
	TotalStepCount     int           `json:"total_step_count"`

	// NextStep is the first not-started or in-progress step, scanning phases
	// forward from CurrentPhase and steps in list order. Nil if none.
	NextStep *StepProgress `json:"next_step,omitempty"`

	// NextStepPhase is the phase NextStep belongs to.
	NextStepPhase *Phase `json:"next_step_phase,omitempty"`

	// NextPhase is the first phase at or after CurrentPhase that is not
	// complete. Nil if every remaining phase is complete.
	NextPhase *Phase `json:"next_phase,omitempty"`
}

// Calculate derives completion metrics from a session. It is a total function:
// sessions missing phases are treated as if those phases had no steps.
//
// OverallCompletion is the rounded mean of all eight phase percentages, so a
// phase without steps pulls the mean down by contributing 0.
func Calculate(s Session) Summary {
	sum := Summary{PhaseCompletion: make(map[Phase]int, len(Phases))}

	total := 0
	for _, p := range Phases {
		pp := s.Phases[p]
		pct := completionPercentage(pp.Steps)
		sum.PhaseCompletion[p] = pct
		total += pct
		for _, st := range pp.Steps {
			sum.TotalStepCount++
			if st.Status == StatusCompleted {
				sum.CompletedStepCount++
			}
		}
	}
	sum.OverallCompletion = int(math.Round(float64(total) / float64(len(Phases))))

	start := s.CurrentPhase.Index()
	if start < 0 {
		start = 0
	}

	for _, p := range Phases[start:] {
		pp := s.Phases[p]
		if sum.NextStep == nil {
			for _, st := range pp.Steps {
				if st.Status.Actionable() {
					step := st.clone()
					phase := p
					sum.NextStep = &step
					sum.NextStepPhase = &phase
					break
				}
			}
		}
		if sum.NextPhase == nil && !pp.Complete() {
			phase := p
			sum.NextPhase = &phase
		}
		if sum.NextStep != nil && sum.NextPhase != nil {
			break
		}
	}

	return sum
}
