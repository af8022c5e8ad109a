package plan

import "time"

// Budget is a ceiling on cumulative session cost, executed step count, and
// wall-clock duration. Ceilings are absolute against the session-wide
// counters; a zero dimension is unbounded. Budgets are only ever consumed,
// never replenished, within a session.
type Budget struct {
	MaxCost    float64 `json:"max_cost,omitempty"`
	MaxSteps   int     `json:"max_steps,omitempty"`
	MaxSeconds float64 `json:"max_seconds,omitempty"`
}

// Cap bounds each dimension of b by the corresponding dimension of ceiling,
// so a plan-supplied override can tighten the configured budget but never
// widen it.
func (b Budget) Cap(ceiling Budget) Budget {
	out := b
	if ceiling.MaxCost > 0 && (out.MaxCost == 0 || out.MaxCost > ceiling.MaxCost) {
		out.MaxCost = ceiling.MaxCost
	}
	if ceiling.MaxSteps > 0 && (out.MaxSteps == 0 || out.MaxSteps > ceiling.MaxSteps) {
		out.MaxSteps = ceiling.MaxSteps
	}
	if ceiling.MaxSeconds > 0 && (out.MaxSeconds == 0 || out.MaxSeconds > ceiling.MaxSeconds) {
		out.MaxSeconds = ceiling.MaxSeconds
	}
	return out
}

// Child derives a sub-plan budget: the declared child ceilings (which may
// be zero for "inherit") are translated to absolute ceilings on the session
// counters, capped by what remains of the parent budget at spawn time.
func (b Budget) Child(declared *Budget, spentCost float64, usedSteps int, elapsed time.Duration) Budget {
	out := b
	if declared != nil {
		if declared.MaxCost > 0 {
			abs := spentCost + declared.MaxCost
			if b.MaxCost == 0 || abs < b.MaxCost {
				out.MaxCost = abs
			}
		}
		if declared.MaxSteps > 0 {
			abs := usedSteps + declared.MaxSteps
			if b.MaxSteps == 0 || abs < b.MaxSteps {
				out.MaxSteps = abs
			}
		}
		if declared.MaxSeconds > 0 {
			abs := elapsed.Seconds() + declared.MaxSeconds
			if b.MaxSeconds == 0 || abs < b.MaxSeconds {
				out.MaxSeconds = abs
			}
		}
	}
	return out
}

// Tripped reports the first breached dimension, checked in the fixed order
// cost, steps, time.
func (b Budget) Tripped(spentCost float64, usedSteps int, elapsed time.Duration) (string, bool) {
	if b.MaxCost > 0 && spentCost >= b.MaxCost {
		return "cost", true
	}
	if b.MaxSteps > 0 && usedSteps >= b.MaxSteps {
		return "steps", true
	}
	if b.MaxSeconds > 0 && elapsed.Seconds() >= b.MaxSeconds {
		return "time", true
	}
	return "", false
}
