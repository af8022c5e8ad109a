package config

import "fmt"

// Effort is the totally ordered reasoning-effort level for a session.
// Tripwires only ever escalate it, never lower it.
type Effort int

const (
	EffortLow Effort = iota
	EffortMedium
	EffortHigh
	EffortMax
)

// ParseEffort maps the stored string form to an Effort.
func ParseEffort(s string) (Effort, error) {
	switch s {
	case "low", "":
		return EffortLow, nil
	case "medium":
		return EffortMedium, nil
	case "high":
		return EffortHigh, nil
	case "max":
		return EffortMax, nil
	}
	return EffortLow, fmt.Errorf("config: unknown effort level %q", s)
}

func (e Effort) String() string {
	switch e {
	case EffortMedium:
		return "medium"
	case EffortHigh:
		return "high"
	case EffortMax:
		return "max"
	default:
		return "low"
	}
}

// Escalate returns the higher of the two levels.
func (e Effort) Escalate(to Effort) Effort {
	if to > e {
		return to
	}
	return e
}
