// Package plan defines the typed step tree the planning call returns and
// the engine that interprets it under a budget. The engine enforces
// resource and safety envelopes around whatever plan it is given; it has no
// opinion about plan quality.
package plan

// Kind discriminates the step variants.
type Kind string

const (
	KindAction      Kind = "action"      // invoke a named capability
	KindThink       Kind = "think"       // one generative call, store the text
	KindConditional Kind = "conditional" // categorical branch question
	KindSubplan     Kind = "subplan"     // ask for a nested plan, recurse
	KindReflect     Kind = "reflect"     // run the review pass in place
)

// Step is one node of the recursive plan tree. Which of the kind-specific
// fields are meaningful depends on Kind.
type Step struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`

	// action
	Tool  string         `json:"tool,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// think
	Prompt string `json:"prompt,omitempty"`

	// conditional
	Question string            `json:"question,omitempty"`
	Branches map[string][]Step `json:"branches,omitempty"`

	// subplan
	Goal string `json:"goal,omitempty"`

	// common
	StoreResultAs string   `json:"store_result_as,omitempty"`
	DependsOn     []string `json:"depends_on,omitempty"`
	Retries       *int     `json:"retries,omitempty"`
	OnFailure     string   `json:"on_failure,omitempty"` // continue | halt
}

// Tripwire is a session-scoped rule evaluated before every step.
type Tripwire struct {
	When   string `json:"when"`   // any_step_failed
	Action string `json:"action"` // halt | skip_remaining | replan
}

// Plan is the parsed output of one planning call. It exists only within a
// session and is never persisted as a standalone entity.
type Plan struct {
	SessionPlan         string     `json:"session_plan,omitempty"`
	Steps               []Step     `json:"steps"`
	SessionBudget       *Budget    `json:"session_budget,omitempty"`
	MidSessionTripwires []Tripwire `json:"mid_session_tripwires,omitempty"`
}
