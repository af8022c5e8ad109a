package config

import "time"

// ModelRates holds per-token pricing for one model (config:models entry).
// Rates are dollars per million tokens.
type ModelRates struct {
	InputPerMTok  float64 `json:"input_per_mtok"`
	OutputPerMTok float64 `json:"output_per_mtok"`
}

// ModelRegistry maps model identifier to pricing (config:models).
type ModelRegistry map[string]ModelRates

// Resource is one external account the engine checks at wake for ground
// truth the model cannot hallucinate. Checker names a registered capability
// that fetches the live value.
type Resource struct {
	Name    string         `json:"name"`
	Kind    string         `json:"kind"` // credit | wallet | usage
	Checker string         `json:"checker"`
	Input   map[string]any `json:"input,omitempty"`
}

// ResourceRegistry is the config:resources document.
type ResourceRegistry struct {
	Accounts []Resource `json:"accounts"`
}

// WakeConfig is the wake_config document: when to wake next and any
// standing overrides applied on top of config:defaults.
type WakeConfig struct {
	NextWake       time.Time      `json:"next_wake"`
	EffortOverride string         `json:"effort_override,omitempty"`
	Overrides      map[string]any `json:"overrides,omitempty"`
}

// Tripwire is one ordered wake-time rule: compare a live-data path against
// a threshold and, when it fires, raise effort to at least MinEffort.
type Tripwire struct {
	Path      string `json:"path"` // dot path into the live-data tree
	Op        string `json:"op"`   // below | above | equals | changed
	Threshold any    `json:"threshold,omitempty"`
	MinEffort string `json:"min_effort"`
}

// DeepReview carries the deep-review scheduling thresholds from
// config:defaults ("deep_review" object).
type DeepReview struct {
	FirstAfterSessions int `json:"first_after_sessions"`
	EverySessions      int `json:"every_sessions"`
	EveryDays          int `json:"every_days"`
}
