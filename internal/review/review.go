// Package review implements the review passes: the in-session reflect pass
// and the periodic deep self-review. A review asks the model to inspect
// recent history and durable state, then applies the structured mutations
// it emits (key-value operations, wake configuration, updated defaults,
// updated wisdom) through the store, where the identity document's write
// block has the final word.
package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"swayambhu/internal/config"
	"swayambhu/internal/karma"
	"swayambhu/internal/plan"
	"swayambhu/internal/provider"
	"swayambhu/internal/store"
)

// KVOp is one store mutation the review emits. For rename, Value holds the
// new key as a JSON string.
type KVOp struct {
	Op    string          `json:"op"` // put | delete | rename
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Output is the structured result of one review pass.
type Output struct {
	SessionSummary   string             `json:"session_summary,omitempty"`
	Reflection       string             `json:"reflection,omitempty"`
	NoteToFutureSelf string             `json:"note_to_future_self"`
	KVOperations     []KVOp             `json:"kv_operations,omitempty"`
	NextWakeConfig   *config.WakeConfig `json:"next_wake_config,omitempty"`
	UpdatedDefaults  map[string]any     `json:"updated_defaults,omitempty"`
	UpdatedWisdom    string             `json:"updated_wisdom,omitempty"`
}

// ErrMalformed tags review output that fails to parse or validate.
var ErrMalformed = errors.New("review: malformed review output")

const outputSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["note_to_future_self"],
	"anyOf": [
		{"required": ["session_summary"]},
		{"required": ["reflection"]}
	],
	"properties": {
		"session_summary": {"type": "string"},
		"reflection": {"type": "string"},
		"note_to_future_self": {"type": "string"},
		"kv_operations": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["op", "key"],
				"properties": {
					"op": {"enum": ["put", "delete", "rename"]},
					"key": {"type": "string", "minLength": 1}
				}
			}
		},
		"next_wake_config": {"type": "object"},
		"updated_defaults": {"type": "object"},
		"updated_wisdom": {"type": "string"}
	}
}`

var compiledOutputSchema = jsonschema.MustCompileString("review.json", outputSchema)

// ParseOutput validates and decodes raw model output into an Output.
func ParseOutput(raw string) (*Output, error) {
	cleaned := plan.StripFences(raw)

	var generic any
	if err := json.Unmarshal([]byte(cleaned), &generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := compiledOutputSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var out Output
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &out, nil
}

// Pass runs review passes for one session.
type Pass struct {
	st     *store.Store
	gen    provider.Generator
	rec    *karma.Recorder
	opt    plan.Options
	logger *zap.Logger
}

// NewPass wires a review pass.
func NewPass(st *store.Store, gen provider.Generator, rec *karma.Recorder, opt plan.Options, logger *zap.Logger) *Pass {
	return &Pass{st: st, gen: gen, rec: rec, opt: opt, logger: logger}
}

// Kind selects which review is run.
type Kind string

const (
	KindReflect Kind = "reflect"
	KindDeep    Kind = "deep_reflect"
)

// Run renders the review prompt, issues the generative call, parses the
// output, and applies it. Malformed output is recorded and returned; no
// retry.
func (p *Pass) Run(ctx context.Context, kind Kind) (*Output, error) {
	prompt, err := p.renderPrompt(kind)
	if err != nil {
		return nil, err
	}

	resp, err := p.gen.Generate(ctx, provider.Request{
		Model:     p.opt.Model,
		MaxTokens: p.opt.MaxTokens,
		Messages:  []provider.Message{{Role: "user", Content: prompt}},
		Effort:    p.opt.Effort,
	})
	if err != nil {
		return nil, fmt.Errorf("review call failed: %w", err)
	}

	out, err := ParseOutput(resp.Content)
	if err != nil {
		_ = p.rec.Record(karma.EventPlanMalformed, map[string]any{
			"phase": string(kind),
			"error": err.Error(),
		})
		return nil, err
	}

	if err := p.Apply(out, kind); err != nil {
		return nil, err
	}
	return out, nil
}

// Apply writes the review's mutations to the store in a fixed order:
// kv_operations first, then wake config, defaults, wisdom, and the
// last_reflect record. A permission violation aborts the remaining
// operations and surfaces; it is never silently dropped.
func (p *Pass) Apply(out *Output, kind Kind) error {
	for _, op := range out.KVOperations {
		if err := p.applyOp(op); err != nil {
			if errors.Is(err, store.ErrProtectedKey) {
				_ = p.rec.Record(karma.EventViolation, map[string]any{
					"op":  op.Op,
					"key": op.Key,
				})
			}
			return fmt.Errorf("review kv operation %s %s: %w", op.Op, op.Key, err)
		}
	}

	if out.NextWakeConfig != nil {
		if err := p.st.PutJSON(store.KeyWakeConfig, out.NextWakeConfig); err != nil {
			return err
		}
	}
	if len(out.UpdatedDefaults) > 0 {
		var defaults config.Defaults
		if err := p.st.GetJSON(store.KeyConfigDefaults, &defaults); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		merged := config.Merge(defaults, out.UpdatedDefaults)
		if err := p.st.PutJSON(store.KeyConfigDefaults, merged); err != nil {
			return err
		}
	}
	if out.UpdatedWisdom != "" {
		if kind != KindDeep {
			p.logger.Warn("wisdom update ignored outside deep review")
		} else if err := p.st.PutJSON(store.KeyWisdom, out.UpdatedWisdom); err != nil {
			return err
		}
	}
	if err := p.st.PutJSON(store.KeyLastReflect, out); err != nil {
		return err
	}

	if kind == KindDeep {
		if err := p.recordDeepSchedule(); err != nil {
			return err
		}
	}

	_ = p.rec.Record(karma.EventReviewApplied, map[string]any{
		"kind":     string(kind),
		"kv_ops":   len(out.KVOperations),
		"defaults": len(out.UpdatedDefaults) > 0,
		"wisdom":   out.UpdatedWisdom != "",
	})
	return nil
}

func (p *Pass) applyOp(op KVOp) error {
	switch op.Op {
	case "put":
		if len(op.Value) == 0 {
			return fmt.Errorf("put without value")
		}
		return p.st.Put(op.Key, op.Value)
	case "delete":
		return p.st.Delete(op.Key)
	case "rename":
		var newKey string
		if err := json.Unmarshal(op.Value, &newKey); err != nil || newKey == "" {
			return fmt.Errorf("rename needs the new key as a string value")
		}
		return p.st.Rename(op.Key, newKey)
	}
	return fmt.Errorf("unknown op %q", op.Op)
}

// Schedule is the deep_reflect_schedule document.
type Schedule struct {
	LastAt           time.Time `json:"last_at"`
	LastSessionCount int       `json:"last_session_count"`
}

func (p *Pass) recordDeepSchedule() error {
	var counter int
	if err := p.st.GetJSON(store.KeySessionCounter, &counter); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return p.st.PutJSON(store.KeyDeepSchedule, Schedule{
		LastAt:           time.Now().UTC(),
		LastSessionCount: counter,
	})
}

// renderPrompt loads the template for the given kind and substitutes the
// standard placeholders from durable state and this session's log.
func (p *Pass) renderPrompt(kind Kind) (string, error) {
	tmpl := defaultReflectPrompt
	if kind == KindDeep {
		tmpl = defaultDeepPrompt
	}
	var stored string
	if err := p.st.GetJSON(store.PromptKey(string(kind)), &stored); err == nil && stored != "" {
		tmpl = stored
	}

	data := map[string]string{
		"wisdom":  p.loadString(store.KeyWisdom),
		"soul":    p.loadRaw(store.KeySoul),
		"session": p.sessionDigest(),
	}
	out := tmpl
	for name, value := range data {
		out = strings.ReplaceAll(out, "{{"+name+"}}", value)
	}
	return out, nil
}

func (p *Pass) loadString(key string) string {
	var s string
	if err := p.st.GetJSON(key, &s); err != nil {
		return ""
	}
	return s
}

func (p *Pass) loadRaw(key string) string {
	raw, err := p.st.Get(key)
	if err != nil {
		return ""
	}
	return string(raw)
}

func (p *Pass) sessionDigest() string {
	entries := p.rec.Entries()
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Sprintf("%d events (digest unavailable)", len(entries))
	}
	return string(data)
}

const defaultReflectPrompt = `Review this session and respond with a single JSON object:
{"session_summary": "...", "note_to_future_self": "...",
 "kv_operations": [], "next_wake_config": null}

Identity: {{soul}}
Accumulated wisdom: {{wisdom}}
Session events: {{session}}`

const defaultDeepPrompt = `This is a periodic deep self-review. Inspect your recent history and
durable state, then respond with a single JSON object:
{"reflection": "...", "note_to_future_self": "...", "updated_wisdom": "...",
 "kv_operations": [], "updated_defaults": {}, "next_wake_config": null}

Identity: {{soul}}
Accumulated wisdom: {{wisdom}}
Recent events: {{session}}`
