package plan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"swayambhu/internal/config"
	"swayambhu/internal/karma"
	"swayambhu/internal/provider"
)

var (
	// ErrHalted means a failure policy or tripwire stopped the entire
	// plan. It is a control signal, not a session failure.
	ErrHalted = errors.New("plan: halted")

	// ErrReplan means a tripwire asked for a fresh plan.
	ErrReplan = errors.New("plan: re-plan requested")
)

// ToolInvoker executes a named capability with a resolved input. The
// session controller implements it on top of the sandbox runner and the
// capability store.
type ToolInvoker interface {
	Invoke(ctx context.Context, tool string, input map[string]any) (string, error)
}

// Options carries the per-session knobs the engine needs, resolved from
// config:defaults before execution starts.
type Options struct {
	Model          string
	MaxTokens      int
	Effort         config.Effort
	DefaultRetries int
	MaxDepth       int
	SubplanPrompt  string // template containing {{goal}}
}

// Engine interprets one plan for one session. Counters (cost, steps,
// elapsed) are session-wide and monotonic; per-level budgets are absolute
// ceilings against them.
type Engine struct {
	gen       provider.Generator
	tools     ToolInvoker
	reflectFn func(context.Context) error
	rec       *karma.Recorder
	opt       Options
	logger    *zap.Logger

	start     time.Time
	cost      float64
	stepsRun  int
	results   Results
	status    map[string]StepResult // keyed by step id, for depends_on
	tripwires []Tripwire
	anyFailed bool
}

// NewEngine wires an engine for one session.
func NewEngine(gen provider.Generator, tools ToolInvoker, reflectFn func(context.Context) error, rec *karma.Recorder, opt Options, logger *zap.Logger) *Engine {
	if opt.MaxDepth <= 0 {
		opt.MaxDepth = 3
	}
	if opt.MaxTokens <= 0 {
		opt.MaxTokens = 4096
	}
	if opt.SubplanPrompt == "" {
		opt.SubplanPrompt = defaultSubplanPrompt
	}
	return &Engine{
		gen:       gen,
		tools:     tools,
		reflectFn: reflectFn,
		rec:       rec,
		opt:       opt,
		logger:    logger,
		results:   make(Results),
		status:    make(map[string]StepResult),
	}
}

// Cost returns cumulative estimated spend so far.
func (e *Engine) Cost() float64 { return e.cost }

// StepsExecuted returns how many steps were dispatched (skips not counted).
func (e *Engine) StepsExecuted() int { return e.stepsRun }

// Results returns the named step results accumulated so far.
func (e *Engine) Results() Results { return e.results }

// Run executes a whole plan under the configured budget. A plan-supplied
// budget override can only tighten the configured ceilings. A halt
// from budget, failure policy, or tripwire is a recorded, normal
// end, not an error; only a re-plan request or an infrastructure failure
// comes back as one.
func (e *Engine) Run(ctx context.Context, p *Plan, configured Budget) error {
	// The clock starts once per session. A later Run on the same engine
	// (the re-plan path) keeps consuming the same elapsed-time budget.
	if e.start.IsZero() {
		e.start = time.Now()
	}
	budget := configured
	if p.SessionBudget != nil {
		budget = p.SessionBudget.Cap(configured)
	}
	e.tripwires = p.MidSessionTripwires

	err := e.ExecuteSteps(ctx, p.Steps, budget, 0)
	if errors.Is(err, ErrHalted) {
		return nil
	}
	return err
}

// ExecuteSteps runs one level of the plan tree. Order per step: budget
// check, session tripwires, dependency check, variable resolution,
// dispatch, result storage. The first budget breach halts the remaining
// steps of this level only; parents re-check their own ceilings.
func (e *Engine) ExecuteSteps(ctx context.Context, steps []Step, b Budget, depth int) error {
	for i := range steps {
		step := steps[i]

		if dim, hit := b.Tripped(e.cost, e.stepsRun, time.Since(e.start)); hit {
			_ = e.rec.Record(karma.EventBudgetExceeded, map[string]any{
				"dimension": dim,
				"cost":      e.cost,
				"steps":     e.stepsRun,
				"depth":     depth,
				"next_step": step.ID,
			})
			return nil
		}

		if err := e.checkTripwires(depth); err != nil {
			if errors.Is(err, errSkipRemaining) {
				return nil
			}
			return err
		}

		if dep, bad := e.failedDependency(step); bad {
			e.markSkipped(step, "dependency_failed", dep)
			continue
		}

		resolved, skip := e.resolveStep(step)
		if skip {
			e.markSkipped(step, "failed_reference", "")
			continue
		}

		e.stepsRun++

		retries := e.opt.DefaultRetries
		if step.Retries != nil {
			retries = *step.Retries
		}

		var value any
		var err error
		for attempt := 0; attempt <= retries; attempt++ {
			value, err = e.dispatch(ctx, resolved, b, depth)
			if err == nil {
				break
			}
			if errors.Is(err, ErrHalted) || errors.Is(err, ErrReplan) {
				return err
			}
			_ = e.rec.Record(karma.EventStepFailed, map[string]any{
				"step":    step.ID,
				"kind":    string(step.Kind),
				"attempt": attempt,
				"error":   err.Error(),
			})
		}

		if err != nil {
			e.anyFailed = true
			marker := StepResult{Failed: true, Error: err.Error()}
			e.status[step.ID] = marker
			if step.StoreResultAs != "" {
				e.results[step.StoreResultAs] = marker
			}
			policy := step.OnFailure
			if policy == "" {
				policy = "continue"
			}
			if policy == "halt" {
				_ = e.rec.Record(karma.EventTripwire, map[string]any{
					"step":   step.ID,
					"action": "halt",
					"reason": "on_failure policy",
				})
				return ErrHalted
			}
			continue
		}

		res := StepResult{Value: value}
		e.status[step.ID] = res
		if step.StoreResultAs != "" {
			e.results[step.StoreResultAs] = res
		}
	}
	return nil
}

var errSkipRemaining = errors.New("plan: skip remaining steps")

// checkTripwires evaluates the plan's session-scoped tripwires. Supported
// live condition: any_step_failed.
func (e *Engine) checkTripwires(depth int) error {
	for _, tw := range e.tripwires {
		if tw.When != "any_step_failed" || !e.anyFailed {
			continue
		}
		_ = e.rec.Record(karma.EventTripwire, map[string]any{
			"when":   tw.When,
			"action": tw.Action,
			"depth":  depth,
		})
		switch tw.Action {
		case "halt":
			return ErrHalted
		case "replan":
			return ErrReplan
		default: // skip_remaining
			return errSkipRemaining
		}
	}
	return nil
}

// failedDependency reports the first dependency that did not succeed. A
// dependency that never ran counts as failed.
func (e *Engine) failedDependency(step Step) (string, bool) {
	for _, id := range step.DependsOn {
		st, ok := e.status[id]
		if !ok || st.Failed || st.Skipped {
			return id, true
		}
	}
	return "", false
}

// markSkipped records a skip; skipped steps do not count against the step
// budget and are never retried.
func (e *Engine) markSkipped(step Step, reason, dep string) {
	payload := map[string]any{"step": step.ID, "reason": reason}
	if dep != "" {
		payload["dependency"] = dep
	}
	_ = e.rec.Record(karma.EventStepSkipped, payload)
	marker := StepResult{Skipped: true}
	e.status[step.ID] = marker
	if step.StoreResultAs != "" {
		e.results[step.StoreResultAs] = marker
	}
}

// resolveStep substitutes stored results into the step's own fields.
// Nested branch steps are resolved when they themselves execute.
func (e *Engine) resolveStep(step Step) (Step, bool) {
	if step.Input != nil {
		v, skip := Resolve(asGeneric(step.Input), e.results)
		if skip {
			return step, true
		}
		step.Input, _ = v.(map[string]any)
	}
	var skip bool
	if step.Prompt, skip = e.resolveText(step.Prompt); skip {
		return step, true
	}
	if step.Question, skip = e.resolveText(step.Question); skip {
		return step, true
	}
	if step.Goal, skip = e.resolveText(step.Goal); skip {
		return step, true
	}
	return step, false
}

func (e *Engine) resolveText(s string) (string, bool) {
	if s == "" {
		return "", false
	}
	v, skip := ResolveString(s, e.results)
	if skip {
		return "", true
	}
	return stringify(v), false
}

// asGeneric round-trips a typed map through JSON semantics so Resolve sees
// only generic values.
func asGeneric(m map[string]any) any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (e *Engine) dispatch(ctx context.Context, step Step, b Budget, depth int) (any, error) {
	switch step.Kind {
	case KindAction:
		return e.runAction(ctx, step)
	case KindThink:
		resp, err := e.generate(ctx, step.ID, step.Prompt)
		if err != nil {
			return nil, err
		}
		return resp.Content, nil
	case KindConditional:
		return e.runConditional(ctx, step, b, depth)
	case KindSubplan:
		return e.runSubplan(ctx, step, b, depth)
	case KindReflect:
		if e.reflectFn == nil {
			return nil, errors.New("plan: no review pass wired")
		}
		if err := e.reflectFn(ctx); err != nil {
			return nil, err
		}
		return "reflected", nil
	default:
		return nil, fmt.Errorf("plan: unknown step kind %q", step.Kind)
	}
}

func (e *Engine) runAction(ctx context.Context, step Step) (any, error) {
	started := time.Now()
	out, err := e.tools.Invoke(ctx, step.Tool, step.Input)
	payload := map[string]any{
		"step":        step.ID,
		"tool":        step.Tool,
		"duration_ms": time.Since(started).Milliseconds(),
		"ok":          err == nil,
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	_ = e.rec.Record(karma.EventToolCall, payload)
	if err != nil {
		return nil, err
	}
	return parseMaybeJSON(out), nil
}

func (e *Engine) runConditional(ctx context.Context, step Step, b Budget, depth int) (any, error) {
	names := make([]string, 0, len(step.Branches))
	for name := range step.Branches {
		names = append(names, name)
	}
	sort.Strings(names)

	prompt := fmt.Sprintf("%s\n\nAnswer with exactly one of: %s. Reply with the single word only.",
		step.Question, strings.Join(names, ", "))
	resp, err := e.generate(ctx, step.ID, prompt)
	if err != nil {
		return nil, err
	}

	answer := normalizeAnswer(resp.Content)
	branch, ok := step.Branches[answer]
	if !ok {
		// No matching branch is a no-op, not a failure.
		return map[string]any{"answer": answer, "matched": false}, nil
	}
	if err := e.ExecuteSteps(ctx, branch, b, depth); err != nil {
		return nil, err
	}
	return map[string]any{"answer": answer, "matched": true}, nil
}

func (e *Engine) runSubplan(ctx context.Context, step Step, b Budget, depth int) (any, error) {
	if depth+1 > e.opt.MaxDepth {
		_ = e.rec.Record(karma.EventDepthExceeded, map[string]any{"step": step.ID, "depth": depth + 1})
		return nil, fmt.Errorf("plan: subplan depth %d exceeds maximum %d", depth+1, e.opt.MaxDepth)
	}

	prompt := strings.ReplaceAll(e.opt.SubplanPrompt, "{{goal}}", step.Goal)
	resp, err := e.generate(ctx, step.ID, prompt)
	if err != nil {
		return nil, err
	}

	child, err := Parse(resp.Content)
	if err != nil {
		_ = e.rec.Record(karma.EventPlanMalformed, map[string]any{"step": step.ID, "error": err.Error()})
		return nil, err
	}

	childBudget := b.Child(child.SessionBudget, e.cost, e.stepsRun, time.Since(e.start))
	if err := e.ExecuteSteps(ctx, child.Steps, childBudget, depth+1); err != nil {
		return nil, err
	}
	return map[string]any{"goal": step.Goal, "planned_steps": len(child.Steps)}, nil
}

// generate issues one generative call and books its cost.
func (e *Engine) generate(ctx context.Context, stepID, prompt string) (provider.Response, error) {
	resp, err := e.gen.Generate(ctx, provider.Request{
		Model:     e.opt.Model,
		MaxTokens: e.opt.MaxTokens,
		Messages:  []provider.Message{{Role: "user", Content: prompt}},
		Effort:    e.opt.Effort,
	})
	if err != nil {
		return resp, err
	}
	e.cost += resp.Cost
	_ = e.rec.Record(karma.EventLLMCall, map[string]any{
		"step":              stepID,
		"model":             resp.Model,
		"tier":              resp.Tier,
		"cost":              resp.Cost,
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
	})
	return resp, nil
}

// normalizeAnswer reduces a categorical model answer to a branch key:
// first line, lowercased, stripped of punctuation and quotes.
func normalizeAnswer(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Trim(s, `"'.,!:;`)
}

// parseMaybeJSON keeps structured tool output structured so later variable
// substitution can reach into it.
func parseMaybeJSON(s string) any {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") || trimmed == "null" ||
		strings.HasPrefix(trimmed, `"`) {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}
	return s
}

const defaultSubplanPrompt = `You are planning a bounded sub-task.

Goal: {{goal}}

Respond with a single JSON object: {"steps": [...], "session_budget": {...}}.
Each step has "id", "kind" (action|think|conditional|subplan|reflect) and the
fields that kind needs. Keep the plan small and focused on the goal.`
