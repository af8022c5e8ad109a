// Package session is the top-level driver. Wake is the sole entry point,
// invoked once per timer tick: it gates on the sleep marker, detects
// crashes through the breadcrumb, fans out for ground truth, assembles
// configuration, evaluates tripwires, and runs either a normal planned
// session or a periodic deep self-review before persisting bookkeeping.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"swayambhu/internal/config"
	"swayambhu/internal/karma"
	"swayambhu/internal/plan"
	"swayambhu/internal/provider"
	"swayambhu/internal/review"
	"swayambhu/internal/sandbox"
	"swayambhu/internal/store"
)

// Controller owns the wake lifecycle.
type Controller struct {
	st      *store.Store
	runner  sandbox.Runner
	builtin provider.Generator
	cfg     config.Config
	logger  *zap.Logger

	now   func() time.Time
	newID func() string
}

// NewController wires a controller over the given store, sandbox runner,
// and immutable built-in generator.
func NewController(st *store.Store, runner sandbox.Runner, builtin provider.Generator, cfg config.Config, logger *zap.Logger) *Controller {
	return &Controller{
		st:      st,
		runner:  runner,
		builtin: builtin,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// lifetime is the usage:lifetime document.
type lifetime struct {
	Sessions int     `json:"sessions"`
	Cost     float64 `json:"cost"`
	Steps    int     `json:"steps"`
}

// completion is the session:last_completed document.
type completion struct {
	SessionID  string    `json:"session_id"`
	FinishedAt time.Time `json:"finished_at"`
	Cost       float64   `json:"cost"`
	Steps      int       `json:"steps"`
	Deep       bool      `json:"deep"`
}

// Wake runs one tick. A scheduled next-wake time still in the future makes
// it a no-op. Any unhandled failure after the breadcrumb is written is
// recorded as fatal and the breadcrumb is deliberately left in place, so
// the next wake treats this session as a crash.
func (c *Controller) Wake(ctx context.Context) error {
	now := c.now()

	var wc config.WakeConfig
	if err := c.st.GetJSON(store.KeyWakeConfig, &wc); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("session: wake config unreadable: %w", err)
	}
	if wc.NextWake.After(now) {
		c.logger.Debug("sleeping until scheduled wake", zap.Time("next_wake", wc.NextWake))
		return nil
	}

	crashContext, err := c.loadCrashContext()
	if err != nil {
		return err
	}

	sid := c.newID()
	if err := writeBreadcrumb(c.st, Breadcrumb{SessionID: sid, StartedAt: now}); err != nil {
		// Without the breadcrumb there is no crash detection; refuse to
		// run rather than run untracked.
		return fmt.Errorf("session: breadcrumb write failed, aborting: %w", err)
	}

	sess := &Session{
		ID:        sid,
		StartedAt: now,
		Recorder:  karma.NewRecorder(c.st, sid, now, c.logger),
		Crash:     crashContext,
	}
	_ = sess.Recorder.Record(karma.EventSessionStart, map[string]any{"session": sid})
	if sess.Crash != nil {
		_ = sess.Recorder.Record(karma.EventCrashDetected, map[string]any{
			"session": sess.Crash.SessionID,
			"entries": len(sess.Crash.Entries),
		})
	}

	runErr := c.guarded(ctx, sess, &wc)
	if runErr != nil {
		_ = sess.Recorder.Record(karma.EventFatal, map[string]any{"error": runErr.Error()})
		c.logger.Error("session ended fatally, breadcrumb retained",
			zap.String("session", sid), zap.Error(runErr))
		return runErr
	}
	return nil
}

// guarded runs the session body with panic containment.
func (c *Controller) guarded(ctx context.Context, sess *Session, wc *config.WakeConfig) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session: panic: %v", r)
		}
	}()
	return c.run(ctx, sess, wc)
}

// CrashContext is the previous session's full trail, handed to planning.
// No automatic remediation happens here; the model sees the trail and
// decides.
type CrashContext struct {
	SessionID string        `json:"session_id"`
	Entries   []karma.Entry `json:"entries"`
}

func (c *Controller) loadCrashContext() (*CrashContext, error) {
	bc, err := readBreadcrumb(c.st)
	if err != nil {
		return nil, fmt.Errorf("session: breadcrumb unreadable: %w", err)
	}
	if bc == nil {
		return nil, nil
	}

	entries, err := karma.Load(c.st, bc.SessionID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("session: crash log unreadable: %w", err)
	}
	c.logger.Warn("previous session did not complete",
		zap.String("session", bc.SessionID),
		zap.Int("entries", len(entries)))
	return &CrashContext{SessionID: bc.SessionID, Entries: entries}, nil
}

func (c *Controller) run(ctx context.Context, sess *Session, wc *config.WakeConfig) error {
	rec := sess.Recorder
	// Registries and identity.
	var defaults config.Defaults
	if err := c.st.GetJSON(store.KeyConfigDefaults, &defaults); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	var models config.ModelRegistry
	if err := c.st.GetJSON(store.KeyConfigModels, &models); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	var resources config.ResourceRegistry
	if err := c.st.GetJSON(store.KeyConfigResources, &resources); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	merged := config.Merge(defaults, wc.Overrides)

	// Ground truth the model cannot hallucinate.
	invoker := NewInvoker(c.st, c.runner)
	truth := fetchGroundTruth(ctx, invoker, resources, c.logger)

	var usage lifetime
	if err := c.st.GetJSON(store.KeyUsageLifetime, &usage); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	var counter int
	if err := c.st.GetJSON(store.KeySessionCounter, &counter); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	// Effort: configured base, optionally overridden by wake config, then
	// escalated (never lowered) by tripwires over the live tree.
	effort, _ := config.ParseEffort(merged.String("effort", "low"))
	if wc.EffortOverride != "" {
		if o, err := config.ParseEffort(wc.EffortOverride); err == nil {
			effort = effort.Escalate(o)
		}
	}
	var rules []config.Tripwire
	decodeInto(merged["tripwires"], &rules)
	live := map[string]any{
		"accounts":        truth,
		"usage":           map[string]any{"sessions": usage.Sessions, "cost": usage.Cost, "steps": usage.Steps},
		"session_counter": counter,
	}
	effort = evaluateTripwires(c.st, rec, rules, live, effort, c.logger)

	gen := provider.NewCascade(c.st, c.runner, c.builtin, rec, models,
		merged.String("fallback_model", c.cfg.BuiltinModel), c.logger)

	opt := plan.Options{
		Model:          merged.String("model", c.cfg.BuiltinModel),
		MaxTokens:      merged.Int("max_tokens", 4096),
		Effort:         effort,
		DefaultRetries: merged.Int("retries", 1),
		MaxDepth:       merged.Int("max_depth", 3),
	}
	pass := review.NewPass(c.st, gen, rec, opt, c.logger)

	var cost float64
	var steps int
	deep := c.deepReviewDue(merged, counter)
	if deep {
		if _, err := pass.Run(ctx, review.KindDeep); err != nil {
			return err
		}
	} else {
		var err error
		cost, steps, err = c.runPlanned(ctx, sess, gen, invoker, pass, opt, merged, truth)
		if err != nil {
			return err
		}
	}

	return c.finish(sess, counter, usage, cost, steps, deep)
}

// runPlanned asks for a plan, executes it, honors at most one re-plan
// request, and closes with the in-session review pass. Malformed planning
// output is recorded and ends the session without executing steps; that is
// a clean end, not a crash.
func (c *Controller) runPlanned(ctx context.Context, sess *Session, gen provider.Generator, invoker *Invoker, pass *review.Pass, opt plan.Options, merged config.Defaults, truth map[string]any) (float64, int, error) {
	rec := sess.Recorder
	var budget plan.Budget
	decodeInto(merged["budget"], &budget)

	reflectFn := func(rctx context.Context) error {
		_, err := pass.Run(rctx, review.KindReflect)
		return err
	}
	engine := plan.NewEngine(gen, invoker, reflectFn, rec, opt, c.logger)

	extra := ""
	for replans := 0; ; replans++ {
		p, err := c.requestPlan(ctx, gen, opt, truth, sess.Crash, extra)
		if err != nil {
			if errors.Is(err, plan.ErrMalformed) {
				_ = rec.Record(karma.EventPlanMalformed, map[string]any{"phase": "planning", "error": err.Error()})
				return engine.Cost(), engine.StepsExecuted(), nil
			}
			return engine.Cost(), engine.StepsExecuted(), err
		}

		err = engine.Run(ctx, p, budget)
		if err == nil {
			break
		}
		if errors.Is(err, plan.ErrReplan) {
			if replans == 0 {
				_ = rec.Record(karma.EventReplan, map[string]any{"after_steps": engine.StepsExecuted()})
				extra = "\n\nA mid-session tripwire interrupted the previous plan. Produce a fresh plan for the remaining budget."
				continue
			}
			// One re-plan per session. A second request ends the plan
			// like a halt: a recorded, normal end, not a crash.
			_ = rec.Record(karma.EventReplan, map[string]any{
				"after_steps": engine.StepsExecuted(),
				"honored":     false,
			})
			break
		}
		return engine.Cost(), engine.StepsExecuted(), err
	}

	if _, err := pass.Run(ctx, review.KindReflect); err != nil {
		// The session's work is done; a failed review is recorded, not
		// escalated to a crash.
		c.logger.Warn("review pass failed", zap.Error(err))
	}
	return engine.Cost(), engine.StepsExecuted(), nil
}

func (c *Controller) requestPlan(ctx context.Context, gen provider.Generator, opt plan.Options, truth map[string]any, crash *CrashContext, extra string) (*plan.Plan, error) {
	prompt := c.renderPlanPrompt(truth, crash) + extra
	resp, err := gen.Generate(ctx, provider.Request{
		Model:     opt.Model,
		MaxTokens: opt.MaxTokens,
		Messages:  []provider.Message{{Role: "user", Content: prompt}},
		Effort:    opt.Effort,
	})
	if err != nil {
		return nil, fmt.Errorf("session: planning call failed: %w", err)
	}
	return plan.Parse(resp.Content)
}

func (c *Controller) finish(sess *Session, counter int, usage lifetime, cost float64, steps int, deep bool) error {
	counter++
	if err := c.st.PutJSON(store.KeySessionCounter, counter); err != nil {
		return err
	}
	if err := c.st.PutJSON(store.KeyLastCompleted, completion{
		SessionID:  sess.ID,
		FinishedAt: c.now(),
		Cost:       cost,
		Steps:      steps,
		Deep:       deep,
	}); err != nil {
		return err
	}
	usage.Sessions++
	usage.Cost += cost
	usage.Steps += steps
	if err := c.st.PutJSON(store.KeyUsageLifetime, usage); err != nil {
		return err
	}

	_ = sess.Recorder.Record(karma.EventSessionEnd, map[string]any{
		"cost":  cost,
		"steps": steps,
		"deep":  deep,
	})
	return clearBreadcrumb(c.st)
}

// deepReviewDue implements the scheduling check: with no schedule record,
// due once the lifetime counter reaches the configured first threshold;
// with one, due when either the sessions-elapsed or the days-elapsed
// interval is met. The two intervals are independent and ORed.
func (c *Controller) deepReviewDue(merged config.Defaults, counter int) bool {
	var dr config.DeepReview
	decodeInto(merged["deep_review"], &dr)
	if dr.FirstAfterSessions == 0 && dr.EverySessions == 0 && dr.EveryDays == 0 {
		return false
	}

	var sched review.Schedule
	err := c.st.GetJSON(store.KeyDeepSchedule, &sched)
	if errors.Is(err, store.ErrNotFound) {
		return dr.FirstAfterSessions > 0 && counter >= dr.FirstAfterSessions
	}
	if err != nil {
		c.logger.Warn("deep review schedule unreadable", zap.Error(err))
		return false
	}

	if dr.EverySessions > 0 && counter-sched.LastSessionCount >= dr.EverySessions {
		return true
	}
	if dr.EveryDays > 0 && c.now().Sub(sched.LastAt) >= time.Duration(dr.EveryDays)*24*time.Hour {
		return true
	}
	return false
}

// renderPlanPrompt assembles the planning prompt from the stored template
// (or the built-in one) and the state the model needs to see.
func (c *Controller) renderPlanPrompt(truth map[string]any, crash *CrashContext) string {
	tmpl := defaultPlanPrompt
	var stored string
	if err := c.st.GetJSON(store.PromptKey("plan"), &stored); err == nil && stored != "" {
		tmpl = stored
	}

	fields := map[string]func() string{
		"soul":          func() string { return c.rawOrEmpty(store.KeySoul) },
		"wisdom":        func() string { return c.stringOrEmpty(store.KeyWisdom) },
		"ground_truth":  func() string { return marshalOrEmpty(truth) },
		"last_reflect":  func() string { return c.rawOrEmpty(store.KeyLastReflect) },
		"crash_context": func() string { return marshalOrEmpty(crash) },
	}
	out := tmpl
	for name, value := range fields {
		placeholder := "{{" + name + "}}"
		if strings.Contains(out, placeholder) {
			out = strings.ReplaceAll(out, placeholder, value())
		}
	}
	return out
}

func (c *Controller) rawOrEmpty(key string) string {
	raw, err := c.st.Get(key)
	if err != nil {
		return ""
	}
	return string(raw)
}

func (c *Controller) stringOrEmpty(key string) string {
	var s string
	if err := c.st.GetJSON(key, &s); err != nil {
		return ""
	}
	return s
}

func marshalOrEmpty(v any) string {
	if v == nil {
		return "null"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

// decodeInto round-trips a generic config value into a typed target.
// Missing or mistyped values leave the target at its zero value.
func decodeInto(v any, target any) {
	if v == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = json.Unmarshal(data, target)
}

const defaultPlanPrompt = `You wake with a bounded budget and full responsibility for how to spend it.

Identity: {{soul}}
Accumulated wisdom: {{wisdom}}
Ground truth (live, verified): {{ground_truth}}
Last review: {{last_reflect}}
Previous crash, if any: {{crash_context}}

Respond with a single JSON object:
{"session_plan": "...", "steps": [...], "session_budget": {...},
 "mid_session_tripwires": [...]}
Each step has "id", "kind" (action|think|conditional|subplan|reflect) and
the fields that kind needs. End the plan with a reflect step.`
