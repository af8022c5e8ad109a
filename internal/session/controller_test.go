package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"swayambhu/internal/config"
	"swayambhu/internal/karma"
	"swayambhu/internal/provider"
	"swayambhu/internal/review"
	"swayambhu/internal/store"
)

// seqGen replays scripted responses in call order and remembers prompts.
type seqGen struct {
	mu        sync.Mutex
	responses []string
	prompts   []string
	err       error
}

func (g *seqGen) Generate(_ context.Context, req provider.Request) (provider.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return provider.Response{}, g.err
	}
	g.prompts = append(g.prompts, req.Messages[len(req.Messages)-1].Content)
	if len(g.responses) == 0 {
		return provider.Response{}, errors.New("script exhausted")
	}
	content := g.responses[0]
	g.responses = g.responses[1:]
	return provider.Response{Content: content, Model: req.Model}, nil
}

func newController(t *testing.T, gen provider.Generator) (*Controller, *store.Store) {
	t.Helper()
	st := newStore(t)
	c := NewController(st, &fakeRunner{}, gen, config.DefaultConfig(), zaptest.NewLogger(t))
	return c, st
}

const reviewJSON = `{"session_summary": "s", "note_to_future_self": "n"}`

func TestWakeNoOpBeforeScheduledTime(t *testing.T) {
	c, st := newController(t, &seqGen{})
	require.NoError(t, st.PutJSON(store.KeyWakeConfig, config.WakeConfig{
		NextWake: time.Now().Add(time.Hour),
	}))

	require.NoError(t, c.Wake(context.Background()))

	bc, err := readBreadcrumb(st)
	require.NoError(t, err)
	assert.Nil(t, bc, "a no-op tick never writes a breadcrumb")
	_, err = st.Get(store.KeySessionCounter)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestWakeRunsPlannedSessionCleanly(t *testing.T) {
	gen := &seqGen{responses: []string{
		`{"steps": [{"id": "s1", "kind": "think", "prompt": "hello", "store_result_as": "x"}]}`,
		"thought output",
		reviewJSON,
	}}
	c, st := newController(t, gen)

	require.NoError(t, c.Wake(context.Background()))

	bc, err := readBreadcrumb(st)
	require.NoError(t, err)
	assert.Nil(t, bc, "breadcrumb cleared on clean completion")

	var counter int
	require.NoError(t, st.GetJSON(store.KeySessionCounter, &counter))
	assert.Equal(t, 1, counter)

	var done completion
	require.NoError(t, st.GetJSON(store.KeyLastCompleted, &done))
	assert.Equal(t, 1, done.Steps)
	assert.False(t, done.Deep)

	var usage lifetime
	require.NoError(t, st.GetJSON(store.KeyUsageLifetime, &usage))
	assert.Equal(t, 1, usage.Sessions)

	entries, err := karma.Load(st, done.SessionID)
	require.NoError(t, err)
	kinds := make([]string, 0, len(entries))
	for _, e := range entries {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, karma.EventSessionStart)
	assert.Contains(t, kinds, karma.EventSessionEnd)
	assert.Contains(t, kinds, karma.EventReviewApplied)
}

func TestWakeMalformedPlanEndsClean(t *testing.T) {
	gen := &seqGen{responses: []string{"this is not a plan"}}
	c, st := newController(t, gen)

	require.NoError(t, c.Wake(context.Background()))

	bc, err := readBreadcrumb(st)
	require.NoError(t, err)
	assert.Nil(t, bc, "a malformed plan ends the session, it does not crash it")

	var done completion
	require.NoError(t, st.GetJSON(store.KeyLastCompleted, &done))
	entries, err := karma.Load(st, done.SessionID)
	require.NoError(t, err)
	var malformed bool
	for _, e := range entries {
		if e.Kind == karma.EventPlanMalformed {
			malformed = true
		}
	}
	assert.True(t, malformed)
	assert.Equal(t, 0, done.Steps)
}

func TestWakeFatalLeavesBreadcrumb(t *testing.T) {
	gen := &seqGen{err: errors.New("provider down")}
	c, st := newController(t, gen)

	err := c.Wake(context.Background())
	require.Error(t, err)

	bc, berr := readBreadcrumb(st)
	require.NoError(t, berr)
	require.NotNil(t, bc, "breadcrumb retained so the next wake sees a crash")

	entries, lerr := karma.Load(st, bc.SessionID)
	require.NoError(t, lerr)
	assert.Equal(t, karma.EventFatal, entries[len(entries)-1].Kind)
}

func TestWakeAfterCrashPassesContextToPlanning(t *testing.T) {
	gen := &seqGen{responses: []string{
		`{"steps": []}`,
		reviewJSON,
	}}
	c, st := newController(t, gen)

	// Simulate the dead session's remains.
	dead := karma.NewRecorder(st, "dead-7", time.Now(), zaptest.NewLogger(t))
	require.NoError(t, dead.Record(karma.EventSessionStart, map[string]any{"session": "dead-7"}))
	require.NoError(t, writeBreadcrumb(st, Breadcrumb{SessionID: "dead-7", StartedAt: time.Now()}))

	require.NoError(t, c.Wake(context.Background()))

	require.NotEmpty(t, gen.prompts)
	assert.Contains(t, gen.prompts[0], "dead-7", "planning prompt carries the crash trail")

	bc, err := readBreadcrumb(st)
	require.NoError(t, err)
	assert.Nil(t, bc)

	var done completion
	require.NoError(t, st.GetJSON(store.KeyLastCompleted, &done))
	entries, err := karma.Load(st, done.SessionID)
	require.NoError(t, err)
	var detected bool
	for _, e := range entries {
		if e.Kind == karma.EventCrashDetected && e.Payload["session"] == "dead-7" {
			detected = true
		}
	}
	assert.True(t, detected, "crash detection recorded in the new session's log")
}

func TestWakeDeepReviewPath(t *testing.T) {
	gen := &seqGen{responses: []string{
		`{"reflection": "r", "note_to_future_self": "n", "updated_wisdom": "w"}`,
	}}
	c, st := newController(t, gen)
	require.NoError(t, st.PutJSON(store.KeyConfigDefaults, map[string]any{
		"deep_review": map[string]any{"first_after_sessions": 1},
	}))
	require.NoError(t, st.PutJSON(store.KeySessionCounter, 3))

	require.NoError(t, c.Wake(context.Background()))

	var sched review.Schedule
	require.NoError(t, st.GetJSON(store.KeyDeepSchedule, &sched))
	assert.Equal(t, 3, sched.LastSessionCount, "schedule records the counter at review time")

	var wisdom string
	require.NoError(t, st.GetJSON(store.KeyWisdom, &wisdom))
	assert.Equal(t, "w", wisdom)

	var done completion
	require.NoError(t, st.GetJSON(store.KeyLastCompleted, &done))
	assert.True(t, done.Deep)
}

func TestWakeSecondReplanEndsSessionCleanly(t *testing.T) {
	tripwired := `"mid_session_tripwires": [{"when": "any_step_failed", "action": "replan"}]`
	gen := &seqGen{responses: []string{
		// Plan 1: a failing action arms the tripwire, which requests a
		// re-plan before the next step.
		`{"steps": [
			{"id": "a", "kind": "action", "tool": "ghost"},
			{"id": "b", "kind": "think", "prompt": "never reached"}
		], ` + tripwired + `}`,
		// Plan 2: the tripwire is still armed, so it immediately asks to
		// re-plan again. Only one re-plan per session is honored.
		`{"steps": [{"id": "c", "kind": "think", "prompt": "also never"}], ` + tripwired + `}`,
		reviewJSON,
	}}
	c, st := newController(t, gen)

	require.NoError(t, c.Wake(context.Background()), "a refused re-plan is a normal end")

	bc, err := readBreadcrumb(st)
	require.NoError(t, err)
	assert.Nil(t, bc, "breadcrumb cleared: a refused re-plan is not a crash")

	var counter int
	require.NoError(t, st.GetJSON(store.KeySessionCounter, &counter))
	assert.Equal(t, 1, counter)

	var done completion
	require.NoError(t, st.GetJSON(store.KeyLastCompleted, &done))
	entries, err := karma.Load(st, done.SessionID)
	require.NoError(t, err)

	var replans, refused, fatals int
	for _, e := range entries {
		switch e.Kind {
		case karma.EventReplan:
			replans++
			if e.Payload["honored"] == false {
				refused++
			}
		case karma.EventFatal:
			fatals++
		}
	}
	assert.Equal(t, 2, replans, "both re-plan requests recorded")
	assert.Equal(t, 1, refused, "second request marked refused")
	assert.Zero(t, fatals)
}

func TestWakeBudgetFromDefaults(t *testing.T) {
	gen := &seqGen{responses: []string{
		`{"steps": [
			{"id": "a", "kind": "think", "prompt": "one"},
			{"id": "b", "kind": "think", "prompt": "two"},
			{"id": "c", "kind": "think", "prompt": "three"}
		]}`,
		"r1", "r2",
		reviewJSON,
	}}
	c, st := newController(t, gen)
	require.NoError(t, st.PutJSON(store.KeyConfigDefaults, map[string]any{
		"budget": map[string]any{"max_steps": 2},
	}))

	require.NoError(t, c.Wake(context.Background()))

	var done completion
	require.NoError(t, st.GetJSON(store.KeyLastCompleted, &done))
	assert.Equal(t, 2, done.Steps, "step ceiling from config:defaults enforced")
}
