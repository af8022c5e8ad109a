package review

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"swayambhu/internal/config"
	"swayambhu/internal/karma"
	"swayambhu/internal/plan"
	"swayambhu/internal/provider"
	"swayambhu/internal/store"
)

type scriptedGen struct {
	content string
	err     error
	lastReq provider.Request
}

func (g *scriptedGen) Generate(_ context.Context, req provider.Request) (provider.Response, error) {
	g.lastReq = req
	if g.err != nil {
		return provider.Response{}, g.err
	}
	return provider.Response{Content: g.content, Model: req.Model, Tier: 3}, nil
}

func newPass(t *testing.T, gen provider.Generator) (*Pass, *store.Store, *karma.Recorder) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Seed(json.RawMessage(`"core identity"`)))

	rec := karma.NewRecorder(st, "s-1", time.Now(), zaptest.NewLogger(t))
	p := NewPass(st, gen, rec, plan.Options{Model: "m", MaxTokens: 4096}, zaptest.NewLogger(t))
	return p, st, rec
}

func TestParseOutputRequiresSummaryOrReflection(t *testing.T) {
	_, err := ParseOutput(`{"note_to_future_self": "hi"}`)
	assert.ErrorIs(t, err, ErrMalformed)

	out, err := ParseOutput("```json\n{\"session_summary\": \"did things\", \"note_to_future_self\": \"hi\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, "did things", out.SessionSummary)
}

func TestParseOutputRejectsUnknownOp(t *testing.T) {
	_, err := ParseOutput(`{"session_summary": "s", "note_to_future_self": "n",
		"kv_operations": [{"op": "truncate", "key": "x"}]}`)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestApplyKVOperations(t *testing.T) {
	p, st, _ := newPass(t, &scriptedGen{})
	require.NoError(t, st.PutJSON("old_name", "v"))

	out := &Output{
		SessionSummary:   "s",
		NoteToFutureSelf: "n",
		KVOperations: []KVOp{
			{Op: "put", Key: "notes", Value: json.RawMessage(`{"a": 1}`)},
			{Op: "rename", Key: "old_name", Value: json.RawMessage(`"new_name"`)},
			{Op: "delete", Key: "notes"},
		},
	}
	require.NoError(t, p.Apply(out, KindReflect))

	_, err := st.Get("notes")
	assert.ErrorIs(t, err, store.ErrNotFound)
	var v string
	require.NoError(t, st.GetJSON("new_name", &v))
	assert.Equal(t, "v", v)

	var last Output
	require.NoError(t, st.GetJSON(store.KeyLastReflect, &last))
	assert.Equal(t, "s", last.SessionSummary)
}

func TestApplySoulWriteSurfacesViolation(t *testing.T) {
	p, st, rec := newPass(t, &scriptedGen{})

	out := &Output{
		SessionSummary:   "s",
		NoteToFutureSelf: "n",
		KVOperations: []KVOp{
			{Op: "put", Key: store.KeySoul, Value: json.RawMessage(`"rewritten"`)},
			{Op: "put", Key: "after", Value: json.RawMessage(`1`)},
		},
	}
	err := p.Apply(out, KindReflect)
	require.ErrorIs(t, err, store.ErrProtectedKey)

	// the violation aborts the batch: the following op never ran
	_, getErr := st.Get("after")
	assert.ErrorIs(t, getErr, store.ErrNotFound)

	var found bool
	for _, e := range rec.Entries() {
		if e.Kind == karma.EventViolation {
			found = true
		}
	}
	assert.True(t, found, "violation must be recorded")
}

func TestApplyMergesDefaultsAndWritesWakeConfig(t *testing.T) {
	p, st, _ := newPass(t, &scriptedGen{})
	require.NoError(t, st.PutJSON(store.KeyConfigDefaults, map[string]any{
		"model": "base", "limits": map[string]any{"max_cost": 1.0, "max_steps": 40.0},
	}))

	next := time.Now().Add(4 * time.Hour).UTC().Truncate(time.Second)
	out := &Output{
		SessionSummary:   "s",
		NoteToFutureSelf: "n",
		NextWakeConfig:   &config.WakeConfig{NextWake: next},
		UpdatedDefaults:  map[string]any{"limits": map[string]any{"max_cost": 2.0}},
	}
	require.NoError(t, p.Apply(out, KindReflect))

	var defaults config.Defaults
	require.NoError(t, st.GetJSON(store.KeyConfigDefaults, &defaults))
	limits := defaults.Object("limits")
	assert.Equal(t, 2.0, limits["max_cost"])
	assert.Equal(t, 40.0, limits["max_steps"], "untouched nested keys survive the merge")

	var wc config.WakeConfig
	require.NoError(t, st.GetJSON(store.KeyWakeConfig, &wc))
	assert.True(t, wc.NextWake.Equal(next))
}

func TestDeepReviewUpdatesWisdomAndSchedule(t *testing.T) {
	p, st, _ := newPass(t, &scriptedGen{})
	require.NoError(t, st.PutJSON(store.KeySessionCounter, 12))

	out := &Output{
		Reflection:       "r",
		NoteToFutureSelf: "n",
		UpdatedWisdom:    "hard-won lessons",
	}
	require.NoError(t, p.Apply(out, KindDeep))

	var wisdom string
	require.NoError(t, st.GetJSON(store.KeyWisdom, &wisdom))
	assert.Equal(t, "hard-won lessons", wisdom)

	var sched Schedule
	require.NoError(t, st.GetJSON(store.KeyDeepSchedule, &sched))
	assert.Equal(t, 12, sched.LastSessionCount)
	assert.WithinDuration(t, time.Now(), sched.LastAt, time.Minute)
}

func TestRegularReviewCannotUpdateWisdom(t *testing.T) {
	p, st, _ := newPass(t, &scriptedGen{})

	out := &Output{SessionSummary: "s", NoteToFutureSelf: "n", UpdatedWisdom: "sneaky"}
	require.NoError(t, p.Apply(out, KindReflect))

	_, err := st.Get(store.KeyWisdom)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunRendersPromptFromState(t *testing.T) {
	gen := &scriptedGen{content: `{"session_summary": "s", "note_to_future_self": "n"}`}
	p, st, rec := newPass(t, gen)
	require.NoError(t, st.PutJSON(store.KeyWisdom, "lesson one"))
	require.NoError(t, rec.Record(karma.EventSessionStart, map[string]any{"session": "s-1"}))

	out, err := p.Run(context.Background(), KindReflect)
	require.NoError(t, err)
	assert.Equal(t, "s", out.SessionSummary)

	prompt := gen.lastReq.Messages[0].Content
	assert.Contains(t, prompt, "lesson one")
	assert.Contains(t, prompt, "core identity")
	assert.Contains(t, prompt, karma.EventSessionStart)
	assert.NotContains(t, prompt, "{{wisdom}}")
}

func TestRunUsesStoredPromptTemplate(t *testing.T) {
	gen := &scriptedGen{content: `{"session_summary": "s", "note_to_future_self": "n"}`}
	p, st, _ := newPass(t, gen)
	require.NoError(t, st.PutJSON(store.PromptKey("reflect"), "custom reflect: {{wisdom}}"))
	require.NoError(t, st.PutJSON(store.KeyWisdom, "w"))

	_, err := p.Run(context.Background(), KindReflect)
	require.NoError(t, err)
	assert.Equal(t, "custom reflect: w", gen.lastReq.Messages[0].Content)
}

func TestRunRecordsMalformedOutput(t *testing.T) {
	gen := &scriptedGen{content: "this is not json"}
	p, _, rec := newPass(t, gen)

	_, err := p.Run(context.Background(), KindReflect)
	require.ErrorIs(t, err, ErrMalformed)

	var found bool
	for _, e := range rec.Entries() {
		if e.Kind == karma.EventPlanMalformed && e.Payload["phase"] == "reflect" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestRunSurfacesGeneratorFailure(t *testing.T) {
	gen := &scriptedGen{err: errors.New("all tiers failed")}
	p, _, _ := newPass(t, gen)

	_, err := p.Run(context.Background(), KindReflect)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "review call failed"))
}
