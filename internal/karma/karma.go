// Package karma is the flight recorder: an append-only, synchronously
// flushed event log for one session. Every notable event (session start,
// generative calls, tool invocations, failures, budget trips, tier
// fallbacks) lands here, and the full accumulated log is persisted to the
// durable store after every single entry. Write-amplifying on purpose: after
// any crash the persisted log is complete up to the last recorded entry.
package karma

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"swayambhu/internal/store"
)

// Event kinds recorded during a session.
const (
	EventSessionStart   = "session_start"
	EventSessionEnd     = "session_end"
	EventCrashDetected  = "crash_detected"
	EventLLMCall        = "llm_call"
	EventToolCall       = "tool_call"
	EventStepFailed     = "step_failed"
	EventStepSkipped    = "step_skipped"
	EventBudgetExceeded = "budget_exceeded"
	EventTierFallback   = "tier_fallback"
	EventModelFallback  = "model_fallback"
	EventTripwire       = "tripwire"
	EventPlanMalformed  = "plan_malformed"
	EventReplan         = "replan_requested"
	EventDepthExceeded  = "subplan_depth_exceeded"
	EventReviewApplied  = "review_applied"
	EventViolation      = "permission_violation"
	EventFatal          = "fatal"
)

// Entry is one immutable flight-recorder record.
type Entry struct {
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"ts"`
	ElapsedMS int64          `json:"elapsed_ms"`
}

// Recorder accumulates entries for one session and flushes the whole log
// to karma:{session} on every Record call.
type Recorder struct {
	mu        sync.Mutex
	st        *store.Store
	sessionID string
	start     time.Time
	entries   []Entry
	logger    *zap.Logger
}

// NewRecorder creates the recorder for a session starting now.
func NewRecorder(st *store.Store, sessionID string, start time.Time, logger *zap.Logger) *Recorder {
	return &Recorder{st: st, sessionID: sessionID, start: start, logger: logger}
}

// SessionID returns the session this recorder belongs to.
func (r *Recorder) SessionID() string { return r.sessionID }

// Record appends one entry and durably persists the entire session log
// before returning. A persistence failure is returned, but the entry stays
// in the in-memory log either way so later flushes can still carry it.
func (r *Recorder) Record(kind string, payload map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	r.entries = append(r.entries, Entry{
		Kind:      kind,
		Payload:   payload,
		Timestamp: now,
		ElapsedMS: now.Sub(r.start).Milliseconds(),
	})

	if err := r.st.PutJSON(store.KarmaKey(r.sessionID), r.entries); err != nil {
		r.logger.Error("flight recorder flush failed",
			zap.String("session", r.sessionID),
			zap.String("kind", kind),
			zap.Error(err))
		return fmt.Errorf("karma: flush failed: %w", err)
	}
	return nil
}

// Entries returns a copy of the in-memory log.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Load reads the persisted log for a session, typically a dead one found
// behind a stale breadcrumb.
func Load(st *store.Store, sessionID string) ([]Entry, error) {
	raw, err := st.Get(store.KarmaKey(sessionID))
	if err != nil {
		return nil, err
	}
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("karma: corrupt log for %s: %w", sessionID, err)
	}
	return entries, nil
}
