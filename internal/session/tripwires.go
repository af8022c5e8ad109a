package session

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"go.uber.org/zap"

	"swayambhu/internal/config"
	"swayambhu/internal/karma"
	"swayambhu/internal/store"
)

// evaluateTripwires walks the ordered rules against the live-data tree and
// returns the (possibly escalated) effort. Effort only ever goes up here.
// The "changed" operator compares against values remembered in
// tripwire_state from the previous wake; current values are persisted back
// regardless of whether anything fired.
func evaluateTripwires(st *store.Store, rec *karma.Recorder, rules []config.Tripwire, live map[string]any, effort config.Effort, logger *zap.Logger) config.Effort {
	var prev map[string]any
	if err := st.GetJSON(store.KeyTripwireState, &prev); err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Warn("tripwire state unreadable", zap.Error(err))
	}
	next := make(map[string]any, len(rules))

	for _, rule := range rules {
		value, found := lookupPath(live, rule.Path)
		if found {
			next[rule.Path] = value
		}

		fired := false
		switch rule.Op {
		case "below", "above":
			n, ok := asFloat(value)
			threshold, tok := asFloat(rule.Threshold)
			if found && ok && tok {
				fired = (rule.Op == "below" && n < threshold) ||
					(rule.Op == "above" && n > threshold)
			}
		case "equals":
			fired = found && fmt.Sprint(value) == fmt.Sprint(rule.Threshold)
		case "changed":
			old, seen := prev[rule.Path]
			fired = found && seen && !reflect.DeepEqual(old, value)
		default:
			logger.Warn("unknown tripwire operator", zap.String("op", rule.Op))
		}
		if !fired {
			continue
		}

		min, err := config.ParseEffort(rule.MinEffort)
		if err != nil {
			logger.Warn("tripwire has bad effort level",
				zap.String("path", rule.Path),
				zap.String("min_effort", rule.MinEffort))
			continue
		}
		_ = rec.Record(karma.EventTripwire, map[string]any{
			"path":       rule.Path,
			"op":         rule.Op,
			"value":      value,
			"threshold":  rule.Threshold,
			"min_effort": rule.MinEffort,
		})
		effort = effort.Escalate(min)
	}

	if err := st.PutJSON(store.KeyTripwireState, next); err != nil {
		logger.Warn("tripwire state not persisted", zap.Error(err))
	}
	return effort
}

// lookupPath resolves a dot path like "anthropic.credits" in a generic
// JSON tree.
func lookupPath(tree map[string]any, path string) (any, bool) {
	var cur any = tree
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
