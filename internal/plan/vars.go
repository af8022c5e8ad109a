package plan

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// StepResult is what a completed step leaves behind for later steps. A
// failure or skip is stored as an explicit marker; dependents detect it by
// tag, never by matching serialized text, so a legitimately null-valued
// success is not mistaken for a failure.
type StepResult struct {
	Value   any    `json:"value,omitempty"`
	Failed  bool   `json:"failed,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Results maps store_result_as names to stored step results.
type Results map[string]StepResult

var varPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// Resolve walks a generic structured-data tree and substitutes {{name}}
// references against stored results. Unresolved references are left
// verbatim. If any reference points at a failed or skipped result the
// second return is true, meaning the whole step resolves to a skip.
func Resolve(node any, results Results) (any, bool) {
	switch v := node.(type) {
	case string:
		return resolveString(v, results)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			rv, skip := Resolve(val, results)
			if skip {
				return nil, true
			}
			out[k] = rv
		}
		return out, false
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			rv, skip := Resolve(val, results)
			if skip {
				return nil, true
			}
			out[i] = rv
		}
		return out, false
	default:
		return node, false
	}
}

// ResolveString substitutes references inside one string. A string that is
// exactly one reference takes the stored value with its type intact; a
// reference embedded in surrounding text is stringified in place.
func ResolveString(s string, results Results) (any, bool) {
	return resolveString(s, results)
}

func resolveString(s string, results Results) (any, bool) {
	trimmed := strings.TrimSpace(s)
	if m := varPattern.FindStringSubmatch(trimmed); m != nil && m[0] == trimmed {
		r, ok := results[m[1]]
		if !ok {
			return s, false // unresolved, left verbatim
		}
		if r.Failed || r.Skipped {
			return nil, true
		}
		return r.Value, false
	}

	skip := false
	out := varPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := varPattern.FindStringSubmatch(match)[1]
		r, ok := results[name]
		if !ok {
			return match
		}
		if r.Failed || r.Skipped {
			skip = true
			return match
		}
		return stringify(r.Value)
	})
	if skip {
		return nil, true
	}
	return out, false
}

// stringify renders a stored value for embedding in text: strings verbatim,
// everything else as compact JSON.
func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
