package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrMalformed tags model output that fails to parse or validate as a
// plan. It is recorded and the session ends without executing steps; there
// is no retry.
var ErrMalformed = errors.New("plan: malformed plan")

const planSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["steps"],
	"properties": {
		"session_plan": {"type": "string"},
		"steps": {"type": "array", "items": {"$ref": "#/$defs/step"}},
		"session_budget": {"$ref": "#/$defs/budget"},
		"mid_session_tripwires": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["when", "action"],
				"properties": {
					"when": {"type": "string"},
					"action": {"enum": ["halt", "skip_remaining", "replan"]}
				}
			}
		}
	},
	"$defs": {
		"step": {
			"type": "object",
			"required": ["id", "kind"],
			"properties": {
				"id": {"type": "string", "minLength": 1},
				"kind": {"enum": ["action", "think", "conditional", "subplan", "reflect"]},
				"tool": {"type": "string"},
				"input": {"type": "object"},
				"prompt": {"type": "string"},
				"question": {"type": "string"},
				"branches": {
					"type": "object",
					"additionalProperties": {"type": "array", "items": {"$ref": "#/$defs/step"}}
				},
				"goal": {"type": "string"},
				"store_result_as": {"type": "string"},
				"depends_on": {"type": "array", "items": {"type": "string"}},
				"retries": {"type": "integer", "minimum": 0},
				"on_failure": {"enum": ["continue", "halt"]}
			}
		},
		"budget": {
			"type": "object",
			"properties": {
				"max_cost": {"type": "number", "minimum": 0},
				"max_steps": {"type": "integer", "minimum": 0},
				"max_seconds": {"type": "number", "minimum": 0}
			}
		}
	}
}`

var compiledPlanSchema = jsonschema.MustCompileString("plan.json", planSchema)

// Parse turns raw model output into a validated Plan. Markdown code fences
// around the JSON are tolerated; anything that does not validate against
// the plan schema is ErrMalformed.
func Parse(raw string) (*Plan, error) {
	cleaned := StripFences(raw)

	var generic any
	if err := json.Unmarshal([]byte(cleaned), &generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := compiledPlanSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var p Plan
	if err := json.Unmarshal([]byte(cleaned), &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &p, nil
}

// StripFences removes a surrounding markdown code fence, with or without a
// language tag, from model output.
func StripFences(s string) string {
	out := strings.TrimSpace(s)
	if !strings.HasPrefix(out, "```") {
		return out
	}
	if idx := strings.Index(out, "\n"); idx >= 0 {
		out = out[idx+1:]
	}
	out = strings.TrimSuffix(strings.TrimSpace(out), "```")
	return strings.TrimSpace(out)
}
