package plan

import (
	"errors"
	"testing"
)

func TestParsePlainJSON(t *testing.T) {
	p, err := Parse(`{"steps":[{"id":"a","kind":"think","prompt":"hi"}]}`)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(p.Steps) != 1 || p.Steps[0].Kind != KindThink {
		t.Errorf("got %+v", p)
	}
}

func TestParseFencedJSON(t *testing.T) {
	raw := "```json\n{\"session_plan\":\"check balances\",\"steps\":[{\"id\":\"a\",\"kind\":\"action\",\"tool\":\"balance\"}]}\n```"
	p, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if p.SessionPlan != "check balances" {
		t.Errorf("session_plan = %q", p.SessionPlan)
	}
}

func TestParseNotJSON(t *testing.T) {
	_, err := Parse("I think we should probably check the balance first.")
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("got %v, want ErrMalformed", err)
	}
}

func TestParseSchemaViolations(t *testing.T) {
	cases := map[string]string{
		"missing steps":  `{"session_plan":"x"}`,
		"bad kind":       `{"steps":[{"id":"a","kind":"dance"}]}`,
		"missing id":     `{"steps":[{"kind":"think"}]}`,
		"bad tripwire":   `{"steps":[],"mid_session_tripwires":[{"when":"x","action":"explode"}]}`,
		"negative money": `{"steps":[],"session_budget":{"max_cost":-1}}`,
	}
	for name, raw := range cases {
		if _, err := Parse(raw); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: got %v, want ErrMalformed", name, err)
		}
	}
}

func TestParseNestedBranches(t *testing.T) {
	raw := `{"steps":[{
		"id":"c","kind":"conditional","question":"low?",
		"branches":{
			"yes":[{"id":"n","kind":"action","tool":"notify"}],
			"no":[]
		}
	}]}`
	p, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(p.Steps[0].Branches["yes"]) != 1 {
		t.Errorf("branches lost: %+v", p.Steps[0].Branches)
	}
}

func TestStripFences(t *testing.T) {
	if got := StripFences("```json\n{}\n```"); got != "{}" {
		t.Errorf("got %q", got)
	}
	if got := StripFences("{}"); got != "{}" {
		t.Errorf("got %q", got)
	}
}
