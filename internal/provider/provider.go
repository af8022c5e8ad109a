// Package provider is the resilient generative-call path. A normalized
// request goes through three tiers in strict order: the self-modifiable
// adapter loaded from the store, a last-known-good snapshot of it, and an
// immutable built-in client that no self-modification can break. If all
// three fail, the whole cascade is retried once on the configured fallback
// model at minimum effort before the call surfaces as a hard failure.
package provider

import (
	"context"

	"swayambhu/internal/config"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"` // user | assistant
	Content string `json:"content"`
}

// Request is the normalized generative-call request.
type Request struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	System    string        `json:"system,omitempty"`
	Messages  []Message     `json:"messages"`
	Effort    config.Effort `json:"-"`
}

// Usage is the provider-reported token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Response is generated content plus accounting. Tier records which
// cascade tier produced it; Cost is the registry-based estimate, zero when
// the model is not in the registry.
type Response struct {
	Content string  `json:"content"`
	Usage   Usage   `json:"usage"`
	Model   string  `json:"model"`
	Tier    int     `json:"tier"`
	Cost    float64 `json:"cost"`
}

// Generator issues one generative call. Cascade implements it; so does the
// built-in tier, which lets tests swap either side.
type Generator interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// EstimateCost prices a call from the model registry's per-million-token
// rates. An unrecognized model yields zero rather than an error.
func EstimateCost(rates config.ModelRegistry, model string, usage Usage) float64 {
	r, ok := rates[model]
	if !ok {
		return 0
	}
	return float64(usage.PromptTokens)*r.InputPerMTok/1e6 +
		float64(usage.CompletionTokens)*r.OutputPerMTok/1e6
}
