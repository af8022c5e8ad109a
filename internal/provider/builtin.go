package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"swayambhu/internal/config"
)

// Builtin is tier 3: a fixed, non-self-modifiable call path hardwired to
// one provider. It is the floor of the cascade: whatever the adapter code
// in the store has been mutated into, this path stays intact.
type Builtin struct {
	client       anthropic.Client
	defaultModel string
}

// NewBuiltin constructs the built-in tier from the process configuration.
func NewBuiltin(apiKey, defaultModel string) *Builtin {
	return &Builtin{
		client: anthropic.NewClient(
			option.WithAPIKey(apiKey),
			option.WithRequestTimeout(5*time.Minute),
		),
		defaultModel: defaultModel,
	}
}

// Generate implements Generator against the Anthropic Messages API.
func (b *Builtin) Generate(ctx context.Context, req Request) (Response, error) {
	model := req.Model
	if model == "" {
		model = b.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	var messages []anthropic.MessageParam
	for _, m := range req.Messages {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if budget := thinkingBudget(req.Effort); budget > 0 {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}

	msg, err := b.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, fmt.Errorf("builtin provider call failed: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		sb.WriteString(block.Text)
	}

	return Response{
		Content: sb.String(),
		Model:   model,
		Usage: Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

// thinkingBudget maps reasoning effort onto an extended-thinking token
// budget. Low effort disables thinking entirely.
func thinkingBudget(e config.Effort) int64 {
	switch e {
	case config.EffortMedium:
		return 4096
	case config.EffortHigh:
		return 10_000
	case config.EffortMax:
		return 24_000
	default:
		return 0
	}
}
