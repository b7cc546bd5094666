package llm

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
)

// AnthropicLLM implements orchestrator.LLMProvider against the Anthropic
// Messages API.
type AnthropicLLM struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

func NewAnthropicLLM(apiKey string, model string) *AnthropicLLM {
	if model == "" {
		model = "claude-3-5-sonnet-20240620"
	}
	return &AnthropicLLM{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     anthropic.Model(model),
		maxTokens: 1024,
	}
}

// NewAnthropicLLMWithBaseURL lets tests point the client at a local server.
func NewAnthropicLLMWithBaseURL(apiKey, baseURL, model string) *AnthropicLLM {
	return &AnthropicLLM{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey), option.WithBaseURL(baseURL)),
		model:     anthropic.Model(model),
		maxTokens: 1024,
	}
}

func splitSystemPrompt(messages []orchestrator.Message) (system string, rest []anthropic.MessageParam) {
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = m.Content
		case "assistant":
			rest = append(rest, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			rest = append(rest, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return system, rest
}

func (l *AnthropicLLM) Complete(ctx context.Context, messages []orchestrator.Message) (string, error) {
	system, rest := splitSystemPrompt(messages)
	params := anthropic.MessageNewParams{
		Model:     l.model,
		MaxTokens: l.maxTokens,
		Messages:  rest,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := l.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic: messages.new: %w", err)
	}
	if len(resp.Content) == 0 {
		return "", fmt.Errorf("no content returned from anthropic")
	}
	return resp.Content[0].Text, nil
}

// Stream drives the Anthropic streaming Messages API, handing each text
// delta to onToken as it arrives.
func (l *AnthropicLLM) Stream(ctx context.Context, messages []orchestrator.Message, onToken func(delta string) error) error {
	system, rest := splitSystemPrompt(messages)
	params := anthropic.MessageNewParams{
		Model:     l.model,
		MaxTokens: l.maxTokens,
		Messages:  rest,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	stream := l.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	for stream.Next() {
		event := stream.Current()
		delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		text := delta.Delta.Text
		if text == "" {
			continue
		}
		if err := onToken(text); err != nil {
			return err
		}
	}
	return stream.Err()
}

func (l *AnthropicLLM) Name() string {
	return "anthropic-llm"
}
