// Package llm holds LLMProvider implementations, one vendor per file.
package llm

import (
	"context"
	"fmt"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
)

// OpenAILLM implements orchestrator.LLMProvider against the OpenAI chat
// completions API.
type OpenAILLM struct {
	client oai.Client
	model  string
}

// NewOpenAILLM builds a provider against the default OpenAI base URL.
func NewOpenAILLM(apiKey string, model string) *OpenAILLM {
	if model == "" {
		model = "gpt-4o"
	}
	return &OpenAILLM{
		client: oai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// NewOpenAICompatibleLLM points the OpenAI client at a different base URL,
// for any OpenAI-compatible chat completions endpoint (e.g. Groq).
func NewOpenAICompatibleLLM(apiKey, baseURL, model string) *OpenAILLM {
	return &OpenAILLM{
		client: oai.NewClient(option.WithAPIKey(apiKey), option.WithBaseURL(baseURL)),
		model:  model,
	}
}

func toOAIMessages(messages []orchestrator.Message) []oai.ChatCompletionMessageParamUnion {
	out := make([]oai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			out = append(out, oai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, oai.AssistantMessage(m.Content))
		default:
			out = append(out, oai.UserMessage(m.Content))
		}
	}
	return out
}

func (l *OpenAILLM) Complete(ctx context.Context, messages []orchestrator.Message) (string, error) {
	resp, err := l.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(l.model),
		Messages: toOAIMessages(messages),
	})
	if err != nil {
		return "", fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: empty choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream drives the streaming chat completions endpoint, handing each
// content delta to onToken as it arrives.
func (l *OpenAILLM) Stream(ctx context.Context, messages []orchestrator.Message, onToken func(delta string) error) error {
	stream := l.client.Chat.Completions.NewStreaming(ctx, oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(l.model),
		Messages: toOAIMessages(messages),
	})
	defer stream.Close()

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if err := onToken(delta); err != nil {
			return err
		}
	}
	return stream.Err()
}

func (l *OpenAILLM) Name() string {
	return "openai-llm"
}
