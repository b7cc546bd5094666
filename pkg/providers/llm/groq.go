package llm

import (
	"context"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
)

// defaultGroqBaseURL is Groq's OpenAI-compatible chat completions endpoint.
const defaultGroqBaseURL = "https://api.groq.com/openai/v1"

// GroqLLM is an OpenAILLM pointed at Groq's OpenAI-compatible API. Groq
// serves the same request/response shape as OpenAI, so there is no reason
// to hand-roll a second HTTP client for it.
type GroqLLM struct {
	*OpenAILLM
}

func NewGroqLLM(apiKey, model string) *GroqLLM {
	if model == "" {
		model = "llama3-70b-8192"
	}
	return &GroqLLM{OpenAILLM: NewOpenAICompatibleLLM(apiKey, defaultGroqBaseURL, model)}
}

// NewGroqLLMWithBaseURL lets tests and alternate deployments point at a
// different endpoint while keeping the Groq provider name.
func NewGroqLLMWithBaseURL(apiKey, baseURL, model string) *GroqLLM {
	return &GroqLLM{OpenAILLM: NewOpenAICompatibleLLM(apiKey, baseURL, model)}
}

func (l *GroqLLM) Complete(ctx context.Context, messages []orchestrator.Message) (string, error) {
	return l.OpenAILLM.Complete(ctx, messages)
}

func (l *GroqLLM) Name() string {
	return "groq-llm"
}
