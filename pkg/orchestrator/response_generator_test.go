package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
)

func testAgent() *AgentConfig {
	return &AgentConfig{
		ID:           "a1",
		SystemPrompt: "You are a helpful voice assistant.",
		Behavior:     BehaviorConcise,
		Voice:        VoiceF1,
		Language:     LanguageEn,
	}
}

func neverStale() bool { return false }

func TestResponseGeneratorSplitsFirstSentenceForEarlyTTS(t *testing.T) {
	llm := &mockLLMProvider{name: "mock-llm", tokens: []string{"Hi ", "there.", " How can I help", " you today?"}}
	tts := &mockTTSProvider{name: "mock-tts"}
	store := newMockAudioStore()
	gen := NewResponseGenerator(llm, tts, store, DefaultConfig(), nil, nil)

	var events []OutboundEvent
	result := gen.Generate(context.Background(), testAgent(), nil, VoiceF1, LanguageEn, neverStale, func(ev OutboundEvent) {
		events = append(events, ev)
	})

	if result.Interrupted {
		t.Fatal("did not expect interruption")
	}
	if result.FullText != "Hi there. How can I help you today?" {
		t.Fatalf("unexpected full text: %q", result.FullText)
	}

	calls := tts.callsSnapshot()
	if len(calls) != 2 {
		t.Fatalf("expected 2 TTS calls (first sentence + remainder), got %v", calls)
	}
	if calls[0] != "Hi there." {
		t.Fatalf("expected first sentence 'Hi there.', got %q", calls[0])
	}
	if calls[1] != "How can I help you today?" {
		t.Fatalf("expected remainder, got %q", calls[1])
	}

	// AudioChunks must appear in source-sentence order (I4), and
	// StreamComplete must be last.
	var audioTexts []string
	for _, ev := range events {
		if ev.Type == EvAudioChunk {
			audioTexts = append(audioTexts, ev.Text)
		}
	}
	if len(audioTexts) != 2 || audioTexts[0] != "Hi there." || audioTexts[1] != "How can I help you today?" {
		t.Fatalf("audio chunks out of order: %v", audioTexts)
	}
	if events[len(events)-1].Type != EvStreamComplete {
		t.Fatalf("expected StreamComplete last, got %v", events[len(events)-1].Type)
	}
	if events[len(events)-1].Interrupted == nil || *events[len(events)-1].Interrupted {
		t.Fatal("expected interrupted=false on StreamComplete")
	}
}

func TestResponseGeneratorStripsAssistantPrefix(t *testing.T) {
	llm := &mockLLMProvider{name: "mock-llm", tokens: []string{"Assistant: ", "Sure, one second."}}
	tts := &mockTTSProvider{name: "mock-tts"}
	store := newMockAudioStore()
	gen := NewResponseGenerator(llm, tts, store, DefaultConfig(), nil, nil)

	result := gen.Generate(context.Background(), testAgent(), nil, VoiceF1, LanguageEn, neverStale, func(ev OutboundEvent) {})

	if strings.HasPrefix(strings.ToLower(result.FullText), "assistant:") {
		t.Fatalf("expected Assistant: prefix stripped, got %q", result.FullText)
	}
}

func TestResponseGeneratorLLMErrorEmitsApology(t *testing.T) {
	llm := &mockLLMProvider{name: "mock-llm", tokens: []string{"partial"}, err: errDummy}
	tts := &mockTTSProvider{name: "mock-tts"}
	store := newMockAudioStore()
	gen := NewResponseGenerator(llm, tts, store, DefaultConfig(), nil, nil)

	result := gen.Generate(context.Background(), testAgent(), nil, VoiceF1, LanguageEn, neverStale, func(ev OutboundEvent) {})

	if result.FullText != cannedApology {
		t.Fatalf("expected canned apology, got %q", result.FullText)
	}
	calls := tts.callsSnapshot()
	if len(calls) != 1 || calls[0] != cannedApology {
		t.Fatalf("expected apology synthesized, got %v", calls)
	}
}

func TestResponseGeneratorTTSErrorSkipsChunkButKeepsText(t *testing.T) {
	llm := &mockLLMProvider{name: "mock-llm", tokens: []string{"Bad news.", " Good news though."}}
	tts := &mockTTSProvider{name: "mock-tts", failText: "Bad news."}
	store := newMockAudioStore()
	gen := NewResponseGenerator(llm, tts, store, DefaultConfig(), nil, nil)

	var audioChunks int
	var textChunks int
	result := gen.Generate(context.Background(), testAgent(), nil, VoiceF1, LanguageEn, neverStale, func(ev OutboundEvent) {
		if ev.Type == EvAudioChunk {
			audioChunks++
		}
		if ev.Type == EvTextChunk {
			textChunks++
		}
	})

	if result.FullText != "Bad news. Good news though." {
		t.Fatalf("unexpected full text: %q", result.FullText)
	}
	if audioChunks != 1 {
		t.Fatalf("expected 1 audio chunk (the one that didn't fail), got %d", audioChunks)
	}
	if textChunks == 0 {
		t.Fatal("expected text chunks even though one TTS call failed")
	}
}

func TestResponseGeneratorCancellationStopsEmission(t *testing.T) {
	llm := &mockLLMProvider{name: "mock-llm", tokens: []string{"One. ", "Two. ", "Three."}}
	tts := &mockTTSProvider{name: "mock-tts"}
	store := newMockAudioStore()
	gen := NewResponseGenerator(llm, tts, store, DefaultConfig(), nil, nil)

	var mu sync.Mutex
	callCount := 0
	isStale := func() bool {
		mu.Lock()
		defer mu.Unlock()
		callCount++
		return callCount > 1 // stale from the second check onward
	}

	var sawStreamComplete bool
	gen.Generate(context.Background(), testAgent(), nil, VoiceF1, LanguageEn, isStale, func(ev OutboundEvent) {
		if ev.Type == EvStreamComplete {
			sawStreamComplete = true
		}
	})

	if sawStreamComplete {
		t.Fatal("a stale generation must not emit StreamComplete")
	}
}

var errDummy = &dummyErr{}

type dummyErr struct{}

func (d *dummyErr) Error() string { return "dummy llm failure" }
