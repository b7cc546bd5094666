package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"
)

// eventCollector is a thread-safe OutboundEvent sink: TurnController emits
// from several goroutines (watchTranscripts, the speculative generation
// goroutine, the caller's own goroutine), all racing onto the same emit
// callback.
type eventCollector struct {
	mu     sync.Mutex
	events []OutboundEvent
}

func (c *eventCollector) emit(ev OutboundEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *eventCollector) snapshot() []OutboundEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]OutboundEvent, len(c.events))
	copy(out, c.events)
	return out
}

func (c *eventCollector) count(t OutboundEventType) int {
	n := 0
	for _, ev := range c.snapshot() {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func waitForControllerState(t *testing.T, tc *TurnController, want TurnState, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if tc.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for controller state %q, last state %q", want, tc.State())
}

func newTestController(t *testing.T, stt *mockStreamingSTT, llm *mockLLMProvider, tts *mockTTSProvider) (*TurnController, *eventCollector) {
	t.Helper()
	cfg := DefaultConfig()
	store := newMockAudioStore()
	gen := NewResponseGenerator(llm, tts, store, cfg, nil, nil)
	history := NewConversationHistory(cfg.MaxContextMessages)
	collector := &eventCollector{}
	tc := NewTurnController(cfg, stt, gen, history, nil, nil, collector.emit)
	tc.SetAgent(&AgentConfig{ID: "a1", SystemPrompt: "assist", Voice: VoiceF1, Language: LanguageEn})
	t.Cleanup(tc.Close)
	return tc, collector
}

// TestTurnControllerSpeculationPromotedOnMatch covers S3: the confirmed
// transcript matches exactly what speculative generation ran against, so the
// already-streamed reply is kept and no second generation happens.
func TestTurnControllerSpeculationPromotedOnMatch(t *testing.T) {
	stt := &mockStreamingSTT{name: "mock-stt"}
	llm := &mockLLMProvider{name: "mock-llm", tokens: []string{"Sure, booking that now."}}
	tts := &mockTTSProvider{name: "mock-tts"}
	tc, collector := newTestController(t, stt, llm, tts)

	ctx := context.Background()
	tc.startTurn(ctx, nil)

	stt.EmitInterim("book a flight")
	tc.startSpeculation(ctx)
	waitForControllerState(t, tc, StateAwaitingConfirm, time.Second)

	ttsCallsBeforeConfirm := len(tts.callsSnapshot())
	if ttsCallsBeforeConfirm == 0 {
		t.Fatal("expected the speculative generation to have already synthesized audio")
	}

	stt.EmitFinal("book a flight")

	waitForControllerState(t, tc, StateSpeaking, time.Second)
	tc.HandleAudioPlaybackComplete()
	if tc.State() != StateIdle {
		t.Fatalf("expected Idle after a promoted match's audio finished playing, got %q", tc.State())
	}

	if got := len(tts.callsSnapshot()); got != ttsCallsBeforeConfirm {
		t.Fatalf("expected no additional synthesis after a promoted match, had %d before and %d after", ttsCallsBeforeConfirm, got)
	}
	if collector.count(EvStreamStart) != 0 {
		t.Fatal("a promoted match must not re-announce stream_start")
	}
	if collector.count(EvUserTranscript) != 1 {
		t.Fatal("expected exactly one user_transcript event")
	}
}

// TestTurnControllerSpeculationCancelledOnMismatch covers S4: the confirmed
// transcript differs from the speculative snapshot, so the speculative
// generation is discarded and a fresh one runs against the real transcript.
func TestTurnControllerSpeculationCancelledOnMismatch(t *testing.T) {
	stt := &mockStreamingSTT{name: "mock-stt"}
	llm := &mockLLMProvider{name: "mock-llm", tokens: []string{"One moment."}}
	tts := &mockTTSProvider{name: "mock-tts"}
	tc, collector := newTestController(t, stt, llm, tts)

	ctx := context.Background()
	tc.startTurn(ctx, nil)

	stt.EmitInterim("book a flight")
	tc.startSpeculation(ctx)
	waitForControllerState(t, tc, StateAwaitingConfirm, time.Second)

	stt.EmitFinal("cancel my flight")

	waitForControllerState(t, tc, StateSpeaking, time.Second)
	tc.HandleAudioPlaybackComplete()
	if tc.State() != StateIdle {
		t.Fatalf("expected Idle once the fresh turn's audio finished playing, got %q", tc.State())
	}

	if collector.count(EvStreamStart) != 1 {
		t.Fatalf("expected exactly one stream_start for the fresh generation, got %d", collector.count(EvStreamStart))
	}
	if collector.count(EvStreamComplete) < 2 {
		t.Fatalf("expected a stream_complete from both the discarded speculative run and the fresh one, got %d", collector.count(EvStreamComplete))
	}
}

// TestTurnControllerSTTOpenFailureLeavesIdle covers S5.
func TestTurnControllerSTTOpenFailureLeavesIdle(t *testing.T) {
	stt := &mockStreamingSTT{name: "mock-stt", openErr: errDummy}
	llm := &mockLLMProvider{name: "mock-llm", tokens: []string{"hi"}}
	tts := &mockTTSProvider{name: "mock-tts"}
	tc, collector := newTestController(t, stt, llm, tts)

	tc.startTurn(context.Background(), nil)

	if tc.State() != StateIdle {
		t.Fatalf("expected Idle immediately after a failed STT open, got %q", tc.State())
	}
	if collector.count(EvError) != 1 {
		t.Fatal("expected exactly one error event")
	}
}
