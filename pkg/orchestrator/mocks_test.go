package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// mockLLMProvider streams a fixed sequence of token deltas, or returns a
// canned error, the way the teacher's own provider fakes work.
type mockLLMProvider struct {
	name   string
	tokens []string
	err    error
}

func (m *mockLLMProvider) Name() string { return m.name }

func (m *mockLLMProvider) Complete(ctx context.Context, messages []Message) (string, error) {
	var full string
	for _, t := range m.tokens {
		full += t
	}
	return full, m.err
}

func (m *mockLLMProvider) Stream(ctx context.Context, messages []Message, onToken func(delta string) error) error {
	for _, t := range m.tokens {
		if err := onToken(t); err != nil {
			return err
		}
	}
	return m.err
}

// mockTTSProvider records every synthesized segment and can be configured to
// fail on specific text or after N calls, and to block until released (to
// exercise cancellation mid-synthesis).
type mockTTSProvider struct {
	name string

	mu       sync.Mutex
	calls    []string
	failText string
	aborted  bool
	block    chan struct{} // if non-nil, StreamSynthesize waits on it before returning
}

func (m *mockTTSProvider) Name() string { return m.name }

func (m *mockTTSProvider) Synthesize(ctx context.Context, text string, voice Voice, lang Language) ([]byte, error) {
	var out []byte
	err := m.StreamSynthesize(ctx, text, voice, lang, func(b []byte) error {
		out = append(out, b...)
		return nil
	})
	return out, err
}

func (m *mockTTSProvider) StreamSynthesize(ctx context.Context, text string, voice Voice, lang Language, onChunk func([]byte) error) error {
	m.mu.Lock()
	m.calls = append(m.calls, text)
	fail := m.failText != "" && m.failText == text
	block := m.block
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if fail {
		return fmt.Errorf("mock tts failure for %q", text)
	}
	return onChunk([]byte(text))
}

func (m *mockTTSProvider) Abort() error {
	m.mu.Lock()
	m.aborted = true
	m.mu.Unlock()
	return nil
}

func (m *mockTTSProvider) callsSnapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// mockAudioStore just returns a deterministic ref per call, counting puts.
type mockAudioStore struct {
	mu    sync.Mutex
	puts  int
	store map[string][]byte
}

func newMockAudioStore() *mockAudioStore {
	return &mockAudioStore{store: make(map[string][]byte)}
}

func (m *mockAudioStore) Put(ctx context.Context, audio []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	ref := fmt.Sprintf("/audio/%d", m.puts)
	m.store[ref] = audio
	return ref, nil
}

// mockAgentRegistry resolves a fixed set of agents by id.
type mockAgentRegistry struct {
	agents map[string]*AgentConfig
}

func (m *mockAgentRegistry) Get(ctx context.Context, agentID string) (*AgentConfig, error) {
	a, ok := m.agents[agentID]
	if !ok {
		return nil, errors.New("agent not found")
	}
	return a, nil
}

// mockStreamingSTT is a hand-fed fake StreamingSTTProvider: the test drives
// it by calling EmitInterim/EmitFinal directly rather than by pushing real
// audio through a provider, exactly as the teacher's MockStreamingSTT does
// for StreamingTranscriber tests.
type mockStreamingSTT struct {
	name     string
	openErr  error
	openedN  int
	pushed   [][]byte
	onTranscript func(text string, isFinal bool) error
	mu       sync.Mutex
}

func (m *mockStreamingSTT) Name() string { return m.name }

func (m *mockStreamingSTT) Transcribe(ctx context.Context, audio []byte, lang Language) (string, error) {
	return "", errors.New("not implemented")
}

func (m *mockStreamingSTT) StreamTranscribe(ctx context.Context, lang Language, onTranscript func(transcript string, isFinal bool) error) (chan<- []byte, error) {
	if m.openErr != nil {
		return nil, m.openErr
	}
	m.mu.Lock()
	m.openedN++
	m.onTranscript = onTranscript
	m.mu.Unlock()

	ch := make(chan []byte, 256)
	go func() {
		for frame := range ch {
			m.mu.Lock()
			m.pushed = append(m.pushed, frame)
			m.mu.Unlock()
		}
	}()
	return ch, nil
}

// EmitFinal delivers a ConfirmedFinal transcript through whichever callback
// was registered by the most recent StreamTranscribe call.
func (m *mockStreamingSTT) EmitFinal(text string) {
	m.mu.Lock()
	cb := m.onTranscript
	m.mu.Unlock()
	if cb != nil {
		_ = cb(text, true)
	}
}

func (m *mockStreamingSTT) EmitInterim(text string) {
	m.mu.Lock()
	cb := m.onTranscript
	m.mu.Unlock()
	if cb != nil {
		_ = cb(text, false)
	}
}

var _ STTProvider = (*mockStreamingSTT)(nil)
var _ StreamingSTTProvider = (*mockStreamingSTT)(nil)
var _ LLMProvider = (*mockLLMProvider)(nil)
var _ TTSProvider = (*mockTTSProvider)(nil)
var _ AudioStore = (*mockAudioStore)(nil)
var _ AgentRegistry = (*mockAgentRegistry)(nil)
