package orchestrator

import (
	"context"
	"fmt"
	"sync"
)

// Session is the top-level object a transport layer drives: one per
// connected call. It owns the turn controller, the bounded conversation
// history, and the outbound event channel; it resolves the agent
// configuration once (spec §3: "immutable for the lifetime of the session
// once set") and otherwise only forwards InboundEvents into the controller.
type Session struct {
	ID string

	cfg      Config
	registry AgentRegistry
	logger   Logger

	controller *TurnController
	history    *ConversationHistory

	out chan OutboundEvent

	mu        sync.Mutex
	agent     *AgentConfig
	closeOnce sync.Once
	cancel    context.CancelFunc
}

// NewSession wires the five pipeline components behind one Session. stt
// must support streaming (spec §4.C); llm and tts are the providers
// ResponseGenerator drives; store persists synthesized audio artifacts.
// metrics may be nil, in which case observability is a no-op; a transport
// layer that wants Prometheus counters injects a concrete MetricsSink here
// rather than the core reaching up into a metrics package itself.
func NewSession(ctx context.Context, id string, stt StreamingSTTProvider, llm LLMProvider, tts TTSProvider, store AudioStore, registry AgentRegistry, cfg Config, logger Logger, metrics MetricsSink) *Session {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = NoOpMetrics{}
	}

	sessCtx, cancel := context.WithCancel(ctx)

	s := &Session{
		ID:       id,
		cfg:      cfg,
		registry: registry,
		logger:   logger,
		history:  NewConversationHistory(cfg.MaxContextMessages),
		out:      make(chan OutboundEvent, 256),
		cancel:   cancel,
	}

	gen := NewResponseGenerator(llm, tts, store, cfg, logger, metrics)
	s.controller = NewTurnController(cfg, stt, gen, s.history, logger, metrics, s.deliver)

	go func() {
		<-sessCtx.Done()
	}()

	return s
}

// Events returns the channel a transport layer should drain and translate
// to the wire schema of spec §6.
func (s *Session) Events() <-chan OutboundEvent {
	return s.out
}

// deliver enqueues one outbound event. A full channel means the transport
// layer has stopped draining it faster than the session produces events; per
// spec §5 that is a degraded session, not a droppable frame, so deliver
// closes the session with an error event rather than silently discarding it.
func (s *Session) deliver(ev OutboundEvent) {
	select {
	case s.out <- ev:
	default:
		s.logger.Error("outbound channel full, closing session", "sessionID", s.ID, "type", ev.Type)
		s.closeDegraded()
	}
}

// closeDegraded delivers a best-effort error event and tears the session
// down. It must not call deliver itself (that would recurse into the same
// full channel); it tries once, non-blocking, then closes regardless.
func (s *Session) closeDegraded() {
	select {
	case s.out <- OutboundEvent{Type: EvError, Message: "outbound channel overflow"}:
	default:
	}
	go s.Close()
}

// HandleInbound dispatches one InboundEvent per spec §6. pcm_bytes is the
// hot path; the rest are infrequent control messages.
func (s *Session) HandleInbound(ctx context.Context, ev InboundEvent) error {
	switch ev.Type {
	case InPcmBytes:
		s.controller.HandleAudio(ctx, ev.Pcm)
		return nil

	case InAgentConfig:
		return s.loadAgent(ctx, ev.AgentID)

	case InCallStarted:
		return s.sendGreeting(ctx)

	case InAudioPlaybackComplete:
		s.controller.HandleAudioPlaybackComplete()
		return nil

	case InInterrupt:
		s.controller.handleBargeIn(ctx)
		return nil

	default:
		return fmt.Errorf("%w: unknown inbound event %q", ErrProtocolViolation, ev.Type)
	}
}

func (s *Session) loadAgent(ctx context.Context, agentID string) error {
	s.mu.Lock()
	loaded := s.agent != nil
	s.mu.Unlock()
	if loaded {
		return nil
	}

	agent, err := s.registry.Get(ctx, agentID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSessionFatal, err)
	}

	s.mu.Lock()
	s.agent = agent
	s.mu.Unlock()
	s.controller.SetAgent(agent)
	return nil
}

// sendGreeting emits the agent's configured greeting as text and audio, the
// way the original system opens every call before the user has said
// anything (no turn_id / barge-in concerns apply — it is not a turn). It
// arms is_agent_speaking for the greeting audio, the same as a turn's own
// audio, which turns on the VAD's barge-in counter; user listening is not
// paused, so speech during the greeting still opens a turn. The client's
// audio_playback_complete clears the flag via the normal
// HandleAudioPlaybackComplete path.
func (s *Session) sendGreeting(ctx context.Context) error {
	s.mu.Lock()
	agent := s.agent
	s.mu.Unlock()

	if agent == nil || agent.Greeting == "" {
		return nil
	}

	s.deliver(OutboundEvent{Type: EvAgentGreeting, Text: agent.Greeting})

	gen := s.controller.gen
	var audio []byte
	err := gen.tts.StreamSynthesize(ctx, agent.Greeting, agent.Voice, agent.Language, func(chunk []byte) error {
		audio = append(audio, chunk...)
		return nil
	})
	if err != nil {
		s.logger.Warn("greeting synthesis failed", "sessionID", s.ID, "error", err)
		return nil
	}

	ref, err := gen.store.Put(ctx, audio)
	if err != nil {
		s.logger.Warn("greeting audio store failed", "sessionID", s.ID, "error", err)
		return nil
	}

	s.controller.SetAgentSpeaking(true)
	s.deliver(OutboundEvent{Type: EvGreetingAudio, AudioURL: ref})
	return nil
}

// History returns the confirmed conversation so far, for diagnostics or a
// transport layer that wants to persist it on hangup.
func (s *Session) History() []Message {
	return s.history.Snapshot()
}

// Close tears down the turn controller and closes the outbound channel.
// Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.controller.Close()
		s.cancel()
		close(s.out)
	})
}
