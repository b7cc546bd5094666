package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"
)

// TurnController is the state machine of spec §4.D. It owns TurnState,
// the monotonic turn_id, and the is_agent_speaking flag the VAD's barge-in
// path reads. Every goroutine this controller starts for a turn captures
// that turn's id at launch and compares it against the controller's current
// turn_id before emitting anything; a mismatch means the turn was
// superseded and the goroutine exits without ever reaching the wire (I5).
type TurnController struct {
	cfg     Config
	stt     StreamingSTTProvider
	gen     *ResponseGenerator
	logger  Logger
	metrics MetricsSink
	emit    func(OutboundEvent)

	vad          *VoiceActivityDetector
	frameAligner *FrameAligner
	echo         *EchoSuppressor

	mu            sync.Mutex
	state         TurnState
	turnID        uint64
	agentSpeaking bool
	agent         *AgentConfig
	history       *ConversationHistory

	transcriber   *StreamingTranscriber
	turnCtx       context.Context
	turnCancel    context.CancelFunc
	genCancel     context.CancelFunc
	speculative   string // full reply text of the speculative generation, set once it finishes
	speculatedFor string // STT snapshot the speculative generation was launched for

	speechEndAt map[uint64]time.Time // turnID -> VADSpeechEnd time, for TurnLatency
}

func NewTurnController(cfg Config, stt StreamingSTTProvider, gen *ResponseGenerator, history *ConversationHistory, logger Logger, metrics MetricsSink, emit func(OutboundEvent)) *TurnController {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = NoOpMetrics{}
	}
	tc := &TurnController{
		cfg:          cfg,
		stt:          stt,
		gen:          gen,
		logger:       logger,
		metrics:      metrics,
		emit:         emit,
		vad:          NewVoiceActivityDetector(cfg, 0.02),
		frameAligner: NewFrameAligner(cfg),
		echo:         NewEchoSuppressor(cfg.SampleRate),
		history:      history,
		state:        StateIdle,
		speechEndAt:  make(map[uint64]time.Time),
	}
	gen.onRendered = tc.echo.RecordPlayedAudio
	return tc
}

func (tc *TurnController) SetAgent(agent *AgentConfig) {
	tc.mu.Lock()
	tc.agent = agent
	tc.mu.Unlock()
}

func (tc *TurnController) State() TurnState {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.state
}

// HandleAudio slices raw PCM into fixed frames and runs each through the
// VAD and (if a turn is open) the streaming transcriber.
func (tc *TurnController) HandleAudio(ctx context.Context, pcm []byte) {
	for _, frame := range tc.frameAligner.Push(pcm) {
		if tc.echo.IsEcho(frame) {
			continue
		}

		tc.mu.Lock()
		speaking := tc.agentSpeaking
		tc.vad.SetAgentSpeaking(speaking)
		events := tc.vad.ProcessFrame(frame)
		tc.mu.Unlock()

		for _, ev := range events {
			tc.handleVADEvent(ctx, ev, frame)
		}

		tc.mu.Lock()
		transcriber := tc.transcriber
		tc.mu.Unlock()
		if transcriber != nil {
			transcriber.Push(frame)
		}
	}
}

func (tc *TurnController) handleVADEvent(ctx context.Context, ev VADEvent, frame []byte) {
	switch ev.Type {
	case VADSpeechStart:
		tc.startTurn(ctx, ev.PreSpeech)
	case VADPrefetchTick:
		if tc.cfg.EnableSpeculation {
			tc.startSpeculation(ctx)
		}
	case VADSpeechEnd:
		tc.finalizeTurn(ctx)
	case VADBargeInConfirmed:
		tc.handleBargeIn(ctx)
	}
}

// startTurn begins a new turn_id, opens the streaming transcriber, and
// moves the state machine to UserSpeaking. Per S5, a provider open failure
// emits a single error event and leaves the state machine in Idle so the
// next SpeechStart retries.
func (tc *TurnController) startTurn(ctx context.Context, preSpeech [][]byte) {
	tc.mu.Lock()
	tc.turnID++
	turnID := tc.turnID
	tc.state = StateUserSpeaking
	tc.speculative = ""
	tc.speculatedFor = ""
	turnCtx, cancel := context.WithCancel(ctx)
	tc.turnCtx = turnCtx
	tc.turnCancel = cancel
	lang := LanguageEn
	if tc.agent != nil {
		lang = tc.agent.Language
	}
	tc.mu.Unlock()

	transcriber := NewStreamingTranscriber(tc.stt, tc.cfg, tc.logger)
	if err := transcriber.Open(turnCtx, lang, turnID); err != nil {
		tc.metrics.IncProviderError("stt", tc.stt.Name())
		tc.logger.Error("stt open failed", "error", err)
		tc.mu.Lock()
		if tc.turnID == turnID {
			tc.state = StateIdle
		}
		tc.mu.Unlock()
		tc.safeEmit(turnID, OutboundEvent{Type: EvError, Message: "speech recognition unavailable"})
		return
	}

	for _, f := range preSpeech {
		transcriber.Push(f)
	}

	tc.mu.Lock()
	tc.transcriber = transcriber
	tc.mu.Unlock()

	tc.safeEmit(turnID, OutboundEvent{Type: EvSpeechStart})

	go tc.watchTranscripts(turnCtx, turnID, transcriber)
}

// watchTranscripts drains the transcriber's event channel for this turn and
// reacts to ConfirmedFinal the moment it arrives, independent of whether
// VADSpeechEnd has fired yet (the two are expected to race).
func (tc *TurnController) watchTranscripts(ctx context.Context, turnID uint64, transcriber *StreamingTranscriber) {
	for {
		select {
		case ev, ok := <-transcriber.Events():
			if !ok {
				return
			}
			if ev.Kind == ConfirmedFinal {
				tc.onConfirmedFinal(ctx, turnID, ev.Text)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// markSpeakingOnAudio flips is_agent_speaking true and, if generation is
// still nominally in progress, moves the state to Speaking the moment the
// first AudioChunk of a turn is handed to the client (spec §4.D transition 6
// / "agent-speaking tracking"). It runs for both the speculative and the
// confirmed generation path, since a barge-in fast path must arm as soon as
// the client starts hearing anything, speculative or not.
func (tc *TurnController) markSpeakingOnAudio(turnID uint64, ev OutboundEvent) {
	if ev.Type != EvAudioChunk {
		return
	}
	tc.mu.Lock()
	if tc.turnID == turnID {
		tc.agentSpeaking = true
		if tc.state == StateGenerating {
			tc.state = StateSpeaking
		}
	}
	tc.mu.Unlock()
}

// HandleAudioPlaybackComplete reacts to the client's audio_playback_complete
// message (spec transition 8): is_agent_speaking becomes false only here,
// never on generation completion alone, and a turn that sent no audio at all
// has already gone Idle on its own. Idempotent per P8: once agentSpeaking is
// already false, a duplicate message has no effect.
func (tc *TurnController) HandleAudioPlaybackComplete() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if !tc.agentSpeaking {
		return
	}
	tc.agentSpeaking = false
	if tc.state == StateSpeaking {
		tc.state = StateIdle
	}
}

// SetAgentSpeaking arms or clears is_agent_speaking outside of a turn, for
// the opening greeting. While armed, the VAD runs its barge-in counter; user
// listening is not paused, so a SpeechStart during the greeting still opens
// a turn. HandleAudioPlaybackComplete clears it the same
// way it clears a turn's own agent-speaking flag; since no turn is open at
// greeting time, the state-machine transition in HandleAudioPlaybackComplete
// is skipped.
func (tc *TurnController) SetAgentSpeaking(speaking bool) {
	tc.mu.Lock()
	tc.agentSpeaking = speaking
	tc.mu.Unlock()
}

// startSpeculation launches a speculative generation from the current STT
// snapshot (spec §4.D speculation rules, S3/S4). It only ever runs once per
// turn; a second PrefetchTick is a no-op.
func (tc *TurnController) startSpeculation(ctx context.Context) {
	tc.mu.Lock()
	if tc.state != StateUserSpeaking || tc.speculatedFor != "" || tc.transcriber == nil {
		tc.mu.Unlock()
		return
	}
	snapshot := strings.TrimSpace(tc.transcriber.Snapshot())
	if snapshot == "" {
		tc.mu.Unlock()
		return
	}
	turnID := tc.turnID
	agent := tc.agent
	history := tc.history.Snapshot()
	tc.state = StatePrefetchPending
	tc.speculatedFor = snapshot
	genCtx, genCancel := context.WithCancel(tc.turnCtx)
	tc.genCancel = genCancel
	tc.mu.Unlock()

	if agent == nil {
		return
	}

	go func() {
		msgs := append(append([]Message{}, history...), Message{Role: "user", Content: snapshot})
		var built strings.Builder
		result := tc.gen.Generate(genCtx, agent, msgs, agent.Voice, agent.Language, func() bool {
			return tc.isStale(turnID)
		}, func(ev OutboundEvent) {
			built.WriteString(ev.Text)
			tc.markSpeakingOnAudio(turnID, ev)
			tc.safeEmit(turnID, ev)
		})

		tc.mu.Lock()
		if tc.turnID == turnID && !tc.isStaleLocked(turnID) {
			tc.speculative = result.FullText
			if tc.state == StatePrefetchPending {
				tc.state = StateAwaitingConfirm
			}
		}
		tc.mu.Unlock()
	}()
}

// onConfirmedFinal is the promote-on-match / cancel-on-mismatch decision
// point (S3/S4).
func (tc *TurnController) onConfirmedFinal(ctx context.Context, turnID uint64, text string) {
	text = strings.TrimSpace(text)

	tc.mu.Lock()
	if tc.turnID != turnID {
		tc.mu.Unlock()
		return
	}
	if text == "" {
		tc.state = StateIdle
		tc.mu.Unlock()
		return
	}

	tc.history.Append("user", text)

	matched := tc.speculatedFor != "" && tc.speculatedFor == text && tc.speculative != ""
	agent := tc.agent
	speculativeReply := tc.speculative
	tc.mu.Unlock()

	tc.safeEmit(turnID, OutboundEvent{Type: EvUserTranscript, Text: text})

	if matched {
		tc.metrics.IncSpeculation("promoted")
		tc.history.Append("assistant", speculativeReply)
		tc.mu.Lock()
		delete(tc.speechEndAt, turnID)
		if tc.agentSpeaking {
			tc.state = StateSpeaking
		} else {
			tc.state = StateIdle
		}
		tc.mu.Unlock()
		return
	}

	if tc.speculatedFor != "" {
		tc.metrics.IncSpeculation("mismatched")
	} else {
		tc.metrics.IncSpeculation("not_attempted")
	}

	// mismatch or no speculation ran: cancel any speculative generation and
	// start fresh from the confirmed transcript.
	tc.mu.Lock()
	if tc.genCancel != nil {
		tc.genCancel()
		tc.genCancel = nil
	}
	tc.state = StateGenerating
	history := tc.history.Snapshot()
	genCtx, genCancel := context.WithCancel(tc.turnCtx)
	tc.genCancel = genCancel
	speechEndAt, hadSpeechEnd := tc.speechEndAt[turnID]
	delete(tc.speechEndAt, turnID)
	tc.mu.Unlock()

	if agent == nil {
		tc.mu.Lock()
		tc.state = StateIdle
		tc.agentSpeaking = false
		tc.mu.Unlock()
		return
	}

	if hadSpeechEnd {
		tc.metrics.ObserveTurnLatency(time.Since(speechEndAt).Seconds())
	}
	tc.safeEmit(turnID, OutboundEvent{Type: EvStreamStart})

	result := tc.gen.Generate(genCtx, agent, history, agent.Voice, agent.Language, func() bool {
		return tc.isStale(turnID)
	}, func(ev OutboundEvent) {
		tc.markSpeakingOnAudio(turnID, ev)
		tc.safeEmit(turnID, ev)
	})

	tc.mu.Lock()
	if result.Interrupted {
		// The turn was superseded (barge-in, interrupt or a new turn), which
		// already set the state and is_agent_speaking.
		tc.metrics.IncTurn("interrupted")
	} else if tc.turnID == turnID {
		tc.history.Append("assistant", result.FullText)
		tc.metrics.IncTurn("completed")
		// A turn that never sent any audio (e.g. every TTS call failed)
		// has nothing for the client to report playback-complete on; go
		// straight to Idle. Otherwise stay Speaking until
		// HandleAudioPlaybackComplete (spec transition 8).
		if !tc.agentSpeaking {
			tc.state = StateIdle
		}
	}
	tc.mu.Unlock()
}

// finalizeTurn reacts to VADSpeechEnd: it bounds the wait for a final
// transcript (§5: STTFinalizeTimeout) so a turn with no speculation still
// gets a confirmed transcript promptly instead of waiting indefinitely.
func (tc *TurnController) finalizeTurn(ctx context.Context) {
	tc.mu.Lock()
	transcriber := tc.transcriber
	turnID := tc.turnID
	state := tc.state
	tc.mu.Unlock()

	if transcriber == nil || state == StateIdle {
		return
	}

	tc.mu.Lock()
	tc.speechEndAt[turnID] = time.Now()
	tc.mu.Unlock()

	go func() {
		text := transcriber.Finalize(ctx)
		tc.mu.Lock()
		already := tc.turnID != turnID || tc.state == StateGenerating || tc.state == StateSpeaking || tc.state == StateIdle
		tc.mu.Unlock()
		if already {
			return
		}
		tc.onConfirmedFinal(ctx, turnID, text)
	}()
}

// handleBargeIn reacts to VADBargeInConfirmed while the agent is speaking:
// advance turn_id so every goroutine of the old turn goes stale, stop output
// immediately, announce the interruption, and let the next SpeechStart
// (already in flight on the same audio stream) open the next turn normally.
func (tc *TurnController) handleBargeIn(ctx context.Context) {
	tc.mu.Lock()
	if tc.state != StateGenerating && tc.state != StateSpeaking {
		tc.mu.Unlock()
		return
	}
	tc.turnID++
	turnID := tc.turnID
	if tc.genCancel != nil {
		tc.genCancel()
	}
	if tc.turnCancel != nil {
		tc.turnCancel()
	}
	tc.agentSpeaking = false
	tc.state = StateInterrupted
	tc.mu.Unlock()

	tc.metrics.IncBargeIn()
	if err := tc.gen.tts.Abort(); err != nil {
		tc.logger.Warn("tts abort failed", "error", err)
	}
	tc.echo.ClearEchoBuffer()
	tc.safeEmit(turnID, OutboundEvent{Type: EvStopAudioImmediately})
	tc.safeEmit(turnID, OutboundEvent{Type: EvUserInterruption})
	tc.safeEmit(turnID, OutboundEvent{Type: EvInterruptionComplete})
}

func (tc *TurnController) isStale(turnID uint64) bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.isStaleLocked(turnID)
}

func (tc *TurnController) isStaleLocked(turnID uint64) bool {
	return tc.turnID != turnID
}

// safeEmit drops events from a superseded turn before they reach the wire
// (I3), the one place outbound events leave the controller.
func (tc *TurnController) safeEmit(turnID uint64, ev OutboundEvent) {
	if tc.isStale(turnID) {
		return
	}
	ev.turnID = turnID
	ev.Timestamp = float64(time.Now().UnixNano()) / 1e9
	tc.emit(ev)
}

// Close tears down any in-flight turn.
func (tc *TurnController) Close() {
	tc.mu.Lock()
	if tc.turnCancel != nil {
		tc.turnCancel()
	}
	transcriber := tc.transcriber
	tc.mu.Unlock()
	if transcriber != nil {
		transcriber.Close()
	}
}
