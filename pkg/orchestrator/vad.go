package orchestrator

import (
	"math"
	"time"
)

// VADEventType tags one event emitted by the VoiceActivityDetector's frame
// state machine (§4.B).
type VADEventType string

const (
	VADSpeechStart      VADEventType = "speech_start"
	VADPrefetchTick     VADEventType = "prefetch_tick"
	VADSpeechEnd        VADEventType = "speech_end"
	VADBargeInConfirmed VADEventType = "barge_in_confirmed"
)

// VADEvent is one state-machine transition, plus the raw frame(s) a
// SpeechStart event needs to hand to the transcriber (the pre-speech
// window).
type VADEvent struct {
	Type       VADEventType
	Timestamp  time.Time
	PreSpeech  [][]byte // only set on VADSpeechStart
	SilenceRun int      // consecutive silent frames so far, set on PrefetchTick/SpeechEnd
}

// energyVAD is the primary per-frame speech/non-speech classifier. It is a
// plain single-threshold RMS detector: cheap enough to run on every
// 30ms frame and the fallback the teacher already shipped. A real deployment
// may swap this for an aggressive external VAD (webrtc-vad, silero) behind
// the same frameClassifier interface; this module only needs "is this frame
// voiced or not".
type frameClassifier interface {
	Classify(frame []byte) bool
}

type energyVAD struct {
	threshold float64
}

func newEnergyVAD(threshold float64) *energyVAD {
	return &energyVAD{threshold: threshold}
}

func (e *energyVAD) Classify(frame []byte) bool {
	return rms(bytesToSamples(frame)) > e.threshold
}

func rms(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// VoiceActivityDetector implements spec §4.B: a frame-counter state machine
// over the primary classifier's per-frame boolean, plus an independent
// barge-in fast path driven by the secondary voice-likeness filter.
type VoiceActivityDetector struct {
	cfg       Config
	primary   frameClassifier
	likeness  *VoiceLikenessFilter

	speaking          bool
	consecutiveVoiced int
	consecutiveSilent int
	framesSincePrefetch int

	// preSpeech is a ring of the last PreSpeechWindowMs of raw frames,
	// handed to the transcriber on SpeechStart so the first syllable
	// (spoken before the start_frames threshold confirmed speech) is not
	// lost (spec §4.B "pre-speech window").
	preSpeech      [][]byte
	preSpeechFrames int

	// barge-in fast path: only active while the caller tells us the agent
	// is speaking.
	agentSpeaking        bool
	consecutiveVoiceLike int
}

// NewVoiceActivityDetector builds the detector from Config's frame
// thresholds. threshold is the RMS energy cutoff for the primary classifier,
// in the same [0,1] normalized scale that rms() computes.
func NewVoiceActivityDetector(cfg Config, threshold float64) *VoiceActivityDetector {
	preSpeechFrames := cfg.PreSpeechWindowMs / cfg.FrameMs
	if preSpeechFrames < 1 {
		preSpeechFrames = 1
	}
	return &VoiceActivityDetector{
		cfg:             cfg,
		primary:         newEnergyVAD(threshold),
		likeness:        NewVoiceLikenessFilter(cfg.SampleRate),
		preSpeechFrames: preSpeechFrames,
	}
}

// SetAgentSpeaking tells the detector whether the agent is currently
// outputting audio. Only while true does ProcessFrame run the barge-in
// counter against the secondary voice-likeness filter.
func (v *VoiceActivityDetector) SetAgentSpeaking(speaking bool) {
	v.agentSpeaking = speaking
	if !speaking {
		v.consecutiveVoiceLike = 0
	}
}

// IsSpeaking reports the detector's own notion of whether the user is
// currently mid-utterance (post SpeechStart, pre SpeechEnd).
func (v *VoiceActivityDetector) IsSpeaking() bool {
	return v.speaking
}

// ProcessFrame classifies one fixed-size frame and returns zero or more
// events. A frame can produce at most one state-machine event plus, when
// agentSpeaking, at most one BargeInConfirmed event (it fires once per run
// of voice-like frames; the counter resets on a non-voice-like frame or on
// SetAgentSpeaking(false)).
func (v *VoiceActivityDetector) ProcessFrame(frame []byte) []VADEvent {
	now := time.Now()
	voiced := v.primary.Classify(frame)
	var events []VADEvent

	if v.agentSpeaking {
		if v.likeness.Classify(frame) {
			v.consecutiveVoiceLike++
			if v.consecutiveVoiceLike == v.cfg.MinInterruptionFrames {
				events = append(events, VADEvent{Type: VADBargeInConfirmed, Timestamp: now})
			}
		} else {
			v.consecutiveVoiceLike = 0
		}
	}

	if !v.speaking {
		v.bufferPreSpeech(frame)

		if voiced {
			v.consecutiveVoiced++
			v.consecutiveSilent = 0
			if v.consecutiveVoiced >= v.cfg.StartFrames {
				v.speaking = true
				v.framesSincePrefetch = 0
				pre := make([][]byte, len(v.preSpeech))
				copy(pre, v.preSpeech)
				events = append(events, VADEvent{Type: VADSpeechStart, Timestamp: now, PreSpeech: pre})
			}
		} else {
			v.consecutiveVoiced = 0
		}
		return events
	}

	// speaking == true; the frame itself already reaches the transcriber
	// via HandleAudio's direct push, so an in-speech frame needs no event
	// of its own here.
	if voiced {
		v.consecutiveSilent = 0
		v.framesSincePrefetch = 0
		return events
	}

	v.consecutiveSilent++
	v.framesSincePrefetch++

	switch {
	case v.consecutiveSilent >= v.cfg.ConfirmSilenceFrames:
		silenceRun := v.consecutiveSilent
		v.speaking = false
		v.consecutiveVoiced = 0
		v.consecutiveSilent = 0
		events = append(events, VADEvent{Type: VADSpeechEnd, Timestamp: now, SilenceRun: silenceRun})
	case v.framesSincePrefetch == v.cfg.PrefetchSilenceFrames:
		events = append(events, VADEvent{Type: VADPrefetchTick, Timestamp: now, SilenceRun: v.consecutiveSilent})
	}

	return events
}

func (v *VoiceActivityDetector) bufferPreSpeech(frame []byte) {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	v.preSpeech = append(v.preSpeech, cp)
	if len(v.preSpeech) > v.preSpeechFrames {
		v.preSpeech = v.preSpeech[len(v.preSpeech)-v.preSpeechFrames:]
	}
}

// Reset returns the detector to its idle state, e.g. between calls.
func (v *VoiceActivityDetector) Reset() {
	v.speaking = false
	v.consecutiveVoiced = 0
	v.consecutiveSilent = 0
	v.framesSincePrefetch = 0
	v.consecutiveVoiceLike = 0
	v.preSpeech = nil
}
