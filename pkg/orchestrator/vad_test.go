package orchestrator

import "testing"

func speechFrame(frameBytes int) []byte {
	frame := make([]byte, frameBytes)
	// Alternating near-full-scale samples: high RMS energy, well above the
	// default 0.02 threshold, without needing a real speech fixture.
	for i := 0; i+1 < frameBytes; i += 2 {
		var s int16 = 20000
		if (i/2)%2 == 1 {
			s = -20000
		}
		frame[i] = byte(s)
		frame[i+1] = byte(s >> 8)
	}
	return frame
}

func silenceFrameBytes(frameBytes int) []byte {
	return make([]byte, frameBytes)
}

func TestVADSpeechStartAfterStartFrames(t *testing.T) {
	cfg := testConfig()
	vad := NewVoiceActivityDetector(cfg, 0.02)
	frameBytes := NewFrameAligner(cfg).FrameBytes()

	var gotStart bool
	for i := 0; i < cfg.StartFrames; i++ {
		events := vad.ProcessFrame(speechFrame(frameBytes))
		for _, ev := range events {
			if ev.Type == VADSpeechStart {
				gotStart = true
			}
		}
	}
	if !gotStart {
		t.Fatalf("expected SpeechStart within %d frames", cfg.StartFrames)
	}
	if !vad.IsSpeaking() {
		t.Fatal("expected detector to be in speaking state")
	}
}

func TestVADPrefetchTickThenSpeechEnd(t *testing.T) {
	cfg := testConfig()
	vad := NewVoiceActivityDetector(cfg, 0.02)
	frameBytes := NewFrameAligner(cfg).FrameBytes()

	for i := 0; i < cfg.StartFrames; i++ {
		vad.ProcessFrame(speechFrame(frameBytes))
	}
	if !vad.IsSpeaking() {
		t.Fatal("expected speaking after start frames")
	}

	var prefetchCount, speechEndCount int
	for i := 0; i < cfg.ConfirmSilenceFrames; i++ {
		for _, ev := range vad.ProcessFrame(silenceFrameBytes(frameBytes)) {
			switch ev.Type {
			case VADPrefetchTick:
				prefetchCount++
				if i+1 != cfg.PrefetchSilenceFrames {
					t.Fatalf("expected PrefetchTick at silent frame %d, fired at %d", cfg.PrefetchSilenceFrames, i+1)
				}
			case VADSpeechEnd:
				speechEndCount++
				if i+1 != cfg.ConfirmSilenceFrames {
					t.Fatalf("expected SpeechEnd at silent frame %d, fired at %d", cfg.ConfirmSilenceFrames, i+1)
				}
			}
		}
	}

	if prefetchCount != 1 {
		t.Fatalf("expected exactly 1 PrefetchTick, got %d", prefetchCount)
	}
	if speechEndCount != 1 {
		t.Fatalf("expected exactly 1 SpeechEnd, got %d", speechEndCount)
	}
	if vad.IsSpeaking() {
		t.Fatal("expected detector to return to idle after SpeechEnd")
	}
}

func TestVADPreSpeechWindowCapturedOnStart(t *testing.T) {
	cfg := testConfig()
	vad := NewVoiceActivityDetector(cfg, 0.02)
	frameBytes := NewFrameAligner(cfg).FrameBytes()

	expectedPreSpeechFrames := cfg.PreSpeechWindowMs / cfg.FrameMs

	// Feed more silent frames than the pre-speech window holds, then speak.
	for i := 0; i < expectedPreSpeechFrames+3; i++ {
		vad.ProcessFrame(silenceFrameBytes(frameBytes))
	}

	var startEvent *VADEvent
	for i := 0; i < cfg.StartFrames; i++ {
		for _, ev := range vad.ProcessFrame(speechFrame(frameBytes)) {
			if ev.Type == VADSpeechStart {
				e := ev
				startEvent = &e
			}
		}
	}

	if startEvent == nil {
		t.Fatal("expected SpeechStart event")
	}
	if len(startEvent.PreSpeech) != expectedPreSpeechFrames {
		t.Fatalf("expected pre-speech window of %d frames, got %d", expectedPreSpeechFrames, len(startEvent.PreSpeech))
	}
}

func TestVADEmitsNoEventForOrdinaryInSpeechFrame(t *testing.T) {
	cfg := testConfig()
	vad := NewVoiceActivityDetector(cfg, 0.02)
	frameBytes := NewFrameAligner(cfg).FrameBytes()

	for i := 0; i < cfg.StartFrames; i++ {
		vad.ProcessFrame(speechFrame(frameBytes))
	}

	events := vad.ProcessFrame(speechFrame(frameBytes))
	if len(events) != 0 {
		t.Fatalf("expected no event for an ordinary in-speech frame, got %+v", events)
	}
}

func TestVADBargeInConfirmedRequiresConsecutiveVoiceLikeFrames(t *testing.T) {
	cfg := testConfig()
	vad := NewVoiceActivityDetector(cfg, 0.02)
	frameBytes := NewFrameAligner(cfg).FrameBytes()
	vad.SetAgentSpeaking(true)

	tone := sineFrame(600, cfg.SampleRate, frameBytes, 12000)

	var confirmed bool
	for i := 0; i < cfg.MinInterruptionFrames; i++ {
		for _, ev := range vad.ProcessFrame(tone) {
			if ev.Type == VADBargeInConfirmed {
				confirmed = true
				if i+1 != cfg.MinInterruptionFrames {
					t.Fatalf("expected BargeInConfirmed at frame %d, fired at %d", cfg.MinInterruptionFrames, i+1)
				}
			}
		}
	}
	if !confirmed {
		t.Fatalf("expected BargeInConfirmed after %d voice-like frames", cfg.MinInterruptionFrames)
	}
}

func TestVADBargeInCounterResetsOnNonVoiceFrame(t *testing.T) {
	cfg := testConfig()
	vad := NewVoiceActivityDetector(cfg, 0.02)
	frameBytes := NewFrameAligner(cfg).FrameBytes()
	vad.SetAgentSpeaking(true)

	tone := sineFrame(600, cfg.SampleRate, frameBytes, 12000)
	silence := silenceFrameBytes(frameBytes)

	// Interleave voice-like and silent frames: the counter should never
	// accumulate enough consecutive voice-like frames to confirm.
	var confirmed bool
	for i := 0; i < cfg.MinInterruptionFrames*2; i++ {
		f := tone
		if i%2 == 1 {
			f = silence
		}
		for _, ev := range vad.ProcessFrame(f) {
			if ev.Type == VADBargeInConfirmed {
				confirmed = true
			}
		}
	}
	if confirmed {
		t.Fatal("expected no BargeInConfirmed when voice-like frames are interrupted")
	}
}
