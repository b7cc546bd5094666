package orchestrator

import (
	"math"
	"testing"
)

// sineFrame synthesizes one 16-bit little-endian mono frame of a pure tone,
// for exercising the spectral classifiers without any audio fixtures.
func sineFrame(freqHz float64, sampleRate, frameBytes int, amplitude float64) []byte {
	n := frameBytes / 2
	buf := make([]byte, frameBytes)
	for i := 0; i < n; i++ {
		t := float64(i) / float64(sampleRate)
		v := amplitude * math.Sin(2*math.Pi*freqHz*t)
		s := int16(v)
		buf[2*i] = byte(s)
		buf[2*i+1] = byte(s >> 8)
	}
	return buf
}

func silentFrame(frameBytes int) []byte {
	return make([]byte, frameBytes)
}

func TestVoiceLikenessFilterAcceptsMidBandTone(t *testing.T) {
	cfg := testConfig()
	f := NewVoiceLikenessFilter(cfg.SampleRate)
	frameBytes := NewFrameAligner(cfg).FrameBytes()

	frame := sineFrame(600, cfg.SampleRate, frameBytes, 12000)
	if !f.Classify(frame) {
		t.Fatal("expected a 600Hz tone to classify as voice-like")
	}
}

func TestVoiceLikenessFilterRejectsSilence(t *testing.T) {
	cfg := testConfig()
	f := NewVoiceLikenessFilter(cfg.SampleRate)
	frameBytes := NewFrameAligner(cfg).FrameBytes()

	if f.Classify(silentFrame(frameBytes)) {
		t.Fatal("expected silence to be rejected")
	}
}

func TestVoiceLikenessFilterRejectsLowRumble(t *testing.T) {
	cfg := testConfig()
	f := NewVoiceLikenessFilter(cfg.SampleRate)
	frameBytes := NewFrameAligner(cfg).FrameBytes()

	// 40Hz is below bandLowCut (85Hz). Its zero-crossing rate (~0.008) is
	// already under the 0.02 floor, so the ZCR gate rejects it before the
	// band-energy gates run.
	frame := sineFrame(40, cfg.SampleRate, frameBytes, 12000)
	if f.Classify(frame) {
		t.Fatal("expected sub-85Hz rumble to be rejected")
	}
}
