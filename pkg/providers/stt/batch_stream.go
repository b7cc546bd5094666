package stt

import (
	"context"
	"math"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
)

// BatchStreamAdapter turns a batch STTProvider (OpenAI, Groq, AssemblyAI —
// all REST endpoints that transcribe one complete buffer at a time) into a
// StreamingSTTProvider, the same role DeepgramStreamingSTT plays for
// Deepgram's native streaming socket. It buffers pushed PCM and flushes the
// buffer through Transcribe whenever it sees enough trailing silence to
// treat the buffered audio as one utterance, emitting the result as a final
// transcript. There is no true interim text — isFinal is always true — which
// the StreamingTranscriber accommodates (an interim transcript is advisory
// only; ConfirmedFinal is what it waits for).
type BatchStreamAdapter struct {
	batch orchestrator.STTProvider

	sampleRate     int
	bytesPerSample int
	silenceRMS     float64
	silenceFrames  int
}

// NewBatchStreamAdapter wraps batch for streaming use. sampleRate and
// bytesPerSample size the silence window against the PCM this deployment
// actually carries (spec §4.A: 8kHz/16-bit mono) rather than whatever rate
// the wrapped provider itself defaults to for its own REST calls.
func NewBatchStreamAdapter(batch orchestrator.STTProvider, sampleRate, bytesPerSample int) *BatchStreamAdapter {
	return &BatchStreamAdapter{
		batch:          batch,
		sampleRate:     sampleRate,
		bytesPerSample: bytesPerSample,
		silenceRMS:     0.02,
		silenceFrames:  10, // ~10 pushed frames of near-silence before flushing
	}
}

func (a *BatchStreamAdapter) Name() string {
	return a.batch.Name()
}

func (a *BatchStreamAdapter) Transcribe(ctx context.Context, audioPCM []byte, lang orchestrator.Language) (string, error) {
	return a.batch.Transcribe(ctx, audioPCM, lang)
}

// StreamTranscribe buffers frames pushed on the returned channel and flushes
// through the wrapped batch provider once trailing silence is observed, or
// once the channel is closed.
func (a *BatchStreamAdapter) StreamTranscribe(ctx context.Context, lang orchestrator.Language, onTranscript func(transcript string, isFinal bool) error) (chan<- []byte, error) {
	frames := make(chan []byte, 64)

	go func() {
		var buf []byte
		silentRun := 0

		flush := func() {
			if len(buf) == 0 {
				return
			}
			text, err := a.batch.Transcribe(ctx, buf, lang)
			buf = nil
			silentRun = 0
			if err != nil || text == "" {
				return
			}
			if err := onTranscript(text, true); err != nil {
				return
			}
		}

		for {
			select {
			case <-ctx.Done():
				flush()
				return
			case frame, ok := <-frames:
				if !ok {
					flush()
					return
				}
				buf = append(buf, frame...)
				if a.isSilent(frame) {
					silentRun++
					if silentRun >= a.silenceFrames {
						flush()
					}
				} else {
					silentRun = 0
				}
			}
		}
	}()

	return frames, nil
}

func (a *BatchStreamAdapter) isSilent(frame []byte) bool {
	if len(frame) < a.bytesPerSample {
		return true
	}
	var sum float64
	n := 0
	for i := 0; i+1 < len(frame); i += a.bytesPerSample {
		s := int16(frame[i]) | int16(frame[i+1])<<8
		f := float64(s) / 32768.0
		sum += f * f
		n++
	}
	if n == 0 {
		return true
	}
	return math.Sqrt(sum/float64(n)) <= a.silenceRMS
}
