package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/coder/websocket"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
)

// DeepgramStreamingSTT implements orchestrator.StreamingSTTProvider against
// Deepgram's live listen websocket. DeepgramSTT (deepgram.go) stays a
// one-shot REST client for batch transcription; this is the sibling that
// backs StreamingTranscriber for a live turn, modeled on LokutorTTS's
// connect-write-read-loop shape (pkg/providers/tts/lokutor.go).
type DeepgramStreamingSTT struct {
	apiKey     string
	host       string
	scheme     string
	sampleRate int
}

func NewDeepgramStreamingSTT(apiKey string, sampleRate int) *DeepgramStreamingSTT {
	if sampleRate == 0 {
		sampleRate = 8000
	}
	return &DeepgramStreamingSTT{
		apiKey:     apiKey,
		host:       "api.deepgram.com",
		scheme:     "wss",
		sampleRate: sampleRate,
	}
}

func (s *DeepgramStreamingSTT) Name() string {
	return "deepgram-stream-stt"
}

// Transcribe satisfies STTProvider by delegating to the batch REST endpoint,
// since the streaming socket has no notion of "transcribe this whole
// buffer and return."
func (s *DeepgramStreamingSTT) Transcribe(ctx context.Context, audioPCM []byte, lang orchestrator.Language) (string, error) {
	batch := NewDeepgramSTT(s.apiKey)
	return batch.Transcribe(ctx, audioPCM, lang)
}

type deepgramStreamResult struct {
	IsFinal bool `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// StreamTranscribe opens a Deepgram live session and returns a channel the
// caller pushes raw PCM frames onto. onTranscript fires for every interim
// and final result Deepgram sends back.
func (s *DeepgramStreamingSTT) StreamTranscribe(ctx context.Context, lang orchestrator.Language, onTranscript func(transcript string, isFinal bool) error) (chan<- []byte, error) {
	u := url.URL{Scheme: s.scheme, Host: s.host, Path: "/v1/listen"}
	q := u.Query()
	q.Set("model", "nova-2")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", fmt.Sprintf("%d", s.sampleRate))
	q.Set("channels", "1")
	q.Set("interim_results", "true")
	q.Set("endpointing", "false")
	if lang != "" {
		q.Set("language", string(lang))
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: map[string][]string{"Authorization": {"Token " + s.apiKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram stream dial: %w", err)
	}

	frames := make(chan []byte, 64)

	go func() {
		defer conn.Close(websocket.StatusNormalClosure, "done")
		for {
			select {
			case <-ctx.Done():
				return
			case frame, ok := <-frames:
				if !ok {
					return
				}
				if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		for {
			_, payload, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var result deepgramStreamResult
			if err := json.Unmarshal(payload, &result); err != nil {
				continue
			}
			if len(result.Channel.Alternatives) == 0 {
				continue
			}
			text := result.Channel.Alternatives[0].Transcript
			if text == "" {
				continue
			}
			if err := onTranscript(text, result.IsFinal); err != nil {
				return
			}
		}
	}()

	return frames, nil
}
