package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"
)

// StreamingTranscriber wraps a StreamingSTTProvider and owns the
// committed/interim transcript buffer for one user turn (spec §4.C). It
// never calls back into the controller directly; instead it publishes
// Transcript envelopes on a channel the controller selects on, keeping
// ownership of state machine decisions entirely in TurnController per the
// design notes.
type StreamingTranscriber struct {
	provider StreamingSTTProvider
	cfg      Config
	logger   Logger

	mu        sync.Mutex
	committed strings.Builder
	interim   string
	sttChan   chan<- []byte

	events chan Transcript

	cancelKeepAlive context.CancelFunc
	closeOnce       sync.Once
}

// NewStreamingTranscriber does not open the provider connection; call Open.
func NewStreamingTranscriber(provider StreamingSTTProvider, cfg Config, logger Logger) *StreamingTranscriber {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &StreamingTranscriber{
		provider: provider,
		cfg:      cfg,
		logger:   logger,
		events:   make(chan Transcript, 32),
	}
}

// Events returns the channel of Interim/ConfirmedFinal transcripts. Closed
// when Close is called.
func (t *StreamingTranscriber) Events() <-chan Transcript {
	return t.events
}

// Open starts the provider stream and the keep-alive loop. turnID is
// stamped on every Transcript this instance emits for the lifetime of the
// stream, so a controller that opened a new turn can recognize and drop
// events from a transcriber it already abandoned.
func (t *StreamingTranscriber) Open(ctx context.Context, lang Language, turnID uint64) error {
	sttChan, err := t.provider.StreamTranscribe(ctx, lang, func(transcript string, isFinal bool) error {
		t.onTranscript(transcript, isFinal, turnID)
		return nil
	})
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.sttChan = sttChan
	t.mu.Unlock()

	kaCtx, kaCancel := context.WithCancel(ctx)
	t.cancelKeepAlive = kaCancel
	go t.keepAliveLoop(kaCtx)

	return nil
}

func (t *StreamingTranscriber) onTranscript(transcript string, isFinal bool, turnID uint64) {
	t.mu.Lock()
	if isFinal {
		if t.committed.Len() > 0 {
			t.committed.WriteByte(' ')
		}
		t.committed.WriteString(transcript)
		t.interim = ""
	} else {
		t.interim = transcript
	}
	t.mu.Unlock()

	kind := Interim
	if isFinal {
		kind = ConfirmedFinal
	}
	ev := Transcript{Text: transcript, Kind: kind, TurnID: turnID, Timestamp: time.Now()}
	select {
	case t.events <- ev:
	default:
		t.logger.Warn("transcript event dropped, channel full")
	}
}

// Push forwards one raw PCM frame to the open provider stream.
func (t *StreamingTranscriber) Push(frame []byte) {
	t.mu.Lock()
	ch := t.sttChan
	t.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- frame:
	default:
		t.logger.Warn("stt push dropped, provider channel full")
	}
}

// Snapshot returns the committed transcript plus the current interim tail,
// used to build a speculative_final transcript at PrefetchTick (spec §4.D).
func (t *StreamingTranscriber) Snapshot() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.interim == "" {
		return t.committed.String()
	}
	if t.committed.Len() == 0 {
		return t.interim
	}
	return t.committed.String() + " " + t.interim
}

// Finalize waits up to cfg.STTFinalizeTimeout for a ConfirmedFinal event,
// then returns Snapshot(). It reads from Events() itself and discards any
// Interim events it receives while waiting, so a caller that also reads
// Events() concurrently may see the ConfirmedFinal or may lose it to
// Finalize, whichever reader receives it first.
func (t *StreamingTranscriber) Finalize(ctx context.Context) string {
	deadline := time.NewTimer(t.cfg.STTFinalizeTimeout)
	defer deadline.Stop()
	for {
		select {
		case ev, ok := <-t.events:
			if !ok || ev.Kind == ConfirmedFinal {
				return t.Snapshot()
			}
		case <-deadline.C:
			return t.Snapshot()
		case <-ctx.Done():
			return t.Snapshot()
		}
	}
}

func (t *StreamingTranscriber) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.STTKeepAliveInterval)
	defer ticker.Stop()
	silence := make([]byte, t.cfg.STTKeepAliveSilenceMs*t.cfg.SampleRate/1000*t.cfg.BytesPerSamp)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Push(silence)
		}
	}
}

// Close stops the keep-alive loop and closes the event channel. Idempotent.
func (t *StreamingTranscriber) Close() {
	t.closeOnce.Do(func() {
		if t.cancelKeepAlive != nil {
			t.cancelKeepAlive()
		}
		close(t.events)
	})
}
