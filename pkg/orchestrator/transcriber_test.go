package orchestrator

import (
	"context"
	"testing"
	"time"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.STTFinalizeTimeout = 20 * time.Millisecond
	cfg.STTKeepAliveInterval = time.Hour // keep-alive shouldn't fire during these tests
	return cfg
}

func TestStreamingTranscriberCommitsInterimThenFinal(t *testing.T) {
	stt := &mockStreamingSTT{name: "mock-stt"}
	tr := NewStreamingTranscriber(stt, fastConfig(), nil)
	defer tr.Close()

	if err := tr.Open(context.Background(), LanguageEn, 1); err != nil {
		t.Fatalf("Open: %v", err)
	}

	stt.EmitInterim("hel")
	if got := tr.Snapshot(); got != "hel" {
		t.Fatalf("expected interim snapshot 'hel', got %q", got)
	}
	<-tr.Events() // drain the interim event so the next read sees the final

	stt.EmitFinal("hello")
	// the mock drives onTranscript synchronously, so the ConfirmedFinal
	// event is already queued on Events().
	select {
	case ev := <-tr.Events():
		if ev.Kind != ConfirmedFinal || ev.Text != "hello" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ConfirmedFinal event")
	}

	if got := tr.Snapshot(); got != "hello" {
		t.Fatalf("expected committed snapshot 'hello', got %q", got)
	}
}

func TestStreamingTranscriberSnapshotCombinesCommittedAndInterim(t *testing.T) {
	stt := &mockStreamingSTT{name: "mock-stt"}
	tr := NewStreamingTranscriber(stt, fastConfig(), nil)
	defer tr.Close()

	if err := tr.Open(context.Background(), LanguageEn, 1); err != nil {
		t.Fatalf("Open: %v", err)
	}

	stt.EmitFinal("hello there")
	<-tr.Events()
	stt.EmitInterim("how are")

	if got := tr.Snapshot(); got != "hello there how are" {
		t.Fatalf("unexpected combined snapshot: %q", got)
	}
}

func TestStreamingTranscriberFinalizeFallsBackToSnapshotOnTimeout(t *testing.T) {
	stt := &mockStreamingSTT{name: "mock-stt"}
	tr := NewStreamingTranscriber(stt, fastConfig(), nil)
	defer tr.Close()

	if err := tr.Open(context.Background(), LanguageEn, 1); err != nil {
		t.Fatalf("Open: %v", err)
	}

	stt.EmitInterim("partial text")
	<-tr.Events() // drain the interim event so Finalize's select has nothing buffered and must wait out the timer

	start := time.Now()
	got := tr.Finalize(context.Background())
	if time.Since(start) < fastConfig().STTFinalizeTimeout {
		t.Fatal("expected Finalize to wait out the timeout before falling back")
	}
	if got != "partial text" {
		t.Fatalf("expected fallback to interim snapshot, got %q", got)
	}
}

func TestStreamingTranscriberOpenPropagatesProviderError(t *testing.T) {
	stt := &mockStreamingSTT{name: "mock-stt", openErr: errDummy}
	tr := NewStreamingTranscriber(stt, fastConfig(), nil)
	defer tr.Close()

	if err := tr.Open(context.Background(), LanguageEn, 1); err == nil {
		t.Fatal("expected Open to propagate the provider's error")
	}
}

func TestStreamingTranscriberPushForwardsFrames(t *testing.T) {
	stt := &mockStreamingSTT{name: "mock-stt"}
	tr := NewStreamingTranscriber(stt, fastConfig(), nil)
	defer tr.Close()

	if err := tr.Open(context.Background(), LanguageEn, 1); err != nil {
		t.Fatalf("Open: %v", err)
	}

	tr.Push([]byte{1, 2, 3})
	tr.Push([]byte{4, 5, 6})

	deadline := time.Now().Add(time.Second)
	for {
		stt.mu.Lock()
		n := len(stt.pushed)
		stt.mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 frames pushed to the provider, got %d", n)
		}
		time.Sleep(time.Millisecond)
	}
}
