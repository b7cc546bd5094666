package config

import (
	"strings"
	"testing"
)

func TestLoadFromReader(t *testing.T) {
	doc := `
server:
  listen_addr: ":9090"
providers:
  stt:
    name: groq
    model: whisper-large-v3-turbo
  llm:
    name: openai
    model: gpt-4o
  tts:
    name: lokutor
vad:
  min_words_to_interrupt: 2
`
	cfg, err := LoadFromReader(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != "info" {
		t.Errorf("expected default log level info, got %s", cfg.Server.LogLevel)
	}
	if cfg.Providers.LLM.Name != "openai" {
		t.Errorf("expected openai, got %s", cfg.Providers.LLM.Name)
	}

	oc := cfg.OrchestratorConfig()
	if oc.MinWordsToInterrupt != 2 {
		t.Errorf("expected 2, got %d", oc.MinWordsToInterrupt)
	}
	if oc.ConfirmSilenceFrames != 27 {
		t.Errorf("expected default 27, got %d", oc.ConfirmSilenceFrames)
	}
}

func TestLoadFromReaderMissingProvider(t *testing.T) {
	doc := `
providers:
  llm:
    name: openai
`
	_, err := LoadFromReader(strings.NewReader(doc))
	if err == nil {
		t.Fatal("expected error for missing stt/tts providers")
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	doc := `
bogus_field: true
`
	_, err := LoadFromReader(strings.NewReader(doc))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}
