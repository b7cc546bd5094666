// Package config loads server configuration from a YAML file with
// environment variable overrides for secrets, the way the teacher loads
// provider keys from .env via godotenv while the rest of the topology
// (server settings, provider names, VAD tunables) lives in a structured file.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
)

// ProviderConfig names a provider and its model, e.g. {Name: "groq", Model:
// "llama-3.3-70b-versatile"}. API keys never live here; they come from the
// environment (cmd/server's buildSTT/buildLLM/buildTTS read them).
type ProviderConfig struct {
	Name  string `yaml:"name"`
	Model string `yaml:"model"`
}

type ProvidersConfig struct {
	STT ProviderConfig `yaml:"stt"`
	LLM ProviderConfig `yaml:"llm"`
	TTS ProviderConfig `yaml:"tts"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
	AudioDir   string `yaml:"audio_dir"`
	AgentDBDSN string `yaml:"agent_db_dsn"`
}

type VADConfig struct {
	StartFrames           int `yaml:"start_frames"`
	PrefetchSilenceFrames int `yaml:"prefetch_silence_frames"`
	ConfirmSilenceFrames  int `yaml:"confirm_silence_frames"`
	MinInterruptionFrames int `yaml:"min_interruption_frames"`
	PreSpeechWindowMs     int `yaml:"pre_speech_window_ms"`
	MinWordsToInterrupt   int `yaml:"min_words_to_interrupt"`
}

// Config is the top-level server configuration document.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	VAD       VADConfig       `yaml:"vad"`
}

// Load reads the YAML config at path, then layers a .env file (if present)
// on top for secrets. Unknown YAML fields are rejected the same way
// glyphoxa's loader rejects them, to catch typos in operator-edited files.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// Not fatal: operators may rely solely on real environment
		// variables in production, as the teacher's cmd/agent does.
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Server.AudioDir == "" {
		cfg.Server.AudioDir = "./data/audio"
	}
	if cfg.Server.AgentDBDSN == "" {
		cfg.Server.AgentDBDSN = "./data/agents.db"
	}
}

// Validate checks that the decoded document is internally coherent,
// returning a joined error listing every failure found.
func Validate(cfg *Config) error {
	var errs []error
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts.name is required"))
	}
	if cfg.VAD.MinWordsToInterrupt < 0 {
		errs = append(errs, errors.New("vad.min_words_to_interrupt must be >= 0"))
	}
	return errors.Join(errs...)
}

// OrchestratorConfig merges the YAML-configured VAD tunables onto
// orchestrator.DefaultConfig, leaving every field the file doesn't mention
// at its spec-mandated default.
func (c *Config) OrchestratorConfig() orchestrator.Config {
	oc := orchestrator.DefaultConfig()
	if c.VAD.StartFrames > 0 {
		oc.StartFrames = c.VAD.StartFrames
	}
	if c.VAD.PrefetchSilenceFrames > 0 {
		oc.PrefetchSilenceFrames = c.VAD.PrefetchSilenceFrames
	}
	if c.VAD.ConfirmSilenceFrames > 0 {
		oc.ConfirmSilenceFrames = c.VAD.ConfirmSilenceFrames
	}
	if c.VAD.MinInterruptionFrames > 0 {
		oc.MinInterruptionFrames = c.VAD.MinInterruptionFrames
	}
	if c.VAD.PreSpeechWindowMs > 0 {
		oc.PreSpeechWindowMs = c.VAD.PreSpeechWindowMs
	}
	if c.VAD.MinWordsToInterrupt > 0 {
		oc.MinWordsToInterrupt = c.VAD.MinWordsToInterrupt
	}
	return oc
}

// AudioCleanupInterval is how often the audiostore sweeps expired
// artifacts. Fixed rather than configurable: nothing in the corpus exposes
// this as a tunable either.
const AudioCleanupInterval = 5 * time.Minute
