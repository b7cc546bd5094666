package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/joho/godotenv"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
	llmProvider "github.com/lokutor-ai/lokutor-orchestrator/pkg/providers/llm"
	sttProvider "github.com/lokutor-ai/lokutor-orchestrator/pkg/providers/stt"
	ttsProvider "github.com/lokutor-ai/lokutor-orchestrator/pkg/providers/tts"
)

// SampleRate/Channels drive both the malgo device and orchestrator.Config;
// the spec's frame math assumes mono 16-bit PCM at whatever rate is
// configured here.
const (
	SampleRate = 16000
	Channels   = 1
)

// waitForPlaybackDrain polls the shared playback buffer until the speaker
// callback has consumed everything queued for this turn, then runs done.
// The malgo callback has no completion signal of its own, so this is the
// harness's stand-in for the client's real audio_playback_complete message
// (spec §6) — a full transport would fire that the moment its player
// reports empty, not by polling a byte slice.
func waitForPlaybackDrain(mu *sync.Mutex, buf *[]byte, done func()) {
	for {
		mu.Lock()
		empty := len(*buf) == 0
		mu.Unlock()
		if empty {
			done()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// localAgentRegistry satisfies orchestrator.AgentRegistry with the single
// agent this manual harness talks to, built from flags/env instead of a
// persisted store.
type localAgentRegistry struct {
	agent *orchestrator.AgentConfig
}

func (r *localAgentRegistry) Get(ctx context.Context, agentID string) (*orchestrator.AgentConfig, error) {
	return r.agent, nil
}

// memoryAudioStore keeps synthesized audio in memory keyed by ref, so this
// local harness can fetch it straight back out for playback instead of
// serving it over HTTP the way a real client/transport pair would.
type memoryAudioStore struct {
	mu    sync.Mutex
	next  int
	clips map[string][]byte
}

func newMemoryAudioStore() *memoryAudioStore {
	return &memoryAudioStore{clips: make(map[string][]byte)}
}

func (s *memoryAudioStore) Put(ctx context.Context, audio []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	ref := fmt.Sprintf("local://%d", s.next)
	s.clips[ref] = audio
	return ref, nil
}

func (s *memoryAudioStore) Take(ref string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	audio := s.clips[ref]
	delete(s.clips, ref)
	return audio
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, using system environment variables")
	}

	groqKey := os.Getenv("GROQ_API_KEY")
	openaiKey := os.Getenv("OPENAI_API_KEY")
	anthropicKey := os.Getenv("ANTHROPIC_API_KEY")
	googleKey := os.Getenv("GOOGLE_API_KEY")
	deepgramKey := os.Getenv("DEEPGRAM_API_KEY")
	lokutorKey := os.Getenv("LOKUTOR_API_KEY")

	llmProviderName := os.Getenv("LLM_PROVIDER")
	if llmProviderName == "" {
		llmProviderName = "groq"
	}

	lang := orchestrator.Language(os.Getenv("AGENT_LANGUAGE"))
	if lang == "" {
		lang = orchestrator.LanguageEn
	}

	if lokutorKey == "" {
		log.Fatal("Error: LOKUTOR_API_KEY must be set.")
	}
	if deepgramKey == "" {
		log.Fatal("Error: DEEPGRAM_API_KEY must be set (this harness requires a live streaming STT)")
	}

	stt := sttProvider.NewDeepgramStreamingSTT(deepgramKey, SampleRate)

	var llm orchestrator.LLMProvider
	switch llmProviderName {
	case "openai":
		if openaiKey == "" {
			log.Fatal("Error: OPENAI_API_KEY must be set for openai LLM")
		}
		llm = llmProvider.NewOpenAILLM(openaiKey, "gpt-4o")
	case "anthropic":
		if anthropicKey == "" {
			log.Fatal("Error: ANTHROPIC_API_KEY must be set for anthropic LLM")
		}
		llm = llmProvider.NewAnthropicLLM(anthropicKey, "claude-3-5-sonnet-20241022")
	case "google":
		if googleKey == "" {
			log.Fatal("Error: GOOGLE_API_KEY must be set for google LLM")
		}
		llm = llmProvider.NewGoogleLLM(googleKey, "gemini-1.5-flash")
	case "groq":
		fallthrough
	default:
		if groqKey == "" {
			log.Fatal("Error: GROQ_API_KEY must be set for groq LLM")
		}
		llm = llmProvider.NewGroqLLM(groqKey, "llama-3.3-70b-versatile")
	}

	tts := ttsProvider.NewLokutorTTS(lokutorKey)

	fmt.Printf("Configured: STT=deepgram-streaming | LLM=%s | TTS=lokutor\n", llmProviderName)
	fmt.Printf("Sample Rate: %dHz | Language: %s\n", SampleRate, lang)
	fmt.Println("Voice agent started. Listening to the microphone...")
	fmt.Println("Press Ctrl+C to exit.")

	systemPrompt := "You are a helpful and concise voice assistant. Use short sentences suitable for speech."
	greeting := "Hi there, how can I help you today?"
	if lang == orchestrator.LanguageEs {
		systemPrompt = "Eres un asistente de voz útil y conciso. Usa frases cortas adecuadas para el habla."
		greeting = "Hola, ¿en qué puedo ayudarte hoy?"
	}

	cfg := orchestrator.DefaultConfig()
	cfg.SampleRate = SampleRate
	cfg.Channels = Channels
	cfg.Language = lang

	registry := &localAgentRegistry{agent: &orchestrator.AgentConfig{
		ID:           "local-mic-harness",
		SystemPrompt: systemPrompt,
		Behavior:     orchestrator.BehaviorConcise,
		Greeting:     greeting,
		Voice:        cfg.VoiceStyle,
		Language:     lang,
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	audioStore := newMemoryAudioStore()
	sess := orchestrator.NewSession(ctx, "local-mic-session", stt, llm, tts, audioStore, registry, cfg, nil, nil)
	defer sess.Close()

	if err := sess.HandleInbound(ctx, orchestrator.InboundEvent{Type: orchestrator.InAgentConfig, AgentID: registry.agent.ID}); err != nil {
		log.Fatalf("failed to load agent: %v", err)
	}
	if err := sess.HandleInbound(ctx, orchestrator.InboundEvent{Type: orchestrator.InCallStarted}); err != nil {
		log.Printf("greeting failed: %v", err)
	}

	// Audio engine: one duplex malgo device, capture frames fed straight
	// into the session and synthesized audio copied out to playback as it
	// arrives on the session's event channel.
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		log.Fatal(err)
	}
	defer mctx.Uninit()

	var playbackMu sync.Mutex
	var playbackBytes []byte

	var rmsMu sync.Mutex
	lastRMS := 0.0

	onSamples := func(pOutput, pInput []byte, frameCount uint32) {
		if pInput != nil {
			var sum float64
			for i := 0; i < len(pInput)-1; i += 2 {
				sample := int16(pInput[i]) | (int16(pInput[i+1]) << 8)
				f := float64(sample) / 32768.0
				sum += f * f
			}
			rms := math.Sqrt(sum / float64(len(pInput)/2))
			rmsMu.Lock()
			lastRMS = rms
			rmsMu.Unlock()

			pcm := make([]byte, len(pInput))
			copy(pcm, pInput)
			sess.HandleInbound(ctx, orchestrator.InboundEvent{Type: orchestrator.InPcmBytes, Pcm: pcm})
		}
		if pOutput != nil {
			playbackMu.Lock()
			n := copy(pOutput, playbackBytes)
			playbackBytes = playbackBytes[n:]
			if n < len(pOutput) {
				for i := n; i < len(pOutput); i++ {
					pOutput[i] = 0
				}
			}
			playbackMu.Unlock()
		}
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Duplex)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = Channels
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = Channels
	deviceConfig.SampleRate = SampleRate
	deviceConfig.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onSamples})
	if err != nil {
		log.Fatal(err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		log.Fatal(err)
	}

	go func() {
		for {
			rmsMu.Lock()
			level := lastRMS
			rmsMu.Unlock()

			dots := int(level * 500)
			if dots > 40 {
				dots = 40
			}
			meter := ""
			for i := 0; i < dots; i++ {
				meter += "|"
			}
			fmt.Printf("\r[MIC ENERGY: %-40s] RMS: %.5f", meter, level)
			time.Sleep(100 * time.Millisecond)
		}
	}()

	go func() {
		for ev := range sess.Events() {
			switch ev.Type {
			case orchestrator.EvSpeechStart:
				fmt.Printf("\r\033[K[user] speaking...\n")
			case orchestrator.EvSpeechEnd:
				fmt.Printf("\r\033[K[stt] processing...\n")
			case orchestrator.EvUserTranscript:
				fmt.Printf("\r\033[K[transcript] %s\n", ev.Text)
			case orchestrator.EvStreamStart:
				fmt.Printf("\r\033[K[llm] responding...\n")
			case orchestrator.EvTextChunk:
				fmt.Print(ev.Text)
			case orchestrator.EvAudioChunk:
				clip := audioStore.Take(ev.AudioURL)
				playbackMu.Lock()
				playbackBytes = append(playbackBytes, clip...)
				playbackMu.Unlock()
			case orchestrator.EvStreamComplete:
				fmt.Println()
				go waitForPlaybackDrain(&playbackMu, &playbackBytes, func() {
					sess.HandleInbound(ctx, orchestrator.InboundEvent{Type: orchestrator.InAudioPlaybackComplete})
				})
			case orchestrator.EvStopAudioImmediately:
				fmt.Printf("\r\033[K[interrupted] stopping playback.\n")
				playbackMu.Lock()
				playbackBytes = nil
				playbackMu.Unlock()
			case orchestrator.EvUserInterruption:
				fmt.Printf("\r\033[K[interrupted] user started talking.\n")
			case orchestrator.EvAgentGreeting:
				fmt.Printf("\r\033[K[agent] %s\n", ev.Text)
			case orchestrator.EvGreetingAudio:
				clip := audioStore.Take(ev.AudioURL)
				playbackMu.Lock()
				playbackBytes = append(playbackBytes, clip...)
				playbackMu.Unlock()
			case orchestrator.EvError:
				fmt.Printf("\r\033[K[error] %s\n", ev.Message)
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Printf("\nShutting down...\n")
}
