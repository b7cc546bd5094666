// cmd/server wires the external collaborators (transport, agentstore,
// audiostore, metrics, config) around pkg/orchestrator's core into a
// long-running voice-dialogue server, the way the teacher's cmd/agent wires
// the same core into a local mic/speaker harness.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lokutor-ai/lokutor-orchestrator/internal/agentstore"
	"github.com/lokutor-ai/lokutor-orchestrator/internal/audiostore"
	"github.com/lokutor-ai/lokutor-orchestrator/internal/config"
	"github.com/lokutor-ai/lokutor-orchestrator/internal/corelog"
	"github.com/lokutor-ai/lokutor-orchestrator/internal/metrics"
	"github.com/lokutor-ai/lokutor-orchestrator/internal/transport"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
	llmProvider "github.com/lokutor-ai/lokutor-orchestrator/pkg/providers/llm"
	sttProvider "github.com/lokutor-ai/lokutor-orchestrator/pkg/providers/stt"
	ttsProvider "github.com/lokutor-ai/lokutor-orchestrator/pkg/providers/tts"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the server config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := corelog.New(cfg.Server.LogLevel)

	stt, err := buildSTT(cfg.Providers.STT)
	if err != nil {
		log.Fatalf("stt provider: %v", err)
	}
	llm, err := buildLLM(cfg.Providers.LLM)
	if err != nil {
		log.Fatalf("llm provider: %v", err)
	}
	tts, err := buildTTS(cfg.Providers.TTS)
	if err != nil {
		log.Fatalf("tts provider: %v", err)
	}

	registry, err := agentstore.Open(cfg.Server.AgentDBDSN)
	if err != nil {
		log.Fatalf("agentstore: %v", err)
	}
	defer registry.Close()

	oc := cfg.OrchestratorConfig()

	audio, err := audiostore.New(cfg.Server.AudioDir, oc.SampleRate)
	if err != nil {
		log.Fatalf("audiostore: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go audiostore.RunCleanupLoop(ctx, audio, config.AudioCleanupInterval, config.AudioCleanupInterval, logger)

	sessionFactory := func(sctx context.Context, sessionID string) *orchestrator.Session {
		metrics.SessionsTotal.Inc()
		metrics.SessionsActive.Inc()
		sessLogger := logger.With("session_id", sessionID)
		sess := orchestrator.NewSession(sctx, sessionID, stt, llm, tts, audio, registry, oc, sessLogger, metrics.Sink{})
		go func() {
			<-sctx.Done()
			metrics.SessionsActive.Dec()
		}()
		return sess
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", transport.NewHandler(sessionFactory, logger))
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/audio/", audioHandler(audio))
	registerAgentRoutes(mux, registry)

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: mux,
	}

	go func() {
		logger.Info("server listening", "addr", cfg.Server.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server exited", "error", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}

func buildSTT(pc config.ProviderConfig) (orchestrator.StreamingSTTProvider, error) {
	switch pc.Name {
	case "deepgram":
		key := os.Getenv("DEEPGRAM_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("DEEPGRAM_API_KEY must be set for the deepgram streaming STT provider")
		}
		return sttProvider.NewDeepgramStreamingSTT(key, 16000), nil
	case "openai":
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY must be set for the openai stt provider")
		}
		batch := sttProvider.NewOpenAISTT(key, pc.Model)
		batch.SetSampleRate(8000)
		return sttProvider.NewBatchStreamAdapter(batch, 8000, 2), nil
	case "groq":
		key := os.Getenv("GROQ_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("GROQ_API_KEY must be set for the groq stt provider")
		}
		batch := sttProvider.NewGroqSTT(key, pc.Model)
		batch.SetSampleRate(8000)
		return sttProvider.NewBatchStreamAdapter(batch, 8000, 2), nil
	case "assemblyai":
		key := os.Getenv("ASSEMBLYAI_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("ASSEMBLYAI_API_KEY must be set for the assemblyai stt provider")
		}
		batch := sttProvider.NewAssemblyAISTT(key)
		return sttProvider.NewBatchStreamAdapter(batch, 8000, 2), nil
	default:
		return nil, fmt.Errorf("unsupported stt provider %q", pc.Name)
	}
}

func buildLLM(pc config.ProviderConfig) (orchestrator.LLMProvider, error) {
	switch pc.Name {
	case "openai":
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY must be set")
		}
		return llmProvider.NewOpenAILLM(key, pc.Model), nil
	case "anthropic":
		key := os.Getenv("ANTHROPIC_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY must be set")
		}
		return llmProvider.NewAnthropicLLM(key, pc.Model), nil
	case "google":
		key := os.Getenv("GOOGLE_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("GOOGLE_API_KEY must be set")
		}
		return llmProvider.NewGoogleLLM(key, pc.Model), nil
	case "groq":
		key := os.Getenv("GROQ_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("GROQ_API_KEY must be set")
		}
		return llmProvider.NewGroqLLM(key, pc.Model), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", pc.Name)
	}
}

func buildTTS(pc config.ProviderConfig) (orchestrator.TTSProvider, error) {
	switch pc.Name {
	case "lokutor":
		key := os.Getenv("LOKUTOR_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("LOKUTOR_API_KEY must be set")
		}
		return ttsProvider.NewLokutorTTS(key), nil
	default:
		return nil, fmt.Errorf("unsupported tts provider %q", pc.Name)
	}
}

// audioHandler serves synthesized clips back out at the "/audio/<id>"
// references Session hands to clients, resolving through audiostore.Store's
// path-traversal-safe Open.
func audioHandler(store *audiostore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := store.Open(r.URL.Path)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		defer f.Close()
		w.Header().Set("Content-Type", "audio/wav")
		io.Copy(w, f)
	}
}

// registerAgentRoutes wires the CRUD surface SPEC_FULL §12 adds back from
// original_source/backend/routes/agents.py behind agentstore.Store.
func registerAgentRoutes(mux *http.ServeMux, store *agentstore.Store) {
	mux.HandleFunc("/agents", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			agents, err := store.List(r.Context())
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, agents)
		case http.MethodPost:
			var a agentstore.Agent
			if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}
			created, err := store.Create(r.Context(), a)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusCreated, created)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/agents/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/agents/"):]
		if id == "" {
			http.NotFound(w, r)
			return
		}
		switch r.Method {
		case http.MethodGet:
			a, err := store.GetAgent(r.Context(), id)
			if handleAgentstoreErr(w, err) {
				return
			}
			writeJSON(w, http.StatusOK, a)
		case http.MethodPut:
			var patch agentstore.Agent
			if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}
			updated, err := store.Update(r.Context(), id, func(a *agentstore.Agent) {
				a.Name = patch.Name
				a.SystemPrompt = patch.SystemPrompt
				a.Behavior = patch.Behavior
				a.Greeting = patch.Greeting
				a.CustomKnowledge = patch.CustomKnowledge
				a.GuardrailsEnabled = patch.GuardrailsEnabled
				a.Voice = patch.Voice
				a.Language = patch.Language
			})
			if handleAgentstoreErr(w, err) {
				return
			}
			writeJSON(w, http.StatusOK, updated)
		case http.MethodDelete:
			err := store.Delete(r.Context(), id)
			if handleAgentstoreErr(w, err) {
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

func handleAgentstoreErr(w http.ResponseWriter, err error) bool {
	if err == nil {
		return false
	}
	if err == agentstore.ErrNotFound {
		http.Error(w, err.Error(), http.StatusNotFound)
		return true
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
