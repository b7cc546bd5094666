// Package metrics exposes Prometheus counters/histograms for per-session
// latency and turn statistics, registered at package init the way the
// asr-llm-tts gateway wires its pipeline metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lokutor_sessions_active",
		Help: "Currently active voice sessions",
	})

	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lokutor_sessions_total",
		Help: "Total voice sessions opened",
	})

	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lokutor_turns_total",
		Help: "Total conversational turns by outcome",
	}, []string{"outcome"}) // outcome: completed, interrupted

	TurnLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lokutor_turn_latency_seconds",
		Help:    "Latency from speech_end to the stream_start of the reply",
		Buckets: []float64{0.1, 0.2, 0.3, 0.5, 0.8, 1.0, 1.5, 2.0, 3.0},
	})

	SpeculationOutcome = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lokutor_speculation_outcome_total",
		Help: "Speculative generation outcomes",
	}, []string{"outcome"}) // outcome: promoted, mismatched, not_attempted

	BargeIns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lokutor_barge_ins_total",
		Help: "Barge-ins and client interrupts that stopped agent output",
	})

	STTErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lokutor_stt_errors_total",
		Help: "STT provider errors by provider name",
	}, []string{"provider"})

	LLMErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lokutor_llm_errors_total",
		Help: "LLM provider errors by provider name",
	}, []string{"provider"})

	TTSErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lokutor_tts_errors_total",
		Help: "TTS provider errors by provider name",
	}, []string{"provider"})

	AudioArtifactsStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lokutor_audio_artifacts_stored_total",
		Help: "Synthesized audio artifacts written to the audio store",
	})

	AudioArtifactsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lokutor_audio_artifacts_expired_total",
		Help: "Audio artifacts removed by the TTL cleanup sweep",
	})
)

// Sink implements orchestrator.MetricsSink by forwarding to the package
// vars above. It is the transport layer's job to inject this into a
// Session — pkg/orchestrator itself only ever sees the interface, never
// this concrete type (spec §6/§9).
type Sink struct{}

func (Sink) IncTurn(outcome string) {
	TurnsTotal.WithLabelValues(outcome).Inc()
}

func (Sink) IncSpeculation(outcome string) {
	SpeculationOutcome.WithLabelValues(outcome).Inc()
}

func (Sink) IncBargeIn() {
	BargeIns.Inc()
}

func (Sink) IncProviderError(kind, provider string) {
	switch kind {
	case "stt":
		STTErrors.WithLabelValues(provider).Inc()
	case "llm":
		LLMErrors.WithLabelValues(provider).Inc()
	case "tts":
		TTSErrors.WithLabelValues(provider).Inc()
	}
}

func (Sink) ObserveTurnLatency(seconds float64) {
	TurnLatency.Observe(seconds)
}
