// Package metrics exposes Prometheus collectors for the voice runtime.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nexus"

var (
	chatRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chat_request_duration_seconds",
			Help:      "Duration of chat completion requests in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"model"},
	)

	chatRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_requests_total",
			Help:      "Chat completion requests by model and outcome",
		},
		[]string{"model", "status"}, // status: success, error
	)

	chatExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_backends_exhausted_total",
			Help:      "Turns where every backend model failed",
		},
	)

	toolCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Duration of tool calls in seconds",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"tool"},
	)

	toolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls by tool and outcome",
		},
		[]string{"tool", "status"},
	)

	liveSessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_sessions_active",
			Help:      "Open streaming sessions",
		},
	)

	liveChunksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_audio_chunks_total",
			Help:      "Audio chunks exchanged with the streaming provider",
		},
		[]string{"direction"}, // in, out
	)

	liveInterruptionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_interruptions_total",
			Help:      "Server-signalled playback interruptions",
		},
	)

	voiceTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_mode_transitions_total",
			Help:      "Voice state machine transitions by target mode",
		},
		[]string{"mode"},
	)

	voiceDiscardedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_results_discarded_total",
			Help:      "Recognition results dropped while the assistant was speaking",
		},
	)

	allMetrics = []prometheus.Collector{
		chatRequestDuration,
		chatRequestsTotal,
		chatExhaustedTotal,
		toolCallDuration,
		toolCallsTotal,
		liveSessionsActive,
		liveChunksTotal,
		liveInterruptionsTotal,
		voiceTransitionsTotal,
		voiceDiscardedTotal,
	}

	regOnce  sync.Once
	registry *prometheus.Registry
)

// Registry returns the process registry holding every runtime collector plus
// Go and process collectors.
func Registry() *prometheus.Registry {
	regOnce.Do(func() {
		registry = prometheus.NewRegistry()
		for _, c := range allMetrics {
			registry.MustRegister(c)
		}
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
	return registry
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry(), promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func RecordChatRequest(model, status string, durationSeconds float64) {
	chatRequestDuration.WithLabelValues(model).Observe(durationSeconds)
	chatRequestsTotal.WithLabelValues(model, status).Inc()
}

func RecordBackendsExhausted() { chatExhaustedTotal.Inc() }

func RecordToolCall(tool, status string, durationSeconds float64) {
	toolCallDuration.WithLabelValues(tool).Observe(durationSeconds)
	toolCallsTotal.WithLabelValues(tool, status).Inc()
}

func LiveSessionOpened() { liveSessionsActive.Inc() }
func LiveSessionClosed() { liveSessionsActive.Dec() }

// RecordLiveChunk counts one audio chunk; direction is "in" or "out".
func RecordLiveChunk(direction string) { liveChunksTotal.WithLabelValues(direction).Inc() }

func RecordInterruption() { liveInterruptionsTotal.Inc() }

func RecordVoiceTransition(mode string) { voiceTransitionsTotal.WithLabelValues(mode).Inc() }

func RecordDiscardedResult() { voiceDiscardedTotal.Inc() }
