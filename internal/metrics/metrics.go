// Package metrics holds the Prometheus collectors for the interview server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Turn outcomes.
const (
	OutcomeAnswered = "answered"
	OutcomeTooShort = "too_short"
	OutcomeTimeout  = "timeout"
	OutcomeFailed   = "failed"
	OutcomeSkipped  = "skipped"
)

// Metrics is safe to use through a nil pointer; every recorder becomes a no-op.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive     prometheus.Gauge
	SessionsTotal      *prometheus.CounterVec
	TurnsTotal         *prometheus.CounterVec
	AnswerDuration     prometheus.Histogram
	SynthesisDuration  *prometheus.HistogramVec
	AudioFramesDropped *prometheus.CounterVec
	ErrorsTotal        *prometheus.CounterVec
	TTSCacheHits       prometheus.Counter
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "interview"
	}
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of connected interview sessions",
		}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Interview connections by close code",
		}, []string{"close_code"}),
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Finalized candidate turns by outcome",
		}, []string{"outcome"}),
		AnswerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "answer_processing_seconds",
			Help:      "Time spent generating the next question",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
		}),
		SynthesisDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "synthesis_seconds",
			Help:      "Text-to-speech latency",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"provider"}),
		AudioFramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_dropped_total",
			Help:      "Inbound audio frames that were not buffered",
		}, []string{"reason"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors reported to clients by kind",
		}, []string{"kind"}),
		TTSCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tts_cache_hits_total",
			Help:      "Synthesis requests served from the per-connection cache",
		}),
	}

	registry.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.TurnsTotal,
		m.AnswerDuration,
		m.SynthesisDuration,
		m.AudioFramesDropped,
		m.ErrorsTotal,
		m.TTSCacheHits,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionEnded(closeCode string) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(closeCode).Inc()
}

func (m *Metrics) Turn(outcome string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AnswerProcessed(d time.Duration) {
	if m == nil {
		return
	}
	m.AnswerDuration.Observe(d.Seconds())
}

func (m *Metrics) Synthesized(provider string, d time.Duration) {
	if m == nil {
		return
	}
	m.SynthesisDuration.WithLabelValues(provider).Observe(d.Seconds())
}

func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.AudioFramesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Error(kind string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.TTSCacheHits.Inc()
}
