// Package metrics exposes Prometheus metrics for the voice loop.
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
	OutcomeCompleted = "completed"
	OutcomeEmpty     = "empty"
	OutcomeCanceled  = "canceled"
	OutcomeFailed    = "failed"
)

// Recovery results.
const (
	RecoveryResumed   = "resumed"
	RecoveryAbandoned = "abandoned"
)

// Metrics holds all Prometheus metrics for the voice loop. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	TurnsTotal      *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	StageFailures   *prometheus.CounterVec
	RecoveriesTotal *prometheus.CounterVec
	SessionsTotal   *prometheus.CounterVec
	SessionState    *prometheus.GaugeVec
	NoiseBaseline   prometheus.Gauge
	PlaybackSeconds prometheus.Histogram
}

// New creates a Metrics instance with its own registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voiceloop"
	}

	registry := prometheus.NewRegistry()

	turnsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Conversation turns by outcome",
		},
		[]string{"outcome"},
	)

	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Latency of each turn stage in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"stage"},
	)

	stageFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_failures_total",
			Help:      "Failed turn stages",
		},
		[]string{"stage"},
	)

	recoveriesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recoveries_total",
			Help:      "Recovery attempts after a failed turn by result",
		},
		[]string{"result"},
	)

	sessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Session start attempts by result",
		},
		[]string{"result"},
	)

	sessionState := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "1 for the current session state, 0 otherwise",
		},
		[]string{"state"},
	)

	noiseBaseline := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "noise_baseline_rms",
			Help:      "Calibrated noise floor of the current session",
		},
	)

	playbackSeconds := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "playback_duration_seconds",
			Help:      "Time spent playing replies",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 60},
		},
	)

	registry.MustRegister(
		turnsTotal,
		stageDuration,
		stageFailures,
		recoveriesTotal,
		sessionsTotal,
		sessionState,
		noiseBaseline,
		playbackSeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Metrics{
		registry:        registry,
		TurnsTotal:      turnsTotal,
		StageDuration:   stageDuration,
		StageFailures:   stageFailures,
		RecoveriesTotal: recoveriesTotal,
		SessionsTotal:   sessionsTotal,
		SessionState:    sessionState,
		NoiseBaseline:   noiseBaseline,
		PlaybackSeconds: playbackSeconds,
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTurn records the outcome of a turn.
func (m *Metrics) RecordTurn(outcome string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(outcome).Inc()
}

// RecordStage records the latency of a successful stage.
func (m *Metrics) RecordStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordStageFailure records a failed stage.
func (m *Metrics) RecordStageFailure(stage string) {
	if m == nil {
		return
	}
	m.StageFailures.WithLabelValues(stage).Inc()
}

// RecordRecovery records whether a recovery resumed listening.
func (m *Metrics) RecordRecovery(result string) {
	if m == nil {
		return
	}
	m.RecoveriesTotal.WithLabelValues(result).Inc()
}

// RecordSessionStart records a session start attempt.
func (m *Metrics) RecordSessionStart(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.SessionsTotal.WithLabelValues(result).Inc()
}

// SetState marks current as the active state among all.
func (m *Metrics) SetState(current string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.SessionState.WithLabelValues(s).Set(v)
	}
}

// SetNoiseBaseline records the calibrated baseline.
func (m *Metrics) SetNoiseBaseline(rms float64) {
	if m == nil {
		return
	}
	m.NoiseBaseline.Set(rms)
}

// RecordPlayback records how long a reply played.
func (m *Metrics) RecordPlayback(d time.Duration) {
	if m == nil {
		return
	}
	m.PlaybackSeconds.Observe(d.Seconds())
}
