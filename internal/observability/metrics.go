// Package observability exposes recorder metrics for Prometheus.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go-meeting-autorecorder/internal/core/domain"
	"go-meeting-autorecorder/internal/core/ports"
)

// RecorderMetrics counts session lifecycle, detector and encoder events.
type RecorderMetrics struct {
	registry *prometheus.Registry

	transitionsTotal  *prometheus.CounterVec
	activeSessions    *prometheus.GaugeVec
	failuresTotal     *prometheus.CounterVec
	votesTotal        *prometheus.CounterVec
	detectorErrors    *prometheus.CounterVec
	encoderExits      *prometheus.CounterVec
	recordingDuration *prometheus.HistogramVec
}

var _ ports.Metrics = (*RecorderMetrics)(nil)

// NewRecorderMetrics creates the collectors and registers them. A nil
// registry gets a fresh one.
func NewRecorderMetrics(registry *prometheus.Registry) (*RecorderMetrics, error) {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := &RecorderMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *RecorderMetrics) initMetrics() {
	m.transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recorder_session_transitions_total",
			Help: "Session state transitions",
		},
		[]string{"from", "to"},
	)

	m.activeSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "recorder_sessions",
			Help: "Sessions currently in each non-terminal state",
		},
		[]string{"state"},
	)

	m.failuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recorder_session_failures_total",
			Help: "Failed sessions by reason code",
		},
		[]string{"code"},
	)

	m.votesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recorder_detector_votes_total",
			Help: "Detector votes by verdict",
		},
		[]string{"detector", "verdict"},
	)

	m.detectorErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recorder_detector_errors_total",
			Help: "Detector samples that failed or timed out",
		},
		[]string{"detector"},
	)

	m.encoderExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recorder_encoder_exits_total",
			Help: "Encoder processes by final state and whether shutdown had to escalate",
		},
		[]string{"state", "forced"},
	)

	m.recordingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recorder_recording_duration_seconds",
			Help:    "Recorded wall time by stop reason",
			Buckets: prometheus.ExponentialBuckets(60, 2, 10), // 1m to ~8.5h
		},
		[]string{"reason"},
	)
}

func (m *RecorderMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.transitionsTotal.Describe(ch)
	m.activeSessions.Describe(ch)
	m.failuresTotal.Describe(ch)
	m.votesTotal.Describe(ch)
	m.detectorErrors.Describe(ch)
	m.encoderExits.Describe(ch)
	m.recordingDuration.Describe(ch)
}

func (m *RecorderMetrics) Collect(ch chan<- prometheus.Metric) {
	m.transitionsTotal.Collect(ch)
	m.activeSessions.Collect(ch)
	m.failuresTotal.Collect(ch)
	m.votesTotal.Collect(ch)
	m.detectorErrors.Collect(ch)
	m.encoderExits.Collect(ch)
	m.recordingDuration.Collect(ch)
}

func (m *RecorderMetrics) SessionTransition(from, to domain.SessionState) {
	m.transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	if from != "" && !from.Terminal() {
		m.activeSessions.WithLabelValues(string(from)).Dec()
	}
	if !to.Terminal() {
		m.activeSessions.WithLabelValues(string(to)).Inc()
	}
}

func (m *RecorderMetrics) SessionFailed(code domain.ReasonCode) {
	m.failuresTotal.WithLabelValues(string(code)).Inc()
}

func (m *RecorderMetrics) DetectorVote(vote domain.DetectionVote) {
	if vote.Errored() {
		m.detectorErrors.WithLabelValues(string(vote.Detector)).Inc()
	}
	m.votesTotal.WithLabelValues(string(vote.Detector), string(vote.Verdict)).Inc()
}

func (m *RecorderMetrics) EncoderFinished(state domain.EncoderState, forced bool) {
	f := "false"
	if forced {
		f = "true"
	}
	m.encoderExits.WithLabelValues(string(state), f).Inc()
}

func (m *RecorderMetrics) RecordingFinished(reason domain.StopReason, d time.Duration) {
	m.recordingDuration.WithLabelValues(string(reason)).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *RecorderMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
