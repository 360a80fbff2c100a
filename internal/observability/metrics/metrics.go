// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "call_relay"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Call metrics
	CallsTotal   prometheus.Counter
	CallsActive  prometheus.Gauge
	CallsEnded   *prometheus.CounterVec
	CallDuration prometheus.Histogram

	// Frame metrics
	FramesReceived   prometheus.Counter
	AudioBytesIn     prometheus.Counter
	FramesSent       prometheus.Counter
	AudioBytesOut    prometheus.Counter
	MalformedFrames  prometheus.Counter
	MarksSent        prometheus.Counter
	MarksAcked       prometheus.Counter
	Truncations      prometheus.Counter
	DroppedDeltas    prometheus.Counter
	GoodbyesDetected prometheus.Counter
	ClosingTimeouts  prometheus.Counter

	// Model metrics
	ModelErrors *prometheus.CounterVec

	// Transcript metrics
	TranscriptEntries *prometheus.CounterVec
	TranscriptFlushes *prometheus.CounterVec

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// Admin gRPC metrics
	AdminRequests *prometheus.CounterVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)

// NewMetrics creates all Prometheus metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CallsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Total number of media streams accepted",
		}),
		CallsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_active",
			Help:      "Number of calls currently relayed",
		}),
		CallsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_ended_total",
			Help:      "Total number of calls closed, by ending reason",
		}, []string{"reason"}),
		CallDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Duration of relayed calls in seconds",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}),

		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Caller audio frames received from telephony",
		}),
		AudioBytesIn: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_in_total",
			Help:      "Caller audio bytes forwarded to the model",
		}),
		FramesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Assistant audio frames written to telephony",
		}),
		AudioBytesOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_out_total",
			Help:      "Assistant audio bytes written to telephony",
		}),
		MalformedFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_frames_total",
			Help:      "Telephony envelopes dropped as malformed",
		}),
		MarksSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "marks_sent_total",
			Help:      "Playback marks sent to telephony",
		}),
		MarksAcked: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "marks_acked_total",
			Help:      "Playback marks acknowledged by telephony",
		}),
		Truncations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "truncations_total",
			Help:      "Assistant responses truncated by caller interruption",
		}),
		DroppedDeltas: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_deltas_total",
			Help:      "Audio deltas discarded because their response was truncated or cancelled",
		}),
		GoodbyesDetected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "goodbyes_detected_total",
			Help:      "Caller utterances matched as a termination phrase",
		}),
		ClosingTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "closing_timeouts_total",
			Help:      "Closing utterances whose completion was not observed in time",
		}),

		ModelErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_errors_total",
			Help:      "Error events reported by the realtime model",
		}, []string{"code"}),

		TranscriptEntries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_entries_total",
			Help:      "Finalized transcript entries recorded",
		}, []string{"role"}),
		TranscriptFlushes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_flushes_total",
			Help:      "Transcript flush attempts by backend and outcome",
		}, []string{"backend", "outcome"}),

		KafkaPublishTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),
		AdminRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admin_requests_total",
			Help:      "Admin gRPC requests, by method and status code",
		}, []string{"method", "code"}),
	}
}

// RecordCallStart records a new call being accepted.
func (m *Metrics) RecordCallStart() {
	m.CallsTotal.Inc()
	m.CallsActive.Inc()
}

// RecordCallEnd records a call reaching CLOSED.
func (m *Metrics) RecordCallEnd(reason string, durationSeconds float64) {
	m.CallsActive.Dec()
	m.CallDuration.Observe(durationSeconds)
	m.CallsEnded.WithLabelValues(reason).Inc()
}

// RecordAudioIn records a caller frame forwarded to the model.
func (m *Metrics) RecordAudioIn(bytes int) {
	m.FramesReceived.Inc()
	m.AudioBytesIn.Add(float64(bytes))
}

// RecordAudioOut records an assistant frame written to telephony.
func (m *Metrics) RecordAudioOut(bytes int) {
	m.FramesSent.Inc()
	m.AudioBytesOut.Add(float64(bytes))
}

// RecordMalformedFrame records a dropped telephony envelope.
func (m *Metrics) RecordMalformedFrame() {
	m.MalformedFrames.Inc()
}

// RecordMarkSent records a playback mark written to telephony.
func (m *Metrics) RecordMarkSent() {
	m.MarksSent.Inc()
}

// RecordMarkAcked records a playback mark acknowledgement.
func (m *Metrics) RecordMarkAcked() {
	m.MarksAcked.Inc()
}

// RecordTruncation records an interrupted response.
func (m *Metrics) RecordTruncation() {
	m.Truncations.Inc()
}

// RecordDroppedDelta records an audio delta discarded after truncation.
func (m *Metrics) RecordDroppedDelta() {
	m.DroppedDeltas.Inc()
}

// RecordGoodbye records a goodbye match.
func (m *Metrics) RecordGoodbye() {
	m.GoodbyesDetected.Inc()
}

// RecordClosingTimeout records a closing utterance that never completed.
func (m *Metrics) RecordClosingTimeout() {
	m.ClosingTimeouts.Inc()
}

// RecordModelError records an error event from the model.
func (m *Metrics) RecordModelError(code string) {
	if code == "" {
		code = "unknown"
	}
	m.ModelErrors.WithLabelValues(code).Inc()
}

// RecordTranscriptEntry records a finalized transcript entry.
func (m *Metrics) RecordTranscriptEntry(role string) {
	m.TranscriptEntries.WithLabelValues(role).Inc()
}

// RecordTranscriptFlush records a transcript flush attempt.
func (m *Metrics) RecordTranscriptFlush(backend string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.TranscriptFlushes.WithLabelValues(backend, outcome).Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordAdminRequest counts one admin gRPC request.
func (m *Metrics) RecordAdminRequest(method, code string) {
	m.AdminRequests.WithLabelValues(method, code).Inc()
}
