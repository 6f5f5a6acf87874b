// Package observability exposes Prometheus instruments for the media
// gateway.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	activeStreams       prometheus.Gauge
	streamEvents        *prometheus.CounterVec
	utterancesFinalized prometheus.Counter
	utteranceChunks     prometheus.Histogram
	bargeIns            prometheus.Counter
	playbacks           prometheus.Counter
	pipelineFailures    prometheus.Counter
	mediaFramesSent     prometheus.Counter
}

// NewMetrics registers all instruments on reg under the given namespace.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		activeStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Number of active media streams.",
		}),
		streamEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Inbound stream events by type.",
		}, []string{"event"}),
		utterancesFinalized: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_finalized_total",
			Help:      "Utterances handed to the processing pipeline.",
		}),
		utteranceChunks: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "utterance_chunks",
			Help:      "Audio chunks per finalized utterance.",
			Buckets:   []float64{50, 100, 200, 400, 800, 1600},
		}),
		bargeIns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Barge-in declarations during assistant playback.",
		}),
		playbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playbacks_total",
			Help:      "Playback attempts started.",
		}),
		pipelineFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_failures_total",
			Help:      "Utterance pipeline calls that returned an error.",
		}),
		mediaFramesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_frames_sent_total",
			Help:      "Outbound audio frames written to the transport.",
		}),
	}
}

// StreamOpened records a new active stream.
func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.activeStreams.Inc()
}

// StreamClosed records a stream teardown.
func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.activeStreams.Dec()
}

// StreamEvent counts one inbound event by type.
func (m *Metrics) StreamEvent(event string) {
	if m == nil {
		return
	}
	m.streamEvents.WithLabelValues(event).Inc()
}

// UtteranceFinalized records an utterance handoff and its chunk count.
func (m *Metrics) UtteranceFinalized(chunks int) {
	if m == nil {
		return
	}
	m.utterancesFinalized.Inc()
	m.utteranceChunks.Observe(float64(chunks))
}

// BargeIn counts a barge-in declaration.
func (m *Metrics) BargeIn() {
	if m == nil {
		return
	}
	m.bargeIns.Inc()
}

// PlaybackStarted counts a playback attempt.
func (m *Metrics) PlaybackStarted() {
	if m == nil {
		return
	}
	m.playbacks.Inc()
}

// PipelineFailure counts a failed utterance pipeline call.
func (m *Metrics) PipelineFailure() {
	if m == nil {
		return
	}
	m.pipelineFailures.Inc()
}

// MediaFrameSent counts one outbound audio frame.
func (m *Metrics) MediaFrameSent() {
	if m == nil {
		return
	}
	m.mediaFramesSent.Inc()
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
