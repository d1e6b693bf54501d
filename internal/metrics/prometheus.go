package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the recorder. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Session metrics
	RecordingActive    prometheus.Gauge
	SessionsStarted    prometheus.Counter
	SessionsCompleted  prometheus.Counter
	SessionsFailed     *prometheus.CounterVec
	CaptureUnavailable prometheus.Counter
	SessionDuration    prometheus.Histogram
	DiscardedBytes     prometheus.Counter
	TeardownErrors     prometheus.Counter

	// Capture metrics
	ChunksReceived prometheus.Counter
	BytesReceived  prometheus.Counter
	LateChunks     prometheus.Counter

	// Output metrics
	WAVSize prometheus.Histogram

	// UDP capture metrics
	PacketsReceived prometheus.Counter
	ParseErrors     prometheus.Counter
	PacketsLost     prometheus.Counter

	// Sink metrics
	SinkDeliveries      *prometheus.CounterVec
	SinkDeliveryLatency *prometheus.HistogramVec
	SinkRetries         *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all recorder metrics and registers them on reg.
// Passing nil uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		// Session metrics
		RecordingActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "recorder_recording_active",
			Help: "1 while a recording session is in progress",
		}),
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "recorder_sessions_started_total",
			Help: "Total number of recording sessions started",
		}),
		SessionsCompleted: f.NewCounter(prometheus.CounterOpts{
			Name: "recorder_sessions_completed_total",
			Help: "Total number of recording sessions that produced a WAV file",
		}),
		SessionsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_sessions_failed_total",
			Help: "Total number of recording sessions that ended with an error",
		}, []string{"reason"}),
		CaptureUnavailable: f.NewCounter(prometheus.CounterOpts{
			Name: "recorder_capture_unavailable_total",
			Help: "Total number of start attempts where the capture device could not be opened",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "recorder_session_duration_seconds",
			Help:    "Wall-clock duration of recording sessions",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17 minutes
		}),
		DiscardedBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "recorder_discarded_bytes_total",
			Help: "Total payload bytes discarded from failed sessions",
		}),
		TeardownErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "recorder_teardown_errors_total",
			Help: "Total number of errors releasing a capture device",
		}),

		// Capture metrics
		ChunksReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "recorder_chunks_received_total",
			Help: "Total number of audio chunks accepted by the aggregator",
		}),
		BytesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "recorder_bytes_received_total",
			Help: "Total number of PCM bytes accepted by the aggregator",
		}),
		LateChunks: f.NewCounter(prometheus.CounterOpts{
			Name: "recorder_late_chunks_total",
			Help: "Total number of chunks delivered by a device after end of stream",
		}),

		WAVSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "recorder_wav_size_bytes",
			Help:    "Size of produced WAV files in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 12), // 1KB to ~4GB
		}),

		// UDP capture metrics
		PacketsReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "recorder_udp_packets_received_total",
			Help: "Total number of UDP packets received by the network capture backend",
		}),
		ParseErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "recorder_udp_parse_errors_total",
			Help: "Total number of UDP packet parsing errors",
		}),
		PacketsLost: f.NewCounter(prometheus.CounterOpts{
			Name: "recorder_udp_packets_lost_total",
			Help: "Total number of audio packets skipped by the jitter buffer",
		}),

		// Sink metrics
		SinkDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_sink_deliveries_total",
			Help: "Total number of recording deliveries per sink and outcome",
		}, []string{"sink", "outcome"}),
		SinkDeliveryLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recorder_sink_delivery_duration_seconds",
			Help:    "Duration of sink deliveries",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		}, []string{"sink"}),
		SinkRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_sink_retries_total",
			Help: "Total number of sink delivery retries",
		}, []string{"sink"}),

		// HTTP API metrics
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recorder_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordSessionStarted increments the sessions started counter
func (m *Metrics) RecordSessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.RecordingActive.Set(1)
}

// RecordCaptureUnavailable counts a start attempt that could not open the device
func (m *Metrics) RecordCaptureUnavailable() {
	if m == nil {
		return
	}
	m.CaptureUnavailable.Inc()
}

// RecordSessionCompleted records a session that produced a WAV file
func (m *Metrics) RecordSessionCompleted(durationSeconds float64, wavBytes int64) {
	if m == nil {
		return
	}
	m.SessionsCompleted.Inc()
	m.SessionDuration.Observe(durationSeconds)
	m.WAVSize.Observe(float64(wavBytes))
	m.RecordingActive.Set(0)
}

// RecordSessionFailed records a session that ended with an error
func (m *Metrics) RecordSessionFailed(reason string, durationSeconds float64, discardedBytes uint64) {
	if m == nil {
		return
	}
	m.SessionsFailed.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(durationSeconds)
	m.DiscardedBytes.Add(float64(discardedBytes))
	m.RecordingActive.Set(0)
}

// RecordTeardownError increments the device release error counter
func (m *Metrics) RecordTeardownError() {
	if m == nil {
		return
	}
	m.TeardownErrors.Inc()
}

// RecordChunks adds the chunks and bytes a session accepted
func (m *Metrics) RecordChunks(chunks, bytes uint64) {
	if m == nil {
		return
	}
	m.ChunksReceived.Add(float64(chunks))
	m.BytesReceived.Add(float64(bytes))
}

// RecordLateChunks adds chunks dropped after end of stream
func (m *Metrics) RecordLateChunks(n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.LateChunks.Add(float64(n))
}

// RecordPacketReceived increments the packets received counter
func (m *Metrics) RecordPacketReceived() {
	if m == nil {
		return
	}
	m.PacketsReceived.Inc()
}

// RecordParseError increments the parse errors counter
func (m *Metrics) RecordParseError() {
	if m == nil {
		return
	}
	m.ParseErrors.Inc()
}

// RecordPacketsLost adds packets skipped by the jitter buffer
func (m *Metrics) RecordPacketsLost(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.PacketsLost.Add(float64(n))
}

// RecordSinkDelivery records the outcome of one sink delivery
func (m *Metrics) RecordSinkDelivery(sink string, ok bool, durationSeconds float64) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.SinkDeliveries.WithLabelValues(sink, outcome).Inc()
	m.SinkDeliveryLatency.WithLabelValues(sink).Observe(durationSeconds)
}

// RecordSinkRetry increments the retry counter for sink
func (m *Metrics) RecordSinkRetry(sink string) {
	if m == nil {
		return
	}
	m.SinkRetries.WithLabelValues(sink).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
