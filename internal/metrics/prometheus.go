package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the de-silence service.
// Record methods are no-ops on a nil *Metrics.
type Metrics struct {
	// UDP packet metrics
	PacketsReceived  prometheus.Counter
	PacketsProcessed prometheus.Counter
	ParseErrors      prometheus.Counter
	PacketsLost      prometheus.Counter

	// Stream metrics
	ActiveStreams    prometheus.Gauge
	StreamsCreated   prometheus.Counter
	StreamsDestroyed *prometheus.CounterVec
	StreamDuration   prometheus.Histogram

	// Segmentation metrics
	FramesClassified *prometheus.CounterVec
	SegmentsEmitted  prometheus.Counter
	SegmentDuration  prometheus.Histogram

	// Batch job metrics
	JobsProcessed  *prometheus.CounterVec
	JobDuration    prometheus.Histogram
	SilenceRemoved prometheus.Histogram

	// Library metrics
	Episodes prometheus.Gauge

	// Webhook metrics
	WebhookDeliveries *prometheus.CounterVec
	WebhookRetries    prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. A nil reg uses
// the default Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		// UDP packet metrics
		PacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "desilence_packets_received_total",
			Help: "Total number of UDP packets received",
		}),
		PacketsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "desilence_packets_processed_total",
			Help: "Total number of UDP packets successfully processed",
		}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "desilence_parse_errors_total",
			Help: "Total number of packet parsing errors",
		}),
		PacketsLost: factory.NewCounter(prometheus.CounterOpts{
			Name: "desilence_packets_lost_total",
			Help: "Total number of audio packets declared lost by reorder buffers",
		}),

		// Stream metrics
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "desilence_active_streams",
			Help: "Current number of active audio streams",
		}),
		StreamsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "desilence_streams_created_total",
			Help: "Total number of streams created",
		}),
		StreamsDestroyed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "desilence_streams_destroyed_total",
			Help: "Total number of streams finalized, by reason",
		}, []string{"reason"}),
		StreamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "desilence_stream_duration_seconds",
			Help:    "Wall-clock duration of audio streams in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~2 hours
		}),

		// Segmentation metrics
		FramesClassified: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "desilence_frames_classified_total",
			Help: "Total number of frames classified, by result",
		}, []string{"result"}),
		SegmentsEmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "desilence_segments_emitted_total",
			Help: "Total number of speech segments emitted",
		}),
		SegmentDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "desilence_segment_duration_seconds",
			Help:    "Duration of emitted speech segments",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4 minutes
		}),

		// Batch job metrics
		JobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "desilence_jobs_processed_total",
			Help: "Total number of de-silence jobs, by source and status",
		}, []string{"source", "status"}),
		JobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "desilence_job_duration_seconds",
			Help:    "Processing time of de-silence jobs",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~3 minutes
		}),
		SilenceRemoved: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "desilence_removed_ratio",
			Help:    "Fraction of input audio removed as silence",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11), // 0.0 to 1.0
		}),

		// Library metrics
		Episodes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "desilence_library_episodes",
			Help: "Current number of episodes in the library",
		}),

		// Webhook metrics
		WebhookDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "desilence_webhook_deliveries_total",
			Help: "Total number of webhook deliveries, by status",
		}, []string{"status"}),
		WebhookRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "desilence_webhook_retries_total",
			Help: "Total number of webhook delivery retries",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "desilence_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "desilence_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "desilence_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordPacketReceived increments the packets received counter
func (m *Metrics) RecordPacketReceived() {
	if m == nil {
		return
	}
	m.PacketsReceived.Inc()
}

// RecordPacketProcessed increments the packets processed counter
func (m *Metrics) RecordPacketProcessed() {
	if m == nil {
		return
	}
	m.PacketsProcessed.Inc()
}

// RecordParseError increments the parse errors counter
func (m *Metrics) RecordParseError() {
	if m == nil {
		return
	}
	m.ParseErrors.Inc()
}

// RecordPacketsLost adds n lost packets
func (m *Metrics) RecordPacketsLost(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.PacketsLost.Add(float64(n))
}

// SetActiveStreams sets the current number of active streams
func (m *Metrics) SetActiveStreams(count int) {
	if m == nil {
		return
	}
	m.ActiveStreams.Set(float64(count))
}

// RecordStreamCreated increments the streams created counter
func (m *Metrics) RecordStreamCreated() {
	if m == nil {
		return
	}
	m.StreamsCreated.Inc()
}

// RecordStreamDestroyed counts a finalized stream and records its duration
func (m *Metrics) RecordStreamDestroyed(reason string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.StreamsDestroyed.WithLabelValues(reason).Inc()
	m.StreamDuration.Observe(durationSeconds)
}

// RecordFrame counts one classified frame
func (m *Metrics) RecordFrame(isSpeech bool) {
	if m == nil {
		return
	}
	result := "silence"
	if isSpeech {
		result = "speech"
	}
	m.FramesClassified.WithLabelValues(result).Inc()
}

// RecordSegment records an emitted speech segment
func (m *Metrics) RecordSegment(durationSeconds float64) {
	if m == nil {
		return
	}
	m.SegmentsEmitted.Inc()
	m.SegmentDuration.Observe(durationSeconds)
}

// RecordJob records a finished de-silence job
func (m *Metrics) RecordJob(source, status string, durationSeconds, removedRatio float64) {
	if m == nil {
		return
	}
	m.JobsProcessed.WithLabelValues(source, status).Inc()
	m.JobDuration.Observe(durationSeconds)
	if status == "success" {
		m.SilenceRemoved.Observe(removedRatio)
	}
}

// SetEpisodes sets the library size
func (m *Metrics) SetEpisodes(count int) {
	if m == nil {
		return
	}
	m.Episodes.Set(float64(count))
}

// RecordWebhookDelivery records a finished webhook delivery
func (m *Metrics) RecordWebhookDelivery(status string) {
	if m == nil {
		return
	}
	m.WebhookDeliveries.WithLabelValues(status).Inc()
}

// RecordWebhookRetry increments the webhook retry counter
func (m *Metrics) RecordWebhookRetry() {
	if m == nil {
		return
	}
	m.WebhookRetries.Inc()
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
