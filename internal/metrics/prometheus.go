package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the telemetry service. All
// Record methods are safe to call on a nil *Metrics.
type Metrics struct {
	// Telemetry streamer metrics
	PacketsSent         *prometheus.CounterVec
	SendErrors          prometheus.Counter
	ControlMessages     *prometheus.CounterVec
	ClientsRegistered   prometheus.Counter
	AuthFailures        prometheus.Counter
	StaleClientsRemoved prometheus.Counter
	RegisteredClients   prometheus.Gauge
	OversizeDropped     *prometheus.CounterVec

	// VAD metrics
	VADChunksProcessed prometheus.Counter
	VADSpeechChunks    prometheus.Counter
	VADThreshold       prometheus.Gauge
	VADBaseline        prometheus.Gauge
	RecordingsStarted  prometheus.Counter
	StopsRequested     *prometheus.CounterVec
	VADRecoveries      prometheus.Counter

	// Capture session metrics
	SessionsStarted  prometheus.Counter
	SessionDuration  prometheus.Histogram
	SessionActive    prometheus.Gauge
	SampleQueueDepth prometheus.Gauge
	InputLevel       prometheus.Gauge

	// Telemetry client metrics
	ClientPacketsReceived prometheus.Counter
	ClientRateLimited     prometheus.Counter
	ClientMalformed       prometheus.Counter
	ClientUnknownKind     prometheus.Counter
	ClientReconnects      prometheus.Counter
	ClientConnected       prometheus.Gauge

	// Transcription metrics
	TranscriptionRequests  prometheus.Counter
	TranscriptionSuccesses prometheus.Counter
	TranscriptionFailures  prometheus.Counter
	TranscriptionDuration  prometheus.Histogram
	TranscriptionRetries   prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// uses the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Telemetry streamer metrics
		PacketsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stt_telemetry_packets_sent_total",
			Help: "Total number of telemetry datagrams sent, by packet kind",
		}, []string{"kind"}),
		SendErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_telemetry_send_errors_total",
			Help: "Total number of failed datagram sends",
		}),
		ControlMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stt_telemetry_control_messages_total",
			Help: "Total number of control messages received, by command",
		}, []string{"command"}),
		ClientsRegistered: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_telemetry_clients_registered_total",
			Help: "Total number of successful client registrations",
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_telemetry_auth_failures_total",
			Help: "Total number of rejected registrations",
		}),
		StaleClientsRemoved: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_telemetry_stale_clients_removed_total",
			Help: "Total number of clients removed after going silent",
		}),
		RegisteredClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stt_telemetry_registered_clients",
			Help: "Current number of registered telemetry clients",
		}),
		OversizeDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stt_telemetry_oversize_dropped_total",
			Help: "Total number of payloads dropped for exceeding the datagram size",
		}, []string{"kind"}),

		// VAD metrics
		VADChunksProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_vad_chunks_processed_total",
			Help: "Total number of audio chunks run through the detector",
		}),
		VADSpeechChunks: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_vad_speech_chunks_total",
			Help: "Total number of chunks classified as speech after smoothing",
		}),
		VADThreshold: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stt_vad_threshold",
			Help: "Current adaptive speech threshold (RMS)",
		}),
		VADBaseline: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stt_vad_baseline_level",
			Help: "Current background level estimate (RMS)",
		}),
		RecordingsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_vad_recordings_started_total",
			Help: "Total number of recording start edges",
		}),
		StopsRequested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stt_vad_stops_requested_total",
			Help: "Total number of stop requests, by reason",
		}, []string{"reason"}),
		VADRecoveries: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_vad_recoveries_total",
			Help: "Total number of detector updates that panicked and were recovered",
		}),

		// Capture session metrics
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_sessions_started_total",
			Help: "Total number of capture sessions started",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "stt_session_duration_seconds",
			Help:    "Duration of capture sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4 minutes
		}),
		SessionActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stt_session_active",
			Help: "1 while a capture session is running",
		}),
		SampleQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stt_sample_queue_depth",
			Help: "Sample chunks waiting for the telemetry consumer",
		}),
		InputLevel: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stt_input_level_rms",
			Help: "RMS of the most recent capture chunk",
		}),

		// Telemetry client metrics
		ClientPacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_client_packets_received_total",
			Help: "Total number of datagrams received by the telemetry client",
		}),
		ClientRateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_client_rate_limited_total",
			Help: "Total number of datagrams dropped by the client rate limiter",
		}),
		ClientMalformed: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_client_malformed_packets_total",
			Help: "Total number of malformed datagrams dropped by the client",
		}),
		ClientUnknownKind: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_client_unknown_kind_total",
			Help: "Total number of datagrams with an unrecognized kind",
		}),
		ClientReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_client_reconnect_attempts_total",
			Help: "Total number of client reconnect attempts",
		}),
		ClientConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stt_client_connected",
			Help: "1 while the telemetry client is registered with the server",
		}),

		// Transcription metrics
		TranscriptionRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_transcription_requests_total",
			Help: "Total number of transcription requests sent",
		}),
		TranscriptionSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_transcription_successes_total",
			Help: "Total number of successful transcription requests",
		}),
		TranscriptionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_transcription_failures_total",
			Help: "Total number of failed transcription requests",
		}),
		TranscriptionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "stt_transcription_duration_seconds",
			Help:    "Duration of transcription requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1.7 minutes
		}),
		TranscriptionRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_transcription_retries_total",
			Help: "Total number of transcription request retries",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stt_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stt_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stt_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordPacketSent increments the sent counter for a packet kind
func (m *Metrics) RecordPacketSent(kind string) {
	if m == nil {
		return
	}
	m.PacketsSent.WithLabelValues(kind).Inc()
}

// RecordSendError increments the send errors counter
func (m *Metrics) RecordSendError() {
	if m == nil {
		return
	}
	m.SendErrors.Inc()
}

// RecordControlMessage counts an inbound control command
func (m *Metrics) RecordControlMessage(command string) {
	if m == nil {
		return
	}
	m.ControlMessages.WithLabelValues(command).Inc()
}

// RecordClientRegistered increments the registrations counter
func (m *Metrics) RecordClientRegistered() {
	if m == nil {
		return
	}
	m.ClientsRegistered.Inc()
}

// RecordAuthFailure increments the rejected registrations counter
func (m *Metrics) RecordAuthFailure() {
	if m == nil {
		return
	}
	m.AuthFailures.Inc()
}

// RecordStaleClientsRemoved adds n to the stale client counter
func (m *Metrics) RecordStaleClientsRemoved(n int) {
	if m == nil {
		return
	}
	m.StaleClientsRemoved.Add(float64(n))
}

// SetRegisteredClients sets the registered client gauge
func (m *Metrics) SetRegisteredClients(n int) {
	if m == nil {
		return
	}
	m.RegisteredClients.Set(float64(n))
}

// RecordOversizeDropped counts a payload too large for one datagram
func (m *Metrics) RecordOversizeDropped(kind string) {
	if m == nil {
		return
	}
	m.OversizeDropped.WithLabelValues(kind).Inc()
}

// RecordVADChunk records one detector update
func (m *Metrics) RecordVADChunk(speech bool, threshold, baseline float32) {
	if m == nil {
		return
	}
	m.VADChunksProcessed.Inc()
	if speech {
		m.VADSpeechChunks.Inc()
	}
	m.VADThreshold.Set(float64(threshold))
	m.VADBaseline.Set(float64(baseline))
}

// RecordRecordingStarted increments the recording start counter
func (m *Metrics) RecordRecordingStarted() {
	if m == nil {
		return
	}
	m.RecordingsStarted.Inc()
}

// RecordStopRequested counts a stop request by reason
func (m *Metrics) RecordStopRequested(reason string) {
	if m == nil {
		return
	}
	m.StopsRequested.WithLabelValues(reason).Inc()
}

// RecordVADRecovery increments the recovered panic counter
func (m *Metrics) RecordVADRecovery() {
	if m == nil {
		return
	}
	m.VADRecoveries.Inc()
}

// RecordSessionStarted marks a capture session as running
func (m *Metrics) RecordSessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.SessionActive.Set(1)
}

// RecordSessionEnded records a finished capture session
func (m *Metrics) RecordSessionEnded(durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionActive.Set(0)
	m.SessionDuration.Observe(durationSeconds)
}

// SetSampleQueueDepth sets the sample queue gauge
func (m *Metrics) SetSampleQueueDepth(n int) {
	if m == nil {
		return
	}
	m.SampleQueueDepth.Set(float64(n))
}

// SetInputLevel sets the input level gauge
func (m *Metrics) SetInputLevel(rms float32) {
	if m == nil {
		return
	}
	m.InputLevel.Set(float64(rms))
}

// RecordClientPacket increments the client receive counter
func (m *Metrics) RecordClientPacket() {
	if m == nil {
		return
	}
	m.ClientPacketsReceived.Inc()
}

// RecordClientRateLimited increments the client rate limit counter
func (m *Metrics) RecordClientRateLimited() {
	if m == nil {
		return
	}
	m.ClientRateLimited.Inc()
}

// RecordClientMalformed increments the client malformed packet counter
func (m *Metrics) RecordClientMalformed() {
	if m == nil {
		return
	}
	m.ClientMalformed.Inc()
}

// RecordClientUnknownKind increments the unknown kind counter
func (m *Metrics) RecordClientUnknownKind() {
	if m == nil {
		return
	}
	m.ClientUnknownKind.Inc()
}

// RecordClientReconnect increments the reconnect counter
func (m *Metrics) RecordClientReconnect() {
	if m == nil {
		return
	}
	m.ClientReconnects.Inc()
}

// SetClientConnected sets the client connection gauge
func (m *Metrics) SetClientConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.ClientConnected.Set(1)
	} else {
		m.ClientConnected.Set(0)
	}
}

// RecordTranscriptionRequest increments transcription requests counter
func (m *Metrics) RecordTranscriptionRequest() {
	if m == nil {
		return
	}
	m.TranscriptionRequests.Inc()
}

// RecordTranscriptionSuccess records a successful transcription
func (m *Metrics) RecordTranscriptionSuccess(durationSeconds float64) {
	if m == nil {
		return
	}
	m.TranscriptionSuccesses.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionFailure records a failed transcription
func (m *Metrics) RecordTranscriptionFailure(durationSeconds float64) {
	if m == nil {
		return
	}
	m.TranscriptionFailures.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionRetry increments the retry counter
func (m *Metrics) RecordTranscriptionRetry() {
	if m == nil {
		return
	}
	m.TranscriptionRetries.Inc()
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
