package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/stt-telemetry-service/internal/config"
	"github.com/skypro1111/stt-telemetry-service/internal/metrics"
	"github.com/skypro1111/stt-telemetry-service/internal/stream"
	"github.com/skypro1111/stt-telemetry-service/internal/transcription"
)

// SessionProvider exposes the capture loop to the API. Implemented by
// stream.Manager.
type SessionProvider interface {
	CurrentSession() (stream.SessionInfo, bool)
	GetSessionInfo(id string) (stream.SessionInfo, bool)
	Sessions() []stream.SessionInfo
	GetStats() stream.ManagerStats
}

// HTTPServer provides HTTP API endpoints for monitoring
type HTTPServer struct {
	server        *http.Server
	logger        *slog.Logger
	config        *config.Config
	sessions      SessionProvider
	streamer      *Streamer
	transcription *transcription.Client
	gatherer      prometheus.Gatherer
	metrics       *metrics.Metrics

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger,
	appConfig *config.Config, sessions SessionProvider, streamer *Streamer, m *metrics.Metrics) *HTTPServer {

	return &HTTPServer{
		server: &http.Server{
			Addr:         net.JoinHostPort(cfg.Address, fmt.Sprint(cfg.Port)),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger:    logger,
		config:    appConfig,
		sessions:  sessions,
		streamer:  streamer,
		gatherer:  prometheus.DefaultGatherer,
		metrics:   m,
		startTime: time.Now(),
	}
}

// WithTranscription adds transcription client stats to /health and /stats
func (h *HTTPServer) WithTranscription(c *transcription.Client) *HTTPServer {
	h.transcription = c
	return h
}

// WithGatherer serves /metrics from g instead of the default registry
func (h *HTTPServer) WithGatherer(g prometheus.Gatherer) *HTTPServer {
	h.gatherer = g
	return h
}

// Handler returns the API routes
func (h *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/clients", h.withMetrics("/clients", h.handleClients))
	mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("/sessions/", h.withMetrics("/sessions/{id}", h.handleSessionDetail))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// no request metrics for the scrape endpoint itself
	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
	return mux
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)
		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (h *HTTPServer) Run(ctx context.Context) error {
	h.server.Handler = h.Handler()

	listener, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}

	h.logger.Info("Starting HTTP API server",
		slog.String("address", listener.Addr().String()),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return h.Stop(shutdownCtx)
	}
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")
	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	streamerStats := h.streamer.GetStatistics()
	loop := h.sessions.GetStats()

	components := map[string]any{
		"udp_streamer": map[string]any{
			"status":       "running",
			"clients":      streamerStats.Clients,
			"packets_sent": streamerStats.PacketsSent,
			"send_errors":  streamerStats.SendErrors,
		},
		"capture": map[string]any{
			"status":      captureStatus(loop),
			"recording":   loop.Recording,
			"sessions":    loop.SessionsFinished,
			"sample_rate": loop.SampleRate,
		},
	}
	if h.transcription != nil {
		ts := h.transcription.GetStats()
		components["transcription"] = map[string]any{
			"status":          "running",
			"total_requests":  ts.TotalRequests,
			"success_rate":    ts.SuccessRate,
			"active_requests": ts.ActiveRequests,
		}
	} else {
		components["transcription"] = map[string]any{"status": "disabled"}
	}

	writeJSON(w, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    "stt-telemetry-service",
			"version": "1.0.0",
		},
		"components": components,
	})
}

func captureStatus(s stream.ManagerStats) string {
	if s.Listening {
		return "listening"
	}
	return "idle"
}

// handleClients implements the /clients endpoint
func (h *HTTPServer) handleClients(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clients := h.streamer.Clients()
	writeJSON(w, map[string]any{
		"total_clients": len(clients),
		"timestamp":     time.Now().UTC(),
		"clients":       clients,
	})
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := map[string]any{
		"timestamp": time.Now().UTC(),
		"sessions":  h.sessions.Sessions(),
	}
	if current, ok := h.sessions.CurrentSession(); ok {
		response["current"] = current
	}
	writeJSON(w, response)
}

// handleSessionDetail implements the /sessions/{id} endpoint
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if id == "" {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}

	info, ok := h.sessions.GetSessionInfo(id)
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, info)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	c := h.config
	writeJSON(w, map[string]any{
		"server": map[string]any{
			"bind_address":     c.Server.BindAddress,
			"udp_port":         c.Server.UDPPort,
			"max_clients":      c.Server.MaxClients,
			"stale_timeout":    c.Server.StaleTimeout,
			"cleanup_interval": c.Server.CleanupInterval,
		},
		"audio": map[string]any{
			"device_id":         c.Audio.DeviceID,
			"sample_rate":       c.Audio.SampleRate,
			"channels":          c.Audio.Channels,
			"frames_per_buffer": c.Audio.FramesPerBuffer,
			"latency":           c.Audio.Latency,
		},
		"vad": map[string]any{
			"grace_period_ms":      c.VAD.GracePeriodMs,
			"silence_timeout_ms":   c.VAD.SilenceTimeoutMs,
			"no_speech_timeout_ms": c.VAD.NoSpeechTimeoutMs,
			"min_threshold":        c.VAD.MinThreshold,
			"max_threshold":        c.VAD.MaxThreshold,
			"speech_ratio":         c.VAD.SpeechRatio,
		},
		"telemetry": map[string]any{
			"source_id":         c.Telemetry.SourceID,
			"band_count":        c.Telemetry.BandCount,
			"fft_size":          c.Telemetry.FFTSize,
			"broadcast_samples": c.Telemetry.BroadcastSamples,
		},
		"transcription": map[string]any{
			"enabled":        c.Transcription.Enabled,
			"endpoint":       c.Transcription.Endpoint,
			"timeout":        c.Transcription.Timeout,
			"max_retries":    c.Transcription.MaxRetries,
			"max_concurrent": c.Transcription.MaxConcurrent,
			"api_key_set":    c.Transcription.APIKey != "",
		},
		"logging": map[string]any{
			"level":  c.Logging.Level,
			"format": c.Logging.Format,
			"output": c.Logging.Output,
		},
	})
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"udp":       h.streamer.GetStatistics(),
		"sessions":  h.sessions.GetStats(),
	}
	if current, ok := h.sessions.CurrentSession(); ok {
		stats["vad"] = current.VAD
	}
	if h.transcription != nil {
		stats["transcription"] = h.transcription.GetStats()
	}
	writeJSON(w, stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, map[string]any{
		"service": "STT Telemetry Service",
		"version": "1.0.0",
		"endpoints": map[string]any{
			"GET /":              "API documentation",
			"GET /health":        "Service health check",
			"GET /clients":       "Registered telemetry clients",
			"GET /sessions":      "Current and recent capture sessions",
			"GET /sessions/{id}": "Get detailed session information",
			"GET /config":        "Get service configuration",
			"GET /stats":         "Get service statistics",
			"GET /metrics":       "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}
