package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skypro1111/stt-telemetry-service/internal/config"
	"github.com/skypro1111/stt-telemetry-service/internal/metrics"
	"github.com/skypro1111/stt-telemetry-service/internal/stream"
)

type fakeSessions struct {
	current  *stream.SessionInfo
	finished []stream.SessionInfo
}

func (f *fakeSessions) CurrentSession() (stream.SessionInfo, bool) {
	if f.current == nil {
		return stream.SessionInfo{}, false
	}
	return *f.current, true
}

func (f *fakeSessions) GetSessionInfo(id string) (stream.SessionInfo, bool) {
	if f.current != nil && f.current.ID == id {
		return *f.current, true
	}
	for _, s := range f.finished {
		if s.ID == id {
			return s, true
		}
	}
	return stream.SessionInfo{}, false
}

func (f *fakeSessions) Sessions() []stream.SessionInfo { return f.finished }

func (f *fakeSessions) GetStats() stream.ManagerStats {
	return stream.ManagerStats{
		SessionsStarted:  uint64(len(f.finished)) + 1,
		SessionsFinished: uint64(len(f.finished)),
		Listening:        f.current != nil,
		SampleRate:       16000,
	}
}

func newTestHTTPServer(t *testing.T) (*HTTPServer, *prometheus.Registry) {
	t.Helper()

	cfg := config.Default()
	cfg.Transcription.APIKey = "super-secret-key"

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	sessions := &fakeSessions{
		current: &stream.SessionInfo{ID: "current-1", State: stream.StateListening, StartTime: time.Now()},
		finished: []stream.SessionInfo{
			{ID: "done-1", State: stream.StateCompleted, StopReason: "silence", Transcript: "hello"},
		},
	}
	streamer := NewStreamer(&cfg.Server, 1, fakeVerifier{}, slog.New(slog.DiscardHandler), m)

	h := NewHTTPServer(cfg.HTTP, slog.New(slog.DiscardHandler), cfg, sessions, streamer, m).WithGatherer(reg)
	return h, reg
}

func get(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestHTTPRoutes(t *testing.T) {
	h, _ := newTestHTTPServer(t)
	handler := h.Handler()

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantKey    string
	}{
		{name: "root", method: http.MethodGet, path: "/", wantStatus: http.StatusOK, wantKey: "endpoints"},
		{name: "health", method: http.MethodGet, path: "/health", wantStatus: http.StatusOK, wantKey: "components"},
		{name: "clients", method: http.MethodGet, path: "/clients", wantStatus: http.StatusOK, wantKey: "clients"},
		{name: "sessions", method: http.MethodGet, path: "/sessions", wantStatus: http.StatusOK, wantKey: "current"},
		{name: "session detail", method: http.MethodGet, path: "/sessions/done-1", wantStatus: http.StatusOK, wantKey: "transcript"},
		{name: "current session detail", method: http.MethodGet, path: "/sessions/current-1", wantStatus: http.StatusOK, wantKey: "vad"},
		{name: "stats", method: http.MethodGet, path: "/stats", wantStatus: http.StatusOK, wantKey: "udp"},
		{name: "config", method: http.MethodGet, path: "/config", wantStatus: http.StatusOK, wantKey: "transcription"},
		{name: "unknown session", method: http.MethodGet, path: "/sessions/nope", wantStatus: http.StatusNotFound},
		{name: "missing session id", method: http.MethodGet, path: "/sessions/", wantStatus: http.StatusBadRequest},
		{name: "unknown path", method: http.MethodGet, path: "/nope", wantStatus: http.StatusNotFound},
		{name: "wrong method", method: http.MethodPost, path: "/health", wantStatus: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, handler, tt.method, tt.path)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %q)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantKey == "" {
				return
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}
			if _, ok := decodeBody(t, rec)[tt.wantKey]; !ok {
				t.Errorf("response has no %q key: %s", tt.wantKey, rec.Body.String())
			}
		})
	}
}

func TestHTTPConfigOmitsSecrets(t *testing.T) {
	h, _ := newTestHTTPServer(t)

	rec := get(t, h.Handler(), http.MethodGet, "/config")
	if strings.Contains(rec.Body.String(), "super-secret-key") {
		t.Fatal("/config leaked the transcription API key")
	}

	tr, ok := decodeBody(t, rec)["transcription"].(map[string]any)
	if !ok {
		t.Fatal("/config has no transcription section")
	}
	if tr["api_key_set"] != true {
		t.Errorf("api_key_set = %v, want true", tr["api_key_set"])
	}
}

func TestHTTPHealthTranscriptionDisabled(t *testing.T) {
	h, _ := newTestHTTPServer(t)

	body := decodeBody(t, get(t, h.Handler(), http.MethodGet, "/health"))
	components := body["components"].(map[string]any)
	tr := components["transcription"].(map[string]any)
	if tr["status"] != "disabled" {
		t.Errorf("transcription status = %v, want disabled", tr["status"])
	}
	capture := components["capture"].(map[string]any)
	if capture["status"] != "listening" {
		t.Errorf("capture status = %v, want listening", capture["status"])
	}
}

func TestHTTPMetricsEndpoint(t *testing.T) {
	h, _ := newTestHTTPServer(t)
	handler := h.Handler()

	// generate at least one request sample first
	get(t, handler, http.MethodGet, "/health")

	rec := get(t, handler, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "stt_http_requests_total") {
		t.Errorf("/metrics does not expose request counters:\n%s", rec.Body.String())
	}
}

func TestHTTPRequestMetrics(t *testing.T) {
	h, reg := newTestHTTPServer(t)
	handler := h.Handler()

	get(t, handler, http.MethodGet, "/sessions/nope")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	var sawError bool
	for _, f := range families {
		if f.GetName() != "stt_http_errors_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "endpoint" && l.GetValue() == "/sessions/{id}" {
					sawError = true
				}
			}
		}
	}
	if !sawError {
		t.Error("404 on /sessions/{id} was not counted as an HTTP error")
	}
}
