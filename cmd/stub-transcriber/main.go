// Command stub-transcriber is a stand-in transcription backend for local
// testing. It accepts the multipart WAV uploads the service sends and
// answers with a fixed transcript.
package main

import (
	"encoding/json"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/skypro1111/stt-telemetry-service/internal/audio"
	"github.com/skypro1111/stt-telemetry-service/internal/config"
	"github.com/skypro1111/stt-telemetry-service/internal/logging"
	"github.com/skypro1111/stt-telemetry-service/internal/vad"
)

type transcriptionResponse struct {
	SessionID   string    `json:"session_id"`
	Text        string    `json:"text"`
	Confidence  float32   `json:"confidence"`
	Language    string    `json:"language"`
	Duration    float64   `json:"duration"`
	ProcessedAt time.Time `json:"processed_at"`
}

type stub struct {
	text   string
	delay  time.Duration
	logger *slog.Logger
}

func (s *stub) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Error getting audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error reading audio file", http.StatusInternalServerError)
		return
	}

	info, err := audio.GetWAVInfo(data)
	if err != nil {
		http.Error(w, "Invalid WAV: "+err.Error(), http.StatusBadRequest)
		return
	}
	samples, _, err := audio.DecodeWAV(data)
	if err != nil {
		http.Error(w, "Invalid WAV: "+err.Error(), http.StatusBadRequest)
		return
	}

	s.logger.Info("Transcription request received",
		slog.String("session_id", r.FormValue("session_id")),
		slog.String("filename", header.Filename),
		slog.String("language", r.FormValue("language")),
		slog.Uint64("sample_rate", uint64(info.SampleRate)),
		slog.Float64("duration", info.Duration),
		slog.Float64("rms", float64(vad.RMS(samples))),
		slog.Bool("authorized", r.Header.Get("Authorization") != ""),
	)

	time.Sleep(s.delay)

	language := r.FormValue("language")
	if language == "" {
		language = "en"
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(transcriptionResponse{
		SessionID:   r.FormValue("session_id"),
		Text:        s.text,
		Confidence:  0.95,
		Language:    language,
		Duration:    info.Duration,
		ProcessedAt: time.Now(),
	})
}

func main() {
	addr := flag.String("addr", "127.0.0.1:9000", "Listen address")
	text := flag.String("text", "this is a test transcription", "Transcript returned for every request")
	delay := flag.Duration("delay", 200*time.Millisecond, "Simulated processing time")
	flag.Parse()

	logger := logging.New(config.LoggingConfig{Level: "info", Format: "text", Output: "stdout"})
	s := &stub{text: *text, delay: *delay, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/transcribe", s.handleTranscribe)

	logger.Info("Stub transcription server starting",
		slog.String("endpoint", "http://"+*addr+"/transcribe"),
	)
	if err := http.ListenAndServe(*addr, mux); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
