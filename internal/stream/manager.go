package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/stt-telemetry-service/internal/audio"
	"github.com/skypro1111/stt-telemetry-service/internal/metrics"
	"github.com/skypro1111/stt-telemetry-service/internal/retry"
	"github.com/skypro1111/stt-telemetry-service/internal/transcription"
	"github.com/skypro1111/stt-telemetry-service/internal/vad"
)

// ErrNoSource is returned when the manager is built without a capture source
var ErrNoSource = errors.New("stream: audio source is required")

// Config holds the session loop settings
type Config struct {
	VAD              vad.Config
	BandCount        int
	FFTSize          int
	BroadcastSamples bool
	HistorySize      int
	// MaxRecording bounds the audio kept per session for transcription
	MaxRecording time.Duration
	// EngineOptions are passed to every engine the manager creates
	EngineOptions []vad.Option
}

// Manager runs capture sessions back to back on a single source
type Manager struct {
	source      audio.Source
	telemetry   Telemetry
	transcriber transcription.Transcriber
	analyzer    *audio.Analyzer
	config      Config
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time

	current atomic.Pointer[Session]

	mu       sync.RWMutex
	history  []*Session
	started  uint64
	finished uint64
	failures uint64
}

// ManagerStats summarises the session loop
type ManagerStats struct {
	SessionsStarted       uint64 `json:"sessions_started"`
	SessionsFinished      uint64 `json:"sessions_finished"`
	TranscriptionFailures uint64 `json:"transcription_failures"`
	HistorySize           int    `json:"history_size"`
	Listening             bool   `json:"listening"`
	Recording             bool   `json:"recording"`
	SampleRate            int    `json:"sample_rate"`
}

// NewManager creates a session manager. transcriber may be nil, in which
// case recorded audio is discarded after each session.
func NewManager(source audio.Source, telemetry Telemetry, transcriber transcription.Transcriber, cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Manager, error) {
	if source == nil {
		return nil, ErrNoSource
	}
	if err := cfg.VAD.Validate(); err != nil {
		return nil, fmt.Errorf("invalid VAD config: %w", err)
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 50
	}
	if cfg.MaxRecording <= 0 {
		cfg.MaxRecording = 5 * time.Minute
	}

	analyzer, err := audio.NewAnalyzer(source.SampleRate(), cfg.FFTSize, cfg.BandCount)
	if err != nil {
		return nil, fmt.Errorf("failed to create analyzer: %w", err)
	}

	return &Manager{
		source:      source,
		telemetry:   telemetry,
		transcriber: transcriber,
		analyzer:    analyzer,
		config:      cfg,
		logger:      logger,
		metrics:     m,
		now:         time.Now,
	}, nil
}

// Run listens continuously until ctx is cancelled. It only returns an
// error when the capture source cannot be started.
func (m *Manager) Run(ctx context.Context) error {
	session, err := m.newSession()
	if err != nil {
		return err
	}
	m.current.Store(session)

	if err := m.source.Start(m.handleChunk); err != nil {
		m.current.Store(nil)
		return fmt.Errorf("failed to start audio source: %w", err)
	}
	defer func() {
		if err := m.source.Stop(); err != nil {
			m.logger.Warn("Error stopping audio source", slog.String("error", err.Error()))
		}
	}()

	m.logger.Info("Listening",
		slog.Int("sample_rate", m.source.SampleRate()),
		slog.Int("bands", m.config.BandCount),
	)

	for {
		m.runSession(ctx, session)
		if ctx.Err() != nil {
			return nil
		}

		next, err := m.newSession()
		if err != nil {
			// the config was validated up front so this only happens on
			// resource exhaustion; back off and keep listening
			m.logger.Error("Failed to create session", slog.String("error", err.Error()))
			if retry.Wait(ctx, time.Second) != nil {
				return nil
			}
			continue
		}
		session = next
		m.current.Store(session)
	}
}

func (m *Manager) handleChunk(mono []float32) {
	if s := m.current.Load(); s != nil {
		s.HandleChunk(mono)
	}
}

func (m *Manager) newSession() (*Session, error) {
	opts := append([]vad.Option{
		vad.WithLogger(m.logger),
		vad.WithRecorder(m.metrics),
	}, m.config.EngineOptions...)

	engine, err := vad.NewEngine(m.config.VAD, opts...)
	if err != nil {
		return nil, err
	}

	rate := m.source.SampleRate()
	s := newSession(sessionParams{
		engine:           engine,
		analyzer:         m.analyzer,
		telemetry:        m.telemetry,
		sampleRate:       rate,
		broadcastSamples: m.config.BroadcastSamples,
		maxRecorded:      int(m.config.MaxRecording.Seconds() * float64(rate)),
		logger:           m.logger,
		metrics:          m.metrics,
		now:              m.now,
	})

	m.mu.Lock()
	m.started++
	m.mu.Unlock()
	m.metrics.RecordSessionStarted()

	s.logger.Debug("Session started")
	return s, nil
}

// runSession blocks until the detector ends the session or ctx is done,
// then finalizes it.
func (m *Manager) runSession(ctx context.Context, s *Session) {
	sessionCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(sessionCtx)
	g.Go(func() error { return s.runTelemetry(gctx) })
	g.Go(func() error { return s.runEdges(gctx) })
	g.Go(func() error { return s.runLevels(gctx) })

	select {
	case <-s.Stopped():
	case <-ctx.Done():
	}

	s.finish()
	cancel()
	_ = g.Wait()

	// an edge that raced with the stop still goes out before the idle state
	select {
	case on := <-s.edges:
		_ = m.telemetry.BroadcastRecordingState(on)
	default:
	}

	m.finalize(ctx, s)
}

func (m *Manager) finalize(ctx context.Context, s *Session) {
	recorded := s.wasRecording()

	var (
		text       string
		confidence float32
		err        error
	)
	if recorded && m.transcriber != nil && ctx.Err() == nil {
		text, confidence, err = m.transcribe(ctx, s)
	}
	s.complete(text, confidence, err)

	if recorded {
		if err := m.telemetry.BroadcastRecordingState(false); err != nil {
			s.logger.Warn("Recording state broadcast failed", slog.String("error", err.Error()))
		}
	}
	s.engine.Close()

	info := s.Info()
	m.metrics.RecordSessionEnded(info.Duration)

	m.mu.Lock()
	m.finished++
	if err != nil {
		m.failures++
	}
	m.history = append(m.history, s)
	if over := len(m.history) - m.config.HistorySize; over > 0 {
		m.history = append(m.history[:0], m.history[over:]...)
	}
	m.mu.Unlock()

	s.logger.Info("Session finished",
		slog.String("stop_reason", info.StopReason),
		slog.Bool("recorded", recorded),
		slog.Float64("duration", info.Duration),
		slog.Uint64("chunks", info.Chunks),
		slog.Int("transcript_length", len(info.Transcript)),
	)
}

func (m *Manager) transcribe(ctx context.Context, s *Session) (string, float32, error) {
	samples := s.recordedAudio()
	if len(samples) == 0 {
		return "", 0, nil
	}

	result, err := m.transcriber.Transcribe(ctx, &transcription.Request{
		SessionID:  s.ID,
		Samples:    samples,
		SampleRate: s.SampleRate,
		StartTime:  s.StartTime,
	})
	if err != nil {
		s.logger.Error("Transcription failed", slog.String("error", err.Error()))
		return "", 0, err
	}

	if result.Text != "" {
		if err := m.telemetry.BroadcastTranscript(result.Text, result.Confidence, true); err != nil {
			s.logger.Warn("Transcript broadcast failed", slog.String("error", err.Error()))
		}
	}
	return result.Text, result.Confidence, nil
}

// CurrentSession returns the session currently listening
func (m *Manager) CurrentSession() (SessionInfo, bool) {
	s := m.current.Load()
	if s == nil {
		return SessionInfo{}, false
	}
	return s.Info(), true
}

// GetSessionInfo looks a session up by id, current or finished
func (m *Manager) GetSessionInfo(id string) (SessionInfo, bool) {
	if s := m.current.Load(); s != nil && s.ID == id {
		return s.Info(), true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.history {
		if s.ID == id {
			return s.Info(), true
		}
	}
	return SessionInfo{}, false
}

// Sessions returns finished sessions newest first
func (m *Manager) Sessions() []SessionInfo {
	m.mu.RLock()
	history := make([]*Session, len(m.history))
	copy(history, m.history)
	m.mu.RUnlock()

	out := make([]SessionInfo, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		out = append(out, history[i].Info())
	}
	return out
}

// GetStats returns loop counters
func (m *Manager) GetStats() ManagerStats {
	m.mu.RLock()
	stats := ManagerStats{
		SessionsStarted:       m.started,
		SessionsFinished:      m.finished,
		TranscriptionFailures: m.failures,
		HistorySize:           len(m.history),
		SampleRate:            m.source.SampleRate(),
	}
	m.mu.RUnlock()

	if s := m.current.Load(); s != nil && !s.stopping.Load() {
		stats.Listening = true
		stats.Recording = s.engine.IsRecording()
	}
	return stats
}
