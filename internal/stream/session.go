package stream

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/stt-telemetry-service/internal/audio"
	"github.com/skypro1111/stt-telemetry-service/internal/metrics"
	"github.com/skypro1111/stt-telemetry-service/internal/vad"
)

// Telemetry is where a session publishes what it hears. Implemented by
// server.Streamer.
type Telemetry interface {
	HasClients() bool
	BroadcastRecordingState(isRecording bool) error
	BroadcastFrequencyBands(bands []float32, sampleRate, totalEnergy float32) error
	BroadcastAudioSamples(samples []float32, sampleRate float32, channels uint16) error
	BroadcastTranscript(text string, confidence float32, final bool) error
}

// SessionState is the lifecycle stage of a capture session
type SessionState string

const (
	StateListening  SessionState = "listening"
	StateRecording  SessionState = "recording"
	StateFinalizing SessionState = "finalizing"
	StateCompleted  SessionState = "completed"
	StateFailed     SessionState = "failed"
)

// Session is the context of one capture: a single VAD engine, the queue
// feeding telemetry and the audio recorded so far.
type Session struct {
	ID         string
	StartTime  time.Time
	SampleRate int

	engine    *vad.Engine
	queue     *audio.SampleQueue
	analyzer  *audio.Analyzer
	telemetry Telemetry
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	broadcastSamples bool
	maxRecorded      int

	// capture goroutine only touches these under mu
	mu              sync.Mutex
	state           SessionState
	recorded        [][]float32 // chunk references, flattened off the capture thread
	recordedLen     int
	droppedSamples  uint64
	chunks          uint64
	samples         uint64
	degradedChunks  uint64
	recordingAt     time.Time
	endTime         time.Time
	stopReason      vad.StopReason
	transcript      string
	transcriptConf  float32
	transcribeError string

	stopping  atomic.Bool
	stopped   chan struct{}
	stopOnce  sync.Once
	edges     chan bool
	bandsSent atomic.Uint64

	levels      <-chan vad.Level
	unsubscribe func()
	lastLevel   atomic.Pointer[vad.Level]
}

// SessionInfo is the JSON view of a session
type SessionInfo struct {
	ID               string          `json:"id"`
	State            SessionState    `json:"state"`
	StartTime        time.Time       `json:"start_time"`
	EndTime          *time.Time      `json:"end_time,omitempty"`
	Duration         float64         `json:"duration_seconds"`
	SampleRate       int             `json:"sample_rate"`
	Chunks           uint64          `json:"chunks"`
	Samples          uint64          `json:"samples"`
	RecordedSamples  int             `json:"recorded_samples"`
	DroppedSamples   uint64          `json:"dropped_samples"`
	DegradedChunks   uint64          `json:"degraded_chunks"`
	RecordingStarted *time.Time      `json:"recording_started,omitempty"`
	Level            float32         `json:"level"`
	Speaking         bool            `json:"speaking"`
	StopReason       string          `json:"stop_reason,omitempty"`
	BandsBroadcast   uint64          `json:"bands_broadcast"`
	Transcript       string          `json:"transcript,omitempty"`
	Confidence       float32         `json:"confidence,omitempty"`
	TranscribeError  string          `json:"transcribe_error,omitempty"`
	VAD              vad.EngineStats `json:"vad"`
}

type sessionParams struct {
	engine           *vad.Engine
	analyzer         *audio.Analyzer
	telemetry        Telemetry
	sampleRate       int
	broadcastSamples bool
	maxRecorded      int
	logger           *slog.Logger
	metrics          *metrics.Metrics
	now              func() time.Time
}

// levelBuffer is how many levels may queue before the oldest is dropped
const levelBuffer = 16

func newSession(p sessionParams) *Session {
	id := uuid.NewString()
	levels, unsubscribe := p.engine.SubscribeLevels(levelBuffer)
	return &Session{
		ID:               id,
		StartTime:        p.now(),
		SampleRate:       p.sampleRate,
		engine:           p.engine,
		queue:            audio.NewSampleQueue(),
		analyzer:         p.analyzer,
		telemetry:        p.telemetry,
		logger:           p.logger.With(slog.String("session_id", id)),
		metrics:          p.metrics,
		now:              p.now,
		broadcastSamples: p.broadcastSamples,
		maxRecorded:      p.maxRecorded,
		state:            StateListening,
		stopped:          make(chan struct{}),
		edges:            make(chan bool, 1),
		levels:           levels,
		unsubscribe:      unsubscribe,
	}
}

// HandleChunk is the capture callback. It queues the chunk for telemetry,
// runs the detector and keeps the samples for transcription. mono is
// retained, the caller must not reuse it.
func (s *Session) HandleChunk(mono []float32) {
	if s.stopping.Load() || len(mono) == 0 {
		return
	}

	s.queue.Push(mono)
	d := s.engine.Process(mono)

	s.mu.Lock()
	s.chunks++
	s.samples += uint64(len(mono))
	if s.recordedLen+len(mono) <= s.maxRecorded {
		s.recorded = append(s.recorded, mono)
		s.recordedLen += len(mono)
	} else {
		s.droppedSamples += uint64(len(mono))
	}
	if d.Degraded {
		s.degradedChunks++
	}
	if d.RecordingStarted {
		s.state = StateRecording
		s.recordingAt = s.now()
	}
	if d.StopRequested {
		s.stopReason = d.StopReason
	}
	s.mu.Unlock()

	if d.RecordingStarted {
		select {
		case s.edges <- true:
		default:
		}
	}
	if d.StopRequested {
		s.requestStop()
	}
}

// Stopped is closed once the detector asks for the session to end
func (s *Session) Stopped() <-chan struct{} {
	return s.stopped
}

func (s *Session) requestStop() {
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
		close(s.stopped)
	})
}

// runTelemetry drains the sample queue until it is closed. Chunks are
// analysed only while someone is listening.
func (s *Session) runTelemetry(ctx context.Context) error {
	window := make([]float32, 0, s.analyzer.FFTSize())
	rate := float32(s.SampleRate)

	for {
		chunk, err := s.queue.Pop(ctx)
		if err != nil {
			return nil
		}
		s.metrics.SetSampleQueueDepth(s.queue.Len())

		if !s.telemetry.HasClients() {
			window = window[:0]
			continue
		}

		window = appendWindow(window, chunk, cap(window))
		spectrum := s.analyzer.Analyze(window)
		if err := s.telemetry.BroadcastFrequencyBands(spectrum.Bands, rate, spectrum.TotalEnergy); err != nil {
			s.logger.Debug("Frequency broadcast failed", slog.String("error", err.Error()))
		} else {
			s.bandsSent.Add(1)
		}

		if s.broadcastSamples {
			if err := s.telemetry.BroadcastAudioSamples(chunk, rate, 1); err != nil {
				s.logger.Debug("Sample broadcast failed", slog.String("error", err.Error()))
			}
		}
	}
}

// appendWindow keeps the most recent size samples
func appendWindow(window, chunk []float32, size int) []float32 {
	if len(chunk) >= size {
		return append(window[:0], chunk[len(chunk)-size:]...)
	}
	if over := len(window) + len(chunk) - size; over > 0 {
		window = window[:copy(window, window[over:])]
	}
	return append(window, chunk...)
}

// runLevels follows the detector's level fan-out for the status API and
// the input level gauge.
func (s *Session) runLevels(ctx context.Context) error {
	defer s.unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case lvl, ok := <-s.levels:
			if !ok {
				return nil
			}
			s.lastLevel.Store(&lvl)
			s.metrics.SetInputLevel(lvl.Level)
		}
	}
}

// runEdges forwards recording-start edges to clients
func (s *Session) runEdges(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case on := <-s.edges:
			s.logger.Info("Recording started",
				slog.Float64("threshold", float64(s.engine.GetThreshold())),
			)
			if err := s.telemetry.BroadcastRecordingState(on); err != nil {
				s.logger.Warn("Recording state broadcast failed", slog.String("error", err.Error()))
			}
		}
	}
}

// finish freezes the session; the capture callback ignores it from here on
func (s *Session) finish() {
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
		close(s.stopped)
	})
	s.queue.Close()

	s.mu.Lock()
	s.endTime = s.now()
	if s.state == StateRecording {
		s.state = StateFinalizing
	} else {
		s.state = StateCompleted
	}
	s.mu.Unlock()
}

// recordedAudio flattens the retained chunks into one buffer
func (s *Session) recordedAudio() []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float32, 0, s.recordedLen)
	for _, chunk := range s.recorded {
		out = append(out, chunk...)
	}
	return out
}

func (s *Session) wasRecording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.recordingAt.IsZero()
}

func (s *Session) complete(text string, confidence float32, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = text
	s.transcriptConf = confidence
	s.state = StateCompleted
	if err != nil {
		s.transcribeError = err.Error()
		s.state = StateFailed
	}
	// release the audio; history only keeps the summary
	s.recorded = nil
	s.recordedLen = 0
}

// Info returns a snapshot of the session
func (s *Session) Info() SessionInfo {
	stats := s.engine.GetStats()

	s.mu.Lock()
	defer s.mu.Unlock()

	info := SessionInfo{
		ID:              s.ID,
		State:           s.state,
		StartTime:       s.StartTime,
		SampleRate:      s.SampleRate,
		Chunks:          s.chunks,
		Samples:         s.samples,
		RecordedSamples: s.recordedLen,
		DroppedSamples:  s.droppedSamples,
		DegradedChunks:  s.degradedChunks,
		StopReason:      string(s.stopReason),
		BandsBroadcast:  s.bandsSent.Load(),
		Transcript:      s.transcript,
		Confidence:      s.transcriptConf,
		TranscribeError: s.transcribeError,
		VAD:             stats,
	}

	end := s.now()
	if !s.endTime.IsZero() {
		end = s.endTime
		t := s.endTime
		info.EndTime = &t
	}
	info.Duration = end.Sub(s.StartTime).Seconds()
	if !s.recordingAt.IsZero() {
		t := s.recordingAt
		info.RecordingStarted = &t
	}
	if lvl := s.lastLevel.Load(); lvl != nil {
		info.Level = lvl.Level
		info.Speaking = lvl.IsSpeech
	}
	return info
}
