package vad

import (
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/skypro1111/stt-telemetry-service/internal/broadcast"
)

// StopReason explains why the engine asked for the session to end
type StopReason string

const (
	StopNone     StopReason = ""
	StopSilence  StopReason = "silence"
	StopNoSpeech StopReason = "no_speech"
)

// Level is published for every processed chunk.
type Level struct {
	Level     float32   `json:"level"` // raw RMS
	IsSpeech  bool      `json:"is_speech"`
	Timestamp time.Time `json:"timestamp"`
}

// Decision is the outcome of processing one chunk. RecordingStarted and
// StopRequested are edges: each is true on exactly one chunk per session.
type Decision struct {
	RMS              float32
	Threshold        float32
	RawSpeech        bool
	IsSpeech         bool
	Recording        bool
	RecordingStarted bool
	StopRequested    bool
	StopReason       StopReason

	// Degraded is set when the state update panicked and the engine
	// continued with the state as last written.
	Degraded bool
}

// Recorder receives engine counters. Implemented by the metrics package.
type Recorder interface {
	RecordVADChunk(speech bool, threshold, baseline float32)
	RecordRecordingStarted()
	RecordStopRequested(reason string)
	RecordVADRecovery()
}

// EngineStats represents detector statistics
type EngineStats struct {
	Recording       bool      `json:"recording"`
	StopRequested   bool      `json:"stop_requested"`
	StopReason      string    `json:"stop_reason,omitempty"`
	RecordingStart  time.Time `json:"recording_start"`
	BaselineLevel   float32   `json:"baseline_level"`
	ActiveLevel     float32   `json:"active_level"`
	Threshold       float32   `json:"threshold"`
	TotalChunks     uint64    `json:"total_chunks"`
	SpeechChunks    uint64    `json:"speech_chunks"`
	SpeechPercent   float64   `json:"speech_percentage"`
	Recoveries      uint64    `json:"recoveries"`
	LevelsDropped   uint64    `json:"levels_dropped"`
	LevelsPublished uint64    `json:"levels_published"`
}

// state is the per-session detector state guarded by Engine.mu
type state struct {
	recording      bool
	stopRequested  bool
	stopReason     StopReason
	recordingStart time.Time // zero until the first chunk
	silenceStart   time.Time // zero while not timing silence

	decisions *ring[bool]
	recent    *ring[float32]
	quiet     *ring[float32]
	active    *ring[float32]

	baselineLevel float32
	activeLevel   float32
}

// Engine is the adaptive detector for a single capture stream.
type Engine struct {
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	recorder Recorder
	levels   *broadcast.Broadcaster[Level]

	mu           sync.Mutex
	st           state
	scratch      []float32
	totalChunks  uint64
	speechChunks uint64
	recoveries   uint64
}

// Option configures an Engine
type Option func(*Engine)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithLogger sets the engine logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithRecorder attaches a metrics recorder
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		e.recorder = r
	}
}

// NewEngine creates a detector with fresh state
func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid vad config: %w", err)
	}

	e := &Engine{
		cfg:    cfg,
		logger: slog.New(slog.DiscardHandler),
		now:    time.Now,
		levels: broadcast.New[Level](),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.st = e.newState()
	e.scratch = make([]float32, 0, max(cfg.QuietLevelsSize, cfg.ActiveLevelsSize))
	return e, nil
}

func (e *Engine) newState() state {
	return state{
		decisions:     newRing[bool](e.cfg.SpeechWindowSize),
		recent:        newRing[float32](e.cfg.RecentLevelsSize),
		quiet:         newRing[float32](e.cfg.QuietLevelsSize),
		active:        newRing[float32](e.cfg.ActiveLevelsSize),
		baselineLevel: e.cfg.InitialBaselineLevel,
		activeLevel:   e.cfg.InitialActiveLevel,
	}
}

// Process runs one chunk of mono samples through the detector and publishes
// a Level. It never blocks on level subscribers.
func (e *Engine) Process(samples []float32) Decision {
	rms := RMS(samples)
	now := e.now()

	d := e.update(rms, now)

	e.levels.Publish(Level{
		Level:     rms,
		IsSpeech:  d.IsSpeech,
		Timestamp: now,
	})
	return d
}

// update applies one chunk to the state under the lock. A panic part way
// through is recovered so capture never stalls; whatever was already
// written stays in place.
func (e *Engine) update(rms float32, now time.Time) (d Decision) {
	e.mu.Lock()
	defer e.mu.Unlock()

	d.RMS = rms
	defer func() {
		if r := recover(); r != nil {
			e.recoveries++
			e.logger.Warn("VAD state update panicked, continuing with last state",
				slog.Any("panic", r),
				slog.Uint64("recoveries", e.recoveries),
			)
			if e.recorder != nil {
				func() {
					defer func() { _ = recover() }()
					e.recorder.RecordVADRecovery()
				}()
			}
			d.Recording = e.st.recording
			d.Degraded = true
		}
	}()

	st := &e.st
	if st.recordingStart.IsZero() {
		st.recordingStart = now
	}

	d.Threshold = e.thresholdLocked()
	d.RawSpeech = rms > d.Threshold

	recentActivity := false
	for i := max(0, st.decisions.len()-3); i < st.decisions.len(); i++ {
		if st.decisions.at(i) {
			recentActivity = true
			break
		}
	}
	e.updateLevelsLocked(rms, recentActivity)

	e.totalChunks++
	if e.cfg.DebugInterval > 0 && e.totalChunks%uint64(e.cfg.DebugInterval) == 0 {
		e.logger.Debug("Audio level",
			slog.Float64("rms", float64(rms)),
			slog.Float64("baseline", float64(st.baselineLevel)),
			slog.Float64("active", float64(st.activeLevel)),
			slog.Float64("threshold", float64(d.Threshold)),
			slog.Bool("raw_speech", d.RawSpeech),
		)
	}

	d.IsSpeech = e.addDecisionLocked(d.RawSpeech)
	if d.IsSpeech {
		e.speechChunks++
		if !st.recording {
			st.recording = true
			d.RecordingStarted = true
			e.logger.Debug("Speech detected",
				slog.Float64("rms", float64(rms)),
				slog.Float64("threshold", float64(d.Threshold)),
				slog.Float64("baseline", float64(st.baselineLevel)),
				slog.Float64("active", float64(st.activeLevel)),
			)
		}
		st.silenceStart = time.Time{}
	}

	inGrace := now.Sub(st.recordingStart) < e.cfg.GracePeriod
	if !inGrace {
		switch {
		case st.recording && !d.IsSpeech:
			if st.silenceStart.IsZero() {
				st.silenceStart = now
			}
			if now.Sub(st.silenceStart) >= e.cfg.SilenceTimeout && !st.stopRequested {
				e.logger.Debug("Silence detected, stopping recording",
					slog.Duration("silence", now.Sub(st.silenceStart)),
				)
				st.stopRequested = true
				st.stopReason = StopSilence
				d.StopRequested = true
			}
		case !st.recording:
			if now.Sub(st.recordingStart) >= e.cfg.NoSpeechTimeout && !st.stopRequested {
				e.logger.Debug("No speech detected, stopping",
					slog.Duration("timeout", e.cfg.NoSpeechTimeout),
				)
				st.stopRequested = true
				st.stopReason = StopNoSpeech
				d.StopRequested = true
			}
		}
	}

	d.Recording = st.recording
	if d.StopRequested {
		d.StopReason = st.stopReason
	}

	if e.recorder != nil {
		e.recorder.RecordVADChunk(d.IsSpeech, d.Threshold, st.baselineLevel)
		if d.RecordingStarted {
			e.recorder.RecordRecordingStarted()
		}
		if d.StopRequested {
			e.recorder.RecordStopRequested(string(d.StopReason))
		}
	}

	return d
}

// thresholdLocked places the threshold ContrastFraction of the way from
// baseline to active, clamped to the configured bounds.
func (e *Engine) thresholdLocked() float32 {
	contrast := e.st.activeLevel - e.st.baselineLevel
	threshold := e.st.baselineLevel + contrast*e.cfg.ContrastFraction
	return min(max(threshold, e.cfg.MinThreshold), e.cfg.MaxThreshold)
}

func (e *Engine) updateLevelsLocked(rms float32, active bool) {
	st := &e.st
	st.recent.push(rms)
	if active {
		st.active.push(rms)
	} else {
		st.quiet.push(rms)
	}

	if v, ok := e.percentileLocked(st.quiet, e.cfg.BaselinePercentile); ok {
		st.baselineLevel = v
	}
	if v, ok := e.percentileLocked(st.active, e.cfg.ActivePercentile); ok {
		st.activeLevel = v
	}
	if st.activeLevel <= st.baselineLevel {
		st.activeLevel = st.baselineLevel + e.cfg.MinActiveBoost
	}
}

// percentileLocked returns the element at index floor(len*p) of the sorted
// buffer.
func (e *Engine) percentileLocked(r *ring[float32], p float32) (float32, bool) {
	if r.len() == 0 {
		return 0, false
	}
	e.scratch = r.appendTo(e.scratch[:0])
	slices.Sort(e.scratch)

	idx := int(float32(len(e.scratch)) * p)
	if idx >= len(e.scratch) {
		return 0, false
	}
	return e.scratch[idx], true
}

// addDecisionLocked pushes the raw decision and reports whether strictly
// more than SpeechRatio of the window is speech.
func (e *Engine) addDecisionLocked(raw bool) bool {
	w := e.st.decisions
	w.push(raw)

	speech := 0
	for i := 0; i < w.len(); i++ {
		if w.at(i) {
			speech++
		}
	}
	return float32(speech)/float32(w.len()) > e.cfg.SpeechRatio
}

// SubscribeLevels returns a channel of per-chunk levels. A subscriber that
// falls behind loses its oldest levels.
func (e *Engine) SubscribeLevels(buffer int) (<-chan Level, func()) {
	return e.levels.Subscribe(buffer)
}

// ShouldStop reports whether a stop has been requested this session
func (e *Engine) ShouldStop() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.stopRequested
}

// IsRecording reports whether speech has been detected this session
func (e *Engine) IsRecording() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.recording
}

// GetThreshold returns the threshold the next chunk will be compared to
func (e *Engine) GetThreshold() float32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.thresholdLocked()
}

// GetStats returns detector statistics
func (e *Engine) GetStats() EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	var speechPercent float64
	if e.totalChunks > 0 {
		speechPercent = float64(e.speechChunks) / float64(e.totalChunks) * 100
	}

	return EngineStats{
		Recording:       e.st.recording,
		StopRequested:   e.st.stopRequested,
		StopReason:      string(e.st.stopReason),
		RecordingStart:  e.st.recordingStart,
		BaselineLevel:   e.st.baselineLevel,
		ActiveLevel:     e.st.activeLevel,
		Threshold:       e.thresholdLocked(),
		TotalChunks:     e.totalChunks,
		SpeechChunks:    e.speechChunks,
		SpeechPercent:   speechPercent,
		Recoveries:      e.recoveries,
		LevelsDropped:   e.levels.Dropped(),
		LevelsPublished: e.levels.Published(),
	}
}

// Reset discards the session state. Counters are kept.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.st = e.newState()
}

// Close closes all level subscriptions
func (e *Engine) Close() {
	e.levels.Close()
}

// RMS returns the root-mean-square magnitude of samples, 0 for an empty
// chunk.
func RMS(samples []float32) float32 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return float32(math.Sqrt(sum / float64(len(samples))))
}
