package meter

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/skypro1111/stt-telemetry-service/internal/protocol"
	"github.com/skypro1111/stt-telemetry-service/internal/ratelimit"
	"github.com/skypro1111/stt-telemetry-service/internal/vad"
)

// UpdateKind tags what a decoded datagram changed
type UpdateKind int

const (
	UpdateLevel UpdateKind = iota
	UpdateRecording
	UpdateTranscript
	UpdateControl
)

// String returns a human-readable update kind
func (k UpdateKind) String() string {
	switch k {
	case UpdateLevel:
		return "level"
	case UpdateRecording:
		return "recording"
	case UpdateTranscript:
		return "transcript"
	case UpdateControl:
		return "control"
	default:
		return "unknown"
	}
}

// LevelSource says which payload a level was derived from
type LevelSource string

const (
	SourceFrequencyBands LevelSource = "frequency_bands"
	SourceAudioSamples   LevelSource = "audio_samples"
)

// Level is an audio level ready for display
type Level struct {
	Display  float32 // [0, 1]
	DB       float32
	Raw      float32 // intensity before the display curve
	IsSpeech bool
	Source   LevelSource
	Bands    []float32 // nil for sample-derived levels
}

// RecordingStatus is the two-state recording indicator
type RecordingStatus int

const (
	RecordingIdle RecordingStatus = iota
	RecordingActive
)

// String returns "idle" or "recording"
func (s RecordingStatus) String() string {
	if s == RecordingActive {
		return "recording"
	}
	return "idle"
}

// Transcript is recognized text pushed by the daemon
type Transcript struct {
	Text       string
	Confidence float32
	Final      bool
}

// Update is the domain view of one accepted datagram. Only the field that
// matches Kind is set.
type Update struct {
	Kind        UpdateKind
	SourceID    uint32
	TimestampMs uint32

	Level      Level
	Recording  RecordingStatus
	Transcript Transcript
	Control    protocol.ControlMessage
}

// Stats counts what the decoder accepted and dropped
type Stats struct {
	Received          uint64 `json:"received"`
	RateLimited       uint64 `json:"rate_limited"`
	Malformed         uint64 `json:"malformed"`
	UnknownKind       uint64 `json:"unknown_kind"`
	Control           uint64 `json:"control"`
	Levels            uint64 `json:"levels"`
	SamplesSuperseded uint64 `json:"samples_superseded"`
}

// Recorder receives drop notifications. *metrics.Metrics implements it.
type Recorder interface {
	RecordClientRateLimited()
	RecordClientMalformed()
	RecordClientUnknownKind()
}

// Decoder rate-limits and decodes telemetry datagrams. Handle must be
// called from a single goroutine; Stats may be read concurrently.
type Decoder struct {
	limiter     *ratelimit.TokenBucket
	now         func() time.Time
	preferBands time.Duration
	lastBands   time.Time
	recorder    Recorder

	received          atomic.Uint64
	rateLimited       atomic.Uint64
	malformed         atomic.Uint64
	unknownKind       atomic.Uint64
	control           atomic.Uint64
	levels            atomic.Uint64
	samplesSuperseded atomic.Uint64
}

// DefaultPreferBandsWindow is how long a frequency-band level suppresses
// levels derived from raw samples.
const DefaultPreferBandsWindow = 500 * time.Millisecond

// Option configures a Decoder
type Option func(*Decoder)

// WithLimiter replaces the default audio-processing token bucket
func WithLimiter(b *ratelimit.TokenBucket) Option {
	return func(d *Decoder) {
		d.limiter = b
	}
}

// WithClock injects the time source used for band preference
func WithClock(now func() time.Time) Option {
	return func(d *Decoder) {
		d.now = now
	}
}

// WithRecorder reports dropped datagrams to r
func WithRecorder(r Recorder) Option {
	return func(d *Decoder) {
		d.recorder = r
	}
}

// WithPreferBandsWindow sets how long band levels take precedence over
// sample levels. Zero disables suppression.
func WithPreferBandsWindow(window time.Duration) Option {
	return func(d *Decoder) {
		d.preferBands = window
	}
}

// NewDecoder creates a decoder with a ratelimit.ForAudioProcessing bucket
func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{
		now:         time.Now,
		preferBands: DefaultPreferBandsWindow,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.limiter == nil {
		d.limiter = ratelimit.ForAudioProcessing(ratelimit.WithClock(d.now))
	}
	return d
}

// Handle processes one datagram. It returns false when the datagram was
// rate limited, malformed, of an unknown kind, or superseded; none of these
// are surfaced as errors.
func (d *Decoder) Handle(data []byte) (Update, bool) {
	if !d.limiter.TryConsume() {
		d.rateLimited.Add(1)
		if d.recorder != nil {
			d.recorder.RecordClientRateLimited()
		}
		return Update{}, false
	}
	d.received.Add(1)

	if protocol.IsControlMessage(data) {
		msg, ok := protocol.ParseControl(data)
		if !ok {
			return d.dropMalformed()
		}
		d.control.Add(1)
		return Update{Kind: UpdateControl, Control: msg}, true
	}

	packet, err := protocol.Decode(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownKind) {
			d.unknownKind.Add(1)
			if d.recorder != nil {
				d.recorder.RecordClientUnknownKind()
			}
			return Update{}, false
		}
		return d.dropMalformed()
	}

	update := Update{
		SourceID:    packet.Header.SourceID,
		TimestampMs: packet.Header.TimestampMs,
	}

	switch packet.Header.Kind {
	case protocol.KindFrequencyBands:
		p, err := protocol.ParseFrequencyBands(packet.Payload)
		if err != nil {
			return d.dropMalformed()
		}
		d.lastBands = d.now()
		update.Kind = UpdateLevel
		update.Level = levelFromBands(p)

	case protocol.KindAudioSamples:
		p, err := protocol.ParseAudioSamples(packet.Payload)
		if err != nil {
			return d.dropMalformed()
		}
		if d.preferBands > 0 && !d.lastBands.IsZero() && d.now().Sub(d.lastBands) < d.preferBands {
			d.samplesSuperseded.Add(1)
			return Update{}, false
		}
		update.Kind = UpdateLevel
		update.Level = levelFromSamples(p)

	case protocol.KindRecordingState:
		p, err := protocol.ParseRecordingState(packet.Payload)
		if err != nil {
			return d.dropMalformed()
		}
		update.Kind = UpdateRecording
		update.Recording = RecordingIdle
		if p.IsRecording {
			update.Recording = RecordingActive
		}
		return update, true

	case protocol.KindPartialTranscript, protocol.KindFinalTranscript:
		p, err := protocol.ParseTranscript(packet.Payload)
		if err != nil {
			return d.dropMalformed()
		}
		update.Kind = UpdateTranscript
		update.Transcript = Transcript{
			Text:       p.Text,
			Confidence: p.Confidence,
			Final:      packet.Header.Kind == protocol.KindFinalTranscript,
		}
		return update, true
	}

	d.levels.Add(1)
	return update, true
}

func (d *Decoder) dropMalformed() (Update, bool) {
	d.malformed.Add(1)
	if d.recorder != nil {
		d.recorder.RecordClientMalformed()
	}
	return Update{}, false
}

// Throttle returns how long until the limiter admits another datagram.
// The second result is false when a token is available now.
func (d *Decoder) Throttle() (time.Duration, bool) {
	return d.limiter.TimeUntilNextToken()
}

func levelFromBands(p *protocol.FrequencyBandsPayload) Level {
	raw := p.TotalEnergy
	db := RawLevelToDB(raw)
	return Level{
		Display:  DBToDisplay(db),
		DB:       db,
		Raw:      raw,
		IsSpeech: raw > BandEnergySpeechThreshold,
		Source:   SourceFrequencyBands,
		Bands:    p.Bands,
	}
}

func levelFromSamples(p *protocol.AudioSamplesPayload) Level {
	rms := vad.RMS(p.Samples)
	raw := rms * SampleRMSScale
	db := RawLevelToDB(raw)
	return Level{
		Display:  DBToDisplay(db),
		DB:       db,
		Raw:      raw,
		IsSpeech: rms > SampleRMSSpeechThreshold,
		Source:   SourceAudioSamples,
	}
}

// Stats returns a snapshot of the decoder counters
func (d *Decoder) Stats() Stats {
	return Stats{
		Received:          d.received.Load(),
		RateLimited:       d.rateLimited.Load(),
		Malformed:         d.malformed.Load(),
		UnknownKind:       d.unknownKind.Load(),
		Control:           d.control.Load(),
		Levels:            d.levels.Load(),
		SamplesSuperseded: d.samplesSuperseded.Load(),
	}
}
