package protocol

import (
	"encoding/binary"
	"math"
	"unicode/utf8"
)

// Payload sizes
const (
	audioSamplesPrefixSize   = 4 + 2 + 4 // sample_rate + channel_count + sample_count
	frequencyBandsPrefixSize = 4 + 4 + 4 // sample_rate + total_energy + band_count
	transcriptPrefixSize     = 4         // confidence

	// RecordingStatePayloadSize is fixed: is_recording(1) + timestamp_ms(8)
	RecordingStatePayloadSize = 9

	// MaxAudioSamples is the number of f32 samples that fit one datagram.
	MaxAudioSamples = (MaxPayloadSize - audioSamplesPrefixSize) / 4

	// MaxFrequencyBands is the number of f32 bands that fit one datagram.
	MaxFrequencyBands = (MaxPayloadSize - frequencyBandsPrefixSize) / 4
)

// AudioSamplesPayload carries a block of raw samples.
// Layout: [SampleRate:f32][Channels:u16][Count:u32][Samples:f32*Count]
type AudioSamplesPayload struct {
	SampleRate float32
	Channels   uint16
	Samples    []float32
}

// MarshalBinary encodes the payload. It never fails; size limits are
// enforced by the envelope encoder.
func (p *AudioSamplesPayload) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, audioSamplesPrefixSize+4*len(p.Samples))
	buf = appendFloat32(buf, p.SampleRate)
	buf = binary.LittleEndian.AppendUint16(buf, p.Channels)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(p.Samples)))
	for _, s := range p.Samples {
		buf = appendFloat32(buf, s)
	}
	return buf, nil
}

// ParseAudioSamples decodes an AudioSamples payload
func ParseAudioSamples(data []byte) (*AudioSamplesPayload, error) {
	if len(data) < audioSamplesPrefixSize {
		return nil, &DecodeError{Reason: "audio samples payload too short", Want: audioSamplesPrefixSize, Got: len(data)}
	}

	count := binary.LittleEndian.Uint32(data[6:10])
	want := uint64(audioSamplesPrefixSize) + 4*uint64(count)
	if uint64(len(data)) < want {
		return nil, &DecodeError{Reason: "sample count exceeds payload", Want: int(min(want, math.MaxInt32)), Got: len(data)}
	}

	payload := &AudioSamplesPayload{
		SampleRate: readFloat32(data[0:4]),
		Channels:   binary.LittleEndian.Uint16(data[4:6]),
		Samples:    readFloat32s(data[audioSamplesPrefixSize:], int(count)),
	}
	return payload, nil
}

// FitAudioSamples truncates samples to what a single datagram can carry.
func FitAudioSamples(samples []float32) []float32 {
	if len(samples) > MaxAudioSamples {
		return samples[:MaxAudioSamples]
	}
	return samples
}

// FrequencyBandsPayload carries a spectral summary of the latest audio.
// Layout: [SampleRate:f32][TotalEnergy:f32][BandCount:u32][Bands:f32*BandCount]
type FrequencyBandsPayload struct {
	SampleRate  float32
	TotalEnergy float32
	Bands       []float32
}

// MarshalBinary encodes the payload
func (p *FrequencyBandsPayload) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, frequencyBandsPrefixSize+4*len(p.Bands))
	buf = appendFloat32(buf, p.SampleRate)
	buf = appendFloat32(buf, p.TotalEnergy)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(p.Bands)))
	for _, b := range p.Bands {
		buf = appendFloat32(buf, b)
	}
	return buf, nil
}

// ParseFrequencyBands decodes a FrequencyBands payload. Any band count the
// buffer can back is accepted.
func ParseFrequencyBands(data []byte) (*FrequencyBandsPayload, error) {
	if len(data) < frequencyBandsPrefixSize {
		return nil, &DecodeError{Reason: "frequency bands payload too short", Want: frequencyBandsPrefixSize, Got: len(data)}
	}

	count := binary.LittleEndian.Uint32(data[8:12])
	want := uint64(frequencyBandsPrefixSize) + 4*uint64(count)
	if uint64(len(data)) < want {
		return nil, &DecodeError{Reason: "band count exceeds payload", Want: int(min(want, math.MaxInt32)), Got: len(data)}
	}

	payload := &FrequencyBandsPayload{
		SampleRate:  readFloat32(data[0:4]),
		TotalEnergy: readFloat32(data[4:8]),
		Bands:       readFloat32s(data[frequencyBandsPrefixSize:], int(count)),
	}
	return payload, nil
}

// RecordingStatePayload announces a recording lifecycle transition.
// Layout: [IsRecording:1][TimestampMs:u64]
type RecordingStatePayload struct {
	IsRecording bool
	TimestampMs uint64 // wall-clock unix milliseconds
}

// MarshalBinary encodes the payload
func (p *RecordingStatePayload) MarshalBinary() ([]byte, error) {
	buf := make([]byte, RecordingStatePayloadSize)
	if p.IsRecording {
		buf[0] = 1
	}
	binary.LittleEndian.PutUint64(buf[1:], p.TimestampMs)
	return buf, nil
}

// ParseRecordingState decodes a RecordingState payload. Trailing bytes are
// ignored; any non-zero flag byte means recording.
func ParseRecordingState(data []byte) (*RecordingStatePayload, error) {
	if len(data) < RecordingStatePayloadSize {
		return nil, &DecodeError{Reason: "recording state payload too short", Want: RecordingStatePayloadSize, Got: len(data)}
	}

	return &RecordingStatePayload{
		IsRecording: data[0] != 0,
		TimestampMs: binary.LittleEndian.Uint64(data[1:9]),
	}, nil
}

// TranscriptPayload carries partial or final recognized text.
// Layout: [Confidence:f32][Text:utf8...]
type TranscriptPayload struct {
	Confidence float32
	Text       string
}

// MarshalBinary encodes the payload
func (p *TranscriptPayload) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, transcriptPrefixSize+len(p.Text))
	buf = appendFloat32(buf, p.Confidence)
	return append(buf, p.Text...), nil
}

// ParseTranscript decodes a PartialTranscript or FinalTranscript payload
func ParseTranscript(data []byte) (*TranscriptPayload, error) {
	if len(data) < transcriptPrefixSize {
		return nil, &DecodeError{Reason: "transcript payload too short", Want: transcriptPrefixSize, Got: len(data)}
	}

	text := data[transcriptPrefixSize:]
	if !utf8.Valid(text) {
		return nil, &DecodeError{Reason: "transcript text is not valid UTF-8", Want: len(text), Got: 0}
	}

	return &TranscriptPayload{
		Confidence: readFloat32(data[0:4]),
		Text:       string(text),
	}, nil
}

func appendFloat32(dst []byte, v float32) []byte {
	return binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
}

func readFloat32(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

// readFloat32s reads n floats; the caller has checked len(b) >= 4*n.
func readFloat32s(b []byte, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = readFloat32(b[4*i:])
	}
	return out
}
