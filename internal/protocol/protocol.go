package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Wire constants
const (
	// HeaderSize is the envelope size: kind(1) + timestamp(4) + source(4) + length(2)
	HeaderSize = 11

	// MaxPacketSize is the largest datagram that crosses a loopback or LAN
	// link without IP fragmentation.
	MaxPacketSize = 1400

	// MaxPayloadSize is the largest payload that fits a single datagram.
	MaxPayloadSize = MaxPacketSize - HeaderSize
)

// Kind tags the payload carried by a packet. Values are fixed for wire
// compatibility.
type Kind uint8

const (
	KindPartialTranscript Kind = 2
	KindFinalTranscript   Kind = 3
	KindAudioSamples      Kind = 4
	KindRecordingState    Kind = 5
	KindFrequencyBands    Kind = 6
)

// Valid reports whether k is a kind this package can decode.
func (k Kind) Valid() bool {
	return k >= KindPartialTranscript && k <= KindFrequencyBands
}

// String returns a human-readable kind name
func (k Kind) String() string {
	switch k {
	case KindPartialTranscript:
		return "PartialTranscript"
	case KindFinalTranscript:
		return "FinalTranscript"
	case KindAudioSamples:
		return "AudioSamples"
	case KindRecordingState:
		return "RecordingState"
	case KindFrequencyBands:
		return "FrequencyBands"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(k))
	}
}

var (
	// ErrMalformedPacket is wrapped by every DecodeError.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrUnknownKind is returned for envelopes whose kind this version does
	// not understand. The header is still returned so callers can log it.
	ErrUnknownKind = errors.New("unrecognized packet kind")

	// ErrPacketTooLarge is returned by the encoder when the payload does not
	// fit a single datagram. The codec never chunks.
	ErrPacketTooLarge = errors.New("payload exceeds maximum packet size")
)

// DecodeError describes a truncated or inconsistent buffer.
type DecodeError struct {
	Reason string
	Want   int
	Got    int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %s (want %d, got %d)", ErrMalformedPacket, e.Reason, e.Want, e.Got)
}

func (e *DecodeError) Unwrap() error {
	return ErrMalformedPacket
}

// Header is the envelope prefixed to every datagram.
// Layout: [Kind:1][TimestampMs:4][SourceID:4][PayloadLen:2], little-endian.
type Header struct {
	Kind        Kind
	TimestampMs uint32 // monotonic milliseconds, wraps after ~49.7 days
	SourceID    uint32
	PayloadLen  uint16
}

// Packet is a decoded envelope plus its raw payload bytes.
type Packet struct {
	Header  Header
	Payload []byte
}

// epoch anchors envelope timestamps to the monotonic clock.
var epoch = time.Now()

// Timestamp returns milliseconds elapsed on the monotonic clock, truncated
// to 32 bits.
func Timestamp() uint32 {
	return uint32(time.Since(epoch).Milliseconds())
}

// ParseHeader parses the 11-byte envelope header
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, &DecodeError{Reason: "header too short", Want: HeaderSize, Got: len(data)}
	}

	return Header{
		Kind:        Kind(data[0]),
		TimestampMs: binary.LittleEndian.Uint32(data[1:5]),
		SourceID:    binary.LittleEndian.Uint32(data[5:9]),
		PayloadLen:  binary.LittleEndian.Uint16(data[9:11]),
	}, nil
}

// AppendHeader appends the wire form of h to dst.
func AppendHeader(dst []byte, h Header) []byte {
	dst = append(dst, byte(h.Kind))
	dst = binary.LittleEndian.AppendUint32(dst, h.TimestampMs)
	dst = binary.LittleEndian.AppendUint32(dst, h.SourceID)
	return binary.LittleEndian.AppendUint16(dst, h.PayloadLen)
}

// Encode frames payload in an envelope stamped with the current monotonic
// timestamp.
func Encode(kind Kind, sourceID uint32, payload []byte) ([]byte, error) {
	return EncodeAt(kind, sourceID, Timestamp(), payload)
}

// EncodeAt frames payload with an explicit timestamp.
func EncodeAt(kind Kind, sourceID, timestampMs uint32, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrPacketTooLarge, len(payload), MaxPayloadSize)
	}

	buf := make([]byte, 0, HeaderSize+len(payload))
	buf = AppendHeader(buf, Header{
		Kind:        kind,
		TimestampMs: timestampMs,
		SourceID:    sourceID,
		PayloadLen:  uint16(len(payload)),
	})
	return append(buf, payload...), nil
}

// Decode parses a complete datagram. Length fields are checked against the
// buffer before the payload is sliced. The returned payload aliases data.
func Decode(data []byte) (*Packet, error) {
	if len(data) > MaxPacketSize {
		return nil, &DecodeError{Reason: "datagram exceeds maximum size", Want: MaxPacketSize, Got: len(data)}
	}

	header, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}

	remaining := len(data) - HeaderSize
	if int(header.PayloadLen) != remaining {
		return nil, &DecodeError{Reason: "payload length mismatch", Want: int(header.PayloadLen), Got: remaining}
	}

	packet := &Packet{
		Header:  header,
		Payload: data[HeaderSize:],
	}

	if !header.Kind.Valid() {
		return packet, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(header.Kind))
	}

	return packet, nil
}
