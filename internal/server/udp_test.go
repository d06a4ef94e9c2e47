package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/skypro1111/stt-telemetry-service/internal/config"
	"github.com/skypro1111/stt-telemetry-service/internal/protocol"
)

const testSourceID = 7

// fakeVerifier accepts the secret "good" and fails hard on "boom"
type fakeVerifier struct{}

func (fakeVerifier) Verify(message []byte) (string, bool, error) {
	msg, ok := protocol.ParseControl(message)
	if !ok || msg.Command != protocol.ControlRegister {
		return "", false, nil
	}
	switch msg.Secret {
	case "good":
		return msg.ClientType, true, nil
	case "boom":
		return "", false, errors.New("secret store unavailable")
	}
	return "", false, nil
}

func testServerConfig(maxClients int) *config.ServerConfig {
	return &config.ServerConfig{
		BindAddress:     "127.0.0.1",
		UDPPort:         0,
		ReadBufferSize:  2048,
		MaxClients:      maxClients,
		StaleTimeout:    300,
		CleanupInterval: 30,
	}
}

// startStreamer binds a streamer on a loopback port and serves it until the
// test ends.
func startStreamer(t *testing.T, maxClients int) *Streamer {
	t.Helper()

	s := NewStreamer(testServerConfig(maxClients), testSourceID, fakeVerifier{}, slog.New(slog.DiscardHandler), nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("Run() did not return after cancel")
		}
	})
	return s
}

func dialStreamer(t *testing.T, s *Streamer) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, s.LocalAddr())
	if err != nil {
		t.Fatalf("DialUDP() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// exchange sends msg and returns the reply, or "" when none arrives
func exchange(t *testing.T, conn *net.UDPConn, msg []byte, wait time.Duration) string {
	t.Helper()
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return readText(t, conn, wait)
}

func readText(t *testing.T, conn *net.UDPConn, wait time.Duration) string {
	t.Helper()
	buf := make([]byte, protocol.MaxPacketSize)
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	n, err := conn.Read(buf)
	if err != nil {
		return ""
	}
	return string(buf[:n])
}

func readPacket(t *testing.T, conn *net.UDPConn) *protocol.Packet {
	t.Helper()
	buf := make([]byte, protocol.MaxPacketSize+64)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("reading packet: %v", err)
	}
	pkt, err := protocol.Decode(buf[:n])
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	return pkt
}

func register(t *testing.T, s *Streamer) *net.UDPConn {
	t.Helper()
	conn := dialStreamer(t, s)
	reply := exchange(t, conn, protocol.RegisterMessage("meter", "good"), 2*time.Second)
	if !strings.HasPrefix(reply, protocol.ControlRegistered+":") {
		t.Fatalf("register reply = %q, want REGISTERED", reply)
	}
	return conn
}

func TestStreamerRegister(t *testing.T) {
	tests := []struct {
		name       string
		secret     string
		wantPrefix string
		wantCount  int
	}{
		{name: "valid secret", secret: "good", wantPrefix: protocol.ControlRegistered + ":udp_client_", wantCount: 1},
		{name: "wrong secret", secret: "bad", wantPrefix: protocol.ControlAuthFailed, wantCount: 0},
		{name: "verifier error", secret: "boom", wantPrefix: protocol.ControlAuthError, wantCount: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := startStreamer(t, 4)
			conn := dialStreamer(t, s)

			reply := exchange(t, conn, protocol.RegisterMessage("meter", tt.secret), 2*time.Second)
			if !strings.HasPrefix(reply, tt.wantPrefix) {
				t.Errorf("reply = %q, want prefix %q", reply, tt.wantPrefix)
			}
			if got := s.ClientCount(); got != tt.wantCount {
				t.Errorf("ClientCount() = %d, want %d", got, tt.wantCount)
			}
		})
	}
}

func TestStreamerRegisteredClientID(t *testing.T) {
	s := startStreamer(t, 4)
	conn := register(t, s)

	port := conn.LocalAddr().(*net.UDPAddr).Port
	clients := s.Clients()
	if len(clients) != 1 {
		t.Fatalf("Clients() returned %d entries, want 1", len(clients))
	}
	want := "udp_client_" + strconv.Itoa(port)
	if clients[0].ID != want {
		t.Errorf("client ID = %q, want %q", clients[0].ID, want)
	}
	if clients[0].ClientType != "meter" {
		t.Errorf("client type = %q, want meter", clients[0].ClientType)
	}

	stats := s.GetStatistics()
	if stats.Registrations != 1 || stats.ControlReceived != 1 {
		t.Errorf("stats = %+v, want one registration and one control message", stats)
	}
}

func TestStreamerPing(t *testing.T) {
	s := startStreamer(t, 4)

	t.Run("registered", func(t *testing.T) {
		conn := register(t, s)
		before := s.Clients()[0].LastSeen

		time.Sleep(5 * time.Millisecond)
		if reply := exchange(t, conn, []byte(protocol.ControlPing), 2*time.Second); reply != protocol.ControlPong {
			t.Fatalf("ping reply = %q, want PONG", reply)
		}
		if after := s.Clients()[0].LastSeen; !after.After(before) {
			t.Error("PING did not refresh last seen")
		}
	})

	t.Run("unregistered", func(t *testing.T) {
		conn := dialStreamer(t, s)
		if reply := exchange(t, conn, []byte(protocol.ControlPing), 200*time.Millisecond); reply != "" {
			t.Errorf("unregistered ping got reply %q, want none", reply)
		}
	})
}

func TestStreamerMaxClients(t *testing.T) {
	s := startStreamer(t, 1)
	first := register(t, s)

	second := dialStreamer(t, s)
	if reply := exchange(t, second, protocol.RegisterMessage("meter", "good"), 200*time.Millisecond); reply != "" {
		t.Errorf("registration over the limit got reply %q", reply)
	}
	if got := s.ClientCount(); got != 1 {
		t.Errorf("ClientCount() = %d, want 1", got)
	}

	// an existing client may re-register at the limit
	if reply := exchange(t, first, protocol.RegisterMessage("meter", "good"), 2*time.Second); !strings.HasPrefix(reply, protocol.ControlRegistered) {
		t.Errorf("re-registration reply = %q, want REGISTERED", reply)
	}
}

func TestStreamerBroadcastRecordingState(t *testing.T) {
	s := startStreamer(t, 4)
	conn := register(t, s)

	if err := s.BroadcastRecordingState(true); err != nil {
		t.Fatalf("BroadcastRecordingState() error = %v", err)
	}

	pkt := readPacket(t, conn)
	if pkt.Header.Kind != protocol.KindRecordingState {
		t.Fatalf("kind = %v, want %v", pkt.Header.Kind, protocol.KindRecordingState)
	}
	if pkt.Header.SourceID != testSourceID {
		t.Errorf("source id = %d, want %d", pkt.Header.SourceID, testSourceID)
	}
	state, err := protocol.ParseRecordingState(pkt.Payload)
	if err != nil {
		t.Fatalf("ParseRecordingState() error = %v", err)
	}
	if !state.IsRecording {
		t.Error("IsRecording = false, want true")
	}
	if got := s.Clients()[0].PacketsSent; got != 1 {
		t.Errorf("client PacketsSent = %d, want 1", got)
	}
}

func TestStreamerBroadcastFrequencyBands(t *testing.T) {
	s := startStreamer(t, 4)
	conn := register(t, s)

	bands := []float32{0.1, 0.2, 0.3}
	if err := s.BroadcastFrequencyBands(bands, 16000, 0.14); err != nil {
		t.Fatalf("BroadcastFrequencyBands() error = %v", err)
	}

	pkt := readPacket(t, conn)
	got, err := protocol.ParseFrequencyBands(pkt.Payload)
	if err != nil {
		t.Fatalf("ParseFrequencyBands() error = %v", err)
	}
	if got.SampleRate != 16000 || len(got.Bands) != len(bands) {
		t.Errorf("payload = %+v, want 3 bands at 16000 Hz", got)
	}
}

func TestStreamerBroadcastAudioSamplesTruncates(t *testing.T) {
	s := startStreamer(t, 4)
	conn := register(t, s)

	samples := make([]float32, protocol.MaxAudioSamples+100)
	if err := s.BroadcastAudioSamples(samples, 16000, 1); err != nil {
		t.Fatalf("BroadcastAudioSamples() error = %v", err)
	}

	pkt := readPacket(t, conn)
	got, err := protocol.ParseAudioSamples(pkt.Payload)
	if err != nil {
		t.Fatalf("ParseAudioSamples() error = %v", err)
	}
	if len(got.Samples) != protocol.MaxAudioSamples {
		t.Errorf("sent %d samples, want %d", len(got.Samples), protocol.MaxAudioSamples)
	}
}

func TestStreamerBroadcastTranscript(t *testing.T) {
	s := startStreamer(t, 4)
	conn := register(t, s)

	if err := s.BroadcastTranscript(strings.Repeat("x", protocol.MaxPayloadSize), 0.5, true); err != nil {
		t.Fatalf("oversize BroadcastTranscript() error = %v", err)
	}
	if got := s.GetStatistics().OversizeDropped; got != 1 {
		t.Errorf("OversizeDropped = %d, want 1", got)
	}

	if err := s.BroadcastTranscript("hello", 0.9, false); err != nil {
		t.Fatalf("BroadcastTranscript() error = %v", err)
	}
	pkt := readPacket(t, conn)
	if pkt.Header.Kind != protocol.KindPartialTranscript {
		t.Fatalf("kind = %v, want partial transcript; the oversize one must not be sent", pkt.Header.Kind)
	}
	tr, err := protocol.ParseTranscript(pkt.Payload)
	if err != nil {
		t.Fatalf("ParseTranscript() error = %v", err)
	}
	if tr.Text != "hello" {
		t.Errorf("text = %q, want hello", tr.Text)
	}
}

func TestStreamerRemoveStale(t *testing.T) {
	s := startStreamer(t, 4)
	register(t, s)
	register(t, s)

	if n := s.removeStale(time.Now(), 5*time.Minute); n != 0 {
		t.Errorf("removeStale(now) removed %d fresh clients", n)
	}
	if n := s.removeStale(time.Now().Add(6*time.Minute), 5*time.Minute); n != 2 {
		t.Errorf("removeStale(+6m) removed %d, want 2", n)
	}
	if s.HasClients() {
		t.Error("HasClients() = true after removing every client")
	}
	if got := s.GetStatistics().StaleRemoved; got != 2 {
		t.Errorf("StaleRemoved = %d, want 2", got)
	}
}

func TestStreamerNotStarted(t *testing.T) {
	s := NewStreamer(testServerConfig(4), testSourceID, fakeVerifier{}, slog.New(slog.DiscardHandler), nil)

	if err := s.Run(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Run() error = %v, want ErrNotStarted", err)
	}
	if err := s.BroadcastRecordingState(false); !errors.Is(err, ErrNotStarted) {
		t.Errorf("BroadcastRecordingState() error = %v, want ErrNotStarted", err)
	}
	if s.LocalAddr() != nil {
		t.Error("LocalAddr() before Start is not nil")
	}
}

func TestStreamerIgnoresTelemetryDatagrams(t *testing.T) {
	s := startStreamer(t, 4)
	conn := dialStreamer(t, s)

	pkt, err := protocol.Encode(protocol.KindRecordingState, 1, make([]byte, protocol.RecordingStatePayloadSize))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if reply := exchange(t, conn, pkt, 200*time.Millisecond); reply != "" {
		t.Errorf("binary datagram got reply %q", reply)
	}
	if got := s.GetStatistics().ControlReceived; got != 0 {
		t.Errorf("ControlReceived = %d, want 0", got)
	}
}
