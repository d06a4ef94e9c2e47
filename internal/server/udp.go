package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skypro1111/stt-telemetry-service/internal/config"
	"github.com/skypro1111/stt-telemetry-service/internal/metrics"
	"github.com/skypro1111/stt-telemetry-service/internal/protocol"
)

// ErrNotStarted is returned when the streamer socket has not been bound yet
var ErrNotStarted = errors.New("streamer not started")

// Verifier checks a REGISTER handshake and returns the client type it names.
type Verifier interface {
	Verify(message []byte) (clientType string, ok bool, err error)
}

// Streamer broadcasts telemetry datagrams to registered UDP clients and
// answers their control messages on the same socket.
type Streamer struct {
	conn     *net.UDPConn
	config   *config.ServerConfig
	sourceID uint32
	verifier Verifier
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu      sync.RWMutex
	clients map[string]*streamClient

	packetsSent     atomic.Uint64
	sendErrors      atomic.Uint64
	controlReceived atomic.Uint64
	registrations   atomic.Uint64
	authFailures    atomic.Uint64
	staleRemoved    atomic.Uint64
	oversizeDropped atomic.Uint64
}

type streamClient struct {
	id           string
	addr         *net.UDPAddr
	clientType   string
	registeredAt time.Time
	lastSeen     time.Time
	packetsSent  atomic.Uint64
}

// ClientInfo is a snapshot of one registered client
type ClientInfo struct {
	ID           string    `json:"id"`
	Address      string    `json:"address"`
	ClientType   string    `json:"client_type"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
	PacketsSent  uint64    `json:"packets_sent"`
}

// StreamerStatistics represents streamer counters
type StreamerStatistics struct {
	Clients         int    `json:"clients"`
	PacketsSent     uint64 `json:"packets_sent"`
	SendErrors      uint64 `json:"send_errors"`
	ControlReceived uint64 `json:"control_received"`
	Registrations   uint64 `json:"registrations"`
	AuthFailures    uint64 `json:"auth_failures"`
	StaleRemoved    uint64 `json:"stale_removed"`
	OversizeDropped uint64 `json:"oversize_dropped"`
}

// NewStreamer creates a streamer. Packets it sends carry sourceID in the
// header.
func NewStreamer(cfg *config.ServerConfig, sourceID uint32, verifier Verifier, logger *slog.Logger, m *metrics.Metrics) *Streamer {
	return &Streamer{
		config:   cfg,
		sourceID: sourceID,
		verifier: verifier,
		logger:   logger,
		metrics:  m,
		clients:  make(map[string]*streamClient),
	}
}

// Start binds the UDP socket
func (s *Streamer) Start() error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(s.config.BindAddress, fmt.Sprint(s.config.UDPPort)))
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}
	s.conn = conn

	s.logger.Info("UDP telemetry streamer started",
		slog.String("address", conn.LocalAddr().String()),
		slog.Int("max_clients", s.config.MaxClients),
	)
	return nil
}

// LocalAddr returns the bound address, or nil before Start
func (s *Streamer) LocalAddr() *net.UDPAddr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Run serves control messages until ctx is cancelled, then closes the socket.
func (s *Streamer) Run(ctx context.Context) error {
	if s.conn == nil {
		return ErrNotStarted
	}
	defer s.conn.Close()

	buffer := make([]byte, s.config.ReadBufferSize)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("UDP telemetry streamer stopping",
				slog.Uint64("packets_sent", s.packetsSent.Load()),
				slog.Int("clients", s.ClientCount()),
			)
			return nil
		default:
		}

		// Read deadline lets the loop observe cancellation
		if err := s.conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			return fmt.Errorf("failed to set read deadline: %w", err)
		}

		n, remoteAddr, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("Failed to read UDP datagram", slog.String("error", err.Error()))
			time.Sleep(100 * time.Millisecond)
			continue
		}

		s.handleDatagram(buffer[:n], remoteAddr)
	}
}

// handleDatagram dispatches one inbound control datagram
func (s *Streamer) handleDatagram(data []byte, addr *net.UDPAddr) {
	msg, ok := protocol.ParseControl(data)
	if !ok {
		s.logger.Debug("Ignoring non-control datagram",
			slog.String("remote_addr", addr.String()),
			slog.Int("size", len(data)),
		)
		return
	}

	s.controlReceived.Add(1)
	s.metrics.RecordControlMessage(msg.Command)

	switch msg.Command {
	case protocol.ControlRegister:
		s.handleRegister(data, addr)
	case protocol.ControlPing:
		s.handlePing(addr)
	default:
		s.logger.Debug("Ignoring control message",
			slog.String("command", msg.Command),
			slog.String("remote_addr", addr.String()),
		)
	}
}

func (s *Streamer) handleRegister(data []byte, addr *net.UDPAddr) {
	clientType, ok, err := s.verifier.Verify(data)
	if err != nil {
		s.logger.Error("UDP authentication error",
			slog.String("remote_addr", addr.String()),
			slog.String("error", err.Error()),
		)
		s.reply([]byte(protocol.ControlAuthError), addr)
		return
	}
	if !ok {
		s.authFailures.Add(1)
		s.metrics.RecordAuthFailure()
		s.logger.Warn("Authentication failed for UDP registration", slog.String("remote_addr", addr.String()))
		s.reply([]byte(protocol.ControlAuthFailed), addr)
		return
	}

	clientID := fmt.Sprintf("udp_client_%d", addr.Port)
	now := time.Now()

	s.mu.Lock()
	if _, exists := s.clients[clientID]; !exists && len(s.clients) >= s.config.MaxClients {
		s.mu.Unlock()
		s.logger.Warn("Client limit reached, ignoring registration",
			slog.String("remote_addr", addr.String()),
			slog.Int("max_clients", s.config.MaxClients),
		)
		return
	}
	s.clients[clientID] = &streamClient{
		id:           clientID,
		addr:         addr,
		clientType:   clientType,
		registeredAt: now,
		lastSeen:     now,
	}
	count := len(s.clients)
	s.mu.Unlock()

	s.registrations.Add(1)
	s.metrics.RecordClientRegistered()
	s.metrics.SetRegisteredClients(count)

	s.logger.Info("UDP client registered",
		slog.String("client_id", clientID),
		slog.String("client_type", clientType),
		slog.String("remote_addr", addr.String()),
	)
	s.reply(protocol.RegisteredMessage(clientID), addr)
}

// handlePing refreshes a registered client and answers PONG. Unregistered
// senders get no reply so their liveness check triggers a new registration.
func (s *Streamer) handlePing(addr *net.UDPAddr) {
	key := addr.String()

	s.mu.Lock()
	var found *streamClient
	for _, c := range s.clients {
		if c.addr.String() == key {
			found = c
			break
		}
	}
	if found != nil {
		found.lastSeen = time.Now()
	}
	s.mu.Unlock()

	if found == nil {
		s.logger.Debug("PING from unregistered address", slog.String("remote_addr", key))
		return
	}
	s.reply([]byte(protocol.ControlPong), addr)
}

func (s *Streamer) reply(msg []byte, addr *net.UDPAddr) {
	if _, err := s.conn.WriteToUDP(msg, addr); err != nil {
		s.logger.Warn("Failed to send control reply",
			slog.String("remote_addr", addr.String()),
			slog.String("error", err.Error()),
		)
	}
}

// BroadcastRecordingState announces a recording start or stop
func (s *Streamer) BroadcastRecordingState(isRecording bool) error {
	payload, _ := (&protocol.RecordingStatePayload{
		IsRecording: isRecording,
		TimestampMs: uint64(time.Now().UnixMilli()),
	}).MarshalBinary()

	s.logger.Info("Broadcasting recording state", slog.Bool("is_recording", isRecording))
	return s.broadcast(protocol.KindRecordingState, payload)
}

// BroadcastFrequencyBands sends a spectral summary
func (s *Streamer) BroadcastFrequencyBands(bands []float32, sampleRate, totalEnergy float32) error {
	payload, _ := (&protocol.FrequencyBandsPayload{
		SampleRate:  sampleRate,
		TotalEnergy: totalEnergy,
		Bands:       bands,
	}).MarshalBinary()
	return s.broadcast(protocol.KindFrequencyBands, payload)
}

// BroadcastAudioSamples sends raw samples, truncated to one datagram
func (s *Streamer) BroadcastAudioSamples(samples []float32, sampleRate float32, channels uint16) error {
	fitted := protocol.FitAudioSamples(samples)
	if len(fitted) < len(samples) {
		s.logger.Debug("Truncating audio samples to fit one datagram",
			slog.Int("samples", len(samples)),
			slog.Int("sent", len(fitted)),
		)
	}

	payload, _ := (&protocol.AudioSamplesPayload{
		SampleRate: sampleRate,
		Channels:   channels,
		Samples:    fitted,
	}).MarshalBinary()
	return s.broadcast(protocol.KindAudioSamples, payload)
}

// BroadcastTranscript sends partial or final text. Text that does not fit a
// datagram is dropped with a warning.
func (s *Streamer) BroadcastTranscript(text string, confidence float32, final bool) error {
	kind := protocol.KindPartialTranscript
	if final {
		kind = protocol.KindFinalTranscript
	}

	payload, _ := (&protocol.TranscriptPayload{Confidence: confidence, Text: text}).MarshalBinary()
	if len(payload) > protocol.MaxPayloadSize {
		s.oversizeDropped.Add(1)
		s.metrics.RecordOversizeDropped(kind.String())
		s.logger.Warn("Transcript too large for one datagram, dropping",
			slog.String("kind", kind.String()),
			slog.Int("payload_size", len(payload)),
		)
		return nil
	}
	return s.broadcast(kind, payload)
}

// broadcast sends one packet to every registered client. Clients whose send
// fails are removed.
func (s *Streamer) broadcast(kind protocol.Kind, payload []byte) error {
	if s.conn == nil {
		return ErrNotStarted
	}

	packet, err := protocol.Encode(kind, s.sourceID, payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s packet: %w", kind, err)
	}

	s.mu.RLock()
	targets := make([]*streamClient, 0, len(s.clients))
	for _, c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	var failed []*streamClient
	for _, c := range targets {
		if _, err := s.conn.WriteToUDP(packet, c.addr); err != nil {
			s.sendErrors.Add(1)
			s.metrics.RecordSendError()
			s.logger.Warn("Failed to send packet to client",
				slog.String("client_id", c.id),
				slog.String("error", err.Error()),
			)
			failed = append(failed, c)
			continue
		}
		c.packetsSent.Add(1)
		s.packetsSent.Add(1)
		s.metrics.RecordPacketSent(kind.String())
	}

	if len(failed) > 0 {
		s.mu.Lock()
		for _, c := range failed {
			// A re-registration may have replaced the entry meanwhile
			if s.clients[c.id] == c {
				delete(s.clients, c.id)
				s.logger.Info("Removed failed client", slog.String("client_id", c.id))
			}
		}
		count := len(s.clients)
		s.mu.Unlock()
		s.metrics.SetRegisteredClients(count)
	}

	return nil
}

// RunCleanup removes clients that have not been seen within the stale
// timeout, checking every cleanup interval until ctx is cancelled.
func (s *Streamer) RunCleanup(ctx context.Context) error {
	ticker := time.NewTicker(s.config.GetCleanupIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("UDP cleanup task shutting down")
			return nil
		case now := <-ticker.C:
			s.removeStale(now, s.config.GetStaleTimeoutDuration())
		}
	}
}

// removeStale deletes clients idle longer than timeout and returns how many
func (s *Streamer) removeStale(now time.Time, timeout time.Duration) int {
	s.mu.Lock()
	removed := 0
	for id, c := range s.clients {
		if now.Sub(c.lastSeen) > timeout {
			delete(s.clients, id)
			removed++
			s.logger.Info("Removed stale client",
				slog.String("client_id", id),
				slog.Duration("idle", now.Sub(c.lastSeen)),
			)
		}
	}
	count := len(s.clients)
	s.mu.Unlock()

	if removed > 0 {
		s.staleRemoved.Add(uint64(removed))
		s.metrics.RecordStaleClientsRemoved(removed)
		s.metrics.SetRegisteredClients(count)
	}
	return removed
}

// HasClients reports whether any client is registered
func (s *Streamer) HasClients() bool {
	return s.ClientCount() > 0
}

// ClientCount returns the number of registered clients
func (s *Streamer) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Clients returns a snapshot of registered clients ordered by id
func (s *Streamer) Clients() []ClientInfo {
	s.mu.RLock()
	infos := make([]ClientInfo, 0, len(s.clients))
	for _, c := range s.clients {
		infos = append(infos, ClientInfo{
			ID:           c.id,
			Address:      c.addr.String(),
			ClientType:   c.clientType,
			RegisteredAt: c.registeredAt,
			LastSeen:     c.lastSeen,
			PacketsSent:  c.packetsSent.Load(),
		})
	}
	s.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// GetStatistics returns current streamer statistics
func (s *Streamer) GetStatistics() StreamerStatistics {
	return StreamerStatistics{
		Clients:         s.ClientCount(),
		PacketsSent:     s.packetsSent.Load(),
		SendErrors:      s.sendErrors.Load(),
		ControlReceived: s.controlReceived.Load(),
		Registrations:   s.registrations.Load(),
		AuthFailures:    s.authFailures.Load(),
		StaleRemoved:    s.staleRemoved.Load(),
		OversizeDropped: s.oversizeDropped.Load(),
	}
}
