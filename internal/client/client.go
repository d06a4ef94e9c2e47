package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/stt-telemetry-service/internal/broadcast"
	"github.com/skypro1111/stt-telemetry-service/internal/meter"
	"github.com/skypro1111/stt-telemetry-service/internal/metrics"
	"github.com/skypro1111/stt-telemetry-service/internal/protocol"
	"github.com/skypro1111/stt-telemetry-service/internal/ratelimit"
	"github.com/skypro1111/stt-telemetry-service/internal/retry"
)

var (
	// ErrRegistrationTimeout is returned when the server does not answer REGISTER in time
	ErrRegistrationTimeout = errors.New("registration timed out")

	// ErrAuthFailed is returned when the server rejects the shared secret
	ErrAuthFailed = errors.New("server rejected registration")

	// ErrAuthError is returned when the server could not check the secret
	ErrAuthError = errors.New("server authentication error")

	// ErrConnectionLost is returned when nothing arrives within the liveness window
	ErrConnectionLost = errors.New("connection lost")
)

// maxThrottle caps the pause taken after a rate-limited datagram
const maxThrottle = 10 * time.Millisecond

// Authenticator builds the REGISTER handshake. *auth.SecretStore implements it.
type Authenticator interface {
	AuthMessage(clientType string) ([]byte, error)
}

// Config contains telemetry client settings
type Config struct {
	ServerAddress       string
	ClientType          string
	KeepaliveInterval   time.Duration
	LivenessTimeout     time.Duration
	RegistrationTimeout time.Duration
	RateLimitCapacity   uint32
	RateLimitRefill     uint32
	RetryInitialDelay   time.Duration
	RetryMaxDelay       time.Duration
	// ReconnectDelay is the first backoff after an established connection
	// drops; zero means retry.InitialConnectionInitialDelay.
	ReconnectDelay time.Duration
}

// Stats represents client counters
type Stats struct {
	Connected     bool        `json:"connected"`
	ClientID      string      `json:"client_id,omitempty"`
	Registrations uint64      `json:"registrations"`
	Reconnects    uint64      `json:"reconnects"`
	Decoder       meter.Stats `json:"decoder"`
}

// Client keeps a registration with the telemetry daemon alive and publishes
// decoded updates to subscribers.
type Client struct {
	config  Config
	auth    Authenticator
	logger  *slog.Logger
	metrics *metrics.Metrics
	decoder *meter.Decoder
	updates *broadcast.Broadcaster[meter.Update]

	mu            sync.RWMutex
	clientID      string
	connected     atomic.Bool
	registrations atomic.Uint64
	reconnects    atomic.Uint64
}

// New creates a client. Run starts it.
func New(cfg Config, auth Authenticator, logger *slog.Logger, m *metrics.Metrics) *Client {
	limiter := ratelimit.New(cfg.RateLimitCapacity, cfg.RateLimitRefill)

	return &Client{
		config:  cfg,
		auth:    auth,
		logger:  logger,
		metrics: m,
		decoder: meter.NewDecoder(meter.WithLimiter(limiter), meter.WithRecorder(m)),
		updates: broadcast.New[meter.Update](),
	}
}

// Subscribe returns a channel of decoded updates. A subscriber that falls
// behind loses its oldest updates.
func (c *Client) Subscribe(buffer int) (<-chan meter.Update, func()) {
	return c.updates.Subscribe(buffer)
}

// Run connects, registers and receives until ctx is cancelled. Every
// failure is followed by a backoff delay and a fresh attempt, so Run only
// returns when ctx is done.
func (c *Client) Run(ctx context.Context) error {
	defer c.updates.Close()

	strategy := c.newStrategy(c.config.RetryInitialDelay)

	for {
		registered, err := c.connect(ctx)
		if ctx.Err() != nil {
			return nil
		}

		if registered {
			strategy = c.newStrategy(c.reconnectDelay())
			c.logger.Warn("Connection to daemon lost", slog.String("error", errString(err)))
		} else {
			c.logger.Warn("Failed to connect to daemon",
				slog.String("address", c.config.ServerAddress),
				slog.String("error", errString(err)),
			)
		}

		strategy.ShouldRetry()
		delay := strategy.NextDelay()
		c.reconnects.Add(1)
		c.metrics.RecordClientReconnect()

		c.logger.Info("Retrying connection",
			slog.Duration("delay", delay),
			slog.Uint64("attempt", uint64(strategy.Attempt)),
		)

		if err := retry.Wait(ctx, delay); err != nil {
			return nil
		}
	}
}

func (c *Client) reconnectDelay() time.Duration {
	if c.config.ReconnectDelay > 0 {
		return c.config.ReconnectDelay
	}
	return retry.InitialConnectionInitialDelay
}

func (c *Client) newStrategy(initial time.Duration) *retry.Strategy {
	return &retry.Strategy{
		InitialDelay:          initial,
		MaxDelay:              max(c.config.RetryMaxDelay, initial),
		UseExponentialBackoff: true,
	}
}

// connect runs one connection lifetime. registered reports whether the
// server acknowledged the handshake before the connection ended.
func (c *Client) connect(ctx context.Context) (registered bool, err error) {
	conn, err := net.Dial("udp", c.config.ServerAddress)
	if err != nil {
		return false, fmt.Errorf("failed to dial %s: %w", c.config.ServerAddress, err)
	}
	defer conn.Close()

	// Unblock pending reads when ctx is cancelled
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	clientID, err := c.register(ctx, conn)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	c.clientID = clientID
	c.mu.Unlock()
	c.connected.Store(true)
	c.registrations.Add(1)
	c.metrics.SetClientConnected(true)
	defer func() {
		c.connected.Store(false)
		c.metrics.SetClientConnected(false)
	}()

	c.logger.Info("Registered with daemon",
		slog.String("client_id", clientID),
		slog.String("address", c.config.ServerAddress),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.keepalive(gctx, conn)
	})
	g.Go(func() error {
		return c.receive(gctx, conn)
	})

	return true, g.Wait()
}

// register sends the handshake and waits for REGISTERED
func (c *Client) register(ctx context.Context, conn net.Conn) (string, error) {
	msg, err := c.auth.AuthMessage(c.config.ClientType)
	if err != nil {
		return "", fmt.Errorf("failed to build registration: %w", err)
	}
	if _, err := conn.Write(msg); err != nil {
		return "", fmt.Errorf("failed to send registration: %w", err)
	}

	deadline := time.Now().Add(c.config.RegistrationTimeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return "", err
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	buf := make([]byte, protocol.MaxPacketSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return "", ErrRegistrationTimeout
			}
			return "", fmt.Errorf("failed to read registration reply: %w", err)
		}

		reply, ok := protocol.ParseControl(buf[:n])
		if !ok {
			continue
		}
		switch reply.Command {
		case protocol.ControlRegistered:
			return reply.ClientID, nil
		case protocol.ControlAuthFailed:
			return "", ErrAuthFailed
		case protocol.ControlAuthError:
			return "", ErrAuthError
		}
	}
}

// keepalive sends PING every keepalive interval
func (c *Client) keepalive(ctx context.Context, conn net.Conn) error {
	ticker := time.NewTicker(c.config.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := conn.Write([]byte(protocol.ControlPing)); err != nil {
				c.logger.Warn("Failed to send keep-alive", slog.String("error", err.Error()))
			}
		}
	}
}

// receive decodes datagrams until the liveness window passes with no
// traffic at all or ctx is cancelled.
func (c *Client) receive(ctx context.Context, conn net.Conn) error {
	buf := make([]byte, protocol.MaxPacketSize+1)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(c.config.LivenessTimeout)); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n, err := conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return fmt.Errorf("%w: no datagrams for %v", ErrConnectionLost, c.config.LivenessTimeout)
			}
			return fmt.Errorf("receive failed: %w", err)
		}
		c.metrics.RecordClientPacket()

		update, ok := c.decoder.Handle(buf[:n])
		if !ok {
			if wait, limited := c.decoder.Throttle(); limited {
				c.logger.Debug("Telemetry rate limit exceeded, dropping datagram")
				time.Sleep(min(wait, maxThrottle))
			}
			continue
		}

		if update.Kind == meter.UpdateControl {
			c.logger.Debug("Control message", slog.String("command", update.Control.Command))
			continue
		}
		c.updates.Publish(update)
	}
}

// Connected reports whether the client currently holds a registration
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Stats returns a snapshot of client counters
func (c *Client) Stats() Stats {
	c.mu.RLock()
	clientID := c.clientID
	c.mu.RUnlock()

	return Stats{
		Connected:     c.connected.Load(),
		ClientID:      clientID,
		Registrations: c.registrations.Load(),
		Reconnects:    c.reconnects.Load(),
		Decoder:       c.decoder.Stats(),
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
