package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skypro1111/stt-telemetry-service/internal/vad"
)

// Config represents the complete service configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	HTTP          HTTPConfig          `yaml:"http"`
	Audio         AudioConfig         `yaml:"audio"`
	VAD           VADConfig           `yaml:"vad"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Client        ClientConfig        `yaml:"client"`
	Auth          AuthConfig          `yaml:"auth"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig contains UDP telemetry streamer configuration
type ServerConfig struct {
	BindAddress     string `yaml:"bind_address"`
	UDPPort         int    `yaml:"udp_port"`
	ReadBufferSize  int    `yaml:"read_buffer_size"` // bytes
	MaxClients      int    `yaml:"max_clients"`
	StaleTimeout    int    `yaml:"stale_timeout"`    // seconds
	CleanupInterval int    `yaml:"cleanup_interval"` // seconds
}

// HTTPConfig contains HTTP status API configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// AudioConfig contains microphone capture parameters
type AudioConfig struct {
	DeviceID        int    `yaml:"device_id"` // -1 selects the default input
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FramesPerBuffer int    `yaml:"frames_per_buffer"`
	Latency         string `yaml:"latency"` // low or high
}

// VADConfig contains the adaptive voice activity detector constants
type VADConfig struct {
	GracePeriodMs     int `yaml:"grace_period_ms"`
	SilenceTimeoutMs  int `yaml:"silence_timeout_ms"`
	NoSpeechTimeoutMs int `yaml:"no_speech_timeout_ms"`

	SpeechWindowSize int `yaml:"speech_window_size"` // chunks
	RecentLevelsSize int `yaml:"recent_levels_size"`
	QuietLevelsSize  int `yaml:"quiet_levels_size"`
	ActiveLevelsSize int `yaml:"active_levels_size"`

	InitialBaselineLevel float32 `yaml:"initial_baseline_level"`
	InitialActiveLevel   float32 `yaml:"initial_active_level"`
	MinThreshold         float32 `yaml:"min_threshold"`
	MaxThreshold         float32 `yaml:"max_threshold"`
	ContrastFraction     float32 `yaml:"contrast_fraction"`
	MinActiveBoost       float32 `yaml:"min_active_boost"`
	BaselinePercentile   float32 `yaml:"baseline_percentile"`
	ActivePercentile     float32 `yaml:"active_percentile"`
	SpeechRatio          float32 `yaml:"speech_ratio"`

	DebugInterval int `yaml:"debug_interval"` // chunks, 0 disables
}

// TelemetryConfig contains what the daemon broadcasts while capturing
type TelemetryConfig struct {
	SourceID         uint32 `yaml:"source_id"`
	BandCount        int    `yaml:"band_count"`
	FFTSize          int    `yaml:"fft_size"`
	BroadcastSamples bool   `yaml:"broadcast_samples"`
	SessionHistory   int    `yaml:"session_history"`
}

// ClientConfig contains telemetry client parameters
type ClientConfig struct {
	ServerAddress       string `yaml:"server_address"`
	ClientType          string `yaml:"client_type"`
	KeepaliveInterval   int    `yaml:"keepalive_interval"`   // seconds
	LivenessTimeout     int    `yaml:"liveness_timeout"`     // seconds
	RegistrationTimeout int    `yaml:"registration_timeout"` // seconds
	RateLimitCapacity   uint32 `yaml:"rate_limit_capacity"`
	RateLimitRefill     uint32 `yaml:"rate_limit_refill"` // tokens per second
	RetryInitialDelayMs int    `yaml:"retry_initial_delay_ms"`
	RetryMaxDelayMs     int    `yaml:"retry_max_delay_ms"`
	// first delay after an established connection drops
	ReconnectDelayMs int `yaml:"reconnect_delay_ms"`
}

// AuthConfig contains shared secret configuration
type AuthConfig struct {
	SecretPath string `yaml:"secret_path"` // empty uses the runtime directory default
}

// TranscriptionConfig contains the optional speech-to-text API configuration
type TranscriptionConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	Language      string `yaml:"language"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used when no file overrides a value
func Default() *Config {
	engine := vad.DefaultConfig()

	return &Config{
		Server: ServerConfig{
			BindAddress:     "127.0.0.1",
			UDPPort:         8765,
			ReadBufferSize:  2048,
			MaxClients:      32,
			StaleTimeout:    300,
			CleanupInterval: 30,
		},
		HTTP: HTTPConfig{
			Port:    8766,
			Address: "127.0.0.1",
			Enabled: true,
		},
		Audio: AudioConfig{
			DeviceID:        -1,
			SampleRate:      16000,
			Channels:        1,
			FramesPerBuffer: 512,
			Latency:         "low",
		},
		VAD: VADConfig{
			GracePeriodMs:        int(engine.GracePeriod / time.Millisecond),
			SilenceTimeoutMs:     int(engine.SilenceTimeout / time.Millisecond),
			NoSpeechTimeoutMs:    int(engine.NoSpeechTimeout / time.Millisecond),
			SpeechWindowSize:     engine.SpeechWindowSize,
			RecentLevelsSize:     engine.RecentLevelsSize,
			QuietLevelsSize:      engine.QuietLevelsSize,
			ActiveLevelsSize:     engine.ActiveLevelsSize,
			InitialBaselineLevel: engine.InitialBaselineLevel,
			InitialActiveLevel:   engine.InitialActiveLevel,
			MinThreshold:         engine.MinThreshold,
			MaxThreshold:         engine.MaxThreshold,
			ContrastFraction:     engine.ContrastFraction,
			MinActiveBoost:       engine.MinActiveBoost,
			BaselinePercentile:   engine.BaselinePercentile,
			ActivePercentile:     engine.ActivePercentile,
			SpeechRatio:          engine.SpeechRatio,
			DebugInterval:        engine.DebugInterval,
		},
		Telemetry: TelemetryConfig{
			SourceID:       1,
			BandCount:      32,
			FFTSize:        1024,
			SessionHistory: 50,
		},
		Client: ClientConfig{
			ServerAddress:       "127.0.0.1:8765",
			ClientType:          "meter",
			KeepaliveInterval:   15,
			LivenessTimeout:     45,
			RegistrationTimeout: 3,
			RateLimitCapacity:   50,
			RateLimitRefill:     100,
			RetryInitialDelayMs: 1000,
			RetryMaxDelayMs:     15000,
			ReconnectDelayMs:    500,
		},
		Transcription: TranscriptionConfig{
			Timeout:       30,
			MaxRetries:    3,
			MaxConcurrent: 2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads the configuration file over the defaults and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry config: %w", err)
	}

	if err := c.Client.Validate(); err != nil {
		return fmt.Errorf("client config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.UDPPort < 1 || s.UDPPort > 65535 {
		return fmt.Errorf("udp_port must be between 1 and 65535, got %d", s.UDPPort)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.ReadBufferSize < 1024 {
		return fmt.Errorf("read_buffer_size must be at least 1024 bytes, got %d", s.ReadBufferSize)
	}

	if s.MaxClients < 1 {
		return fmt.Errorf("max_clients must be at least 1, got %d", s.MaxClients)
	}

	if s.CleanupInterval < 1 {
		return fmt.Errorf("cleanup_interval must be at least 1 second, got %d", s.CleanupInterval)
	}

	if s.StaleTimeout < s.CleanupInterval {
		return fmt.Errorf("stale_timeout (%d) cannot be shorter than cleanup_interval (%d)",
			s.StaleTimeout, s.CleanupInterval)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate < 8000 || a.SampleRate > 192000 {
		return fmt.Errorf("sample_rate must be between 8000 and 192000 Hz, got %d", a.SampleRate)
	}

	if a.Channels < 1 || a.Channels > 8 {
		return fmt.Errorf("channels must be between 1 and 8, got %d", a.Channels)
	}

	if a.FramesPerBuffer < 64 || a.FramesPerBuffer > 8192 {
		return fmt.Errorf("frames_per_buffer must be between 64 and 8192, got %d", a.FramesPerBuffer)
	}

	validLatency := map[string]bool{"low": true, "high": true}
	if !validLatency[a.Latency] {
		return fmt.Errorf("latency must be 'low' or 'high', got '%s'", a.Latency)
	}

	return nil
}

// Validate validates VAD configuration by checking the engine settings it produces
func (v *VADConfig) Validate() error {
	engine := v.EngineConfig()
	return engine.Validate()
}

// Validate validates telemetry configuration
func (t *TelemetryConfig) Validate() error {
	if t.BandCount < 2 || t.BandCount > 344 {
		return fmt.Errorf("band_count must be between 2 and 344, got %d", t.BandCount)
	}

	if t.FFTSize < 64 || t.FFTSize&(t.FFTSize-1) != 0 {
		return fmt.Errorf("fft_size must be a power of two of at least 64, got %d", t.FFTSize)
	}

	if t.SessionHistory < 0 {
		return fmt.Errorf("session_history cannot be negative, got %d", t.SessionHistory)
	}

	return nil
}

// Validate validates telemetry client configuration
func (c *ClientConfig) Validate() error {
	if c.ServerAddress == "" {
		return fmt.Errorf("server_address cannot be empty")
	}

	if c.ClientType == "" {
		return fmt.Errorf("client_type cannot be empty")
	}

	if c.KeepaliveInterval < 1 {
		return fmt.Errorf("keepalive_interval must be at least 1 second, got %d", c.KeepaliveInterval)
	}

	if c.LivenessTimeout <= c.KeepaliveInterval {
		return fmt.Errorf("liveness_timeout (%d) must be longer than keepalive_interval (%d)",
			c.LivenessTimeout, c.KeepaliveInterval)
	}

	if c.RegistrationTimeout < 1 {
		return fmt.Errorf("registration_timeout must be at least 1 second, got %d", c.RegistrationTimeout)
	}

	if c.RateLimitCapacity < 1 || c.RateLimitRefill < 1 {
		return fmt.Errorf("rate limit capacity and refill must be positive, got %d and %d",
			c.RateLimitCapacity, c.RateLimitRefill)
	}

	if c.RetryInitialDelayMs < 1 || c.RetryMaxDelayMs < c.RetryInitialDelayMs {
		return fmt.Errorf("retry delays must satisfy 0 < initial <= max, got %d and %d",
			c.RetryInitialDelayMs, c.RetryMaxDelayMs)
	}

	if c.ReconnectDelayMs < 1 || c.ReconnectDelayMs > c.RetryMaxDelayMs {
		return fmt.Errorf("reconnect_delay_ms must be between 1 and retry_max_delay_ms, got %d",
			c.ReconnectDelayMs)
	}

	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	if !t.Enabled {
		return nil
	}

	if t.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty when transcription is enabled")
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", t.MaxRetries)
	}

	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Output is stdout, stderr or a file path; an empty value means stdout.
	return nil
}

// EngineConfig converts the file representation into detector settings
func (v *VADConfig) EngineConfig() vad.Config {
	return vad.Config{
		GracePeriod:          time.Duration(v.GracePeriodMs) * time.Millisecond,
		SilenceTimeout:       time.Duration(v.SilenceTimeoutMs) * time.Millisecond,
		NoSpeechTimeout:      time.Duration(v.NoSpeechTimeoutMs) * time.Millisecond,
		SpeechWindowSize:     v.SpeechWindowSize,
		RecentLevelsSize:     v.RecentLevelsSize,
		QuietLevelsSize:      v.QuietLevelsSize,
		ActiveLevelsSize:     v.ActiveLevelsSize,
		InitialBaselineLevel: v.InitialBaselineLevel,
		InitialActiveLevel:   v.InitialActiveLevel,
		MinThreshold:         v.MinThreshold,
		MaxThreshold:         v.MaxThreshold,
		ContrastFraction:     v.ContrastFraction,
		MinActiveBoost:       v.MinActiveBoost,
		BaselinePercentile:   v.BaselinePercentile,
		ActivePercentile:     v.ActivePercentile,
		SpeechRatio:          v.SpeechRatio,
		DebugInterval:        v.DebugInterval,
	}
}

// GetStaleTimeoutDuration returns the stale client timeout as a time.Duration
func (s *ServerConfig) GetStaleTimeoutDuration() time.Duration {
	return time.Duration(s.StaleTimeout) * time.Second
}

// GetCleanupIntervalDuration returns the cleanup interval as a time.Duration
func (s *ServerConfig) GetCleanupIntervalDuration() time.Duration {
	return time.Duration(s.CleanupInterval) * time.Second
}

// GetKeepaliveDuration returns the keepalive interval as a time.Duration
func (c *ClientConfig) GetKeepaliveDuration() time.Duration {
	return time.Duration(c.KeepaliveInterval) * time.Second
}

// GetLivenessTimeoutDuration returns the liveness window as a time.Duration
func (c *ClientConfig) GetLivenessTimeoutDuration() time.Duration {
	return time.Duration(c.LivenessTimeout) * time.Second
}

// GetRegistrationTimeoutDuration returns the registration timeout as a time.Duration
func (c *ClientConfig) GetRegistrationTimeoutDuration() time.Duration {
	return time.Duration(c.RegistrationTimeout) * time.Second
}

// GetRetryInitialDelay returns the first reconnect delay as a time.Duration
func (c *ClientConfig) GetRetryInitialDelay() time.Duration {
	return time.Duration(c.RetryInitialDelayMs) * time.Millisecond
}

// GetReconnectDelay returns the first delay after a lost connection
func (c *ClientConfig) GetReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMs) * time.Millisecond
}

// GetRetryMaxDelay returns the reconnect delay cap as a time.Duration
func (c *ClientConfig) GetRetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelayMs) * time.Millisecond
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}
