package capture

import (
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/skypro1111/stt-telemetry-service/internal/audio"
)

// LatencyMode selects the device latency PortAudio is asked for
type LatencyMode string

const (
	LowLatency    LatencyMode = "low"
	HighStability LatencyMode = "high"
)

// Config describes how to open a capture device
type Config struct {
	DeviceID        int // -1 selects the default input device
	SampleRate      int
	Channels        int
	FramesPerBuffer int
	Latency         LatencyMode
}

// Device describes an input device
type Device struct {
	ID         int     `json:"id"`
	Name       string  `json:"name"`
	Channels   int     `json:"max_input_channels"`
	SampleRate float64 `json:"default_sample_rate"`
	IsDefault  bool    `json:"is_default"`
}

var _ audio.Source = (*PortAudioSource)(nil)

// PortAudioSource captures float32 frames from a PortAudio input device.
type PortAudioSource struct {
	cfg    Config
	device *portaudio.DeviceInfo

	mu      sync.Mutex
	stream  *portaudio.Stream
	handler audio.Handler
	running bool
}

// NewPortAudioSource initializes PortAudio and resolves the input device.
// Close must be called to release PortAudio.
func NewPortAudioSource(cfg Config) (*PortAudioSource, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.Channels <= 0 {
		return nil, fmt.Errorf("channels must be positive, got %d", cfg.Channels)
	}
	if cfg.FramesPerBuffer <= 0 {
		cfg.FramesPerBuffer = 1024
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}

	device, err := resolveDevice(cfg.DeviceID)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}
	if device.MaxInputChannels <= 0 {
		portaudio.Terminate()
		return nil, fmt.Errorf("device '%s' (ID: %d) has no input channels", device.Name, cfg.DeviceID)
	}
	if cfg.Channels > device.MaxInputChannels {
		cfg.Channels = device.MaxInputChannels
	}

	return &PortAudioSource{
		cfg:    cfg,
		device: device,
	}, nil
}

func resolveDevice(id int) (*portaudio.DeviceInfo, error) {
	if id < 0 {
		device, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("failed to get default input device: %w", err)
		}
		return device, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	if id >= len(devices) {
		return nil, fmt.Errorf("invalid device ID: %d", id)
	}
	return devices[id], nil
}

// Start opens the stream and begins delivering mono chunks to handler
func (s *PortAudioSource) Start(handler audio.Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("capture already running")
	}

	var latency time.Duration
	switch s.cfg.Latency {
	case LowLatency:
		latency = s.device.DefaultLowInputLatency
	default:
		latency = s.device.DefaultHighInputLatency
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   s.device,
			Channels: s.cfg.Channels,
			Latency:  latency,
		},
		SampleRate:      float64(s.cfg.SampleRate),
		FramesPerBuffer: s.cfg.FramesPerBuffer,
	}

	s.handler = handler
	stream, err := portaudio.OpenStream(params, s.callback)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("failed to start stream: %w", err)
	}

	s.stream = stream
	s.running = true
	return nil
}

// callback runs on the PortAudio thread.
func (s *PortAudioSource) callback(in []float32) {
	s.handler(audio.Downmix(in, s.cfg.Channels))
}

// Stop stops and closes the stream
func (s *PortAudioSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	if err := s.stream.Stop(); err != nil {
		s.stream.Close()
		s.stream = nil
		return fmt.Errorf("failed to stop stream: %w", err)
	}
	err := s.stream.Close()
	s.stream = nil
	if err != nil {
		return fmt.Errorf("failed to close stream: %w", err)
	}
	return nil
}

// SampleRate returns the capture rate
func (s *PortAudioSource) SampleRate() int {
	return s.cfg.SampleRate
}

// DeviceName returns the resolved device name
func (s *PortAudioSource) DeviceName() string {
	return s.device.Name
}

// Close stops capture and terminates PortAudio
func (s *PortAudioSource) Close() error {
	stopErr := s.Stop()
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("failed to terminate PortAudio: %w", err)
	}
	return stopErr
}

// ListDevices returns the available input devices. PortAudio keeps an
// initialization count, so this is safe while a source is open.
func ListDevices() ([]Device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	defaultInput, err := portaudio.DefaultInputDevice()
	if err != nil {
		defaultInput = nil
	}

	var result []Device
	for i, dev := range devices {
		if dev.MaxInputChannels <= 0 {
			continue
		}
		result = append(result, Device{
			ID:         i,
			Name:       dev.Name,
			Channels:   dev.MaxInputChannels,
			SampleRate: dev.DefaultSampleRate,
			IsDefault:  defaultInput != nil && dev.Name == defaultInput.Name,
		})
	}
	return result, nil
}
