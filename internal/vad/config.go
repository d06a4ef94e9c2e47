package vad

import (
	"fmt"
	"time"
)

// Config holds the tuned detector constants. DefaultConfig returns the
// values the detector was calibrated with.
type Config struct {
	GracePeriod     time.Duration // stop detection is suspended this long after the session starts
	SilenceTimeout  time.Duration // continuous silence that ends a recording
	NoSpeechTimeout time.Duration // abandon a session that never heard speech

	SpeechWindowSize int // smoothed decision window, in chunks
	RecentLevelsSize int
	QuietLevelsSize  int
	ActiveLevelsSize int

	InitialBaselineLevel float32
	InitialActiveLevel   float32
	MinThreshold         float32
	MaxThreshold         float32
	ContrastFraction     float32 // position of the threshold between baseline and active
	MinActiveBoost       float32 // minimum gap kept between active and baseline
	BaselinePercentile   float32
	ActivePercentile     float32
	SpeechRatio          float32 // fraction of the window that must be speech, exclusive

	DebugInterval int // chunks between level dumps at debug level, 0 disables
}

// DefaultConfig returns the calibrated detector settings
func DefaultConfig() Config {
	return Config{
		GracePeriod:     2 * time.Second,
		SilenceTimeout:  1500 * time.Millisecond,
		NoSpeechTimeout: 5 * time.Second,

		SpeechWindowSize: 5,
		RecentLevelsSize: 200,
		QuietLevelsSize:  100,
		ActiveLevelsSize: 100,

		InitialBaselineLevel: 0.005,
		InitialActiveLevel:   0.015,
		MinThreshold:         0.003,
		MaxThreshold:         0.025,
		ContrastFraction:     0.3,
		MinActiveBoost:       0.003,
		BaselinePercentile:   0.75,
		ActivePercentile:     0.25,
		SpeechRatio:          0.2,

		DebugInterval: 400,
	}
}

// Validate checks the configuration for values the engine cannot run with
func (c *Config) Validate() error {
	if c.GracePeriod < 0 {
		return fmt.Errorf("grace_period cannot be negative, got %v", c.GracePeriod)
	}
	if c.SilenceTimeout <= 0 {
		return fmt.Errorf("silence_timeout must be positive, got %v", c.SilenceTimeout)
	}
	if c.NoSpeechTimeout <= 0 {
		return fmt.Errorf("no_speech_timeout must be positive, got %v", c.NoSpeechTimeout)
	}

	for name, size := range map[string]int{
		"speech_window_size": c.SpeechWindowSize,
		"recent_levels_size": c.RecentLevelsSize,
		"quiet_levels_size":  c.QuietLevelsSize,
		"active_levels_size": c.ActiveLevelsSize,
	} {
		if size < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", name, size)
		}
	}

	if c.MinThreshold <= 0 || c.MaxThreshold < c.MinThreshold {
		return fmt.Errorf("threshold bounds must satisfy 0 < min <= max, got [%f, %f]", c.MinThreshold, c.MaxThreshold)
	}
	if c.InitialActiveLevel <= c.InitialBaselineLevel {
		return fmt.Errorf("initial_active_level (%f) must exceed initial_baseline_level (%f)",
			c.InitialActiveLevel, c.InitialBaselineLevel)
	}
	if c.MinActiveBoost <= 0 {
		return fmt.Errorf("min_active_boost must be positive, got %f", c.MinActiveBoost)
	}

	for name, v := range map[string]float32{
		"contrast_fraction":   c.ContrastFraction,
		"baseline_percentile": c.BaselinePercentile,
		"active_percentile":   c.ActivePercentile,
		"speech_ratio":        c.SpeechRatio,
	} {
		if v < 0 || v >= 1 {
			return fmt.Errorf("%s must be in [0, 1), got %f", name, v)
		}
	}

	if c.DebugInterval < 0 {
		return fmt.Errorf("debug_interval cannot be negative, got %d", c.DebugInterval)
	}

	return nil
}
