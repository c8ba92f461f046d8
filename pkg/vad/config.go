// Package vad implements energy-based voice activity detection.
//
// A Calibrator measures the ambient noise floor once per session. A Detector
// compares RMS levels against a threshold derived from that floor and reports
// a single speech-start and a single speech-end per utterance, with a
// hangover so short pauses do not end the utterance. A Monitor drives the
// Detector from a LevelSampler on a fixed polling interval.
package vad

import (
	"errors"
	"log/slog"
	"time"
)

// Config holds detection parameters. Defaults are tuned for close-talk
// microphones; tests tighten the timings.
type Config struct {
	// CalibrationWindow is how long the noise floor is sampled.
	// Default: 1.5s
	CalibrationWindow time.Duration `yaml:"calibration_window" json:"calibration_window"`

	// SampleInterval is the polling period for both calibration and detection.
	// Default: 20ms
	SampleInterval time.Duration `yaml:"sample_interval" json:"sample_interval"`

	// ThresholdMultiplier scales the baseline into the speech threshold.
	// Default: 2.2
	ThresholdMultiplier float64 `yaml:"threshold_multiplier" json:"threshold_multiplier"`

	// Hangover is how long the level must stay at or below the threshold
	// before speech is considered ended.
	// Default: 700ms
	Hangover time.Duration `yaml:"hangover" json:"hangover"`

	// MinThreshold floors the computed threshold. Zero disables the floor.
	MinThreshold float64 `yaml:"min_threshold" json:"min_threshold"`

	Logger *slog.Logger `yaml:"-" json:"-"`
}

// DefaultConfig returns a Config with the standard timings.
func DefaultConfig() Config {
	return Config{
		CalibrationWindow:   1500 * time.Millisecond,
		SampleInterval:      20 * time.Millisecond,
		ThresholdMultiplier: 2.2,
		Hangover:            700 * time.Millisecond,
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.CalibrationWindow <= 0 {
		return errors.New("vad: calibration window must be positive")
	}
	if c.SampleInterval <= 0 {
		return errors.New("vad: sample interval must be positive")
	}
	if c.SampleInterval > c.CalibrationWindow {
		return errors.New("vad: sample interval exceeds calibration window")
	}
	if c.ThresholdMultiplier <= 0 {
		return errors.New("vad: threshold multiplier must be positive")
	}
	if c.Hangover < 0 {
		return errors.New("vad: hangover must not be negative")
	}
	if c.MinThreshold < 0 {
		return errors.New("vad: min threshold must not be negative")
	}
	return nil
}

func (c *Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// LevelSampler reports the RMS level (0.0 to 1.0) of the most recent audio.
type LevelSampler interface {
	Level() (float64, error)
}

// LevelFunc adapts a function to LevelSampler.
type LevelFunc func() (float64, error)

// Level calls f.
func (f LevelFunc) Level() (float64, error) { return f() }

// NoiseProfile is the calibrated noise floor of one audio session.
type NoiseProfile struct {
	Baseline     float64   `json:"baseline"`
	Threshold    float64   `json:"threshold"`
	Samples      int       `json:"samples"`
	CalibratedAt time.Time `json:"calibrated_at"`
}

// NewNoiseProfile derives the detection threshold from a baseline.
func NewNoiseProfile(baseline float64, cfg Config) NoiseProfile {
	threshold := baseline * cfg.ThresholdMultiplier
	if threshold < cfg.MinThreshold {
		threshold = cfg.MinThreshold
	}
	return NoiseProfile{Baseline: baseline, Threshold: threshold}
}
