// Package audioio provides the microphone and speaker boundary of the voice loop.
//
// This package supports multiple backends:
//   - PortAudio - physical devices (build with -tags portaudio)
//   - Mock - scripted levels for CI/testing without hardware
//
// A Source is the live microphone acquisition, a Graph fans its chunks out to
// a level meter and to recorders, and a Sink is the playback primitive.
package audioio

import (
	"fmt"
	"time"
)

// Backend represents the audio backend type.
type Backend string

const (
	// BackendAuto selects portaudio when compiled in, otherwise mock.
	BackendAuto Backend = "auto"
	// BackendPortAudio uses PortAudio for cross-platform audio I/O.
	BackendPortAudio Backend = "portaudio"
	// BackendMock uses a scripted implementation for testing.
	BackendMock Backend = "mock"
)

// Constraints are processing hints requested when the microphone is acquired.
// Backends that cannot honor a hint log it and continue.
type Constraints struct {
	EchoCancellation bool `yaml:"echo_cancellation" json:"echo_cancellation"`
	NoiseSuppression bool `yaml:"noise_suppression" json:"noise_suppression"`
	AutoGainControl  bool `yaml:"auto_gain_control" json:"auto_gain_control"`
}

// Config holds audio configuration.
type Config struct {
	// Backend specifies which audio backend to use.
	// Default: "auto"
	Backend Backend `yaml:"backend" json:"backend"`

	// SampleRate is the audio sample rate in Hz.
	// Default: 16000
	SampleRate int `yaml:"sample_rate" json:"sample_rate"`

	// Channels is the number of audio channels.
	// Default: 1 (mono)
	Channels int `yaml:"channels" json:"channels"`

	// BufferDuration is the size of audio buffers.
	// Default: 20ms (320 samples at 16kHz)
	BufferDuration time.Duration `yaml:"buffer_duration" json:"buffer_duration"`

	// Device is the backend-specific device identifier. Empty uses the
	// system default.
	Device string `yaml:"device" json:"device"`

	// Constraints requested from the capture device.
	Constraints Constraints `yaml:"constraints" json:"constraints"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Backend:        BackendAuto,
		SampleRate:     16000,
		Channels:       1,
		BufferDuration: 20 * time.Millisecond,
		Constraints: Constraints{
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", c.Channels)
	}
	if c.BufferDuration <= 0 {
		return fmt.Errorf("buffer_duration must be positive, got %v", c.BufferDuration)
	}
	switch c.Backend {
	case "", BackendAuto, BackendPortAudio, BackendMock:
	default:
		return fmt.Errorf("unsupported backend: %s", c.Backend)
	}
	return nil
}

// BufferSize returns the number of frames per buffer.
func (c *Config) BufferSize() int {
	return int(float64(c.SampleRate) * c.BufferDuration.Seconds())
}

// BufferBytes returns the size of a buffer in bytes (assuming int16 samples).
func (c *Config) BufferBytes() int {
	return c.BufferSize() * c.Channels * 2
}
