package session

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/teslashibe/go-voiceloop/pkg/audioio"
	"github.com/teslashibe/go-voiceloop/pkg/capture"
	"github.com/teslashibe/go-voiceloop/pkg/metrics"
	"github.com/teslashibe/go-voiceloop/pkg/turn"
	"github.com/teslashibe/go-voiceloop/pkg/vad"
)

// Config holds every threshold and timing of the conversation loop.
type Config struct {
	VAD     vad.Config     `yaml:"vad" json:"vad"`
	Capture capture.Config `yaml:"capture" json:"capture"`
	Turn    turn.Config    `yaml:"turn" json:"turn"`

	// RecoveryDelay is how long a failed turn waits before listening resumes.
	// Default: 3s
	RecoveryDelay time.Duration `yaml:"recovery_delay" json:"recovery_delay"`

	// MaxConsecutiveFailures moves the session to the error state after this
	// many failed turns in a row. Zero means unlimited.
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures" json:"max_consecutive_failures"`

	Logger *slog.Logger `yaml:"-" json:"-"`
}

// DefaultConfig returns a Config with the standard timings.
func DefaultConfig() Config {
	return Config{
		VAD:           vad.DefaultConfig(),
		Capture:       capture.DefaultConfig(),
		RecoveryDelay: 3 * time.Second,
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := c.VAD.Validate(); err != nil {
		return err
	}
	if c.Capture.MaxDuration < 0 {
		return errors.New("session: capture max duration must not be negative")
	}
	if c.RecoveryDelay < 0 {
		return errors.New("session: recovery delay must not be negative")
	}
	if c.MaxConsecutiveFailures < 0 {
		return fmt.Errorf("session: invalid max consecutive failures %d", c.MaxConsecutiveFailures)
	}
	return nil
}

// Microphone opens a new, unstarted audio source for one session.
type Microphone func() (audioio.Source, error)

// SourceMicrophone returns a Microphone that opens a source from cfg on
// every session start.
func SourceMicrophone(cfg audioio.Config, logger *slog.Logger) Microphone {
	return func() (audioio.Source, error) {
		return audioio.NewSource(cfg, logger)
	}
}

// Option configures a Controller.
type Option func(*Controller)

// WithMetrics records session activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithHistory continues an existing conversation.
func WithHistory(h *turn.History) Option {
	return func(c *Controller) {
		if h != nil {
			c.history = h
		}
	}
}
