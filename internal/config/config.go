// Package config loads the voiceloop application configuration from a YAML
// file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/teslashibe/go-voiceloop/internal/httpc"
	"github.com/teslashibe/go-voiceloop/pkg/audioio"
	"github.com/teslashibe/go-voiceloop/pkg/backend"
	"github.com/teslashibe/go-voiceloop/pkg/session"
	"github.com/teslashibe/go-voiceloop/pkg/web"
)

// Config is the application configuration.
type Config struct {
	Log        LogConfig      `yaml:"log"`
	Microphone audioio.Config `yaml:"microphone"`
	Speaker    audioio.Config `yaml:"speaker"`
	Backend    BackendConfig  `yaml:"backend"`
	Session    session.Config `yaml:"session"`
	Web        web.Config     `yaml:"web"`
	Metrics    MetricsConfig  `yaml:"metrics"`
}

// LogConfig selects the log level and format.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// BackendConfig selects and configures the voice backend.
type BackendConfig struct {
	Kind    backend.Kind `yaml:"kind"` // http, openai or mock
	BaseURL string       `yaml:"base_url"`
	APIKey  string       `yaml:"api_key"`

	TranscribePath string `yaml:"transcribe_path"`
	CompletePath   string `yaml:"complete_path"`
	SynthesizePath string `yaml:"synthesize_path"`

	TranscriptionModel string `yaml:"transcription_model"`
	ChatModel          string `yaml:"chat_model"`
	SpeechModel        string `yaml:"speech_model"`
	SystemPrompt       string `yaml:"system_prompt"`

	Synthesis SynthesisConfig `yaml:"synthesis"`

	// Timeout bounds each HTTP request. Zero leaves it to the transport.
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// SynthesisConfig holds the voice parameters forwarded with speech requests.
type SynthesisConfig struct {
	Provider string  `yaml:"provider"`
	Voice    string  `yaml:"voice"`
	Language string  `yaml:"language"`
	Speed    float64 `yaml:"speed"`
}

// Default returns the built-in configuration.
func Default() *Config {
	mic := audioio.DefaultConfig()
	speaker := audioio.DefaultConfig()
	speaker.SampleRate = 24000

	return &Config{
		Log:        LogConfig{Level: "info", Format: "text"},
		Microphone: mic,
		Speaker:    speaker,
		Backend: BackendConfig{
			Kind:       backend.KindHTTP,
			RetryDelay: 250 * time.Millisecond,
		},
		Session: session.DefaultConfig(),
		Web:     web.DefaultConfig(),
		Metrics: MetricsConfig{Enabled: true, Namespace: "voiceloop"},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from VOICELOOP_* variables. OPENAI_API_KEY is
// used when no key is configured for the openai backend.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) error {
		v, ok := lookup(name)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
		*dst = d
		return nil
	}

	str("VOICELOOP_LOG_LEVEL", &c.Log.Level)
	str("VOICELOOP_LOG_FORMAT", &c.Log.Format)
	str("VOICELOOP_ADDR", &c.Web.Addr)
	str("VOICELOOP_BASE_URL", &c.Backend.BaseURL)
	str("VOICELOOP_API_KEY", &c.Backend.APIKey)
	str("VOICELOOP_SYSTEM_PROMPT", &c.Backend.SystemPrompt)
	str("VOICELOOP_VOICE", &c.Backend.Synthesis.Voice)
	str("VOICELOOP_LANGUAGE", &c.Session.Turn.Language)

	if v, ok := lookup("VOICELOOP_BACKEND"); ok && v != "" {
		c.Backend.Kind = backend.Kind(v)
	}
	if v, ok := lookup("VOICELOOP_AUDIO_BACKEND"); ok && v != "" {
		c.Microphone.Backend = audioio.Backend(v)
		c.Speaker.Backend = audioio.Backend(v)
	}
	if v, ok := lookup("VOICELOOP_THRESHOLD_MULTIPLIER"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: VOICELOOP_THRESHOLD_MULTIPLIER: %w", err)
		}
		c.Session.VAD.ThresholdMultiplier = f
	}
	if err := dur("VOICELOOP_HANGOVER", &c.Session.VAD.Hangover); err != nil {
		return err
	}
	if err := dur("VOICELOOP_RECOVERY_DELAY", &c.Session.RecoveryDelay); err != nil {
		return err
	}

	if c.Backend.Kind == backend.KindOpenAI && c.Backend.APIKey == "" {
		str("OPENAI_API_KEY", &c.Backend.APIKey)
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := c.Microphone.Validate(); err != nil {
		return fmt.Errorf("config: microphone: %w", err)
	}
	if err := c.Speaker.Validate(); err != nil {
		return fmt.Errorf("config: speaker: %w", err)
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	switch c.Backend.Kind {
	case backend.KindHTTP:
		if c.Backend.BaseURL == "" {
			return errors.New("config: backend.base_url is required for the http backend")
		}
	case backend.KindOpenAI:
		if c.Backend.APIKey == "" {
			return errors.New("config: backend.api_key or OPENAI_API_KEY is required for the openai backend")
		}
	case backend.KindMock:
	default:
		return fmt.Errorf("config: unknown backend kind %q", c.Backend.Kind)
	}
	if c.Backend.MaxRetries < 0 {
		return errors.New("config: backend.max_retries must not be negative")
	}
	return nil
}

// BackendOptions converts the backend section into backend options.
func (c *Config) BackendOptions() []backend.Option {
	b := c.Backend
	opts := []backend.Option{
		backend.WithPaths(b.TranscribePath, b.CompletePath, b.SynthesizePath),
		backend.WithModels(b.TranscriptionModel, b.ChatModel, b.SpeechModel),
		backend.WithSynthesis(backend.SynthesizeRequest{
			Provider: b.Synthesis.Provider,
			Voice:    b.Synthesis.Voice,
			Language: b.Synthesis.Language,
			Speed:    b.Synthesis.Speed,
		}),
		backend.WithRetry(b.MaxRetries, b.RetryDelay),
	}
	if b.BaseURL != "" {
		opts = append(opts, backend.WithBaseURL(b.BaseURL))
	}
	if b.APIKey != "" {
		opts = append(opts, backend.WithAPIKey(b.APIKey))
	}
	if b.SystemPrompt != "" {
		opts = append(opts, backend.WithSystemPrompt(b.SystemPrompt))
	}
	if b.Timeout > 0 {
		opts = append(opts, backend.WithHTTPClient(httpc.NewClient(b.Timeout)))
	}
	return opts
}
