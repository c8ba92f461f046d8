package backend

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Kind selects a backend implementation.
type Kind string

const (
	KindHTTP   Kind = "http"
	KindOpenAI Kind = "openai"
	KindMock   Kind = "mock"
)

// Default endpoint paths of the voice API.
const (
	DefaultTranscribePath = "/api/voice/transcribe"
	DefaultCompletePath   = "/api/voice/chat"
	DefaultSynthesizePath = "/api/voice/tts"
)

// Config holds backend configuration.
// Use functional options (WithXxx) to set these values.
type Config struct {
	// Service credentials
	APIKey  string
	BaseURL string

	// Voice API endpoint paths
	TranscribePath string
	CompletePath   string
	SynthesizePath string

	// OpenAI models
	TranscriptionModel string
	ChatModel          string
	SpeechModel        string
	SystemPrompt       string

	// Synthesis options forwarded with every request
	Synthesis SynthesizeRequest

	// RawSampleRate is the rate of headerless PCM speech responses.
	RawSampleRate int

	// Retry configuration for 429/5xx responses. Zero disables retries.
	MaxRetries int
	RetryDelay time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Option is a functional option for configuring backends.
type Option func(*Config)

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(c *Config) {
		c.APIKey = key
	}
}

// WithBaseURL sets the service base URL.
func WithBaseURL(url string) Option {
	return func(c *Config) {
		c.BaseURL = url
	}
}

// WithPaths overrides the voice API endpoint paths. Empty values keep the default.
func WithPaths(transcribe, complete, synthesize string) Option {
	return func(c *Config) {
		if transcribe != "" {
			c.TranscribePath = transcribe
		}
		if complete != "" {
			c.CompletePath = complete
		}
		if synthesize != "" {
			c.SynthesizePath = synthesize
		}
	}
}

// WithModels sets the OpenAI models. Empty values keep the default.
func WithModels(transcription, chat, speech string) Option {
	return func(c *Config) {
		if transcription != "" {
			c.TranscriptionModel = transcription
		}
		if chat != "" {
			c.ChatModel = chat
		}
		if speech != "" {
			c.SpeechModel = speech
		}
	}
}

// WithSystemPrompt sets the system instructions used for completions.
func WithSystemPrompt(prompt string) Option {
	return func(c *Config) {
		c.SystemPrompt = prompt
	}
}

// WithSynthesis sets the provider/voice/language/speed sent with speech requests.
func WithSynthesis(opts SynthesizeRequest) Option {
	return func(c *Config) {
		c.Synthesis = opts
	}
}

// WithRetry configures retry behavior for failed requests.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(c *Config) {
		c.MaxRetries = maxRetries
		c.RetryDelay = delay
	}
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Config) {
		c.HTTPClient = client
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		TranscribePath:     DefaultTranscribePath,
		CompletePath:       DefaultCompletePath,
		SynthesizePath:     DefaultSynthesizePath,
		TranscriptionModel: "whisper-1",
		ChatModel:          "gpt-4o-mini",
		SpeechModel:        "tts-1",
		RawSampleRate:      24000,
		RetryDelay:         250 * time.Millisecond,
		Logger:             slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// synthesisFor merges per-request options over the configured defaults.
func (c *Config) synthesisFor(req SynthesizeRequest) SynthesizeRequest {
	out := c.Synthesis
	out.Text = req.Text
	if req.Provider != "" {
		out.Provider = req.Provider
	}
	if req.Voice != "" {
		out.Voice = req.Voice
	}
	if req.Language != "" {
		out.Language = req.Language
	}
	if req.Speed != 0 {
		out.Speed = req.Speed
	}
	return out
}

// New creates the backend selected by kind.
func New(kind Kind, opts ...Option) (Backend, error) {
	switch kind {
	case KindHTTP, "":
		h, err := NewHTTPClient(opts...)
		if err != nil {
			return nil, err
		}
		return h, nil
	case KindOpenAI:
		o, err := NewOpenAI(opts...)
		if err != nil {
			return nil, err
		}
		return o, nil
	case KindMock:
		return NewMock(), nil
	default:
		return nil, fmt.Errorf("backend: unknown kind %q", kind)
	}
}
