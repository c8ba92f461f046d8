package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/teslashibe/go-voiceloop/internal/httpc"
)

const providerOpenAI = "openai"

// OpenAI implements Backend with the OpenAI API: Whisper transcription, chat
// completion, and PCM speech synthesis.
type OpenAI struct {
	config *Config
	client *openai.Client
	logger *slog.Logger
}

// NewOpenAI creates an OpenAI-backed Backend. WithBaseURL points it at an
// OpenAI-compatible server.
func NewOpenAI(opts ...Option) (*OpenAI, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	if cfg.Synthesis.Voice == "" {
		cfg.Synthesis.Voice = string(openai.VoiceAlloy)
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	} else {
		oc.HTTPClient = httpc.Client
	}

	return &OpenAI{
		config: cfg,
		client: openai.NewClientWithConfig(oc),
		logger: cfg.Logger.With("component", "backend.openai"),
	}, nil
}

// Transcribe runs speech recognition on the utterance.
func (o *OpenAI) Transcribe(ctx context.Context, req TranscribeRequest) (*Transcript, error) {
	start := time.Now()
	format := req.Format
	if format == "" {
		format = "wav"
	}

	resp, err := o.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    o.config.TranscriptionModel,
		FilePath: "utterance." + format,
		Reader:   bytes.NewReader(req.Audio),
		Language: req.Language,
	})
	if err != nil {
		return nil, o.convertError(ctx, "transcribe", err)
	}

	o.logger.Debug("transcribed",
		"bytes", len(req.Audio),
		"chars", len(resp.Text),
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return &Transcript{Text: resp.Text, Language: resp.Language}, nil
}

// Complete sends the history and the new user text as a chat completion.
func (o *OpenAI) Complete(ctx context.Context, req CompleteRequest) (*Completion, error) {
	start := time.Now()

	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	if o.config.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: o.config.SystemPrompt,
		})
	}
	for _, m := range req.History {
		messages = append(messages, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Text,
	})

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    o.config.ChatModel,
		Messages: messages,
	})
	if err != nil {
		return nil, o.convertError(ctx, "complete", err)
	}
	if len(resp.Choices) == 0 {
		return nil, WrapError(providerOpenAI, "complete", ErrEmptyResponse)
	}

	o.logger.Debug("completed",
		"history", len(req.History),
		"tokens", resp.Usage.TotalTokens,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return &Completion{
		Response:       resp.Choices[0].Message.Content,
		ConversationID: resp.ID,
	}, nil
}

// Synthesize returns 24kHz mono PCM16 speech.
func (o *OpenAI) Synthesize(ctx context.Context, req SynthesizeRequest) (*Speech, error) {
	start := time.Now()
	opts := o.config.synthesisFor(req)

	resp, err := o.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(o.config.SpeechModel),
		Input:          opts.Text,
		Voice:          openai.SpeechVoice(opts.Voice),
		ResponseFormat: openai.SpeechResponseFormatPcm,
		Speed:          opts.Speed,
	})
	if err != nil {
		return nil, o.convertError(ctx, "synthesize", err)
	}
	defer resp.Close()

	audio, err := io.ReadAll(resp)
	if err != nil {
		return nil, o.convertError(ctx, "synthesize", fmt.Errorf("read response: %w", err))
	}
	if len(audio) == 0 {
		return nil, WrapError(providerOpenAI, "synthesize", ErrEmptyResponse)
	}

	o.logger.Debug("synthesized",
		"chars", len(req.Text),
		"bytes", len(audio),
		"voice", opts.Voice,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return &Speech{Audio: audio, ContentType: "audio/pcm", SampleRate: 24000}, nil
}

// convertError maps client errors onto this package's error types.
func (o *OpenAI) convertError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := ""
		if apiErr.Code != nil {
			code = fmt.Sprint(apiErr.Code)
		}
		return &APIError{
			StatusCode: apiErr.HTTPStatusCode,
			Message:    apiErr.Message,
			Code:       code,
			Provider:   providerOpenAI,
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &APIError{
			StatusCode: reqErr.HTTPStatusCode,
			Message:    reqErr.Error(),
			Provider:   providerOpenAI,
		}
	}

	return WrapError(providerOpenAI, op, err)
}

// Verify OpenAI implements Backend at compile time.
var _ Backend = (*OpenAI)(nil)
