package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/teslashibe/go-voiceloop/internal/httpc"
)

const providerHTTP = "http"

// HTTPClient implements Backend against the voice API.
type HTTPClient struct {
	config *Config
	client *http.Client
	logger *slog.Logger
}

// NewHTTPClient creates a client for the voice API at WithBaseURL.
func NewHTTPClient(opts ...Option) (*HTTPClient, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	if cfg.BaseURL == "" {
		return nil, ErrNoBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	client := cfg.HTTPClient
	if client == nil {
		client = httpc.Client
	}

	return &HTTPClient{
		config: cfg,
		client: client,
		logger: cfg.Logger.With("component", "backend.http"),
	}, nil
}

type transcribeBody struct {
	Audio    string `json:"audio"`
	Format   string `json:"format"`
	Language string `json:"language,omitempty"`
}

type completeBody struct {
	Text    string    `json:"text"`
	History []Message `json:"conversation_history"`
}

// Transcribe uploads an utterance and returns its text.
func (h *HTTPClient) Transcribe(ctx context.Context, req TranscribeRequest) (*Transcript, error) {
	start := time.Now()
	body := transcribeBody{
		Audio:    base64.StdEncoding.EncodeToString(req.Audio),
		Format:   req.Format,
		Language: req.Language,
	}

	var out Transcript
	if err := h.postJSON(ctx, "transcribe", h.config.TranscribePath, body, &out); err != nil {
		return nil, err
	}

	h.logger.Debug("transcribed",
		"bytes", len(req.Audio),
		"chars", len(out.Text),
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return &out, nil
}

// Complete asks for the assistant's reply.
func (h *HTTPClient) Complete(ctx context.Context, req CompleteRequest) (*Completion, error) {
	start := time.Now()
	history := req.History
	if history == nil {
		history = []Message{}
	}

	var out Completion
	if err := h.postJSON(ctx, "complete", h.config.CompletePath, completeBody{Text: req.Text, History: history}, &out); err != nil {
		return nil, err
	}

	h.logger.Debug("completed",
		"history", len(history),
		"chars", len(out.Response),
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return &out, nil
}

// Synthesize converts text to audio. The response body is the raw clip.
func (h *HTTPClient) Synthesize(ctx context.Context, req SynthesizeRequest) (*Speech, error) {
	start := time.Now()
	payload, err := json.Marshal(h.config.synthesisFor(req))
	if err != nil {
		return nil, WrapError(providerHTTP, "synthesize", fmt.Errorf("marshal payload: %w", err))
	}

	resp, err := h.do(ctx, "synthesize", h.config.SynthesizePath, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, WrapError(providerHTTP, "synthesize", fmt.Errorf("read response: %w", err))
	}
	if len(audio) == 0 {
		return nil, WrapError(providerHTTP, "synthesize", ErrEmptyResponse)
	}

	h.logger.Debug("synthesized",
		"chars", len(req.Text),
		"bytes", len(audio),
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return &Speech{
		Audio:       audio,
		ContentType: resp.Header.Get("Content-Type"),
		SampleRate:  h.config.RawSampleRate,
	}, nil
}

func (h *HTTPClient) postJSON(ctx context.Context, op, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return WrapError(providerHTTP, op, fmt.Errorf("marshal payload: %w", err))
	}

	resp, err := h.do(ctx, op, path, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return WrapError(providerHTTP, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// do sends one POST with retries on 429/5xx. A non-nil response has a 2xx status.
func (h *HTTPClient) do(ctx context.Context, op, path string, payload []byte) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= h.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(h.config.RetryDelay * time.Duration(attempt)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.config.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, WrapError(providerHTTP, op, fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		if h.config.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+h.config.APIKey)
		}

		resp, err := h.client.Do(req)
		if ctx.Err() != nil {
			if resp != nil {
				resp.Body.Close()
			}
			return nil, ctx.Err()
		}
		if err != nil {
			return nil, WrapError(providerHTTP, op, err)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		lastErr = parseError(resp)
		resp.Body.Close()
		if !IsRetryable(lastErr) {
			return nil, lastErr
		}
		h.logger.Warn("retrying request",
			"op", op,
			"attempt", attempt+1,
			"status", resp.StatusCode,
		)
	}

	return nil, lastErr
}

// parseError reads an error response of the form {error, code, message}.
func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var errResp struct {
		Error   string `json:"error"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}

	message := strings.TrimSpace(string(body))
	code := ""
	if json.Unmarshal(body, &errResp) == nil {
		switch {
		case errResp.Message != "":
			message = errResp.Message
		case errResp.Error != "":
			message = errResp.Error
		}
		code = errResp.Code
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    message,
		Code:       code,
		Provider:   providerHTTP,
	}
}

// Verify HTTPClient implements Backend at compile time.
var _ Backend = (*HTTPClient)(nil)
