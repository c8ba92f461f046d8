package backend

import (
	"context"
	"sync"
	"time"

	"github.com/teslashibe/go-voiceloop/pkg/audioio"
)

// Mock implements Backend for testing.
// All methods can be customized via function fields.
type Mock struct {
	// TranscribeFunc is called when Transcribe is invoked.
	// If nil, returns "hello".
	TranscribeFunc func(ctx context.Context, req TranscribeRequest) (*Transcript, error)

	// CompleteFunc is called when Complete is invoked.
	// If nil, echoes the user text.
	CompleteFunc func(ctx context.Context, req CompleteRequest) (*Completion, error)

	// SynthesizeFunc is called when Synthesize is invoked.
	// If nil, returns a silent WAV clip of roughly natural length.
	SynthesizeFunc func(ctx context.Context, req SynthesizeRequest) (*Speech, error)

	// Tracking
	mu    sync.Mutex
	calls []MockCall
}

// MockCall records a method invocation for verification.
type MockCall struct {
	Method  string
	Text    string
	History []Message
	Time    time.Time
}

// NewMock creates a new mock backend with sensible defaults.
func NewMock() *Mock {
	return &Mock{}
}

// Transcribe calls TranscribeFunc and records the call.
func (m *Mock) Transcribe(ctx context.Context, req TranscribeRequest) (*Transcript, error) {
	m.recordCall(MockCall{Method: "Transcribe"})
	if m.TranscribeFunc != nil {
		return m.TranscribeFunc(ctx, req)
	}
	return &Transcript{Text: "hello", Language: "en"}, nil
}

// Complete calls CompleteFunc and records the call.
func (m *Mock) Complete(ctx context.Context, req CompleteRequest) (*Completion, error) {
	m.recordCall(MockCall{Method: "Complete", Text: req.Text, History: append([]Message(nil), req.History...)})
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}
	return &Completion{Response: "You said: " + req.Text}, nil
}

// Synthesize calls SynthesizeFunc and records the call.
func (m *Mock) Synthesize(ctx context.Context, req SynthesizeRequest) (*Speech, error) {
	m.recordCall(MockCall{Method: "Synthesize", Text: req.Text})
	if m.SynthesizeFunc != nil {
		return m.SynthesizeFunc(ctx, req)
	}
	return SilentSpeech(time.Duration(len(req.Text)) * 20 * time.Millisecond), nil
}

// SilentSpeech returns a 24kHz WAV clip of silence lasting d.
func SilentSpeech(d time.Duration) *Speech {
	samples := make([]int16, int(d.Seconds()*24000))
	return &Speech{
		Audio:       audioio.EncodeWAV(samples, 24000, 1),
		ContentType: "audio/wav",
		SampleRate:  24000,
	}
}

// recordCall adds a call to the tracking list.
func (m *Mock) recordCall(call MockCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call.Time = time.Now()
	m.calls = append(m.calls, call)
}

// Calls returns all recorded method calls.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]MockCall, len(m.calls))
	copy(result, m.calls)
	return result
}

// CallCount returns the number of times a method was called.
func (m *Mock) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, c := range m.calls {
		if c.Method == method {
			count++
		}
	}
	return count
}

// LastCall returns the most recent call, or nil if none.
func (m *Mock) LastCall() *MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return nil
	}
	call := m.calls[len(m.calls)-1]
	return &call
}

// Reset clears all recorded calls.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// WithError returns a mock whose every stage fails with err.
func WithError(err error) *Mock {
	return &Mock{
		TranscribeFunc: func(ctx context.Context, req TranscribeRequest) (*Transcript, error) {
			return nil, err
		},
		CompleteFunc: func(ctx context.Context, req CompleteRequest) (*Completion, error) {
			return nil, err
		},
		SynthesizeFunc: func(ctx context.Context, req SynthesizeRequest) (*Speech, error) {
			return nil, err
		},
	}
}

// WithLatency wraps a mock so every stage takes at least delay, honoring
// context cancellation.
func WithLatency(m *Mock, delay time.Duration) *Mock {
	wait := func(ctx context.Context) error {
		select {
		case <-time.After(delay):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	transcribe, complete, synthesize := m.TranscribeFunc, m.CompleteFunc, m.SynthesizeFunc
	m.TranscribeFunc = func(ctx context.Context, req TranscribeRequest) (*Transcript, error) {
		if err := wait(ctx); err != nil {
			return nil, err
		}
		if transcribe != nil {
			return transcribe(ctx, req)
		}
		return &Transcript{Text: "hello", Language: "en"}, nil
	}
	m.CompleteFunc = func(ctx context.Context, req CompleteRequest) (*Completion, error) {
		if err := wait(ctx); err != nil {
			return nil, err
		}
		if complete != nil {
			return complete(ctx, req)
		}
		return &Completion{Response: "You said: " + req.Text}, nil
	}
	m.SynthesizeFunc = func(ctx context.Context, req SynthesizeRequest) (*Speech, error) {
		if err := wait(ctx); err != nil {
			return nil, err
		}
		if synthesize != nil {
			return synthesize(ctx, req)
		}
		return SilentSpeech(time.Duration(len(req.Text)) * 20 * time.Millisecond), nil
	}
	return m
}

// Verify Mock implements Backend at compile time.
var _ Backend = (*Mock)(nil)
