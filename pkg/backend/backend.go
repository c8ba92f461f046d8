// Package backend defines the remote services a voice turn depends on:
// speech-to-text, conversational completion, and text-to-speech.
//
// Implementations:
//   - HTTPClient: the voice API contract (JSON over HTTP, raw audio for speech)
//   - OpenAI: the same capabilities backed by the OpenAI API
//   - Mock: scripted responses with call tracking for tests
//
// No implementation applies its own deadline; callers bound each request
// with a context.
package backend

import "context"

// Role identifies the speaker of a history message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry of the conversation history sent with a completion.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// TranscribeRequest carries an encoded utterance.
type TranscribeRequest struct {
	Audio    []byte
	Format   string // e.g. "wav"
	Language string // optional hint
}

// Transcript is the recognized text of an utterance.
type Transcript struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

// CompleteRequest asks for the assistant's reply to Text given History.
type CompleteRequest struct {
	Text    string
	History []Message
}

// Completion is the assistant's reply.
type Completion struct {
	Response       string `json:"response"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// SynthesizeRequest asks for speech audio. Empty options use server defaults.
type SynthesizeRequest struct {
	Text     string  `json:"text"`
	Provider string  `json:"provider,omitempty"`
	Voice    string  `json:"voice,omitempty"`
	Language string  `json:"language,omitempty"`
	Speed    float64 `json:"speed,omitempty"`
}

// Speech is a synthesized audio clip.
type Speech struct {
	Audio       []byte
	ContentType string
	// SampleRate applies when Audio is headerless PCM.
	SampleRate int
}

// Transcriber converts audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, req TranscribeRequest) (*Transcript, error)
}

// Completer produces the assistant's reply.
type Completer interface {
	Complete(ctx context.Context, req CompleteRequest) (*Completion, error)
}

// Synthesizer converts text to audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesizeRequest) (*Speech, error)
}

// Backend provides all three stages.
type Backend interface {
	Transcriber
	Completer
	Synthesizer
}

type combined struct {
	Transcriber
	Completer
	Synthesizer
}

// Combine assembles a Backend from separate stage implementations.
func Combine(t Transcriber, c Completer, s Synthesizer) Backend {
	return combined{Transcriber: t, Completer: c, Synthesizer: s}
}
