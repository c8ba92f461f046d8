// Package hub fans session events out to websocket subscribers using a
// single goroutine that owns the client set.
package hub

import (
	"encoding/json"
	"time"
)

// Event types pushed to subscribers.
const (
	EventState      = "state"
	EventTranscript = "transcript"
	EventSpeech     = "speech"
	EventError      = "error"
	EventHello      = "hello"
)

// Event is one JSON message on the event stream.
type Event struct {
	Type  string    `json:"type"`
	State string    `json:"state,omitempty"`
	Prev  string    `json:"prev,omitempty"`
	Role  string    `json:"role,omitempty"`
	Text  string    `json:"text,omitempty"`
	Error string    `json:"error,omitempty"`
	At    time.Time `json:"at"`
}

// Message is an encoded frame queued for clients.
type Message struct {
	Data []byte
}

// NewJSONMessage creates a message from pre-encoded JSON.
func NewJSONMessage(data []byte) Message {
	return Message{Data: data}
}

// EncodeEvent stamps and encodes an event.
func EncodeEvent(ev Event) (Message, error) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return Message{}, err
	}
	return NewJSONMessage(data), nil
}
