package session

import (
	"fmt"
	"strings"
)

// State is the conversation state of a Controller.
type State int

const (
	// StateIdle means no audio session is held.
	StateIdle State = iota

	// StateListening means the detector is polling for the next utterance.
	StateListening

	// StateProcessing means an utterance is being transcribed and answered.
	StateProcessing

	// StateSpeaking means the reply is playing with detection suppressed.
	StateSpeaking

	// StateError means the microphone could not be acquired or was lost.
	// Only a fresh Start leaves it.
	StateError
)

// States lists every state in order.
var States = []State{StateIdle, StateListening, StateProcessing, StateSpeaking, StateError}

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	name := strings.ToLower(string(b))
	for _, st := range States {
		if st.String() == name {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("session: unknown state %q", name)
}

func stateNames() []string {
	names := make([]string, len(States))
	for i, s := range States {
		names[i] = s.String()
	}
	return names
}
