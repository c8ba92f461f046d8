package turn

import (
	"sync"
	"time"

	"github.com/teslashibe/go-voiceloop/pkg/backend"
)

// Turn is one completed exchange.
type Turn struct {
	ID            string    `json:"id"`
	UserText      string    `json:"user_text"`
	AssistantText string    `json:"assistant_text"`
	Language      string    `json:"language,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// History is the append-only record of completed turns of a session.
// It is safe for concurrent use.
type History struct {
	mu    sync.RWMutex
	turns []Turn
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{}
}

// Append records a completed turn.
func (h *History) Append(t Turn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, t)
}

// Turns returns a snapshot of all turns in order.
func (h *History) Turns() []Turn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Len returns the number of turns.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.turns)
}

// Messages flattens the history into alternating user/assistant messages.
func (h *History) Messages() []backend.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	msgs := make([]backend.Message, 0, 2*len(h.turns))
	for _, t := range h.turns {
		msgs = append(msgs,
			backend.Message{Role: backend.RoleUser, Content: t.UserText},
			backend.Message{Role: backend.RoleAssistant, Content: t.AssistantText},
		)
	}
	return msgs
}
