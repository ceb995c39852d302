package chat

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultHistoryLimit bounds the conversation kept for request payloads.
const DefaultHistoryLimit = 20

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Turn is one entry of the conversation. Tool turns are kept for the record
// but are not replayed to the model on later requests, since the call ids
// they answer are not retained.
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	ToolName  string    `json:"tool_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// History is a bounded FIFO of turns.
type History struct {
	mu    sync.Mutex
	limit int
	turns []Turn
	now   func() time.Time
}

func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &History{limit: limit, now: time.Now}
}

// Append records a turn, filling in its id and timestamp, and evicts the
// oldest turns beyond the limit.
func (h *History) Append(t Turn) Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = h.now()
	}
	h.turns = append(h.turns, t)
	if over := len(h.turns) - h.limit; over > 0 {
		// copy so the backing array does not grow without bound
		h.turns = append([]Turn(nil), h.turns[over:]...)
	}
	return t
}

// Turns returns a copy of the current history, oldest first.
func (h *History) Turns() []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Turn(nil), h.turns...)
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}

func (h *History) Limit() int { return h.limit }

func (h *History) Reset() {
	h.mu.Lock()
	h.turns = nil
	h.mu.Unlock()
}
