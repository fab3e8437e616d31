package session

import (
	"sync"
	"time"

	"github.com/workshoplabs/voicerelay/pkg/core/llm"
)

// Turn is one user or assistant message in the conversation history.
type Turn struct {
	Role      string
	Content   string
	Timestamp time.Time
}

// historyManager owns the per-session conversation memory. It is
// append-only; the only truncation is the interruption rule, realized
// by committing either the delivered prefix (streaming) or nothing
// (buffered) instead of the full unreleased reply.
type historyManager struct {
	mu    sync.Mutex
	turns []Turn
	now   func() time.Time
}

func newHistoryManager(now func() time.Time) *historyManager {
	if now == nil {
		now = time.Now
	}
	return &historyManager{
		turns: make([]Turn, 0, 16),
		now:   now,
	}
}

func (h *historyManager) appendUser(text string) {
	h.append("user", text)
}

func (h *historyManager) appendAssistant(text string) {
	h.append("assistant", text)
}

func (h *historyManager) append(role, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, Turn{Role: role, Content: text, Timestamp: h.now()})
}

func (h *historyManager) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}

func (h *historyManager) snapshot() []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// window returns the most recent turns as backend messages, bounded by
// maxTurns. The window is trimmed to start on a user turn so the
// backend never sees a conversation opening with the assistant. A
// non-positive maxTurns means unbounded.
func (h *historyManager) window(maxTurns int) []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	start := 0
	if maxTurns > 0 && len(h.turns) > maxTurns {
		start = len(h.turns) - maxTurns
	}
	for start < len(h.turns) && h.turns[start].Role != "user" {
		start++
	}

	out := make([]llm.Message, 0, len(h.turns)-start)
	for _, t := range h.turns[start:] {
		out = append(out, llm.Message{Role: t.Role, Content: t.Content})
	}
	return out
}
