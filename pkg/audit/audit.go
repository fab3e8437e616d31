// Package audit records per-call events for offline inspection. Records
// are fire-and-forget: a failing audit backend must never affect the
// live call.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one recorded call event.
type Entry struct {
	ID           string    `json:"id"`
	SessionToken string    `json:"session_token"`
	EventType    string    `json:"event_type"`
	Payload      any       `json:"payload,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Recorder records call events. Implementations swallow their own
// failures; Record never returns an error by design of the contract.
type Recorder interface {
	Record(ctx context.Context, sessionToken, eventType string, payload any)
}

// Noop discards all records.
type Noop struct{}

func (Noop) Record(context.Context, string, string, any) {}

// Memory keeps records in memory; used in tests.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemory creates an in-memory recorder.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Record(_ context.Context, sessionToken, eventType string, payload any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, Entry{
		ID:           uuid.NewString(),
		SessionToken: sessionToken,
		EventType:    eventType,
		Payload:      payload,
		Timestamp:    time.Now(),
	})
}

// Entries returns a copy of all recorded entries.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}
