// Package llm defines the completion backend contract used by the voice
// relay and an OpenAI-compatible HTTP client implementing it.
package llm

import (
	"context"
)

// Message is one conversation turn sent to the completion backend.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Tool is a declarative tool definition forwarded to the backend.
// Execution is delegated to an external collaborator; the relay only
// advertises the schema.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Request is a single completion request: system prompt plus the
// conversation history window.
type Request struct {
	Model    string
	System   string
	Messages []Message
	Tools    []Tool
}

// Completer is the completion backend contract. Both calls honor
// context cancellation; canceling the context is how an in-flight
// generation is interrupted.
type Completer interface {
	// Complete returns the full assistant reply in one call.
	Complete(ctx context.Context, req *Request) (string, error)

	// StreamComplete returns an iterator over partial reply tokens.
	StreamComplete(ctx context.Context, req *Request) (TokenStream, error)
}

// TokenStream iterates over streamed reply chunks.
type TokenStream interface {
	// Next returns the next token chunk. Returns "", io.EOF when done.
	Next() (string, error)

	// Close releases resources.
	Close() error
}
