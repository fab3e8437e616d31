// Package tenant resolves per-session tenant configuration: credentials,
// system prompt, greeting, voice, and tool definitions. Resolution
// happens exactly once per session, at connect time, and the result is
// cached on the session for its lifetime.
package tenant

import (
	"context"
	"errors"
)

// Resolution failures. Both are fatal at connect time: the gateway
// rejects the connection and the caller can simply reconnect.
var (
	ErrSessionNotFound = errors.New("tenant: session not found")
	ErrNoCredential    = errors.New("tenant: no credential available")
)

// ToolDefinition is a declarative tool schema advertised to the
// completion backend. Execution is delegated to an external
// collaborator.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Record is one row of the backing config store. Pointer fields
// distinguish "absent" from "empty"; absent fields are filled with
// defaults by the resolver.
type Record struct {
	SessionToken string           `json:"session_token"`
	APIKey       *string          `json:"api_key"`
	SystemPrompt *string          `json:"system_prompt"`
	Greeting     *string          `json:"greeting"`
	Voice        *string          `json:"voice"`
	Tools        []ToolDefinition `json:"tools"`
}

// Config is a fully resolved tenant configuration.
type Config struct {
	SessionToken string
	APIKey       string
	SystemPrompt string
	Greeting     string
	Voice        string
	Tools        []ToolDefinition
}

// Store fetches raw tenant records from a backing config store.
type Store interface {
	// GetConfig returns the record for a session token, or nil when no
	// tenant matches (not an error).
	GetConfig(ctx context.Context, sessionToken string) (*Record, error)
}

// Documented defaults for absent config fields.
const (
	// DefaultSystemPrompt is used when the tenant sets none.
	DefaultSystemPrompt = "You are a helpful voice assistant on a phone call. Keep replies short and conversational. Do not use markdown. Expand numbers and abbreviations for speech."

	// DefaultVoice is the synthesis voice used when the tenant sets none.
	DefaultVoice = "en-US-Neural2-D"

	// DefaultGreeting is empty: no greeting is spoken unless the tenant
	// configures one.
	DefaultGreeting = ""
)

// Resolver applies the credential fallback policy and default fill on
// top of a Store.
type Resolver struct {
	store      Store
	defaultKey string
}

// NewResolver creates a resolver. defaultAPIKey is the operator default
// credential substituted when a tenant supplies none; it may be empty,
// in which case tenants without their own key fail resolution.
func NewResolver(store Store, defaultAPIKey string) *Resolver {
	return &Resolver{store: store, defaultKey: defaultAPIKey}
}

// Resolve fetches and resolves the configuration for one session token.
// No retry on failure: this runs once at connect time and the caller
// can reconnect.
//
// Credential policy: the tenant-supplied key wins if present and
// non-empty; otherwise the operator default key is substituted;
// otherwise resolution fails with ErrNoCredential.
func (r *Resolver) Resolve(ctx context.Context, sessionToken string) (Config, error) {
	rec, err := r.store.GetConfig(ctx, sessionToken)
	if err != nil {
		return Config{}, err
	}
	if rec == nil {
		return Config{}, ErrSessionNotFound
	}

	cfg := Config{
		SessionToken: sessionToken,
		SystemPrompt: DefaultSystemPrompt,
		Greeting:     DefaultGreeting,
		Voice:        DefaultVoice,
		Tools:        rec.Tools,
	}

	switch {
	case rec.APIKey != nil && *rec.APIKey != "":
		cfg.APIKey = *rec.APIKey
	case r.defaultKey != "":
		cfg.APIKey = r.defaultKey
	default:
		return Config{}, ErrNoCredential
	}

	if rec.SystemPrompt != nil && *rec.SystemPrompt != "" {
		cfg.SystemPrompt = *rec.SystemPrompt
	}
	if rec.Greeting != nil {
		cfg.Greeting = *rec.Greeting
	}
	if rec.Voice != nil && *rec.Voice != "" {
		cfg.Voice = *rec.Voice
	}
	return cfg, nil
}
