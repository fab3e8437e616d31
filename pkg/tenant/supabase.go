package tenant

import (
	"context"
	"fmt"

	"github.com/supabase-community/supabase-go"
)

// SupabaseConfig holds Supabase connection configuration.
type SupabaseConfig struct {
	URL    string
	APIKey string
	// Table holding tenant config rows, keyed by session_token.
	// Defaults to "tenants".
	Table string
}

// SupabaseStore implements Store against a Supabase project.
type SupabaseStore struct {
	client *supabase.Client
	table  string
}

// NewSupabaseStore creates a Supabase-backed config store.
func NewSupabaseStore(cfg SupabaseConfig) (*SupabaseStore, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("supabase URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("supabase API key is required")
	}
	if cfg.Table == "" {
		cfg.Table = "tenants"
	}

	client, err := supabase.NewClient(cfg.URL, cfg.APIKey, nil)
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &SupabaseStore{client: client, table: cfg.Table}, nil
}

// GetConfig fetches the tenant row for a session token. A token with no
// matching row returns nil, nil.
func (s *SupabaseStore) GetConfig(ctx context.Context, sessionToken string) (*Record, error) {
	var records []Record
	_, err := s.client.From(s.table).
		Select("*", "", false).
		Eq("session_token", sessionToken).
		ExecuteTo(&records)
	if err != nil {
		return nil, fmt.Errorf("get tenant config by token: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	rec := records[0]
	rec.SessionToken = sessionToken
	return &rec, nil
}
