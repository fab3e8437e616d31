package tenant

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// StaticStore is an in-memory Store, used in tests and in single-box
// deployments where tenant records are loaded from a JSON file.
type StaticStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewStaticStore creates an empty in-memory store.
func NewStaticStore() *StaticStore {
	return &StaticStore{records: make(map[string]*Record)}
}

// LoadStaticStore reads tenant records from a JSON file: an array of
// Record objects, each carrying its session_token.
func LoadStaticStore(path string) (*StaticStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tenants file %q: %w", path, err)
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse tenants file %q: %w", path, err)
	}

	s := NewStaticStore()
	for i := range records {
		if records[i].SessionToken == "" {
			return nil, fmt.Errorf("tenants file %q: record %d is missing session_token", path, i)
		}
		s.Put(&records[i])
	}
	return s, nil
}

// Put inserts or replaces a record.
func (s *StaticStore) Put(rec *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.SessionToken] = rec
}

// GetConfig returns the record for a token, or nil when absent.
func (s *StaticStore) GetConfig(_ context.Context, sessionToken string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[sessionToken]
	if !ok {
		return nil, nil
	}
	copied := *rec
	return &copied, nil
}
