package token

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/estately/client-go/internal/provider"
)

// Pair is the credential pair issued by the auth service. Both tokens are
// opaque bearer strings; the client never inspects their contents.
type Pair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// Store holds the current credential pair. It is safe for concurrent use
// and is the only state shared across requests.
type Store struct {
	mu   sync.RWMutex
	pair *Pair
	path string
}

// NewStore creates an in-memory store with no persistence.
func NewStore() *Store {
	return &Store{}
}

// NewFileStore creates a store that persists the pair to path, loading an
// existing pair if one is present.
func NewFileStore(path string) (*Store, error) {
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}

	var pair Pair
	if err := json.Unmarshal(data, &pair); err != nil {
		return nil, fmt.Errorf("parse token file: %w", err)
	}
	if pair.Access != "" {
		s.pair = &pair
	}
	return s, nil
}

// Set replaces the stored credential pair.
func (s *Store) Set(p Pair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pair = &p
	s.persist()
}

// Clear discards the stored credential pair. Current always reports
// absent afterwards.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pair = nil
	s.persist()
}

// Current returns the stored pair, or false when none is held.
func (s *Store) Current() (Pair, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pair == nil {
		return Pair{}, false
	}
	return *s.pair, true
}

// persist mirrors the in-memory state to disk. Failures are logged, not
// surfaced: the session keeps working for this process either way.
// Callers must hold s.mu.
func (s *Store) persist() {
	if s.path == "" {
		return
	}
	if s.pair == nil {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			provider.LogError("token", "remove token file", err)
		}
		return
	}
	data, err := json.Marshal(s.pair)
	if err != nil {
		provider.LogError("token", "encode token file", err)
		return
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		provider.LogError("token", "write token file", err)
	}
}
