// Package memstore keeps sessions in process memory. Values are stored in
// their JSON wire layout so round-trips match the durable backends.
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
)

// Store is an in-memory session backend.
type Store struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// New returns an empty Store.
func New() *Store {
	return &Store{items: make(map[string][]byte)}
}

// LoadAll decodes every stored session, ordered by id.
func (s *Store) LoadAll(_ context.Context) ([]chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.items))
	for id := range s.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]chat.Session, 0, len(ids))
	for _, id := range ids {
		var session chat.Session
		if err := json.Unmarshal(s.items[id], &session); err != nil {
			return nil, errors.Wrapf(err, "decode session %s", id)
		}
		out = append(out, session)
	}
	return out, nil
}

// Save writes the session under its id.
func (s *Store) Save(_ context.Context, session chat.Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return errors.Wrap(err, "encode session")
	}
	s.mu.Lock()
	s.items[session.ID] = raw
	s.mu.Unlock()
	return nil
}

// Delete drops the session. Missing ids are ignored.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.items, id)
	s.mu.Unlock()
	return nil
}

// Len reports how many sessions are stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Raw returns the stored JSON for id.
func (s *Store) Raw(id string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.items[id]
	return raw, ok
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
