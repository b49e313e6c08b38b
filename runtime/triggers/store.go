package triggers

import (
	"context"
	"sort"
	"sync"
)

type (
	// Store persists trigger definitions across daemon restarts. The
	// daemon reconstructs watchers for active triggers at boot.
	Store interface {
		Save(ctx context.Context, d *Definition) error
		Get(ctx context.Context, triggerID string) (*Definition, bool, error)
		List(ctx context.Context) ([]*Definition, error)
		Delete(ctx context.Context, triggerID string) error
	}

	// InMemStore keeps definitions in memory, for tests and ephemeral
	// daemons.
	InMemStore struct {
		mu   sync.RWMutex
		defs map[string]*Definition
	}
)

// NewInMemStore returns an empty store.
func NewInMemStore() *InMemStore {
	return &InMemStore{defs: make(map[string]*Definition)}
}

// Save stores a copy of the definition.
func (s *InMemStore) Save(_ context.Context, d *Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[d.TriggerID] = d.clone()
	return nil
}

// Get returns a copy of the definition.
func (s *InMemStore) Get(_ context.Context, triggerID string) (*Definition, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.defs[triggerID]
	if !ok {
		return nil, false, nil
	}
	return d.clone(), true, nil
}

// List returns copies of every definition, ordered by trigger id.
func (s *InMemStore) List(context.Context) ([]*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Definition, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, d.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggerID < out[j].TriggerID })
	return out, nil
}

// Delete removes a definition. Unknown ids are a no-op.
func (s *InMemStore) Delete(_ context.Context, triggerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.defs, triggerID)
	return nil
}
