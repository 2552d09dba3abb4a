package memory

import (
	"context"
	"sync"
)

// InMemoryStore is a simple in-process state store for local/dev use.
type InMemoryStore struct {
	mu     sync.RWMutex
	states map[Key]State
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{states: make(map[Key]State)}
}

func (s *InMemoryStore) Get(_ context.Context, key Key) (State, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[key]
	if !ok {
		return State{}, false, nil
	}
	return state.Clone(), true, nil
}

func (s *InMemoryStore) Put(_ context.Context, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.Key] = state.Clone()
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, key)
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
