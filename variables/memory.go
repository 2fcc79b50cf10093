package variables

import (
	"context"
	"sync"
)

// InMemoryStore implements Store with a map.
type InMemoryStore struct {
	mu   sync.RWMutex
	vars map[string]string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{vars: make(map[string]string)}
}

func (s *InMemoryStore) GetAll(context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.vars))
	for k, v := range s.vars {
		out[k] = v
	}
	return out, nil
}

func (s *InMemoryStore) Get(_ context.Context, name string) (string, error) {
	name, err := NormalizeName(name)
	if err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vars[name], nil
}

func (s *InMemoryStore) Set(_ context.Context, name, value string) error {
	name, err := NormalizeName(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vars[name] = value
	return nil
}

func (s *InMemoryStore) Increment(_ context.Context, name string, delta float64) (string, error) {
	name, err := NormalizeName(name)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := incremented(s.vars[name], delta)
	s.vars[name] = next
	return next, nil
}
