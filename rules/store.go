package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// RuleStore manages event rule persistence and retrieval, including the
// trigger state sub-document.
type RuleStore interface {
	// Add a new rule
	Add(ctx context.Context, rule *EventRule) error

	// Get a rule by ID
	Get(ctx context.Context, id string) (*EventRule, error)

	// List all rules
	List(ctx context.Context) ([]*EventRule, error)

	// ListEnabledByEvent returns enabled rules registered for an event name
	ListEnabledByEvent(ctx context.Context, eventName string) ([]*EventRule, error)

	// ListByEvent returns every rule for an event name, enabled or not
	ListByEvent(ctx context.Context, eventName string) ([]*EventRule, error)

	// Update an existing rule. Trigger state is left untouched.
	Update(ctx context.Context, rule *EventRule) error

	// Delete a rule
	Delete(ctx context.Context, id string) error

	// SaveTriggered overwrites the trigger state of a single rule
	SaveTriggered(ctx context.Context, id string, triggered Triggered) error

	// ResetTriggered empties the trigger state of every rule with the event
	// name and returns how many rules were touched
	ResetTriggered(ctx context.Context, eventName string) (int, error)

	// Ping reports whether the backing storage is reachable
	Ping(ctx context.Context) error
}

// InMemoryRuleStore implements RuleStore using an in-memory map.
// Rules are copied on the way in and out so callers never share state with
// the store, which mirrors how a database round-trip behaves.
type InMemoryRuleStore struct {
	rules map[string]*EventRule
	mu    sync.RWMutex
}

// NewInMemoryRuleStore creates a new in-memory rule store
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		rules: make(map[string]*EventRule),
	}
}

// Add adds a new rule to the store
func (s *InMemoryRuleStore) Add(_ context.Context, rule *EventRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("rule with ID %s already exists", rule.ID)
	}

	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	stored := rule.Clone()
	if stored.Triggered == nil {
		stored.Triggered = Triggered{}
	}
	s.rules[rule.ID] = stored
	return nil
}

// Get retrieves a rule by ID
func (s *InMemoryRuleStore) Get(_ context.Context, id string) (*EventRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	return rule.Clone(), nil
}

// List returns all rules ordered by creation time
func (s *InMemoryRuleStore) List(_ context.Context) ([]*EventRule, error) {
	return s.filter(func(*EventRule) bool { return true }), nil
}

// ListEnabledByEvent returns enabled rules for the event name
func (s *InMemoryRuleStore) ListEnabledByEvent(_ context.Context, eventName string) ([]*EventRule, error) {
	return s.filter(func(r *EventRule) bool {
		return r.IsEnabled && r.EventName == eventName
	}), nil
}

// ListByEvent returns all rules for the event name
func (s *InMemoryRuleStore) ListByEvent(_ context.Context, eventName string) ([]*EventRule, error) {
	return s.filter(func(r *EventRule) bool {
		return r.EventName == eventName
	}), nil
}

func (s *InMemoryRuleStore) filter(keep func(*EventRule) bool) []*EventRule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*EventRule
	for _, rule := range s.rules {
		if keep(rule) {
			out = append(out, rule.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Update updates an existing rule, preserving CreatedAt and trigger state
func (s *InMemoryRuleStore) Update(_ context.Context, rule *EventRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[rule.ID]
	if !exists {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrRuleNotFound)
	}

	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now()
	stored := rule.Clone()
	stored.Triggered = existing.Triggered
	s.rules[rule.ID] = stored
	return nil
}

// Delete removes a rule from the store
func (s *InMemoryRuleStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[id]; !exists {
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}

	delete(s.rules, id)
	return nil
}

// SaveTriggered replaces the trigger state of a rule
func (s *InMemoryRuleStore) SaveTriggered(_ context.Context, id string, triggered Triggered) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[id]
	if !exists {
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	if triggered == nil {
		triggered = Triggered{}
	}
	existing.Triggered = triggered.Clone()
	return nil
}

// ResetTriggered empties trigger state for all rules of an event name
func (s *InMemoryRuleStore) ResetTriggered(_ context.Context, eventName string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, rule := range s.rules {
		if rule.EventName == eventName {
			rule.Triggered = Triggered{}
			n++
		}
	}
	return n, nil
}

// Ping always succeeds for the in-memory store
func (s *InMemoryRuleStore) Ping(context.Context) error {
	return nil
}
