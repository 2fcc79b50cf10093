package identity

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// InMemoryDirectory implements Directory with a map keyed by user id.
type InMemoryDirectory struct {
	mu      sync.RWMutex
	users   map[string]*User
	creates int
}

func NewInMemoryDirectory(users ...*User) *InMemoryDirectory {
	d := &InMemoryDirectory{users: make(map[string]*User)}
	for _, u := range users {
		copied := *u
		d.users[u.ID] = &copied
	}
	return d
}

func (d *InMemoryDirectory) FindByID(_ context.Context, id string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	u, ok := d.users[id]
	if !ok {
		return nil, fmt.Errorf("user id %s: %w", id, ErrUserNotFound)
	}
	copied := *u
	return &copied, nil
}

func (d *InMemoryDirectory) FindByUsername(_ context.Context, username string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var found *User
	for _, u := range d.users {
		if strings.EqualFold(u.Username, username) && (found == nil || u.CreatedAt.After(found.CreatedAt)) {
			found = u
		}
	}
	if found == nil {
		return nil, fmt.Errorf("username %s: %w", username, ErrUserNotFound)
	}
	copied := *found
	return &copied, nil
}

func (d *InMemoryDirectory) Create(_ context.Context, user *User) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.creates++
	if existing, ok := d.users[user.ID]; ok {
		existing.Username = user.Username
		return nil
	}
	copied := *user
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now()
	}
	d.users[user.ID] = &copied
	return nil
}

// Creates returns how many times Create was called.
func (d *InMemoryDirectory) Creates() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.creates
}
