// Package identity maps chat usernames to platform users and their roles.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrUserNotFound is returned by a Directory lookup that matched nothing.
	ErrUserNotFound = errors.New("user not found")

	// ErrUnresolvableUser means the platform could not map a username to an id.
	ErrUnresolvableUser = errors.New("user cannot be resolved on platform")
)

// User is the locally persisted view of a platform account.
type User struct {
	ID           string    `json:"userId"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"displayName,omitempty"`
	IsModerator  bool      `json:"isModerator"`
	IsSubscriber bool      `json:"isSubscriber"`
	IsVIP        bool      `json:"isVip"`
	IsFollower   bool      `json:"isFollower"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Directory is the user persistence collaborator.
type Directory interface {
	FindByID(ctx context.Context, id string) (*User, error)
	FindByUsername(ctx context.Context, username string) (*User, error)
	// Create inserts a user, or refreshes the username of an existing id.
	Create(ctx context.Context, user *User) error
}

// Resolver maps a username to a platform user id.
type Resolver interface {
	ResolveID(ctx context.Context, username string) (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, username string) (string, error)

func (f ResolverFunc) ResolveID(ctx context.Context, username string) (string, error) {
	return f(ctx, username)
}

// Roles holds the configured special accounts of the channel.
type Roles struct {
	Broadcaster string
	Bot         string
	Owners      []string
}

func (r Roles) IsBroadcaster(username string) bool {
	return r.Broadcaster != "" && strings.EqualFold(r.Broadcaster, username)
}

func (r Roles) IsBot(username string) bool {
	return r.Bot != "" && strings.EqualFold(r.Bot, username)
}

func (r Roles) IsOwner(username string) bool {
	for _, owner := range r.Owners {
		if strings.EqualFold(owner, username) {
			return true
		}
	}
	return false
}

// Owner returns the first configured owner, falling back to the broadcaster.
func (r Roles) Owner() string {
	if len(r.Owners) > 0 {
		return r.Owners[0]
	}
	return r.Broadcaster
}

// Flags derives the role flags attached to event attributes.
func (r Roles) Flags(u *User) map[string]any {
	return map[string]any{
		"moderator":   u.IsModerator,
		"subscriber":  u.IsSubscriber,
		"vip":         u.IsVIP,
		"follower":    u.IsFollower,
		"broadcaster": r.IsBroadcaster(u.Username),
		"bot":         r.IsBot(u.Username),
		"owner":       r.IsOwner(u.Username),
	}
}

// Ensure returns the user for username (or userID when known), creating the
// record when it is missing. The lookup is retried once after creation.
// Failures to resolve the platform id wrap ErrUnresolvableUser.
func Ensure(ctx context.Context, dir Directory, resolver Resolver, username, userID string) (*User, error) {
	user, err := find(ctx, dir, username, userID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	if userID == "" {
		userID, err = resolver.ResolveID(ctx, username)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnresolvableUser, username, err)
		}
	}

	if err := dir.Create(ctx, &User{ID: userID, Username: username}); err != nil {
		return nil, fmt.Errorf("create user %s: %w", username, err)
	}

	return find(ctx, dir, username, userID)
}

func find(ctx context.Context, dir Directory, username, userID string) (*User, error) {
	if userID != "" {
		return dir.FindByID(ctx, userID)
	}
	return dir.FindByUsername(ctx, username)
}
