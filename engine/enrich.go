package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/liamcoop/botevents/identity"
	"github.com/liamcoop/botevents/internal/logger"
	"github.com/liamcoop/botevents/internal/metrics"
)

// Enricher resolves the subject and recipient of an event into users and
// attaches their role flags under "is" and "recipientis".
type Enricher struct {
	users    identity.Directory
	resolver identity.Resolver
	roles    identity.Roles
	metrics  *metrics.Metrics

	mu       sync.Mutex
	excluded map[string]struct{}
}

func NewEnricher(users identity.Directory, resolver identity.Resolver, roles identity.Roles, m *metrics.Metrics) *Enricher {
	return &Enricher{
		users:    users,
		resolver: resolver,
		roles:    roles,
		metrics:  m,
		excluded: make(map[string]struct{}),
	}
}

// Enrich mutates attrs in place. It returns an error wrapping
// identity.ErrUnresolvableUser when the subject cannot be found on the
// platform; that username is then skipped until ClearExcluded or until an
// event arrives with its userId.
func (e *Enricher) Enrich(ctx context.Context, eventName string, attrs Attributes) error {
	if !attrs.Bool("isAnonymous") && attrs.Has("username") {
		if err := e.enrichSubject(ctx, eventName, attrs); err != nil {
			return err
		}
	}

	if attrs.Has("recipient") {
		user, err := identity.Ensure(ctx, e.users, e.resolver, attrs.String("recipient"), "")
		if err != nil {
			return fmt.Errorf("recipient %s: %w", attrs.String("recipient"), err)
		}
		attrs["recipientis"] = e.roles.Flags(user)
	}
	return nil
}

func (e *Enricher) enrichSubject(ctx context.Context, eventName string, attrs Attributes) error {
	username := attrs.String("username")
	userID := attrs.String("userId")

	if userID == "" && e.IsExcluded(username) {
		return nil
	}
	e.include(username)

	user, err := identity.Ensure(ctx, e.users, e.resolver, username, userID)
	if errors.Is(err, identity.ErrUnresolvableUser) {
		e.exclude(username)
		e.metrics.UnresolvedUser()
		logger.WarnUnresolvedUser(username, eventName, err)
		return err
	}
	if err != nil {
		return fmt.Errorf("user %s: %w", username, err)
	}

	if userID == "" {
		attrs["userId"] = user.ID
	}
	attrs["is"] = e.roles.Flags(user)
	return nil
}

func (e *Enricher) IsExcluded(username string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.excluded[strings.ToLower(username)]
	return ok
}

// ClearExcluded forgets every unresolvable username. Called when the stream
// ends.
func (e *Enricher) ClearExcluded() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.excluded = make(map[string]struct{})
}

func (e *Enricher) exclude(username string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.excluded[strings.ToLower(username)] = struct{}{}
}

func (e *Enricher) include(username string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.excluded, strings.ToLower(username))
}
