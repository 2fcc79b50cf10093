package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/liamcoop/botevents/identity"
	"github.com/liamcoop/botevents/rules"
	"github.com/liamcoop/botevents/stats"
	"github.com/liamcoop/botevents/variables"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingChat struct {
	mu   sync.Mutex
	msgs []ChatMessage
}

func (r *recordingChat) SendChat(_ context.Context, msg ChatMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingChat) Messages() []ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ChatMessage(nil), r.msgs...)
}

func (r *recordingChat) Texts() []string {
	var out []string
	for _, m := range r.Messages() {
		out = append(out, m.Text)
	}
	return out
}

// failingStore fails SaveTriggered for one rule id.
type failingStore struct {
	*rules.InMemoryRuleStore
	failID string
}

func (s *failingStore) SaveTriggered(ctx context.Context, id string, triggered rules.Triggered) error {
	if id == s.failID {
		return errors.New("disk full")
	}
	return s.InMemoryRuleStore.SaveTriggered(ctx, id, triggered)
}

type harness struct {
	store    *rules.InMemoryRuleStore
	users    *identity.InMemoryDirectory
	vars     *variables.InMemoryStore
	tracker  *stats.Tracker
	chat     *recordingChat
	clock    *fakeClock
	enricher *Enricher
	engine   *Engine
	resolves atomic.Int32
}

// newHarness wires an engine over in-memory collaborators. The resolver
// knows every username except "ghost".
func newHarness(t *testing.T, store rules.RuleStore, users ...*identity.User) *harness {
	t.Helper()

	h := &harness{
		store:   rules.NewInMemoryRuleStore(),
		users:   identity.NewInMemoryDirectory(users...),
		vars:    variables.NewInMemoryStore(),
		tracker: stats.NewTracker(),
		chat:    &recordingChat{},
		clock:   newFakeClock(),
	}
	if store == nil {
		store = h.store
	}

	resolver := identity.ResolverFunc(func(_ context.Context, username string) (string, error) {
		h.resolves.Add(1)
		if username == "ghost" {
			return "", identity.ErrUserNotFound
		}
		return "id-" + username, nil
	})
	roles := identity.Roles{Broadcaster: "streamer", Bot: "botty", Owners: []string{"streamer"}}

	filter, err := NewFilterEvaluator(h.tracker, h.vars, nil, nil)
	if err != nil {
		t.Fatalf("NewFilterEvaluator() failed: %v", err)
	}

	h.enricher = NewEnricher(h.users, resolver, roles, nil)
	h.engine, err = New(Config{
		Store: store,
		Operations: DefaultOperationCatalog(OperationDeps{
			Chat:      h.chat,
			Users:     h.users,
			Resolver:  resolver,
			Roles:     roles,
			Variables: h.vars,
			Excluded:  h.enricher.IsExcluded,
		}),
		Enricher: h.enricher,
		Filter:   filter,
		Stats:    h.tracker,
		Now:      h.clock.Now,
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return h
}

func (h *harness) addRule(t *testing.T, rule *rules.EventRule) {
	t.Helper()
	if err := h.engine.Store().Add(context.Background(), rule); err != nil {
		t.Fatalf("Add(%s) failed: %v", rule.ID, err)
	}
}

func (h *harness) fire(t *testing.T, eventName string, attrs Attributes) {
	t.Helper()
	if err := h.engine.Fire(context.Background(), eventName, attrs); err != nil {
		t.Fatalf("Fire(%s) failed: %v", eventName, err)
	}
	h.engine.Wait()
}

func (h *harness) triggered(t *testing.T, id string) rules.Triggered {
	t.Helper()
	rule, err := h.engine.Store().Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s) failed: %v", id, err)
	}
	return rule.Triggered
}

func chatRule(id, eventName, filter, message string, defs rules.Definitions) *rules.EventRule {
	return &rules.EventRule{
		ID:          id,
		GivenName:   id,
		EventName:   eventName,
		IsEnabled:   true,
		Filter:      filter,
		Definitions: defs,
		Operations: []rules.Operation{
			{ID: id + "-op", Name: "send-chat-message", Definitions: rules.Definitions{"messageToSend": message}},
		},
	}
}

func user(id, name string) *identity.User {
	return &identity.User{ID: id, Username: name, CreatedAt: time.Unix(1700000000, 0)}
}

func mustNumber(t *testing.T, bag rules.Triggered, key string) float64 {
	t.Helper()
	n, ok := bag.Number(key)
	if !ok {
		t.Fatalf("triggered[%s] missing or not numeric in %v", key, bag)
	}
	return n
}

func describe(msgs []string) string {
	return fmt.Sprintf("%q", msgs)
}
