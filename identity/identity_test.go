package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureFindsExistingUser(t *testing.T) {
	dir := NewInMemoryDirectory(&User{ID: "1", Username: "alice", IsModerator: true})
	resolver := ResolverFunc(func(context.Context, string) (string, error) {
		t.Fatal("resolver should not be called for known users")
		return "", nil
	})

	user, err := Ensure(context.Background(), dir, resolver, "Alice", "")
	require.NoError(t, err)
	assert.Equal(t, "1", user.ID)
	assert.True(t, user.IsModerator)
	assert.Equal(t, 0, dir.Creates())
}

func TestEnsureCreatesUnknownUserOnce(t *testing.T) {
	dir := NewInMemoryDirectory()
	var calls atomic.Int32
	resolver := ResolverFunc(func(_ context.Context, username string) (string, error) {
		calls.Add(1)
		return "id-" + username, nil
	})

	user, err := Ensure(context.Background(), dir, resolver, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, "id-bob", user.ID)
	assert.Equal(t, 1, dir.Creates())
	assert.Equal(t, int32(1), calls.Load())

	_, err = Ensure(context.Background(), dir, resolver, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, 1, dir.Creates(), "second call must find the persisted user")
}

func TestEnsureUsesKnownUserID(t *testing.T) {
	dir := NewInMemoryDirectory()
	resolver := ResolverFunc(func(context.Context, string) (string, error) {
		return "", errors.New("should not resolve")
	})

	user, err := Ensure(context.Background(), dir, resolver, "carol", "42")
	require.NoError(t, err)
	assert.Equal(t, "42", user.ID)
	assert.Equal(t, "carol", user.Username)
}

func TestEnsureUnresolvable(t *testing.T) {
	dir := NewInMemoryDirectory()
	resolver := ResolverFunc(func(context.Context, string) (string, error) {
		return "", ErrUserNotFound
	})

	_, err := Ensure(context.Background(), dir, resolver, "ghost", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnresolvableUser)
	assert.Equal(t, 0, dir.Creates())
}

func TestRolesFlags(t *testing.T) {
	roles := Roles{Broadcaster: "Streamer", Bot: "helperbot", Owners: []string{"streamer", "admin"}}

	flags := roles.Flags(&User{Username: "streamer", IsSubscriber: true})
	assert.Equal(t, true, flags["broadcaster"])
	assert.Equal(t, true, flags["owner"])
	assert.Equal(t, false, flags["bot"])
	assert.Equal(t, true, flags["subscriber"])
	assert.Equal(t, false, flags["follower"])
	assert.Len(t, flags, 7)

	assert.True(t, roles.IsBot("HelperBot"))
	assert.Equal(t, "streamer", roles.Owner())
	assert.Equal(t, "solo", Roles{Broadcaster: "solo"}.Owner())
}

func TestHTTPResolver(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		assert.Equal(t, "client", r.Header.Get("Client-ID"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		switch r.URL.Query().Get("login") {
		case "flaky":
			if n == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Write([]byte(`{"data":[{"id":"77","login":"flaky"}]}`))
		case "alice":
			w.Write([]byte(`{"data":[{"id":"1","login":"alice"}]}`))
		default:
			w.Write([]byte(`{"data":[]}`))
		}
	}))
	defer srv.Close()

	resolver := NewHTTPResolver(HTTPResolverConfig{
		BaseURL:  srv.URL + "/",
		ClientID: "client",
		Token:    "secret",
		RetryMax: 2,
	})

	id, err := resolver.ResolveID(context.Background(), "Alice")
	require.NoError(t, err)
	assert.Equal(t, "1", id)

	_, err = resolver.ResolveID(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrUserNotFound)

	attempts.Store(0)
	id, err = resolver.ResolveID(context.Background(), "flaky")
	require.NoError(t, err)
	assert.Equal(t, "77", id)
	assert.Equal(t, int32(2), attempts.Load())
}
