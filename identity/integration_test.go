//go:build integration
// +build integration

package identity_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/botevents/identity"
	"github.com/liamcoop/botevents/internal/pgtest"
)

func TestPostgresDirectory(t *testing.T) {
	ctx := context.Background()
	dir := identity.NewPostgresDirectory(pgtest.Start(t))

	_, err := dir.FindByUsername(ctx, "alice")
	assert.ErrorIs(t, err, identity.ErrUserNotFound)

	resolver := identity.ResolverFunc(func(context.Context, string) (string, error) {
		return "1001", nil
	})
	user, err := identity.Ensure(ctx, dir, resolver, "Alice", "")
	require.NoError(t, err)
	assert.Equal(t, "1001", user.ID)

	byName, err := dir.FindByUsername(ctx, "ALICE")
	require.NoError(t, err)
	assert.Equal(t, "1001", byName.ID)

	require.NoError(t, dir.Create(ctx, &identity.User{ID: "1001", Username: "alice_renamed"}))
	byID, err := dir.FindByID(ctx, "1001")
	require.NoError(t, err)
	assert.Equal(t, "alice_renamed", byID.Username)
}
