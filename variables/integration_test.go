//go:build integration
// +build integration

package variables_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/botevents/internal/pgtest"
	"github.com/liamcoop/botevents/variables"
)

func TestPostgresStore(t *testing.T) {
	ctx := context.Background()
	s := variables.NewPostgresStore(pgtest.Start(t))

	require.NoError(t, s.Set(ctx, "$_goal", "100"))
	v, err := s.Get(ctx, "goal")
	require.NoError(t, err)
	assert.Equal(t, "100", v)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Increment(ctx, "$_hits", 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	v, _ = s.Get(ctx, "hits")
	assert.Equal(t, "20", v)

	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"goal": "100", "hits": "20"}, all)
}
