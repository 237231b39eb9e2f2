package relay

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateTokenIs256BitHex(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 16; i++ {
		tok, err := GenerateToken()
		require.NoError(t, err)
		assert.Len(t, tok, 64)
		assert.Regexp(t, "^[0-9a-f]{64}$", tok)
		assert.False(t, seen[tok])
		seen[tok] = true
	}
}

func TestRegisterOrLink(t *testing.T) {
	ctx := context.Background()
	creds := NewCredentials(NewMemoryStore())

	srv, err := creds.RegisterOrLink(ctx, "alpha", "", "g1")
	require.NoError(t, err)
	require.Len(t, srv.Token, 64)

	_, err = creds.RegisterOrLink(ctx, "alpha", "", "g2")
	require.ErrorIs(t, err, ErrTokenRequired)
	_, err = creds.RegisterOrLink(ctx, "alpha", "wrong", "g2")
	require.ErrorIs(t, err, ErrTokenInvalid)

	again, err := creds.RegisterOrLink(ctx, "alpha", srv.Token, "g2")
	require.NoError(t, err)
	assert.Equal(t, srv.Token, again.Token, "a matching token is left as is")

	id, err := creds.Resolve(ctx, srv.Token)
	require.NoError(t, err)
	assert.Equal(t, "alpha", id.Server.Label)
	assert.Equal(t, []string{"g1", "g2"}, id.Tenants)

	_, err = creds.RegisterOrLink(ctx, "beta", srv.Token, "g1")
	require.ErrorIs(t, err, ErrConflict)

	supplied, err := creds.RegisterOrLink(ctx, "gamma", "chosen-token", "")
	require.NoError(t, err)
	assert.Equal(t, "chosen-token", supplied.Token)
	id, err = creds.Resolve(ctx, "chosen-token")
	require.NoError(t, err)
	assert.Empty(t, id.Tenants)

	_, err = creds.RegisterOrLink(ctx, "  ", "", "g1")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestRotateInvalidatesPreviousToken(t *testing.T) {
	ctx := context.Background()
	creds := NewCredentials(NewMemoryStore())
	srv, err := creds.RegisterOrLink(ctx, "alpha", "", "g1")
	require.NoError(t, err)

	first, err := creds.Rotate(ctx, "alpha", srv.Token, false)
	require.NoError(t, err)
	second, err := creds.Rotate(ctx, "alpha", first.Token, false)
	require.NoError(t, err)

	assert.NotEqual(t, srv.Token, first.Token)
	assert.NotEqual(t, first.Token, second.Token)
	assert.NotEqual(t, srv.Token, second.Token)

	for _, old := range []string{srv.Token, first.Token} {
		_, err := creds.Resolve(ctx, old)
		require.ErrorIs(t, err, ErrNotFound)
	}
	id, err := creds.Resolve(ctx, second.Token)
	require.NoError(t, err)
	assert.Equal(t, []string{"g1"}, id.Tenants)
}

func TestRotateRequiresCurrentTokenUnlessAuthorized(t *testing.T) {
	ctx := context.Background()
	creds := NewCredentials(NewMemoryStore())
	srv, err := creds.RegisterOrLink(ctx, "alpha", "", "g1")
	require.NoError(t, err)

	_, err = creds.Rotate(ctx, "alpha", "", false)
	require.ErrorIs(t, err, ErrTokenInvalid)
	_, err = creds.Rotate(ctx, "alpha", "nope", false)
	require.ErrorIs(t, err, ErrTokenInvalid)

	rotated, err := creds.Rotate(ctx, "alpha", "", true)
	require.NoError(t, err)
	assert.NotEqual(t, srv.Token, rotated.Token)

	_, err = creds.Rotate(ctx, "missing", "", true)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResolveMigratesLegacyTokenOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	creds := NewCredentials(store)
	require.NoError(t, store.PutLegacyTenant(ctx, LegacyTenant{
		TenantID:       "g1",
		Token:          "legacy-token",
		DefaultChannel: "c1",
		EventChannels:  map[EventType]string{EventGameEnded: "c2"},
	}))

	var wg sync.WaitGroup
	ids := make([]Identity, 8)
	errs := make([]error, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = creds.Resolve(ctx, "legacy-token")
		}(i)
	}
	wg.Wait()
	for i := range ids {
		require.NoError(t, errs[i])
		assert.Equal(t, "legacy-g1", ids[i].Server.Label)
		assert.Equal(t, []string{"g1"}, ids[i].Tenants)
	}

	servers, err := store.LinkedServers(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, servers, 1, "repeated misses do not duplicate servers")

	router := NewRouter(store)
	channel, ok, err := router.GetChannel(ctx, servers[0].ID, "g1", EventGameEnded)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "c2", channel)

	// After rotation the legacy token is never consulted again.
	_, err = creds.Rotate(ctx, "legacy-g1", "", true)
	require.NoError(t, err)
	_, err = creds.Resolve(ctx, "legacy-token")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResolveUnknownToken(t *testing.T) {
	creds := NewCredentials(NewMemoryStore())
	_, err := creds.Resolve(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = creds.Resolve(context.Background(), "")
	require.ErrorIs(t, err, ErrNotFound)
}
