package keystore

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "keys.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndValidate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	token, err := s.Create(ctx, "ci")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, "adatp_"))

	ok, err := s.Validate(ctx, token)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Validate(ctx, "adatp_0000000000000000000000000000000000000000000000000000000000000000")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRevoke(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	token, err := s.Create(ctx, "ops")
	require.NoError(t, err)

	keys, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)

	require.NoError(t, s.Revoke(ctx, keys[0].ID))

	ok, err := s.Validate(ctx, token)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, s.Revoke(ctx, 9999), ErrNotFound)
}

func TestListOrderAndContents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.Create(ctx, "first")
	require.NoError(t, err)
	second, err := s.Create(ctx, "second")
	require.NoError(t, err)

	keys, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)

	// Newest first.
	assert.Equal(t, "second", keys[0].Label)
	assert.Equal(t, "first", keys[1].Label)
	for _, k := range keys {
		assert.False(t, k.Revoked)
		assert.False(t, k.CreatedAt.IsZero())
		// Tokens are never recoverable from the listing.
		assert.NotContains(t, []string{first, second}, k.Label)
	}
}

func TestTokensAreUnique(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seen := make(map[string]struct{})
	for i := 0; i < 16; i++ {
		token, err := s.Create(ctx, "bulk")
		require.NoError(t, err)
		_, dup := seen[token]
		require.False(t, dup)
		seen[token] = struct{}{}
	}
}

func TestReopenPersistsKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	token, err := s.Create(ctx, "durable")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	ok, err := s.Validate(ctx, token)
	require.NoError(t, err)
	assert.True(t, ok)
}
