package inmemory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-content-key-service/internal/storage/inmemory"
	"github.com/tinywideclouds/go-content-key-service/pkg/contentkey"
)

// setupSuite initializes a new in-memory Store for testing.
func setupSuite(t *testing.T) (context.Context, contentkey.Store) {
	t.Helper()
	store := inmemory.New()
	return context.Background(), store
}

func TestInMemoryStore_Integration(t *testing.T) {
	ctx, store := setupSuite(t)

	// Act & Assert: Store and retrieve a key
	blob := []byte("persistable-key-blob")
	require.NoError(t, store.Store(ctx, "key65", blob))

	exists, err := store.Exists(ctx, "key65")
	require.NoError(t, err)
	assert.True(t, exists)

	loaded, err := store.Load(ctx, "key65")
	require.NoError(t, err)
	assert.Equal(t, blob, loaded)

	// Act & Assert: Get non-existent key
	_, err = store.Load(ctx, "not-found")
	assert.ErrorIs(t, err, contentkey.ErrKeyNotFound)

	// Act & Assert: Delete is idempotent
	require.NoError(t, store.Delete(ctx, "key65"))
	require.NoError(t, store.Delete(ctx, "key65"))
	exists, err = store.Exists(ctx, "key65")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestInMemoryStore_CopiesBlobs(t *testing.T) {
	ctx, store := setupSuite(t)

	blob := []byte("abc")
	require.NoError(t, store.Store(ctx, "k", blob))
	blob[0] = 'z'

	loaded, err := store.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), loaded)

	loaded[1] = 'z'
	again, err := store.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}

func TestInMemoryStore_ListAndDeleteAll(t *testing.T) {
	ctx, store := setupSuite(t)

	require.NoError(t, store.Store(ctx, "b", []byte("2")))
	require.NoError(t, store.Store(ctx, "a", []byte("1")))

	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	require.NoError(t, store.DeleteAll(ctx))
	ids, err = store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}
