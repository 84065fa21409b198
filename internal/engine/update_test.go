package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-content-key-service/internal/engine"
	"github.com/tinywideclouds/go-content-key-service/internal/storage/inmemory"
	"github.com/tinywideclouds/go-content-key-service/pkg/contentkey"
)

func TestParseUpdatePolicy(t *testing.T) {
	p, err := engine.ParseUpdatePolicy("")
	require.NoError(t, err)
	assert.Equal(t, engine.UpdateOverwrite, p)

	p, err = engine.ParseUpdatePolicy("Acknowledge")
	require.NoError(t, err)
	assert.Equal(t, engine.UpdateAcknowledge, p)
	assert.Equal(t, "acknowledge", p.String())

	_, err = engine.ParseUpdatePolicy("merge")
	assert.Error(t, err)
}

func TestUpdatePersistedKey_Overwrite(t *testing.T) {
	store := inmemory.New()
	ctx := testContext(t)
	require.NoError(t, store.Store(ctx, "key65", []byte("v1")))
	h := newHarness(t, store, nil, engine.UpdateOverwrite)

	require.NoError(t, h.engine.UpdatePersistedKey(ctx, "key65", []byte("v2")))

	blob, err := store.Load(ctx, "key65")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), blob)
	assert.Empty(t, h.engine.PendingUpdates())
}

func TestUpdatePersistedKey_Acknowledge(t *testing.T) {
	store := inmemory.New()
	ctx := testContext(t)
	require.NoError(t, store.Store(ctx, "key65", []byte("v1")))
	h := newHarness(t, store, nil, engine.UpdateAcknowledge)

	require.NoError(t, h.engine.UpdatePersistedKey(ctx, "key65", []byte("v2")))

	// Staged only: the stored record is unchanged.
	blob, err := store.Load(ctx, "key65")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), blob)
	assert.Equal(t, []string{"key65"}, h.engine.PendingUpdates())

	require.NoError(t, h.engine.AcknowledgeUpdate(ctx, "key65"))
	blob, err = store.Load(ctx, "key65")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), blob)
	assert.Empty(t, h.engine.PendingUpdates())

	err = h.engine.AcknowledgeUpdate(ctx, "key65")
	assert.ErrorIs(t, err, contentkey.ErrKeyNotFound)
}

func TestUpdatePersistedKey_FailedAcknowledgeStaysStaged(t *testing.T) {
	h := newHarness(t, readOnlyStore{inmemory.New()}, nil, engine.UpdateAcknowledge)
	ctx := testContext(t)

	require.NoError(t, h.engine.UpdatePersistedKey(ctx, "key65", []byte("v2")))
	assert.Error(t, h.engine.AcknowledgeUpdate(ctx, "key65"))
	assert.Equal(t, []string{"key65"}, h.engine.PendingUpdates())
}

func TestUpdatePersistedKey_Rejects(t *testing.T) {
	h := newHarness(t, nil, nil, engine.UpdateOverwrite)
	ctx := testContext(t)

	assert.ErrorIs(t, h.engine.UpdatePersistedKey(ctx, "", []byte("x")), contentkey.ErrInvalidIdentifier)
	assert.ErrorIs(t, h.engine.UpdatePersistedKey(ctx, "key65", nil), contentkey.ErrInvalidServerResponse)
}
