package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-content-key-service/internal/engine"
	"github.com/tinywideclouds/go-content-key-service/internal/keymodule"
	"github.com/tinywideclouds/go-content-key-service/internal/storage/inmemory"
	"github.com/tinywideclouds/go-content-key-service/pkg/contentkey"
)

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := engine.New(engine.Config{Store: inmemory.New()}, zerolog.Nop())
	assert.Error(t, err)
}

func TestEngine_OnlineRequest(t *testing.T) {
	h := newHarness(t, nil, nil, engine.UpdateOverwrite)
	ctx := testContext(t)

	res, err := h.engine.Acquire(ctx, contentkey.Request{KeyRef: "skd://key65"})
	require.NoError(t, err)

	assert.True(t, res.OK())
	assert.Equal(t, "key65", res.ID.String())
	assert.Equal(t, contentkey.RequestOnline, res.Kind)
	assert.Equal(t, contentkey.SourceLicenseService, res.Source)
	assert.Equal(t, []byte("key-key65"), res.Key)
	assert.False(t, res.Persisted)
	assert.Equal(t, 1, h.license.Calls())

	exists, err := h.store.Exists(ctx, "key65")
	require.NoError(t, err)
	assert.False(t, exists, "online keys are never persisted")
}

func TestEngine_PersistableStreamCompletes(t *testing.T) {
	license := &fakeLicense{gate: make(chan struct{})}
	h := newHarness(t, nil, license, engine.UpdateOverwrite)
	ctx := testContext(t)

	a := h.engine.RegisterPersistable("skd://a", "S")
	b := h.engine.RegisterPersistable("skd://b", "S")
	close(license.gate)

	resA, err := a.Wait(ctx)
	require.NoError(t, err)
	resB, err := b.Wait(ctx)
	require.NoError(t, err)

	for _, res := range []contentkey.Result{resA, resB} {
		assert.Equal(t, contentkey.RequestPersistable, res.Kind)
		assert.True(t, res.Persisted)
		assert.Equal(t, contentkey.SourceLicenseService, res.Source)
	}

	for _, id := range []string{"a", "b"} {
		blob, err := h.store.Load(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, []byte("PCK1key-"+id), blob)
	}
	assert.Equal(t, []string{"S"}, h.notifier.Saved())
}

func TestEngine_RegisterPersistableDefaultsStreamName(t *testing.T) {
	h := newHarness(t, nil, nil, engine.UpdateOverwrite)

	_, err := h.engine.RegisterPersistable("skd://solo", "").Wait(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"skd://solo"}, h.notifier.Saved())
}

func TestEngine_PersistedKeyServedFromStore(t *testing.T) {
	store := inmemory.New()
	ctx := testContext(t)
	require.NoError(t, store.Store(ctx, "key65", []byte("stored-blob")))
	h := newHarness(t, store, nil, engine.UpdateOverwrite)

	res, err := h.engine.Acquire(ctx, contentkey.Request{KeyRef: "skd://key65"})
	require.NoError(t, err)

	assert.Equal(t, contentkey.RequestPersistable, res.Kind)
	assert.Equal(t, contentkey.SourceStore, res.Source)
	assert.Equal(t, []byte("stored-blob"), res.Key)
	assert.Equal(t, 0, h.license.Calls())
}

func TestEngine_UnreadableRecordFallsBackToNetwork(t *testing.T) {
	h := newHarness(t, unreadableStore{inmemory.New()}, nil, engine.UpdateOverwrite)

	res, err := h.engine.Acquire(testContext(t), contentkey.Request{KeyRef: "skd://key65"})
	require.NoError(t, err)

	assert.Equal(t, contentkey.RequestPersistable, res.Kind)
	assert.Equal(t, contentkey.SourceLicenseService, res.Source)
	assert.True(t, res.Persisted)
	assert.Equal(t, 1, h.license.Calls())
}

func TestEngine_PersistableDeniedAnswersOnline(t *testing.T) {
	store := inmemory.New()
	ctx := testContext(t)
	require.NoError(t, store.Store(ctx, "key65", []byte("stored-blob")))
	h := newHarness(t, store, nil, engine.UpdateOverwrite)

	res, err := h.engine.Acquire(ctx, contentkey.Request{KeyRef: "skd://key65", PersistableDenied: true})
	require.NoError(t, err)

	assert.Equal(t, contentkey.RequestOnline, res.Kind)
	assert.Equal(t, contentkey.SourceLicenseService, res.Source)
	assert.Equal(t, []byte("key-key65"), res.Key)

	blob, err := store.Load(ctx, "key65")
	require.NoError(t, err)
	assert.Equal(t, []byte("stored-blob"), blob, "stored record is untouched")
}

func TestEngine_PersistableDeniedOverridesPersistableKind(t *testing.T) {
	h := newHarness(t, nil, nil, engine.UpdateOverwrite)
	ctx := testContext(t)

	res, err := h.engine.Acquire(ctx, contentkey.Request{
		KeyRef:            "skd://key65",
		Kind:              contentkey.RequestPersistable,
		PersistableDenied: true,
	})
	require.NoError(t, err)

	assert.Equal(t, contentkey.RequestOnline, res.Kind)
	assert.False(t, res.Persisted)
	assert.Equal(t, []byte("key-key65"), res.Key)

	exists, err := h.store.Exists(ctx, "key65")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestEngine_PersistableDoesNotJoinOnlineFlight(t *testing.T) {
	license := &fakeLicense{gate: make(chan struct{})}
	h := newHarness(t, nil, license, engine.UpdateOverwrite)
	ctx := testContext(t)

	online := h.engine.Submit(contentkey.Request{KeyRef: "skd://movie"})
	persistable := h.engine.RegisterPersistable("skd://movie", "film")
	close(license.gate)

	onlineRes, err := online.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, contentkey.RequestOnline, onlineRes.Kind)
	assert.False(t, onlineRes.Persisted)

	res, err := persistable.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, contentkey.RequestPersistable, res.Kind)
	assert.True(t, res.Persisted)

	blob, err := h.store.Load(ctx, "movie")
	require.NoError(t, err)
	assert.Equal(t, []byte("PCK1key-movie"), blob)
	assert.Equal(t, []string{"film"}, h.notifier.Saved())
	assert.Equal(t, 2, license.Calls())
}

func TestEngine_OnlineJoinsOnlineFlight(t *testing.T) {
	license := &fakeLicense{gate: make(chan struct{})}
	h := newHarness(t, nil, license, engine.UpdateOverwrite)
	ctx := testContext(t)

	first := h.engine.Submit(contentkey.Request{KeyRef: "skd://movie"})
	second := h.engine.Submit(contentkey.Request{KeyRef: "skd://movie"})
	close(license.gate)

	for _, fut := range []*engine.Future{first, second} {
		res, err := fut.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, contentkey.RequestOnline, res.Kind)
	}
	assert.Equal(t, 1, license.Calls())
}

func TestEngine_StoreServedPersistableCompletesStream(t *testing.T) {
	store := inmemory.New()
	ctx := testContext(t)
	require.NoError(t, store.Store(ctx, "movie", []byte("stored-blob")))
	h := newHarness(t, store, nil, engine.UpdateOverwrite)

	res, err := h.engine.RegisterPersistable("skd://movie", "film").Wait(ctx)
	require.NoError(t, err)

	assert.Equal(t, contentkey.SourceStore, res.Source)
	assert.Equal(t, []string{"film"}, h.notifier.Saved())
	assert.Equal(t, 0, h.license.Calls())
}

func TestEngine_Failures(t *testing.T) {
	testCases := []struct {
		name      string
		respond   func(string) ([]byte, error)
		certErr   error
		wantErr   error
		wantKind  contentkey.ErrorKind
		wantRetry bool
	}{
		{
			name:      "expired lease is retried",
			respond:   func(string) ([]byte, error) { return nil, &contentkey.RetryError{Reason: contentkey.RetryExpiredLease} },
			wantErr:   contentkey.ErrExpiredLease,
			wantKind:  contentkey.KindExpiredLease,
			wantRetry: true,
		},
		{
			name:      "timed out is retried",
			respond:   func(string) ([]byte, error) { return nil, &contentkey.RetryError{Reason: contentkey.RetryTimedOut} },
			wantErr:   contentkey.ErrTimedOut,
			wantKind:  contentkey.KindTimedOut,
			wantRetry: true,
		},
		{
			name:      "obsolete key is retried",
			respond:   func(string) ([]byte, error) { return nil, &contentkey.RetryError{Reason: contentkey.RetryObsoleteKey} },
			wantErr:   contentkey.ErrObsoleteKey,
			wantKind:  contentkey.KindObsoleteKey,
			wantRetry: true,
		},
		{
			name: "other reason is terminal",
			respond: func(string) ([]byte, error) {
				return nil, &contentkey.RetryError{Reason: contentkey.RetryOther, Err: contentkey.ErrTransport}
			},
			wantErr:  contentkey.ErrTransport,
			wantKind: contentkey.KindTransportFailure,
		},
		{
			name:     "unclassified transport error",
			respond:  func(string) ([]byte, error) { return nil, errors.New("connection reset") },
			wantErr:  contentkey.ErrTransport,
			wantKind: contentkey.KindTransportFailure,
		},
		{
			name:     "undecodable response",
			respond:  func(string) ([]byte, error) { return []byte("garbage"), nil },
			wantErr:  contentkey.ErrInvalidServerResponse,
			wantKind: contentkey.KindInvalidServerResponse,
		},
		{
			name:     "missing certificate",
			certErr:  errors.New("no certificate"),
			wantErr:  contentkey.ErrMissingCertificate,
			wantKind: contentkey.KindMissingCertificate,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil, &fakeLicense{respond: tc.respond, certErr: tc.certErr}, engine.UpdateOverwrite)

			res, err := h.engine.Acquire(testContext(t), contentkey.Request{KeyRef: "skd://key65"})
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.wantErr)
			assert.Equal(t, tc.wantRetry, res.Retry)
			assert.Nil(t, res.Key)
			assert.Equal(t, []failure{{"key65", tc.wantKind}}, h.notifier.Failed())
		})
	}
}

func TestEngine_InvalidIdentifier(t *testing.T) {
	h := newHarness(t, nil, nil, engine.UpdateOverwrite)

	_, err := h.engine.Acquire(testContext(t), contentkey.Request{KeyRef: "key65"})
	assert.ErrorIs(t, err, contentkey.ErrInvalidIdentifier)
	assert.Equal(t, []failure{{"key65", contentkey.KindInvalidIdentifier}}, h.notifier.Failed())
	assert.Equal(t, 0, h.license.Calls())
}

func TestEngine_PersistFailureKeepsStreamOpen(t *testing.T) {
	h := newHarness(t, readOnlyStore{inmemory.New()}, nil, engine.UpdateOverwrite)
	ctx := testContext(t)

	_, err := h.engine.RegisterPersistable("skd://a", "S").Wait(ctx)
	assert.ErrorIs(t, err, contentkey.ErrPersistence)
	assert.Equal(t, []failure{{"a", contentkey.KindPersistenceFailure}}, h.notifier.Failed())
	assert.Empty(t, h.notifier.Saved())

	// The failed id no longer routes persistable requests.
	res, err := h.engine.Acquire(ctx, contentkey.Request{KeyRef: "skd://a"})
	require.NoError(t, err)
	assert.Equal(t, contentkey.RequestOnline, res.Kind)
}

func TestEngine_JoinsInFlightRequest(t *testing.T) {
	license := &fakeLicense{gate: make(chan struct{})}
	h := newHarness(t, nil, license, engine.UpdateOverwrite)
	ctx := testContext(t)

	first := h.engine.Submit(contentkey.Request{KeyRef: "skd://key65"})
	second := h.engine.Submit(contentkey.Request{KeyRef: "skd://key65"})
	close(license.gate)

	r1, err := first.Wait(ctx)
	require.NoError(t, err)
	r2, err := second.Wait(ctx)
	require.NoError(t, err)

	assert.Equal(t, r1.Key, r2.Key)
	assert.Equal(t, 1, license.Calls())

	// Once finished, a new request makes a new call.
	_, err = h.engine.Acquire(ctx, contentkey.Request{KeyRef: "skd://key65"})
	require.NoError(t, err)
	assert.Equal(t, 2, license.Calls())
}

func TestEngine_StopResolvesPendingRequests(t *testing.T) {
	license := &fakeLicense{gate: make(chan struct{})}
	h := newHarness(t, nil, license, engine.UpdateOverwrite)
	defer close(license.gate)

	fut := h.engine.Submit(contentkey.Request{KeyRef: "skd://key65"})
	h.engine.Stop()
	h.engine.Stop()

	res := fut.Result()
	assert.ErrorIs(t, res.Err, contentkey.ErrEngineStopped)

	late := h.engine.Submit(contentkey.Request{KeyRef: "skd://other"})
	assert.ErrorIs(t, late.Result().Err, contentkey.ErrEngineStopped)

	renew := h.engine.RenewMostRecent()
	assert.ErrorIs(t, renew.Result().Err, contentkey.ErrEngineStopped)
}

func TestEngine_WaitHonoursContext(t *testing.T) {
	license := &fakeLicense{gate: make(chan struct{})}
	h := newHarness(t, nil, license, engine.UpdateOverwrite)
	defer close(license.gate)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.engine.Acquire(ctx, contentkey.Request{KeyRef: "skd://key65"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngine_RenewMostRecent(t *testing.T) {
	t.Run("nothing to renew", func(t *testing.T) {
		h := newHarness(t, nil, nil, engine.UpdateOverwrite)
		_, err := h.engine.RenewMostRecent().Wait(testContext(t))
		assert.ErrorIs(t, err, engine.ErrNothingToRenew)
	})

	t.Run("renews last network request", func(t *testing.T) {
		h := newHarness(t, nil, nil, engine.UpdateOverwrite)
		ctx := testContext(t)

		_, err := h.engine.Acquire(ctx, contentkey.Request{KeyRef: "skd://key65", Headers: map[string]string{"X-Session": "1"}})
		require.NoError(t, err)

		res, err := h.engine.RenewMostRecent().Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, "key65", res.ID.String())
		assert.Equal(t, 2, h.license.Calls())
		assert.Equal(t, []string{"key65"}, h.notifier.Renewed())
	})

	t.Run("request awaiting retry is not renewed", func(t *testing.T) {
		license := &fakeLicense{respond: func(id string) ([]byte, error) {
			return nil, &contentkey.RetryError{Reason: contentkey.RetryExpiredLease}
		}}
		h := newHarness(t, nil, license, engine.UpdateOverwrite)
		ctx := testContext(t)

		res, err := h.engine.Acquire(ctx, contentkey.Request{KeyRef: "skd://key65"})
		require.Error(t, err)
		require.True(t, res.Retry)

		_, err = h.engine.RenewMostRecent().Wait(ctx)
		assert.ErrorIs(t, err, engine.ErrNothingToRenew)
		assert.Equal(t, 1, license.Calls())
	})

	t.Run("failed request is not renewed", func(t *testing.T) {
		license := &fakeLicense{respond: func(id string) ([]byte, error) {
			return nil, fmt.Errorf("%w: 500", contentkey.ErrTransport)
		}}
		h := newHarness(t, nil, license, engine.UpdateOverwrite)
		ctx := testContext(t)

		_, err := h.engine.Acquire(ctx, contentkey.Request{KeyRef: "skd://key65"})
		require.Error(t, err)

		_, err = h.engine.RenewMostRecent().Wait(ctx)
		assert.ErrorIs(t, err, engine.ErrNothingToRenew)
		assert.Empty(t, h.notifier.Renewed())
	})
}

func TestEngine_ShouldRetry(t *testing.T) {
	h := newHarness(t, nil, nil, engine.UpdateOverwrite)
	assert.True(t, h.engine.ShouldRetry(contentkey.RetryTimedOut))
	assert.True(t, h.engine.ShouldRetry(contentkey.RetryExpiredLease))
	assert.True(t, h.engine.ShouldRetry(contentkey.RetryObsoleteKey))
	assert.False(t, h.engine.ShouldRetry(contentkey.RetryReasonNone))
	assert.False(t, h.engine.ShouldRetry(contentkey.RetryOther))
}

func TestEngine_DeleteKeys(t *testing.T) {
	h := newHarness(t, nil, nil, engine.UpdateOverwrite)
	ctx := testContext(t)

	_, err := h.engine.RegisterPersistable("skd://a", "S").Wait(ctx)
	require.NoError(t, err)
	_, err = h.engine.RegisterPersistable("skd://b", "T").Wait(ctx)
	require.NoError(t, err)

	require.NoError(t, h.engine.DeleteKey(ctx, "a"))
	ids, err := h.store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)

	require.NoError(t, h.engine.DeleteAllKeys(ctx))
	ids, err = h.store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestEngine_ServesPassthroughKeysEndToEnd(t *testing.T) {
	// The license server side decodes the request blob the way a real
	// server would recover the content id.
	license := &fakeLicense{}
	license.respond = func(id string) ([]byte, error) {
		return keymodule.EncodeResponse([]byte("secret-" + id)), nil
	}
	h := newHarness(t, nil, license, engine.UpdateOverwrite)

	res, err := h.engine.Acquire(testContext(t), contentkey.Request{KeyRef: "skd://tweleve/with/path"})
	require.NoError(t, err)
	assert.Equal(t, []byte("secret-tweleve/with/path"), res.Key)
}
