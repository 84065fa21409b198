package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-content-key-service/internal/keymodule"
	"github.com/tinywideclouds/go-content-key-service/internal/notify"
	"github.com/tinywideclouds/go-content-key-service/internal/session"
	"github.com/tinywideclouds/go-content-key-service/internal/storage/inmemory"
	"github.com/tinywideclouds/go-content-key-service/pkg/contentkey"
)

type echoLicense struct{}

func (echoLicense) RequestApplicationCertificate(context.Context) ([]byte, error) {
	return []byte("cert"), nil
}

func (echoLicense) RequestLicense(_ context.Context, _ []byte, identifier string, _ map[string]string) ([]byte, error) {
	return keymodule.EncodeResponse([]byte("key-" + identifier)), nil
}

func newManager(t *testing.T, interval time.Duration, n contentkey.Notifier) *session.Manager {
	t.Helper()
	m := session.NewManager(session.Options{
		Store:           inmemory.New(),
		License:         echoLicense{},
		Module:          keymodule.New(),
		Notifier:        n,
		RenewalInterval: interval,
	}, zerolog.Nop())
	t.Cleanup(m.StopAll)
	return m
}

func TestManager_Lifecycle(t *testing.T) {
	m := newManager(t, 0, nil)

	s, err := m.Create()
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)

	got, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Same(t, s, got)
	assert.Equal(t, []string{s.ID}, m.List())

	require.NoError(t, m.Stop(s.ID))
	assert.ErrorIs(t, m.Stop(s.ID), session.ErrSessionNotFound)
	_, err = m.Get(s.ID)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)

	// A stopped session refuses work.
	_, err = s.RequestKey(context.Background(), contentkey.Request{KeyRef: "skd://key65"})
	assert.ErrorIs(t, err, contentkey.ErrEngineStopped)
}

func TestSession_SharesStoreAcrossSessions(t *testing.T) {
	m := newManager(t, 0, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := m.Create()
	require.NoError(t, err)
	_, err = first.RegisterPersistableKeyRequest("skd://key65", "S").Wait(ctx)
	require.NoError(t, err)

	second, err := m.Create()
	require.NoError(t, err)
	res, err := second.RequestKey(ctx, contentkey.Request{KeyRef: "skd://key65"})
	require.NoError(t, err)
	assert.Equal(t, contentkey.SourceStore, res.Source)

	require.NoError(t, second.DeleteKey(ctx, "key65"))
	ids, err := m.Store().List(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSession_PeriodicRenewal(t *testing.T) {
	var mu sync.Mutex
	var renewed []string
	n := notify.Funcs{Renewed: func(id string) {
		mu.Lock()
		defer mu.Unlock()
		renewed = append(renewed, id)
	}}
	m := newManager(t, 10*time.Millisecond, n)

	s, err := m.Create()
	require.NoError(t, err)
	_, err = s.RequestKey(context.Background(), contentkey.Request{KeyRef: "skd://key65"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(renewed) > 0
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "key65", renewed[0])
	mu.Unlock()
}
