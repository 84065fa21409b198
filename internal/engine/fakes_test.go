package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-content-key-service/internal/engine"
	"github.com/tinywideclouds/go-content-key-service/internal/keymodule"
	"github.com/tinywideclouds/go-content-key-service/internal/storage/inmemory"
	"github.com/tinywideclouds/go-content-key-service/pkg/contentkey"
)

// fakeLicense answers every request with "key-<identifier>" framed for the
// passthrough module, unless respond is set.
type fakeLicense struct {
	mu      sync.Mutex
	calls   int
	certErr error
	respond func(identifier string) ([]byte, error)
	gate    chan struct{}
}

func (f *fakeLicense) RequestApplicationCertificate(ctx context.Context) ([]byte, error) {
	if f.certErr != nil {
		return nil, f.certErr
	}
	return []byte("test-certificate"), nil
}

func (f *fakeLicense) RequestLicense(ctx context.Context, blob []byte, identifier string, headers map[string]string) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	gate, respond := f.gate, f.respond
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if respond != nil {
		return respond(identifier)
	}
	return keymodule.EncodeResponse([]byte("key-" + identifier)), nil
}

func (f *fakeLicense) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type failure struct {
	id   string
	kind contentkey.ErrorKind
}

type recordingNotifier struct {
	mu      sync.Mutex
	saved   []string
	failed  []failure
	renewed []string
}

func (n *recordingNotifier) OnAllKeysSavedForStream(streamName string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.saved = append(n.saved, streamName)
}

func (n *recordingNotifier) OnKeyRequestFailed(identifier string, kind contentkey.ErrorKind) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, failure{identifier, kind})
}

func (n *recordingNotifier) OnKeyRenewed(identifier string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.renewed = append(n.renewed, identifier)
}

func (n *recordingNotifier) Saved() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.saved...)
}

func (n *recordingNotifier) Failed() []failure {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]failure(nil), n.failed...)
}

func (n *recordingNotifier) Renewed() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.renewed...)
}

// memStore lets the fakes below embed the in-memory store without the
// embedded field clashing with the Store method.
type memStore = inmemory.Store

// unreadableStore reports every record as present but cannot load any.
type unreadableStore struct {
	*memStore
}

func (s unreadableStore) Exists(ctx context.Context, id string) (bool, error) { return true, nil }

func (s unreadableStore) Load(ctx context.Context, id string) ([]byte, error) {
	return nil, errors.New("corrupt record")
}

// readOnlyStore fails every write.
type readOnlyStore struct {
	*memStore
}

func (s readOnlyStore) Store(ctx context.Context, id string, blob []byte) error {
	return errors.New("disk full")
}

type harness struct {
	engine   *engine.Engine
	store    contentkey.Store
	license  *fakeLicense
	notifier *recordingNotifier
}

func newHarness(t *testing.T, store contentkey.Store, license *fakeLicense, policy engine.UpdatePolicy) *harness {
	t.Helper()
	if store == nil {
		store = inmemory.New()
	}
	if license == nil {
		license = &fakeLicense{}
	}
	n := &recordingNotifier{}
	e, err := engine.New(engine.Config{
		Store:        store,
		License:      license,
		Module:       keymodule.New(),
		Notifier:     n,
		UpdatePolicy: policy,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(e.Stop)
	return &harness{engine: e, store: store, license: license, notifier: n}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
