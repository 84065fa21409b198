// Package engine implements the content key acquisition state machine.
//
// Each Engine runs a single serial event loop. Host requests, network
// completions and renewal ticks are posted to the loop as events, so the
// pending tracker and the set of in-flight requests are only ever touched by
// one goroutine. Certificate fetches, license round trips and store I/O run
// in per-request goroutines whose completions are posted back; once the
// engine is stopped those completions are dropped.
package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-content-key-service/internal/certcache"
	"github.com/tinywideclouds/go-content-key-service/internal/metrics"
	"github.com/tinywideclouds/go-content-key-service/internal/pending"
	"github.com/tinywideclouds/go-content-key-service/pkg/contentkey"
)

// ErrNothingToRenew is returned by RenewMostRecent when no earlier request
// can be renewed.
var ErrNothingToRenew = errors.New("no renewable key request")

const defaultQueueSize = 64

// Config wires an engine to its collaborators.
type Config struct {
	// Store holds persistable keys. It may be shared between engines.
	Store contentkey.Store
	// License exchanges request blobs for license responses.
	License contentkey.LicenseService
	// Module builds request blobs and unwraps license responses.
	Module contentkey.KeyModule
	// Notifier may be nil. Its methods run on the event loop and must not
	// block or call Stop.
	Notifier contentkey.Notifier
	// Certificates defaults to an unexpiring cache over License.
	Certificates *certcache.Cache
	// UpdatePolicy decides how refreshed persistable keys replace stored ones.
	UpdatePolicy UpdatePolicy
	// Metrics may be nil.
	Metrics *metrics.Metrics
	// QueueSize is the event channel capacity. Zero means 64.
	QueueSize int
}

type event struct {
	run func()
	// abort runs instead of run for events still queued at shutdown.
	abort func()
}

// flight is one request cycle for a canonical id. Later requests for the same
// id join it when its path satisfies them; requests needing a persisted key
// wait behind an online flight in deferred and are routed once it finishes.
type flight struct {
	id       contentkey.KeyID
	kind     contentkey.RequestKind
	path     contentkey.RequestKind
	headers  map[string]string
	state    State
	waiters  []*Future
	deferred []deferredRequest
}

type deferredRequest struct {
	req contentkey.Request
	fut *Future
}

// Engine serves key requests for one session.
type Engine struct {
	store    contentkey.Store
	license  contentkey.LicenseService
	module   contentkey.KeyModule
	notifier contentkey.Notifier
	certs    *certcache.Cache
	metrics  *metrics.Metrics
	policy   UpdatePolicy
	logger   zerolog.Logger
	ctx      context.Context

	events   chan event
	mu       sync.Mutex
	stopped  bool
	done     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once

	// Owned by the event loop.
	tracker  *pending.Tracker
	flights  map[string]*flight
	last     *flight
	draining bool

	updatesMu sync.Mutex
	staged    map[string][]byte
}

// New validates cfg and starts the event loop.
func New(cfg Config, logger zerolog.Logger) (*Engine, error) {
	if cfg.Store == nil || cfg.License == nil || cfg.Module == nil {
		return nil, errors.New("engine: store, license service and key module are required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	logger = logger.With().Str("component", "engine").Logger()

	e := &Engine{
		store:    cfg.Store,
		license:  cfg.License,
		module:   cfg.Module,
		notifier: cfg.Notifier,
		certs:    cfg.Certificates,
		metrics:  cfg.Metrics,
		policy:   cfg.UpdatePolicy,
		logger:   logger,
		ctx:      context.Background(),
		events:   make(chan event, cfg.QueueSize),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
		flights:  make(map[string]*flight),
		staged:   make(map[string][]byte),
	}
	if e.notifier == nil {
		e.notifier = nopNotifier{}
	}
	if e.certs == nil {
		e.certs = certcache.New(cfg.License, 0, logger)
	}
	e.tracker = pending.New(cfg.Store, logger, func(streamName string) {
		e.metrics.StreamSaved()
		e.logger.Info().Str("stream", streamName).Msg("All keys saved for stream")
		e.notifier.OnAllKeysSavedForStream(streamName)
	})

	go e.loop()
	return e, nil
}

// Submit queues a host key request.
func (e *Engine) Submit(req contentkey.Request) *Future {
	fut := newFuture()
	ok := e.post(event{
		run:   func() { e.handle(req, fut) },
		abort: func() { fut.resolve(contentkey.Result{Kind: req.Kind, Err: contentkey.ErrEngineStopped}) },
	})
	if !ok {
		fut.resolve(contentkey.Result{Kind: req.Kind, Err: contentkey.ErrEngineStopped})
	}
	return fut
}

// Acquire submits req and waits for its result.
func (e *Engine) Acquire(ctx context.Context, req contentkey.Request) (contentkey.Result, error) {
	return e.Submit(req).Wait(ctx)
}

// RegisterPersistable marks keyRef as pending persistence for streamName and
// requests a persistable key for it. An empty streamName defaults to keyRef.
func (e *Engine) RegisterPersistable(keyRef, streamName string) *Future {
	if streamName == "" {
		streamName = keyRef
	}
	req := contentkey.Request{KeyRef: keyRef, Kind: contentkey.RequestPersistable}
	fut := newFuture()
	ok := e.post(event{
		run: func() {
			id, err := contentkey.ParseKeyID(keyRef)
			if err == nil {
				e.tracker.MarkPending(id.String(), streamName)
			}
			e.handle(req, fut)
		},
		abort: func() { fut.resolve(contentkey.Result{Kind: req.Kind, Err: contentkey.ErrEngineStopped}) },
	})
	if !ok {
		fut.resolve(contentkey.Result{Kind: req.Kind, Err: contentkey.ErrEngineStopped})
	}
	return fut
}

// RenewMostRecent re-requests the most recent key served by the license
// service, unless that request failed, is awaiting a retry or was cancelled. A successful renewal
// is reported to Notifier.OnKeyRenewed.
func (e *Engine) RenewMostRecent() *Future {
	fut := newFuture()
	ok := e.post(event{
		run:   func() { e.renew(fut) },
		abort: func() { fut.resolve(contentkey.Result{Kind: contentkey.RequestRenewal, Err: contentkey.ErrEngineStopped}) },
	})
	if !ok {
		fut.resolve(contentkey.Result{Kind: contentkey.RequestRenewal, Err: contentkey.ErrEngineStopped})
	}
	return fut
}

// ShouldRetry reports whether a rejection with reason warrants a new request.
func (e *Engine) ShouldRetry(reason contentkey.RetryReason) bool {
	return contentkey.RetryWarranted(reason)
}

// DeleteKey removes the persisted key for the canonical id.
func (e *Engine) DeleteKey(ctx context.Context, id string) error {
	return e.store.Delete(ctx, id)
}

// DeleteAllKeys removes every persisted key.
func (e *Engine) DeleteAllKeys(ctx context.Context) error {
	return e.store.DeleteAll(ctx)
}

// Stop tears the engine down. Outstanding futures resolve with
// ErrEngineStopped and late network completions are ignored. Stop is
// idempotent and must not be called from a Notifier callback.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.stopped = true
		close(e.done)
		e.mu.Unlock()
	})
	<-e.exited
}

func (e *Engine) post(ev event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return false
	}
	e.events <- ev
	return true
}

func (e *Engine) loop() {
	defer close(e.exited)
	for {
		select {
		case <-e.done:
			e.shutdown()
			return
		case ev := <-e.events:
			ev.run()
		}
	}
}

func (e *Engine) shutdown() {
	e.draining = true
drain:
	for {
		select {
		case ev := <-e.events:
			if ev.abort != nil {
				ev.abort()
			}
		default:
			break drain
		}
	}
	for _, f := range e.flights {
		f.state = StateCancelled
		e.finish(f, contentkey.Result{Err: contentkey.ErrEngineStopped})
	}
	e.logger.Debug().Msg("Engine stopped")
}

// handle routes a request. Runs on the loop.
func (e *Engine) handle(req contentkey.Request, fut *Future) {
	id, err := contentkey.ParseKeyID(req.KeyRef)
	if err != nil {
		e.logger.Warn().Err(err).Str("keyRef", req.KeyRef).Msg("Rejected key request")
		e.reportFailure(req.KeyRef, err, false)
		fut.resolve(contentkey.Result{Kind: req.Kind, Err: err})
		return
	}
	kind := req.Kind
	if kind == 0 {
		kind = contentkey.RequestOnline
	}
	log := e.logger.With().Str("key", id.String()).Stringer("kind", kind).Logger()

	if f, ok := e.flights[id.String()]; ok {
		if f.path == contentkey.RequestOnline && e.needsPersistence(req, kind, id) {
			log.Debug().Stringer("state", f.state).Msg("Waiting for in-flight online request before persisting")
			f.deferred = append(f.deferred, deferredRequest{req: req, fut: fut})
			return
		}
		log.Debug().Stringer("state", f.state).Msg("Joining in-flight key request")
		f.waiters = append(f.waiters, fut)
		return
	}

	f := &flight{
		id:      id,
		kind:    kind,
		headers: maps.Clone(req.Headers),
		state:   StateRouting,
		waiters: []*Future{fut},
	}
	e.flights[id.String()] = f
	e.metrics.InFlight(1)

	switch kind {
	case contentkey.RequestOnline, contentkey.RequestRenewal, contentkey.RequestPersistable:
	default:
		e.fail(f, fmt.Errorf("unsupported request kind %d", int(kind)))
		return
	}

	switch {
	case req.PersistableDenied:
		log.Debug().Msg("Persistable keys denied by host, answering online")
		e.onlinePath(f)
	case kind == contentkey.RequestPersistable:
		e.persistablePath(f)
	case e.tracker.IsPendingOrPersisted(e.ctx, id.String()):
		e.persistablePath(f)
	default:
		e.onlinePath(f)
	}
}

// needsPersistence reports whether req must not be answered with an online key.
func (e *Engine) needsPersistence(req contentkey.Request, kind contentkey.RequestKind, id contentkey.KeyID) bool {
	if req.PersistableDenied {
		return false
	}
	return kind == contentkey.RequestPersistable || e.tracker.IsPending(id.String())
}

func (e *Engine) onlinePath(f *flight) {
	f.path = contentkey.RequestOnline
	f.state = StateOnline
	e.startNetwork(f)
}

func (e *Engine) persistablePath(f *flight) {
	f.path = contentkey.RequestPersistable
	f.state = StatePersistable

	exists, err := e.store.Exists(e.ctx, f.id.String())
	if err != nil {
		e.logger.Warn().Err(err).Str("key", f.id.String()).Msg("Could not check persisted key")
	}
	if !exists {
		e.startNetwork(f)
		return
	}

	id := f.id.String()
	go func() {
		blob, err := e.store.Load(e.ctx, id)
		e.post(event{run: func() { e.loaded(f, blob, err) }})
	}()
}

// loaded completes a store-served request, or falls back to a new
// persistable request when the stored record is unusable.
func (e *Engine) loaded(f *flight, blob []byte, err error) {
	if err == nil && len(blob) == 0 {
		err = fmt.Errorf("%w: empty record", contentkey.ErrPersistence)
	}
	if err != nil {
		e.logger.Warn().Err(err).Str("key", f.id.String()).Msg("Persisted key unreadable, requesting a new one")
		e.tracker.Forget(f.id.String())
		e.startNetwork(f)
		return
	}
	f.state = StateCompleted
	name, complete := e.tracker.Resolve(f.id.String())
	e.logger.Debug().Str("key", f.id.String()).Str("stream", name).Bool("streamComplete", complete).Msg("Served persisted content key")
	e.metrics.RequestServed(f.path.String(), contentkey.SourceStore.String())
	e.finish(f, contentkey.Result{Key: blob, Source: contentkey.SourceStore})
}

func (e *Engine) startNetwork(f *flight) {
	f.state = StateAwaitingCertificate
	e.last = f
	id, path, headers := f.id, f.path, maps.Clone(f.headers)
	go func() {
		out := e.exchange(f, id, path, headers)
		e.post(event{run: func() { e.networkDone(f, out) }})
	}()
}

type outcome struct {
	key       []byte
	persisted bool
	err       error
}

// exchange performs one certificate, request blob, license round trip. It
// runs off the loop and must not touch f beyond posting state changes.
func (e *Engine) exchange(f *flight, id contentkey.KeyID, path contentkey.RequestKind, headers map[string]string) outcome {
	cert, err := e.certs.Certificate(e.ctx)
	if err != nil {
		return outcome{err: err}
	}
	blob, err := e.module.RequestBlob(cert, id.Bytes())
	if err != nil {
		return outcome{err: fmt.Errorf("build request blob for %s: %w", id, err)}
	}

	e.advance(f, StateAwaitingServerResponse)
	start := time.Now()
	resp, err := e.license.RequestLicense(e.ctx, blob, id.String(), headers)
	e.metrics.ObserveLicense(time.Since(start))
	if err != nil {
		if contentkey.KindOf(err) == contentkey.KindUnknown {
			err = fmt.Errorf("%w: %w", contentkey.ErrTransport, err)
		}
		return outcome{err: err}
	}

	if path == contentkey.RequestOnline {
		key, err := e.module.UsableKey(resp)
		if err != nil {
			return outcome{err: invalidResponse(err)}
		}
		return outcome{key: key}
	}

	pk, err := e.module.PersistableKey(resp)
	if err != nil {
		return outcome{err: invalidResponse(err)}
	}
	e.advance(f, StateAwaitingPersist)
	if err := e.store.Store(e.ctx, id.String(), pk); err != nil {
		if contentkey.KindOf(err) != contentkey.KindPersistenceFailure {
			err = fmt.Errorf("%w: %w", contentkey.ErrPersistence, err)
		}
		return outcome{err: err}
	}
	return outcome{key: pk, persisted: true}
}

func invalidResponse(err error) error {
	if errors.Is(err, contentkey.ErrInvalidServerResponse) {
		return err
	}
	return fmt.Errorf("%w: %w", contentkey.ErrInvalidServerResponse, err)
}

func (e *Engine) advance(f *flight, s State) {
	e.post(event{run: func() {
		if !f.state.Terminal() {
			f.state = s
		}
	}})
}

func (e *Engine) networkDone(f *flight, out outcome) {
	if out.err != nil {
		e.fail(f, out.err)
		return
	}
	f.state = StateCompleted
	if out.persisted {
		name, complete := e.tracker.Resolve(f.id.String())
		e.logger.Debug().Str("key", f.id.String()).Str("stream", name).Bool("streamComplete", complete).Msg("Persisted content key")
	}
	e.metrics.RequestServed(f.path.String(), contentkey.SourceLicenseService.String())
	e.finish(f, contentkey.Result{
		Key:       out.key,
		Source:    contentkey.SourceLicenseService,
		Persisted: out.persisted,
	})
}

func (e *Engine) fail(f *flight, err error) {
	if f.path == contentkey.RequestPersistable {
		e.tracker.Forget(f.id.String())
	}
	retry := e.ShouldRetry(contentkey.RetryReasonOf(err))
	if retry {
		f.state = StateRetrying
	} else {
		f.state = StateFailed
	}
	e.logger.Warn().Err(err).Str("key", f.id.String()).Stringer("path", f.path).Bool("retry", retry).Msg("Key request failed")
	e.reportFailure(f.id.String(), err, retry)
	e.finish(f, contentkey.Result{Err: err, Retry: retry})
}

func (e *Engine) reportFailure(identifier string, err error, retry bool) {
	kind := contentkey.KindOf(err)
	e.metrics.RequestFailed(kind.String(), retry)
	e.notifier.OnKeyRequestFailed(identifier, kind)
}

func (e *Engine) finish(f *flight, res contentkey.Result) {
	delete(e.flights, f.id.String())
	e.metrics.InFlight(-1)
	res.ID = f.id
	if res.Kind == 0 {
		res.Kind = f.path
	}
	if res.Kind == 0 {
		res.Kind = f.kind
	}
	for _, w := range f.waiters {
		w.resolve(res)
	}
	f.waiters = nil

	deferred := f.deferred
	f.deferred = nil
	for _, d := range deferred {
		if e.draining {
			d.fut.resolve(contentkey.Result{ID: f.id, Kind: d.req.Kind, Err: contentkey.ErrEngineStopped})
			continue
		}
		e.handle(d.req, d.fut)
	}
}

func (e *Engine) renew(fut *Future) {
	last := e.last
	if last == nil || last.state == StateFailed || last.state == StateRetrying || last.state == StateCancelled {
		fut.resolve(contentkey.Result{Kind: contentkey.RequestRenewal, Err: ErrNothingToRenew})
		return
	}
	id := last.id
	fut.onResolve = func(res contentkey.Result) {
		if res.Err != nil {
			return
		}
		e.metrics.Renewed()
		e.notifier.OnKeyRenewed(id.String())
	}
	e.handle(contentkey.Request{
		KeyRef:  id.URI(),
		Kind:    contentkey.RequestRenewal,
		Headers: last.headers,
	}, fut)
}

type nopNotifier struct{}

func (nopNotifier) OnAllKeysSavedForStream(string)                  {}
func (nopNotifier) OnKeyRequestFailed(string, contentkey.ErrorKind) {}
func (nopNotifier) OnKeyRenewed(string)                             {}
