// Package session ties one key acquisition engine to its renewal scheduler
// and manages the set of open sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-content-key-service/internal/certcache"
	"github.com/tinywideclouds/go-content-key-service/internal/engine"
	"github.com/tinywideclouds/go-content-key-service/internal/metrics"
	"github.com/tinywideclouds/go-content-key-service/internal/renewal"
	"github.com/tinywideclouds/go-content-key-service/pkg/contentkey"
)

// ErrSessionNotFound is returned for unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// Session owns one engine and its renewal scheduler.
type Session struct {
	ID      string
	Created time.Time

	engine    *engine.Engine
	scheduler *renewal.Scheduler
	stopOnce  sync.Once
}

// RegisterPersistableKeyRequest preloads a persistable key for streamName.
func (s *Session) RegisterPersistableKeyRequest(keyRef, streamName string) *engine.Future {
	return s.engine.RegisterPersistable(keyRef, streamName)
}

// RequestKey answers a host key request.
func (s *Session) RequestKey(ctx context.Context, req contentkey.Request) (contentkey.Result, error) {
	return s.engine.Acquire(ctx, req)
}

// RenewMostRecent renews the most recent network-served key now.
func (s *Session) RenewMostRecent() *engine.Future {
	return s.engine.RenewMostRecent()
}

func (s *Session) DeleteKey(ctx context.Context, id string) error {
	return s.engine.DeleteKey(ctx, id)
}

func (s *Session) DeleteAllKeys(ctx context.Context) error {
	return s.engine.DeleteAllKeys(ctx)
}

// Engine exposes the underlying engine for key updates.
func (s *Session) Engine() *engine.Engine { return s.engine }

// Stop halts renewal and then the engine. It is idempotent.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.scheduler.Stop()
		s.engine.Stop()
	})
}

// Options configure the sessions a Manager creates.
type Options struct {
	Store    contentkey.Store
	License  contentkey.LicenseService
	Module   contentkey.KeyModule
	Notifier contentkey.Notifier
	// Certificates is shared by every session.
	Certificates    *certcache.Cache
	UpdatePolicy    engine.UpdatePolicy
	RenewalInterval time.Duration
	Metrics         *metrics.Metrics
}

// Manager creates, finds and stops sessions.
type Manager struct {
	opts   Options
	logger zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager returns a manager with no open sessions.
func NewManager(opts Options, logger zerolog.Logger) *Manager {
	if opts.Certificates == nil && opts.License != nil {
		opts.Certificates = certcache.New(opts.License, 0, logger)
	}
	return &Manager{
		opts:     opts,
		logger:   logger.With().Str("component", "session_manager").Logger(),
		sessions: make(map[string]*Session),
	}
}

// Create opens a new session and starts its renewal scheduler.
func (m *Manager) Create() (*Session, error) {
	id := uuid.NewString()
	log := m.logger.With().Str("session", id).Logger()

	eng, err := engine.New(engine.Config{
		Store:        m.opts.Store,
		License:      m.opts.License,
		Module:       m.opts.Module,
		Notifier:     m.opts.Notifier,
		Certificates: m.opts.Certificates,
		UpdatePolicy: m.opts.UpdatePolicy,
		Metrics:      m.opts.Metrics,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create session engine: %w", err)
	}

	sched := renewal.New(renewal.RenewerFunc(func() { eng.RenewMostRecent() }), log)
	sched.Start(m.opts.RenewalInterval)

	s := &Session{ID: id, Created: time.Now().UTC(), engine: eng, scheduler: sched}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	m.opts.Metrics.Sessions(1)

	log.Info().Msg("Session created")
	return s, nil
}

// Get returns the session with id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrSessionNotFound)
	}
	return s, nil
}

// Stop closes the session with id.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrSessionNotFound)
	}
	s.Stop()
	m.opts.Metrics.Sessions(-1)
	m.logger.Info().Str("session", id).Msg("Session stopped")
	return nil
}

// StopAll closes every session.
func (m *Manager) StopAll() {
	for _, id := range m.List() {
		_ = m.Stop(id)
	}
}

// List returns the open session ids, sorted.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Store returns the store shared by every session.
func (m *Manager) Store() contentkey.Store { return m.opts.Store }
