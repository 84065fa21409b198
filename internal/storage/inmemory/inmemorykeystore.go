// Package inmemory provides a thread-safe in-memory content key store.
package inmemory

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tinywideclouds/go-content-key-service/pkg/contentkey"
)

// Store is a concrete, thread-safe in-memory implementation of the contentkey.Store interface.
type Store struct {
	sync.RWMutex
	keys map[string][]byte
}

// New creates a new in-memory key store.
func New() *Store {
	return &Store{keys: make(map[string][]byte)}
}

// Exists reports whether a blob is held for id.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	s.RLock()
	defer s.RUnlock()
	_, ok := s.keys[id]
	return ok, nil
}

// Load returns a copy of the blob held for id.
func (s *Store) Load(ctx context.Context, id string) ([]byte, error) {
	s.RLock()
	defer s.RUnlock()
	blob, ok := s.keys[id]
	if !ok {
		return nil, fmt.Errorf("key %s: %w", id, contentkey.ErrKeyNotFound)
	}
	return bytes.Clone(blob), nil
}

// Store keeps a copy of blob so callers cannot mutate stored state.
func (s *Store) Store(ctx context.Context, id string, blob []byte) error {
	s.Lock()
	defer s.Unlock()
	s.keys[id] = bytes.Clone(blob)
	return nil
}

// Delete removes id; missing ids are ignored.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.Lock()
	defer s.Unlock()
	delete(s.keys, id)
	return nil
}

// DeleteAll empties the store.
func (s *Store) DeleteAll(ctx context.Context) error {
	s.Lock()
	defer s.Unlock()
	s.keys = make(map[string][]byte)
	return nil
}

// List returns the stored identifiers in sorted order.
func (s *Store) List(ctx context.Context) ([]string, error) {
	s.RLock()
	defer s.RUnlock()
	ids := make([]string, 0, len(s.keys))
	for id := range s.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
