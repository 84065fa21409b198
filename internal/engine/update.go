package engine

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/tinywideclouds/go-content-key-service/pkg/contentkey"
)

// UpdatePolicy decides what happens when the platform hands over a refreshed
// persistable key for an id that is already stored (dual-expiry keys).
type UpdatePolicy int

const (
	// UpdateOverwrite replaces the stored record immediately.
	UpdateOverwrite UpdatePolicy = iota
	// UpdateAcknowledge stages the update until AcknowledgeUpdate is called.
	UpdateAcknowledge
)

func (p UpdatePolicy) String() string {
	if p == UpdateAcknowledge {
		return "acknowledge"
	}
	return "overwrite"
}

// ParseUpdatePolicy accepts "overwrite" (or empty) and "acknowledge".
func ParseUpdatePolicy(s string) (UpdatePolicy, error) {
	switch strings.ToLower(s) {
	case "", "overwrite":
		return UpdateOverwrite, nil
	case "acknowledge":
		return UpdateAcknowledge, nil
	}
	return UpdateOverwrite, fmt.Errorf("unknown update policy %q", s)
}

// UpdatePersistedKey applies a refreshed persistable key for the canonical id
// according to the engine's UpdatePolicy.
func (e *Engine) UpdatePersistedKey(ctx context.Context, id string, blob []byte) error {
	if id == "" {
		return fmt.Errorf("%w: empty id", contentkey.ErrInvalidIdentifier)
	}
	if len(blob) == 0 {
		return fmt.Errorf("%w: empty key update for %s", contentkey.ErrInvalidServerResponse, id)
	}

	if e.policy == UpdateAcknowledge {
		e.updatesMu.Lock()
		e.staged[id] = bytes.Clone(blob)
		e.updatesMu.Unlock()
		e.logger.Info().Str("key", id).Msg("Staged persisted key update")
		return nil
	}
	return e.replace(ctx, id, blob)
}

// AcknowledgeUpdate commits a staged update. It fails with ErrKeyNotFound
// when nothing is staged for id.
func (e *Engine) AcknowledgeUpdate(ctx context.Context, id string) error {
	e.updatesMu.Lock()
	blob, ok := e.staged[id]
	delete(e.staged, id)
	e.updatesMu.Unlock()
	if !ok {
		return fmt.Errorf("no staged update for %s: %w", id, contentkey.ErrKeyNotFound)
	}

	if err := e.replace(ctx, id, blob); err != nil {
		e.updatesMu.Lock()
		if _, newer := e.staged[id]; !newer {
			e.staged[id] = blob
		}
		e.updatesMu.Unlock()
		return err
	}
	return nil
}

// PendingUpdates lists the ids with a staged update, sorted.
func (e *Engine) PendingUpdates() []string {
	e.updatesMu.Lock()
	defer e.updatesMu.Unlock()
	ids := make([]string, 0, len(e.staged))
	for id := range e.staged {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// replace relies on Store swapping the record atomically, so readers never
// observe a missing key between the old and the new blob.
func (e *Engine) replace(ctx context.Context, id string, blob []byte) error {
	if err := e.store.Store(ctx, id, blob); err != nil {
		e.logger.Error().Err(err).Str("key", id).Msg("Failed to update persisted key")
		return err
	}
	e.logger.Info().Str("key", id).Msg("Updated persisted key")
	return nil
}
