// Package pending tracks which content keys are waiting to be persisted and
// which stream each belongs to.
//
// A Tracker is owned by a single engine and is not safe for concurrent use;
// every mutation happens on the engine's event loop.
package pending

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-content-key-service/pkg/contentkey"
)

// Tracker holds the pending set and the id to stream-name map.
type Tracker struct {
	store   contentkey.Store
	logger  zerolog.Logger
	pending map[string]struct{}
	streams map[string]string

	// onStreamResolved is invoked once when the last id of a stream resolves.
	onStreamResolved func(streamName string)
}

// New creates a tracker that consults store for already persisted keys.
// onStreamResolved may be nil.
func New(store contentkey.Store, logger zerolog.Logger, onStreamResolved func(streamName string)) *Tracker {
	return &Tracker{
		store:            store,
		logger:           logger.With().Str("component", "pending_tracker").Logger(),
		pending:          make(map[string]struct{}),
		streams:          make(map[string]string),
		onStreamResolved: onStreamResolved,
	}
}

// MarkPending records id as awaiting persistence for streamName.
func (t *Tracker) MarkPending(id, streamName string) {
	t.pending[id] = struct{}{}
	t.streams[id] = streamName
}

// IsPending reports whether id is in the pending set.
func (t *Tracker) IsPending(id string) bool {
	_, ok := t.pending[id]
	return ok
}

// IsPendingOrPersisted reports whether id is pending or already has a
// persisted record. A store error counts as not persisted.
func (t *Tracker) IsPendingOrPersisted(ctx context.Context, id string) bool {
	if t.IsPending(id) {
		return true
	}
	ok, err := t.store.Exists(ctx, id)
	if err != nil {
		t.logger.Warn().Err(err).Str("key", id).Msg("Could not check persisted key, treating as absent")
		return false
	}
	return ok
}

// Forget drops the pending mark for id after a failure. The stream entry is
// kept so that the stream is never reported as fully saved.
func (t *Tracker) Forget(id string) {
	delete(t.pending, id)
}

// Resolve removes id from the tracker after a successful save and reports
// whether its stream has no other ids outstanding.
func (t *Tracker) Resolve(id string) (streamName string, streamComplete bool) {
	delete(t.pending, id)
	streamName, known := t.streams[id]
	if !known {
		return "", false
	}
	delete(t.streams, id)

	for _, name := range t.streams {
		if name == streamName {
			return streamName, false
		}
	}
	if t.onStreamResolved != nil {
		t.onStreamResolved(streamName)
	}
	return streamName, true
}

// Len returns the number of pending ids.
func (t *Tracker) Len() int { return len(t.pending) }
