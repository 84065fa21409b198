// Package notify fans content key events out to observers.
package notify

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-content-key-service/pkg/contentkey"
)

// Broadcaster is a contentkey.Notifier that forwards every event to its
// subscribers in subscription order. Subscribers must not block.
type Broadcaster struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]contentkey.Notifier
	order  []int
}

// NewBroadcaster returns an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]contentkey.Notifier)}
}

// Subscription detaches a subscriber.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe stops delivery. Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

// Subscribe adds n to the broadcast list.
func (b *Broadcaster) Subscribe(n contentkey.Notifier) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs[id] = n
	b.order = append(b.order, id)

	return &Subscription{cancel: func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
		for i, o := range b.order {
			if o == id {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	}}
}

func (b *Broadcaster) snapshot() []contentkey.Notifier {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]contentkey.Notifier, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.subs[id])
	}
	return out
}

func (b *Broadcaster) OnAllKeysSavedForStream(streamName string) {
	for _, n := range b.snapshot() {
		n.OnAllKeysSavedForStream(streamName)
	}
}

func (b *Broadcaster) OnKeyRequestFailed(identifier string, kind contentkey.ErrorKind) {
	for _, n := range b.snapshot() {
		n.OnKeyRequestFailed(identifier, kind)
	}
}

func (b *Broadcaster) OnKeyRenewed(identifier string) {
	for _, n := range b.snapshot() {
		n.OnKeyRenewed(identifier)
	}
}

// Log is a contentkey.Notifier that writes every event to a logger.
type Log struct {
	logger zerolog.Logger
}

// NewLog returns a logging notifier.
func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger.With().Str("component", "notifications").Logger()}
}

func (l *Log) OnAllKeysSavedForStream(streamName string) {
	l.logger.Info().Str("stream", streamName).Msg("All keys saved for stream")
}

func (l *Log) OnKeyRequestFailed(identifier string, kind contentkey.ErrorKind) {
	l.logger.Warn().Str("key", identifier).Stringer("kind", kind).Msg("Key request failed")
}

func (l *Log) OnKeyRenewed(identifier string) {
	l.logger.Info().Str("key", identifier).Msg("Key renewed")
}

// Funcs adapts optional callbacks to contentkey.Notifier. Nil fields are
// skipped.
type Funcs struct {
	AllKeysSaved func(streamName string)
	Failed       func(identifier string, kind contentkey.ErrorKind)
	Renewed      func(identifier string)
}

func (f Funcs) OnAllKeysSavedForStream(streamName string) {
	if f.AllKeysSaved != nil {
		f.AllKeysSaved(streamName)
	}
}

func (f Funcs) OnKeyRequestFailed(identifier string, kind contentkey.ErrorKind) {
	if f.Failed != nil {
		f.Failed(identifier, kind)
	}
}

func (f Funcs) OnKeyRenewed(identifier string) {
	if f.Renewed != nil {
		f.Renewed(identifier)
	}
}
