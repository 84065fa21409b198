// Package renewal periodically asks an engine to renew its most recent key.
package renewal

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Renewer is the engine capability the scheduler drives. The returned value
// is ignored; outcomes reach the engine's notifier.
type Renewer interface {
	RenewMostRecent()
}

// RenewerFunc adapts a function to Renewer.
type RenewerFunc func()

func (f RenewerFunc) RenewMostRecent() { f() }

// Scheduler fires Renewer.RenewMostRecent on a fixed interval.
type Scheduler struct {
	renewer Renewer
	logger  zerolog.Logger

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// New creates a stopped scheduler.
func New(renewer Renewer, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		renewer: renewer,
		logger:  logger.With().Str("component", "renewal").Logger(),
	}
}

// Start begins periodic renewal, replacing any running timer. An interval
// of zero or less leaves the scheduler stopped.
func (s *Scheduler) Start(interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	if interval <= 0 {
		return
	}

	stop, done := make(chan struct{}), make(chan struct{})
	s.stop, s.done = stop, done
	s.logger.Info().Dur("interval", interval).Msg("Renewal scheduler started")

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.logger.Debug().Msg("Renewing most recent key")
				s.renewer.RenewMostRecent()
			}
		}
	}()
}

// Stop halts renewal. It is idempotent and returns once no further renewal
// can fire.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// Running reports whether a timer is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop != nil
}

func (s *Scheduler) stopLocked() {
	if s.stop == nil {
		return
	}
	close(s.stop)
	<-s.done
	s.stop, s.done = nil, nil
	s.logger.Info().Msg("Renewal scheduler stopped")
}
