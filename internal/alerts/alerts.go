// Package alerts tracks per-monitor notification state: consecutive
// failures, per-channel throttles, and send-once flags for the current
// failure episode. All state is in-memory and dies with the monitor loop.
package alerts

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Registry maps monitor ids to their alert state. The registry mutex only
// guards the map; each State carries its own lock, so no I/O ever happens
// under the registry mutex.
type Registry struct {
	mu     sync.Mutex
	states map[int64]*State

	countBeforeExtended int
	extendedInterval    time.Duration
}

func NewRegistry(countBeforeExtended int, extendedInterval time.Duration) *Registry {
	return &Registry{
		states:              make(map[int64]*State),
		countBeforeExtended: countBeforeExtended,
		extendedInterval:    extendedInterval,
	}
}

// Get returns the state for a monitor, creating it lazily on first use.
func (r *Registry) Get(monitorID int64) *State {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[monitorID]
	if !ok {
		st = newState(r.countBeforeExtended, r.extendedInterval)
		r.states[monitorID] = st
	}
	return st
}

// Dispose drops the state for a monitor. The next Get starts clean with a
// zero counter and cleared flags.
func (r *Registry) Dispose(monitorID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.states[monitorID]; ok {
		delete(r.states, monitorID)
		log.Debug().Int64("monitor_id", monitorID).Msg("Disposed alert state")
	}
}

// Len reports how many monitors currently hold alert state.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

// State is the mutable alert bookkeeping for one monitor.
type State struct {
	mu sync.Mutex

	consecutiveErrors int
	lastSentAt        map[string]time.Time
	errorSent         map[string]bool
	recoverySent      map[string]bool

	countBeforeExtended int
	extendedInterval    time.Duration

	now func() time.Time
}

func newState(countBeforeExtended int, extendedInterval time.Duration) *State {
	return &State{
		lastSentAt:          make(map[string]time.Time),
		errorSent:           make(map[string]bool),
		recoverySent:        make(map[string]bool),
		countBeforeExtended: countBeforeExtended,
		extendedInterval:    extendedInterval,
		now:                 time.Now,
	}
}

// IncrementConsecutiveErrors bumps the failure counter and returns the new
// value. Dispatchers call this before the throttle check so the counter
// reflects the failure being reported.
func (s *State) IncrementConsecutiveErrors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveErrors++
	return s.consecutiveErrors
}

// ResetConsecutiveErrors zeroes the counter and returns the previous value.
func (s *State) ResetConsecutiveErrors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.consecutiveErrors
	s.consecutiveErrors = 0
	return prev
}

func (s *State) ConsecutiveErrors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveErrors
}

// CanSendAlert decides whether an error notification may go out on a
// channel. With allowRepeat the decision is time-based, stretching to the
// extended interval once the failure streak passes the configured count.
// Without it the channel fires only on the first failure of an episode.
func (s *State) CanSendAlert(channel string, throttle time.Duration, allowRepeat bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !allowRepeat {
		return s.consecutiveErrors == 1
	}

	effective := throttle
	if s.consecutiveErrors > s.countBeforeExtended && s.extendedInterval > effective {
		effective = s.extendedInterval
	}

	last, ok := s.lastSentAt[channel]
	if !ok {
		return true
	}
	return s.now().Sub(last) >= effective
}

// ThrottleElapsed reports whether at least throttle has passed since the
// last send on the channel. A channel that never sent is always elapsed.
func (s *State) ThrottleElapsed(channel string, throttle time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastSentAt[channel]
	if !ok {
		return true
	}
	return s.now().Sub(last) >= throttle
}

// MarkSent records a successful send on a channel.
func (s *State) MarkSent(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSentAt[channel] = s.now()
}

func (s *State) LastSentAt(channel string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lastSentAt[channel]
	return t, ok
}

// MarkErrorSent flags that an error notice for the current failure episode
// went out on a channel, and clears any stale recovery flag.
func (s *State) MarkErrorSent(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorSent[channel] = true
	s.recoverySent[channel] = false
}

func (s *State) ErrorSentSinceError(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorSent[channel]
}

// MarkRecoverySent flags that the recovery balancing the current episode's
// error notice went out, and closes the episode for this channel.
func (s *State) MarkRecoverySent(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recoverySent[channel] = true
	s.errorSent[channel] = false
}

func (s *State) RecoverySentSinceError(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recoverySent[channel]
}

// ResetChannelFlags clears the episode flags for one channel.
func (s *State) ResetChannelFlags(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.errorSent, channel)
	delete(s.recoverySent, channel)
}
