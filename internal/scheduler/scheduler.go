// Package scheduler debounces delayed replies: each user has at most one
// pending reply, and a newer message replaces the older one.
package scheduler

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// Default delay bounds.
const (
	DefaultMinDelay = 120 * time.Second
	DefaultMaxDelay = 300 * time.Second
)

// FireFunc runs when a user's delay expires. text is the message that armed
// this particular timer. ctx is cancelled when the scheduler stops.
type FireFunc func(ctx context.Context, userID, text string)

// Timer is the part of *time.Timer the scheduler uses.
type Timer interface {
	Stop() bool
}

type entry struct {
	timer Timer
	text  string
	due   time.Time
}

// Scheduler holds one pending timer per user. Safe for concurrent use.
type Scheduler struct {
	mu      sync.Mutex
	pending map[string]*entry
	stopped bool
	running sync.WaitGroup

	min, max time.Duration
	onFire   FireFunc
	ctx      context.Context
	cancel   context.CancelFunc

	// replaced in tests
	afterFunc func(d time.Duration, f func()) Timer
	randInt64 func(n int64) int64
	now       func() time.Time
}

// New creates a scheduler drawing delays uniformly from [minDelay, maxDelay].
func New(minDelay, maxDelay time.Duration, onFire FireFunc) *Scheduler {
	if minDelay <= 0 {
		minDelay = DefaultMinDelay
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		pending: make(map[string]*entry),
		min:     minDelay,
		max:     maxDelay,
		onFire:  onFire,
		ctx:     ctx,
		cancel:  cancel,
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
		randInt64: rand.Int64N,
		now:       time.Now,
	}
}

// Schedule cancels any pending timer for userID and arms a new one carrying
// text. Returns the chosen delay, or false if the scheduler is stopped.
func (s *Scheduler) Schedule(userID, text string) (time.Duration, bool) {
	d := s.min
	if span := int64(s.max - s.min); span > 0 {
		d += time.Duration(s.randInt64(span + 1))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return 0, false
	}
	if old, ok := s.pending[userID]; ok {
		old.timer.Stop()
		slog.Debug("delayed reply superseded", "user_id", userID)
	}

	e := &entry{text: text, due: s.now().Add(d)}
	// The callback checks that its own entry is still the pending one, so a
	// timer whose Stop lost the race against firing still does nothing.
	e.timer = s.afterFunc(d, func() { s.fire(userID, e) })
	s.pending[userID] = e
	return d, true
}

func (s *Scheduler) fire(userID string, e *entry) {
	s.mu.Lock()
	if s.stopped || s.pending[userID] != e {
		s.mu.Unlock()
		return
	}
	delete(s.pending, userID)
	s.running.Add(1)
	s.mu.Unlock()

	defer s.running.Done()
	s.onFire(s.ctx, userID, e.text)
}

// Cancel drops the pending timer for userID, if any.
func (s *Scheduler) Cancel(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.pending[userID]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.pending, userID)
	return true
}

// Pending returns the number of users with an armed timer.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Due returns when the pending reply for userID fires.
func (s *Scheduler) Due(userID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pending[userID]
	if !ok {
		return time.Time{}, false
	}
	return e.due, true
}

// Stop cancels every pending timer, cancels the context of callbacks already
// running and waits for them to return. Further Schedule calls are refused.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	n := len(s.pending)
	for id, e := range s.pending {
		e.timer.Stop()
		delete(s.pending, id)
	}
	s.mu.Unlock()

	s.cancel()
	s.running.Wait()
	if n > 0 {
		slog.Info("delayed replies cancelled on shutdown", "count", n)
	}
}
