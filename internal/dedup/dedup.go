// Package dedup drops webhook events the platform delivers more than once.
package dedup

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultWindow is how long an event id is remembered.
const DefaultWindow = 60 * time.Second

// Set remembers event ids for a trailing window. Safe for concurrent use.
type Set struct {
	mu     sync.Mutex
	seen   map[string]time.Time // id → expiry
	window time.Duration
	now    func() time.Time
	cron   *cron.Cron
}

// New creates a Set with the given window (DefaultWindow when <= 0).
func New(window time.Duration) *Set {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Set{
		seen:   make(map[string]time.Time),
		window: window,
		now:    time.Now,
	}
}

// ShouldProcess reports whether the event is new, recording it if so. An
// empty id can't be deduplicated and is always processed.
func (s *Set) ShouldProcess(eventID string) bool {
	if eventID == "" {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if exp, ok := s.seen[eventID]; ok && now.Before(exp) {
		return false
	}
	s.seen[eventID] = now.Add(s.window)
	return true
}

// Sweep deletes expired ids and returns how many were removed.
func (s *Set) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for id, exp := range s.seen {
		if !now.Before(exp) {
			delete(s.seen, id)
			n++
		}
	}
	return n
}

// Len returns the number of ids currently held, expired or not.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// Start runs Sweep on a background schedule, e.g. "@every 30s".
func (s *Set) Start(spec string) error {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		if n := s.Sweep(); n > 0 {
			slog.Debug("dedup sweep", "removed", n)
		}
	}); err != nil {
		return fmt.Errorf("dedup sweep schedule %q: %w", spec, err)
	}
	c.Start()

	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()
	return nil
}

// Stop halts the background sweep and waits for a running sweep to finish.
func (s *Set) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}
