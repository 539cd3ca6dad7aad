package sessions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/kaibot/internal/providers"
)

// NamingMode controls how the persona addresses the user.
type NamingMode string

const (
	NamingFormal NamingMode = "formal" // name + honorific suffix
	NamingPlain  NamingMode = "plain"  // bare name
)

// DefaultMaxHistory is the number of turns kept per user when unset.
const DefaultMaxHistory = 10

// NameLookup resolves a platform user id to a profile display name.
type NameLookup interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

// UserState is the conversation state of one user. Fields are only safe to
// touch between Acquire and its release.
type UserState struct {
	UserID      string
	NamingMode  NamingMode
	DisplayName string // normalized, without suffix
	History     []providers.Message
	Created     time.Time
	Updated     time.Time

	mu       sync.Mutex
	resolved bool
	owner    *Manager
}

// Options configures a Manager.
type Options struct {
	MaxHistory  int
	Suffix      string     // honorific appended in formal mode
	Placeholder string     // used when no name can be resolved
	FixedName   string     // when set, skips profile lookup for every user
	Lookup      NameLookup // optional
}

// Manager owns the per-user states. Different users proceed concurrently;
// one user's operations are serialized by the lock handed out by Acquire.
type Manager struct {
	states map[string]*UserState
	mu     sync.RWMutex
	opts   Options
	now    func() time.Time
}

func NewManager(opts Options) *Manager {
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = DefaultMaxHistory
	}
	return &Manager{
		states: make(map[string]*UserState),
		opts:   opts,
		now:    time.Now,
	}
}

// Acquire returns the locked state for userID, creating it on first access.
// The caller must call release exactly once. The first Acquire for a user
// resolves the display name; a failed lookup falls back to the placeholder
// until a later Acquire succeeds.
func (m *Manager) Acquire(ctx context.Context, userID string) (s *UserState, release func()) {
	s = m.getOrCreate(userID)
	s.mu.Lock()
	if !s.resolved {
		s.DisplayName, s.resolved = m.resolveName(ctx, userID)
	}
	return s, s.mu.Unlock
}

func (m *Manager) getOrCreate(userID string) *UserState {
	m.mu.RLock()
	s, ok := m.states[userID]
	m.mu.RUnlock()
	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[userID]; ok {
		return s
	}
	now := m.now()
	s = &UserState{
		UserID:     userID,
		NamingMode: NamingFormal,
		History:    []providers.Message{},
		Created:    now,
		Updated:    now,
		owner:      m,
	}
	m.states[userID] = s
	return s
}

// resolveName reports false when the lookup failed, so the next Acquire
// tries again.
func (m *Manager) resolveName(ctx context.Context, userID string) (string, bool) {
	if m.opts.FixedName != "" {
		return NormalizeName(m.opts.FixedName, m.opts.Placeholder), true
	}
	if m.opts.Lookup == nil || userID == "" {
		return m.opts.Placeholder, true
	}
	raw, err := m.opts.Lookup.DisplayName(ctx, userID)
	if err != nil {
		slog.Warn("profile lookup failed, using placeholder", "user_id", userID, "error", err)
		return m.opts.Placeholder, false
	}
	return NormalizeName(raw, m.opts.Placeholder), true
}

// Transient returns a fresh, untracked state for events that carry no user
// id. Nothing written to it outlives the event.
func (m *Manager) Transient() *UserState {
	now := m.now()
	name, _ := m.resolveName(context.Background(), "")
	return &UserState{
		NamingMode:  NamingFormal,
		DisplayName: name,
		History:     []providers.Message{},
		Created:     now,
		Updated:     now,
		resolved:    true,
		owner:       m,
	}
}

// Len returns the number of users tracked.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.states)
}

// Snapshot is a point-in-time copy of a user's state.
type Snapshot struct {
	UserID      string              `json:"user_id"`
	NamingMode  NamingMode          `json:"naming_mode"`
	DisplayName string              `json:"display_name"`
	History     []providers.Message `json:"history"`
	Updated     time.Time           `json:"updated"`
}

// Snapshot copies the state of userID. Blocks while that user is being
// handled.
func (m *Manager) Snapshot(userID string) (Snapshot, bool) {
	m.mu.RLock()
	s, ok := m.states[userID]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		UserID:      s.UserID,
		NamingMode:  s.NamingMode,
		DisplayName: s.DisplayName,
		History:     s.Recent(0),
		Updated:     s.Updated,
	}, true
}

// AppendTurn adds a message to the history, evicting the oldest turns beyond
// the configured bound.
func (s *UserState) AppendTurn(role, content string) {
	s.History = append(s.History, providers.Message{Role: role, Content: content})
	if limit := s.owner.opts.MaxHistory; len(s.History) > limit {
		s.History = append([]providers.Message(nil), s.History[len(s.History)-limit:]...)
	}
	s.Updated = s.owner.now()
}

// Recent returns a copy of the last n turns; n <= 0 returns all of them.
func (s *UserState) Recent(n int) []providers.Message {
	h := s.History
	if n > 0 && len(h) > n {
		h = h[len(h)-n:]
	}
	out := make([]providers.Message, len(h))
	copy(out, h)
	return out
}

// SetNamingMode switches how the user is addressed.
func (s *UserState) SetNamingMode(mode NamingMode) {
	s.NamingMode = mode
	s.Updated = s.owner.now()
}

// ResolveDisplayName renders the name for the current naming mode.
func (s *UserState) ResolveDisplayName() string {
	if s.NamingMode == NamingPlain {
		return s.DisplayName
	}
	return s.DisplayName + s.owner.opts.Suffix
}
