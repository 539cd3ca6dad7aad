package line

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type profileEntry struct {
	name      string
	expiresAt time.Time
}

// profileCache remembers display names for a TTL. Concurrent misses for the
// same user share one API call.
type profileCache struct {
	mu      sync.Mutex
	entries map[string]profileEntry
	ttl     time.Duration
	group   singleflight.Group
	fetch   func(ctx context.Context, userID string) (string, error)
	now     func() time.Time
}

func newProfileCache(ttl time.Duration, fetch func(ctx context.Context, userID string) (string, error)) *profileCache {
	return &profileCache{
		entries: make(map[string]profileEntry),
		ttl:     ttl,
		fetch:   fetch,
		now:     time.Now,
	}
}

func (p *profileCache) get(ctx context.Context, userID string) (string, error) {
	if name, ok := p.cached(userID); ok {
		return name, nil
	}

	v, err, _ := p.group.Do(userID, func() (interface{}, error) {
		if name, ok := p.cached(userID); ok {
			return name, nil
		}
		name, err := p.fetch(ctx, userID)
		if err != nil {
			return "", err
		}
		p.mu.Lock()
		p.entries[userID] = profileEntry{name: name, expiresAt: p.now().Add(p.ttl)}
		p.mu.Unlock()
		return name, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (p *profileCache) cached(userID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[userID]
	if !ok || !p.now().Before(e.expiresAt) {
		return "", false
	}
	return e.name, true
}

// DisplayName returns the LINE profile name of a user.
func (c *Channel) DisplayName(ctx context.Context, userID string) (string, error) {
	return c.profiles.get(ctx, userID)
}

func (c *Channel) fetchProfile(ctx context.Context, userID string) (string, error) {
	res, profile, err := c.api.WithContext(ctx).GetProfileWithHttpInfo(userID)
	if err != nil {
		return "", apiError("profile", res, err)
	}
	return profile.DisplayName, nil
}
