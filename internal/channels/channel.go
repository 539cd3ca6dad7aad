// Package channels provides the channel abstraction layer: a channel receives
// platform webhooks, turns them into bus.InboundMessage values for the
// dispatcher, and delivers replies back to the platform.
package channels

import (
	"context"
	"net/http"
	"slices"
	"sync/atomic"

	"github.com/nextlevelbuilder/kaibot/internal/bus"
)

// Deliverer sends messages back to users.
type Deliverer interface {
	// Reply answers an inbound event using its correlation token. Tokens are
	// single-use and expire shortly after the event.
	Reply(ctx context.Context, replyToken string, msgs []bus.OutboundMessage) error

	// Push sends messages to a user without an inbound event.
	Push(ctx context.Context, userID string, msgs []bus.OutboundMessage) error
}

// Channel defines the interface that all channel implementations must satisfy.
type Channel interface {
	Deliverer

	// Name returns the channel identifier (e.g., "line").
	Name() string

	// Start prepares the channel. Should be non-blocking.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// IsRunning returns whether the channel is actively processing messages.
	IsRunning() bool

	// IsAllowed checks if a sender is permitted by the channel's allowlist.
	IsAllowed(userID string) bool
}

// WebhookChannel is a channel that receives events over HTTP.
type WebhookChannel interface {
	Channel
	WebhookPath() string
	WebhookHandler() http.Handler
}

// BatchHandler consumes the messages of one webhook delivery, in order.
type BatchHandler interface {
	HandleBatch(ctx context.Context, msgs []bus.InboundMessage)
}

// BaseChannel provides shared functionality for all channel implementations.
// Channel implementations should embed this struct.
type BaseChannel struct {
	name      string
	running   atomic.Bool
	allowList []string
}

// NewBaseChannel creates a new BaseChannel with the given parameters.
func NewBaseChannel(name string, allowList []string) *BaseChannel {
	return &BaseChannel{
		name:      name,
		allowList: allowList,
	}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// IsRunning returns whether the channel is running.
func (c *BaseChannel) IsRunning() bool { return c.running.Load() }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running.Store(running) }

// HasAllowList returns true if an allowlist is configured (non-empty).
func (c *BaseChannel) HasAllowList() bool { return len(c.allowList) > 0 }

// IsAllowed checks if a user is permitted by the allowlist.
// Empty allowlist means all users are allowed.
func (c *BaseChannel) IsAllowed(userID string) bool {
	if len(c.allowList) == 0 {
		return true
	}
	return slices.Contains(c.allowList, userID)
}

// Truncate shortens a string to maxLen, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
