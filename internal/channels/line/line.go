// Package line implements the LINE Messaging API channel: webhook intake with
// signature verification, reply/push delivery and profile lookup.
package line

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"

	"github.com/nextlevelbuilder/kaibot/internal/channels"
)

const (
	channelName        = "line"
	defaultWebhookPath = "/webhook"
	defaultProfileTTL  = 30 * time.Minute
)

// Config configures the LINE channel.
type Config struct {
	ChannelSecret      string
	AccessToken        string
	APIBase            string // optional, e.g. a test server; defaults to api.line.me
	WebhookPath        string
	AllowFrom          []string
	ProfileTTL         time.Duration
	RateLimitPerMinute int // per remote IP on the webhook; 0 = default, <0 = off
}

// Channel connects a LINE official account to the dispatcher.
type Channel struct {
	*channels.BaseChannel
	cfg      Config
	api      *messaging_api.MessagingApiAPI
	profiles *profileCache
	limiter  *channels.WebhookRateLimiter

	mu      sync.RWMutex
	handler channels.BatchHandler

	ctx     context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup // in-flight webhook batches
}

// New creates a LINE channel. SetHandler must be called before the webhook
// receives traffic.
func New(cfg Config) (*Channel, error) {
	if cfg.ChannelSecret == "" {
		return nil, errors.New("line: channel secret is required")
	}
	if cfg.AccessToken == "" {
		return nil, errors.New("line: channel access token is required")
	}
	if cfg.WebhookPath == "" {
		cfg.WebhookPath = defaultWebhookPath
	}
	if cfg.ProfileTTL <= 0 {
		cfg.ProfileTTL = defaultProfileTTL
	}

	opts := []messaging_api.MessagingApiAPIOption{
		messaging_api.WithHTTPClient(&http.Client{Timeout: 15 * time.Second}),
	}
	if cfg.APIBase != "" {
		opts = append(opts, messaging_api.WithEndpoint(cfg.APIBase))
	}
	api, err := messaging_api.NewMessagingApiAPI(cfg.AccessToken, opts...)
	if err != nil {
		return nil, fmt.Errorf("line: create messaging api client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		BaseChannel: channels.NewBaseChannel(channelName, cfg.AllowFrom),
		cfg:         cfg,
		api:         api,
		ctx:         ctx,
		cancel:      cancel,
	}
	c.profiles = newProfileCache(cfg.ProfileTTL, c.fetchProfile)
	if cfg.RateLimitPerMinute >= 0 {
		c.limiter = channels.NewWebhookRateLimiter(time.Minute, cfg.RateLimitPerMinute)
	}
	return c, nil
}

// SetHandler sets the consumer of parsed webhook batches.
func (c *Channel) SetHandler(h channels.BatchHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

func (c *Channel) batchHandler() channels.BatchHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handler
}

// Start marks the channel running. The webhook itself is served by the
// gateway's HTTP server.
func (c *Channel) Start(ctx context.Context) error {
	if c.batchHandler() == nil {
		return errors.New("line: no handler set")
	}
	c.SetRunning(true)
	slog.Info("line channel started", "webhook", c.cfg.WebhookPath, "allowlist", c.HasAllowList())
	return nil
}

// Stop waits for in-flight webhook batches until ctx expires, then cancels
// whatever is still running.
func (c *Channel) Stop(ctx context.Context) error {
	c.SetRunning(false)

	done := make(chan struct{})
	go func() {
		c.running.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("line: in-flight batches abandoned: %w", ctx.Err())
	}
	c.cancel()
	return err
}

// WebhookPath returns the path LINE posts events to.
func (c *Channel) WebhookPath() string { return c.cfg.WebhookPath }

// WebhookHandler returns the HTTP handler for LINE webhook deliveries.
func (c *Channel) WebhookHandler() http.Handler {
	var h http.Handler = http.HandlerFunc(c.handleWebhook)
	if c.limiter != nil {
		h = c.limiter.Middleware(h)
	}
	return h
}
