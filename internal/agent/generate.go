package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/kaibot/internal/channels"
	"github.com/nextlevelbuilder/kaibot/internal/persona"
	"github.com/nextlevelbuilder/kaibot/internal/providers"
)

// DefaultGenerateTimeout bounds one backend call.
const DefaultGenerateTimeout = 10 * time.Second

// maxLimiters caps the per-user limiter map; it is reset when full.
const maxLimiters = 4096

var (
	ErrNoProvider  = errors.New("no generative provider configured")
	ErrRateLimited = errors.New("generation rate limited")
)

// GeneratorConfig configures a Generator.
type GeneratorConfig struct {
	Provider    providers.Provider // nil = template replies only
	Model       string             // empty = provider default
	Bank        *persona.Bank
	Timeout     time.Duration
	MaxTokens   int
	Temperature float64
	Zone        *time.Location // time-of-day fallback buckets

	// Per-user generation budget. Zero disables limiting.
	RatePerMinute float64
	Burst         int
}

// Generator produces free-form replies through a provider and falls back to
// phrase bank templates whenever that fails.
type Generator struct {
	provider    providers.Provider
	model       string
	bank        *persona.Bank
	timeout     time.Duration
	maxTokens   int
	temperature float64
	zone        *time.Location

	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
	mu       sync.Mutex

	now  func() time.Time
	intn func(n int) int
}

func NewGenerator(cfg GeneratorConfig) *Generator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultGenerateTimeout
	}
	if cfg.Zone == nil {
		cfg.Zone = persona.DefaultZone
	}
	if cfg.Bank == nil {
		cfg.Bank = persona.DefaultBank()
	}
	g := &Generator{
		provider:    cfg.Provider,
		model:       cfg.Model,
		bank:        cfg.Bank,
		timeout:     cfg.Timeout,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		zone:        cfg.Zone,
		limiters:    make(map[string]*rate.Limiter),
		now:         time.Now,
		intn:        rand.IntN,
	}
	if cfg.RatePerMinute > 0 {
		g.limit = rate.Limit(cfg.RatePerMinute / 60)
		g.burst = max(cfg.Burst, 1)
	}
	return g
}

// Enabled reports whether a provider is configured.
func (g *Generator) Enabled() bool { return g.provider != nil }

// Generate asks the provider for a reply to p. The call is bounded by the
// generator timeout regardless of ctx.
func (g *Generator) Generate(ctx context.Context, userID string, p Prompt) (string, error) {
	if g.provider == nil {
		return "", ErrNoProvider
	}
	if !g.allow(userID) {
		return "", ErrRateLimited
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req := providers.ChatRequest{
		Messages: g.messages(p),
		Model:    g.model,
		Options:  map[string]interface{}{},
	}
	if g.maxTokens > 0 {
		req.Options[providers.OptMaxTokens] = g.maxTokens
	}
	if g.temperature > 0 {
		req.Options[providers.OptTemperature] = g.temperature
	}

	start := time.Now()
	resp, err := g.provider.Chat(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%s chat: %w", g.provider.Name(), err)
	}
	text := SanitizeReply(resp.Content)
	if text == "" {
		return "", fmt.Errorf("%s chat: %w", g.provider.Name(), providers.ErrEmptyResponse)
	}

	attrs := []any{"provider", g.provider.Name(), "user_id", channels.Truncate(userID, 12), "ms", time.Since(start).Milliseconds()}
	if resp.Usage != nil {
		attrs = append(attrs, "tokens", resp.Usage.TotalTokens)
	}
	slog.Debug("reply generated", attrs...)
	return text, nil
}

// Reply returns a generated reply, or a template fallback when generation is
// unavailable or fails. generated reports which one it is.
func (g *Generator) Reply(ctx context.Context, userID string, p Prompt) (text string, generated bool) {
	text, err := g.Generate(ctx, userID, p)
	if err == nil {
		return text, true
	}
	if !errors.Is(err, ErrNoProvider) {
		slog.Warn("generation failed, using template", "user_id", channels.Truncate(userID, 12), "error", err)
	}
	return g.Fallback(p), false
}

// Fallback renders the time-of-day template, or the default bucket when the
// bank has nothing for the current time.
func (g *Generator) Fallback(p Prompt) string {
	v := p.vars()
	if text, ok := g.bank.Pick(persona.TimeBucket(g.now(), g.zone), g.intn, v); ok {
		return text
	}
	text, _ := g.bank.Pick(persona.BucketDefault, g.intn, v)
	return text
}

// messages builds the request conversation: persona directive, recent
// history, then the message being answered unless the history already ends
// with it.
func (g *Generator) messages(p Prompt) []providers.Message {
	msgs := make([]providers.Message, 0, len(p.History)+2)
	msgs = append(msgs, providers.Message{Role: "system", Content: g.bank.SystemPrompt(p.vars())})
	msgs = append(msgs, p.History...)
	if n := len(p.History); n == 0 || p.History[n-1].Role != "user" || p.History[n-1].Content != p.Text {
		msgs = append(msgs, providers.Message{Role: "user", Content: p.Text})
	}
	return msgs
}

func (g *Generator) allow(userID string) bool {
	if g.limit == 0 {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[userID]
	if !ok {
		if len(g.limiters) >= maxLimiters {
			g.limiters = make(map[string]*rate.Limiter)
		}
		l = rate.NewLimiter(g.limit, g.burst)
		g.limiters[userID] = l
	}
	return l.Allow()
}
