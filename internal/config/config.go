package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the Kai bot.
type Config struct {
	Gateway  GatewayConfig  `json:"gateway"`
	Line     LineConfig     `json:"line"`
	Provider ProviderConfig `json:"provider"`
	Persona  PersonaConfig  `json:"persona"`
	Delay    DelayConfig    `json:"delay"`
	Dedup    DedupConfig    `json:"dedup"`
	Sessions SessionsConfig `json:"sessions"`
	Log      LogConfig      `json:"log"`
	mu       sync.RWMutex
}

// GatewayConfig controls the HTTP server.
type GatewayConfig struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	AdminToken      string `json:"admin_token,omitempty"` // bearer token for /v1/*; empty disables the admin API
	ShutdownSeconds int    `json:"shutdown_seconds,omitempty"`
}

// LineConfig configures the LINE Messaging API channel.
// Secrets are normally supplied through CHANNEL_SECRET / CHANNEL_ACCESS_TOKEN.
type LineConfig struct {
	ChannelSecret      string              `json:"channel_secret,omitempty"`
	AccessToken        string              `json:"access_token,omitempty"`
	APIBase            string              `json:"api_base,omitempty"` // override for tests and proxies
	WebhookPath        string              `json:"webhook_path"`
	AllowFrom          FlexibleStringSlice `json:"allow_from,omitempty"`
	RateLimitPerMinute int                 `json:"rate_limit_per_minute"` // per remote IP; negative disables
	ProfileTTLMinutes  int                 `json:"profile_ttl_minutes"`
}

// ProviderConfig selects the generative backend. An empty Name runs the bot
// on templates alone.
type ProviderConfig struct {
	Name           string  `json:"name"` // "", "openai" or "gemini"
	APIKey         string  `json:"api_key,omitempty"`
	APIBase        string  `json:"api_base,omitempty"`
	Model          string  `json:"model,omitempty"`
	MaxTokens      int     `json:"max_tokens"`
	Temperature    float64 `json:"temperature"`
	TimeoutSeconds int     `json:"timeout_seconds"`
	RatePerMinute  float64 `json:"rate_per_minute"` // per user; 0 = unlimited
	Burst          int     `json:"burst"`
}

// PersonaConfig controls who the bot is talking to and in which time zone.
type PersonaConfig struct {
	File           string `json:"file,omitempty"`      // phrase bank override (YAML)
	UserName       string `json:"user_name,omitempty"` // fixed name for every user, skips profile lookup
	UTCOffsetHours int    `json:"utc_offset_hours"`
}

// DelayConfig configures delayed ("slow") replies.
type DelayConfig struct {
	Enabled    bool `json:"enabled"`
	MinSeconds int  `json:"min_seconds"`
	MaxSeconds int  `json:"max_seconds"`
}

// DedupConfig configures webhook redelivery suppression.
type DedupConfig struct {
	WindowSeconds int    `json:"window_seconds"`
	Sweep         string `json:"sweep"` // cron spec, e.g. "@every 30s"
}

// SessionsConfig configures per-user conversation state.
type SessionsConfig struct {
	MaxHistory   int `json:"max_history"`   // turns kept per user
	HistoryTurns int `json:"history_turns"` // turns sent to the model
}

// LogConfig configures slog output.
type LogConfig struct {
	Level  string `json:"level"`  // "debug", "info", "warn", "error"
	Format string `json:"format"` // "text" or "json"
}

// Zone returns the fixed zone time-of-day buckets are computed in.
func (c *Config) Zone() *time.Location {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h := c.Persona.UTCOffsetHours
	return time.FixedZone(fmt.Sprintf("UTC%+d", h), h*60*60)
}

// DelayBounds returns the delayed reply window.
func (c *Config) DelayBounds() (minDelay, maxDelay time.Duration) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Delay.MinSeconds) * time.Second, time.Duration(c.Delay.MaxSeconds) * time.Second
}

// ProviderTimeout returns the bound on one generative call.
func (c *Config) ProviderTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Provider.TimeoutSeconds) * time.Second
}

// ShutdownGrace returns how long in-flight requests get on shutdown.
func (c *Config) ShutdownGrace() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Gateway.ShutdownSeconds) * time.Second
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s:%d", c.Gateway.Host, c.Gateway.Port)
}
