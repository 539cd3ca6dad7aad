package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/titanous/json5"
)

const secretMask = "***"

// Provider names understood by the serve command.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// DefaultEnvFiles are loaded by Load. Earlier files win.
var DefaultEnvFiles = []string{".env.local", ".env"}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:            "0.0.0.0",
			Port:            3000,
			ShutdownSeconds: 5,
		},
		Line: LineConfig{
			WebhookPath:        "/webhook",
			RateLimitPerMinute: 120,
			ProfileTTLMinutes:  30,
		},
		Provider: ProviderConfig{
			MaxTokens:      200,
			Temperature:    0.8,
			TimeoutSeconds: 10,
			RatePerMinute:  20,
			Burst:          5,
		},
		Persona: PersonaConfig{
			UTCOffsetHours: 9,
		},
		Delay: DelayConfig{
			MinSeconds: 120,
			MaxSeconds: 300,
		},
		Dedup: DedupConfig{
			WindowSeconds: 60,
			Sweep:         "@every 30s",
		},
		Sessions: SessionsConfig{
			MaxHistory:   10,
			HistoryTurns: 10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads config from an optional JSON5 file, then overlays .env files and
// env vars. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json5.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	LoadEnvFiles(DefaultEnvFiles...)
	cfg.applyEnvOverrides()
	return cfg, nil
}

// LoadEnvFiles loads KEY=VALUE files into the process environment. Variables
// already set are never overwritten; missing files are skipped.
func LoadEnvFiles(files ...string) {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		_ = godotenv.Load(f)
	}
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	// Names used by the LINE console and most hosting guides.
	envStr("CHANNEL_SECRET", &c.Line.ChannelSecret)
	envStr("CHANNEL_ACCESS_TOKEN", &c.Line.AccessToken)
	envInt("PORT", &c.Gateway.Port)

	envStr("KAI_HOST", &c.Gateway.Host)
	envInt("KAI_PORT", &c.Gateway.Port)
	envStr("KAI_ADMIN_TOKEN", &c.Gateway.AdminToken)
	envStr("KAI_LINE_API_BASE", &c.Line.APIBase)
	if v := os.Getenv("KAI_ALLOW_FROM"); v != "" {
		c.Line.AllowFrom = strings.Split(v, ",")
	}

	// Provider: explicit choice first, else whichever key is present.
	envStr("KAI_PROVIDER", &c.Provider.Name)
	if c.Provider.Name == "" {
		switch {
		case os.Getenv("OPENAI_API_KEY") != "":
			c.Provider.Name = ProviderOpenAI
		case os.Getenv("GEMINI_API_KEY") != "":
			c.Provider.Name = ProviderGemini
		}
	}
	switch c.Provider.Name {
	case ProviderOpenAI:
		envStr("OPENAI_API_KEY", &c.Provider.APIKey)
		envStr("OPENAI_BASE_URL", &c.Provider.APIBase)
	case ProviderGemini:
		envStr("GEMINI_API_KEY", &c.Provider.APIKey)
	}
	envStr("KAI_MODEL", &c.Provider.Model)

	envStr("KAI_PERSONA_FILE", &c.Persona.File)
	envStr("KAI_USER_NAME", &c.Persona.UserName)
	if v := os.Getenv("KAI_DELAY_MODE"); v != "" {
		c.Delay.Enabled = v == "true" || v == "1" || v == "on"
	}
	envStr("KAI_LOG_LEVEL", &c.Log.Level)
	envStr("KAI_LOG_FORMAT", &c.Log.Format)
}

// Validate reports every setting the bot cannot start with.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error
	if c.Line.ChannelSecret == "" {
		errs = append(errs, errors.New("line channel secret is required (CHANNEL_SECRET)"))
	}
	if c.Line.AccessToken == "" {
		errs = append(errs, errors.New("line access token is required (CHANNEL_ACCESS_TOKEN)"))
	}
	if !strings.HasPrefix(c.Line.WebhookPath, "/") {
		errs = append(errs, fmt.Errorf("line webhook path %q must start with /", c.Line.WebhookPath))
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway port %d out of range", c.Gateway.Port))
	}

	switch c.Provider.Name {
	case "":
	case ProviderOpenAI, ProviderGemini:
		if c.Provider.APIKey == "" {
			errs = append(errs, fmt.Errorf("provider %q is configured without an API key", c.Provider.Name))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider.Name))
	}
	if c.Provider.TimeoutSeconds <= 0 {
		errs = append(errs, errors.New("provider timeout must be positive"))
	}

	if c.Delay.MinSeconds <= 0 || c.Delay.MaxSeconds < c.Delay.MinSeconds {
		errs = append(errs, fmt.Errorf("delay window [%d, %d] is invalid", c.Delay.MinSeconds, c.Delay.MaxSeconds))
	}
	if c.Persona.UTCOffsetHours < -12 || c.Persona.UTCOffsetHours > 14 {
		errs = append(errs, fmt.Errorf("utc offset %d out of range", c.Persona.UTCOffsetHours))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log format %q must be text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Save writes the config as JSON without secrets.
func Save(path string, cfg *Config) error {
	cp := cfg.clone()
	cp.StripSecrets()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// MaskedCopy returns a copy with every secret replaced by a mask, safe to
// print or serve.
func (c *Config) MaskedCopy() *Config {
	cp := c.clone()
	maskNonEmpty(&cp.Line.ChannelSecret)
	maskNonEmpty(&cp.Line.AccessToken)
	maskNonEmpty(&cp.Provider.APIKey)
	maskNonEmpty(&cp.Gateway.AdminToken)
	return cp
}

// StripSecrets clears every secret field.
func (c *Config) StripSecrets() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Line.ChannelSecret = ""
	c.Line.AccessToken = ""
	c.Provider.APIKey = ""
	c.Gateway.AdminToken = ""
}

// clone deep-copies via a JSON round-trip.
func (c *Config) clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := json.Marshal(c)
	if err != nil {
		return Default()
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return Default()
	}
	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}
