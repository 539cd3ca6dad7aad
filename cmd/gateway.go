package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/kaibot/internal/agent"
	"github.com/nextlevelbuilder/kaibot/internal/channels"
	"github.com/nextlevelbuilder/kaibot/internal/channels/line"
	"github.com/nextlevelbuilder/kaibot/internal/config"
	"github.com/nextlevelbuilder/kaibot/internal/dedup"
	"github.com/nextlevelbuilder/kaibot/internal/gateway"
	httpapi "github.com/nextlevelbuilder/kaibot/internal/http"
	"github.com/nextlevelbuilder/kaibot/internal/persona"
	"github.com/nextlevelbuilder/kaibot/internal/sessions"
)

func runGateway() error {
	cfgPath := resolveConfigPath()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return err
	}
	setupLogging(os.Stdout, cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "path", cfgPath, "error", err)
		return err
	}

	bank, err := persona.LoadBank(cfg.Persona.File)
	if err != nil {
		slog.Error("failed to load phrase bank", "file", cfg.Persona.File, "error", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := buildProvider(ctx, cfg)
	if err != nil {
		slog.Error("failed to create provider", "provider", cfg.Provider.Name, "error", err)
		return err
	}

	lineCh, err := line.New(line.Config{
		ChannelSecret:      cfg.Line.ChannelSecret,
		AccessToken:        cfg.Line.AccessToken,
		APIBase:            cfg.Line.APIBase,
		WebhookPath:        cfg.Line.WebhookPath,
		AllowFrom:          cfg.Line.AllowFrom,
		ProfileTTL:         time.Duration(cfg.Line.ProfileTTLMinutes) * time.Minute,
		RateLimitPerMinute: cfg.Line.RateLimitPerMinute,
	})
	if err != nil {
		slog.Error("failed to create LINE channel", "error", err)
		return err
	}

	sessMgr := sessions.NewManager(sessions.Options{
		MaxHistory:  cfg.Sessions.MaxHistory,
		Suffix:      bank.Suffix,
		Placeholder: bank.Placeholder,
		FixedName:   cfg.Persona.UserName,
		Lookup:      lineCh,
	})

	seen := dedup.New(time.Duration(cfg.Dedup.WindowSeconds) * time.Second)
	if err := seen.Start(cfg.Dedup.Sweep); err != nil {
		slog.Error("failed to schedule dedup sweep", "spec", cfg.Dedup.Sweep, "error", err)
		return err
	}
	defer seen.Stop()

	minDelay, maxDelay := cfg.DelayBounds()
	dispatcher := agent.NewDispatcher(agent.DispatcherConfig{
		Deliverer: lineCh,
		Sessions:  sessMgr,
		Dedup:     seen,
		Selector:  agent.NewSelector(bank, cfg.Sessions.HistoryTurns),
		Generator: agent.NewGenerator(agent.GeneratorConfig{
			Provider:      provider,
			Model:         cfg.Provider.Model,
			Bank:          bank,
			Timeout:       cfg.ProviderTimeout(),
			MaxTokens:     cfg.Provider.MaxTokens,
			Temperature:   cfg.Provider.Temperature,
			Zone:          cfg.Zone(),
			RatePerMinute: cfg.Provider.RatePerMinute,
			Burst:         cfg.Provider.Burst,
		}),
		DelayMode: agent.NewDelayMode(cfg.Delay.Enabled),
		MinDelay:  minDelay,
		MaxDelay:  maxDelay,
	})
	defer dispatcher.Stop()
	lineCh.SetHandler(dispatcher)

	channelMgr := channels.NewManager()
	channelMgr.RegisterChannel("line", lineCh)
	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
		defer cancel()
		if err := channelMgr.StopAll(stopCtx); err != nil {
			slog.Warn("channel shutdown", "error", err)
		}
	}()

	server := gateway.NewServer(cfg, channelMgr, Version)
	if cfg.Gateway.AdminToken != "" {
		server.SetStatusHandler(httpapi.NewStatusHandler(dispatcher, cfg.Gateway.AdminToken, channelMgr.Status))
	}

	slog.Info("kaibot starting",
		"version", Version,
		"addr", cfg.Addr(),
		"webhook", cfg.Line.WebhookPath,
		"provider", providerLabel(cfg),
		"delay_mode", cfg.Delay.Enabled,
		"admin_api", cfg.Gateway.AdminToken != "",
		"channels", channelMgr.Names(),
	)

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway error", "error", err)
		return err
	}
	slog.Info("graceful shutdown initiated")
	return nil
}

// setupLogging installs the default slog handler. --verbose wins over the
// configured level.
func setupLogging(w io.Writer, cfg *config.Config) {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Log.Level)}
	if verbose {
		opts.Level = slog.LevelDebug
	}
	var h slog.Handler
	if strings.EqualFold(cfg.Log.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
}

func parseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func providerLabel(cfg *config.Config) string {
	if cfg.Provider.Name == "" {
		return "templates-only"
	}
	if cfg.Provider.Model == "" {
		return cfg.Provider.Name
	}
	return fmt.Sprintf("%s/%s", cfg.Provider.Name, cfg.Provider.Model)
}
