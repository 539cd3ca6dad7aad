package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/kaibot/internal/config"
	"github.com/nextlevelbuilder/kaibot/internal/providers"
)

const defaultOpenAIModel = "gpt-4o-mini"

// buildProvider creates the configured generative backend. A nil provider
// with a nil error means template-only mode.
func buildProvider(ctx context.Context, cfg *config.Config) (providers.Provider, error) {
	pc := cfg.Provider
	switch pc.Name {
	case "":
		slog.Info("no generative provider configured, replying from templates only")
		return nil, nil
	case config.ProviderOpenAI:
		model := pc.Model
		if model == "" {
			model = defaultOpenAIModel
		}
		p := providers.NewOpenAIProvider(config.ProviderOpenAI, pc.APIKey, pc.APIBase, model)
		slog.Info("registered provider", "name", p.Name(), "model", p.DefaultModel())
		return p, nil
	case config.ProviderGemini:
		p, err := providers.NewGeminiProvider(ctx, pc.APIKey, pc.APIBase, pc.Model)
		if err != nil {
			return nil, err
		}
		slog.Info("registered provider", "name", p.Name(), "model", p.DefaultModel())
		return p, nil
	}
	return nil, fmt.Errorf("unknown provider %q", pc.Name)
}
